// Package handler implements the privilege-separated handler worker of
// spec.md §4.6: a subprocess holding a pre-opened descriptor to the
// operator's notification script, whose only operation forks and
// executes that descriptor with a fixed argument vector. Delegating
// the fork/exec to a separate process means the sandboxed main daemon
// never itself needs the authority to open or execute arbitrary files
// after startup (internal/capgate).
package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sandvine/netdumpd/internal/loghook"
)

// Request describes one handler invocation, matching the argv the
// script receives: [script, Reason, IP, Hostname, InfoFile, CoreFile].
type Request struct {
	ID       string `json:"id"`
	Reason   string `json:"reason"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	InfoFile string `json:"info_file"`
	CoreFile string `json:"core_file"`
}

// Response reports only whether the fork/exec itself started; exit
// status of the script is never collected (fire-and-forget per
// spec.md §4.6).
type Response struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// Client is the main process's handle to a running handler worker,
// communicating over the worker's stdin/stdout as newline-delimited
// JSON.
type Client struct {
	stdin   io.WriteCloser
	replies *bufio.Scanner
}

// NewClient wraps the pipes of an already-started worker subprocess.
func NewClient(stdin io.WriteCloser, stdout io.Reader) *Client {
	return &Client{stdin: stdin, replies: bufio.NewScanner(stdout)}
}

// Invoke asks the worker to fork/exec the notification script with
// the given reason and session details. It returns once the worker
// reports the fork attempt; the script's own exit status is never
// observed.
func (c *Client) Invoke(reason, ip, hostname, infoFile, coreFile string) error {
	req := Request{
		ID:       uuid.NewString(),
		Reason:   reason,
		IP:       ip,
		Hostname: hostname,
		InfoFile: infoFile,
		CoreFile: coreFile,
	}

	line, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "marshal handler request")
	}
	if _, err := c.stdin.Write(append(line, '\n')); err != nil {
		return errors.Wrapf(err, "send handler request %s", req.ID)
	}

	if !c.replies.Scan() {
		if err := c.replies.Err(); err != nil {
			return errors.Wrapf(err, "read handler response %s", req.ID)
		}
		return errors.Errorf("handler worker closed its output before replying to %s", req.ID)
	}

	var resp Response
	if err := json.Unmarshal(c.replies.Bytes(), &resp); err != nil {
		return errors.Wrapf(err, "decode handler response %s", req.ID)
	}
	if resp.Error != "" {
		return errors.Errorf("handler worker reported: %s (request %s)", resp.Error, req.ID)
	}
	return nil
}

// RunWorker is the handler subprocess's main loop: decode a Request
// per line from stdin, fork/exec scriptFD with its fixed argv and an
// empty environment, and report the fork's own outcome on stdout. It
// returns when stdin closes (the main process exited).
func RunWorker(scriptFD int, scriptPath string, stdin io.Reader, stdout io.Writer, hook loghook.Hook) error {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		var req Request
		resp := Response{}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			resp.ID = req.ID
			resp.Error = err.Error()
			writeResponse(stdout, resp, hook)
			continue
		}
		resp.ID = req.ID

		if err := execHandler(scriptFD, scriptPath, req); err != nil {
			resp.Error = err.Error()
			hook.Errf("handler invocation %s (%s): %v", req.ID, req.Reason, err)
		}
		writeResponse(stdout, resp, hook)
	}
	return scanner.Err()
}

func writeResponse(stdout io.Writer, resp Response, hook loghook.Hook) {
	line, err := json.Marshal(resp)
	if err != nil {
		hook.Errf("marshal handler response %s: %v", resp.ID, err)
		return
	}
	if _, err := fmt.Fprintf(stdout, "%s\n", line); err != nil {
		hook.Errf("write handler response %s: %v", resp.ID, err)
	}
}

// execHandler runs the pre-opened script descriptor via its
// /proc/self/fd path (the Linux analogue of fexecve), with the fixed
// six-string argument vector and no inherited environment. It is
// fire-and-forget: the child is reaped in the background and its exit
// status is discarded.
func execHandler(scriptFD int, scriptPath string, req Request) error {
	cmd := exec.Command(fmt.Sprintf("/proc/self/fd/%d", scriptFD))
	cmd.Args = []string{scriptPath, req.Reason, req.IP, req.Hostname, req.InfoFile, req.CoreFile}
	cmd.Env = []string{}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start handler script")
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

// OpenScript opens the operator-configured notification program for
// execution-by-descriptor only; the returned *os.File is handed to the
// worker subprocess via cmd.ExtraFiles and never touched again by the
// main process.
func OpenScript(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open handler script %s", path)
	}
	return f, nil
}
