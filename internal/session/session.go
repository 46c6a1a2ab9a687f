// Package session implements the per-donor state machine of spec.md
// §4.3: the sequence AWAIT_HEADER -> STREAMING -> TERMINAL driven by
// KDH, VMCORE and FINISHED packets, plus the timeout and write-error
// paths that also terminate a session.
package session

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/sandvine/netdumpd/internal/coalescer"
	"github.com/sandvine/netdumpd/internal/loghook"
	"github.com/sandvine/netdumpd/internal/protocol"
	"github.com/sandvine/netdumpd/internal/spool"
)

// State is one of the three states of spec.md §4.3.
type State int

const (
	AwaitHeader State = iota
	Streaming
	Terminal
)

// progressEvery mirrors the original's "approximately every 16MiB"
// progress dot, computed against the maximum payload per datagram.
const progressEvery = (16 * 1024 * 1024) / protocol.MaxPayload

// Session is the per-donor record of an in-progress dump. It is
// mutated exclusively by the event multiplexer's dispatcher goroutine;
// no internal locking is used (spec.md §5).
type Session struct {
	IP          net.IP
	Hostname    string
	Files       *spool.Files
	Conn        net.Conn
	LastMsg     time.Time
	AnyDataRcvd bool
	State       State

	coalescer *coalescer.Coalescer
	commit    func(hostname string, f *spool.Files) error
	notify    func(reason string)
	hook      loghook.Hook
}

// New creates a session for a freshly allocated donor. now is the
// multiplexer's current wake timestamp (spec.md §4.7); commit is
// called on successful FINISHED to repoint the ".last" symlinks;
// notify invokes the handler worker with the session's termination
// reason.
func New(ip net.IP, hostname string, files *spool.Files, conn net.Conn, now time.Time, commit func(string, *spool.Files) error, notify func(string), hook loghook.Hook) *Session {
	s := &Session{
		IP:        ip,
		Hostname:  hostname,
		Files:     files,
		Conn:      conn,
		LastMsg:   now,
		State:     AwaitHeader,
		coalescer: coalescer.New(),
		commit:    commit,
		notify:    notify,
		hook:      hook,
	}
	fmt.Fprintf(files.Info, "Dump from %s [%s]\n", hostname, ip)
	return s
}

// Handle dispatches one inbound packet per spec.md §4.3's transition
// table. now becomes the session's new LastMsg. An unknown message
// type is logged and ignored without an ACK.
func (s *Session) Handle(pkt protocol.Packet, now time.Time) {
	s.LastMsg = now

	switch pkt.Type {
	case protocol.TypeKDH:
		s.handleKDH(pkt)
	case protocol.TypeVMCore:
		s.handleVMCore(pkt)
	case protocol.TypeFinished:
		s.handleFinished(pkt)
	default:
		s.hook.Errf("received unexpected message type %d from %s [%s]", pkt.Type, s.Hostname, s.IP)
	}
}

func (s *Session) handleKDH(pkt protocol.Packet) {
	s.AnyDataRcvd = true

	kdh, err := protocol.DecodeKDH(pkt.Payload)
	if err != nil {
		s.hook.Errf("bad KDH from %s [%s]: %v", s.Hostname, s.IP, err)
		fmt.Fprintf(s.Files.Info, "Bad KDH: packet too small\n")
		return
	}

	fmt.Fprintf(s.Files.Info, "  Architecture: %s\n", kdh.Architecture)
	fmt.Fprintf(s.Files.Info, "  Architecture version: %d\n", kdh.ArchitectureVersion)
	fmt.Fprintf(s.Files.Info, "  Dump length: %dB (%d MB)\n", kdh.DumpLength, kdh.DumpLength>>20)
	fmt.Fprintf(s.Files.Info, "  blocksize: %d\n", kdh.Blocksize)
	fmt.Fprintf(s.Files.Info, "  Dumptime: %s\n", time.Unix(kdh.DumpTime, 0).UTC().Format(time.ANSIC))
	fmt.Fprintf(s.Files.Info, "  Hostname: %s\n", kdh.Hostname)
	fmt.Fprintf(s.Files.Info, "  Versionstring: %s\n", kdh.VersionString)
	fmt.Fprintf(s.Files.Info, "  Panicstring: %s\n", kdh.PanicString)
	fmt.Fprintf(s.Files.Info, "  Header parity check: %s\n", passFail(kdh.ParityOK))

	s.hook.Infof("KDH from %s [%s]", s.Hostname, s.IP)
	s.ack(pkt.Seqno)
	s.State = Streaming
}

func (s *Session) handleVMCore(pkt protocol.Packet) {
	s.AnyDataRcvd = true

	if progressEvery > 0 && pkt.Seqno%uint32(progressEvery) == 0 {
		s.hook.Infof("progress: %s [%s] seq %d", s.Hostname, s.IP, pkt.Seqno)
	}

	if err := s.coalescer.Stage(s.Files.Core, int64(pkt.Offset), pkt.Payload); err != nil {
		s.fail(err)
		return
	}

	s.ack(pkt.Seqno)
	s.State = Streaming
}

func (s *Session) handleFinished(pkt protocol.Packet) {
	if err := s.coalescer.Flush(s.Files.Core); err != nil {
		s.fail(err)
		return
	}
	if err := s.Files.Core.Sync(); err != nil {
		s.fail(err)
		return
	}
	if s.commit != nil {
		if err := s.commit(s.Hostname, s.Files); err != nil {
			s.hook.Errf("commit .last symlinks for %s [%s]: %v", s.Hostname, s.IP, err)
		}
	}

	fmt.Fprintf(s.Files.Info, "Dump complete\n")
	s.hook.Infof("completed dump from %s [%s]", s.Hostname, s.IP)
	s.ack(pkt.Seqno)
	s.notifyReason("success")
	s.State = Terminal
}

// Reack resends an ACK for seqno without otherwise touching session
// state, used by the listener front-end for a herald retransmitted
// before any other packet has arrived (spec.md §4.3, P4).
func (s *Session) Reack(seqno uint32) {
	s.ack(seqno)
}

// SocketError terminates the session because reading its dedicated
// socket failed for a reason other than a transient EAGAIN/EINTR
// (spec.md §5: "any other receive error terminates the session with
// reason error").
func (s *Session) SocketError(err error) {
	s.fail(errors.Wrap(err, "socket read error"))
}

// Timeout terminates the session because no packet has arrived within
// the timeout window (spec.md §5, P6).
func (s *Session) Timeout() {
	s.hook.Infof("client %s [%s] timed out", s.Hostname, s.IP)
	fmt.Fprintf(s.Files.Info, "Dump incomplete: client timed out\n")
	s.notifyReason("timeout")
	s.State = Terminal
}

// fail terminates the session because of an unrecoverable write or
// socket error and records err in the info file. Errors from
// coalescer.Flush/Stage read "write error @ offset %08x: <cause>";
// fsync and socket read errors carry their own messages.
func (s *Session) fail(err error) {
	s.hook.Errf("%s [%s]: %v", s.Hostname, s.IP, err)
	fmt.Fprintf(s.Files.Info, "Dump unsuccessful: %s\n", err)
	s.notifyReason("error")
	s.State = Terminal
}

func (s *Session) notifyReason(reason string) {
	if s.notify != nil {
		s.notify(reason)
	}
}

// ack sends an ACK datagram for seqno on the session's dedicated
// socket (P1: exactly one ACK per accepted inbound packet).
func (s *Session) ack(seqno uint32) {
	if _, err := s.Conn.Write(protocol.EncodeAck(seqno)); err != nil {
		s.hook.Errf("send ack to %s [%s]: %v", s.Hostname, s.IP, err)
	}
}

// Close releases the session's file and socket resources. The caller
// (the event multiplexer) is responsible for removing the session
// from the registry and calling Close exactly once, after the session
// reaches Terminal.
func (s *Session) Close() {
	s.Files.Info.Close()
	s.Files.Core.Close()
	s.Conn.Close()
}

func passFail(ok bool) string {
	if ok {
		return "Pass"
	}
	return "Fail"
}
