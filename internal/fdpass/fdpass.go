// Package fdpass passes an open file descriptor across a net.UnixConn
// using SCM_RIGHTS ancillary data, the mechanism the socket-dispenser
// and handler-worker helpers use to hand a socket or script descriptor
// back to the main process without granting it the authority to open
// one itself.
package fdpass

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxOOB is sized for a single descriptor; none of netdumpd's IPC
// round trips ever passes more than one.
var maxOOB = unix.CmsgSpace(4)

// Send writes data on uc's message channel with fd attached as
// ancillary data. fd is not closed by Send; the caller still owns it.
func Send(uc *net.UnixConn, data []byte, fd int) error {
	oob := unix.UnixRights(fd)
	n, oobn, err := uc.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return errors.Wrapf(err, "sendmsg (%d bytes, fd %d)", len(data), fd)
	}
	if n != len(data) || oobn != len(oob) {
		return errors.Errorf("short sendmsg: wrote %d/%d bytes, %d/%d oob bytes", n, len(data), oobn, len(oob))
	}
	return nil
}

// Recv reads a single message from uc, returning its payload and any
// file descriptor carried in ancillary data. fd is -1 if none was
// attached. The caller owns the returned descriptor and must close it.
func Recv(uc *net.UnixConn, dataBuf []byte) (data []byte, fd int, err error) {
	oob := make([]byte, maxOOB)
	n, oobn, _, _, err := uc.ReadMsgUnix(dataBuf, oob)
	if err != nil {
		return nil, -1, errors.Wrap(err, "recvmsg")
	}

	fd = -1
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return nil, -1, errors.Wrap(err, "parse control message")
		}
		if len(scms) > 0 {
			fds, err := unix.ParseUnixRights(&scms[0])
			if err != nil {
				return nil, -1, errors.Wrap(err, "extract file descriptors")
			}
			if len(fds) > 0 {
				fd = fds[0]
			}
		}
	}

	return dataBuf[:n], fd, nil
}

// FileFromFd wraps a raw descriptor received over the wire as an
// *os.File the caller can treat like any other open file or socket.
func FileFromFd(fd int, name string) *os.File {
	return os.NewFile(uintptr(fd), name)
}
