// Package sockdispenser implements the privileged per-donor-socket
// helper of spec.md §4.5: a subprocess that owns the bound listening
// UDP socket, consumes each herald datagram, and hands the main
// process back a freshly bound-and-connected per-donor socket. The
// main process never binds a socket itself; it only receives
// descriptors produced here, over a Unix-domain IPC channel using
// SCM_RIGHTS (internal/fdpass).
package sockdispenser

import (
	"encoding/json"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/sandvine/netdumpd/internal/fdpass"
	"github.com/sandvine/netdumpd/internal/loghook"
	"github.com/sandvine/netdumpd/internal/protocol"
)

// donorRcvBuf is the receive-buffer size requested on every per-donor
// socket (SPEC_FULL.md feature 5, restoring the original's SO_RCVBUF
// sizing).
const donorRcvBuf = 128 * 1024

// Herald is what the dispenser reports about a just-arrived herald
// datagram, alongside the connected socket fd passed out-of-band.
type Herald struct {
	SrcIP   net.IP
	SrcPort int
	Seqno   uint32
	Path    string
}

// Client is the main process's handle to a running dispenser worker.
type Client struct {
	conn *net.UnixConn
}

// NewClient wraps the IPC connection established before the dispenser
// subprocess was spawned (a net.UnixConn built over a socketpair).
func NewClient(conn *net.UnixConn) *Client {
	return &Client{conn: conn}
}

// Next blocks for the next herald the dispenser observed, returning
// its metadata and a UDP socket bound and connected for that donor.
func (c *Client) Next() (Herald, *net.UDPConn, error) {
	data, fd, err := fdpass.Recv(c.conn, make([]byte, 4096))
	if err != nil {
		return Herald{}, nil, errors.Wrap(err, "receive herald from socket dispenser")
	}
	if fd < 0 {
		return Herald{}, nil, errors.New("socket dispenser sent a herald without a socket descriptor")
	}

	var h Herald
	if err := json.Unmarshal(data, &h); err != nil {
		unix.Close(fd)
		return Herald{}, nil, errors.Wrap(err, "decode herald metadata")
	}

	file := fdpass.FileFromFd(fd, "donor-socket")
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return Herald{}, nil, errors.Wrap(err, "wrap donor socket descriptor")
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return Herald{}, nil, errors.Errorf("donor socket descriptor is not a UDP socket (%T)", conn)
	}

	return h, udpConn, nil
}

// Close releases the IPC connection to the dispenser.
func (c *Client) Close() error {
	return c.conn.Close()
}

// RunWorker is the dispenser subprocess's main loop: consume the
// listening socket forever, converting each herald datagram into a
// dispensed per-donor socket reported back over ipc. It returns when
// reading the listening socket or writing to ipc fails unrecoverably
// (normally because the parent process exited).
func RunWorker(listenConn *net.UDPConn, ipc *net.UnixConn, hook loghook.Hook) error {
	pc := ipv4.NewPacketConn(listenConn)
	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		return errors.Wrap(err, "enable destination-address control messages")
	}

	// newDonorSocket binds every per-donor socket to this listener's own
	// port, which the kernel allows only if both sockets set SO_REUSEADDR.
	rawConn, err := listenConn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "access listening socket")
	}
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return errors.Wrap(err, "access listening socket")
	}
	if sockErr != nil {
		return errors.Wrap(sockErr, "SO_REUSEADDR on listening socket")
	}

	localPort := listenConn.LocalAddr().(*net.UDPAddr).Port
	buf := make([]byte, protocol.HeaderSize+protocol.MaxPayload)

	for {
		n, cm, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if isRecoverable(err) {
				continue
			}
			return errors.Wrap(err, "read from listening socket")
		}

		srcAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			hook.Errf("unexpected source address type %T on listening socket", addr)
			continue
		}

		pkt, err := protocol.Decode(buf[:n])
		if err != nil {
			hook.Errf("malformed herald from %s: %v", srcAddr, err)
			continue
		}
		if pkt.Type != protocol.TypeHerald {
			hook.Errf("unexpected message type %d on listening socket from %s", pkt.Type, srcAddr)
			continue
		}

		dstIP := localAddrIP(listenConn)
		if cm != nil && cm.Dst != nil {
			dstIP = cm.Dst
		}

		fd, err := newDonorSocket(dstIP, localPort, srcAddr, donorRcvBuf, hook)
		if err != nil {
			hook.Errf("allocate donor socket for %s: %v", srcAddr, err)
			continue
		}

		herald := Herald{SrcIP: srcAddr.IP, SrcPort: srcAddr.Port, Seqno: pkt.Seqno, Path: protocol.DecodeHerald(pkt.Payload)}
		data, err := json.Marshal(herald)
		if err != nil {
			hook.Errf("marshal herald metadata: %v", err)
			unix.Close(fd)
			continue
		}

		if err := fdpass.Send(ipc, data, fd); err != nil {
			unix.Close(fd)
			return errors.Wrap(err, "report herald to main process")
		}
		unix.Close(fd)
	}
}

func localAddrIP(conn *net.UDPConn) net.IP {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return net.IPv4zero
}

// isRecoverable matches spec.md §5: EAGAIN/EINTR on a receive are
// silently dropped, the donor will retransmit.
func isRecoverable(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// newDonorSocket builds the bound+connected UDP socket described in
// spec.md §4.5: bound to the exact local address the donor's herald
// targeted (so replies originate from it even on a wildcard-bound
// listener), connected to the donor so writes need no destination.
func newDonorSocket(localIP net.IP, localPort int, donor *net.UDPAddr, rcvBuf int, hook loghook.Hook) (fd int, err error) {
	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "SO_REUSEADDR")
	}
	// Best effort: older kernels or jailed environments may reject this.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)

	local4 := localIP.To4()
	if local4 == nil {
		unix.Close(fd)
		return -1, errors.Errorf("local address %s is not IPv4", localIP)
	}
	var localSA unix.SockaddrInet4
	localSA.Port = localPort
	copy(localSA.Addr[:], local4)
	if err := unix.Bind(fd, &localSA); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %s:%d", localIP, localPort)
	}

	donor4 := donor.IP.To4()
	if donor4 == nil {
		unix.Close(fd)
		return -1, errors.Errorf("donor address %s is not IPv4", donor.IP)
	}
	var donorSA unix.SockaddrInet4
	donorSA.Port = donor.Port
	copy(donorSA.Addr[:], donor4)
	if err := unix.Connect(fd, &donorSA); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "connect %s", donor)
	}

	if rcvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf); err != nil {
			hook.Errf("SO_RCVBUF on donor socket for %s: %v", donor, err)
		}
	}

	return fd, nil
}
