package sockdispenser

import (
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sandvine/netdumpd/internal/loghook"
	"github.com/sandvine/netdumpd/internal/protocol"
)

func ipcPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	fileA := os.NewFile(uintptr(fds[0]), "worker")
	fileB := os.NewFile(uintptr(fds[1]), "client")
	connA, err := net.FileConn(fileA)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	connB, err := net.FileConn(fileB)
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	fileA.Close()
	fileB.Close()
	t.Cleanup(func() { connA.Close(); connB.Close() })
	return connA.(*net.UnixConn), connB.(*net.UnixConn)
}

func TestWorkerDispensesConnectedSocketForHerald(t *testing.T) {
	listenConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	listenAddr := listenConn.LocalAddr().(*net.UDPAddr)

	workerSide, clientSide := ipcPair(t)
	client := NewClient(clientSide)

	go RunWorker(listenConn, workerSide, loghook.Debug())

	donorSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP donor: %v", err)
	}
	defer donorSock.Close()

	herald := protocol.Header{Seqno: 0, Type: protocol.TypeHerald, Length: 2}
	payload := []byte("ok")
	raw := encodeHeader(herald)
	raw = append(raw, payload...)

	if _, err := donorSock.WriteToUDP(raw, listenAddr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	clientSide.SetReadDeadline(time.Now().Add(3 * time.Second))
	h, donorConn, err := client.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	defer donorConn.Close()

	if h.Seqno != 0 || h.Path != "ok" {
		t.Fatalf("unexpected herald: %+v", h)
	}
	if !h.SrcIP.Equal(donorSock.LocalAddr().(*net.UDPAddr).IP) {
		t.Fatalf("expected SrcIP %s, got %s", donorSock.LocalAddr(), h.SrcIP)
	}
	if h.SrcPort != donorSock.LocalAddr().(*net.UDPAddr).Port {
		t.Fatalf("expected SrcPort %d, got %d", donorSock.LocalAddr().(*net.UDPAddr).Port, h.SrcPort)
	}

	ack := protocol.EncodeAck(1)
	if _, err := donorConn.Write(ack); err != nil {
		t.Fatalf("Write ack from dispensed socket: %v", err)
	}
	donorSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, protocol.AckSize)
	n, from, err := donorSock.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	if n != protocol.AckSize {
		t.Fatalf("unexpected ack size %d", n)
	}
	if !from.IP.Equal(listenAddr.IP) {
		t.Fatalf("expected reply from %s, got %s", listenAddr, from)
	}
}

func encodeHeader(h protocol.Header) []byte {
	buf := make([]byte, protocol.HeaderSize)
	putUint32(buf[0:4], h.Seqno)
	putUint32(buf[4:8], h.Type)
	putUint32(buf[8:12], h.Length)
	putUint64(buf[12:20], h.Offset)
	return buf
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}
