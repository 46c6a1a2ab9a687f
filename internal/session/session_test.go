package session

import (
	"encoding/binary"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/sandvine/netdumpd/internal/loghook"
	"github.com/sandvine/netdumpd/internal/protocol"
	"github.com/sandvine/netdumpd/internal/spool"
)

// loopbackPair returns two connected UDP sockets standing in for the
// donor's dedicated per-session socket and an observer that reads what
// the session ACKs back.
func loopbackPair(t *testing.T) (sessionSide net.Conn, observer *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP a: %v", err)
	}
	b, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP b: %v", err)
	}
	laddr := a.LocalAddr().(*net.UDPAddr)
	a.Close()
	conn, err := net.DialUDP("udp", laddr, b.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close(); b.Close() })
	return conn, b
}

func newTestSession(t *testing.T, notify func(string)) (*Session, *spool.Files, *net.UDPConn) {
	t.Helper()
	dir := t.TempDir()
	sp, err := spool.Open(dir)
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	files, err := sp.Allocate(".", "donor")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	conn, observer := loopbackPair(t)

	s := New(net.IPv4(10, 0, 0, 2), "donor", files, conn, time.Now(), sp.CommitLast, notify, loghook.Debug())
	return s, files, observer
}

func readAck(t *testing.T, observer *net.UDPConn) uint32 {
	t.Helper()
	observer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, protocol.AckSize)
	n, err := observer.Read(buf)
	if err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if n != protocol.AckSize {
		t.Fatalf("unexpected ack size %d", n)
	}
	return binary.BigEndian.Uint32(buf)
}

func buildKDHPayload() []byte {
	buf := make([]byte, protocol.KDHSize)
	copy(buf[0:], "amd64")
	binary.BigEndian.PutUint64(buf[32+4:32+4+8], 4096)
	binary.BigEndian.PutUint32(buf[32+4+8:32+4+8+4], 512)
	copy(buf[32+4+8+4+8:], "donor")
	return buf
}

func TestHandleKDHWritesInfoAndAcks(t *testing.T) {
	var notified string
	s, files, observer := newTestSession(t, func(r string) { notified = r })

	payload := buildKDHPayload()
	pkt := protocol.Packet{Header: protocol.Header{Seqno: 1, Type: protocol.TypeKDH, Length: uint32(len(payload))}, Payload: payload}
	s.Handle(pkt, time.Now())

	if s.State != Streaming {
		t.Fatalf("expected Streaming state after KDH, got %v", s.State)
	}
	if !s.AnyDataRcvd {
		t.Fatalf("expected AnyDataRcvd after KDH")
	}
	if notified != "" {
		t.Fatalf("KDH must not terminate the session")
	}
	if ack := readAck(t, observer); ack != 1 {
		t.Fatalf("expected ack for seqno 1, got %d", ack)
	}

	s.Files.Info.Sync()
	content, err := os.ReadFile(files.InfoPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, want := range []string{"Architecture: amd64", "Dump length:", "Header parity check:"} {
		if !strings.Contains(string(content), want) {
			t.Fatalf("expected info file to contain %q, got %q", want, content)
		}
	}
}

func TestHandleKDHTooSmallWritesErrorWithoutAck(t *testing.T) {
	s, files, observer := newTestSession(t, nil)

	pkt := protocol.Packet{Header: protocol.Header{Seqno: 1, Type: protocol.TypeKDH, Length: 4}, Payload: []byte{0, 0, 0, 0}}
	s.Handle(pkt, time.Now())

	if s.State != AwaitHeader {
		t.Fatalf("malformed KDH must not advance state, got %v", s.State)
	}

	observer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := observer.Read(make([]byte, protocol.AckSize)); err == nil {
		t.Fatalf("expected no ack for a malformed KDH")
	}

	s.Files.Info.Sync()
	content, _ := os.ReadFile(files.InfoPath)
	if !strings.Contains(string(content), "Bad KDH: packet too small") {
		t.Fatalf("expected bad-KDH line in info file, got %q", content)
	}
}

func TestHandleVMCoreStagesAndAcks(t *testing.T) {
	s, _, observer := newTestSession(t, nil)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 0xAA
	}
	pkt := protocol.Packet{Header: protocol.Header{Seqno: 2, Type: protocol.TypeVMCore, Length: uint32(len(payload)), Offset: 0}, Payload: payload}
	s.Handle(pkt, time.Now())

	if s.State != Streaming {
		t.Fatalf("expected Streaming state, got %v", s.State)
	}
	if ack := readAck(t, observer); ack != 2 {
		t.Fatalf("expected ack for seqno 2, got %d", ack)
	}
}

func TestHandleVMCoreStageErrorFailsSession(t *testing.T) {
	var notified string
	s, files, _ := newTestSession(t, func(r string) { notified = r })

	s.Handle(protocol.Packet{Header: protocol.Header{Seqno: 1, Type: protocol.TypeVMCore, Length: 4}, Payload: []byte{1, 2, 3, 4}}, time.Now())
	files.Core.Close()
	// Offset 100 is not contiguous with the 4 buffered bytes, so Stage
	// flushes them first, and that write hits the closed core file.
	pkt := protocol.Packet{Header: protocol.Header{Seqno: 2, Type: protocol.TypeVMCore, Length: 4, Offset: 100}, Payload: []byte{1, 2, 3, 4}}
	s.Handle(pkt, time.Now())

	if s.State != Terminal {
		t.Fatalf("expected Terminal state after a staging error, got %v", s.State)
	}
	if notified != "error" {
		t.Fatalf("expected error notification, got %q", notified)
	}
}

func TestHandleFinishedFlushesSyncsCommitsThenNotifies(t *testing.T) {
	var notified string
	s, files, observer := newTestSession(t, func(r string) { notified = r })

	payload := make([]byte, 100)
	s.Handle(protocol.Packet{Header: protocol.Header{Seqno: 1, Type: protocol.TypeVMCore, Length: uint32(len(payload))}, Payload: payload}, time.Now())
	readAck(t, observer)

	s.Handle(protocol.Packet{Header: protocol.Header{Seqno: 2, Type: protocol.TypeFinished}}, time.Now())

	if s.State != Terminal {
		t.Fatalf("expected Terminal state after FINISHED, got %v", s.State)
	}
	if notified != "success" {
		t.Fatalf("expected success notification, got %q", notified)
	}
	if ack := readAck(t, observer); ack != 2 {
		t.Fatalf("expected ack for seqno 2, got %d", ack)
	}

	core, err := os.ReadFile(files.CorePath)
	if err != nil {
		t.Fatalf("ReadFile core: %v", err)
	}
	if len(core) != len(payload) {
		t.Fatalf("expected flushed core of %d bytes, got %d", len(payload), len(core))
	}

	s.Files.Info.Sync()
	content, _ := os.ReadFile(files.InfoPath)
	if !strings.Contains(string(content), "Dump complete") {
		t.Fatalf("expected completion line in info file, got %q", content)
	}
}

func TestTimeoutNotifiesTimeout(t *testing.T) {
	var notified string
	s, files, _ := newTestSession(t, func(r string) { notified = r })
	s.Timeout()

	if s.State != Terminal {
		t.Fatalf("expected Terminal state after Timeout")
	}
	if notified != "timeout" {
		t.Fatalf("expected timeout notification, got %q", notified)
	}
	s.Files.Info.Sync()
	content, _ := os.ReadFile(files.InfoPath)
	if !strings.Contains(string(content), "client timed out") {
		t.Fatalf("expected timeout line in info file, got %q", content)
	}
}

func TestUnknownMessageTypeIsIgnoredWithoutAck(t *testing.T) {
	s, _, observer := newTestSession(t, nil)
	before := s.State
	s.Handle(protocol.Packet{Header: protocol.Header{Seqno: 9, Type: 99}}, time.Now())
	if s.State != before {
		t.Fatalf("unknown type must not change state")
	}

	observer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := observer.Read(make([]byte, protocol.AckSize)); err == nil {
		t.Fatalf("expected no ack for an unknown message type")
	}
}
