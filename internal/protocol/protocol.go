// Package protocol implements the wire framing spoken by a panicking
// donor kernel: a common header (sequence, type, length, file offset)
// followed by a payload, and a single 32-bit acknowledgement sequence
// sent back on the donor's dedicated socket.
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Message types, matching the donor kernel's wire constants. TypeHerald
// is consumed by the socket dispenser, never reaching the session
// dispatch switch in internal/session.
const (
	TypeKDH      uint32 = 1
	TypeFinished uint32 = 2
	TypeVMCore   uint32 = 3
	TypeHerald   uint32 = 4
)

// HeaderSize is the size in bytes of the common packet header:
// u32 seqno, u32 type, u32 length, u64 offset.
const HeaderSize = 4 + 4 + 4 + 8

// MaxPayload bounds a single datagram's payload. A full datagram is
// HeaderSize+MaxPayload = 1476 bytes, 1504 with IPv4/UDP headers.
const MaxPayload = 1456

// AckSize is the size in bytes of an ACK datagram: a single u32 seqno.
const AckSize = 4

// KDHSize is the size of the fixed kernel-dump-header structure carried
// as the payload of a TypeKDH packet.
const KDHSize = archLen + 4 + 8 + 4 + 8 + hostLen + versionLen + panicLen + 4

const (
	archLen    = 32
	hostLen    = 64
	versionLen = 128
	panicLen   = 256
)

// Header is the common framing shared by every inbound packet type.
type Header struct {
	Seqno  uint32
	Type   uint32
	Length uint32
	Offset uint64
}

// Packet is a decoded inbound datagram: a header plus its raw payload
// bytes (a sub-slice of the buffer passed to Decode).
type Packet struct {
	Header
	Payload []byte
}

// Decode parses a raw datagram into a Packet. It returns an error for a
// datagram shorter than HeaderSize, or one whose declared Length
// disagrees with the payload actually present; both are "malformed
// packet" conditions per the wire contract and must be logged and
// dropped without an ACK by the caller.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < HeaderSize {
		return Packet{}, errors.Errorf("runt packet: %d bytes, need at least %d", len(raw), HeaderSize)
	}

	h := Header{
		Seqno:  binary.BigEndian.Uint32(raw[0:4]),
		Type:   binary.BigEndian.Uint32(raw[4:8]),
		Length: binary.BigEndian.Uint32(raw[8:12]),
		Offset: binary.BigEndian.Uint64(raw[12:20]),
	}

	payload := raw[HeaderSize:]
	if uint32(len(payload)) != h.Length {
		return Packet{}, errors.Errorf("declared length %d disagrees with datagram payload of %d bytes", h.Length, len(payload))
	}

	return Packet{Header: h, Payload: payload}, nil
}

// DecodeHerald extracts the requested sub-path from a herald packet's
// payload: a NUL-terminated (or payload-filling) string naming a
// directory component relative to the dump directory root. The
// socket-dispenser helper calls this before the path ever reaches
// session or spool code, so path sanitization still applies downstream.
func DecodeHerald(payload []byte) string {
	return nullTerminate(payload)
}

// EncodeAck renders an ACK datagram for the given sequence number.
func EncodeAck(seqno uint32) []byte {
	buf := make([]byte, AckSize)
	binary.BigEndian.PutUint32(buf, seqno)
	return buf
}

// KDH is the decoded, defensively null-terminated kernel dump header.
type KDH struct {
	Architecture        string
	ArchitectureVersion uint32
	DumpLength          uint64
	Blocksize           uint32
	DumpTime            int64
	Hostname            string
	VersionString       string
	PanicString         string
	Parity              uint32
	ParityOK            bool
}

// DecodeKDH parses a TypeKDH payload. It returns an error if the
// payload is shorter than the fixed kernel-dump-header structure; the
// caller logs this as a bad-KDH condition and does not ACK the packet
// (the session itself is not torn down by a malformed KDH body).
func DecodeKDH(payload []byte) (KDH, error) {
	if len(payload) < KDHSize {
		return KDH{}, errors.Errorf("KDH payload too small: %d bytes, need %d", len(payload), KDHSize)
	}

	off := 0
	arch := nullTerminate(payload[off : off+archLen])
	off += archLen
	archVer := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	dumpLen := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8
	blocksize := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	dumpTime := int64(binary.BigEndian.Uint64(payload[off : off+8]))
	off += 8
	hostname := nullTerminate(payload[off : off+hostLen])
	off += hostLen
	version := nullTerminate(payload[off : off+versionLen])
	off += versionLen
	panicstr := nullTerminate(payload[off : off+panicLen])
	off += panicLen
	parity := binary.BigEndian.Uint32(payload[off : off+4])

	return KDH{
		Architecture:        arch,
		ArchitectureVersion: archVer,
		DumpLength:          dumpLen,
		Blocksize:           blocksize,
		DumpTime:            dumpTime,
		Hostname:            hostname,
		VersionString:       version,
		PanicString:         panicstr,
		Parity:              parity,
		ParityOK:            checkParity(payload[:KDHSize]),
	}, nil
}

// nullTerminate defensively truncates a fixed-width field at its first
// NUL byte (or returns it whole if none is present), mirroring the
// original's "make sure all the strings are null-terminated" pass.
func nullTerminate(field []byte) string {
	for i, b := range field {
		if b == 0 {
			return string(field[:i])
		}
	}
	return string(field)
}

// checkParity folds every 32-bit word of the header (the parity field
// included) and reports whether the fold is zero, the same check the
// donor kernel uses to self-validate the header it sent.
func checkParity(header []byte) bool {
	var acc uint32
	for i := 0; i+4 <= len(header); i += 4 {
		acc ^= binary.BigEndian.Uint32(header[i : i+4])
	}
	return acc == 0
}
