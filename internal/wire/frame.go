// Package wire implements the BEER framed wire protocol: a fixed 16-byte
// header (magic, version, type, sequence, length, CRC-32) followed by a JSON
// payload, with optional AES-CTR payload encryption, a bounded retransmit
// buffer driven by ACK/NAK control frames, and a replay window on the
// receive side.
package wire

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

const (
	// Magic identifies a BEER frame. The first two header bytes are 0xBE 0xEF.
	Magic uint16 = 0xBEEF

	// Version is the only wire protocol version this server speaks.
	Version byte = 1

	// HeaderLen is the fixed frame header size:
	// magic(2) + version(1) + type(1) + seq(4) + length(4) + crc(4).
	HeaderLen = 16

	// MaxPayload bounds the declared payload length. Anything larger is
	// treated as a malformed frame rather than an allocation request.
	MaxPayload = 1 << 20

	// SendWindow is the number of sent frames kept for NAK-driven
	// retransmission before the oldest entry is evicted.
	SendWindow = 32

	// ReplayWindowSize is the receive-side tolerance: a data frame with
	// seq <= highest_accepted - ReplayWindowSize is rejected as a replay.
	ReplayWindowSize = 64
)

// PacketType is the frame type carried in header byte 3.
type PacketType byte

const (
	Game PacketType = 0 // JSON game message
	Chat PacketType = 1 // JSON chat message
	Ack  PacketType = 2 // control: seq acknowledges a received frame
	Nak  PacketType = 3 // control: seq requests retransmission
)

// IsControl reports whether t is an ACK or NAK frame. Control frames carry
// an empty payload and their seq refers to another frame, so they bypass the
// replay window.
func (t PacketType) IsControl() bool {
	return t == Ack || t == Nak
}

func (t PacketType) String() string {
	switch t {
	case Game:
		return "GAME"
	case Chat:
		return "CHAT"
	case Ack:
		return "ACK"
	case Nak:
		return "NAK"
	default:
		return "UNKNOWN"
	}
}

// Frame is one decoded unit off the wire. Payload is exactly the bytes that
// travelled: ciphertext when encryption is active, plaintext JSON otherwise.
type Frame struct {
	Type    PacketType
	Seq     uint32
	Payload []byte
}

// Encode builds the wire bytes for one frame. The payload must already be in
// on-the-wire form (i.e. encrypted if encryption is active); the CRC covers
// the header-without-CRC concatenated with that payload.
func Encode(t PacketType, seq uint32, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = byte(t)
	binary.BigEndian.PutUint32(buf[4:8], seq)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)

	crc := crc32.NewIEEE()
	crc.Write(buf[0:12])
	crc.Write(payload)
	binary.BigEndian.PutUint32(buf[12:16], crc.Sum32())
	return buf
}

// ReadFrame reads exactly one frame from r.
//
// Errors: ErrFrame for a bad magic, version, or implausible length;
// *CRCError (carrying the header seq) for a checksum mismatch; the underlying
// read error (typically io.EOF or io.ErrUnexpectedEOF) when the stream ends
// mid-frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	if binary.BigEndian.Uint16(hdr[0:2]) != Magic {
		return Frame{}, errors.Wrap(ErrFrame, "bad magic")
	}
	if hdr[2] != Version {
		return Frame{}, errors.Wrapf(ErrFrame, "unsupported version %d", hdr[2])
	}
	t := PacketType(hdr[3])
	seq := binary.BigEndian.Uint32(hdr[4:8])
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > MaxPayload {
		return Frame{}, errors.Wrapf(ErrFrame, "declared payload length %d exceeds limit", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	crc := crc32.NewIEEE()
	crc.Write(hdr[0:12])
	crc.Write(payload)
	if crc.Sum32() != binary.BigEndian.Uint32(hdr[12:16]) {
		return Frame{}, &CRCError{Seq: seq}
	}

	return Frame{Type: t, Seq: seq, Payload: payload}, nil
}
