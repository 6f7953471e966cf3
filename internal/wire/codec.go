package wire

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// defaultWriteTimeout bounds every frame write. A peer that stops reading
// eventually fills its receive window and the kernel send buffer; the
// deadline turns that stall into a send error instead of a blocked caller.
const defaultWriteTimeout = 10 * time.Second

// Packet is a decoded data frame handed to the application. Payload is the
// decrypted JSON bytes; nil for an empty payload.
type Packet struct {
	Type    PacketType
	Seq     uint32
	Payload json.RawMessage
}

// Codec frames and unframes packets on one connection. Each direction has
// its own mutex so concurrent producers cannot interleave the bytes of a
// single frame; the retransmit buffer lives under the send mutex and the
// replay guard under the receive mutex, keeping both per-connection rather
// than process-wide.
//
// Recv transparently consumes ACK/NAK control frames: an ACK prunes the
// retransmit buffer, a NAK re-emits the buffered frame (at most once per
// NAK, never for evicted entries). Valid data frames are acknowledged on the
// return path before Recv returns them.
//
// Every write carries a deadline so a peer that stopped reading surfaces as
// a send error rather than a permanently blocked caller.
type Codec struct {
	nc     net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	cipher *Cipher

	sendMu       sync.Mutex
	nextSeq      uint32
	sent         *RetransmitBuffer
	writeTimeout time.Duration

	recvMu sync.Mutex
	guard  *ReplayGuard

	retransmits atomic.Uint64
}

// NewCodec wraps nc. br may carry bytes already buffered during the
// handshake; pass nil to start fresh. cipher nil means plaintext payloads.
func NewCodec(nc net.Conn, br *bufio.Reader, cipher *Cipher) *Codec {
	if br == nil {
		br = bufio.NewReader(nc)
	}
	return &Codec{
		nc:           nc,
		br:           br,
		bw:           bufio.NewWriter(nc),
		cipher:       cipher,
		sent:         NewRetransmitBuffer(SendWindow),
		guard:        NewReplayGuard(ReplayWindowSize),
		writeTimeout: defaultWriteTimeout,
	}
}

// SetWriteTimeout overrides the per-write deadline. Zero disables it.
func (c *Codec) SetWriteTimeout(d time.Duration) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.writeTimeout = d
}

// armWriteDeadline is called with sendMu held before each frame write.
func (c *Codec) armWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Send marshals v, assigns the next sequence number, frames and writes the
// packet, and stashes the frame bytes for possible retransmission. v == nil
// produces an empty payload.
func (c *Codec) Send(t PacketType, v any) (uint32, error) {
	var payload []byte
	if v != nil {
		var err error
		if payload, err = json.Marshal(v); err != nil {
			return 0, errors.Wrap(err, "marshal payload")
		}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	seq := c.nextSeq
	c.nextSeq++

	if c.cipher != nil {
		payload = c.cipher.Apply(seq, payload)
	}
	frame := Encode(t, seq, payload)
	c.sent.Add(seq, frame)

	c.armWriteDeadline()
	if _, err := c.bw.Write(frame); err != nil {
		return seq, errors.Wrap(err, "write frame")
	}
	return seq, errors.Wrap(c.bw.Flush(), "flush frame")
}

// Ack emits an ACK control frame for seq. Control frames carry the seq they
// refer to, an empty payload, and are not buffered for retransmission.
func (c *Codec) Ack(seq uint32) error {
	return c.sendControl(Ack, seq)
}

// Nak requests retransmission of seq from the peer.
func (c *Codec) Nak(seq uint32) error {
	return c.sendControl(Nak, seq)
}

func (c *Codec) sendControl(t PacketType, seq uint32) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.armWriteDeadline()
	if _, err := c.bw.Write(Encode(t, seq, nil)); err != nil {
		return errors.Wrapf(err, "write %s", t)
	}
	return errors.Wrapf(c.bw.Flush(), "flush %s", t)
}

// Recv blocks for the next data packet.
//
// Control frames are handled internally and never surface. On a CRC failure
// Recv sends a NAK for the offending seq and returns *CRCError; the caller
// counts consecutive failures and decides when the stream is dead. ErrFrame,
// ErrReplay, and ErrParse surface the same way. Read errors (EOF included)
// are returned as-is.
func (c *Codec) Recv() (Packet, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	for {
		f, err := ReadFrame(c.br)
		if err != nil {
			if ce, ok := AsCRCError(err); ok {
				// Best effort: the stream may already be dead.
				_ = c.Nak(ce.Seq)
			}
			return Packet{}, err
		}

		if f.Type.IsControl() {
			c.handleControl(f)
			continue
		}

		if err := c.guard.Accept(f.Seq); err != nil {
			return Packet{}, errors.Wrapf(err, "seq %d", f.Seq)
		}

		payload := f.Payload
		if c.cipher != nil && len(payload) > 0 {
			payload = c.cipher.Apply(f.Seq, payload)
		}
		if len(payload) > 0 && !json.Valid(payload) {
			return Packet{}, errors.Wrapf(ErrParse, "seq %d", f.Seq)
		}

		_ = c.Ack(f.Seq)
		if len(payload) == 0 {
			payload = nil
		}
		return Packet{Type: f.Type, Seq: f.Seq, Payload: payload}, nil
	}
}

func (c *Codec) handleControl(f Frame) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	switch f.Type {
	case Ack:
		c.sent.Ack(f.Seq)
	case Nak:
		if data := c.sent.Get(f.Seq); data != nil {
			c.armWriteDeadline()
			if _, err := c.bw.Write(data); err == nil {
				_ = c.bw.Flush()
				c.retransmits.Add(1)
			}
		}
	}
}

// HasBuffered reports whether seq is still held for retransmission.
func (c *Codec) HasBuffered(seq uint32) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sent.Get(seq) != nil
}

// Retransmits returns the number of NAK-driven re-emissions on this codec.
func (c *Codec) Retransmits() uint64 {
	return c.retransmits.Load()
}

// RemoteAddr exposes the peer address for logging.
func (c *Codec) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Codec) Close() error {
	return c.nc.Close()
}
