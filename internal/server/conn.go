// Package server implements the BEER server core: per-connection reader
// loops, the token reconnect registry, the spectator hub, match sessions, and
// the lobby that ties them together.
package server

import (
	"bufio"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/beergame/beer/internal/monitoring"
	"github.com/beergame/beer/internal/proto"
	"github.com/beergame/beer/internal/wire"
)

// MaxReceiveErrors is the consecutive receive-failure quota. The third
// bad frame in a row kills the connection; any successfully decoded frame
// resets the count.
const MaxReceiveErrors = 3

// Inbound is one decoded client input. Cmd is always set; Raw preserves the
// original line for placement-phase parsing, Name the self-reported chat
// handle.
type Inbound struct {
	Cmd  proto.Command
	Raw  string
	Name string
}

// Conn wraps a framed transport with a background reader loop. The reader
// decodes frames, enforces the receive-error quota, and feeds parsed input to
// In(). When the transport dies Done() is closed and Err() reports why.
type Conn struct {
	codec  *wire.Codec
	token  string
	logger zerolog.Logger

	in   chan Inbound
	done chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewConn builds a Conn over an already-handshaken socket and starts its
// reader loop. br may hold bytes buffered past the handshake line; cipher may
// be nil for plaintext operation.
func NewConn(nc net.Conn, br *bufio.Reader, cipher *wire.Cipher, token string, logger zerolog.Logger) *Conn {
	c := &Conn{
		codec: wire.NewCodec(nc, br, cipher),
		token: token,
		logger: logger.With().
			Str("component", "conn").
			Str("token", token).
			Str("remote", nc.RemoteAddr().String()).
			Logger(),
		in:   make(chan Inbound, 16),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer monitoring.RecoverPanic(c.logger, "readLoop")

	strikes := 0
	var retrans uint64
	for {
		p, err := c.codec.Recv()
		for n := c.codec.Retransmits(); retrans < n; retrans++ {
			monitoring.Retransmitted()
		}
		if err != nil {
			class, recoverable := receiveErrorClass(err)
			if !recoverable {
				c.fail(errors.Wrap(err, "transport eof"))
				return
			}

			monitoring.ReceiveError(class)
			strikes++
			c.logger.Debug().
				Err(err).
				Str("class", class).
				Int("strikes", strikes).
				Msg("receive error")
			if strikes >= MaxReceiveErrors {
				c.fail(errors.Errorf("receive-error quota exceeded (%d consecutive)", strikes))
				return
			}
			continue
		}
		strikes = 0
		monitoring.FrameReceived()

		inb, ok := c.decode(p)
		if !ok {
			continue
		}
		select {
		case c.in <- inb:
		default:
			// The session is not consuming this side right now; dropping
			// beats stalling the reader and the ACK path with it.
			c.logger.Warn().Str("raw", inb.Raw).Msg("inbound queue full, input dropped")
		}
	}
}

func (c *Conn) decode(p wire.Packet) (Inbound, bool) {
	switch p.Type {
	case wire.Game:
		line, err := proto.DecodeCmd(p.Payload)
		if err != nil {
			c.logger.Debug().Err(err).Msg("unexpected game payload from client")
			return Inbound{}, false
		}
		return Inbound{Cmd: proto.ParseCommand(line), Raw: line}, true
	case wire.Chat:
		chat, err := proto.DecodeChat(p.Payload)
		if err != nil {
			c.logger.Debug().Err(err).Msg("malformed chat payload")
			return Inbound{}, false
		}
		return Inbound{
			Cmd:  proto.Command{Kind: proto.CmdChat, Text: chat.Msg},
			Raw:  chat.Msg,
			Name: chat.Name,
		}, true
	default:
		// Control frames are consumed inside the codec.
		return Inbound{}, false
	}
}

// receiveErrorClass maps a Recv error to its metrics label. Recoverable
// errors count toward the strike quota; anything else means the stream is
// gone.
func receiveErrorClass(err error) (string, bool) {
	if _, ok := wire.AsCRCError(err); ok {
		return "crc", true
	}
	switch {
	case errors.Is(err, wire.ErrFrame):
		return "frame", true
	case errors.Is(err, wire.ErrCrypto):
		return "crypto", true
	case errors.Is(err, wire.ErrReplay):
		return "replay", true
	case errors.Is(err, wire.ErrParse):
		return "parse", true
	}
	return "eof", false
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
		c.codec.Close()
	})
}

// SendGame marshals v and sends it on a GAME frame. A send failure (a write
// deadline on a stalled reader included) marks the transport dead so the
// peer is evicted instead of stalling later sends.
func (c *Conn) SendGame(v any) error {
	if _, err := c.codec.Send(wire.Game, v); err != nil {
		c.fail(errors.Wrap(err, "send failed"))
		return err
	}
	monitoring.FrameSent()
	return nil
}

// SendChat sends a chat payload on a CHAT frame.
func (c *Conn) SendChat(chat proto.Chat) error {
	if _, err := c.codec.Send(wire.Chat, chat); err != nil {
		c.fail(errors.Wrap(err, "send failed"))
		return err
	}
	monitoring.FrameSent()
	return nil
}

// requeue hands an inbound item back to the queue when its consumer stops
// being responsible for this connection. Best effort under a full queue.
func (c *Conn) requeue(inb Inbound) {
	select {
	case c.in <- inb:
	default:
	}
}

// In delivers decoded client input.
func (c *Conn) In() <-chan Inbound { return c.in }

// Done is closed once the reader loop has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Alive reports whether the transport is still usable.
func (c *Conn) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Err reports why the reader stopped, nil while alive.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Token returns the durable client identity bound at handshake.
func (c *Conn) Token() string { return c.token }

// RemoteAddr exposes the peer address for logs.
func (c *Conn) RemoteAddr() net.Addr { return c.codec.RemoteAddr() }

// Close tears the transport down.
func (c *Conn) Close() {
	c.fail(errors.New("closed by server"))
}
