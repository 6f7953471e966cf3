package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/beergame/beer/internal/feed"
	"github.com/beergame/beer/internal/game"
	"github.com/beergame/beer/internal/limits"
	"github.com/beergame/beer/internal/monitoring"
	"github.com/beergame/beer/internal/proto"
	"github.com/beergame/beer/internal/wire"
)

// LobbyConfig configures the accept loop and the sessions it spawns.
type LobbyConfig struct {
	Addr             string
	HandshakeTimeout time.Duration
	MaxMatches       int // 1 = classic single-match mode with spectators
	Cipher           *wire.Cipher
	Session          SessionConfig

	RateLimiter   *limits.ConnRateLimiter // optional
	ResourceGuard *limits.ResourceGuard   // optional
}

// Lobby owns the listening socket, classifies arrivals (reconnect,
// spectator, waiting player), pairs waiting players into sessions, and
// applies the post-match requeue policy.
type Lobby struct {
	cfg      LobbyConfig
	registry *Registry
	hub      *Hub
	bus      *feed.Bus
	logger   zerolog.Logger

	mu      sync.Mutex
	waiting []*Conn
	active  int

	nextMatchID atomic.Uint64
	listener    net.Listener
	sessions    sync.WaitGroup
	ctx         context.Context
}

func NewLobby(cfg LobbyConfig, registry *Registry, hub *Hub, bus *feed.Bus, logger zerolog.Logger) *Lobby {
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = 1
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if len(cfg.Session.Fleet) == 0 {
		cfg.Session.Fleet = game.Fleet
	}
	return &Lobby{
		cfg:      cfg,
		registry: registry,
		hub:      hub,
		bus:      bus,
		logger:   logger.With().Str("component", "lobby").Logger(),
	}
}

// Addr returns the bound listen address, valid after Run has started
// listening.
func (l *Lobby) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Run listens and serves until ctx is cancelled, then drains: waiting
// players and spectators are told the server is closing, running sessions
// are signalled through ctx and awaited.
func (l *Lobby) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", l.cfg.Addr)
	}
	l.mu.Lock()
	l.listener = ln
	l.ctx = ctx
	l.mu.Unlock()
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("lobby listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go l.handleConn(ctx, nc)
	}

	l.shutdown()
	return nil
}

func (l *Lobby) shutdown() {
	farewell := proto.NewEnd(proto.OutcomeAbandoned, proto.CauseServerClose)
	l.mu.Lock()
	waiting := l.waiting
	l.waiting = nil
	l.mu.Unlock()
	for _, c := range waiting {
		_ = c.SendGame(farewell)
		c.Close()
	}
	l.hub.CloseAll(farewell)
	l.sessions.Wait()
	l.logger.Info().Msg("lobby drained")
}

// handleConn runs admission control and the handshake for one socket, then
// classifies it.
func (l *Lobby) handleConn(ctx context.Context, nc net.Conn) {
	defer monitoring.RecoverPanic(l.logger, "handleConn")

	ip, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	if l.cfg.RateLimiter != nil && !l.cfg.RateLimiter.Allow(ip) {
		monitoring.ConnectionRejected("rate_limit")
		nc.Close()
		return
	}
	if l.cfg.ResourceGuard != nil && !l.cfg.ResourceGuard.Admit() {
		monitoring.ConnectionRejected("resource_pressure")
		nc.Close()
		return
	}
	monitoring.ConnectionOpened()

	token, br, err := readHandshake(nc, l.cfg.HandshakeTimeout)
	if err != nil {
		monitoring.HandshakeFailed(handshakeFailReason(err))
		monitoring.ConnectionClosed()
		l.logger.Debug().Err(err).Str("remote", nc.RemoteAddr().String()).Msg("handshake failed")
		nc.Close()
		return
	}

	conn := NewConn(nc, br, l.cfg.Cipher, token, l.logger)
	go func() {
		<-conn.Done()
		monitoring.ConnectionClosed()
	}()
	l.classify(conn)
}

// readHandshake reads the unframed `TOKEN <id>\n` line. The returned
// bufio.Reader may hold framed bytes the client sent immediately after the
// line; the codec must consume from it.
func readHandshake(nc net.Conn, timeout time.Duration) (string, *bufio.Reader, error) {
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", nil, errors.Wrap(err, "set handshake deadline")
	}
	br := bufio.NewReader(nc)
	line, err := br.ReadString('\n')
	if err != nil {
		return "", nil, errors.Wrap(err, "read handshake line")
	}
	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		return "", nil, errors.Wrap(err, "clear handshake deadline")
	}

	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 2 || fields[0] != "TOKEN" || fields[1] == "" {
		return "", nil, errors.Errorf("malformed handshake line %q", strings.TrimSpace(line))
	}
	return fields[1], br, nil
}

func handshakeFailReason(err error) string {
	if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
		return "timeout"
	}
	return "malformed"
}

// classify routes a handshaken connection: reconnect attach, spectator, or
// waiting player.
func (l *Lobby) classify(conn *Conn) {
	token := conn.Token()

	// Reconnect path first: a pending slot is waiting for this token.
	switch err := l.registry.Attach(token, conn); {
	case err == nil:
		return
	case errors.Is(err, ErrTokenInUse):
		l.logger.Info().Str("token", token).Msg("duplicate token rejected")
		_ = conn.SendGame(proto.NewErr(proto.CodeDuplicateToken, "token already bound"))
		conn.Close()
		return
	}

	l.mu.Lock()
	// A token already waiting in the lobby is a duplicate too.
	for _, w := range l.waiting {
		if w.Token() == token && w.Alive() {
			l.mu.Unlock()
			l.logger.Info().Str("token", token).Msg("duplicate waiting token rejected")
			_ = conn.SendGame(proto.NewErr(proto.CodeDuplicateToken, "token already waiting"))
			conn.Close()
			return
		}
	}

	// Single-match mode: arrivals during a running match spectate.
	if l.cfg.MaxMatches == 1 && l.active > 0 {
		l.mu.Unlock()
		l.hub.Add(conn)
		return
	}

	l.waiting = append(l.waiting, conn)
	l.logger.Info().
		Str("token", token).
		Int("waiting", len(l.waiting)).
		Msg("player waiting")
	l.startMatchesLocked()
	l.mu.Unlock()
}

// startMatchesLocked pairs waiting players while capacity allows. Callers
// hold l.mu.
func (l *Lobby) startMatchesLocked() {
	for l.active < l.cfg.MaxMatches {
		l.dropDeadWaitersLocked()
		if len(l.waiting) < 2 {
			return
		}
		a, b := l.waiting[0], l.waiting[1]
		l.waiting = l.waiting[2:]
		l.active++

		id := l.nextMatchID.Add(1)
		session := NewSession(id, a, b, l.hub, l.registry, l.bus, l.cfg.Session, l.logger)
		l.sessions.Add(1)
		go l.runSession(session)
	}
}

func (l *Lobby) dropDeadWaitersLocked() {
	kept := l.waiting[:0]
	for _, c := range l.waiting {
		if c.Alive() {
			kept = append(kept, c)
		}
	}
	l.waiting = kept
}

func (l *Lobby) runSession(session *Session) {
	defer l.sessions.Done()
	defer monitoring.RecoverPanic(l.logger, "session")

	res := session.Run(l.ctx)

	l.mu.Lock()
	l.active--
	l.requeueLocked(res)
	l.startMatchesLocked()
	l.mu.Unlock()
}

// requeueLocked applies the post-match policy: the winner re-enters at the
// head of the waiting list, the loser at the tail unless the match ended by
// timeout or concession. Callers hold l.mu.
func (l *Lobby) requeueLocked(res Result) {
	if l.ctx != nil && l.ctx.Err() != nil {
		for _, c := range res.Conns {
			if c != nil {
				c.Close()
			}
		}
		return
	}

	if res.Winner < 0 {
		for _, c := range res.Conns {
			if c != nil {
				c.Close()
			}
		}
		return
	}

	winner := res.Conns[res.Winner]
	loser := res.Conns[1-res.Winner]

	if winner != nil && winner.Alive() {
		l.waiting = append([]*Conn{winner}, l.waiting...)
		l.logger.Info().Str("token", winner.Token()).Msg("winner requeued at head")
	}

	loserRequeues := res.Cause != proto.CauseTimeout && res.Cause != proto.CauseConcession
	if loser != nil {
		if loserRequeues && loser.Alive() {
			l.waiting = append(l.waiting, loser)
			l.logger.Info().Str("token", loser.Token()).Msg("loser requeued at tail")
		} else {
			loser.Close()
		}
	}
}

// Stats reports current lobby occupancy for the health endpoint.
func (l *Lobby) Stats() (waiting, active, spectators int) {
	l.mu.Lock()
	waiting = len(l.waiting)
	active = l.active
	l.mu.Unlock()
	return waiting, active, l.hub.Len()
}
