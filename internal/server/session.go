package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/beergame/beer/internal/feed"
	"github.com/beergame/beer/internal/game"
	"github.com/beergame/beer/internal/monitoring"
	"github.com/beergame/beer/internal/proto"
)

// SessionConfig carries the per-match tunables.
type SessionConfig struct {
	TurnTimeout      time.Duration
	PlaceTimeout     time.Duration
	ReconnectTimeout time.Duration
	BoardSize        int
	Fleet            []game.Ship
}

// Result is what a finished session hands back to the lobby. Winner is the
// winning slot index, -1 when the match was abandoned or shut down. Conns
// holds the transports still alive at termination, in slot order; the lobby
// applies the requeue policy to them.
type Result struct {
	Winner int
	Cause  string
	Conns  [2]*Conn
}

// slot is one seat in the match: the durable token, the current transport,
// and the owned board. promoted marks an occupant that arrived by spectator
// promotion and has not issued a command yet; if it drops in that state the
// session skips the reconnect wait and promotes again.
type slot struct {
	name     string
	token    string
	conn     *Conn
	board    *game.Board
	promoted bool
}

// Session drives one match through placement, alternating turns, suspension
// and termination. All game-state mutation happens on the session goroutine;
// slot reader loops only feed channels.
type Session struct {
	id        uint64
	slots     [2]*slot
	turn      int
	halfTurns int

	hub      *Hub
	registry *Registry
	bus      *feed.Bus
	cfg      SessionConfig
	logger   zerolog.Logger

	snap atomic.Value // proto.Snapshot, refreshed every full round
}

func NewSession(id uint64, a, b *Conn, hub *Hub, registry *Registry, bus *feed.Bus, cfg SessionConfig, logger zerolog.Logger) *Session {
	return &Session{
		id: id,
		slots: [2]*slot{
			{name: "A", token: a.Token(), conn: a, board: game.NewBoard(cfg.BoardSize)},
			{name: "B", token: b.Token(), conn: b, board: game.NewBoard(cfg.BoardSize)},
		},
		hub:      hub,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "session").Uint64("match_id", id).Logger(),
	}
}

// Run plays the match to completion and returns the terminal result.
func (s *Session) Run(ctx context.Context) Result {
	monitoring.MatchStarted()
	s.logger.Info().
		Str("token_a", s.slots[0].token).
		Str("token_b", s.slots[1].token).
		Msg("match starting")
	s.bus.Publish(feed.NewEvent(feed.KindStart, s.id, map[string]string{
		"a": s.slots[0].token,
		"b": s.slots[1].token,
	}))

	for _, sl := range s.slots {
		if err := s.registry.Occupy(sl.token); err != nil {
			s.logger.Warn().Err(err).Str("token", sl.token).Msg("token already registered")
		}
	}
	s.hub.SetSnapshotSource(s.currentSnapshot)
	defer s.hub.SetSnapshotSource(nil)

	// Placement phase: slot A then slot B, re-running a slot's placement
	// whenever its transport is replaced mid-placement.
	for i := 0; i < 2; i++ {
		for {
			outcome := s.placeSlot(ctx, i)
			if outcome == placeOK {
				break
			}
			if outcome == placeShutdown {
				return s.terminate(-1, proto.CauseServerClose)
			}
			res, resumed := s.suspend(ctx, i)
			if !resumed {
				return res
			}
			s.slots[i].board.Reset()
		}
	}

	s.broadcastInfo("All fleets deployed. Match starting.")
	s.publishSnapshot()

	for {
		res, done := s.playTurn(ctx)
		if done {
			return res
		}
	}
}

type placeOutcome int

const (
	placeOK placeOutcome = iota
	placeSuspend
	placeShutdown
)

var errShutdown = errors.New("server shutting down")

// placeSlot runs the placement wizard for one slot, enforcing the per-ship
// deadline. A stalling placer has its transport closed so the standard
// suspension path takes over.
func (s *Session) placeSlot(ctx context.Context, idx int) placeOutcome {
	sl := s.slots[idx]
	conn := sl.conn

	var deadline time.Time
	io := game.PlacementIO{
		NextShip: func(string) { deadline = time.Now().Add(s.cfg.PlaceTimeout) },
		Notify:   func(text string) { _ = conn.SendGame(proto.NewInfo(text)) },
		Error:    func(text string) { _ = conn.SendGame(proto.NewErr(proto.CodeBadCommand, text)) },
		SendGrid: func(rows []string) { _ = conn.SendGame(proto.NewGrid(rows)) },
		Recv: func() (string, error) {
			for {
				remaining := time.Until(deadline)
				if remaining <= 0 {
					return "", game.ErrPlacementTimeout
				}
				timer := time.NewTimer(remaining)
				select {
				case inb := <-conn.In():
					timer.Stop()
					if inb.Cmd.Kind == proto.CmdChat {
						s.relayChat(idx, inb)
						continue
					}
					return inb.Raw, nil
				case <-conn.Done():
					timer.Stop()
					return "", errors.Wrap(conn.Err(), "transport lost")
				case <-ctx.Done():
					timer.Stop()
					return "", errShutdown
				case <-timer.C:
					return "", game.ErrPlacementTimeout
				}
			}
		},
	}

	switch sl.board.PlaceShips(s.cfg.Fleet, io) {
	case game.PlacementDone:
		return placeOK
	case game.PlacementTimeout:
		s.logger.Info().Str("slot", sl.name).Msg("placement timed out")
		_ = conn.SendGame(proto.NewInfo("Placement timed out."))
		conn.Close()
		return placeSuspend
	default:
		if ctx.Err() != nil {
			return placeShutdown
		}
		return placeSuspend
	}
}

// playTurn runs one AWAIT_TURN / EXECUTE_SHOT cycle. It returns done=true
// with the terminal result, or done=false after the turn swapped or the
// session resumed from suspension.
func (s *Session) playTurn(ctx context.Context) (Result, bool) {
	active := s.slots[s.turn]
	opp := s.slots[1-s.turn]

	_ = active.conn.SendGame(proto.NewPrompt("Your turn. FIRE <coord>, CHAT <text>, or QUIT."))
	_ = active.conn.SendGame(proto.NewOppGrid(opp.board.RenderOpponentView()))
	_ = opp.conn.SendGame(proto.NewInfo(fmt.Sprintf("%s is taking their turn.", active.name)))

	timer := time.NewTimer(s.cfg.TurnTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.terminate(-1, proto.CauseServerClose), true

		case inb := <-active.conn.In():
			active.promoted = false
			switch inb.Cmd.Kind {
			case proto.CmdChat:
				s.relayChat(s.turn, inb)
			case proto.CmdQuit:
				return s.terminate(1-s.turn, proto.CauseConcession), true
			case proto.CmdFire:
				consumed, won := s.executeShot(inb.Cmd.Coord)
				if won {
					return s.terminate(s.turn, proto.CauseSunk), true
				}
				if consumed {
					s.turn = 1 - s.turn
					s.halfTurns++
					if s.halfTurns%2 == 0 {
						s.publishSnapshot()
					}
					return Result{}, false
				}
			default:
				_ = active.conn.SendGame(proto.NewErr(proto.CodeBadCommand,
					"expected FIRE <coord>, CHAT <text>, or QUIT"))
			}

		case inb := <-opp.conn.In():
			opp.promoted = false
			switch inb.Cmd.Kind {
			case proto.CmdChat:
				s.relayChat(1-s.turn, inb)
			case proto.CmdQuit:
				return s.terminate(s.turn, proto.CauseConcession), true
			case proto.CmdFire:
				_ = opp.conn.SendGame(proto.NewErr(proto.CodeNotYourTurn, "wait for your prompt"))
			default:
				_ = opp.conn.SendGame(proto.NewErr(proto.CodeBadCommand,
					"expected FIRE <coord>, CHAT <text>, or QUIT"))
			}

		case <-active.conn.Done():
			return s.afterSuspend(ctx, s.turn)

		case <-opp.conn.Done():
			return s.afterSuspend(ctx, 1-s.turn)

		case <-timer.C:
			s.logger.Info().Str("slot", active.name).Msg("turn timed out")
			_ = active.conn.SendGame(proto.NewInfo("Turn timed out."))
			active.conn.Close()
			return s.afterSuspend(ctx, s.turn)
		}
	}
}

func (s *Session) afterSuspend(ctx context.Context, idx int) (Result, bool) {
	res, resumed := s.suspend(ctx, idx)
	if !resumed {
		return res, true
	}
	return Result{}, false
}

// executeShot resolves a FIRE command. Returns whether the turn was consumed
// and whether the shot won the match. Bad coordinates and repeat shots leave
// the turn with the shooter.
func (s *Session) executeShot(coord string) (consumed, won bool) {
	active := s.slots[s.turn]
	opp := s.slots[1-s.turn]

	row, col, err := game.ParseCoord(coord)
	if err != nil || !opp.board.InBounds(row, col) {
		_ = active.conn.SendGame(proto.NewErr(proto.CodeBadCoordinate,
			fmt.Sprintf("%q is not a valid coordinate", coord)))
		return false, false
	}

	result, sunk := opp.board.FireAt(row, col)
	monitoring.ShotResolved(string(result))

	shot := proto.NewShot(game.FormatCoord(row, col), string(result), sunk, active.name)
	_ = active.conn.SendGame(shot)
	_ = opp.conn.SendGame(shot)
	s.hub.Broadcast(shot)
	s.bus.Publish(feed.NewEvent(feed.KindShot, s.id, shot))

	if result == game.AlreadyShot {
		return false, false
	}

	_ = active.conn.SendGame(proto.NewOppGrid(opp.board.RenderOpponentView()))
	_ = opp.conn.SendGame(proto.NewGrid(opp.board.RenderSelf()))
	if sunk != "" {
		s.broadcastInfo(fmt.Sprintf("%s sank the %s!", active.name, sunk))
	}
	if opp.board.AllShipsSunk() {
		return true, true
	}
	return true, false
}

// relayChat forwards a chat line from slot idx to the opponent and all
// spectators. Chat never consumes the turn.
func (s *Session) relayChat(idx int, inb Inbound) {
	name := inb.Name
	if name == "" {
		name = s.slots[idx].name
	}
	chat := proto.NewChat(name, inb.Cmd.Text)

	other := s.slots[1-idx]
	if other.conn != nil && other.conn.Alive() {
		_ = other.conn.SendChat(chat)
	}
	s.hub.BroadcastChat(chat)
	s.bus.Publish(feed.NewEvent(feed.KindChat, s.id, chat))
}

// suspend handles a vacated slot: double-drop detection, the reconnect
// window, and cascading spectator promotion. Returns resumed=false with the
// terminal result when the match cannot continue.
func (s *Session) suspend(ctx context.Context, idx int) (Result, bool) {
	sl := s.slots[idx]
	other := s.slots[1-idx]
	sl.conn.Close()

	if !other.conn.Alive() {
		s.logger.Info().Msg("both slots dropped, abandoning match")
		return s.terminate(-1, proto.CauseAbandoned), false
	}

	if !sl.promoted {
		notice := fmt.Sprintf("%s disconnected. Waiting up to %s for reconnect.",
			sl.name, s.cfg.ReconnectTimeout)
		_ = other.conn.SendGame(proto.NewInfo(notice))
		s.hub.Broadcast(proto.NewInfo(notice))

		if res, resumed, terminal := s.awaitReattach(ctx, idx); terminal || resumed {
			return res, resumed
		}
	}

	// Reconnect window expired (or the occupant was a promoted spectator
	// that never acted): fill the slot from the spectator queue, cascading
	// past candidates whose transports are already gone.
	for {
		cand := s.hub.PromoteHead()
		if cand == nil {
			s.logger.Info().Str("slot", sl.name).Msg("no spectators to promote, opponent wins")
			return s.terminate(1-idx, proto.CauseTimeout), false
		}

		s.registry.Release(sl.token)
		sl.token = cand.Token()
		sl.conn = cand
		sl.promoted = true
		if err := s.registry.Occupy(sl.token); err != nil {
			s.logger.Warn().Err(err).Str("token", sl.token).Msg("promoted token already registered")
		}

		if s.installOccupant(idx, fmt.Sprintf("You have been promoted into slot %s.", sl.name)) {
			monitoring.SpectatorPromoted()
			s.bus.Publish(feed.NewEvent(feed.KindPromote, s.id, map[string]string{
				"slot": sl.name, "token": sl.token,
			}))
			s.broadcastInfo(fmt.Sprintf("A spectator takes over slot %s.", sl.name))
			return Result{}, true
		}

		cand.Close()
		s.registry.Release(sl.token)
	}
}

// awaitReattach runs the reconnect window for slot idx. Exactly one of the
// returns holds: terminal (with result), resumed, or neither (window
// expired, caller proceeds to promotion).
func (s *Session) awaitReattach(ctx context.Context, idx int) (Result, bool, bool) {
	sl := s.slots[idx]
	other := s.slots[1-idx]

	w, err := s.registry.Expect(sl.token)
	if err != nil {
		s.logger.Warn().Err(err).Str("token", sl.token).Msg("cannot await reattach")
		return Result{}, false, false
	}

	timer := time.NewTimer(s.cfg.ReconnectTimeout)
	defer timer.Stop()

	select {
	case conn := <-w.C():
		sl.conn = conn
		sl.promoted = false
		monitoring.Reconnected()
		s.bus.Publish(feed.NewEvent(feed.KindReconnect, s.id, map[string]string{
			"slot": sl.name, "token": sl.token,
		}))
		if !s.installOccupant(idx, "Reconnected. Resuming match.") {
			// Reattached transport died immediately; treat the window as
			// spent and fall through to promotion.
			conn.Close()
			return Result{}, false, false
		}
		s.broadcastInfo(fmt.Sprintf("%s reconnected.", sl.name))
		return Result{}, true, false

	case <-other.conn.Done():
		w.Cancel()
		s.logger.Info().Msg("opponent dropped during reconnect window, abandoning match")
		return s.terminate(-1, proto.CauseAbandoned), false, true

	case <-ctx.Done():
		w.Cancel()
		return s.terminate(-1, proto.CauseServerClose), false, true

	case <-timer.C:
		w.Cancel()
		s.logger.Info().Str("slot", sl.name).Msg("reconnect window expired")
		return Result{}, false, false
	}
}

// installOccupant replays the current match state to slot idx's (new)
// transport. Reports false when the transport fails during the replay.
func (s *Session) installOccupant(idx int, greeting string) bool {
	sl := s.slots[idx]
	opp := s.slots[1-idx]

	if !sl.conn.Alive() {
		return false
	}
	if err := sl.conn.SendGame(proto.NewInfo(greeting)); err != nil {
		return false
	}
	if err := sl.conn.SendGame(proto.NewGrid(sl.board.RenderSelf())); err != nil {
		return false
	}
	if err := sl.conn.SendGame(proto.NewOppGrid(opp.board.RenderOpponentView())); err != nil {
		return false
	}
	turnNote := fmt.Sprintf("It is %s's turn.", s.slots[s.turn].name)
	return sl.conn.SendGame(proto.NewInfo(turnNote)) == nil
}

// terminate reaches the TERMINAL state: notify everyone, release tokens,
// and hand surviving transports to the lobby.
func (s *Session) terminate(winner int, cause string) Result {
	outcome := proto.OutcomeAbandoned
	if winner >= 0 {
		outcome = proto.WinOutcome(s.slots[winner].name)
	}
	end := proto.NewEnd(outcome, cause)

	var conns [2]*Conn
	for i, sl := range s.slots {
		if sl.conn != nil && sl.conn.Alive() {
			_ = sl.conn.SendGame(end)
			conns[i] = sl.conn
		}
		s.registry.Release(sl.token)
	}
	s.hub.Broadcast(end)
	s.bus.Publish(feed.NewEvent(feed.KindEnd, s.id, end))
	monitoring.MatchEnded(cause)

	s.logger.Info().
		Str("outcome", outcome).
		Str("cause", cause).
		Int("half_turns", s.halfTurns).
		Msg("match finished")
	return Result{Winner: winner, Cause: cause, Conns: conns}
}

func (s *Session) broadcastInfo(text string) {
	info := proto.NewInfo(text)
	for _, sl := range s.slots {
		if sl.conn != nil && sl.conn.Alive() {
			_ = sl.conn.SendGame(info)
		}
	}
	s.hub.Broadcast(info)
}

// publishSnapshot refreshes the spectator snapshot (both boards revealed
// plus whose turn it is) and broadcasts it to the hub.
func (s *Session) publishSnapshot() {
	snap := proto.NewSnapshot(
		s.slots[0].board.RenderSelf(),
		s.slots[1].board.RenderSelf(),
		s.slots[s.turn].name,
	)
	s.snap.Store(snap)
	s.hub.Broadcast(snap)
}

// currentSnapshot serves late-joining spectators from the last published
// snapshot.
func (s *Session) currentSnapshot() (proto.Snapshot, bool) {
	v := s.snap.Load()
	if v == nil {
		return proto.Snapshot{}, false
	}
	return v.(proto.Snapshot), true
}
