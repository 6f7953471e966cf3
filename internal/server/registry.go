package server

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Registry errors.
var (
	// ErrTokenInUse means the token is already bound to a live slot or a
	// concurrent attach won the race.
	ErrTokenInUse = errors.New("registry: token in use")
	// ErrUnknownToken means no slot is expecting this token.
	ErrUnknownToken = errors.New("registry: unknown token")
)

type entryState int

const (
	// stateBound: the token belongs to a slot with a live transport.
	stateBound entryState = iota
	// statePending: the slot lost its transport and is waiting for a
	// reattach bearing this token.
	statePending
)

type entry struct {
	state entryState
	ch    chan *Conn // buffered 1, non-nil only while pending
}

// Registry is the process-wide token map. While a match is live both slot
// tokens are present (bound); a suspended slot flips its token to pending so
// the lobby can route a reconnecting socket back to it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With().Str("component", "registry").Logger(),
	}
}

// Occupy marks token as bound to a live slot. Fails with ErrTokenInUse if
// any entry exists, pending or bound.
func (r *Registry) Occupy(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[token]; ok {
		return errors.Wrap(ErrTokenInUse, token)
	}
	r.entries[token] = &entry{state: stateBound}
	return nil
}

// Expect transitions token into the pending state and returns a Waiter for
// the reattach. Registers the token if absent (placement-phase drops happen
// before Occupy has been called on promotion candidates).
func (r *Registry) Expect(token string) (*Waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		e = &entry{}
		r.entries[token] = e
	} else if e.state == statePending {
		return nil, errors.Wrap(ErrTokenInUse, token)
	}
	e.state = statePending
	e.ch = make(chan *Conn, 1)
	r.logger.Debug().Str("token", token).Msg("awaiting reattach")
	return &Waiter{registry: r, token: token, ch: e.ch}, nil
}

// Attach routes conn to the slot expecting its token. A pending entry binds
// and is signalled; a bound entry means the token is taken (duplicate) and
// the caller must reject the transport; an absent entry is not a reconnect
// at all.
func (r *Registry) Attach(token string, conn *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return ErrUnknownToken
	}
	if e.state == stateBound {
		return errors.Wrap(ErrTokenInUse, token)
	}

	e.state = stateBound
	e.ch <- conn
	e.ch = nil
	r.logger.Info().Str("token", token).Msg("transport reattached")
	return nil
}

// Release removes the token entirely. Any conn delivered after the waiter
// gave up is closed here rather than leaked.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[token]
	if !ok {
		return
	}
	delete(r.entries, token)
	if e.ch != nil {
		select {
		case c := <-e.ch:
			c.Close()
		default:
		}
	}
}

// Registered reports whether the token is known, in either state.
func (r *Registry) Registered(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[token]
	return ok
}

// Waiter is the session's handle on a pending reattach.
type Waiter struct {
	registry *Registry
	token    string
	ch       chan *Conn
}

// C delivers the reattached transport. Sessions select on it alongside their
// own timers and the opponent's liveness.
func (w *Waiter) C() <-chan *Conn { return w.ch }

// Wait blocks up to timeout for a reattach. On timeout it makes a final
// non-blocking check so an attach racing the deadline is not lost.
func (w *Waiter) Wait(timeout time.Duration) (*Conn, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-w.ch:
		return c, true
	case <-timer.C:
		select {
		case c := <-w.ch:
			return c, true
		default:
			return nil, false
		}
	}
}

// Cancel removes the registration without signalling. A conn attached in
// the race window between the waiter giving up and this call is closed.
func (w *Waiter) Cancel() {
	w.registry.Release(w.token)
	select {
	case c := <-w.ch:
		c.Close()
	default:
	}
}
