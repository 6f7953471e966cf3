package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/beergame/beer/internal/monitoring"
	"github.com/beergame/beer/internal/proto"
)

// Hub is the ordered spectator queue. Spectators receive every broadcast but
// cannot influence state; the head of the queue is the next promotion
// candidate when a slot stays vacant past its reconnect window.
type Hub struct {
	mu     sync.Mutex
	list   []*specEntry
	snapFn func() (proto.Snapshot, bool)
	logger zerolog.Logger
}

// specEntry pairs a spectator transport with its input watcher's lifecycle
// channels. Promotion closes quit and then waits for done, so the watcher
// and the session never both read In().
type specEntry struct {
	conn *Conn
	quit chan struct{} // closed to stop the watcher
	done chan struct{} // closed by the watcher on exit
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{logger: logger.With().Str("component", "spectators").Logger()}
}

// SetSnapshotSource installs the running session's snapshot provider, used
// to greet spectators who join mid-match. Cleared with nil between matches.
func (h *Hub) SetSnapshotSource(fn func() (proto.Snapshot, bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapFn = fn
}

// Add appends a spectator to the tail, starts its watcher, and greets it
// with the current match snapshot when one is available. The watcher starts
// before the greeting so every listed entry has a live done channel.
func (h *Hub) Add(c *Conn) {
	e := &specEntry{conn: c, quit: make(chan struct{}), done: make(chan struct{})}

	h.mu.Lock()
	h.list = append(h.list, e)
	snapFn := h.snapFn
	h.mu.Unlock()

	monitoring.SpectatorJoined()
	h.logger.Info().Str("token", c.Token()).Msg("spectator joined")
	go h.watch(e)

	if err := c.SendGame(proto.NewInfo("You are spectating. A slot may open up.")); err != nil {
		h.evict(e)
		return
	}
	if snapFn != nil {
		if snap, ok := snapFn(); ok {
			if err := c.SendGame(snap); err != nil {
				h.evict(e)
			}
		}
	}
}

// watch answers spectator input with err spectator and removes the entry
// when its transport dies. It stops when quit closes (promotion or
// shutdown); a command read while quit was closing belongs to the promoted
// player and is handed back.
func (h *Hub) watch(e *specEntry) {
	defer close(e.done)
	defer monitoring.RecoverPanic(h.logger, "spectatorWatch")
	for {
		select {
		case <-e.quit:
			return
		case <-e.conn.Done():
			if h.remove(e) {
				monitoring.SpectatorLeft()
				h.logger.Info().Str("token", e.conn.Token()).Msg("spectator disconnected")
			}
			return
		case inb := <-e.conn.In():
			select {
			case <-e.quit:
				e.conn.requeue(inb)
				return
			default:
			}
			if err := e.conn.SendGame(proto.NewErr(proto.CodeSpectator, "spectators cannot issue commands")); err != nil {
				h.evict(e)
				return
			}
		}
	}
}

// Broadcast sends a GAME payload to every spectator. Send failures evict
// silently; one dead spectator never blocks the rest.
func (h *Hub) Broadcast(v any) {
	for _, e := range h.entries() {
		if err := e.conn.SendGame(v); err != nil {
			h.evict(e)
		}
	}
}

// BroadcastChat relays a chat line to every spectator on CHAT frames.
func (h *Hub) BroadcastChat(chat proto.Chat) {
	for _, e := range h.entries() {
		if err := e.conn.SendChat(chat); err != nil {
			h.evict(e)
		}
	}
}

// PromoteHead pops and returns the first live spectator, or nil when the
// queue is empty. The entry's watcher has fully exited before the conn is
// handed over. Dead entries found on the way are discarded.
func (h *Hub) PromoteHead() *Conn {
	for {
		h.mu.Lock()
		if len(h.list) == 0 {
			h.mu.Unlock()
			return nil
		}
		e := h.list[0]
		h.list = h.list[1:]
		h.mu.Unlock()

		close(e.quit)
		<-e.done
		monitoring.SpectatorLeft()
		if e.conn.Alive() {
			h.logger.Info().Str("token", e.conn.Token()).Msg("promoting spectator")
			return e.conn
		}
	}
}

// Len reports the current queue length.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.list)
}

// CloseAll disconnects every spectator after a farewell payload, used at
// server shutdown.
func (h *Hub) CloseAll(v any) {
	for _, e := range h.entries() {
		_ = e.conn.SendGame(v)
		e.conn.Close()
		if h.remove(e) {
			monitoring.SpectatorLeft()
		}
	}
}

func (h *Hub) entries() []*specEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*specEntry, len(h.list))
	copy(out, h.list)
	return out
}

func (h *Hub) remove(e *specEntry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, x := range h.list {
		if x == e {
			h.list = append(h.list[:i], h.list[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Hub) evict(e *specEntry) {
	if h.remove(e) {
		monitoring.SpectatorLeft()
		h.logger.Debug().Str("token", e.conn.Token()).Msg("spectator evicted on send failure")
	}
	e.conn.Close()
}
