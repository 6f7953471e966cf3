// Package feed publishes match events to out-of-band consumers: the admin
// WebSocket gateway and, when configured, a NATS subject. Game clients never
// depend on the feed; it is observe-only.
package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event kinds emitted by match sessions.
const (
	KindStart     = "start"
	KindShot      = "shot"
	KindChat      = "chat"
	KindReconnect = "reconnect"
	KindPromote   = "promote"
	KindEnd       = "end"
)

// Event is one match-lifecycle occurrence.
type Event struct {
	Kind    string          `json:"kind"`
	MatchID uint64          `json:"match_id"`
	At      time.Time       `json:"at"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// NewEvent builds an event, marshalling detail to JSON. A detail that fails
// to marshal is dropped rather than blocking the game.
func NewEvent(kind string, matchID uint64, detail any) Event {
	ev := Event{Kind: kind, MatchID: matchID, At: time.Now().UTC()}
	if detail != nil {
		if raw, err := json.Marshal(detail); err == nil {
			ev.Detail = raw
		}
	}
	return ev
}

// Sink receives every published event. Publish must not block for long; slow
// sinks drop.
type Sink interface {
	Publish(ev Event)
}

// Bus fans events out to registered sinks and channel subscribers.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
	subs  map[chan Event]struct{}

	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[chan Event]struct{}),
		logger: logger.With().Str("component", "feed").Logger(),
	}
}

// AddSink registers a permanent sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a buffered channel receiving future events. A subscriber
// that falls behind loses events instead of stalling publishers.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers ev to every sink and subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.sinks {
		s.Publish(ev)
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug().Str("kind", ev.Kind).Msg("subscriber full, event dropped")
		}
	}
}
