package feed

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	events []Event
}

func (c *captureSink) Publish(ev Event) { c.events = append(c.events, ev) }

func TestBusDeliversToSinksAndSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	sink := &captureSink{}
	bus.AddSink(sink)
	ch := bus.Subscribe()

	bus.Publish(NewEvent(KindStart, 7, map[string]string{"a": "PID1"}))

	require.Len(t, sink.events, 1)
	assert.Equal(t, KindStart, sink.events[0].Kind)
	assert.EqualValues(t, 7, sink.events[0].MatchID)

	select {
	case ev := <-ch:
		assert.Equal(t, KindStart, ev.Kind)
		assert.JSONEq(t, `{"a":"PID1"}`, string(ev.Detail))
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch := bus.Subscribe()

	for i := 0; i < cap(ch)+10; i++ {
		bus.Publish(NewEvent(KindShot, 1, nil))
	}
	assert.Equal(t, cap(ch), len(ch), "overflow is dropped, publisher never blocks")
}

func TestBusUnsubscribeCloses(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	bus.Publish(NewEvent(KindEnd, 1, nil))
}
