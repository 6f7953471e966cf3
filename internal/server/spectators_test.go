package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beergame/beer/internal/proto"
	"github.com/beergame/beer/internal/wire"
)

func readPayload(t *testing.T, codec *wire.Codec) map[string]any {
	t.Helper()
	p, err := codec.Recv()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(p.Payload, &m))
	return m
}

func TestHubGreetsWithSnapshot(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.SetSnapshotSource(func() (proto.Snapshot, bool) {
		return proto.NewSnapshot([]string{". ."}, []string{"X ."}, "A"), true
	})

	conn, raw := newServerConn(t, "SPEC1")
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))
	client := wire.NewCodec(raw, nil, nil)
	hub.Add(conn)

	m := readPayload(t, client)
	assert.Equal(t, "info", m["type"])
	m = readPayload(t, client)
	assert.Equal(t, "snapshot", m["type"])
	assert.Equal(t, "A", m["turn"])
}

func TestHubRefusesSpectatorCommands(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn, raw := newServerConn(t, "SPEC1")
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))
	client := wire.NewCodec(raw, nil, nil)
	hub.Add(conn)

	m := readPayload(t, client) // greeting
	assert.Equal(t, "info", m["type"])

	_, err := client.Send(wire.Game, proto.Cmd{Type: proto.TypeCmd, Text: "FIRE A1"})
	require.NoError(t, err)

	m = readPayload(t, client)
	assert.Equal(t, "err", m["type"])
	assert.Equal(t, proto.CodeSpectator, m["code"])
}

func TestHubPromoteHeadOrderSkipsDead(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	var conns []*Conn
	for _, token := range []string{"S1", "S2", "S3"} {
		c, _ := newServerConn(t, token)
		conns = append(conns, c)
		hub.Add(c)
	}
	require.Equal(t, 3, hub.Len())

	first := hub.PromoteHead()
	require.NotNil(t, first)
	assert.Equal(t, "S1", first.Token(), "head of the queue promotes first")

	// The next in line died; promotion skips it.
	conns[1].Close()
	second := hub.PromoteHead()
	require.NotNil(t, second)
	assert.Equal(t, "S3", second.Token())

	assert.Nil(t, hub.PromoteHead(), "empty queue yields no candidate")
	assert.Equal(t, 0, hub.Len())
}

func TestHubPromotedConnKeepsItsCommands(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn, raw := newServerConn(t, "S1")
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))
	client := wire.NewCodec(raw, nil, nil)
	hub.Add(conn)

	m := readPayload(t, client) // greeting
	assert.Equal(t, "info", m["type"])

	promoted := hub.PromoteHead()
	require.Same(t, conn, promoted)

	// The first command after promotion reaches the session, not the
	// spectator watcher.
	_, err := client.Send(wire.Game, proto.Cmd{Type: proto.TypeCmd, Text: "FIRE A1"})
	require.NoError(t, err)

	select {
	case inb := <-promoted.In():
		assert.Equal(t, proto.CmdFire, inb.Cmd.Kind)
		assert.Equal(t, "A1", inb.Cmd.Coord)
	case <-time.After(2 * time.Second):
		t.Fatal("promoted player's command was consumed elsewhere")
	}
}

func TestHubRemovesDisconnectedSpectator(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn, raw := newServerConn(t, "S1")
	hub.Add(conn)
	require.Equal(t, 1, hub.Len())

	raw.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 },
		2*time.Second, 10*time.Millisecond, "dead spectator must leave the queue")
}
