package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/beergame/beer/internal/feed"
	"github.com/beergame/beer/internal/game"
	"github.com/beergame/beer/internal/proto"
	"github.com/beergame/beer/internal/wire"
)

// testClient speaks the real wire protocol against a running lobby.
type testClient struct {
	t     *testing.T
	nc    net.Conn
	codec *wire.Codec
}

func dialClient(t *testing.T, addr net.Addr, token string) *testClient {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	require.NoError(t, nc.SetDeadline(time.Now().Add(15*time.Second)))
	_, err = nc.Write([]byte("TOKEN " + token + "\n"))
	require.NoError(t, err)

	c := &testClient{t: t, nc: nc, codec: wire.NewCodec(nc, nil, nil)}
	t.Cleanup(func() { nc.Close() })
	return c
}

// cmd sends a player command line on a GAME frame.
func (c *testClient) cmd(text string) {
	c.t.Helper()
	_, err := c.codec.Send(wire.Game, proto.Cmd{Type: proto.TypeCmd, Text: text})
	require.NoError(c.t, err)
}

// next returns the next decoded application payload.
func (c *testClient) next() map[string]any {
	c.t.Helper()
	for {
		p, err := c.codec.Recv()
		require.NoError(c.t, err)
		if len(p.Payload) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(c.t, json.Unmarshal(p.Payload, &m))
		return m
	}
}

// waitFor discards payloads until one with the given type arrives.
func (c *testClient) waitFor(typ string) map[string]any {
	c.t.Helper()
	for {
		m := c.next()
		if m["type"] == typ {
			return m
		}
	}
}

// waitText discards payloads until an info/err text contains sub.
func (c *testClient) waitText(sub string) map[string]any {
	c.t.Helper()
	for {
		m := c.next()
		if text, ok := m["text"].(string); ok && strings.Contains(text, sub) {
			return m
		}
	}
}

// drop closes the raw socket, simulating an abrupt client death.
func (c *testClient) drop() {
	c.nc.Close()
}

// lobbyOpts tweaks the test fixture.
type lobbyOpts struct {
	reconnectTimeout time.Duration
	turnTimeout      time.Duration
	maxMatches       int
}

// startLobby runs a lobby on a loopback port with fast timeouts and the
// single-ship fleet so matches finish quickly.
func startLobby(t *testing.T, opts lobbyOpts) *Lobby {
	t.Helper()
	if opts.reconnectTimeout == 0 {
		opts.reconnectTimeout = 2 * time.Second
	}
	if opts.turnTimeout == 0 {
		opts.turnTimeout = 10 * time.Second
	}
	if opts.maxMatches == 0 {
		opts.maxMatches = 1
	}

	logger := zerolog.Nop()
	lobby := NewLobby(LobbyConfig{
		Addr:             "127.0.0.1:0",
		HandshakeTimeout: 2 * time.Second,
		MaxMatches:       opts.maxMatches,
		Session: SessionConfig{
			TurnTimeout:      opts.turnTimeout,
			PlaceTimeout:     10 * time.Second,
			ReconnectTimeout: opts.reconnectTimeout,
			BoardSize:        game.DefaultBoardSize,
			Fleet:            game.SoloFleet,
		},
	}, NewRegistry(logger), NewHub(logger), feed.NewBus(logger), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lobby.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Log("lobby did not drain in time")
		}
	})

	require.Eventually(t, func() bool { return lobby.Addr() != nil },
		2*time.Second, 10*time.Millisecond, "lobby never started listening")
	return lobby
}

// newServerConn builds a Conn over a loopback socket pair and returns the
// raw client side for driving it.
func newServerConn(t *testing.T, token string) (*Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	srv := <-ch
	require.NoError(t, srv.err)

	conn := NewConn(srv.conn, nil, nil, token, zerolog.Nop())
	t.Cleanup(func() {
		client.Close()
		conn.Close()
	})
	return conn, client
}
