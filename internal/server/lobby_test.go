package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beergame/beer/internal/feed"
	"github.com/beergame/beer/internal/proto"
)

func TestMatchPlaysToWin(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	// Slot A places its lone destroyer at A1-A2, slot B at B1-B2.
	a.waitText("Manual placement?")
	a.cmd("y")
	a.waitText("Place Destroyer")
	a.cmd("A1 H")
	a.waitText("Fleet deployed")

	b.waitText("Manual placement?")
	b.cmd("y")
	b.waitText("Place Destroyer")
	b.cmd("B1 H")
	b.waitText("Fleet deployed")

	// A opens: hit on B1.
	a.waitFor("prompt")
	a.cmd("FIRE B1")
	shot := a.waitFor("shot")
	assert.Equal(t, "B1", shot["coord"])
	assert.Equal(t, "hit", shot["result"])
	assert.Equal(t, "A", shot["by"])

	// B misses.
	b.waitFor("prompt")
	b.cmd("FIRE J10")
	shot = b.waitFor("shot")
	assert.Equal(t, "miss", shot["result"])

	// A finishes the destroyer and wins.
	a.waitFor("prompt")
	a.cmd("FIRE B2")
	shot = a.waitFor("shot")
	assert.Equal(t, "hit", shot["result"])
	assert.Equal(t, "Destroyer", shot["sunk"])

	endA := a.waitFor("end")
	endB := b.waitFor("end")
	assert.Equal(t, "A_win", endA["outcome"])
	assert.Equal(t, proto.CauseSunk, endA["cause"])
	assert.Equal(t, "A_win", endB["outcome"])
}

func TestBadCommandsDoNotConsumeTurn(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")

	a.waitFor("prompt")

	a.cmd("JUMP")
	m := a.waitFor("err")
	assert.Equal(t, proto.CodeBadCommand, m["code"])

	a.cmd("FIRE Z9")
	m = a.waitFor("err")
	assert.Equal(t, proto.CodeBadCoordinate, m["code"])

	// Out-of-turn fire from B.
	b.cmd("FIRE A1")
	m = b.waitFor("err")
	assert.Equal(t, proto.CodeNotYourTurn, m["code"])

	// The turn is still A's: a valid shot resolves.
	a.cmd("FIRE E5")
	shot := a.waitFor("shot")
	assert.Contains(t, []any{"hit", "miss"}, shot["result"])
}

func TestChatRelaysWithoutConsumingTurn(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")

	a.waitFor("prompt")
	a.cmd("CHAT good luck")
	chat := b.waitFor("chat")
	assert.Equal(t, "good luck", chat["msg"])

	// Out-of-turn chat from B is forwarded too.
	b.cmd("CHAT thanks")
	chat = a.waitFor("chat")
	assert.Equal(t, "thanks", chat["msg"])

	// A still holds the turn.
	a.cmd("FIRE E5")
	a.waitFor("shot")
}

func TestConcessionEndsMatch(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")

	a.waitFor("prompt")
	a.cmd("QUIT")

	end := b.waitFor("end")
	assert.Equal(t, "B_win", end["outcome"])
	assert.Equal(t, proto.CauseConcession, end["cause"])
}

func TestReconnectResumesMatch(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{reconnectTimeout: 5 * time.Second})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")

	a.waitFor("prompt")
	a.drop()

	b.waitText("disconnected")

	a2 := dialClient(t, lobby.Addr(), "PID1")
	a2.waitText("Reconnected")
	a2.waitFor("grid")
	a2.waitFor("prompt")

	b.waitText("reconnected")

	// The reattached transport plays on.
	a2.cmd("QUIT")
	end := b.waitFor("end")
	assert.Equal(t, "B_win", end["outcome"])
}

func TestReconnectExpiryWithoutSpectators(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{reconnectTimeout: 200 * time.Millisecond})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")

	a.waitFor("prompt")
	a.drop()

	end := b.waitFor("end")
	assert.Equal(t, "B_win", end["outcome"])
	assert.Equal(t, proto.CauseTimeout, end["cause"])
}

func TestDuplicateTokenRejected(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{})

	_ = dialClient(t, lobby.Addr(), "PID1")
	dup := dialClient(t, lobby.Addr(), "PID1")

	m := dup.waitFor("err")
	assert.Equal(t, proto.CodeDuplicateToken, m["code"])

	_, err := dup.codec.Recv()
	assert.Error(t, err, "duplicate transport is closed after the error frame")
}

func TestSpectatorSeesMatchAndGetsPromoted(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{reconnectTimeout: 200 * time.Millisecond})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")
	a.waitFor("prompt")

	// A third arrival during a running match spectates.
	s := dialClient(t, lobby.Addr(), "SPEC1")
	s.waitText("spectating")

	// Spectators cannot play.
	s.cmd("FIRE A1")
	m := s.waitFor("err")
	assert.Equal(t, proto.CodeSpectator, m["code"])

	// Spectators see shots.
	a.cmd("FIRE E5")
	s.waitFor("shot")

	// When B vanishes past the reconnect window the spectator takes over.
	b.waitFor("prompt")
	b.drop()
	s.waitText("promoted")
	s.waitFor("grid")
	s.waitFor("prompt")

	// The promoted player concedes; the remaining original player wins.
	s.cmd("QUIT")
	end := a.waitFor("end")
	assert.Equal(t, "A_win", end["outcome"])
	assert.Equal(t, proto.CauseConcession, end["cause"])
}

func TestDoubleDropAbandonsMatch(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{reconnectTimeout: 5 * time.Second})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")
	a.waitFor("prompt")

	// A spectator stays behind to observe the terminal broadcast.
	s := dialClient(t, lobby.Addr(), "SPEC1")
	s.waitText("spectating")

	// First drop opens the reconnect window; the second one, inside that
	// window, abandons the match immediately.
	a.drop()
	b.waitText("disconnected")
	b.drop()

	end := s.waitFor("end")
	assert.Equal(t, proto.OutcomeAbandoned, end["outcome"])
	assert.Equal(t, proto.CauseAbandoned, end["cause"])
}

func TestPromotionCascadeSkipsSilentDropout(t *testing.T) {
	lobby := startLobby(t, lobbyOpts{reconnectTimeout: 200 * time.Millisecond})

	a := dialClient(t, lobby.Addr(), "PID1")
	b := dialClient(t, lobby.Addr(), "PID2")

	a.waitText("Manual placement?")
	a.cmd("n")
	b.waitText("Manual placement?")
	b.cmd("n")
	a.waitFor("prompt")

	s1 := dialClient(t, lobby.Addr(), "SPEC1")
	s1.waitText("spectating")
	s2 := dialClient(t, lobby.Addr(), "SPEC2")
	s2.waitText("spectating")

	// B vanishes; the window expires and the head spectator takes slot B.
	b.drop()
	s1.waitText("promoted")

	// The promotee drops without ever issuing a command: no second
	// reconnect window, the next spectator is seated at once.
	s1.drop()
	s2.waitText("promoted")
	s2.waitFor("grid")

	s2.cmd("QUIT")
	end := a.waitFor("end")
	assert.Equal(t, "A_win", end["outcome"])
	assert.Equal(t, proto.CauseConcession, end["cause"])
}

func TestRequeuePolicy(t *testing.T) {
	logger := zerolog.Nop()
	lobby := NewLobby(LobbyConfig{Addr: "127.0.0.1:0"},
		NewRegistry(logger), NewHub(logger), feed.NewBus(logger), logger)

	winner, _ := newServerConn(t, "W")
	loser, _ := newServerConn(t, "L")

	lobby.mu.Lock()
	lobby.waiting = []*Conn{}
	lobby.requeueLocked(Result{Winner: 0, Cause: proto.CauseSunk, Conns: [2]*Conn{winner, loser}})
	lobby.mu.Unlock()

	waiting, _, _ := lobby.Stats()
	require.Equal(t, 2, waiting)
	lobby.mu.Lock()
	assert.Equal(t, "W", lobby.waiting[0].Token(), "winner enters at the head")
	assert.Equal(t, "L", lobby.waiting[1].Token())
	lobby.mu.Unlock()

	// Concession: only the winner requeues, the loser's transport closes.
	winner2, _ := newServerConn(t, "W2")
	loser2, _ := newServerConn(t, "L2")
	lobby.mu.Lock()
	lobby.waiting = []*Conn{}
	lobby.requeueLocked(Result{Winner: 1, Cause: proto.CauseConcession, Conns: [2]*Conn{loser2, winner2}})
	lobby.mu.Unlock()

	waiting, _, _ = lobby.Stats()
	assert.Equal(t, 1, waiting)
	lobby.mu.Lock()
	assert.Equal(t, "W2", lobby.waiting[0].Token())
	lobby.mu.Unlock()
	assert.False(t, loser2.Alive(), "conceding loser is not requeued")

	// An abandoned match requeues nobody.
	lobby.mu.Lock()
	lobby.waiting = []*Conn{}
	lobby.requeueLocked(Result{Winner: -1, Cause: proto.CauseAbandoned})
	lobby.mu.Unlock()
	waiting, _, _ = lobby.Stats()
	assert.Equal(t, 0, waiting)
}
