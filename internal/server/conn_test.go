package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beergame/beer/internal/proto"
	"github.com/beergame/beer/internal/wire"
)

func TestConnDeliversParsedCommands(t *testing.T) {
	conn, raw := newServerConn(t, "PID1")
	client := wire.NewCodec(raw, nil, nil)

	_, err := client.Send(wire.Game, proto.Cmd{Type: proto.TypeCmd, Text: "FIRE E5"})
	require.NoError(t, err)

	select {
	case inb := <-conn.In():
		assert.Equal(t, proto.CmdFire, inb.Cmd.Kind)
		assert.Equal(t, "E5", inb.Cmd.Coord)
		assert.Equal(t, "FIRE E5", inb.Raw)
	case <-time.After(2 * time.Second):
		t.Fatal("command not delivered")
	}

	_, err = client.Send(wire.Chat, proto.NewChat("alice", "glhf"))
	require.NoError(t, err)

	select {
	case inb := <-conn.In():
		assert.Equal(t, proto.CmdChat, inb.Cmd.Kind)
		assert.Equal(t, "glhf", inb.Cmd.Text)
		assert.Equal(t, "alice", inb.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("chat not delivered")
	}
	assert.True(t, conn.Alive())
}

func corruptFrame(seq uint32) []byte {
	frame := wire.Encode(wire.Game, seq, []byte(`{"type":"cmd","text":"x"}`))
	frame[len(frame)-1] ^= 0x01
	return frame
}

func TestConnThreeStrikesKillsConnection(t *testing.T) {
	conn, raw := newServerConn(t, "PID1")

	for seq := uint32(0); seq < 3; seq++ {
		_, err := raw.Write(corruptFrame(seq))
		require.NoError(t, err)
	}

	select {
	case <-conn.Done():
		require.Error(t, conn.Err())
		assert.Contains(t, conn.Err().Error(), "quota")
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived three consecutive corrupt frames")
	}
}

func TestConnGoodFrameResetsStrikes(t *testing.T) {
	conn, raw := newServerConn(t, "PID1")
	client := wire.NewCodec(raw, nil, nil)

	// Two corrupt frames, then a valid one resets the count.
	_, err := raw.Write(corruptFrame(10))
	require.NoError(t, err)
	_, err = raw.Write(corruptFrame(11))
	require.NoError(t, err)
	_, err = client.Send(wire.Game, proto.Cmd{Type: proto.TypeCmd, Text: "QUIT"})
	require.NoError(t, err)

	select {
	case inb := <-conn.In():
		assert.Equal(t, proto.CmdQuit, inb.Cmd.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame not delivered")
	}
	assert.True(t, conn.Alive(), "two strikes then success must not kill the conn")

	// Two more corrupt frames still sit below the fresh quota.
	_, err = raw.Write(corruptFrame(12))
	require.NoError(t, err)
	_, err = raw.Write(corruptFrame(13))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.True(t, conn.Alive())

	// The third consecutive failure closes it.
	_, err = raw.Write(corruptFrame(14))
	require.NoError(t, err)
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("third consecutive corrupt frame did not close the conn")
	}
}

func TestConnStalledReaderIsEvicted(t *testing.T) {
	conn, _ := newServerConn(t, "PID1") // the client never reads
	conn.codec.SetWriteTimeout(200 * time.Millisecond)

	payload := proto.NewInfo(strings.Repeat("x", 64<<10))
	var sendErr error
	for i := 0; i < 512 && sendErr == nil; i++ {
		sendErr = conn.SendGame(payload)
	}

	require.Error(t, sendErr, "a reader that stopped draining must not block sends forever")
	assert.False(t, conn.Alive(), "a failed send marks the transport dead")
	select {
	case <-conn.Done():
	default:
		t.Fatal("Done must be closed after a failed send")
	}
}

func TestConnEOF(t *testing.T) {
	conn, raw := newServerConn(t, "PID1")
	raw.Close()

	select {
	case <-conn.Done():
		assert.Error(t, conn.Err())
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not detected")
	}
	assert.False(t, conn.Alive())
}
