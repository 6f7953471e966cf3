package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetransmitBufferEvictsOldest(t *testing.T) {
	b := NewRetransmitBuffer(SendWindow)

	for seq := uint32(0); seq < SendWindow+4; seq++ {
		b.Add(seq, []byte{byte(seq)})
	}

	assert.Equal(t, SendWindow, b.Len())
	assert.Nil(t, b.Get(0), "oldest entries fall off")
	assert.Nil(t, b.Get(3))
	assert.NotNil(t, b.Get(4))
	assert.NotNil(t, b.Get(SendWindow+3))
}

func TestRetransmitBufferAck(t *testing.T) {
	b := NewRetransmitBuffer(SendWindow)
	b.Add(1, []byte("one"))
	b.Add(2, []byte("two"))

	b.Ack(1)
	assert.Nil(t, b.Get(1))
	assert.Equal(t, []byte("two"), b.Get(2))
	assert.Equal(t, 1, b.Len())

	// Acking an unknown seq is a no-op.
	b.Ack(99)
	assert.Equal(t, 1, b.Len())
}
