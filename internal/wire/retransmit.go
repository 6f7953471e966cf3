package wire

// RetransmitBuffer keeps the raw bytes of the last SendWindow data frames so
// a NAK can be answered without re-encoding. It is owned by one sender and
// is not safe for concurrent use; the Codec serialises access under its send
// mutex.
type RetransmitBuffer struct {
	window  int
	entries map[uint32][]byte
	order   []uint32 // FIFO of buffered seqs, oldest first
}

// NewRetransmitBuffer creates a buffer evicting beyond window entries.
func NewRetransmitBuffer(window int) *RetransmitBuffer {
	return &RetransmitBuffer{
		window:  window,
		entries: make(map[uint32][]byte, window),
	}
}

// Add stores the wire bytes for seq, evicting the oldest entry once the
// window is exceeded.
func (b *RetransmitBuffer) Add(seq uint32, frame []byte) {
	b.entries[seq] = frame
	b.order = append(b.order, seq)
	for len(b.order) > b.window {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
	}
}

// Ack drops seq from the buffer; the peer has confirmed receipt.
func (b *RetransmitBuffer) Ack(seq uint32) {
	if _, ok := b.entries[seq]; !ok {
		return
	}
	delete(b.entries, seq)
	for i, s := range b.order {
		if s == seq {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Get returns the buffered frame bytes for seq, or nil if the entry was
// never buffered or already evicted (in which case the sender does not
// retransmit).
func (b *RetransmitBuffer) Get(seq uint32) []byte {
	return b.entries[seq]
}

// Len reports the number of buffered frames.
func (b *RetransmitBuffer) Len() int {
	return len(b.entries)
}
