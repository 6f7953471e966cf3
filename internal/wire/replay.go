package wire

// ReplayGuard tracks accepted sequence numbers on one receive direction.
// A data frame is rejected when its seq has already been accepted or when it
// falls behind highest_accepted - window; within the window a small amount
// of reordering is tolerated. Owned by the Codec's receive side, serialised
// under the receive mutex.
type ReplayGuard struct {
	window  int
	highest int64 // -1 until the first frame is accepted
	seen    map[uint32]struct{}
}

// NewReplayGuard creates a guard with the given reorder window.
func NewReplayGuard(window int) *ReplayGuard {
	return &ReplayGuard{
		window:  window,
		highest: -1,
		seen:    make(map[uint32]struct{}),
	}
}

// Accept admits seq or returns ErrReplay. On success the guard records the
// seq and purges entries that fell behind the window.
func (g *ReplayGuard) Accept(seq uint32) error {
	if int64(seq) <= g.highest-int64(g.window) {
		return ErrReplay
	}
	if _, dup := g.seen[seq]; dup {
		return ErrReplay
	}

	g.seen[seq] = struct{}{}
	if int64(seq) > g.highest {
		g.highest = int64(seq)
	}
	cutoff := g.highest - int64(g.window)
	for s := range g.seen {
		if int64(s) <= cutoff {
			delete(g.seen, s)
		}
	}
	return nil
}

// Highest returns the highest accepted seq, or -1 before the first accept.
func (g *ReplayGuard) Highest() int64 {
	return g.highest
}
