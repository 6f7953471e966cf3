package game

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrPlacementTimeout is returned by PlacementIO.Recv when the per-ship
// placement timer expires. The wizard maps it to PlacementTimeout; every
// other Recv error counts as a transport failure.
var ErrPlacementTimeout = errors.New("game: placement timed out")

// PlacementStatus is the wizard's verdict.
type PlacementStatus int

const (
	PlacementDone PlacementStatus = iota
	PlacementTimeout
	PlacementError
)

// PlacementIO connects the wizard to one player. The session layer supplies
// closures that speak the framed protocol and enforce the per-ship deadline.
type PlacementIO struct {
	// Recv blocks for the player's next command line.
	Recv func() (string, error)
	// NextShip is called once per ship before prompting, so the caller can
	// re-arm its placement timer. Optional.
	NextShip func(name string)
	// Notify sends a one-line text message to the player.
	Notify func(text string)
	// Error sends an error-class message (bad input, collision).
	Error func(text string)
	// SendGrid shows the player their own board with ships revealed.
	SendGrid func(rows []string)
}

// PlaceShips runs the placement phase for one player: offer manual
// placement, fall back to (or choose) random placement, and report how the
// phase ended. The board must be empty on entry.
func (b *Board) PlaceShips(fleet []Ship, io PlacementIO) PlacementStatus {
	if io.NextShip != nil {
		io.NextShip("setup")
	}
	io.Notify("Manual placement? [y/N]")
	answer, err := io.Recv()
	if err != nil {
		if errors.Is(err, ErrPlacementTimeout) {
			return PlacementTimeout
		}
		return PlacementError
	}

	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(answer)), "Y") {
		b.PlaceShipsRandomly(fleet)
		io.SendGrid(b.RenderSelf())
		io.Notify("Fleet deployed. Waiting for opponent...")
		return PlacementDone
	}

	b.Reset()
	for _, ship := range fleet {
		if io.NextShip != nil {
			io.NextShip(ship.Name)
		}
		if status := b.placeOne(ship, io); status != PlacementDone {
			return status
		}
	}
	io.SendGrid(b.RenderSelf())
	io.Notify("Fleet deployed. Waiting for opponent...")
	return PlacementDone
}

// placeOne prompts for a single ship until it lands on the board. Invalid
// input re-prompts the same ship.
func (b *Board) placeOne(ship Ship, io PlacementIO) PlacementStatus {
	for {
		io.SendGrid(b.RenderSelf())
		io.Notify(fmt.Sprintf("Place %s (size %d) - e.g. A1 H or B3 V", ship.Name, ship.Size))

		line, err := io.Recv()
		if err != nil {
			if errors.Is(err, ErrPlacementTimeout) {
				return PlacementTimeout
			}
			return PlacementError
		}

		fields := strings.Fields(strings.ToUpper(line))
		if len(fields) != 2 {
			io.Error("expected <coord> <H|V>")
			continue
		}
		row, col, err := ParseCoord(fields[0])
		if err != nil {
			io.Error("bad coordinate " + fields[0])
			continue
		}
		var horizontal bool
		switch fields[1] {
		case "H":
			horizontal = true
		case "V":
			horizontal = false
		default:
			io.Error("orientation must be H or V")
			continue
		}

		if err := b.PlaceShip(ship, row, col, horizontal); err != nil {
			io.Error(fmt.Sprintf("%s does not fit at %s", ship.Name, fields[0]))
			continue
		}
		return PlacementDone
	}
}
