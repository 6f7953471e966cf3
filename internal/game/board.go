// Package game holds the Battleship rules engine: board state, ship
// placement, shot resolution, and grid rendering. The server core drives it
// through a narrow surface (placement, FireAt, AllShipsSunk, renderers) and
// never inspects grids directly.
package game

import (
	"math/rand"

	"github.com/pkg/errors"
)

// DefaultBoardSize is the classic 10x10 grid; BOARD_SIZE can shrink it.
const DefaultBoardSize = 10

// Cell markers shared by both grids. The hidden grid additionally carries
// per-ship letters for unhit ship cells.
const (
	cellWater = '.'
	cellHit   = 'X'
	cellMiss  = 'o'
)

// ShotResult classifies the outcome of FireAt.
type ShotResult string

const (
	Hit         ShotResult = "hit"
	Miss        ShotResult = "miss"
	AlreadyShot ShotResult = "already_shot"
)

// Ship is one fleet entry.
type Ship struct {
	Name string
	Size int
}

// Fleet is the standard five-ship loadout.
var Fleet = []Ship{
	{"Carrier", 5},
	{"Battleship", 4},
	{"Cruiser", 3},
	{"Submarine", 3},
	{"Destroyer", 2},
}

// SoloFleet is the --one-ship variant used by fast integration runs.
var SoloFleet = []Ship{{"Destroyer", 2}}

// shipLetters maps ship names to their hidden-grid marker. Carrier uses 'A'
// to avoid clashing with Cruiser.
var shipLetters = map[string]byte{
	"Carrier":    'A',
	"Battleship": 'B',
	"Cruiser":    'C',
	"Submarine":  'S',
	"Destroyer":  'D',
}

type placedShip struct {
	name  string
	cells map[[2]int]struct{} // remaining unhit cells
}

// Board is one player's hidden fleet plus the view exposed to the opponent.
// Boards are owned by a single match session and are not safe for concurrent
// use.
type Board struct {
	size    int
	hidden  [][]byte // real ship positions, hits, misses
	display [][]byte // opponent-visible: unknown, hits, misses
	ships   []*placedShip
}

// NewBoard returns an empty size x size board.
func NewBoard(size int) *Board {
	if size <= 0 || size > DefaultBoardSize {
		size = DefaultBoardSize
	}
	b := &Board{size: size}
	b.Reset()
	return b
}

// Reset clears all cells and placed ships.
func (b *Board) Reset() {
	b.hidden = blankGrid(b.size)
	b.display = blankGrid(b.size)
	b.ships = nil
}

func blankGrid(size int) [][]byte {
	g := make([][]byte, size)
	for r := range g {
		row := make([]byte, size)
		for c := range row {
			row[c] = cellWater
		}
		g[r] = row
	}
	return g
}

// Size returns the board dimension.
func (b *Board) Size() int {
	return b.size
}

// InBounds reports whether (row, col) addresses a cell on this board.
// Coordinate syntax always allows A1..J10; smaller boards reject the excess
// here.
func (b *Board) InBounds(row, col int) bool {
	return row >= 0 && row < b.size && col >= 0 && col < b.size
}

// CanPlace reports whether a ship of the given size fits at (row, col)
// without leaving the board or overlapping another ship.
func (b *Board) CanPlace(row, col, size int, horizontal bool) bool {
	if row < 0 || col < 0 {
		return false
	}
	if horizontal {
		if col+size > b.size || row >= b.size {
			return false
		}
		for c := col; c < col+size; c++ {
			if b.hidden[row][c] != cellWater {
				return false
			}
		}
	} else {
		if row+size > b.size || col >= b.size {
			return false
		}
		for r := row; r < row+size; r++ {
			if b.hidden[r][col] != cellWater {
				return false
			}
		}
	}
	return true
}

// PlaceShip writes ship onto the hidden grid at (row, col). Used by the
// manual-placement wizard and by tests needing deterministic boards.
func (b *Board) PlaceShip(ship Ship, row, col int, horizontal bool) error {
	if !b.CanPlace(row, col, ship.Size, horizontal) {
		return errors.Errorf("cannot place %s at (%d,%d)", ship.Name, row, col)
	}

	letter, ok := shipLetters[ship.Name]
	if !ok {
		letter = 'S'
	}
	cells := make(map[[2]int]struct{}, ship.Size)
	for i := 0; i < ship.Size; i++ {
		r, c := row, col
		if horizontal {
			c += i
		} else {
			r += i
		}
		b.hidden[r][c] = letter
		cells[[2]int{r, c}] = struct{}{}
	}
	b.ships = append(b.ships, &placedShip{name: ship.Name, cells: cells})
	return nil
}

// PlaceShipsRandomly positions every ship in fleet without collisions.
func (b *Board) PlaceShipsRandomly(fleet []Ship) {
	for _, ship := range fleet {
		for {
			horizontal := rand.Intn(2) == 0
			row := rand.Intn(b.size)
			col := rand.Intn(b.size)
			if b.PlaceShip(ship, row, col, horizontal) == nil {
				break
			}
		}
	}
}

// FireAt resolves a shot. Returns the classification and, when the shot
// finishes off a ship, that ship's name. Repeat shots at a resolved cell
// report AlreadyShot and change nothing.
func (b *Board) FireAt(row, col int) (ShotResult, string) {
	switch b.hidden[row][col] {
	case cellWater:
		b.hidden[row][col] = cellMiss
		b.display[row][col] = cellMiss
		return Miss, ""
	case cellHit, cellMiss:
		return AlreadyShot, ""
	}

	b.hidden[row][col] = cellHit
	b.display[row][col] = cellHit
	for _, ship := range b.ships {
		if _, ok := ship.cells[[2]int{row, col}]; ok {
			delete(ship.cells, [2]int{row, col})
			if len(ship.cells) == 0 {
				return Hit, ship.name
			}
			break
		}
	}
	return Hit, ""
}

// AllShipsSunk reports whether every placed ship has no cells left.
func (b *Board) AllShipsSunk() bool {
	if len(b.ships) == 0 {
		return false
	}
	for _, ship := range b.ships {
		if len(ship.cells) > 0 {
			return false
		}
	}
	return true
}

// RenderSelf renders the owner's view with ships revealed, one space-joined
// string per row.
func (b *Board) RenderSelf() []string {
	return renderGrid(b.hidden)
}

// RenderOpponentView renders what the opponent (or a spectator watching the
// opponent's targeting) may see: hits and misses only.
func (b *Board) RenderOpponentView() []string {
	return renderGrid(b.display)
}

func renderGrid(grid [][]byte) []string {
	rows := make([]string, len(grid))
	for r, row := range grid {
		line := make([]byte, 0, len(row)*2)
		for c, cell := range row {
			if c > 0 {
				line = append(line, ' ')
			}
			line = append(line, cell)
		}
		rows[r] = string(line)
	}
	return rows
}
