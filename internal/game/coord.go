package game

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// coordRE accepts the classic grid addresses A1 through J10. Input is
// upper-cased before matching, so e5 and E5 are equivalent.
var coordRE = regexp.MustCompile(`^[A-J](10|[1-9])$`)

// ParseCoord translates a coordinate like "B7" into zero-based (row, col).
// Bounds against a specific board size are checked separately via
// Board.InBounds.
func ParseCoord(s string) (row, col int, err error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if !coordRE.MatchString(s) {
		return 0, 0, errors.Errorf("invalid coordinate %q", s)
	}
	row = int(s[0] - 'A')
	n, _ := strconv.Atoi(s[1:])
	return row, n - 1, nil
}

// FormatCoord renders zero-based (row, col) back into "B7" form.
func FormatCoord(row, col int) string {
	return fmt.Sprintf("%c%d", 'A'+rune(row), col+1)
}
