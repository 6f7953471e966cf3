package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors covering the framing-layer taxonomy. Callers match with
// errors.Is; CRC failures use the typed *CRCError below because the NAK path
// needs the sequence number from the header.
var (
	// ErrFrame: magic, version, or length sanity check failed.
	ErrFrame = errors.New("wire: malformed frame")

	// ErrCrypto: encryption was requested but the key material is unusable.
	ErrCrypto = errors.New("wire: bad key material")

	// ErrReplay: data frame sequence fell behind the replay window or was
	// already accepted.
	ErrReplay = errors.New("wire: replayed sequence")

	// ErrParse: decrypted payload is not valid JSON.
	ErrParse = errors.New("wire: payload is not valid JSON")
)

// CRCError reports a checksum mismatch. The seq comes from the frame header,
// which is trusted just enough to address the NAK.
type CRCError struct {
	Seq uint32
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("wire: CRC mismatch for seq %d", e.Seq)
}

// AsCRCError unwraps err to a *CRCError if one is in the chain.
func AsCRCError(err error) (*CRCError, bool) {
	var ce *CRCError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
