package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"
)

// Salt and iteration count for the passphrase key-derivation path. The hex
// KEY path bypasses derivation entirely.
const (
	kdfSalt  = "beer-go"
	kdfIters = 4096
)

// Cipher applies AES-CTR to frame payloads. The 16-byte counter IV is the
// big-endian frame sequence in the first 8 bytes followed by 8 zero bytes,
// so both ends derive the keystream from the header alone. Sequence numbers
// are never reused within a connection, which keeps the (key, IV) pair
// unique per frame.
//
// The CRC is computed over the ciphertext: integrity is checked before any
// decryption happens.
type Cipher struct {
	block cipher.Block
}

// NewCipher builds a payload cipher from a 16, 24, or 32-byte AES key.
func NewCipher(key []byte) (*Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errors.Wrapf(ErrCrypto, "AES key must be 16/24/32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(ErrCrypto, err.Error())
	}
	return &Cipher{block: block}, nil
}

// ParseKeyHex decodes a hex-encoded AES key (KEY env var or --key flag).
func ParseKeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(ErrCrypto, "key is not valid hex")
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, errors.Wrapf(ErrCrypto, "hex key must decode to 16/24/32 bytes, got %d", len(key))
	}
}

// DeriveKey stretches a passphrase into a 32-byte AES key via PBKDF2-SHA1.
func DeriveKey(pass string) []byte {
	return pbkdf2.Key([]byte(pass), []byte(kdfSalt), kdfIters, 32, sha1.New)
}

// Apply encrypts or decrypts payload in one pass (CTR is symmetric) using
// the per-frame IV for seq. The input slice is not modified.
func (c *Cipher) Apply(seq uint32, payload []byte) []byte {
	var iv [aes.BlockSize]byte
	binary.BigEndian.PutUint64(iv[:8], uint64(seq))

	out := make([]byte, len(payload))
	cipher.NewCTR(c.block, iv[:]).XORKeyStream(out, payload)
	return out
}
