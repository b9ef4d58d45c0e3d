package secrets

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/mr-tron/base58"
)

// KeypairLength is the byte length of a program keypair: a 32-byte seed
// followed by the 32-byte public key.
const KeypairLength = 64

// ErrMalformedKeypair is returned when a credential file does not decode
// into a valid keypair.
var ErrMalformedKeypair = errors.New("malformed keypair file")

// ParseKeypair decodes the JSON byte-array keypair format into a locked
// buffer. The trailing half must equal the public key derived from the
// seed half; a file that decodes but fails that check is rejected. The
// caller owns the returned buffer and must Destroy it.
func ParseKeypair(data []byte) (*memguard.LockedBuffer, error) {
	var vals []int
	if err := json.Unmarshal(data, &vals); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKeypair, err)
	}
	if len(vals) != KeypairLength {
		return nil, fmt.Errorf("%w: got %d elements, want %d", ErrMalformedKeypair, len(vals), KeypairLength)
	}

	buf := memguard.NewBuffer(KeypairLength)
	buf.Melt()
	raw := buf.Bytes()
	for i, v := range vals {
		if v < 0 || v > 255 {
			buf.Destroy()
			return nil, fmt.Errorf("%w: element %d out of byte range", ErrMalformedKeypair, i)
		}
		raw[i] = byte(v)
		vals[i] = 0
	}

	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	match := bytes.Equal(derived[ed25519.SeedSize:], raw[ed25519.SeedSize:])
	wipe(derived)
	if !match {
		buf.Destroy()
		return nil, fmt.Errorf("%w: public half does not match seed", ErrMalformedKeypair)
	}

	return buf, nil
}

// PublicKeyBase58 returns the base58 public identifier of a raw keypair.
// The input must be KeypairLength bytes.
func PublicKeyBase58(keypair []byte) string {
	return base58.Encode(keypair[ed25519.SeedSize:])
}

// wipe zeroes a byte slice that held key material.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
