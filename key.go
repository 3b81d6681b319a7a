// Package sidecar holds the identity types shared by the sidecar packages:
// application keys, encryption keys and links.
package sidecar

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// KeySize is the size of an application key in bytes.
const KeySize = 32

// ErrInvalidKey is returned when a key cannot be decoded.
var ErrInvalidKey = errors.New("invalid key")

// z32 is z-base-32, the alphabet used for keys in links.
var z32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// discoveryNamespace is hashed with the key to derive the discovery key.
var discoveryNamespace = []byte("hypercore")

// Key is the public key of an application's content log.
type Key [KeySize]byte

// String returns the z-base-32 form of the key.
func (k Key) String() string {
	return z32.EncodeToString(k[:])
}

// Hex returns the hex-encoded form of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened form for display.
func (k Key) ShortString() string {
	return k.String()[:8]
}

// IsZero returns true if the key is all zeros (uninitialized).
func (k Key) IsZero() bool {
	return k == Key{}
}

// DiscoveryKey derives the key under which peers announce the application.
// It can be shared publicly without revealing the key itself.
func (k Key) DiscoveryKey() Key {
	h, err := blake3.NewKeyed(k[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(err)
	}
	_, _ = h.Write(discoveryNamespace)
	var dk Key
	h.Sum(dk[:0])
	return dk
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKey accepts the z-base-32 (52 chars) or hex (64 chars) form of a key.
func ParseKey(s string) (Key, error) {
	var k Key
	var (
		raw []byte
		err error
	)
	switch len(s) {
	case 52:
		raw, err = z32.DecodeString(s)
	case KeySize * 2:
		raw, err = hex.DecodeString(s)
	default:
		return Key{}, fmt.Errorf("%w: unexpected length %d", ErrInvalidKey, len(s))
	}
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: decoded %d bytes", ErrInvalidKey, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// MustParseKey is like ParseKey but panics on error.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// EncryptionKey is the symmetric key protecting an encrypted application.
type EncryptionKey [KeySize]byte

// String returns the hex form. Callers should avoid logging it.
func (e EncryptionKey) String() string {
	return hex.EncodeToString(e[:])
}

// ParseEncryptionKey decodes a hex-encoded encryption key.
func ParseEncryptionKey(s string) (EncryptionKey, error) {
	var e EncryptionKey
	if len(s) != KeySize*2 {
		return e, fmt.Errorf("%w: encryption key must be %d hex chars, got %d", ErrInvalidKey, KeySize*2, len(s))
	}
	if _, err := hex.Decode(e[:], []byte(s)); err != nil {
		return e, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return e, nil
}

// MarshalText implements encoding.TextMarshaler.
func (e EncryptionKey) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EncryptionKey) UnmarshalText(text []byte) error {
	parsed, err := ParseEncryptionKey(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
