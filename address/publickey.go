package address

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeySize is the byte length of an identity or account address.
const PublicKeySize = 32

var (
	// ErrInvalidPublicKey indicates text or bytes that do not form a 32-byte key.
	ErrInvalidPublicKey = errors.New("address: invalid public key")
)

// PublicKey is a 32-byte ledger identifier: a wallet identity or an account address.
type PublicKey [PublicKeySize]byte

var (
	// SystemProgramID is the ledger's account-creation program.
	SystemProgramID = PublicKey{}
	// RentSysvarID is the rent sysvar account passed to account-creating instructions.
	RentSysvarID = MustParse("SysvarRent111111111111111111111111111111111")
)

// Parse decodes a base58 public key.
func Parse(text string) (PublicKey, error) {
	if text == "" {
		return PublicKey{}, fmt.Errorf("%w: empty", ErrInvalidPublicKey)
	}
	raw, err := base58.Decode(text)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return FromBytes(raw)
}

// MustParse is Parse for package-level constants.
func MustParse(text string) PublicKey {
	key, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return key
}

// FromBytes copies a 32-byte slice into a PublicKey.
func FromBytes(raw []byte) (PublicKey, error) {
	var key PublicKey
	if len(raw) != PublicKeySize {
		return key, fmt.Errorf("%w: got %d bytes want %d", ErrInvalidPublicKey, len(raw), PublicKeySize)
	}
	copy(key[:], raw)
	return key, nil
}

// String returns the base58 text form.
func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// Bytes returns a copy of the key bytes.
func (k PublicKey) Bytes() []byte {
	return append([]byte(nil), k[:]...)
}

// IsZero reports whether every byte is zero.
func (k PublicKey) IsZero() bool {
	return k == PublicKey{}
}

// Compare orders keys by their raw bytes.
func (k PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(k[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
