package address

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	// MaxSeedLength is the per-seed byte limit of the program address scheme.
	MaxSeedLength = 32
	// MaxSeeds bounds the seed count, including the trailing bump byte.
	MaxSeeds = 16

	// NamespaceMessage tags message account seeds.
	NamespaceMessage = "message"
	// NamespaceGroup tags group account seeds.
	NamespaceGroup = "group"

	programAddressMarker = "ProgramDerivedAddress"
)

var (
	// ErrInvalidSeed indicates a seed list the scheme cannot hash.
	ErrInvalidSeed = errors.New("address: invalid seed")
	// ErrNoViableBump indicates every bump produced an on-curve point.
	ErrNoViableBump = errors.New("address: no viable bump seed")

	errOnCurve = errors.New("address: derived point is on curve")
)

// CreateProgramAddress hashes seeds with the program ID and rejects results
// that are valid Ed25519 points, since those could have a private key.
func CreateProgramAddress(programID PublicKey, seeds ...[]byte) (PublicKey, error) {
	if len(seeds) > MaxSeeds {
		return PublicKey{}, fmt.Errorf("%w: %d seeds exceeds max %d", ErrInvalidSeed, len(seeds), MaxSeeds)
	}

	h := sha256.New()
	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return PublicKey{}, fmt.Errorf("%w: seed %d is %d bytes, max %d", ErrInvalidSeed, i, len(seed), MaxSeedLength)
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write([]byte(programAddressMarker))

	var out PublicKey
	copy(out[:], h.Sum(nil))
	if isOnCurve(out) {
		return PublicKey{}, errOnCurve
	}
	return out, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first
// off-curve address along with the bump that produced it.
func FindProgramAddress(programID PublicKey, seeds ...[]byte) (PublicKey, uint8, error) {
	if len(seeds) >= MaxSeeds {
		return PublicKey{}, 0, fmt.Errorf("%w: %d seeds leaves no room for bump", ErrInvalidSeed, len(seeds))
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	bump := []byte{0}
	withBump[len(seeds)] = bump

	for candidate := 255; candidate >= 0; candidate-- {
		bump[0] = uint8(candidate)
		addr, err := CreateProgramAddress(programID, withBump...)
		if err == nil {
			return addr, uint8(candidate), nil
		}
		if !errors.Is(err, errOnCurve) {
			return PublicKey{}, 0, err
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

// Derive maps a namespace tag plus ordered seed components to an address.
// The bump is returned for auditability; callers usually discard it.
func Derive(programID PublicKey, namespace string, seeds ...[]byte) (PublicKey, uint8, error) {
	all := make([][]byte, 0, len(seeds)+1)
	all = append(all, []byte(namespace))
	all = append(all, seeds...)
	return FindProgramAddress(programID, all...)
}

// MessageAddress derives the account address of one message.
func MessageAddress(programID, sender, recipient PublicKey, timestampMillis uint64) (PublicKey, uint8, error) {
	return Derive(programID, NamespaceMessage, sender[:], recipient[:], TimestampSeed(timestampMillis))
}

// GroupAddress derives the account address of one group.
func GroupAddress(programID PublicKey, groupID string) (PublicKey, uint8, error) {
	if groupID == "" {
		return PublicKey{}, 0, fmt.Errorf("%w: empty group id", ErrInvalidSeed)
	}
	return Derive(programID, NamespaceGroup, []byte(groupID))
}

// TimestampSeed encodes a millisecond timestamp as the 8-byte big-endian seed.
func TimestampSeed(timestampMillis uint64) []byte {
	seed := make([]byte, 8)
	binary.BigEndian.PutUint64(seed, timestampMillis)
	return seed
}

func isOnCurve(key PublicKey) bool {
	_, err := new(edwards25519.Point).SetBytes(key[:])
	return err == nil
}
