package storage

import (
	"errors"
	"fmt"
	"time"

	"ledgerchat/address"
	"ledgerchat/protocol"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// DirectScope is the cache scope for direct conversations.
const DirectScope = ""

type rowScanner interface {
	Scan(dest ...any) error
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parseKey(column, text string) (address.PublicKey, error) {
	key, err := address.Parse(text)
	if err != nil {
		return address.PublicKey{}, fmt.Errorf("decode %s %q: %w", column, text, err)
	}
	return key, nil
}

func validateStatus(status protocol.Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %d", uint8(status))
	}
	return nil
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
