package protocol

import (
	"errors"
	"fmt"
)

// Status is the delivery state of a message. The order is significant.
type Status uint8

const (
	StatusSent Status = iota
	StatusDelivered
	StatusRead
)

// ErrUnknownStatus indicates a status string outside sent, delivered and read.
var ErrUnknownStatus = errors.New("protocol: unknown message status")

var statusNames = [...]string{
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
}

// String returns the wire text of the status.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the three known states.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// ParseStatus maps wire text to a Status.
func ParseStatus(text string) (Status, error) {
	for i, name := range statusNames {
		if name == text {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, text)
}

// Next returns the following status and false when s is already final.
func (s Status) Next() (Status, bool) {
	if !s.Valid() || s == StatusRead {
		return s, false
	}
	return s + 1, true
}

// CanAdvanceTo reports whether target is the single forward step after s.
func (s Status) CanAdvanceTo(target Status) bool {
	next, ok := s.Next()
	return ok && next == target
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
