package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerchat/address"
)

const (
	// DefaultPollInterval is the fallback re-list period.
	DefaultPollInterval = 30 * time.Second
	// DefaultReconnectDelay is the first delay after the channel drops.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultReconnectMaxDelay caps the reconnect backoff.
	DefaultReconnectMaxDelay = 60 * time.Second
	// DefaultStatusTimeout bounds one status transaction including confirmation.
	DefaultStatusTimeout = 60 * time.Second
	// MaxPushMessageSize bounds one inbound push frame.
	MaxPushMessageSize = 64 * 1024
)

const (
	ActionSubscribe = "subscribe"

	TypeMessageUpdate = "MESSAGE_UPDATE"
)

var (
	// ErrInvalidPushMessage indicates an inbound frame that is not a JSON object.
	ErrInvalidPushMessage = errors.New("network: invalid push message")
	// ErrChannelClosed is returned by a channel after Close.
	ErrChannelClosed = errors.New("network: channel closed")
)

// Subscribe scopes the push subscription to one wallet and an optional group.
// Group is encoded as null when no group is selected.
type Subscribe struct {
	Action string  `json:"action"`
	Wallet string  `json:"wallet"`
	Group  *string `json:"group"`
}

// NewSubscribe builds the subscription for identity and the selected group.
func NewSubscribe(identity address.PublicKey, group string) Subscribe {
	msg := Subscribe{Action: ActionSubscribe, Wallet: identity.String()}
	if group != "" {
		msg.Group = &group
	}
	return msg
}

// Inbound is the only field the client reads from pushed frames.
type Inbound struct {
	Type string `json:"type"`
}

// PushKind classifies an inbound frame.
type PushKind int

const (
	PushIgnored PushKind = iota
	PushMessageUpdate
)

func (k PushKind) String() string {
	switch k {
	case PushMessageUpdate:
		return "message_update"
	default:
		return "ignored"
	}
}

// EncodeJSON marshals one outbound push message.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal push message: %w", err)
	}
	return payload, nil
}

// DecodeInbound classifies a pushed frame. Frames that parse as JSON objects
// but carry an unknown type are ignored without error.
func DecodeInbound(payload []byte) (PushKind, error) {
	var msg Inbound
	if err := json.Unmarshal(payload, &msg); err != nil {
		return PushIgnored, fmt.Errorf("%w: %v", ErrInvalidPushMessage, err)
	}
	if msg.Type == TypeMessageUpdate {
		return PushMessageUpdate, nil
	}
	return PushIgnored, nil
}
