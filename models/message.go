package models

import (
	"ledgerchat/address"
	"ledgerchat/protocol"
)

// Message is a decoded chat message as seen by this client.
type Message struct {
	Address     address.PublicKey `json:"address"`
	Sender      address.PublicKey `json:"sender"`
	Recipient   address.PublicKey `json:"recipient"`
	Content     string            `json:"content"`
	Timestamp   uint64            `json:"timestamp"`
	IsEncrypted bool              `json:"is_encrypted"`
	GroupID     string            `json:"group_id,omitempty"`
	Status      protocol.Status   `json:"status"`
}

// IsGroupMessage reports whether the message was addressed to a group.
func (m Message) IsGroupMessage() bool {
	return m.GroupID != ""
}

// Involves reports whether identity sent or received the message.
func (m Message) Involves(identity address.PublicKey) bool {
	return m.Sender == identity || m.Recipient == identity
}

// Counterpart returns the other end of a direct message from identity's view.
func (m Message) Counterpart(identity address.PublicKey) address.PublicKey {
	if m.Sender == identity {
		return m.Recipient
	}
	return m.Sender
}
