package models

import (
	"ledgerchat/address"
)

// Target names where an outbound message goes: a recipient identity or a group.
// Exactly one of Recipient and GroupID is set.
type Target struct {
	Recipient address.PublicKey `json:"recipient,omitempty"`
	GroupID   string            `json:"group_id,omitempty"`
}

func DirectTarget(recipient address.PublicKey) Target {
	return Target{Recipient: recipient}
}

func GroupTarget(groupID string) Target {
	return Target{GroupID: groupID}
}

func (t Target) IsGroup() bool {
	return t.GroupID != ""
}

// String returns the group id or the recipient's base58 form.
func (t Target) String() string {
	if t.IsGroup() {
		return t.GroupID
	}
	return t.Recipient.String()
}
