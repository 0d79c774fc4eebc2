package protocol

import (
	"ledgerchat/address"
)

const (
	// MaxContentLength is the largest message content the program stores.
	MaxContentLength = 1024

	// MinMessageAccountSize is an encoded message with empty strings and no group.
	MinMessageAccountSize = 1 + 32 + 32 + 4 + 8 + 1 + 4 + 1
	// MinGroupAccountSize is an encoded group with empty strings and no participants.
	MinGroupAccountSize = 1 + 4 + 4 + 4 + 8 + 32
)

const (
	recordMessage = "MessageAccount"
	recordGroup   = "GroupAccount"
)

// MessageAccount mirrors the program's message account layout.
type MessageAccount struct {
	IsInitialized bool
	Sender        address.PublicKey
	Recipient     address.PublicKey
	Content       string
	Timestamp     uint64
	IsEncrypted   bool
	Status        Status
	GroupID       *string
}

// GroupAccount mirrors the program's group account layout.
type GroupAccount struct {
	IsInitialized bool
	ID            string
	Name          string
	Participants  []address.PublicKey
	CreatedAt     uint64
	Creator       address.PublicKey
}

func EncodeMessageAccount(m MessageAccount) []byte {
	e := newEncoder(MinMessageAccountSize + len(m.Content) + 16)
	e.boolean(m.IsInitialized)
	e.key(m.Sender)
	e.key(m.Recipient)
	e.str(m.Content)
	e.u64(m.Timestamp)
	e.boolean(m.IsEncrypted)
	e.str(m.Status.String())
	e.optionalString(m.GroupID)
	return e.bytes()
}

// DecodeMessageAccount parses a message account. Bytes after the last field
// are ignored since accounts are allocated with slack.
func DecodeMessageAccount(data []byte) (MessageAccount, error) {
	var m MessageAccount
	var err error
	d := newDecoder(recordMessage, data)

	if m.IsInitialized, err = d.boolean("isInitialized"); err != nil {
		return MessageAccount{}, err
	}
	if m.Sender, err = d.key("sender"); err != nil {
		return MessageAccount{}, err
	}
	if m.Recipient, err = d.key("recipient"); err != nil {
		return MessageAccount{}, err
	}
	if m.Content, err = d.str("content"); err != nil {
		return MessageAccount{}, err
	}
	if m.Timestamp, err = d.u64("timestamp"); err != nil {
		return MessageAccount{}, err
	}
	if m.IsEncrypted, err = d.boolean("isEncrypted"); err != nil {
		return MessageAccount{}, err
	}
	statusOffset := d.off
	statusText, err := d.str("status")
	if err != nil {
		return MessageAccount{}, err
	}
	if m.Status, err = ParseStatus(statusText); err != nil {
		return MessageAccount{}, &DecodeError{Record: recordMessage, Field: "status", Offset: statusOffset, Reason: err.Error()}
	}
	if m.GroupID, err = d.optionalString("groupId"); err != nil {
		return MessageAccount{}, err
	}
	return m, nil
}

func EncodeGroupAccount(g GroupAccount) []byte {
	e := newEncoder(MinGroupAccountSize + len(g.ID) + len(g.Name) + 32*len(g.Participants))
	e.boolean(g.IsInitialized)
	e.str(g.ID)
	e.str(g.Name)
	e.keys(g.Participants)
	e.u64(g.CreatedAt)
	e.key(g.Creator)
	return e.bytes()
}

// DecodeGroupAccount parses a group account, ignoring trailing bytes.
func DecodeGroupAccount(data []byte) (GroupAccount, error) {
	var g GroupAccount
	var err error
	d := newDecoder(recordGroup, data)

	if g.IsInitialized, err = d.boolean("isInitialized"); err != nil {
		return GroupAccount{}, err
	}
	if g.ID, err = d.str("id"); err != nil {
		return GroupAccount{}, err
	}
	if g.Name, err = d.str("name"); err != nil {
		return GroupAccount{}, err
	}
	if g.Participants, err = d.keys("participants"); err != nil {
		return GroupAccount{}, err
	}
	if g.CreatedAt, err = d.u64("createdAt"); err != nil {
		return GroupAccount{}, err
	}
	if g.Creator, err = d.key("creator"); err != nil {
		return GroupAccount{}, err
	}
	return g, nil
}
