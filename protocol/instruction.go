package protocol

import (
	"fmt"

	"ledgerchat/address"
)

// InstructionKind is the leading discriminant byte of an instruction payload.
type InstructionKind uint8

const (
	KindSendMessage InstructionKind = iota
	KindCreateGroup
	KindUpdateMessageStatus
)

const recordInstruction = "Instruction"

func (k InstructionKind) String() string {
	switch k {
	case KindSendMessage:
		return "SendMessage"
	case KindCreateGroup:
		return "CreateGroup"
	case KindUpdateMessageStatus:
		return "UpdateMessageStatus"
	default:
		return fmt.Sprintf("InstructionKind(%d)", uint8(k))
	}
}

// Instruction is one of SendMessage, CreateGroup or UpdateMessageStatus.
type Instruction interface {
	Kind() InstructionKind
	encodeFields(e *encoder)
}

type SendMessage struct {
	Content     string
	Timestamp   uint64
	IsEncrypted bool
	GroupID     *string
}

func (SendMessage) Kind() InstructionKind { return KindSendMessage }

func (i SendMessage) encodeFields(e *encoder) {
	e.str(i.Content)
	e.u64(i.Timestamp)
	e.boolean(i.IsEncrypted)
	e.optionalString(i.GroupID)
}

// CreateGroup also carries full participant replacements for an existing
// group; the name slot then holds the group id.
type CreateGroup struct {
	Name         string
	Participants []address.PublicKey
}

func (CreateGroup) Kind() InstructionKind { return KindCreateGroup }

func (i CreateGroup) encodeFields(e *encoder) {
	e.str(i.Name)
	e.keys(i.Participants)
}

type UpdateMessageStatus struct {
	Status Status
}

func (UpdateMessageStatus) Kind() InstructionKind { return KindUpdateMessageStatus }

func (i UpdateMessageStatus) encodeFields(e *encoder) {
	e.str(i.Status.String())
}

// EncodeInstruction writes the discriminant followed by the variant's fields.
func EncodeInstruction(ix Instruction) []byte {
	e := newEncoder(64)
	e.u8(uint8(ix.Kind()))
	ix.encodeFields(e)
	return e.bytes()
}

// DecodeInstruction parses an instruction payload. The whole buffer must be
// consumed.
func DecodeInstruction(data []byte) (Instruction, error) {
	d := newDecoder(recordInstruction, data)
	tag, err := d.u8("variant")
	if err != nil {
		return nil, err
	}

	var ix Instruction
	switch InstructionKind(tag) {
	case KindSendMessage:
		d.record = "SendMessage"
		ix, err = decodeSendMessage(d)
	case KindCreateGroup:
		d.record = "CreateGroup"
		ix, err = decodeCreateGroup(d)
	case KindUpdateMessageStatus:
		d.record = "UpdateMessageStatus"
		ix, err = decodeUpdateMessageStatus(d)
	default:
		return nil, &DecodeError{Record: recordInstruction, Field: "variant", Offset: 0, Reason: fmt.Sprintf("unknown discriminant %d", tag)}
	}
	if err != nil {
		return nil, err
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return ix, nil
}

func decodeSendMessage(d *decoder) (Instruction, error) {
	var ix SendMessage
	var err error
	if ix.Content, err = d.str("content"); err != nil {
		return nil, err
	}
	if ix.Timestamp, err = d.u64("timestamp"); err != nil {
		return nil, err
	}
	if ix.IsEncrypted, err = d.boolean("isEncrypted"); err != nil {
		return nil, err
	}
	if ix.GroupID, err = d.optionalString("groupId"); err != nil {
		return nil, err
	}
	return ix, nil
}

func decodeCreateGroup(d *decoder) (Instruction, error) {
	var ix CreateGroup
	var err error
	if ix.Name, err = d.str("name"); err != nil {
		return nil, err
	}
	if ix.Participants, err = d.keys("participants"); err != nil {
		return nil, err
	}
	return ix, nil
}

func decodeUpdateMessageStatus(d *decoder) (Instruction, error) {
	offset := d.off
	text, err := d.str("status")
	if err != nil {
		return nil, err
	}
	status, err := ParseStatus(text)
	if err != nil {
		return nil, &DecodeError{Record: d.record, Field: "status", Offset: offset, Reason: err.Error()}
	}
	return UpdateMessageStatus{Status: status}, nil
}
