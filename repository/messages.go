package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ledgerchat/address"
	"ledgerchat/ledger"
	"ledgerchat/models"
	"ledgerchat/protocol"
)

// SendMessage submits one message to a recipient or a group. Group messages
// carry the group's derived address in the recipient slot.
func (r *Repository) SendMessage(ctx context.Context, target models.Target, content string, encrypted bool) (ledger.Signature, models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return ledger.Signature{}, models.Message{}, validationError("content is empty")
	}
	if len(content) > protocol.MaxContentLength {
		return ledger.Signature{}, models.Message{}, validationError("content is %d bytes, max %d", len(content), protocol.MaxContentLength)
	}

	recipient, groupID, err := r.resolveTarget(target)
	if err != nil {
		return ledger.Signature{}, models.Message{}, err
	}

	payload := content
	if encrypted {
		if groupID != nil {
			return ledger.Signature{}, models.Message{}, validationError("encrypted group messages are not supported")
		}
		if r.sealer == nil {
			return ledger.Signature{}, models.Message{}, validationError("encryption requested but no sealer configured")
		}
		payload, err = r.sealer.Seal(recipient, content)
		if err != nil {
			return ledger.Signature{}, models.Message{}, fmt.Errorf("%w: seal content: %v", ErrValidation, err)
		}
		if len(payload) > protocol.MaxContentLength {
			return ledger.Signature{}, models.Message{}, validationError("sealed content is %d bytes, max %d", len(payload), protocol.MaxContentLength)
		}
	}

	timestamp := r.nowMillis()
	messageAddr, _, err := address.MessageAddress(r.programID, r.identity, recipient, timestamp)
	if err != nil {
		return ledger.Signature{}, models.Message{}, fmt.Errorf("derive message address: %w", err)
	}

	ix := ledger.Instruction{
		ProgramID: r.programID,
		Accounts: []ledger.AccountMeta{
			{PublicKey: r.identity, IsSigner: true},
			{PublicKey: messageAddr, IsWritable: true},
			{PublicKey: recipient},
			{PublicKey: address.SystemProgramID},
			{PublicKey: address.RentSysvarID},
		},
		Data: protocol.EncodeInstruction(protocol.SendMessage{
			Content:     payload,
			Timestamp:   timestamp,
			IsEncrypted: encrypted,
			GroupID:     groupID,
		}),
	}

	sig, err := r.submit(ctx, ix)
	if err != nil {
		return ledger.Signature{}, models.Message{}, err
	}

	message := models.Message{
		Address:     messageAddr,
		Sender:      r.identity,
		Recipient:   recipient,
		Content:     content,
		Timestamp:   timestamp,
		IsEncrypted: encrypted,
		Status:      protocol.StatusSent,
	}
	if groupID != nil {
		message.GroupID = *groupID
	}
	r.log.Infow("repository: message submitted", "address", messageAddr.String(), "target", target.String(), "signature", sig.String())
	return sig, message, nil
}

func (r *Repository) resolveTarget(target models.Target) (address.PublicKey, *string, error) {
	if target.IsGroup() {
		if !target.Recipient.IsZero() {
			return address.PublicKey{}, nil, validationError("target names both a recipient and a group")
		}
		groupAddr, _, err := address.GroupAddress(r.programID, target.GroupID)
		if err != nil {
			return address.PublicKey{}, nil, fmt.Errorf("%w: group id %q: %v", ErrValidation, target.GroupID, err)
		}
		id := target.GroupID
		return groupAddr, &id, nil
	}

	if target.Recipient.IsZero() {
		return address.PublicKey{}, nil, validationError("recipient is empty")
	}
	if target.Recipient == r.identity {
		return address.PublicKey{}, nil, validationError("cannot send a direct message to yourself")
	}
	return target.Recipient, nil, nil
}

// UpdateMessageStatus advances a message one step along sent, delivered, read.
func (r *Repository) UpdateMessageStatus(ctx context.Context, message models.Message, status protocol.Status) (ledger.Signature, error) {
	if !status.Valid() {
		return ledger.Signature{}, validationError("unknown status %d", uint8(status))
	}
	if !message.Status.CanAdvanceTo(status) {
		return ledger.Signature{}, validationError("status %s cannot move to %s", message.Status, status)
	}

	messageAddr := message.Address
	if messageAddr.IsZero() {
		var err error
		messageAddr, _, err = address.MessageAddress(r.programID, message.Sender, message.Recipient, message.Timestamp)
		if err != nil {
			return ledger.Signature{}, fmt.Errorf("derive message address: %w", err)
		}
	}

	ix := ledger.Instruction{
		ProgramID: r.programID,
		Accounts: []ledger.AccountMeta{
			{PublicKey: r.identity, IsSigner: true},
			{PublicKey: messageAddr, IsWritable: true},
		},
		Data: protocol.EncodeInstruction(protocol.UpdateMessageStatus{Status: status}),
	}
	sig, err := r.submit(ctx, ix)
	if err != nil {
		return ledger.Signature{}, err
	}
	r.log.Debugw("repository: status updated", "address", messageAddr.String(), "status", status.String())
	return sig, nil
}

// ScanMessages decodes every program account that looks like a message.
// Accounts that fail to decode are logged and skipped; the scan continues.
func (r *Repository) ScanMessages(ctx context.Context) ([]models.Message, ScanReport, error) {
	accounts, err := r.gateway.ScanProgramAccounts(ctx, MessageSizeHint)
	if err != nil {
		return nil, ScanReport{}, fmt.Errorf("scan message accounts: %w", err)
	}

	report := ScanReport{Accounts: len(accounts)}
	messages := make([]models.Message, 0, len(accounts))
	for _, account := range accounts {
		if len(account.Data) < protocol.MinMessageAccountSize {
			report.Filtered++
			continue
		}
		decoded, err := protocol.DecodeMessageAccount(account.Data)
		if err != nil {
			report.Skipped++
			r.log.Debugw("repository: skipped undecodable message account", "address", account.Address.String(), "error", err)
			continue
		}
		if !decoded.IsInitialized {
			report.Uninitialized++
			continue
		}
		report.Decoded++
		messages = append(messages, messageFromAccount(account.Address, decoded))
	}
	return messages, report, nil
}

// ListMessages returns messages sent or received by identity, newest first.
// With a group filter only messages of that group are kept, including ones
// addressed to the group's derived address.
func (r *Repository) ListMessages(ctx context.Context, identity address.PublicKey, groupFilter string) ([]models.Message, error) {
	if identity.IsZero() {
		return nil, validationError("identity is empty")
	}

	var groupAddr address.PublicKey
	if groupFilter != "" {
		var err error
		groupAddr, _, err = address.GroupAddress(r.programID, groupFilter)
		if err != nil {
			return nil, fmt.Errorf("%w: group id %q: %v", ErrValidation, groupFilter, err)
		}
	}

	scanned, report, err := r.ScanMessages(ctx)
	if err != nil {
		return nil, err
	}
	if report.Skipped > 0 {
		r.log.Infow("repository: message scan skipped accounts", "skipped", report.Skipped, "decoded", report.Decoded)
	}

	out := make([]models.Message, 0, len(scanned))
	for _, m := range scanned {
		if groupFilter != "" {
			if m.GroupID != groupFilter {
				continue
			}
			if !m.Involves(identity) && m.Recipient != groupAddr {
				continue
			}
		} else if !m.Involves(identity) {
			continue
		}
		out = append(out, r.open(m))
	}

	SortNewestFirst(out)
	return out, nil
}

// ConversationAddresses lists the message accounts exchanged between a and b
// in either direction, ordered by address.
func (r *Repository) ConversationAddresses(ctx context.Context, a, b address.PublicKey) ([]address.PublicKey, error) {
	if a.IsZero() || b.IsZero() {
		return nil, validationError("conversation needs two identities")
	}
	scanned, _, err := r.ScanMessages(ctx)
	if err != nil {
		return nil, err
	}

	var out []address.PublicKey
	for _, m := range scanned {
		if (m.Sender == a && m.Recipient == b) || (m.Sender == b && m.Recipient == a) {
			out = append(out, m.Address)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out, nil
}

// SortNewestFirst orders by timestamp descending, then by address bytes.
func SortNewestFirst(messages []models.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp > messages[j].Timestamp
		}
		return messages[i].Address.Compare(messages[j].Address) < 0
	})
}

func (r *Repository) open(m models.Message) models.Message {
	if !m.IsEncrypted || r.opener == nil || m.Recipient != r.identity {
		return m
	}
	plaintext, err := r.opener.Open(m.Content)
	if err != nil {
		r.log.Debugw("repository: could not open encrypted message", "address", m.Address.String(), "error", err)
		return m
	}
	m.Content = plaintext
	return m
}

func messageFromAccount(addr address.PublicKey, account protocol.MessageAccount) models.Message {
	m := models.Message{
		Address:     addr,
		Sender:      account.Sender,
		Recipient:   account.Recipient,
		Content:     account.Content,
		Timestamp:   account.Timestamp,
		IsEncrypted: account.IsEncrypted,
		Status:      account.Status,
	}
	if account.GroupID != nil {
		m.GroupID = *account.GroupID
	}
	return m
}

func (r *Repository) submit(ctx context.Context, ix ledger.Instruction) (ledger.Signature, error) {
	sig, err := r.gateway.Submit(ctx, ix, r.wallet)
	if err == nil {
		return sig, nil
	}
	var subErr *ledger.SubmissionError
	if errors.As(err, &subErr) {
		return ledger.Signature{}, err
	}
	return ledger.Signature{}, &ledger.SubmissionError{Op: "submit", Err: err}
}
