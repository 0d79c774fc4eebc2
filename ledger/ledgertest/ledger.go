// Package ledgertest provides an in-memory Gateway that applies chat program
// instructions the way the deployed program does.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ledgerchat/address"
	"ledgerchat/ledger"
	"ledgerchat/protocol"
)

// AccountSlack is the zero padding appended to stored accounts.
const AccountSlack = 16

var (
	ErrInjected        = errors.New("ledgertest: injected submission failure")
	errInvalidArgument = errors.New("invalid argument")
	errAccountInUse    = errors.New("account already in use")
	errMissingSigner   = errors.New("missing required signature")
	errUnauthorized    = errors.New("unauthorized")
	errMessageTooLong  = errors.New("message too long")
	errNotFound        = errors.New("account not found")
)

// Ledger is a concurrency-safe fake ledger holding program-owned accounts.
type Ledger struct {
	ProgramID address.PublicKey
	// Now is the program clock used to derive group ids.
	Now func() time.Time

	mu       sync.Mutex
	accounts map[address.PublicKey][]byte
	failures []error
	submits  int
	scans    int
	txSeq    uint64
}

func New(programID address.PublicKey) *Ledger {
	return &Ledger{
		ProgramID: programID,
		Now:       time.Now,
		accounts:  make(map[address.PublicKey][]byte),
	}
}

// FailNext makes the next n submissions fail with err (ErrInjected when nil).
func (l *Ledger) FailNext(n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < n; i++ {
		l.failures = append(l.failures, err)
	}
}

// PutAccount stores raw bytes under addr, bypassing instruction checks.
func (l *Ledger) PutAccount(addr address.PublicKey, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = append([]byte(nil), data...)
}

// Account returns a copy of the stored bytes.
func (l *Ledger) Account(addr address.PublicKey) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.accounts[addr]
	return append([]byte(nil), data...), ok
}

// Submits counts accepted and rejected Submit calls.
func (l *Ledger) Submits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

// Scans counts ScanProgramAccounts calls.
func (l *Ledger) Scans() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scans
}

// ScanProgramAccounts returns every account sorted by address. The size hint
// is ignored, like an endpoint queried without a dataSize filter.
func (l *Ledger) ScanProgramAccounts(ctx context.Context, _ int) ([]ledger.KeyedAccount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.scans++

	out := make([]ledger.KeyedAccount, 0, len(l.accounts))
	for addr, data := range l.accounts {
		out = append(out, ledger.KeyedAccount{Address: addr, Data: append([]byte(nil), data...)})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Compare(out[j].Address) < 0
	})
	return out, nil
}

func (l *Ledger) FetchAccount(ctx context.Context, addr address.PublicKey) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, ok := l.Account(addr)
	if !ok {
		return nil, false, nil
	}
	return data, true, nil
}

// Submit applies ix atomically. Rejections surface as *ledger.SubmissionError.
func (l *Ledger) Submit(ctx context.Context, ix ledger.Instruction, signer ledger.Signer) (ledger.Signature, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Signature{}, &ledger.SubmissionError{Op: "send", Err: err}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++

	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return ledger.Signature{}, &ledger.SubmissionError{Op: "send", Err: err}
	}

	sig := l.nextSignature(ix)
	if err := l.apply(ix, signer.PublicKey()); err != nil {
		return ledger.Signature{}, &ledger.SubmissionError{
			Op:        "confirm",
			Signature: sig,
			Err:       fmt.Errorf("%w: %v", ledger.ErrTransactionFailed, err),
		}
	}
	return sig, nil
}

func (l *Ledger) nextSignature(ix ledger.Instruction) ledger.Signature {
	l.txSeq++
	h := sha256.New()
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], l.txSeq)
	h.Write(seq[:])
	h.Write(ix.Data)
	sum := h.Sum(nil)

	var sig ledger.Signature
	copy(sig[:32], sum)
	copy(sig[32:], sum)
	sig[63] ^= 0xff
	return sig
}

func (l *Ledger) apply(ix ledger.Instruction, payer address.PublicKey) error {
	if ix.ProgramID != l.ProgramID {
		return fmt.Errorf("%w: program id %s", errInvalidArgument, ix.ProgramID)
	}
	decoded, err := protocol.DecodeInstruction(ix.Data)
	if err != nil {
		return fmt.Errorf("invalid instruction data: %v", err)
	}
	if len(ix.Accounts) < 2 {
		return fmt.Errorf("%w: not enough account keys", errInvalidArgument)
	}
	signer := ix.Accounts[0]
	if !signer.IsSigner || signer.PublicKey != payer {
		return errMissingSigner
	}

	switch op := decoded.(type) {
	case protocol.SendMessage:
		return l.sendMessage(ix, op)
	case protocol.CreateGroup:
		return l.createGroup(ix, op)
	case protocol.UpdateMessageStatus:
		return l.updateStatus(ix, op)
	default:
		return fmt.Errorf("%w: unsupported instruction", errInvalidArgument)
	}
}

func (l *Ledger) sendMessage(ix ledger.Instruction, op protocol.SendMessage) error {
	if len(op.Content) > protocol.MaxContentLength {
		return errMessageTooLong
	}
	if len(ix.Accounts) < 5 {
		return fmt.Errorf("%w: send message needs 5 accounts", errInvalidArgument)
	}
	sender := ix.Accounts[0].PublicKey
	target := ix.Accounts[1].PublicKey
	recipient := ix.Accounts[2].PublicKey

	expected, _, err := address.MessageAddress(l.ProgramID, sender, recipient, op.Timestamp)
	if err != nil || expected != target {
		return fmt.Errorf("%w: message address mismatch", errInvalidArgument)
	}
	if !ix.Accounts[1].IsWritable {
		return fmt.Errorf("%w: message account not writable", errInvalidArgument)
	}
	if _, exists := l.accounts[target]; exists {
		return errAccountInUse
	}

	l.store(target, protocol.EncodeMessageAccount(protocol.MessageAccount{
		IsInitialized: true,
		Sender:        sender,
		Recipient:     recipient,
		Content:       op.Content,
		Timestamp:     op.Timestamp,
		IsEncrypted:   op.IsEncrypted,
		Status:        protocol.StatusSent,
		GroupID:       op.GroupID,
	}))
	return nil
}

// createGroup creates a new group when the target account is empty and
// otherwise replaces the participant list of the existing group.
func (l *Ledger) createGroup(ix ledger.Instruction, op protocol.CreateGroup) error {
	signer := ix.Accounts[0].PublicKey
	target := ix.Accounts[1].PublicKey

	if existing, ok := l.accounts[target]; ok {
		group, err := protocol.DecodeGroupAccount(existing)
		if err != nil {
			return fmt.Errorf("%w: corrupt group account", errInvalidArgument)
		}
		if !contains(group.Participants, signer) {
			return errUnauthorized
		}
		if len(op.Participants) == 0 {
			return fmt.Errorf("%w: empty participant list", errInvalidArgument)
		}
		group.Participants = op.Participants
		l.store(target, protocol.EncodeGroupAccount(group))
		return nil
	}

	createdAt := uint64(l.Now().UnixMilli())
	id := protocol.GroupID(signer, createdAt)
	expected, _, err := address.GroupAddress(l.ProgramID, id)
	if err != nil || expected != target {
		return fmt.Errorf("%w: group address mismatch", errInvalidArgument)
	}

	participants := op.Participants
	if !contains(participants, signer) {
		participants = append([]address.PublicKey{signer}, participants...)
	}
	l.store(target, protocol.EncodeGroupAccount(protocol.GroupAccount{
		IsInitialized: true,
		ID:            id,
		Name:          op.Name,
		Participants:  participants,
		CreatedAt:     createdAt,
		Creator:       signer,
	}))
	return nil
}

func (l *Ledger) updateStatus(ix ledger.Instruction, op protocol.UpdateMessageStatus) error {
	signer := ix.Accounts[0].PublicKey
	target := ix.Accounts[1].PublicKey

	existing, ok := l.accounts[target]
	if !ok {
		return errNotFound
	}
	message, err := protocol.DecodeMessageAccount(existing)
	if err != nil {
		return fmt.Errorf("%w: corrupt message account", errInvalidArgument)
	}
	if signer != message.Recipient && signer != message.Sender {
		return errUnauthorized
	}
	if !message.Status.CanAdvanceTo(op.Status) {
		return fmt.Errorf("%w: status %s cannot move to %s", errInvalidArgument, message.Status, op.Status)
	}
	message.Status = op.Status
	l.store(target, protocol.EncodeMessageAccount(message))
	return nil
}

func (l *Ledger) store(addr address.PublicKey, encoded []byte) {
	l.accounts[addr] = append(encoded, make([]byte, AccountSlack)...)
}

func contains(keys []address.PublicKey, key address.PublicKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

var _ ledger.Gateway = (*Ledger)(nil)
