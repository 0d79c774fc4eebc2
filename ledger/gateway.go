package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"

	"ledgerchat/address"
)

// SignatureSize is the byte length of an Ed25519 transaction signature.
const SignatureSize = 64

var (
	// ErrTransactionFailed indicates the ledger executed and rejected a transaction.
	ErrTransactionFailed = errors.New("ledger: transaction failed")
	// ErrInvalidSignature indicates text that is not a 64-byte base58 signature.
	ErrInvalidSignature = errors.New("ledger: invalid signature")
)

// Signature identifies a submitted transaction.
type Signature [SignatureSize]byte

func (s Signature) String() string {
	return base58.Encode(s[:])
}

func (s Signature) IsZero() bool {
	return s == Signature{}
}

func ParseSignature(text string) (Signature, error) {
	var sig Signature
	raw, err := base58.Decode(text)
	if err != nil {
		return sig, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureSize {
		return sig, fmt.Errorf("%w: got %d bytes", ErrInvalidSignature, len(raw))
	}
	copy(sig[:], raw)
	return sig, nil
}

// AccountMeta describes how an instruction touches one account.
type AccountMeta struct {
	PublicKey  address.PublicKey
	IsSigner   bool
	IsWritable bool
}

// Instruction is a program invocation ready for submission.
type Instruction struct {
	ProgramID address.PublicKey
	Accounts  []AccountMeta
	Data      []byte
}

// KeyedAccount is one program-owned account returned by a scan.
type KeyedAccount struct {
	Address address.PublicKey
	Data    []byte
}

// Signer holds the wallet key that authorizes submissions.
type Signer interface {
	PublicKey() address.PublicKey
	Sign(message []byte) ([]byte, error)
}

// Gateway is the ledger boundary used by the repository.
//
// ScanProgramAccounts treats sizeHint as advisory; implementations may ignore
// it and return every program-owned account. FetchAccount reports false when
// the account does not exist.
type Gateway interface {
	ScanProgramAccounts(ctx context.Context, sizeHint int) ([]KeyedAccount, error)
	FetchAccount(ctx context.Context, addr address.PublicKey) ([]byte, bool, error)
	Submit(ctx context.Context, ix Instruction, signer Signer) (Signature, error)
}

// SubmissionError wraps any failure between building a transaction and its
// confirmation.
type SubmissionError struct {
	Op        string
	Signature Signature
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Signature.IsZero() {
		return fmt.Sprintf("ledger: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger: %s %s: %v", e.Op, e.Signature, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
