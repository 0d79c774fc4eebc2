package repository

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ledgerchat/address"
	"ledgerchat/ledger"
)

const (
	// MessageSizeHint and GroupSizeHint are the approximate account sizes
	// passed to scans. They narrow nothing unless the gateway applies them.
	MessageSizeHint = 300
	GroupSizeHint   = 200
)

// ErrValidation indicates input rejected before any ledger I/O.
var ErrValidation = errors.New("repository: validation failed")

// Sealer encrypts outbound content for one recipient.
type Sealer interface {
	Seal(recipient address.PublicKey, plaintext string) (string, error)
}

// Opener decrypts content addressed to the local wallet.
type Opener interface {
	Open(ciphertext string) (string, error)
}

type Options struct {
	Gateway   ledger.Gateway
	Wallet    ledger.Signer
	ProgramID address.PublicKey
	Sealer    Sealer
	Opener    Opener
	Now       func() time.Time
	Logger    *zap.SugaredLogger
}

// Repository turns chat operations into program instructions and scanned
// accounts back into chat records. It holds no mutable state.
type Repository struct {
	gateway   ledger.Gateway
	wallet    ledger.Signer
	identity  address.PublicKey
	programID address.PublicKey
	sealer    Sealer
	opener    Opener
	now       func() time.Time
	log       *zap.SugaredLogger
}

func New(opts Options) (*Repository, error) {
	if opts.Gateway == nil {
		return nil, errors.New("repository: gateway is required")
	}
	if opts.Wallet == nil {
		return nil, errors.New("repository: wallet is required")
	}
	if opts.ProgramID.IsZero() {
		return nil, errors.New("repository: program id is required")
	}

	r := &Repository{
		gateway:   opts.Gateway,
		wallet:    opts.Wallet,
		identity:  opts.Wallet.PublicKey(),
		programID: opts.ProgramID,
		sealer:    opts.Sealer,
		opener:    opts.Opener,
		now:       opts.Now,
		log:       opts.Logger,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	return r, nil
}

// Identity returns the wallet public key that signs every submission.
func (r *Repository) Identity() address.PublicKey {
	return r.identity
}

func (r *Repository) ProgramID() address.PublicKey {
	return r.programID
}

func (r *Repository) nowMillis() uint64 {
	return uint64(r.now().UnixMilli())
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ScanReport counts what one best-effort scan did with each account.
type ScanReport struct {
	Accounts      int
	Filtered      int
	Skipped       int
	Uninitialized int
	Decoded       int
}
