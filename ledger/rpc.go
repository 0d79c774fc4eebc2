package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"ledgerchat/address"
)

const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"

	defaultConfirmInterval = 500 * time.Millisecond
)

var commitmentRank = map[string]int{
	CommitmentProcessed: 0,
	CommitmentConfirmed: 1,
	CommitmentFinalized: 2,
}

// ErrForeignSigner indicates an instruction that needs a signature other than
// the submitting wallet's.
var ErrForeignSigner = errors.New("ledger: instruction requires a foreign signer")

type RPCOptions struct {
	Endpoint   string
	ProgramID  address.PublicKey
	Commitment string
	// ConfirmInterval is the getSignatureStatuses polling period.
	ConfirmInterval time.Duration
	// ExactSizeFilter forwards size hints as dataSize filters. Off by default
	// because accounts are sized per content, so exact filters hide records.
	ExactSizeFilter bool
	Logger          *zap.SugaredLogger
}

// RPCClient is a Gateway backed by a ledger JSON-RPC endpoint.
type RPCClient struct {
	client          *rpc.Client
	programID       solana.PublicKey
	commitment      string
	confirmInterval time.Duration
	exactSize       bool
	log             *zap.SugaredLogger
}

func NewRPCClient(opts RPCOptions) *RPCClient {
	c := &RPCClient{
		client:          rpc.New(opts.Endpoint),
		programID:       solana.PublicKey(opts.ProgramID),
		commitment:      opts.Commitment,
		confirmInterval: opts.ConfirmInterval,
		exactSize:       opts.ExactSizeFilter,
		log:             opts.Logger,
	}
	if _, ok := commitmentRank[c.commitment]; !ok {
		c.commitment = CommitmentConfirmed
	}
	if c.confirmInterval <= 0 {
		c.confirmInterval = defaultConfirmInterval
	}
	if c.log == nil {
		c.log = zap.NewNop().Sugar()
	}
	return c
}

func (c *RPCClient) commitmentType() rpc.CommitmentType {
	return rpc.CommitmentType(c.commitment)
}

// ScanProgramAccounts lists every account owned by the chat program.
func (c *RPCClient) ScanProgramAccounts(ctx context.Context, sizeHint int) ([]KeyedAccount, error) {
	opts := &rpc.GetProgramAccountsOpts{
		Commitment: c.commitmentType(),
		Encoding:   solana.EncodingBase64,
	}
	if c.exactSize && sizeHint > 0 {
		opts.Filters = []rpc.RPCFilter{{DataSize: uint64(sizeHint)}}
	}

	result, err := c.client.GetProgramAccountsWithOpts(ctx, c.programID, opts)
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts: %w", err)
	}

	accounts := make([]KeyedAccount, 0, len(result))
	for _, entry := range result {
		if entry == nil || entry.Account == nil || entry.Account.Data == nil {
			continue
		}
		accounts = append(accounts, KeyedAccount{
			Address: address.PublicKey(entry.Pubkey),
			Data:    entry.Account.Data.GetBinary(),
		})
	}
	return accounts, nil
}

// FetchAccount returns the raw bytes of one account.
func (c *RPCClient) FetchAccount(ctx context.Context, addr address.PublicKey) ([]byte, bool, error) {
	result, err := c.client.GetAccountInfoWithOpts(ctx, solana.PublicKey(addr), &rpc.GetAccountInfoOpts{
		Commitment: c.commitmentType(),
		Encoding:   solana.EncodingBase64,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getAccountInfo %s: %w", addr, err)
	}
	if result == nil || result.Value == nil || result.Value.Data == nil {
		return nil, false, nil
	}
	return result.Value.Data.GetBinary(), true, nil
}

// buildTransaction compiles ix into a legacy transaction paid and signed by
// signer, which must be its only required signature.
func buildTransaction(ix Instruction, signer Signer, blockhash solana.Hash) (*solana.Transaction, Signature, error) {
	metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
	for _, meta := range ix.Accounts {
		metas = append(metas, solana.NewAccountMeta(solana.PublicKey(meta.PublicKey), meta.IsWritable, meta.IsSigner))
	}
	instruction := solana.NewInstruction(solana.PublicKey(ix.ProgramID), metas, ix.Data)

	tx, err := solana.NewTransaction(
		[]solana.Instruction{instruction},
		blockhash,
		solana.TransactionPayer(solana.PublicKey(signer.PublicKey())),
	)
	if err != nil {
		return nil, Signature{}, fmt.Errorf("compile transaction: %w", err)
	}
	if n := tx.Message.Header.NumRequiredSignatures; n != 1 {
		return nil, Signature{}, fmt.Errorf("%w: %d signatures required", ErrForeignSigner, n)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, Signature{}, fmt.Errorf("serialize message: %w", err)
	}
	raw, err := signer.Sign(message)
	if err != nil {
		return nil, Signature{}, fmt.Errorf("sign message: %w", err)
	}
	if len(raw) != SignatureSize {
		return nil, Signature{}, fmt.Errorf("%w: signer returned %d bytes", ErrInvalidSignature, len(raw))
	}

	var sig Signature
	copy(sig[:], raw)
	tx.Signatures = []solana.Signature{solana.Signature(sig)}
	return tx, sig, nil
}

// Submit signs ix, sends it and waits until it reaches the configured
// commitment. Every failure is returned as a *SubmissionError.
func (c *RPCClient) Submit(ctx context.Context, ix Instruction, signer Signer) (Signature, error) {
	latest, err := c.client.GetLatestBlockhash(ctx, c.commitmentType())
	if err != nil {
		return Signature{}, &SubmissionError{Op: "fetch blockhash", Err: err}
	}
	if latest == nil || latest.Value == nil {
		return Signature{}, &SubmissionError{Op: "fetch blockhash", Err: errors.New("empty getLatestBlockhash result")}
	}

	tx, sig, err := buildTransaction(ix, signer, latest.Value.Blockhash)
	if err != nil {
		return Signature{}, &SubmissionError{Op: "sign", Err: err}
	}

	returned, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		Encoding:            solana.EncodingBase64,
		PreflightCommitment: c.commitmentType(),
	})
	if err != nil {
		return Signature{}, &SubmissionError{Op: "send", Signature: sig, Err: err}
	}
	if Signature(returned) != sig {
		c.log.Warnw("ledger: endpoint returned unexpected signature", "expected", sig.String(), "returned", returned.String())
	}

	if err := c.waitConfirmed(ctx, sig); err != nil {
		return Signature{}, &SubmissionError{Op: "confirm", Signature: sig, Err: err}
	}
	c.log.Debugw("ledger: transaction confirmed", "signature", sig.String(), "commitment", c.commitment)
	return sig, nil
}

func (c *RPCClient) waitConfirmed(ctx context.Context, sig Signature) error {
	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()

	want := commitmentRank[c.commitment]
	for {
		result, err := c.client.GetSignatureStatuses(ctx, true, solana.Signature(sig))
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Debugw("ledger: status poll failed", "signature", sig.String(), "error", err)
		case result != nil && len(result.Value) > 0 && result.Value[0] != nil:
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
			}
			if rank, ok := commitmentRank[string(status.ConfirmationStatus)]; ok && rank >= want {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Gateway = (*RPCClient)(nil)

// IsTransactionFailure reports whether err came from the ledger rejecting a
// transaction rather than from transport.
func IsTransactionFailure(err error) bool {
	return errors.Is(err, ErrTransactionFailed)
}
