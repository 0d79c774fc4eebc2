package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ledgerchat/address"
)

const walletPEMType = "LEDGERCHAT WALLET KEY"

// Wallet holds the Ed25519 key that identifies this client on the ledger.
type Wallet struct {
	private  ed25519.PrivateKey
	identity address.PublicKey
}

// NewWallet wraps an existing Ed25519 private key.
func NewWallet(private ed25519.PrivateKey) (*Wallet, error) {
	if len(private) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(private), ed25519.PrivateKeySize)
	}
	identity, err := address.FromBytes(private.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Wallet{private: private, identity: identity}, nil
}

// WalletFromSeed derives a wallet deterministically from a 32-byte seed.
func WalletFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid Ed25519 seed length: got %d want %d", len(seed), ed25519.SeedSize)
	}
	return NewWallet(ed25519.NewKeyFromSeed(seed))
}

// GenerateWallet creates a wallet with a fresh random key.
func GenerateWallet() (*Wallet, error) {
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return NewWallet(private)
}

// LoadOrCreateWallet loads the wallet key from path, generating it on first run.
func LoadOrCreateWallet(path string) (*Wallet, error) {
	wallet, err := LoadWallet(path)
	if err == nil {
		return wallet, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	wallet, err = GenerateWallet()
	if err != nil {
		return nil, err
	}
	if err := SaveWallet(path, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// LoadWallet reads a wallet PEM file holding the 32-byte Ed25519 seed.
func LoadWallet(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode wallet PEM: no PEM block")
	}
	if block.Type != walletPEMType {
		return nil, fmt.Errorf("decode wallet PEM: unexpected type %q", block.Type)
	}
	return WalletFromSeed(block.Bytes)
}

// SaveWallet writes the wallet seed as PEM with 0600 permissions.
func SaveWallet(path string, wallet *Wallet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create wallet directory: %w", err)
	}
	block := &pem.Block{
		Type:  walletPEMType,
		Bytes: wallet.private.Seed(),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write wallet key: %w", err)
	}
	return nil
}

// PublicKey returns the wallet identity.
func (w *Wallet) PublicKey() address.PublicKey {
	return w.identity
}

// Sign signs a serialized transaction message.
func (w *Wallet) Sign(message []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("message is required")
	}
	return ed25519.Sign(w.private, message), nil
}

// Fingerprint returns the grouped fingerprint of the wallet identity.
func (w *Wallet) Fingerprint() string {
	return FormatFingerprint(KeyFingerprint(w.identity))
}

// Verify checks an Ed25519 signature made by identity.
func Verify(identity address.PublicKey, data, signature []byte) bool {
	if len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(identity[:], data, signature)
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of an identity.
func KeyFingerprint(identity address.PublicKey) string {
	sum := sha256.Sum256(identity[:])
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint groups fingerprint text in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
