package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"ledgerchat/address"
)

const (
	boxKeyPEMType = "LEDGERCHAT BOX KEY"
	boxKeySize    = 32
	boxNonceSize  = 24
)

var (
	// ErrUnknownRecipientKey indicates no box key is on file for a recipient.
	ErrUnknownRecipientKey = errors.New("crypto: no box key for recipient")
	// ErrOpenFailed indicates a sealed payload that does not authenticate.
	ErrOpenFailed = errors.New("crypto: cannot open sealed payload")
)

// BoxKey is the Curve25519 keypair used to open content sealed to this client.
type BoxKey struct {
	Public  [boxKeySize]byte
	Private [boxKeySize]byte
}

// EncodedPublic is the base64 public key other clients add to their directory.
func (k *BoxKey) EncodedPublic() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

func GenerateBoxKey() (*BoxKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate box key: %w", err)
	}
	return &BoxKey{Public: *pub, Private: *priv}, nil
}

// EnsureBoxKey loads the box key from path, generating it if absent.
func EnsureBoxKey(path string) (*BoxKey, error) {
	key, err := LoadBoxKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateBoxKey()
	if err != nil {
		return nil, err
	}
	if err := SaveBoxKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

func LoadBoxKey(path string) (*BoxKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read box key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode box key PEM: no PEM block")
	}
	if block.Type != boxKeyPEMType {
		return nil, fmt.Errorf("decode box key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != boxKeySize {
		return nil, fmt.Errorf("decode box key PEM: invalid key size %d", len(block.Bytes))
	}

	key := &BoxKey{}
	copy(key.Private[:], block.Bytes)
	public, err := curve25519.X25519(key.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive box public key: %w", err)
	}
	copy(key.Public[:], public)
	return key, nil
}

func SaveBoxKey(path string, key *BoxKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create box key directory: %w", err)
	}
	block := &pem.Block{Type: boxKeyPEMType, Bytes: key.Private[:]}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write box key: %w", err)
	}
	return nil
}

// KeyDirectory maps ledger identities to the box public keys they published.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[address.PublicKey][boxKeySize]byte
}

func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[address.PublicKey][boxKeySize]byte)}
}

// LoadKeyDirectory reads a JSON object of base58 identity to base64 box key.
// A missing file yields an empty directory.
func LoadKeyDirectory(path string) (*KeyDirectory, error) {
	dir := NewKeyDirectory()
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return dir, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key directory: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse key directory: %w", err)
	}
	for identityText, keyText := range entries {
		identity, err := address.Parse(identityText)
		if err != nil {
			return nil, fmt.Errorf("key directory entry %q: %w", identityText, err)
		}
		if err := dir.AddEncoded(identity, keyText); err != nil {
			return nil, fmt.Errorf("key directory entry %q: %w", identityText, err)
		}
	}
	return dir, nil
}

// Add records the box public key of identity.
func (d *KeyDirectory) Add(identity address.PublicKey, boxPublic [boxKeySize]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[identity] = boxPublic
}

// AddEncoded records a base64 box public key.
func (d *KeyDirectory) AddEncoded(identity address.PublicKey, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode box key: %w", err)
	}
	if len(raw) != boxKeySize {
		return fmt.Errorf("invalid box key size %d", len(raw))
	}
	var key [boxKeySize]byte
	copy(key[:], raw)
	d.Add(identity, key)
	return nil
}

// SaveKeyDirectory writes dir in the format LoadKeyDirectory reads.
func SaveKeyDirectory(path string, dir *KeyDirectory) error {
	dir.mu.RLock()
	entries := make(map[string]string, len(dir.keys))
	for identity, key := range dir.keys {
		entries[identity.String()] = base64.StdEncoding.EncodeToString(key[:])
	}
	dir.mu.RUnlock()

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory dir: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write key directory: %w", err)
	}
	return nil
}

func (d *KeyDirectory) Lookup(identity address.PublicKey) ([boxKeySize]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.keys[identity]
	return key, ok
}

// BoxSealer seals content to recipients from a KeyDirectory and opens content
// sealed to its own BoxKey. Payloads are base64(ephemeralPublic || nonce || box).
type BoxSealer struct {
	directory *KeyDirectory
	key       *BoxKey
}

func NewBoxSealer(directory *KeyDirectory, key *BoxKey) *BoxSealer {
	if directory == nil {
		directory = NewKeyDirectory()
	}
	return &BoxSealer{directory: directory, key: key}
}

func (s *BoxSealer) Seal(recipient address.PublicKey, plaintext string) (string, error) {
	recipientKey, ok := s.directory.Lookup(recipient)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRecipientKey, recipient)
	}

	ephemeralPublic, ephemeralPrivate, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", err)
	}
	var nonce [boxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, boxKeySize+boxNonceSize+len(plaintext)+box.Overhead)
	out = append(out, ephemeralPublic[:]...)
	out = append(out, nonce[:]...)
	out = box.Seal(out, []byte(plaintext), &nonce, &recipientKey, ephemeralPrivate)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *BoxSealer) Open(ciphertext string) (string, error) {
	if s.key == nil {
		return "", fmt.Errorf("%w: no box key loaded", ErrOpenFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}
	if len(raw) < boxKeySize+boxNonceSize+box.Overhead {
		return "", fmt.Errorf("%w: payload too short", ErrOpenFailed)
	}

	var ephemeralPublic [boxKeySize]byte
	var nonce [boxNonceSize]byte
	copy(ephemeralPublic[:], raw[:boxKeySize])
	copy(nonce[:], raw[boxKeySize:boxKeySize+boxNonceSize])

	plaintext, ok := box.Open(nil, raw[boxKeySize+boxNonceSize:], &nonce, &ephemeralPublic, &s.key.Private)
	if !ok {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}
