package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "ledgerchat"
	// DefaultRPCURL is the ledger JSON-RPC endpoint used without overrides.
	DefaultRPCURL = "https://api.devnet.solana.com"
	// DefaultNetwork names the cluster DefaultRPCURL points at.
	DefaultNetwork = "devnet"
	// DefaultProgramID is a placeholder; deployments set SOLANA_CHAT_PROGRAM_ID.
	DefaultProgramID = "ChatProgramPubkey11111111111111111111111111"
	// DefaultWSURL is the push relay endpoint.
	DefaultWSURL = "wss://solana-chat-ws.example.com"
	// DefaultPollingIntervalMs is the fallback re-list period.
	DefaultPollingIntervalMs = 30000
	// DefaultSubmitTimeoutMs bounds one submission including confirmation.
	DefaultSubmitTimeoutMs = 60000
	// DefaultCommitment is the confirmation level submissions wait for.
	DefaultCommitment = "confirmed"

	envFileName    = ".env"
	configFileName = "config.json"
)

// Environment keys. The first six match the web client's variable names.
const (
	EnvRPCURL           = "SOLANA_RPC_URL"
	EnvNetwork          = "SOLANA_NETWORK"
	EnvProgramID        = "SOLANA_CHAT_PROGRAM_ID"
	EnvWSURL            = "WS_URL"
	EnvEnableEncryption = "ENABLE_ENCRYPTION"
	EnvEnableWebSocket  = "ENABLE_WEBSOCKET"
	EnvPollingInterval  = "POLLING_INTERVAL"
	EnvCommitment       = "LEDGERCHAT_COMMITMENT"
	EnvSubmitTimeoutMs  = "LEDGERCHAT_SUBMIT_TIMEOUT_MS"
	EnvDataDir          = "LEDGERCHAT_DATA_DIR"
)

var ErrInvalidValue = errors.New("config: invalid value")

// ClientConfig contains persistent client settings. Environment overrides
// are applied on load and never written back.
type ClientConfig struct {
	ClientID          string `json:"client_id"`
	RPCURL            string `json:"rpc_url"`
	Network           string `json:"network"`
	ProgramID         string `json:"program_id"`
	WSURL             string `json:"ws_url"`
	EnableEncryption  bool   `json:"enable_encryption"`
	EnableWebSocket   bool   `json:"enable_websocket"`
	RelayDiscovery    bool   `json:"relay_discovery"`
	PollingIntervalMs int    `json:"polling_interval_ms"`
	SubmitTimeoutMs   int    `json:"submit_timeout_ms"`
	Commitment        string `json:"commitment"`
	DisableAutoRead   bool   `json:"disable_auto_read"`
	WalletKeyPath     string `json:"wallet_key_path"`
	BoxKeyPath        string `json:"box_key_path"`
	KeyDirectoryPath  string `json:"key_directory_path"`

	DataDir string `json:"-"`
}

// PollInterval returns the poll period as a duration.
func (c *ClientConfig) PollInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// SubmitTimeout returns the submission timeout as a duration.
func (c *ClientConfig) SubmitTimeout() time.Duration {
	return time.Duration(c.SubmitTimeoutMs) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LEDGERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads config.json. Fields missing from the file keep their defaults.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := baseDefaults()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures directories and config exist, then applies .env files
// and environment overrides.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = baseDefaults()
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	default:
		if normalizeDefaults(cfg, dataDir) {
			if err := Save(cfgPath, cfg); err != nil {
				return nil, "", err
			}
		}
	}
	cfg.DataDir = dataDir

	if err := loadEnvFiles(filepath.Join(dataDir, envFileName), envFileName); err != nil {
		return nil, "", err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *ClientConfig) error {
	setString(&cfg.RPCURL, EnvRPCURL)
	setString(&cfg.Network, EnvNetwork)
	setString(&cfg.ProgramID, EnvProgramID)
	setString(&cfg.WSURL, EnvWSURL)
	setString(&cfg.Commitment, EnvCommitment)

	if err := setBool(&cfg.EnableEncryption, EnvEnableEncryption); err != nil {
		return err
	}
	if err := setBool(&cfg.EnableWebSocket, EnvEnableWebSocket); err != nil {
		return err
	}
	if err := setPositiveInt(&cfg.PollingIntervalMs, EnvPollingInterval); err != nil {
		return err
	}
	return setPositiveInt(&cfg.SubmitTimeoutMs, EnvSubmitTimeoutMs)
}

// loadEnvFiles loads each existing file. Variables already set in the process
// environment win.
func loadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setBool(dst *bool, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
	}
	*dst = parsed
	return nil
}

func setPositiveInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fmt.Errorf("%w: %s=%q", ErrInvalidValue, key, value)
	}
	*dst = parsed
	return nil
}

func baseDefaults() *ClientConfig {
	return &ClientConfig{
		RPCURL:            DefaultRPCURL,
		Network:           DefaultNetwork,
		ProgramID:         DefaultProgramID,
		WSURL:             DefaultWSURL,
		EnableEncryption:  true,
		EnableWebSocket:   true,
		PollingIntervalMs: DefaultPollingIntervalMs,
		SubmitTimeoutMs:   DefaultSubmitTimeoutMs,
		Commitment:        DefaultCommitment,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	fill := func(dst *string, value string) {
		if *dst == "" {
			*dst = value
			updated = true
		}
	}
	fill(&cfg.ClientID, uuid.NewString())
	fill(&cfg.RPCURL, DefaultRPCURL)
	fill(&cfg.Network, DefaultNetwork)
	fill(&cfg.ProgramID, DefaultProgramID)
	fill(&cfg.WSURL, DefaultWSURL)
	fill(&cfg.Commitment, DefaultCommitment)
	fill(&cfg.WalletKeyPath, filepath.Join(keysDir, "wallet.pem"))
	fill(&cfg.BoxKeyPath, filepath.Join(keysDir, "box_private.pem"))
	fill(&cfg.KeyDirectoryPath, filepath.Join(keysDir, "directory.json"))

	if cfg.PollingIntervalMs <= 0 {
		cfg.PollingIntervalMs = DefaultPollingIntervalMs
		updated = true
	}
	if cfg.SubmitTimeoutMs <= 0 {
		cfg.SubmitTimeoutMs = DefaultSubmitTimeoutMs
		updated = true
	}
	return updated
}
