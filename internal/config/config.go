// config.go - Configuration for the wallet client and the devnet ledger node.
//
// Files ending in .yaml or .yml are read as YAML, everything else as JSON.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/token"
)

// Config represents the application configuration
type Config struct {
	// Pool
	TreeDepth int `json:"tree_depth" yaml:"tree_depth"`
	// Fees overrides the fee schedule of the named tokens.
	Fees map[string]token.FeeSchedule `json:"fees,omitempty" yaml:"fees,omitempty"`

	// Ledger node
	ListenAddr   string `json:"listen_addr" yaml:"listen_addr"`
	LedgerPath   string `json:"ledger_path" yaml:"ledger_path"`
	VerifyProofs bool   `json:"verify_proofs" yaml:"verify_proofs"`
	RateLimit    int    `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateBurst    int    `json:"rate_limit_burst" yaml:"rate_limit_burst"`

	// Wallet
	LedgerURL string `json:"ledger_url" yaml:"ledger_url"`
	DataDir   string `json:"data_dir" yaml:"data_dir"`
	KeyFile   string `json:"key_file" yaml:"key_file"`
	KeyDir    string `json:"key_dir" yaml:"key_dir"`

	// Operations
	ProverRetries             int `json:"prover_retries" yaml:"prover_retries"`
	ProverBackoffMillis       int `json:"prover_backoff_millis" yaml:"prover_backoff_millis"`
	PollIntervalMillis        int `json:"poll_interval_millis" yaml:"poll_interval_millis"`
	MaxWaitSeconds            int `json:"max_wait_seconds" yaml:"max_wait_seconds"`
	PendingLockTimeoutSeconds int `json:"pending_lock_timeout_seconds" yaml:"pending_lock_timeout_seconds"`
	ScanWorkers               int `json:"scan_workers" yaml:"scan_workers"`

	// Logging
	LogLevel     string `json:"log_level" yaml:"log_level"`
	LogFile      string `json:"log_file" yaml:"log_file"`
	EnableAudit  bool   `json:"enable_audit" yaml:"enable_audit"`
	AuditLogPath string `json:"audit_log_path" yaml:"audit_log_path"`

	// Metrics and health
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		TreeDepth:                 20,
		ListenAddr:                "127.0.0.1:8645",
		LedgerPath:                "ledger.json",
		VerifyProofs:              true,
		RateLimit:                 5,
		RateBurst:                 10,
		LedgerURL:                 "http://127.0.0.1:8645",
		DataDir:                   "wallet",
		KeyFile:                   "account.key",
		KeyDir:                    "keys",
		ProverRetries:             2,
		ProverBackoffMillis:       500,
		PollIntervalMillis:        200,
		MaxWaitSeconds:            120,
		PendingLockTimeoutSeconds: 900,
		ScanWorkers:               4,
		LogLevel:                  "info",
		LogFile:                   "shieldpool.log",
		EnableAudit:               true,
		AuditLogPath:              "audit.log",
		MetricsAddr:               "127.0.0.1:9645",
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		config := DefaultConfig()
		if err := SaveConfig(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// missing keys keep their defaults
	config := DefaultConfig()
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(configPath) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.TreeDepth <= 0 || c.TreeDepth > 32 {
		return fmt.Errorf("tree_depth must be in 1..32")
	}
	if c.ProverRetries < 0 {
		return fmt.Errorf("prover_retries must not be negative")
	}
	if c.PollIntervalMillis <= 0 {
		return fmt.Errorf("poll_interval_millis must be positive")
	}
	if c.MaxWaitSeconds <= 0 {
		return fmt.Errorf("max_wait_seconds must be positive")
	}
	if c.PendingLockTimeoutSeconds < 0 {
		return fmt.Errorf("pending_lock_timeout_seconds must not be negative")
	}
	if c.ScanWorkers <= 0 {
		return fmt.Errorf("scan_workers must be positive")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return fmt.Errorf("rate_limit_per_second and rate_limit_burst must be positive")
	}
	for name := range c.Fees {
		if _, err := token.Parse(name); err != nil {
			return fmt.Errorf("fees: %w", err)
		}
	}
	return nil
}

// Orchestrator returns the operation timing settings.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		ProverRetries: c.ProverRetries,
		ProverBackoff: time.Duration(c.ProverBackoffMillis) * time.Millisecond,
		PollInterval:  time.Duration(c.PollIntervalMillis) * time.Millisecond,
		MaxWait:       time.Duration(c.MaxWaitSeconds) * time.Second,
		LockTimeout:   time.Duration(c.PendingLockTimeoutSeconds) * time.Second,
	}
}

// ApplyFees installs the configured fee overrides in the token table.
func (c *Config) ApplyFees() error {
	for name, fees := range c.Fees {
		id, err := token.Parse(name)
		if err != nil {
			return err
		}
		if err := token.SetFees(id, fees); err != nil {
			return err
		}
	}
	return nil
}

// StorePath is the note store database directory.
func (c *Config) StorePath() string { return filepath.Join(c.DataDir, "notes.db") }

// KeyPath is the wallet's account key file.
func (c *Config) KeyPath() string {
	if filepath.IsAbs(c.KeyFile) {
		return c.KeyFile
	}
	return filepath.Join(c.DataDir, c.KeyFile)
}

// ProvingKeyPath and VerifyingKeyPath locate the Groth16 keys.
func (c *Config) ProvingKeyPath() string { return filepath.Join(c.KeyDir, "transaction.pk") }

func (c *Config) VerifyingKeyPath() string { return filepath.Join(c.KeyDir, "transaction.vk") }
