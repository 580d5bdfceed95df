// Package config loads the chatd configuration: a YAML file over built-in
// defaults, with an optional SSM Parameter Store overlay for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the daemon configuration
type Config struct {
	// UserID is the local user this daemon runs the session for
	UserID string `yaml:"user_id"`

	// DevMode replaces NATS, S3 and Redis with in-process backends
	DevMode bool `yaml:"dev_mode"`

	LogLevel string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	MasterKey MasterKeyConfig `yaml:"master_key"`
	NATS      NATSConfig      `yaml:"nats"`
	S3        S3Config        `yaml:"s3"`
	Redis     RedisConfig     `yaml:"redis"`
	Identity  IdentityConfig  `yaml:"identity"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Keys      KeysConfig      `yaml:"keys"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Health    HealthConfig    `yaml:"health"`
	SSM       SSMConfig       `yaml:"ssm"`

	// Communities lists the communities to join at startup with their members
	Communities map[string][]string `yaml:"communities"`
}

// StoreConfig holds local database settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// MasterKeyConfig selects where the at-rest master key comes from.
// Source is "file" or "kms".
type MasterKeyConfig struct {
	Source     string `yaml:"source"`
	Path       string `yaml:"path"`
	KMSKeyID   string `yaml:"kms_key_id"`
	SealedPath string `yaml:"sealed_path"`
	Region     string `yaml:"region"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	ClockSubject    string `yaml:"clock_subject"`
}

// S3Config holds blob bucket settings
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisConfig holds key directory settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IdentityConfig holds routing identity settings
type IdentityConfig struct {
	RoutingSalt string `yaml:"routing_salt"`
}

// OutboxConfig holds outbox flush settings
type OutboxConfig struct {
	FlushInterval int `yaml:"flush_interval_seconds"`
	BatchSize     int `yaml:"batch_size"`
}

// KeysConfig holds group key settings
type KeysConfig struct {
	RefreshInterval int `yaml:"refresh_interval_seconds"`
	CacheTTL        int `yaml:"cache_ttl_seconds"`
	EstablishWait   int `yaml:"establish_wait_ms"`
	ClaimLease      int `yaml:"claim_lease_ms"`
}

// FetchConfig holds blob fetch settings
type FetchConfig struct {
	Timeout       int `yaml:"timeout_ms"`
	RetryInterval int `yaml:"retry_interval_ms"`
	MaxBackoff    int `yaml:"max_backoff_ms"`
}

// HealthConfig holds health endpoint settings
type HealthConfig struct {
	Port int `yaml:"port"`
}

// SSMConfig enables the Parameter Store overlay when Prefix is set
type SSMConfig struct {
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path: "/var/lib/securechat/chat.db",
		},
		MasterKey: MasterKeyConfig{
			Source:     "file",
			Path:       "/var/lib/securechat/master.key",
			SealedPath: "/var/lib/securechat/master.key.sealed",
			Region:     "us-east-1",
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			CredentialsFile: "/etc/securechat/nats.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
			ClockSubject:    "chat.clock",
		},
		S3: S3Config{
			Bucket:    "securechat-blobs",
			Region:    "us-east-1",
			KeyPrefix: "blobs/",
		},
		Redis: RedisConfig{
			Addr:      "127.0.0.1:6379",
			KeyPrefix: "securechat:",
		},
		Outbox: OutboxConfig{
			FlushInterval: 30,
			BatchSize:     100,
		},
		Keys: KeysConfig{
			RefreshInterval: 3600,
			CacheTTL:        3600,
			EstablishWait:   5000,
			ClaimLease:      2000,
		},
		Fetch: FetchConfig{
			Timeout:       10000,
			RetryInterval: 5000,
			MaxBackoff:    300000,
		},
		Health: HealthConfig{
			Port: 8080,
		},
		SSM: SSMConfig{
			Region: "us-east-1",
		},
	}
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidConfig)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("%w: store.path is required", ErrInvalidConfig)
	}
	switch c.MasterKey.Source {
	case "file":
		if c.MasterKey.Path == "" {
			return fmt.Errorf("%w: master_key.path is required for the file source", ErrInvalidConfig)
		}
	case "kms":
		if c.MasterKey.KMSKeyID == "" || c.MasterKey.SealedPath == "" {
			return fmt.Errorf("%w: master_key.kms_key_id and sealed_path are required for the kms source", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown master_key.source %q", ErrInvalidConfig, c.MasterKey.Source)
	}

	intervals := map[string]int{
		"outbox.flush_interval_seconds": c.Outbox.FlushInterval,
		"outbox.batch_size":             c.Outbox.BatchSize,
		"keys.refresh_interval_seconds": c.Keys.RefreshInterval,
		"keys.cache_ttl_seconds":        c.Keys.CacheTTL,
		"keys.establish_wait_ms":        c.Keys.EstablishWait,
		"keys.claim_lease_ms":           c.Keys.ClaimLease,
		"fetch.timeout_ms":              c.Fetch.Timeout,
		"fetch.retry_interval_ms":       c.Fetch.RetryInterval,
		"fetch.max_backoff_ms":          c.Fetch.MaxBackoff,
	}
	for name, v := range intervals {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}

	if !c.DevMode && c.Identity.RoutingSalt == "" {
		return fmt.Errorf("%w: identity.routing_salt is required outside dev mode", ErrInvalidConfig)
	}
	return nil
}

func (c *OutboxConfig) FlushEvery() time.Duration { return time.Duration(c.FlushInterval) * time.Second }

func (c *KeysConfig) RefreshEvery() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c *KeysConfig) CacheTTLDuration() time.Duration { return time.Duration(c.CacheTTL) * time.Second }

func (c *KeysConfig) EstablishWaitDuration() time.Duration {
	return time.Duration(c.EstablishWait) * time.Millisecond
}

func (c *KeysConfig) ClaimLeaseDuration() time.Duration {
	return time.Duration(c.ClaimLease) * time.Millisecond
}

func (c *FetchConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

func (c *FetchConfig) RetryEvery() time.Duration {
	return time.Duration(c.RetryInterval) * time.Millisecond
}

func (c *FetchConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff) * time.Millisecond
}

func (c *NATSConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(c.ReconnectWait) * time.Millisecond
}
