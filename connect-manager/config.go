package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the connect manager configuration
type Config struct {
	// UserGUID identifies the vault owner on the wire
	UserGUID string `yaml:"user_guid"`

	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Auth configuration
	Auth AuthConfig `yaml:"auth"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
}

// StorageConfig holds local database settings
type StorageConfig struct {
	Path      string `yaml:"path"`
	KeyFile   string `yaml:"key_file"` // 32-byte DEK
	CacheSize int    `yaml:"cache_size"`
}

// AuthConfig holds step-up authentication settings
type AuthConfig struct {
	// PasscodeHashFile holds the Argon2id hash and salt for the
	// fallback passcode path
	PasscodeHashFile string `yaml:"passcode_hash_file"`
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
		NATS: NATSConfig{
			URL:             "nats://nats.internal.vettid.dev:4222",
			CredentialsFile: "/etc/vettid/nats.creds",
			ReconnectWait:   2000,
			MaxReconnects:   -1, // Unlimited
		},
		Storage: StorageConfig{
			Path:      "/var/lib/vettid/connections.db",
			KeyFile:   "/etc/vettid/connections.key",
			CacheSize: 256,
		},
		Auth: AuthConfig{
			PasscodeHashFile: "/etc/vettid/passcode.hash",
		},
	}
}
