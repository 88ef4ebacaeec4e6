// Package params defines the registry node's configurable parameters along
// with default values and override hooks used in tests and at startup.
package params

import (
	"sync"
	"time"
)

// RegistryConfig contains every recognized configuration option of the
// registry node and its effects on the attestation, batching, anchoring,
// reputation, and federation subsystems. The yaml file shape lives in
// fileConfig.
type RegistryConfig struct {
	// RegistryID identifies this node inside the federation.
	RegistryID string

	// Batching.
	BatchSize int // Seal threshold for the Merkle batcher.

	// Anchoring.
	AnchoringEnabled  bool
	BitcoinEnabled    bool
	BitcoinNetwork    string // mainnet | testnet
	BitcoinPrivateKey string
	BitcoinRPCURL     string
	EthereumEnabled   bool
	EthereumNetwork   string
	EthereumPrivKey   string
	EthereumRPCURL    string
	ConfirmInterval   time.Duration

	// Anchoring retry policy.
	RetryBaseDelay time.Duration
	RetryFactor    float64
	MaxRetries     int

	// Federation.
	Peers        []string // Seed peer list, "registryID=endpoint" entries.
	SyncInterval time.Duration
	SyncRate     int64 // Outbound sync requests per second across all peers.

	// Reputation & rate limiting.
	RateLimitWindow  time.Duration
	RateLimitCap     int64
	MinInterval      time.Duration
	RefusalThreshold float64
	ScoreDecayPerDay float64
}

var (
	registryConfig = DefaultRegistryConfig()
	configLock     sync.RWMutex
)

// DefaultRegistryConfig returns the config every option defaults to when not
// overridden by a flag or config file.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		RegistryID:       "pohw-registry",
		BatchSize:        1000,
		AnchoringEnabled: false,
		BitcoinNetwork:   "testnet",
		EthereumNetwork:  "sepolia",
		ConfirmInterval:  30 * time.Second,
		RetryBaseDelay:   time.Second,
		RetryFactor:      2,
		MaxRetries:       3,
		SyncInterval:     time.Minute,
		SyncRate:         10,
		RateLimitWindow:  time.Minute,
		RateLimitCap:     60,
		MinInterval:      100 * time.Millisecond,
		RefusalThreshold: 10,
		ScoreDecayPerDay: 5,
	}
}

// RegistryConfigSnapshot retrieves the current config.
func RegistryConfigSnapshot() *RegistryConfig {
	configLock.RLock()
	defer configLock.RUnlock()
	return registryConfig
}

// OverrideRegistryConfig replaces the process-wide config. Tests use this
// together with SetupTestConfigCleanup to restore defaults.
func OverrideRegistryConfig(c *RegistryConfig) {
	configLock.Lock()
	defer configLock.Unlock()
	registryConfig = c
}

// Copy returns a deep copy of the config.
func (c *RegistryConfig) Copy() *RegistryConfig {
	dup := *c
	dup.Peers = append([]string{}, c.Peers...)
	return &dup
}
