package params

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// fileConfig is the yaml shape of a config file. Options are pointers so an
// absent key keeps its default; durations are human-readable strings.
type fileConfig struct {
	RegistryID        *string  `yaml:"registry_id"`
	BatchSize         *int     `yaml:"batch_size"`
	AnchoringEnabled  *bool    `yaml:"anchoring_enabled"`
	BitcoinEnabled    *bool    `yaml:"bitcoin_enabled"`
	BitcoinNetwork    *string  `yaml:"bitcoin_network"`
	BitcoinPrivateKey *string  `yaml:"bitcoin_private_key"`
	BitcoinRPCURL     *string  `yaml:"bitcoin_rpc_url"`
	EthereumEnabled   *bool    `yaml:"ethereum_enabled"`
	EthereumNetwork   *string  `yaml:"ethereum_network"`
	EthereumPrivKey   *string  `yaml:"ethereum_private_key"`
	EthereumRPCURL    *string  `yaml:"ethereum_rpc_url"`
	ConfirmInterval   *string  `yaml:"confirm_interval"`
	RetryBaseDelay    *string  `yaml:"retry_base_delay"`
	RetryFactor       *float64 `yaml:"retry_factor"`
	MaxRetries        *int     `yaml:"max_retries"`
	Peers             []string `yaml:"peers"`
	SyncInterval      *string  `yaml:"sync_interval"`
	SyncRate          *int64   `yaml:"sync_rate"`
	RateLimitWindow   *string  `yaml:"rate_limit_window"`
	RateLimitCap      *int64   `yaml:"rate_limit_cap"`
	MinIntervalMs     *int64   `yaml:"min_interval_ms"`
	RefusalThreshold  *float64 `yaml:"refusal_threshold"`
	ScoreDecayPerDay  *float64 `yaml:"score_decay_per_day"`
}

// LoadConfigFile reads a yaml config file, layers it over the defaults, and
// installs the result as the process-wide config.
func LoadConfigFile(path string) error {
	yamlFile, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}
	file := &fileConfig{}
	if err := yaml.UnmarshalStrict(yamlFile, file); err != nil {
		return errors.Wrap(err, "could not parse config yaml")
	}
	conf := DefaultRegistryConfig()
	if err := file.apply(conf); err != nil {
		return err
	}
	log.WithField("path", path).Info("Loaded registry config file")
	OverrideRegistryConfig(conf)
	return nil
}

func (f *fileConfig) apply(conf *RegistryConfig) error {
	setString(f.RegistryID, &conf.RegistryID)
	setInt(f.BatchSize, &conf.BatchSize)
	setBool(f.AnchoringEnabled, &conf.AnchoringEnabled)
	setBool(f.BitcoinEnabled, &conf.BitcoinEnabled)
	setString(f.BitcoinNetwork, &conf.BitcoinNetwork)
	setString(f.BitcoinPrivateKey, &conf.BitcoinPrivateKey)
	setString(f.BitcoinRPCURL, &conf.BitcoinRPCURL)
	setBool(f.EthereumEnabled, &conf.EthereumEnabled)
	setString(f.EthereumNetwork, &conf.EthereumNetwork)
	setString(f.EthereumPrivKey, &conf.EthereumPrivKey)
	setString(f.EthereumRPCURL, &conf.EthereumRPCURL)
	if f.RetryFactor != nil {
		conf.RetryFactor = *f.RetryFactor
	}
	setInt(f.MaxRetries, &conf.MaxRetries)
	if f.Peers != nil {
		conf.Peers = f.Peers
	}
	if f.SyncRate != nil {
		conf.SyncRate = *f.SyncRate
	}
	if f.RateLimitCap != nil {
		conf.RateLimitCap = *f.RateLimitCap
	}
	if f.RefusalThreshold != nil {
		conf.RefusalThreshold = *f.RefusalThreshold
	}
	if f.ScoreDecayPerDay != nil {
		conf.ScoreDecayPerDay = *f.ScoreDecayPerDay
	}
	for _, d := range []struct {
		key string
		raw *string
		dst *time.Duration
	}{
		{"confirm_interval", f.ConfirmInterval, &conf.ConfirmInterval},
		{"retry_base_delay", f.RetryBaseDelay, &conf.RetryBaseDelay},
		{"sync_interval", f.SyncInterval, &conf.SyncInterval},
		{"rate_limit_window", f.RateLimitWindow, &conf.RateLimitWindow},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return errors.Wrapf(err, "could not parse %s", d.key)
		}
		*d.dst = parsed
	}
	if f.MinIntervalMs != nil {
		conf.MinInterval = time.Duration(*f.MinIntervalMs) * time.Millisecond
	}
	return nil
}

func setString(src *string, dst *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(src *int, dst *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(src *bool, dst *bool) {
	if src != nil {
		*dst = *src
	}
}

// SetupTestConfigCleanup preserves the current config and restores it when
// the test completes.
func SetupTestConfigCleanup(t interface{ Cleanup(func()) }) {
	prev := RegistryConfigSnapshot()
	t.Cleanup(func() {
		OverrideRegistryConfig(prev)
	})
}
