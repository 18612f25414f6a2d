package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cctprelay/internal/cctp"
	"cctprelay/internal/relay"
)

// Config is the relayer configuration: service settings, the attestation service,
// polling overrides and the chains the relayer can reach.
type Config struct {
	Service     ServiceConfig     `mapstructure:"service"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Polling     PollingConfig     `mapstructure:"polling"`
	Chains      []ChainConfig     `mapstructure:"chains"`
	Signer      SignerConfig      `mapstructure:"signer"`
}

type ServiceConfig struct {
	HTTPPort            int           `mapstructure:"httpPort"`
	HMACSecret          string        `mapstructure:"hmacSecret"`
	HMACClockSkew       time.Duration `mapstructure:"hmacClockSkew"`
	RecordTTL           time.Duration `mapstructure:"recordTTL"`
	StaleRelayAfter     time.Duration `mapstructure:"staleRelayAfter"` // zero never restarts unfinished relays
	DLQPath             string        `mapstructure:"dlqPath"`
	Store               StoreConfig   `mapstructure:"store"`
	MaxConcurrentRelays int           `mapstructure:"maxConcurrentRelays"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdownTimeout"`
	LogLevel            string        `mapstructure:"logLevel"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver"` // memory, file, postgres or redis
	Path          string `mapstructure:"path"`
	DSN           string `mapstructure:"dsn"`
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`
}

type AttestationConfig struct {
	Environment       string        `mapstructure:"environment"` // production or sandbox
	BaseURL           string        `mapstructure:"baseURL"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond"`
	MaxRetries        int           `mapstructure:"maxRetries"`
}

// PollingConfig overrides the fast and standard presets.
type PollingConfig struct {
	Fast     relay.PollingPolicy `mapstructure:"fast"`
	Standard relay.PollingPolicy `mapstructure:"standard"`
}

type ChainConfig struct {
	Domain               uint32        `mapstructure:"domain"`
	Name                 string        `mapstructure:"name"`
	RPCURL               string        `mapstructure:"rpcURL"`
	MessageTransmitter   string        `mapstructure:"messageTransmitter"`
	MessageTransmitterV2 string        `mapstructure:"messageTransmitterV2"`
	ReceiptPollInterval  time.Duration `mapstructure:"receiptPollInterval"`
}

type SignerConfig struct {
	PrivateKey string `mapstructure:"privateKey"`
}

const (
	envPrefix         = "RELAYER"
	defaultConfigPath = "./relayer.yaml"
)

// Load reads the file named by RELAYER_CONFIG (default ./relayer.yaml) and applies
// RELAYER_* environment overrides, e.g. RELAYER_SIGNER_PRIVATEKEY.
func Load() (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()

	path := defaultConfigPath
	if val, ok := os.LookupEnv(envPrefix + "_CONFIG"); ok && val != "" {
		path = val
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path. A missing file leaves the defaults in place.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.httpPort", 3000)
	v.SetDefault("service.hmacSecret", "")
	v.SetDefault("service.hmacClockSkew", time.Minute)
	v.SetDefault("service.recordTTL", 24*time.Hour)
	v.SetDefault("service.staleRelayAfter", 2*time.Hour)
	v.SetDefault("service.dlqPath", "./dlq")
	v.SetDefault("service.store.driver", "file")
	v.SetDefault("service.store.path", "./data/relays.json")
	v.SetDefault("service.store.dsn", "")
	v.SetDefault("service.store.redisAddr", "")
	v.SetDefault("service.store.redisPassword", "")
	v.SetDefault("service.store.redisDB", 0)
	v.SetDefault("service.maxConcurrentRelays", 16)
	v.SetDefault("service.shutdownTimeout", 30*time.Second)
	v.SetDefault("service.logLevel", "info")

	v.SetDefault("attestation.environment", "production")
	v.SetDefault("attestation.baseURL", "")
	v.SetDefault("attestation.timeout", 30*time.Second)
	v.SetDefault("attestation.requestsPerSecond", 35)
	v.SetDefault("attestation.maxRetries", 3)

	fast, standard := relay.FastPolicy(), relay.StandardPolicy()
	v.SetDefault("polling.fast.maxAttempts", fast.MaxAttempts)
	v.SetDefault("polling.fast.interval", fast.Interval)
	v.SetDefault("polling.fast.jitter", fast.Jitter)
	v.SetDefault("polling.standard.maxAttempts", standard.MaxAttempts)
	v.SetDefault("polling.standard.interval", standard.Interval)
	v.SetDefault("polling.standard.jitter", standard.Jitter)

	v.SetDefault("signer.privateKey", "")
}

// Validate checks the settings the relayer cannot run without.
func (c *Config) Validate() error {
	if c.Service.HMACSecret == "" {
		return errors.New("service.hmacSecret is required")
	}
	if c.Service.MaxConcurrentRelays < 1 {
		return errors.New("service.maxConcurrentRelays must be at least 1")
	}
	switch c.Service.Store.Driver {
	case "memory":
	case "file":
		if c.Service.Store.Path == "" {
			return errors.New("service.store.path is required for the file store")
		}
	case "postgres":
		if c.Service.Store.DSN == "" {
			return errors.New("service.store.dsn is required for the postgres store")
		}
	case "redis":
		if c.Service.Store.RedisAddr == "" {
			return errors.New("service.store.redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Service.Store.Driver)
	}
	if err := c.Polling.Fast.Validate(); err != nil {
		return fmt.Errorf("polling.fast: %w", err)
	}
	if err := c.Polling.Standard.Validate(); err != nil {
		return fmt.Errorf("polling.standard: %w", err)
	}
	if stale := c.Service.StaleRelayAfter; stale != 0 {
		longest := max(c.Polling.Presets().For(cctp.FinalityFast).Budget(), c.Polling.Presets().For(0).Budget())
		if stale <= longest {
			return fmt.Errorf("service.staleRelayAfter must exceed the longest polling budget (%s)", longest)
		}
	}

	if len(c.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	seen := make(map[uint32]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if _, err := cctp.LookupDomain(cctp.Domain(ch.Domain)); err != nil {
			return fmt.Errorf("chains[%d]: %w", i, err)
		}
		if seen[ch.Domain] {
			return fmt.Errorf("chains[%d]: domain %d configured twice", i, ch.Domain)
		}
		seen[ch.Domain] = true
		if ch.RPCURL == "" {
			return fmt.Errorf("chains[%d]: rpcURL is required", i)
		}
		if ch.MessageTransmitter == "" && ch.MessageTransmitterV2 == "" {
			return fmt.Errorf("chains[%d]: a messageTransmitter address is required", i)
		}
		for _, addr := range []string{ch.MessageTransmitter, ch.MessageTransmitterV2} {
			if addr != "" && !common.IsHexAddress(addr) {
				return fmt.Errorf("chains[%d]: invalid address %q", i, addr)
			}
		}
	}
	return nil
}

// Chain returns the configuration of domain.
func (c *Config) Chain(domain cctp.Domain) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.Domain == uint32(domain) {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// Transmitter returns the MessageTransmitter address for a protocol version.
func (c ChainConfig) Transmitter(version cctp.Version) (common.Address, bool) {
	addr := c.MessageTransmitter
	if version == cctp.V2 {
		addr = c.MessageTransmitterV2
	}
	if addr == "" {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// Presets hands the configured policies to relay engines.
func (p PollingConfig) Presets() relay.Presets {
	return relay.Presets{Fast: p.Fast, Standard: p.Standard}
}
