// Package config loads the ledgerd daemon configuration from a YAML
// file with environment overrides. Secret seeds are never part of the
// file; they come from the environment (optionally via a .env file).
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/pkg/logger"
)

const envPrefix = "HOURLEDGER_"

// NetworkConfig locates the ledger network API.
type NetworkConfig struct {
	URL       string `yaml:"url"`
	StreamURL string `yaml:"streamUrl"`
}

// CurrencyEntry is one currency the daemon operates.
type CurrencyEntry struct {
	Code                         string              `yaml:"code"`
	Rate                         domain.Rate         `yaml:"rate"`
	ExternalTraderInitialCredit  string              `yaml:"externalTraderInitialCredit"`
	ExternalTraderMaximumBalance string              `yaml:"externalTraderMaximumBalance"`
	Data                         domain.CurrencyData `yaml:"data"`
}

// Config returns the engine configuration of the entry.
func (e CurrencyEntry) Config() domain.CurrencyConfig {
	return domain.CurrencyConfig{
		Code:                         e.Code,
		Rate:                         e.Rate,
		ExternalTraderInitialCredit:  e.ExternalTraderInitialCredit,
		ExternalTraderMaximumBalance: e.ExternalTraderMaximumBalance,
	}
}

// Config is the full daemon configuration.
type Config struct {
	Network    NetworkConfig   `yaml:"network"`
	HomeDomain string          `yaml:"homeDomain"`
	StateDir   string          `yaml:"stateDir"`
	Log        logger.Config   `yaml:"log"`
	Currencies []CurrencyEntry `yaml:"currencies"`
}

// Load reads the configuration file and applies environment overrides.
// A .env file next to the working directory is honoured when present.
func Load(path string) (*Config, error) {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	cfg := &Config{
		StateDir: "data/state",
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}

	if v := os.Getenv(envPrefix + "NETWORK_URL"); v != "" {
		cfg.Network.URL = v
	}
	if v := os.Getenv(envPrefix + "STREAM_URL"); v != "" {
		cfg.Network.StreamURL = v
	}
	if v := os.Getenv(envPrefix + "STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Network.URL == "" {
		return errors.New("network.url is required")
	}
	for _, entry := range c.Currencies {
		if err := entry.Config().Validate(); err != nil {
			return errors.Wrapf(err, "currency %s", entry.Code)
		}
		if entry.Data.IssuerPublicKey == "" || entry.Data.ExternalTraderPublicKey == "" {
			return errors.Errorf("currency %s is missing its on-ledger identities", entry.Code)
		}
	}
	return nil
}

// SponsorSeed returns the sponsor's secret seed from the environment.
func SponsorSeed() (string, error) {
	return seedFromEnv(envPrefix + "SPONSOR_SEED")
}

// TraderSeed returns a currency's bridge trader seed from the
// environment, keyed by currency code.
func TraderSeed(code string) (string, error) {
	return seedFromEnv(envPrefix + strings.ToUpper(code) + "_TRADER_SEED")
}

func seedFromEnv(name string) (string, error) {
	seed := strings.TrimSpace(os.Getenv(name))
	if seed == "" {
		return "", errors.Errorf("%s is not set", name)
	}
	return seed, nil
}
