package relay

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	defaultDispatchTimeout = 60 * time.Second
	defaultFreeLimit       = 10
	defaultPricingURL      = "https://fixci.dev/pricing"
	defaultBillingURL      = "https://fixci.dev/billing"
)

var defaultOverageCharge = decimal.RequireFromString("0.10")

// Config is the top-level relay configuration.
type Config struct {
	Backends []BackendConfig `yaml:"backends"`
	Tiers    []TierPolicy    `yaml:"tiers"`
	Dispatch DispatchConfig  `yaml:"dispatch"`
	Billing  BillingConfig   `yaml:"billing"`
}

// BackendConfig configures a single text-generation backend.
type BackendConfig struct {
	Name    string  `yaml:"name"`
	Model   string  `yaml:"model"`
	Auth    Auth    `yaml:"auth"`
	BaseURL string  `yaml:"base_url"`
	Keyless bool    `yaml:"keyless"` // credentials are ambient (e.g. a platform binding)
	Pricing Pricing `yaml:"pricing"`
}

// Available reports whether the backend has credentials present.
func (b BackendConfig) Available() bool {
	return b.Keyless || b.Auth.APIKey != ""
}

// DispatchConfig tunes the provider dispatcher.
type DispatchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Health  HealthConfig  `yaml:"health"`
}

// BillingConfig tunes quota accounting.
type BillingConfig struct {
	// OverageChargeUSD is nil when unset; an explicit "0" disables the charge.
	OverageChargeUSD *decimal.Decimal `yaml:"overage_charge_usd"`
	FreeLimit        int64            `yaml:"free_limit"`
	PricingURL       string           `yaml:"pricing_url"`
	BillingURL       string           `yaml:"billing_url"`
	ReservationLease time.Duration    `yaml:"reservation_lease"`
}

// OverageCharge returns the configured per-unit overage charge, or the
// built-in default when none is set.
func (b BillingConfig) OverageCharge() decimal.Decimal {
	if b.OverageChargeUSD == nil {
		return defaultOverageCharge
	}
	return *b.OverageChargeUSD
}

// DefaultConfig returns a config with no backends and the built-in tiers.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("relay: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes, expanding ${VAR} references.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("relay: parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTiers()
	}
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = defaultDispatchTimeout
	}
	if c.Billing.OverageChargeUSD == nil {
		charge := defaultOverageCharge
		c.Billing.OverageChargeUSD = &charge
	}
	if c.Billing.FreeLimit <= 0 {
		c.Billing.FreeLimit = defaultFreeLimit
	}
	if c.Billing.PricingURL == "" {
		c.Billing.PricingURL = defaultPricingURL
	}
	if c.Billing.BillingURL == "" {
		c.Billing.BillingURL = defaultBillingURL
	}
	if c.Billing.ReservationLease <= 0 {
		c.Billing.ReservationLease = DefaultReservationLease
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	names := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("relay: config: backends[%d]: name is required", i)
		}
		if b.Name == BackendsAll {
			return fmt.Errorf("relay: config: backends[%d]: name %q is reserved", i, b.Name)
		}
		if names[b.Name] {
			return fmt.Errorf("relay: config: duplicate backend %q", b.Name)
		}
		names[b.Name] = true
		if b.Pricing.InputPerMTok.IsNegative() || b.Pricing.OutputPerMTok.IsNegative() {
			return fmt.Errorf("relay: config: backend %q: pricing must not be negative", b.Name)
		}
	}

	tiers := make(map[Tier]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		if !t.Tier.Valid() {
			return fmt.Errorf("relay: config: tiers[%d]: invalid tier %q", i, t.Tier)
		}
		if tiers[t.Tier] {
			return fmt.Errorf("relay: config: duplicate tier %q", t.Tier)
		}
		tiers[t.Tier] = true
		if t.MonthlyLimit != nil && *t.MonthlyLimit < 0 {
			return fmt.Errorf("relay: config: tier %q: monthly_limit must be >= 0", t.Tier)
		}
		if len(t.AllowedBackends) == 0 {
			return fmt.Errorf("relay: config: tier %q: allowed_backends is required", t.Tier)
		}
	}
	if !tiers[TierFree] {
		return fmt.Errorf("relay: config: the %q tier is required", TierFree)
	}

	if c.Billing.OverageCharge().IsNegative() {
		return fmt.Errorf("relay: config: overage_charge_usd must not be negative")
	}
	return nil
}
