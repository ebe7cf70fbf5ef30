package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coinbase/x402/go/pkg/coinbasefacilitator"
	x402types "github.com/coinbase/x402/go/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"github.com/sigweihq/x402treasury/pkg/types"
	"github.com/sigweihq/x402treasury/pkg/utils"
	"gopkg.in/yaml.v3"
)

var ErrMissingRecipient = errors.New("challenge recipient is not configured")

// Config is the process-wide payment middleware configuration.
// It is read once at startup and never mutated afterwards.
type Config struct {
	Enabled            bool         `yaml:"enabled"`
	FacilitatorURL     string       `yaml:"facilitator_url"`
	FallbackURLs       []string     `yaml:"fallback_facilitator_urls,omitempty"`
	ChallengeRecipient string       `yaml:"challenge_recipient"`
	ChallengeAmount    string       `yaml:"challenge_amount"`
	ChallengeAsset     string       `yaml:"challenge_asset"`
	Network            string       `yaml:"network"`
	Scheme             types.Scheme `yaml:"scheme"`
	TimeoutSeconds     int          `yaml:"timeout_seconds"`

	// FacilitatorTimeout bounds each verify/settle call
	FacilitatorTimeout time.Duration `yaml:"facilitator_timeout"`

	// CDP credentials; when both are set the Coinbase hosted facilitator is used
	CDPAPIKeyID     string `yaml:"cdp_api_key_id,omitempty"`
	CDPAPIKeySecret string `yaml:"cdp_api_key_secret,omitempty"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Enabled:            false,
		FacilitatorURL:     constants.DefaultFacilitatorURL,
		ChallengeAmount:    constants.DefaultChallengeAmount,
		ChallengeAsset:     constants.DefaultChallengeAsset,
		Network:            constants.DefaultNetwork,
		Scheme:             constants.DefaultScheme,
		TimeoutSeconds:     constants.DefaultTimeoutSeconds,
		FacilitatorTimeout: constants.FacilitatorTimeout,
	}
}

// LoadYAML reads a YAML configuration file on top of Default
func LoadYAML(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that must hold whenever the middleware is enabled
func (c Config) Validate() error {
	if c.ChallengeRecipient == "" {
		return ErrMissingRecipient
	}
	if !c.Scheme.Valid() {
		return fmt.Errorf("unsupported scheme %q", c.Scheme)
	}
	if c.Network == "" {
		return errors.New("network is not configured")
	}
	if err := utils.ValidateIntegerAmount(c.ChallengeAmount); err != nil {
		return fmt.Errorf("challenge amount: %w", err)
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout seconds must be positive, got %d", c.TimeoutSeconds)
	}
	if !c.UsesCDP() {
		if err := utils.ValidateFacilitatorURL(c.FacilitatorURL); err != nil {
			return err
		}
		for _, u := range c.FallbackURLs {
			if err := utils.ValidateFacilitatorURL(u); err != nil {
				return err
			}
		}
	}
	return nil
}

// UsesCDP reports whether CDP credentials are configured
func (c Config) UsesCDP() bool {
	return c.CDPAPIKeyID != "" && c.CDPAPIKeySecret != ""
}

// FacilitatorConfigs returns one facilitator configuration per endpoint, in failover order
func (c Config) FacilitatorConfigs() []*x402types.FacilitatorConfig {
	timeout := c.FacilitatorTimeout
	if timeout <= 0 {
		timeout = constants.FacilitatorTimeout
	}

	if c.UsesCDP() {
		cfg := coinbasefacilitator.CreateFacilitatorConfig(c.CDPAPIKeyID, c.CDPAPIKeySecret)
		cfg.Timeout = func() time.Duration { return timeout }
		return []*x402types.FacilitatorConfig{cfg}
	}

	urls := append([]string{c.FacilitatorURL}, c.FallbackURLs...)
	configs := make([]*x402types.FacilitatorConfig, 0, len(urls))
	for _, url := range urls {
		if url == "" {
			continue
		}
		configs = append(configs, &x402types.FacilitatorConfig{
			URL:     url,
			Timeout: func() time.Duration { return timeout },
		})
	}
	return configs
}

// PricingOverride replaces the configured default price for a single resource
type PricingOverride struct {
	Amount string
}

// NoOverride is the zero override
var NoOverride = PricingOverride{}

// Price returns a PricingOverride for the given smallest-unit amount
func Price(amount string) PricingOverride {
	return PricingOverride{Amount: amount}
}

// Resolve applies the override over the configured default
func (o PricingOverride) Resolve(defaultAmount string) string {
	if o.Amount != "" {
		return o.Amount
	}
	return defaultAmount
}

// Validate checks that a non-empty override is a non-negative integer
func (o PricingOverride) Validate() error {
	if o.Amount == "" {
		return nil
	}
	return utils.ValidateIntegerAmount(o.Amount)
}
