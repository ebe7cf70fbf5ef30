package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sigweihq/x402treasury/pkg/types"
)

// Environment variable names
const (
	EnvEnabled            = "X402_ENABLED"
	EnvFacilitatorURL     = "X402_FACILITATOR_URL"
	EnvFallbackURLs       = "X402_FALLBACK_FACILITATOR_URLS"
	EnvChallengeRecipient = "X402_CHALLENGE_RECIPIENT"
	EnvChallengeAmount    = "X402_CHALLENGE_AMOUNT"
	EnvChallengeAsset     = "X402_CHALLENGE_ASSET"
	EnvNetwork            = "X402_NETWORK"
	EnvScheme             = "X402_SCHEME"
	EnvTimeoutSeconds     = "X402_TIMEOUT_SECONDS"
	EnvFacilitatorTimeout = "X402_FACILITATOR_TIMEOUT"
	EnvCDPAPIKeyID        = "CDP_API_KEY_ID"
	EnvCDPAPIKeySecret    = "CDP_API_KEY_SECRET"
)

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. Variables already set in the environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// FromEnv builds a Config from the process environment on top of base
func FromEnv(base Config) (Config, error) {
	return FromLookup(base, os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source on top of base
func FromLookup(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base

	if v, ok := lookup(EnvEnabled); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvEnabled, err)
		}
		cfg.Enabled = enabled
	}
	setString(lookup, EnvFacilitatorURL, &cfg.FacilitatorURL)
	setString(lookup, EnvChallengeRecipient, &cfg.ChallengeRecipient)
	setString(lookup, EnvChallengeAmount, &cfg.ChallengeAmount)
	setString(lookup, EnvChallengeAsset, &cfg.ChallengeAsset)
	setString(lookup, EnvNetwork, &cfg.Network)
	setString(lookup, EnvCDPAPIKeyID, &cfg.CDPAPIKeyID)
	setString(lookup, EnvCDPAPIKeySecret, &cfg.CDPAPIKeySecret)

	if v, ok := lookup(EnvScheme); ok && v != "" {
		cfg.Scheme = types.Scheme(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvFallbackURLs); ok && v != "" {
		cfg.FallbackURLs = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.FallbackURLs = append(cfg.FallbackURLs, u)
			}
		}
	}
	if v, ok := lookup(EnvTimeoutSeconds); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvTimeoutSeconds, err)
		}
		cfg.TimeoutSeconds = n
	}
	if v, ok := lookup(EnvFacilitatorTimeout); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvFacilitatorTimeout, err)
		}
		cfg.FacilitatorTimeout = d
	}

	return cfg, nil
}

func setString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok && v != "" {
		*dst = strings.TrimSpace(v)
	}
}
