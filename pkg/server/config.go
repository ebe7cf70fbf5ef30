package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sigweihq/x402treasury/pkg/config"
	"github.com/sigweihq/x402treasury/pkg/constants"
	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvAddr           = "X402_ADDR"
	EnvDatabasePath   = "X402_DB_PATH"
	EnvChainID        = "X402_CHAIN_ID"
	EnvContract       = "X402_SETTLEMENT_CONTRACT"
	EnvRPCURLs        = "X402_RPC_URLS"
	EnvExecutorKey    = "X402_EXECUTOR_KEY"
	EnvAgentURL       = "X402_AGENT_URL"
	EnvPremiumAmount  = "X402_PREMIUM_AMOUNT"
	EnvRateLimitRPS   = "X402_RATE_LIMIT_RPS"
	EnvRateLimitBurst = "X402_RATE_LIMIT_BURST"
)

// Config holds the API server and settlement settings
type Config struct {
	Addr         string `yaml:"addr"`
	DatabasePath string `yaml:"database_path"` // empty keeps intents in memory

	ChainID      int64    `yaml:"chain_id"`
	Contract     string   `yaml:"settlement_contract"` // empty disables broadcasting
	RPCEndpoints []string `yaml:"rpc_endpoints"`
	ExecutorKey  string   `yaml:"-"` // environment only

	AgentURL      string `yaml:"agent_url"` // empty uses the built-in rule evaluator
	PremiumAmount string `yaml:"premium_amount"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// File is the layout of the YAML configuration file
type File struct {
	Payments config.Config `yaml:"payments"`
	Server   Config        `yaml:"server"`
}

func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		DatabasePath:   "x402treasury.db",
		ChainID:        constants.NetworkToChainID[constants.DefaultNetwork],
		RPCEndpoints:   constants.OfficialRPCEndpoints[constants.DefaultNetwork],
		RateLimitRPS:   10,
		RateLimitBurst: 20,
	}
}

// LoadFile reads both configuration sections from a YAML file on top of the defaults
func LoadFile(path string) (config.Config, Config, error) {
	f := File{Payments: config.Default(), Server: DefaultConfig()}

	data, err := os.ReadFile(path)
	if err != nil {
		return f.Payments, f.Server, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f.Payments, f.Server, fmt.Errorf("parse config %q: %w", path, err)
	}
	return f.Payments, f.Server, nil
}

// ConfigFromEnv overlays the process environment on base
func ConfigFromEnv(base Config) (Config, error) {
	return ConfigFromLookup(base, os.LookupEnv)
}

func ConfigFromLookup(base Config, lookup func(string) (string, bool)) (Config, error) {
	cfg := base

	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvAddr, &cfg.Addr)
	set(EnvDatabasePath, &cfg.DatabasePath)
	set(EnvContract, &cfg.Contract)
	set(EnvExecutorKey, &cfg.ExecutorKey)
	set(EnvAgentURL, &cfg.AgentURL)
	set(EnvPremiumAmount, &cfg.PremiumAmount)

	if v, ok := lookup(EnvRPCURLs); ok && v != "" {
		cfg.RPCEndpoints = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.RPCEndpoints = append(cfg.RPCEndpoints, u)
			}
		}
	}
	if v, ok := lookup(EnvChainID); ok && v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvChainID, err)
		}
		cfg.ChainID = n
	}
	if v, ok := lookup(EnvRateLimitRPS); ok && v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvRateLimitRPS, err)
		}
		cfg.RateLimitRPS = f
	}
	if v, ok := lookup(EnvRateLimitBurst); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("%s: %w", EnvRateLimitBurst, err)
		}
		cfg.RateLimitBurst = n
	}

	return cfg, nil
}
