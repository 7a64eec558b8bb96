// Package btcpaysim is a small stand-in for BTCPay Server. It implements the
// part of the Greenfield API the vending machine uses, signs webhook
// deliveries the way BTCPay does, and lets a bench operator pay invoices.
package btcpaysim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the simulator configuration
type Config struct {
	Server struct {
		Port    int  `yaml:"port"`
		Verbose bool `yaml:"verbose"`
	} `yaml:"server"`

	Store struct {
		ID            string `yaml:"id"`
		APIKey        string `yaml:"api_key"`
		InvoiceExpiry string `yaml:"invoice_expiry"`
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"store"`

	Webhooks struct {
		URL        string `yaml:"url"`
		ID         string `yaml:"id"`
		Secret     string `yaml:"secret"`
		Timeout    string `yaml:"timeout"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"webhooks"`
}

// ParsedConfig contains parsed time.Duration values for easier use
type ParsedConfig struct {
	Config
	InvoiceExpiry  time.Duration
	SweepInterval  time.Duration
	WebhookTimeout time.Duration
}

func defaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8090
	cfg.Store.ID = "vending-store"
	cfg.Store.InvoiceExpiry = "15m"
	cfg.Store.SweepInterval = "5s"
	cfg.Webhooks.ID = "sim-webhook"
	cfg.Webhooks.Timeout = "5s"
	cfg.Webhooks.MaxRetries = 3
	return cfg
}

// LoadConfig loads configuration from a YAML file. A missing file yields the
// defaults.
func LoadConfig(path string) (*ParsedConfig, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(cfg)
}

func parseConfig(cfg Config) (*ParsedConfig, error) {
	invoiceExpiry, err := time.ParseDuration(cfg.Store.InvoiceExpiry)
	if err != nil {
		return nil, fmt.Errorf("invalid invoice_expiry: %w", err)
	}
	sweepInterval, err := time.ParseDuration(cfg.Store.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	webhookTimeout, err := time.ParseDuration(cfg.Webhooks.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook timeout: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if sweepInterval <= 0 || invoiceExpiry <= 0 {
		return nil, fmt.Errorf("invalid configuration: invoice_expiry and sweep_interval must be positive")
	}

	return &ParsedConfig{
		Config:         cfg,
		InvoiceExpiry:  invoiceExpiry,
		SweepInterval:  sweepInterval,
		WebhookTimeout: webhookTimeout,
	}, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if cfg.Store.ID == "" {
		return fmt.Errorf("store id is required")
	}
	if cfg.Webhooks.MaxRetries < 0 {
		return fmt.Errorf("webhook max_retries must be non-negative")
	}
	return nil
}
