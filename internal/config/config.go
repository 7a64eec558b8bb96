package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

// Driver names accepted for the hardware and payment gateways.
const (
	DriverMock   = "mock"
	DriverMDB    = "mdb"
	DriverBTCPay = "btcpay"

	HistoryNone   = "none"
	HistoryMemory = "memory"
	HistorySQLite = "sqlite"
)

// Config mirrors the YAML configuration file.
type Config struct {
	Server struct {
		Port    int  `yaml:"port"`
		Verbose bool `yaml:"verbose"`
	} `yaml:"server"`

	StandaloneMode bool `yaml:"standalone_mode"`

	Vending struct {
		Currency          string `yaml:"currency"`
		MinPrice          string `yaml:"min_price"`
		MaxPrice          string `yaml:"max_price"`
		PaymentWindow     string `yaml:"payment_window"`
		DispenseWindow    string `yaml:"dispense_window"`
		ErrorHold         string `yaml:"error_hold"`
		DescriptionFormat string `yaml:"description_format"`
		QueueSize         int    `yaml:"queue_size"`
	} `yaml:"vending"`

	Hardware struct {
		Driver       string `yaml:"driver"`
		SerialPort   string `yaml:"serial_port"`
		BaudRate     int    `yaml:"baud_rate"`
		ReadTimeout  string `yaml:"read_timeout"`
		PollInterval string `yaml:"poll_interval"`
		PriceScale   int    `yaml:"price_scale"`
		Retries      int    `yaml:"retries"`
	} `yaml:"hardware"`

	Payment struct {
		Driver            string            `yaml:"driver"`
		ServerURL         string            `yaml:"server_url"`
		StoreID           string            `yaml:"store_id"`
		APIKey            string            `yaml:"api_key"`
		WebhookSecret     string            `yaml:"webhook_secret"`
		PaymentMethod     string            `yaml:"payment_method"`
		PollInterval      string            `yaml:"poll_interval"`
		RequestsPerSecond float64           `yaml:"requests_per_second"`
		StatusVocabulary  map[string]string `yaml:"status_vocabulary"`
		MockSettleAfter   string            `yaml:"mock_settle_after"`
	} `yaml:"payment"`

	Gateway struct {
		CallTimeout string `yaml:"call_timeout"`
	} `yaml:"gateway"`

	Health struct {
		Interval         string `yaml:"interval"`
		ReconnectBackoff string `yaml:"reconnect_backoff"`
	} `yaml:"health"`

	Watchdog struct {
		StallThreshold string `yaml:"stall_threshold"`
	} `yaml:"watchdog"`

	History struct {
		Driver          string `yaml:"driver"`
		Path            string `yaml:"path"`
		MaxAge          string `yaml:"max_age"`
		CleanupInterval string `yaml:"cleanup_interval"`
	} `yaml:"history"`

	Telemetry struct {
		OTLPEndpoint   string `yaml:"otlp_endpoint"`
		ExportInterval string `yaml:"export_interval"`
	} `yaml:"telemetry"`
}

// ParsedConfig carries the typed values derived from Config.
type ParsedConfig struct {
	Config

	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	PaymentWindow    time.Duration
	DispenseWindow   time.Duration
	ErrorHold        time.Duration
	SerialTimeout    time.Duration
	HardwarePoll     time.Duration
	PaymentPoll      time.Duration
	MockSettleAfter  time.Duration
	CallTimeout      time.Duration
	HealthInterval   time.Duration
	ReconnectBackoff time.Duration
	StallThreshold   time.Duration
	HistoryMaxAge    time.Duration
	HistoryCleanup   time.Duration
	ExportInterval   time.Duration
	StatusVocabulary map[string]models.InvoiceStatus
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.StandaloneMode = true

	cfg.Vending.Currency = "EUR"
	cfg.Vending.MinPrice = "0.50"
	cfg.Vending.MaxPrice = "100.00"
	cfg.Vending.PaymentWindow = "5m"
	cfg.Vending.DispenseWindow = "5s"
	cfg.Vending.ErrorHold = "3s"
	cfg.Vending.DescriptionFormat = "Vending Machine Item #%s"
	cfg.Vending.QueueSize = 64

	cfg.Hardware.Driver = DriverMDB
	cfg.Hardware.SerialPort = "/dev/ttyAMA0"
	cfg.Hardware.BaudRate = 9600
	cfg.Hardware.ReadTimeout = "1s"
	cfg.Hardware.PollInterval = "100ms"
	cfg.Hardware.PriceScale = 2
	cfg.Hardware.Retries = 3

	cfg.Payment.Driver = DriverBTCPay
	cfg.Payment.PaymentMethod = "BTC-LightningNetwork"
	cfg.Payment.PollInterval = "2s"
	cfg.Payment.RequestsPerSecond = 5
	cfg.Payment.StatusVocabulary = map[string]string{
		"New":        string(models.InvoicePending),
		"Processing": string(models.InvoicePending),
		"Settled":    string(models.InvoiceSettled),
		"Expired":    string(models.InvoiceExpired),
		"Invalid":    string(models.InvoiceInvalid),
	}
	cfg.Payment.MockSettleAfter = "5s"

	cfg.Gateway.CallTimeout = "10s"
	cfg.Health.Interval = "10s"
	cfg.Health.ReconnectBackoff = "30s"
	cfg.Watchdog.StallThreshold = "30s"

	cfg.History.Driver = HistoryMemory
	cfg.History.Path = "vending.db"
	cfg.History.MaxAge = "720h"
	cfg.History.CleanupInterval = "1h"

	cfg.Telemetry.ExportInterval = "30s"
	return cfg
}

// Load reads a YAML file over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*ParsedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*ParsedConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	applyEnv(&cfg)

	parsed, err := parse(cfg)
	if err != nil {
		return nil, err
	}
	if err := validate(parsed); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return parsed, nil
}

// applyEnv lets deployments keep BTCPay credentials out of the file.
func applyEnv(cfg *Config) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"BTCPAY_SERVER_URL", &cfg.Payment.ServerURL},
		{"BTCPAY_STORE_ID", &cfg.Payment.StoreID},
		{"BTCPAY_API_KEY", &cfg.Payment.APIKey},
		{"BTCPAY_WEBHOOK_SECRET", &cfg.Payment.WebhookSecret},
		{"VENDING_SERIAL_PORT", &cfg.Hardware.SerialPort},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func parse(cfg Config) (*ParsedConfig, error) {
	p := &ParsedConfig{Config: cfg}

	var err error
	if p.MinPrice, err = decimal.NewFromString(cfg.Vending.MinPrice); err != nil {
		return nil, fmt.Errorf("invalid min_price: %w", err)
	}
	if p.MaxPrice, err = decimal.NewFromString(cfg.Vending.MaxPrice); err != nil {
		return nil, fmt.Errorf("invalid max_price: %w", err)
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"payment_window", cfg.Vending.PaymentWindow, &p.PaymentWindow},
		{"dispense_window", cfg.Vending.DispenseWindow, &p.DispenseWindow},
		{"error_hold", cfg.Vending.ErrorHold, &p.ErrorHold},
		{"hardware read_timeout", cfg.Hardware.ReadTimeout, &p.SerialTimeout},
		{"hardware poll_interval", cfg.Hardware.PollInterval, &p.HardwarePoll},
		{"payment poll_interval", cfg.Payment.PollInterval, &p.PaymentPoll},
		{"mock_settle_after", cfg.Payment.MockSettleAfter, &p.MockSettleAfter},
		{"call_timeout", cfg.Gateway.CallTimeout, &p.CallTimeout},
		{"health interval", cfg.Health.Interval, &p.HealthInterval},
		{"reconnect_backoff", cfg.Health.ReconnectBackoff, &p.ReconnectBackoff},
		{"stall_threshold", cfg.Watchdog.StallThreshold, &p.StallThreshold},
		{"history max_age", cfg.History.MaxAge, &p.HistoryMaxAge},
		{"history cleanup_interval", cfg.History.CleanupInterval, &p.HistoryCleanup},
		{"export_interval", cfg.Telemetry.ExportInterval, &p.ExportInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	p.StatusVocabulary = make(map[string]models.InvoiceStatus, len(cfg.Payment.StatusVocabulary))
	for remote, local := range cfg.Payment.StatusVocabulary {
		st, err := models.ParseInvoiceStatus(local)
		if err != nil {
			return nil, fmt.Errorf("invalid status_vocabulary entry %q: %w", remote, err)
		}
		p.StatusVocabulary[remote] = st
	}
	return p, nil
}

func validate(p *ParsedConfig) error {
	if p.Server.Port <= 0 || p.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}
	if p.Vending.Currency == "" {
		return fmt.Errorf("currency is required")
	}
	if !p.MinPrice.IsPositive() {
		return fmt.Errorf("min_price must be positive")
	}
	if !p.MaxPrice.GreaterThan(p.MinPrice) {
		return fmt.Errorf("max_price must be greater than min_price")
	}
	if p.Vending.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}

	for name, d := range map[string]time.Duration{
		"payment_window":         p.PaymentWindow,
		"dispense_window":        p.DispenseWindow,
		"hardware poll_interval": p.HardwarePoll,
		"payment poll_interval":  p.PaymentPoll,
		"call_timeout":           p.CallTimeout,
		"health interval":        p.HealthInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	settled := false
	for _, st := range p.StatusVocabulary {
		if st == models.InvoiceSettled {
			settled = true
		}
	}
	if !settled {
		return fmt.Errorf("status_vocabulary must map at least one status to %q", models.InvoiceSettled)
	}

	if p.StandaloneMode {
		return validateHistory(p)
	}

	switch p.Hardware.Driver {
	case DriverMock:
	case DriverMDB:
		if p.Hardware.SerialPort == "" {
			return fmt.Errorf("hardware serial_port is required for the %s driver", DriverMDB)
		}
		if p.Hardware.BaudRate <= 0 {
			return fmt.Errorf("hardware baud_rate must be positive")
		}
	default:
		return fmt.Errorf("unknown hardware driver %q", p.Hardware.Driver)
	}

	switch p.Payment.Driver {
	case DriverMock:
	case DriverBTCPay:
		if p.Payment.ServerURL == "" || p.Payment.StoreID == "" || p.Payment.APIKey == "" {
			return fmt.Errorf("payment server_url, store_id and api_key are required for the %s driver", DriverBTCPay)
		}
		if p.Payment.RequestsPerSecond <= 0 {
			return fmt.Errorf("payment requests_per_second must be positive")
		}
	default:
		return fmt.Errorf("unknown payment driver %q", p.Payment.Driver)
	}

	return validateHistory(p)
}

func validateHistory(p *ParsedConfig) error {
	switch p.History.Driver {
	case HistoryNone, HistoryMemory:
	case HistorySQLite:
		if p.History.Path == "" {
			return fmt.Errorf("history path is required for the %s driver", HistorySQLite)
		}
	default:
		return fmt.Errorf("unknown history driver %q", p.History.Driver)
	}
	return nil
}

// HardwareDriver is the effective hardware driver after standalone mode.
func (p *ParsedConfig) HardwareDriver() string {
	if p.StandaloneMode {
		return DriverMock
	}
	return p.Hardware.Driver
}

// PaymentDriver is the effective payment driver after standalone mode.
func (p *ParsedConfig) PaymentDriver() string {
	if p.StandaloneMode {
		return DriverMock
	}
	return p.Payment.Driver
}
