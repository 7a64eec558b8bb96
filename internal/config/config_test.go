package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GianGuaz256/pow-vending-machine/internal/models"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.MinPrice.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, cfg.MaxPrice.Equal(decimal.RequireFromString("100")))
	assert.Equal(t, 5*time.Minute, cfg.PaymentWindow)
	assert.Equal(t, 100*time.Millisecond, cfg.HardwarePoll)
	assert.Equal(t, 2*time.Second, cfg.PaymentPoll)
	assert.Equal(t, models.InvoiceSettled, cfg.StatusVocabulary["Settled"])
	assert.Equal(t, models.InvoicePending, cfg.StatusVocabulary["Processing"])
	assert.Equal(t, DriverMock, cfg.HardwareDriver())
	assert.Equal(t, DriverMock, cfg.PaymentDriver())
}

func TestParseOnlineModeRequiresBTCPay(t *testing.T) {
	t.Setenv("BTCPAY_SERVER_URL", "")
	t.Setenv("BTCPAY_STORE_ID", "")
	t.Setenv("BTCPAY_API_KEY", "")

	_, err := Parse([]byte("standalone_mode: false\nhardware:\n  driver: mock\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("BTCPAY_SERVER_URL", "https://btcpay.example")
	t.Setenv("BTCPAY_STORE_ID", "store")
	t.Setenv("BTCPAY_API_KEY", "secret")

	cfg, err := Parse([]byte("standalone_mode: false\nhardware:\n  driver: mock\n"))
	require.NoError(t, err)
	assert.Equal(t, "https://btcpay.example", cfg.Payment.ServerURL)
	assert.Equal(t, DriverMock, cfg.HardwareDriver())
	assert.Equal(t, DriverBTCPay, cfg.PaymentDriver())
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"price bounds":      "vending:\n  min_price: \"5\"\n  max_price: \"1\"\n",
		"bad price":         "vending:\n  min_price: abc\n",
		"bad duration":      "vending:\n  payment_window: soon\n",
		"zero window":       "vending:\n  payment_window: 0s\n",
		"bad status":        "payment:\n  status_vocabulary:\n    Paid: done\n",
		"unknown history":   "history:\n  driver: postgres\n",
		"port out of range": "server:\n  port: 70000\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vending:\n  currency: CHF\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "CHF", cfg.Vending.Currency)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
