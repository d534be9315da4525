package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParsePrices(t *testing.T) {
	prices, err := parsePrices("sdxl=2.5, flux-dev=4 ,flux-free=0")
	require.NoError(t, err)
	require.Len(t, prices, 3)
	require.True(t, prices["sdxl"].Equal(decimal.RequireFromString("2.5")))
	require.True(t, prices["flux-dev"].Equal(decimal.NewFromInt(4)))
	require.True(t, prices["flux-free"].IsZero())

	_, err = parsePrices("sdxl")
	require.Error(t, err)
	_, err = parsePrices("sdxl=cheap")
	require.Error(t, err)
	_, err = parsePrices("sdxl=-1")
	require.Error(t, err)

	prices, err = parsePrices("")
	require.NoError(t, err)
	require.Empty(t, prices)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			TelegramBotToken:     "token",
			ProviderURL:          "https://provider.example",
			ProviderFormat:       "standard",
			ModelPrices:          map[string]decimal.Decimal{"sdxl": decimal.NewFromInt(2)},
			PostgresDB:           "artifex",
			PostgresHost:         "localhost",
			RateLimitMaxRequests: 30,
			RateLimitWindow:      10 * time.Second,
		}
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.TelegramBotToken = ""
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.ProviderFormat = "xml"
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.ModelPrices = nil
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.RateLimitMaxRequests = 0
	require.Error(t, cfg.Validate())
}
