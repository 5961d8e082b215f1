package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "AAPL", NormalizeSymbol("  aapl "))
	assert.Equal(t, "EUR/USD", NormalizeSymbol("eur/usd"))

	// Idempotence: normalize(normalize(s)) == normalize(s)
	for _, s := range []string{"aapl", " BTC-usd ", "EURUSD=x", "EUR/USD"} {
		once := NormalizeSymbol(s)
		assert.Equal(t, once, NormalizeSymbol(once))
	}
}

func TestClassifySymbol(t *testing.T) {
	tests := []struct {
		symbol string
		want   AssetType
	}{
		{"AAPL", AssetTypeStocks},
		{"MSFT", AssetTypeStocks},
		{"BTC-USD", AssetTypeCrypto},
		{"ETH-USD", AssetTypeCrypto},
		{"DOGE", AssetTypeCrypto},
		{"EUR/USD", AssetTypeForex},
		{"GBPUSD=X", AssetTypeForex},
		// TLT contains "LT" but is not a crypto base ticker.
		{"TLT", AssetTypeStocks},
		// Prefix matching is on the base before "-", not a substring scan.
		{"ETHE", AssetTypeStocks},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySymbol(tt.symbol), "symbol %s", tt.symbol)
	}
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 0.12345678, RoundPrice(0.123456784))
	assert.Equal(t, 1.2346, RoundPercent(1.23456))
	assert.Equal(t, 42.0, RoundPrice(42.0))
}

func TestEnums(t *testing.T) {
	assert.True(t, AssetTypeCrypto.Valid())
	assert.False(t, AssetType("bonds").Valid())
	assert.True(t, ProviderFinnhub.Valid())
	assert.False(t, DataProvider("bloomberg").Valid())
}
