// Package models defines the wire types shared by the provider adapters,
// the cache facade, and the HTTP read API.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetType identifies the class of a tradable instrument.
type AssetType string

const (
	AssetTypeStocks AssetType = "stocks"
	AssetTypeCrypto AssetType = "crypto"
	AssetTypeForex  AssetType = "forex"
)

// AssetTypes lists all supported asset classes in a fixed iteration order.
var AssetTypes = []AssetType{AssetTypeStocks, AssetTypeCrypto, AssetTypeForex}

// Valid reports whether t is a known asset class.
func (t AssetType) Valid() bool {
	switch t {
	case AssetTypeStocks, AssetTypeCrypto, AssetTypeForex:
		return true
	}
	return false
}

// DataProvider identifies an upstream market data source.
type DataProvider string

const (
	ProviderYFinance      DataProvider = "yfinance"
	ProviderFinnhub       DataProvider = "finnhub"
	ProviderCoinGecko     DataProvider = "coingecko"
	ProviderCoinMarketCap DataProvider = "coinmarketcap"
	ProviderAlphaVantage  DataProvider = "alpha_vantage"
)

// DataProviders lists all recognised providers in a fixed iteration order.
var DataProviders = []DataProvider{
	ProviderYFinance,
	ProviderFinnhub,
	ProviderCoinGecko,
	ProviderCoinMarketCap,
	ProviderAlphaVantage,
}

// Valid reports whether p is a recognised provider.
func (p DataProvider) Valid() bool {
	for _, known := range DataProviders {
		if p == known {
			return true
		}
	}
	return false
}

// Asset describes a tradable instrument as reported by a provider.
type Asset struct {
	Symbol    string         `json:"symbol"`
	Name      string         `json:"name"`
	AssetType AssetType      `json:"asset_type"`
	Exchange  string         `json:"exchange,omitempty"`
	Currency  string         `json:"currency,omitempty"`
	IsActive  bool           `json:"is_active"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Quote is a point-in-time observation of an instrument's price. Source and
// Timestamp are always set by the adapter that produced it.
type Quote struct {
	Symbol        string       `json:"symbol"`
	Price         float64      `json:"price"`
	Change        *float64     `json:"change,omitempty"`
	PercentChange *float64     `json:"percent_change,omitempty"`
	Volume        *int64       `json:"volume,omitempty"`
	MarketCap     *float64     `json:"market_cap,omitempty"`
	High24h       *float64     `json:"high_24h,omitempty"`
	Low24h        *float64     `json:"low_24h,omitempty"`
	OpenPrice     *float64     `json:"open_price,omitempty"`
	ClosePrice    *float64     `json:"close_price,omitempty"`
	Bid           *float64     `json:"bid,omitempty"`
	Ask           *float64     `json:"ask,omitempty"`
	Source        DataProvider `json:"source"`
	Timestamp     time.Time    `json:"timestamp"`
	Currency      string       `json:"currency,omitempty"`
	AssetType     AssetType    `json:"asset_type,omitempty"`
}

// NewsArticle is a normalized news item from any provider.
type NewsArticle struct {
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Symbols     []string  `json:"symbols"`
	Category    string    `json:"category,omitempty"`
	Sentiment   *float64  `json:"sentiment,omitempty"`
}

// CircuitBreakerState is the per-provider breaker document stored in the
// cache. IsOpen implies TripTime is set.
type CircuitBreakerState struct {
	IsOpen       bool      `json:"is_open"`
	TripTime     time.Time `json:"trip_time,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	FailureCount int64     `json:"failure_count"`
}

// NormalizeSymbol returns the canonical form of a symbol: trimmed and
// upper-cased. Idempotent.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// cryptoPrefixes are the base tickers the quote loop recognises as crypto
// when bucketing active symbols. Matching is against the canonical base
// (the part before any "-" pair separator).
var cryptoPrefixes = map[string]struct{}{
	"BTC": {}, "ETH": {}, "ADA": {}, "DOT": {}, "XRP": {}, "LTC": {},
	"DOGE": {}, "BCH": {}, "LINK": {}, "XLM": {}, "UNI": {}, "SOL": {},
	"AVAX": {}, "MATIC": {}, "ATOM": {}, "ALGO": {}, "TRX": {}, "XTZ": {},
	"EOS": {}, "XMR": {}, "FIL": {}, "VET": {}, "AAVE": {}, "MKR": {},
}

// ClassifySymbol buckets a canonical symbol into its asset class:
// forex if it contains "/" or ends in "=X", crypto if its base ticker is in
// the known prefix set, stocks otherwise.
func ClassifySymbol(symbol string) AssetType {
	s := NormalizeSymbol(symbol)
	if strings.Contains(s, "/") || strings.HasSuffix(s, "=X") {
		return AssetTypeForex
	}
	base := s
	if i := strings.Index(s, "-"); i > 0 {
		base = s[:i]
	}
	if _, ok := cryptoPrefixes[base]; ok {
		return AssetTypeCrypto
	}
	return AssetTypeStocks
}

// RoundPrice rounds a price (or absolute change) to 8 decimal places.
func RoundPrice(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(8).Float64()
	return f
}

// RoundPercent rounds a percentage change to 4 decimal places.
func RoundPercent(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(4).Float64()
	return f
}

// Float64 returns a pointer to v. Convenience for optional quote fields.
func Float64(v float64) *float64 { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
