// Package providers contains the upstream market data adapters and the
// guarded HTTP client they share. Each adapter maps one upstream API into
// the uniform Quote / Asset / NewsArticle shapes, owns its symbol
// translation, and enforces its own per-minute request budget.
package providers

import (
	"context"

	"github.com/buiqtuan/demo-trade/internal/models"
)

// Provider is the uniform capability set implemented by every adapter.
type Provider interface {
	// Name returns the adapter's provider identity.
	Name() models.DataProvider

	// Supports reports whether the adapter covers the asset class.
	Supports(assetType models.AssetType) bool

	// RateLimitPerMinute is the adapter's request budget.
	RateLimitPerMinute() int

	// Quotes fetches current quotes for canonical symbols. Symbols the
	// upstream does not know are omitted from the result, never fabricated.
	// Every returned Quote carries the adapter's identity and observation
	// time.
	Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)

	// Assets lists instruments for an asset class. Returns an empty slice
	// for classes the adapter does not cover.
	Assets(ctx context.Context, assetType models.AssetType) ([]models.Asset, error)

	// HealthProbe performs one cheap upstream call and reports success
	// without surfacing the error.
	HealthProbe(ctx context.Context) bool

	// Close releases transport resources.
	Close() error
}

// GeneralNewsProvider is the optional market-wide news capability.
type GeneralNewsProvider interface {
	GeneralNews(ctx context.Context) ([]models.NewsArticle, error)
}

// CompanyNewsProvider is the optional per-symbol news capability.
type CompanyNewsProvider interface {
	CompanyNews(ctx context.Context, symbol string) ([]models.NewsArticle, error)
}

// probeSymbols picks a known instrument for a provider's first supported
// asset class, used by health probes.
var probeSymbols = map[models.AssetType]string{
	models.AssetTypeStocks: "AAPL",
	models.AssetTypeCrypto: "BTC-USD",
	models.AssetTypeForex:  "EUR/USD",
}

func probeSymbolFor(p Provider) (string, bool) {
	for _, t := range models.AssetTypes {
		if p.Supports(t) {
			return probeSymbols[t], true
		}
	}
	return "", false
}

// probeQuotes is the shared HealthProbe implementation: fetch one quote for
// a supported class and report whether anything came back.
func probeQuotes(ctx context.Context, p Provider) bool {
	symbol, ok := probeSymbolFor(p)
	if !ok {
		return true
	}
	quotes, err := p.Quotes(ctx, []string{symbol})
	return err == nil && len(quotes) > 0
}
