package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buiqtuan/demo-trade/internal/models"
)

var fixedNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T) (*Cache, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	c := NewWithClient(db, Options{
		QuotesTTL:      5 * time.Minute,
		AssetsTTL:      24 * time.Hour,
		NewsTTL:        30 * time.Minute,
		CircuitTimeout: 5 * time.Minute,
		Now:            func() time.Time { return fixedNow },
	})
	return c, mock
}

func sampleQuote(symbol string) models.Quote {
	return models.Quote{
		Symbol:    symbol,
		Price:     190.5,
		Source:    models.ProviderYFinance,
		Timestamp: fixedNow,
		AssetType: models.AssetTypeStocks,
	}
}

func TestQuotesRoundTrip(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	quote := sampleQuote("AAPL")
	raw, err := json.Marshal(quote)
	require.NoError(t, err)

	mock.ExpectSetEx("quotes:AAPL", raw, 5*time.Minute).SetVal("OK")
	require.NoError(t, c.SetQuotes(ctx, map[string]models.Quote{"AAPL": quote}))

	mock.ExpectGet("quotes:AAPL").SetVal(string(raw))
	got, err := c.GetQuotes(ctx, []string{"aapl"})
	require.NoError(t, err)
	require.Contains(t, got, "AAPL")
	assert.Equal(t, quote.Price, got["AAPL"].Price)
	assert.Equal(t, quote.Source, got["AAPL"].Source)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetQuotesSkipsMissingAndCorrupted(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	good, _ := json.Marshal(sampleQuote("AAPL"))
	mock.ExpectGet("quotes:AAPL").SetVal(string(good))
	mock.ExpectGet("quotes:MSFT").RedisNil()
	mock.ExpectGet("quotes:TSLA").SetVal("{not json")

	got, err := c.GetQuotes(ctx, []string{"AAPL", "MSFT", "TSLA"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "AAPL")

	stats := c.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestAssetsRoundTrip(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	assets := []models.Asset{{Symbol: "AAPL", Name: "Apple Inc.", AssetType: models.AssetTypeStocks, IsActive: true}}
	raw, _ := json.Marshal(assets)

	mock.ExpectSetEx("assets:stocks", raw, 24*time.Hour).SetVal("OK")
	require.NoError(t, c.SetAssets(ctx, models.AssetTypeStocks, assets))

	mock.ExpectGet("assets:stocks").SetVal(string(raw))
	got, err := c.GetAssets(ctx, models.AssetTypeStocks)
	require.NoError(t, err)
	assert.Equal(t, assets, got)

	mock.ExpectGet("assets:crypto").RedisNil()
	got, err = c.GetAssets(ctx, models.AssetTypeCrypto)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewsKeys(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	articles := []models.NewsArticle{{Title: "t", URL: "u", Source: "s", PublishedAt: fixedNow, Symbols: []string{"MSFT"}}}
	raw, _ := json.Marshal(articles)

	mock.ExpectSetEx("news:general", raw, 30*time.Minute).SetVal("OK")
	require.NoError(t, c.SetNews(ctx, "general", articles))

	mock.ExpectSetEx("news:MSFT", raw, 30*time.Minute).SetVal("OK")
	require.NoError(t, c.SetNews(ctx, "msft", articles))

	mock.ExpectGet("news:MSFT").SetVal(string(raw))
	got, err := c.GetNews(ctx, "MSFT")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestActiveSymbolsRoundTrip(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	symbols := []string{"AAPL", "BTC-USD"}
	raw, _ := json.Marshal(symbols)

	mock.ExpectSetEx("config:active_symbols", raw, time.Hour).SetVal("OK")
	require.NoError(t, c.SetActiveSymbols(ctx, symbols))

	mock.ExpectGet("config:active_symbols").SetVal(string(raw))
	got, err := c.GetActiveSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, symbols, got)
}

func TestTripAndCloseCircuit(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	state := models.CircuitBreakerState{
		IsOpen:       true,
		TripTime:     fixedNow,
		ErrorMessage: "upstream HTTP 500",
		FailureCount: 3,
	}
	raw, _ := json.Marshal(state)

	mock.ExpectIncr("failures:finnhub").SetVal(3)
	mock.ExpectExpire("failures:finnhub", time.Hour).SetVal(true)
	mock.ExpectSetEx("circuit_breaker:finnhub", raw, 6*time.Minute).SetVal("OK")
	require.NoError(t, c.TripCircuit(ctx, models.ProviderFinnhub, "upstream HTTP 500"))

	mock.ExpectGet("circuit_breaker:finnhub").SetVal(string(raw))
	open, err := c.IsCircuitOpen(ctx, models.ProviderFinnhub)
	require.NoError(t, err)
	assert.True(t, open)

	mock.ExpectDel("circuit_breaker:finnhub").SetVal(1)
	mock.ExpectDel("failures:finnhub").SetVal(1)
	require.NoError(t, c.CloseCircuit(ctx, models.ProviderFinnhub))

	mock.ExpectGet("circuit_breaker:finnhub").RedisNil()
	open, err = c.IsCircuitOpen(ctx, models.ProviderFinnhub)
	require.NoError(t, err)
	assert.False(t, open)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCircuitSelfHealsAfterTimeout(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	stale := models.CircuitBreakerState{
		IsOpen:   true,
		TripTime: fixedNow.Add(-5*time.Minute - time.Second),
	}
	raw, _ := json.Marshal(stale)

	mock.ExpectGet("circuit_breaker:yfinance").SetVal(string(raw))
	mock.ExpectDel("circuit_breaker:yfinance").SetVal(1)

	open, err := c.IsCircuitOpen(ctx, models.ProviderYFinance)
	require.NoError(t, err)
	assert.False(t, open)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCorruptedCircuitEntryRemoved(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	mock.ExpectGet("circuit_breaker:coingecko").SetVal("garbage")
	mock.ExpectDel("circuit_breaker:coingecko").SetVal(1)

	open, err := c.IsCircuitOpen(ctx, models.ProviderCoinGecko)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestLastUpdateRoundTrip(t *testing.T) {
	c, mock := newTestCache(t)
	ctx := context.Background()

	mock.ExpectSetEx("last_update:price_fetch", fixedNow.Format(time.RFC3339Nano), 24*time.Hour).SetVal("OK")
	require.NoError(t, c.SetLastUpdate(ctx, "price_fetch", fixedNow))

	mock.ExpectGet("last_update:price_fetch").SetVal(fixedNow.Format(time.RFC3339Nano))
	ts, err := c.GetLastUpdate(ctx, "price_fetch")
	require.NoError(t, err)
	assert.True(t, ts.Equal(fixedNow))

	mock.ExpectGet("last_update:asset_list_update").RedisNil()
	ts, err = c.GetLastUpdate(ctx, "asset_list_update")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}
