package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buiqtuan/demo-trade/internal/config"
	"github.com/buiqtuan/demo-trade/internal/models"
	"github.com/buiqtuan/demo-trade/internal/providers"
)

type fakeProvider struct {
	name     models.DataProvider
	supports map[models.AssetType]bool

	quotesFn  func(symbols []string) (map[string]models.Quote, error)
	assetsFn  func(assetType models.AssetType) ([]models.Asset, error)
	generalFn func() ([]models.NewsArticle, error)
	companyFn func(symbol string) ([]models.NewsArticle, error)

	mu          sync.Mutex
	quoteCalls  [][]string
	newsSymbols []string
}

func (f *fakeProvider) Name() models.DataProvider { return f.name }
func (f *fakeProvider) RateLimitPerMinute() int   { return 60 }
func (f *fakeProvider) Supports(t models.AssetType) bool {
	return f.supports[t]
}
func (f *fakeProvider) Quotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	f.mu.Lock()
	f.quoteCalls = append(f.quoteCalls, symbols)
	f.mu.Unlock()
	if f.quotesFn == nil {
		return map[string]models.Quote{}, nil
	}
	return f.quotesFn(symbols)
}
func (f *fakeProvider) Assets(_ context.Context, assetType models.AssetType) ([]models.Asset, error) {
	if f.assetsFn == nil {
		return nil, nil
	}
	return f.assetsFn(assetType)
}
func (f *fakeProvider) GeneralNews(context.Context) ([]models.NewsArticle, error) {
	if f.generalFn == nil {
		return nil, nil
	}
	return f.generalFn()
}
func (f *fakeProvider) CompanyNews(_ context.Context, symbol string) ([]models.NewsArticle, error) {
	f.mu.Lock()
	f.newsSymbols = append(f.newsSymbols, symbol)
	f.mu.Unlock()
	if f.companyFn == nil {
		return nil, nil
	}
	return f.companyFn(symbol)
}
func (f *fakeProvider) HealthProbe(context.Context) bool { return true }
func (f *fakeProvider) Close() error                     { return nil }

func (f *fakeProvider) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.quoteCalls...)
}

type fakeStore struct {
	mu          sync.Mutex
	quotes      map[string]models.Quote
	assets      map[models.AssetType][]models.Asset
	news        map[string][]models.NewsArticle
	active      []string
	circuits    map[models.DataProvider]*models.CircuitBreakerState
	lastUpdates map[string]time.Time
	trips       []models.DataProvider
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		quotes:      make(map[string]models.Quote),
		assets:      make(map[models.AssetType][]models.Asset),
		news:        make(map[string][]models.NewsArticle),
		circuits:    make(map[models.DataProvider]*models.CircuitBreakerState),
		lastUpdates: make(map[string]time.Time),
	}
}

func (s *fakeStore) GetQuotes(_ context.Context, symbols []string) (map[string]models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.Quote)
	for _, sym := range symbols {
		if q, ok := s.quotes[models.NormalizeSymbol(sym)]; ok {
			out[models.NormalizeSymbol(sym)] = q
		}
	}
	return out, nil
}

func (s *fakeStore) SetQuotes(_ context.Context, quotes map[string]models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range quotes {
		s.quotes[k] = v
	}
	return nil
}

func (s *fakeStore) SetAssets(_ context.Context, t models.AssetType, assets []models.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[t] = assets
	return nil
}

func (s *fakeStore) SetNews(_ context.Context, key string, articles []models.NewsArticle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.news[key] = articles
	return nil
}

func (s *fakeStore) GetActiveSymbols(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *fakeStore) SetActiveSymbols(_ context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = symbols
	return nil
}

func (s *fakeStore) IsCircuitOpen(_ context.Context, p models.DataProvider) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.circuits[p]
	return ok && state.IsOpen, nil
}

func (s *fakeStore) TripCircuit(_ context.Context, p models.DataProvider, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := int64(0)
	if state, ok := s.circuits[p]; ok {
		prev = state.FailureCount
	}
	s.circuits[p] = &models.CircuitBreakerState{
		IsOpen:       true,
		TripTime:     time.Now().UTC(),
		ErrorMessage: msg,
		FailureCount: prev + 1,
	}
	s.trips = append(s.trips, p)
	return nil
}

func (s *fakeStore) CircuitState(_ context.Context, p models.DataProvider) (*models.CircuitBreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.circuits[p], nil
}

func (s *fakeStore) SetLastUpdate(_ context.Context, task string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUpdates[task] = ts
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }

func quoteFor(symbol string, source models.DataProvider) models.Quote {
	return models.Quote{Symbol: symbol, Price: 100, Source: source, Timestamp: time.Now().UTC()}
}

func newOrchestrator(store Store, reg *providers.Registry, active []string) *Orchestrator {
	return New(Options{
		Store:         store,
		Registry:      reg,
		Routing:       config.DefaultRouting(),
		ActiveSymbols: active,
	})
}

func TestFetchQuotesBucketsByAssetClass(t *testing.T) {
	stocks := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true, models.AssetTypeForex: true},
		quotesFn: func(symbols []string) (map[string]models.Quote, error) {
			out := make(map[string]models.Quote)
			for _, s := range symbols {
				out[s] = quoteFor(s, models.ProviderYFinance)
			}
			return out, nil
		},
	}
	crypto := &fakeProvider{
		name:     models.ProviderCoinGecko,
		supports: map[models.AssetType]bool{models.AssetTypeCrypto: true},
		quotesFn: func(symbols []string) (map[string]models.Quote, error) {
			out := make(map[string]models.Quote)
			for _, s := range symbols {
				out[s] = quoteFor(s, models.ProviderCoinGecko)
			}
			return out, nil
		},
	}
	forex := &fakeProvider{
		name:     models.ProviderAlphaVantage,
		supports: map[models.AssetType]bool{models.AssetTypeForex: true},
		quotesFn: func(symbols []string) (map[string]models.Quote, error) {
			out := make(map[string]models.Quote)
			for _, s := range symbols {
				out[s] = quoteFor(s, models.ProviderAlphaVantage)
			}
			return out, nil
		},
	}

	store := newFakeStore()
	o := newOrchestrator(store, providers.NewRegistry(stocks, crypto, forex), []string{"AAPL", "BTC-USD", "EUR/USD"})

	require.NoError(t, o.fetchQuotes(context.Background()))

	require.Len(t, stocks.calls(), 1)
	assert.Equal(t, []string{"AAPL"}, stocks.calls()[0])
	assert.Equal(t, []string{"BTC-USD"}, crypto.calls()[0])
	assert.Equal(t, []string{"EUR/USD"}, forex.calls()[0])

	assert.Equal(t, models.ProviderYFinance, store.quotes["AAPL"].Source)
	assert.Equal(t, models.ProviderCoinGecko, store.quotes["BTC-USD"].Source)
	assert.Equal(t, models.ProviderAlphaVantage, store.quotes["EUR/USD"].Source)
}

func TestFetchQuotesUsesFallbackWhenPrimaryCircuitOpen(t *testing.T) {
	primary := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
	}
	fallback := &fakeProvider{
		name:     models.ProviderFinnhub,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
		quotesFn: func(symbols []string) (map[string]models.Quote, error) {
			return map[string]models.Quote{"AAPL": quoteFor("AAPL", models.ProviderFinnhub)}, nil
		},
	}

	store := newFakeStore()
	store.circuits[models.ProviderYFinance] = &models.CircuitBreakerState{IsOpen: true, TripTime: time.Now()}

	o := newOrchestrator(store, providers.NewRegistry(primary, fallback), []string{"AAPL"})
	require.NoError(t, o.fetchQuotes(context.Background()))

	assert.Empty(t, primary.calls())
	assert.Equal(t, models.ProviderFinnhub, store.quotes["AAPL"].Source)
}

func TestFetchQuotesTripsCircuitOfProviderUsed(t *testing.T) {
	primary := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
		quotesFn: func([]string) (map[string]models.Quote, error) {
			return nil, &providers.Error{Provider: models.ProviderYFinance, Kind: providers.KindProvider, Message: "boom"}
		},
	}
	fallback := &fakeProvider{
		name:     models.ProviderFinnhub,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
	}

	store := newFakeStore()
	o := newOrchestrator(store, providers.NewRegistry(primary, fallback), []string{"AAPL"})

	err := o.fetchQuotes(context.Background())
	require.Error(t, err)
	assert.Equal(t, []models.DataProvider{models.ProviderYFinance}, store.trips)

	// Next cycle routes around the tripped primary.
	require.NoError(t, o.fetchQuotes(context.Background()))
	assert.Len(t, fallback.calls(), 1)
}

func TestFetchQuotesNotFoundDoesNotTrip(t *testing.T) {
	primary := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
		quotesFn: func([]string) (map[string]models.Quote, error) {
			return nil, &providers.Error{Provider: models.ProviderYFinance, Kind: providers.KindNotFound, Message: "gone"}
		},
	}

	store := newFakeStore()
	o := newOrchestrator(store, providers.NewRegistry(primary), []string{"AAPL"})

	_ = o.fetchQuotes(context.Background())
	assert.Empty(t, store.trips)
}

func TestFetchQuotesBothDownWritesNothing(t *testing.T) {
	primary := &fakeProvider{name: models.ProviderYFinance, supports: map[models.AssetType]bool{models.AssetTypeStocks: true}}
	fallback := &fakeProvider{name: models.ProviderFinnhub, supports: map[models.AssetType]bool{models.AssetTypeStocks: true}}

	store := newFakeStore()
	store.circuits[models.ProviderYFinance] = &models.CircuitBreakerState{IsOpen: true, TripTime: time.Now()}
	store.circuits[models.ProviderFinnhub] = &models.CircuitBreakerState{IsOpen: true, TripTime: time.Now()}

	o := newOrchestrator(store, providers.NewRegistry(primary, fallback), []string{"AAPL"})
	require.NoError(t, o.fetchQuotes(context.Background()))

	assert.Empty(t, primary.calls())
	assert.Empty(t, fallback.calls())
	assert.Empty(t, store.quotes)
}

func TestUpdateAssetListsKeepsPreviousOnEmptyResult(t *testing.T) {
	stocks := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
		assetsFn: func(models.AssetType) ([]models.Asset, error) { return nil, nil },
	}

	store := newFakeStore()
	previous := []models.Asset{{Symbol: "AAPL", Name: "Apple Inc.", AssetType: models.AssetTypeStocks}}
	store.assets[models.AssetTypeStocks] = previous

	o := newOrchestrator(store, providers.NewRegistry(stocks), []string{"AAPL"})
	require.NoError(t, o.updateAssetLists(context.Background()))

	assert.Equal(t, previous, store.assets[models.AssetTypeStocks])
}

func TestUpdateAssetListsReplacesOnResult(t *testing.T) {
	fresh := []models.Asset{{Symbol: "MSFT", Name: "Microsoft", AssetType: models.AssetTypeStocks, IsActive: true}}
	stocks := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
		assetsFn: func(models.AssetType) ([]models.Asset, error) { return fresh, nil },
	}

	store := newFakeStore()
	o := newOrchestrator(store, providers.NewRegistry(stocks), []string{"AAPL"})
	require.NoError(t, o.updateAssetLists(context.Background()))

	assert.Equal(t, fresh, store.assets[models.AssetTypeStocks])
}

func TestCompanyNewsFallsBackToYahooOnEmptyFinnhub(t *testing.T) {
	yahooArticles := []models.NewsArticle{{Title: "Microsoft ships", URL: "https://example.com", Source: "Yahoo Finance", PublishedAt: time.Now(), Symbols: []string{"MSFT"}}}

	finnhub := &fakeProvider{
		name:      models.ProviderFinnhub,
		supports:  map[models.AssetType]bool{models.AssetTypeStocks: true},
		companyFn: func(string) ([]models.NewsArticle, error) { return nil, nil },
	}
	yahoo := &fakeProvider{
		name:      models.ProviderYFinance,
		supports:  map[models.AssetType]bool{models.AssetTypeStocks: true},
		companyFn: func(string) ([]models.NewsArticle, error) { return yahooArticles, nil },
	}

	store := newFakeStore()
	o := newOrchestrator(store, providers.NewRegistry(finnhub, yahoo), []string{"MSFT", "BTC-USD", "EUR/USD"})

	require.NoError(t, o.fetchCompanyNews(context.Background()))

	// Only the stock-shaped symbol is processed, and the cached bundle is
	// Yahoo's.
	assert.Equal(t, []string{"MSFT"}, finnhub.newsSymbols)
	assert.Equal(t, []string{"MSFT"}, yahoo.newsSymbols)
	assert.Equal(t, yahooArticles, store.news["MSFT"])
}

func TestCompanyNewsErrorTripsFinnhubAndFallsBack(t *testing.T) {
	finnhub := &fakeProvider{
		name:     models.ProviderFinnhub,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true},
		companyFn: func(string) ([]models.NewsArticle, error) {
			return nil, &providers.Error{Provider: models.ProviderFinnhub, Kind: providers.KindProvider, Message: "boom"}
		},
	}
	yahooArticles := []models.NewsArticle{{Title: "t", URL: "u", Source: "Yahoo Finance", PublishedAt: time.Now(), Symbols: []string{"AAPL"}}}
	yahoo := &fakeProvider{
		name:      models.ProviderYFinance,
		supports:  map[models.AssetType]bool{models.AssetTypeStocks: true},
		companyFn: func(string) ([]models.NewsArticle, error) { return yahooArticles, nil },
	}

	store := newFakeStore()
	o := newOrchestrator(store, providers.NewRegistry(finnhub, yahoo), []string{"AAPL"})

	require.NoError(t, o.fetchCompanyNews(context.Background()))
	assert.Contains(t, store.trips, models.ProviderFinnhub)
	assert.Equal(t, yahooArticles, store.news["AAPL"])
}

func TestGeneralNewsSkippedWhenCircuitOpen(t *testing.T) {
	finnhub := &fakeProvider{
		name:      models.ProviderFinnhub,
		supports:  map[models.AssetType]bool{models.AssetTypeStocks: true},
		generalFn: func() ([]models.NewsArticle, error) { t.Fatal("should not be called"); return nil, nil },
	}

	store := newFakeStore()
	store.circuits[models.ProviderFinnhub] = &models.CircuitBreakerState{IsOpen: true, TripTime: time.Now()}

	o := newOrchestrator(store, providers.NewRegistry(finnhub), []string{"AAPL"})
	require.NoError(t, o.fetchGeneralNews(context.Background()))
	assert.Empty(t, store.news)
}

func TestStartRunsLoopsAndStamps(t *testing.T) {
	stocks := &fakeProvider{
		name:     models.ProviderYFinance,
		supports: map[models.AssetType]bool{models.AssetTypeStocks: true, models.AssetTypeForex: true},
		quotesFn: func(symbols []string) (map[string]models.Quote, error) {
			return map[string]models.Quote{"AAPL": quoteFor("AAPL", models.ProviderYFinance)}, nil
		},
	}

	store := newFakeStore()
	o := New(Options{
		Store:             store,
		Registry:          providers.NewRegistry(stocks),
		Routing:           config.DefaultRouting(),
		ActiveSymbols:     []string{"AAPL"},
		AssetListInterval: time.Hour,
		QuoteInterval:     10 * time.Millisecond,
		NewsInterval:      time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	o.Start(ctx)
	assert.True(t, o.Running())

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		_, ok := store.quotes["AAPL"]
		_, stamped := store.lastUpdates[TaskPriceFetch]
		return ok && stamped
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.True(t, o.Wait(2*time.Second))

	updates := o.LastUpdates()
	assert.False(t, updates[TaskPriceFetch].IsZero())
}

func TestStatusReflectsCircuitState(t *testing.T) {
	p := &fakeProvider{name: models.ProviderFinnhub, supports: map[models.AssetType]bool{models.AssetTypeStocks: true}}
	store := newFakeStore()
	store.circuits[models.ProviderFinnhub] = &models.CircuitBreakerState{
		IsOpen:       true,
		TripTime:     time.Now().UTC(),
		ErrorMessage: "upstream HTTP 500",
		FailureCount: 4,
	}

	o := newOrchestrator(store, providers.NewRegistry(p), []string{"AAPL"})
	statuses := o.Status(context.Background())
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].CircuitOpen)
	assert.Equal(t, int64(4), statuses[0].FailureCount)
	assert.Equal(t, "upstream HTTP 500", statuses[0].LastError)
	assert.NotNil(t, statuses[0].TrippedAt)
}
