// Package aggregator owns the three background loops that keep the cache
// populated: asset lists (slow), quotes (fast), and news (medium). It is
// the only writer to the cache.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/config"
	"github.com/buiqtuan/demo-trade/internal/metrics"
	"github.com/buiqtuan/demo-trade/internal/models"
	"github.com/buiqtuan/demo-trade/internal/providers"
)

// Task names, used as last_update keys and loop labels.
const (
	TaskAssetListUpdate = "asset_list_update"
	TaskPriceFetch      = "price_fetch"
	TaskNewsFetch       = "news_fetch"
)

// Store is the slice of the cache façade the orchestrator writes through.
type Store interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error)
	SetQuotes(ctx context.Context, quotes map[string]models.Quote) error
	SetAssets(ctx context.Context, assetType models.AssetType, assets []models.Asset) error
	SetNews(ctx context.Context, key string, articles []models.NewsArticle) error
	GetActiveSymbols(ctx context.Context) ([]string, error)
	SetActiveSymbols(ctx context.Context, symbols []string) error
	IsCircuitOpen(ctx context.Context, provider models.DataProvider) (bool, error)
	TripCircuit(ctx context.Context, provider models.DataProvider, errorMessage string) error
	CircuitState(ctx context.Context, provider models.DataProvider) (*models.CircuitBreakerState, error)
	SetLastUpdate(ctx context.Context, task string, ts time.Time) error
	Ping(ctx context.Context) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Store    Store
	Registry *providers.Registry
	Routing  config.Routing
	Metrics  *metrics.Metrics

	ActiveSymbols []string

	AssetListInterval time.Duration
	QuoteInterval     time.Duration
	NewsInterval      time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs the background loops and answers status queries for
// the HTTP API.
type Orchestrator struct {
	store    Store
	registry *providers.Registry
	routing  config.Routing
	metrics  *metrics.Metrics

	defaultSymbols []string

	assetListInterval time.Duration
	quoteInterval     time.Duration
	newsInterval      time.Duration

	now func() time.Time

	running     atomic.Bool
	wg          sync.WaitGroup
	mu          sync.Mutex
	lastUpdates map[string]time.Time
}

func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AssetListInterval <= 0 {
		opts.AssetListInterval = 24 * time.Hour
	}
	if opts.QuoteInterval <= 0 {
		opts.QuoteInterval = 5 * time.Second
	}
	if opts.NewsInterval <= 0 {
		opts.NewsInterval = 10 * time.Minute
	}
	return &Orchestrator{
		store:             opts.Store,
		registry:          opts.Registry,
		routing:           opts.Routing,
		metrics:           opts.Metrics,
		defaultSymbols:    opts.ActiveSymbols,
		assetListInterval: opts.AssetListInterval,
		quoteInterval:     opts.QuoteInterval,
		newsInterval:      opts.NewsInterval,
		now:               opts.Now,
		lastUpdates:       make(map[string]time.Time),
	}
}

// Start seeds the working set and launches the three loops. Loops stop
// when ctx is cancelled; Wait blocks until they drain.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.running.CompareAndSwap(false, true) {
		return
	}

	if err := o.store.SetActiveSymbols(ctx, o.defaultSymbols); err != nil {
		log.Warn().Err(err).Msg("could not seed active symbols")
	}

	o.spawnLoop(ctx, TaskAssetListUpdate, o.assetListInterval, o.updateAssetLists)
	o.spawnLoop(ctx, TaskPriceFetch, o.quoteInterval, o.fetchQuotes)
	o.spawnLoop(ctx, TaskNewsFetch, o.newsInterval, o.fetchNews)

	log.Info().
		Dur("asset_list_interval", o.assetListInterval).
		Dur("quote_interval", o.quoteInterval).
		Dur("news_interval", o.newsInterval).
		Msg("orchestrator started")
}

// Wait blocks until every loop has drained or the timeout elapses.
func (o *Orchestrator) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.running.Store(false)
		return true
	case <-time.After(timeout):
		return false
	}
}

// Running reports whether the loops are active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// LastUpdates snapshots the in-process completion stamps per task.
func (o *Orchestrator) LastUpdates() map[string]time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]time.Time, len(o.lastUpdates))
	for k, v := range o.lastUpdates {
		out[k] = v
	}
	return out
}

// spawnLoop runs fn immediately and then on every tick until ctx ends.
func (o *Orchestrator) spawnLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		log.Info().Str("loop", name).Dur("interval", interval).Msg("loop started")

		timer := time.NewTimer(0)
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Info().Str("loop", name).Msg("loop stopped")
				return
			case <-timer.C:
			}

			started := o.now()
			err := fn(ctx)
			if o.metrics != nil {
				o.metrics.ObserveLoop(name, started, err)
			}
			if err != nil {
				if ctx.Err() != nil {
					log.Info().Str("loop", name).Msg("loop stopped")
					return
				}
				log.Error().Str("loop", name).Err(err).Msg("loop iteration failed")
			} else {
				o.stampCompletion(ctx, name)
			}

			timer.Reset(interval)
		}
	}()
}

func (o *Orchestrator) stampCompletion(ctx context.Context, task string) {
	ts := o.now().UTC()
	o.mu.Lock()
	o.lastUpdates[task] = ts
	o.mu.Unlock()
	if err := o.store.SetLastUpdate(ctx, task, ts); err != nil {
		log.Warn().Str("task", task).Err(err).Msg("could not stamp last update")
	}
}

// selectProvider applies the routing policy: primary if it supports the
// class and its circuit is closed, else fallback under the same test, else
// nothing.
func (o *Orchestrator) selectProvider(ctx context.Context, assetType models.AssetType) (providers.Provider, error) {
	for _, name := range []models.DataProvider{o.routing.Primary[assetType], o.routing.Fallback[assetType]} {
		p, err := o.registry.Get(name)
		if err != nil {
			continue
		}
		if !p.Supports(assetType) {
			continue
		}
		open, err := o.store.IsCircuitOpen(ctx, name)
		if err != nil {
			log.Warn().Str("provider", string(name)).Err(err).Msg("circuit check failed")
			continue
		}
		if open {
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("no available provider for %s", assetType)
}

// handleProviderError trips the circuit of the provider actually used
// unless the failure was a missing-data case.
func (o *Orchestrator) handleProviderError(ctx context.Context, p providers.Provider, err error) {
	if o.metrics != nil {
		o.metrics.ProviderRequests.WithLabelValues(string(p.Name()), "error").Inc()
	}
	if !providers.TripsCircuit(err) {
		return
	}
	if o.metrics != nil {
		o.metrics.CircuitTrips.WithLabelValues(string(p.Name())).Inc()
	}
	if tripErr := o.store.TripCircuit(ctx, p.Name(), err.Error()); tripErr != nil {
		log.Error().Str("provider", string(p.Name())).Err(tripErr).Msg("could not trip circuit")
	}
}

func (o *Orchestrator) markSuccess(p providers.Provider) {
	if o.metrics != nil {
		o.metrics.ProviderRequests.WithLabelValues(string(p.Name()), "ok").Inc()
	}
}

// updateAssetLists refreshes the asset directory for every class. A class
// with no available provider or an empty result keeps its previous list.
func (o *Orchestrator) updateAssetLists(ctx context.Context) error {
	var firstErr error
	for _, assetType := range models.AssetTypes {
		p, err := o.selectProvider(ctx, assetType)
		if err != nil {
			log.Warn().Str("asset_type", string(assetType)).Msg("no provider available, keeping previous asset list")
			continue
		}

		assets, err := p.Assets(ctx, assetType)
		if err != nil {
			o.handleProviderError(ctx, p, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.markSuccess(p)
		if len(assets) == 0 {
			continue
		}

		if err := o.store.SetAssets(ctx, assetType, assets); err != nil {
			log.Error().Str("asset_type", string(assetType)).Err(err).Msg("asset list write failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info().
			Str("asset_type", string(assetType)).
			Str("provider", string(p.Name())).
			Int("count", len(assets)).
			Msg("asset list refreshed")
	}
	return firstErr
}

// activeSymbols reads the working set from the cache, falling back to the
// configured defaults.
func (o *Orchestrator) activeSymbols(ctx context.Context) []string {
	symbols, err := o.store.GetActiveSymbols(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("active symbols read failed, using defaults")
	}
	if len(symbols) == 0 {
		return o.defaultSymbols
	}
	return symbols
}

// bucketSymbols groups canonical symbols by asset class, preserving order
// within each bucket.
func bucketSymbols(symbols []string) map[models.AssetType][]string {
	buckets := make(map[models.AssetType][]string)
	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)
		if canonical == "" {
			continue
		}
		t := models.ClassifySymbol(canonical)
		buckets[t] = append(buckets[t], canonical)
	}
	return buckets
}

// fetchQuotes runs one quote loop iteration: bucket the working set, fetch
// each bucket from its selected provider, and commit the merged result.
// Symbols upstream does not confirm are absent, never fabricated.
func (o *Orchestrator) fetchQuotes(ctx context.Context) error {
	symbols := o.activeSymbols(ctx)
	if len(symbols) == 0 {
		log.Warn().Msg("no active symbols to track")
		return nil
	}

	merged := make(map[string]models.Quote)
	buckets := bucketSymbols(symbols)
	var firstErr error

	for _, assetType := range models.AssetTypes {
		bucket := buckets[assetType]
		if len(bucket) == 0 {
			continue
		}

		p, err := o.selectProvider(ctx, assetType)
		if err != nil {
			log.Warn().Str("asset_type", string(assetType)).Msg("no provider available, skipping bucket this cycle")
			continue
		}

		quotes, err := p.Quotes(ctx, bucket)
		if err != nil {
			o.handleProviderError(ctx, p, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.markSuccess(p)
		for symbol, quote := range quotes {
			merged[symbol] = quote
		}
	}

	if len(merged) == 0 {
		return firstErr
	}
	if err := o.store.SetQuotes(ctx, merged); err != nil {
		return fmt.Errorf("commit quotes: %w", err)
	}
	if o.metrics != nil {
		o.metrics.QuotesWritten.Add(float64(len(merged)))
	}
	log.Debug().Int("count", len(merged)).Msg("quotes committed")
	return firstErr
}

// fetchNews runs one news loop iteration: general news from Finnhub, then
// per-symbol company news with the Finnhub-then-Yahoo chain. Only
// stock-shaped symbols get company news.
func (o *Orchestrator) fetchNews(ctx context.Context) error {
	var firstErr error
	if err := o.fetchGeneralNews(ctx); err != nil {
		firstErr = err
	}
	if err := o.fetchCompanyNews(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (o *Orchestrator) fetchGeneralNews(ctx context.Context) error {
	p, err := o.registry.Get(models.ProviderFinnhub)
	if err != nil {
		log.Warn().Msg("finnhub not registered, skipping general news")
		return nil
	}
	np, ok := p.(providers.GeneralNewsProvider)
	if !ok {
		return nil
	}

	open, err := o.store.IsCircuitOpen(ctx, p.Name())
	if err == nil && open {
		log.Info().Msg("finnhub circuit open, skipping general news")
		return nil
	}

	articles, err := np.GeneralNews(ctx)
	if err != nil {
		o.handleProviderError(ctx, p, err)
		return err
	}
	o.markSuccess(p)
	if len(articles) == 0 {
		log.Warn().Msg("no general news articles received")
		return nil
	}
	if err := o.store.SetNews(ctx, "general", articles); err != nil {
		return fmt.Errorf("commit general news: %w", err)
	}
	log.Info().Int("count", len(articles)).Msg("general news cached")
	return nil
}

// stockSymbols filters the working set down to stock-shaped symbols.
func stockSymbols(symbols []string) []string {
	var out []string
	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)
		if models.ClassifySymbol(canonical) == models.AssetTypeStocks {
			out = append(out, canonical)
		}
	}
	return out
}

func (o *Orchestrator) fetchCompanyNews(ctx context.Context) error {
	symbols := stockSymbols(o.activeSymbols(ctx))
	if len(symbols) == 0 {
		return nil
	}

	var firstErr error
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		articles := o.companyNewsFor(ctx, symbol)
		if len(articles) == 0 {
			continue
		}
		if err := o.store.SetNews(ctx, symbol, articles); err != nil {
			log.Error().Str("symbol", symbol).Err(err).Msg("company news write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// companyNewsFor tries Finnhub first. On error the circuit trips and the
// chain falls through to Yahoo; an empty Finnhub result also falls
// through.
func (o *Orchestrator) companyNewsFor(ctx context.Context, symbol string) []models.NewsArticle {
	if p, err := o.registry.Get(models.ProviderFinnhub); err == nil {
		if np, ok := p.(providers.CompanyNewsProvider); ok {
			open, cerr := o.store.IsCircuitOpen(ctx, p.Name())
			if cerr != nil || !open {
				articles, err := np.CompanyNews(ctx, symbol)
				if err != nil {
					o.handleProviderError(ctx, p, err)
				} else {
					o.markSuccess(p)
					if len(articles) > 0 {
						return articles
					}
				}
			}
		}
	}

	p, err := o.registry.Get(models.ProviderYFinance)
	if err != nil {
		return nil
	}
	np, ok := p.(providers.CompanyNewsProvider)
	if !ok {
		return nil
	}
	articles, err := np.CompanyNews(ctx, symbol)
	if err != nil {
		log.Warn().Str("symbol", symbol).Err(err).Msg("fallback company news failed")
		return nil
	}
	o.markSuccess(p)
	return articles
}

// ProviderStatus is the per-provider snapshot served by the API.
type ProviderStatus struct {
	Provider      models.DataProvider `json:"provider"`
	CircuitOpen   bool                `json:"circuit_open"`
	FailureCount  int64               `json:"failure_count"`
	LastError     string              `json:"last_error,omitempty"`
	TrippedAt     *time.Time          `json:"tripped_at,omitempty"`
	RatePerMinute int                 `json:"rate_limit_per_minute"`
}

// Status reports every registered provider's circuit view.
func (o *Orchestrator) Status(ctx context.Context) []ProviderStatus {
	names := o.registry.Names()
	out := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		p, err := o.registry.Get(name)
		if err != nil {
			continue
		}
		status := ProviderStatus{Provider: name, RatePerMinute: p.RateLimitPerMinute()}

		open, err := o.store.IsCircuitOpen(ctx, name)
		if err == nil {
			status.CircuitOpen = open
		}
		if state, err := o.store.CircuitState(ctx, name); err == nil && state != nil {
			status.FailureCount = state.FailureCount
			status.LastError = state.ErrorMessage
			if !state.TripTime.IsZero() {
				t := state.TripTime
				status.TrippedAt = &t
			}
		}
		out = append(out, status)
	}
	return out
}

// ProbeProviders runs every adapter's health probe, logging outcomes.
// Failures do not abort startup; they surface as warnings.
func (o *Orchestrator) ProbeProviders(ctx context.Context) map[models.DataProvider]bool {
	results := make(map[models.DataProvider]bool)
	for _, name := range o.registry.Names() {
		p, err := o.registry.Get(name)
		if err != nil {
			continue
		}
		healthy := p.HealthProbe(ctx)
		results[name] = healthy
		if healthy {
			log.Info().Str("provider", string(name)).Msg("provider probe ok")
		} else {
			log.Warn().Str("provider", string(name)).Msg("provider probe failed")
		}
	}
	return results
}
