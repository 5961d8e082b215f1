// Package cache is the redis façade: quotes, asset lists, news bundles,
// the active-symbol list, circuit breaker state, and last-update stamps.
// The orchestrator is the only writer; the HTTP API only reads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

const (
	keyQuotePrefix    = "quotes:"
	keyAssetsPrefix   = "assets:"
	keyNewsPrefix     = "news:"
	keyCircuitPrefix  = "circuit_breaker:"
	keyFailurePrefix  = "failures:"
	keyLastUpdate     = "last_update:"
	keyActiveSymbols  = "config:active_symbols"
	newsGeneralKey    = "general"
	activeSymbolsTTL  = time.Hour
	failureCounterTTL = time.Hour
	lastUpdateTTL     = 24 * time.Hour
	circuitGrace      = 60 * time.Second
)

// Options configures the cache façade.
type Options struct {
	Addr           string
	Password       string
	DB             int
	QuotesTTL      time.Duration
	AssetsTTL      time.Duration
	NewsTTL        time.Duration
	CircuitTimeout time.Duration

	// Now is injectable for circuit expiry tests; defaults to time.Now.
	Now func() time.Time
}

// Stats is a point-in-time counter snapshot for /v1/cache/stats.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Errors    int64 `json:"errors"`
	Connected bool  `json:"connected"`
}

// Cache wraps the redis client with the service's key layout and TTLs.
type Cache struct {
	rdb            redis.Cmdable
	closer         func() error
	quotesTTL      time.Duration
	assetsTTL      time.Duration
	newsTTL        time.Duration
	circuitTimeout time.Duration
	now            func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

func New(opts Options) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	c := NewWithClient(client, opts)
	c.closer = client.Close
	return c
}

// NewWithClient builds the façade over an existing client. Used by tests
// with redismock.
func NewWithClient(rdb redis.Cmdable, opts Options) *Cache {
	if opts.QuotesTTL <= 0 {
		opts.QuotesTTL = 5 * time.Minute
	}
	if opts.AssetsTTL <= 0 {
		opts.AssetsTTL = 24 * time.Hour
	}
	if opts.NewsTTL <= 0 {
		opts.NewsTTL = 30 * time.Minute
	}
	if opts.CircuitTimeout <= 0 {
		opts.CircuitTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		rdb:            rdb,
		quotesTTL:      opts.QuotesTTL,
		assetsTTL:      opts.AssetsTTL,
		newsTTL:        opts.NewsTTL,
		circuitTimeout: opts.CircuitTimeout,
		now:            opts.Now,
	}
}

func quoteKey(symbol string) string {
	return keyQuotePrefix + models.NormalizeSymbol(symbol)
}

func newsKey(key string) string {
	if key == newsGeneralKey {
		return keyNewsPrefix + newsGeneralKey
	}
	return keyNewsPrefix + models.NormalizeSymbol(key)
}

func circuitKey(p models.DataProvider) string { return keyCircuitPrefix + string(p) }

// GetQuotes performs a pipelined multi-get. Missing and corrupted entries
// are simply absent from the result.
func (c *Cache) GetQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]models.Quote{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(symbols))
	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)
		if _, dup := cmds[canonical]; dup {
			continue
		}
		cmds[canonical] = pipe.Get(ctx, quoteKey(canonical))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		c.errs.Add(1)
		return nil, fmt.Errorf("quotes multi-get: %w", err)
	}

	quotes := make(map[string]models.Quote, len(cmds))
	for canonical, cmd := range cmds {
		raw, err := cmd.Bytes()
		if err != nil {
			c.misses.Add(1)
			continue
		}
		var q models.Quote
		if err := json.Unmarshal(raw, &q); err != nil {
			c.misses.Add(1)
			log.Warn().Str("symbol", canonical).Err(err).Msg("corrupted quote entry skipped")
			continue
		}
		c.hits.Add(1)
		quotes[canonical] = q
	}
	return quotes, nil
}

// SetQuotes performs a pipelined multi-set with the quotes TTL per key.
func (c *Cache) SetQuotes(ctx context.Context, quotes map[string]models.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	pipe := c.rdb.Pipeline()
	for symbol, quote := range quotes {
		raw, err := json.Marshal(quote)
		if err != nil {
			return fmt.Errorf("encode quote %s: %w", symbol, err)
		}
		pipe.SetEx(ctx, quoteKey(symbol), raw, c.quotesTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("quotes multi-set: %w", err)
	}
	return nil
}

// GetAssets returns the cached asset list for a class, or nil on miss.
func (c *Cache) GetAssets(ctx context.Context, assetType models.AssetType) ([]models.Asset, error) {
	var assets []models.Asset
	ok, err := c.getJSON(ctx, keyAssetsPrefix+string(assetType), &assets)
	if err != nil || !ok {
		return nil, err
	}
	return assets, nil
}

// SetAssets replaces the asset list for a class wholesale.
func (c *Cache) SetAssets(ctx context.Context, assetType models.AssetType, assets []models.Asset) error {
	return c.setJSON(ctx, keyAssetsPrefix+string(assetType), assets, c.assetsTTL)
}

// GetNews returns a news bundle; key is "general" or a canonical symbol.
func (c *Cache) GetNews(ctx context.Context, key string) ([]models.NewsArticle, error) {
	var articles []models.NewsArticle
	ok, err := c.getJSON(ctx, newsKey(key), &articles)
	if err != nil || !ok {
		return nil, err
	}
	return articles, nil
}

// SetNews replaces a news bundle.
func (c *Cache) SetNews(ctx context.Context, key string, articles []models.NewsArticle) error {
	return c.setJSON(ctx, newsKey(key), articles, c.newsTTL)
}

// GetActiveSymbols returns the cached working set, or nil on miss.
func (c *Cache) GetActiveSymbols(ctx context.Context) ([]string, error) {
	var symbols []string
	ok, err := c.getJSON(ctx, keyActiveSymbols, &symbols)
	if err != nil || !ok {
		return nil, err
	}
	return symbols, nil
}

// SetActiveSymbols stores the working set with a one hour TTL.
func (c *Cache) SetActiveSymbols(ctx context.Context, symbols []string) error {
	return c.setJSON(ctx, keyActiveSymbols, symbols, activeSymbolsTTL)
}

// IsCircuitOpen reports whether a provider's breaker is open. A stored
// entry older than the circuit timeout is stale: it is removed and
// reported closed.
func (c *Cache) IsCircuitOpen(ctx context.Context, provider models.DataProvider) (bool, error) {
	raw, err := c.rdb.Get(ctx, circuitKey(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.errs.Add(1)
		return false, fmt.Errorf("circuit read %s: %w", provider, err)
	}

	var state models.CircuitBreakerState
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Warn().Str("provider", string(provider)).Err(err).Msg("corrupted circuit entry removed")
		c.rdb.Del(ctx, circuitKey(provider))
		return false, nil
	}
	if !state.IsOpen {
		return false, nil
	}
	if c.now().Sub(state.TripTime) > c.circuitTimeout {
		log.Info().Str("provider", string(provider)).Msg("stale circuit entry self-healed")
		c.rdb.Del(ctx, circuitKey(provider))
		return false, nil
	}
	return true, nil
}

// TripCircuit opens a provider's breaker, bumping its failure counter. The
// entry self-expires after the circuit timeout plus a grace window.
func (c *Cache) TripCircuit(ctx context.Context, provider models.DataProvider, errorMessage string) error {
	failures, err := c.rdb.Incr(ctx, keyFailurePrefix+string(provider)).Result()
	if err != nil {
		c.errs.Add(1)
		return fmt.Errorf("failure counter %s: %w", provider, err)
	}
	c.rdb.Expire(ctx, keyFailurePrefix+string(provider), failureCounterTTL)

	state := models.CircuitBreakerState{
		IsOpen:       true,
		TripTime:     c.now().UTC(),
		ErrorMessage: errorMessage,
		FailureCount: failures,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode circuit state: %w", err)
	}
	if err := c.rdb.SetEx(ctx, circuitKey(provider), raw, c.circuitTimeout+circuitGrace).Err(); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("circuit write %s: %w", provider, err)
	}

	log.Warn().
		Str("provider", string(provider)).
		Int64("failure_count", failures).
		Str("error", errorMessage).
		Msg("circuit breaker tripped")
	return nil
}

// CloseCircuit removes a provider's breaker entry and resets its failure
// counter.
func (c *Cache) CloseCircuit(ctx context.Context, provider models.DataProvider) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, circuitKey(provider))
	pipe.Del(ctx, keyFailurePrefix+string(provider))
	if _, err := pipe.Exec(ctx); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("circuit close %s: %w", provider, err)
	}
	return nil
}

// CircuitState returns the stored breaker document, or nil when closed.
func (c *Cache) CircuitState(ctx context.Context, provider models.DataProvider) (*models.CircuitBreakerState, error) {
	raw, err := c.rdb.Get(ctx, circuitKey(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.errs.Add(1)
		return nil, fmt.Errorf("circuit read %s: %w", provider, err)
	}
	var state models.CircuitBreakerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, nil
	}
	return &state, nil
}

// GetLastUpdate returns the stored stamp for a task, or the zero time on
// miss.
func (c *Cache) GetLastUpdate(ctx context.Context, task string) (time.Time, error) {
	raw, err := c.rdb.Get(ctx, keyLastUpdate+task).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		c.errs.Add(1)
		return time.Time{}, fmt.Errorf("last update read %s: %w", task, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, nil
	}
	return ts, nil
}

// SetLastUpdate stamps a task's completion time.
func (c *Cache) SetLastUpdate(ctx context.Context, task string, ts time.Time) error {
	err := c.rdb.SetEx(ctx, keyLastUpdate+task, ts.UTC().Format(time.RFC3339Nano), lastUpdateTTL).Err()
	if err != nil {
		c.errs.Add(1)
		return fmt.Errorf("last update write %s: %w", task, err)
	}
	return nil
}

// Ping checks connectivity to the backing store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Stats snapshots the façade counters.
func (c *Cache) Stats(ctx context.Context) Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Errors:    c.errs.Load(),
		Connected: c.rdb.Ping(ctx).Err() == nil,
	}
}

// Close releases the underlying client when this façade owns it.
func (c *Cache) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *Cache) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		c.misses.Add(1)
		return false, nil
	}
	if err != nil {
		c.errs.Add(1)
		return false, fmt.Errorf("cache read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.misses.Add(1)
		log.Warn().Str("key", key).Err(err).Msg("corrupted cache entry treated as miss")
		return false, nil
	}
	c.hits.Add(1)
	return true, nil
}

func (c *Cache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.SetEx(ctx, key, raw, ttl).Err(); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("cache write %s: %w", key, err)
	}
	return nil
}
