// Package config loads service settings from the environment and an
// optional routing override file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/buiqtuan/demo-trade/internal/models"
)

// Config is the full service configuration. All durations arrive as seconds
// in the environment and are converted once here.
type Config struct {
	AppName    string
	AppVersion string
	Debug      bool

	ListenAddr string

	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	CircuitBreakerTimeout time.Duration

	AssetListUpdateInterval time.Duration
	PriceFetchInterval      time.Duration
	NewsFetchInterval       time.Duration

	QuotesCacheTTL time.Duration
	AssetsCacheTTL time.Duration
	NewsCacheTTL   time.Duration

	FinnhubAPIKey       string
	CoinMarketCapAPIKey string
	AlphaVantageAPIKey  string
	CoinGeckoAPIKey     string
	CoinGeckoAPIURL     string

	ActiveSymbols []string

	LogLevel  string
	LogFormat string

	Routing Routing
}

// Routing is the per-asset-class provider table plus the per-provider
// request budgets. Defaults preserve the conservative upstream budgets;
// an optional YAML file overrides individual entries.
type Routing struct {
	Primary  map[models.AssetType]models.DataProvider `yaml:"primary"`
	Fallback map[models.AssetType]models.DataProvider `yaml:"fallback"`
	Budgets  map[models.DataProvider]int              `yaml:"budgets"`
}

// DefaultRouting returns the static provider table.
func DefaultRouting() Routing {
	return Routing{
		Primary: map[models.AssetType]models.DataProvider{
			models.AssetTypeStocks: models.ProviderYFinance,
			models.AssetTypeCrypto: models.ProviderCoinGecko,
			models.AssetTypeForex:  models.ProviderAlphaVantage,
		},
		Fallback: map[models.AssetType]models.DataProvider{
			models.AssetTypeStocks: models.ProviderFinnhub,
			models.AssetTypeCrypto: models.ProviderCoinMarketCap,
			models.AssetTypeForex:  models.ProviderYFinance,
		},
		Budgets: map[models.DataProvider]int{
			models.ProviderYFinance:      30,
			models.ProviderFinnhub:       50,
			models.ProviderCoinGecko:     40,
			models.ProviderCoinMarketCap: 15,
			models.ProviderAlphaVantage:  4,
		},
	}
}

// Load reads configuration from the environment. routingPath, when
// non-empty, points at a YAML file overriding parts of the routing table.
func Load(routingPath string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_NAME", "Market Data Aggregator")
	v.SetDefault("APP_VERSION", "1.0.0")
	v.SetDefault("DEBUG", false)
	v.SetDefault("LISTEN_ADDR", ":8000")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("CIRCUIT_BREAKER_TIMEOUT", 300)
	v.SetDefault("ASSET_LIST_UPDATE_INTERVAL", 86400)
	v.SetDefault("PRICE_FETCH_INTERVAL", 5)
	v.SetDefault("NEWS_FETCH_INTERVAL", 600)
	v.SetDefault("QUOTES_CACHE_TTL", 300)
	v.SetDefault("ASSETS_CACHE_TTL", 86400)
	v.SetDefault("NEWS_CACHE_TTL", 1800)
	v.SetDefault("FINNHUB_API_KEY", "")
	v.SetDefault("COINMARKETCAP_API_KEY", "")
	v.SetDefault("ALPHA_VANTAGE_API_KEY", "")
	v.SetDefault("COINGECKO_API_KEY", "")
	v.SetDefault("COINGECKO_API_URL", "https://api.coingecko.com/api/v3")
	v.SetDefault("ACTIVE_SYMBOLS", "AAPL,GOOGL,MSFT,TSLA,BTC-USD,ETH-USD,EUR/USD,GBP/USD")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	cfg := &Config{
		AppName:    v.GetString("APP_NAME"),
		AppVersion: v.GetString("APP_VERSION"),
		Debug:      v.GetBool("DEBUG"),

		ListenAddr: v.GetString("LISTEN_ADDR"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetInt("REDIS_PORT"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		CircuitBreakerTimeout: seconds(v.GetInt("CIRCUIT_BREAKER_TIMEOUT")),

		AssetListUpdateInterval: seconds(v.GetInt("ASSET_LIST_UPDATE_INTERVAL")),
		PriceFetchInterval:      seconds(v.GetInt("PRICE_FETCH_INTERVAL")),
		NewsFetchInterval:       seconds(v.GetInt("NEWS_FETCH_INTERVAL")),

		QuotesCacheTTL: seconds(v.GetInt("QUOTES_CACHE_TTL")),
		AssetsCacheTTL: seconds(v.GetInt("ASSETS_CACHE_TTL")),
		NewsCacheTTL:   seconds(v.GetInt("NEWS_CACHE_TTL")),

		FinnhubAPIKey:       v.GetString("FINNHUB_API_KEY"),
		CoinMarketCapAPIKey: v.GetString("COINMARKETCAP_API_KEY"),
		AlphaVantageAPIKey:  v.GetString("ALPHA_VANTAGE_API_KEY"),
		CoinGeckoAPIKey:     v.GetString("COINGECKO_API_KEY"),
		CoinGeckoAPIURL:     v.GetString("COINGECKO_API_URL"),

		ActiveSymbols: splitSymbols(v.GetString("ACTIVE_SYMBOLS")),

		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		Routing: DefaultRouting(),
	}

	if routingPath != "" {
		if err := cfg.Routing.loadFile(routingPath); err != nil {
			return nil, fmt.Errorf("load routing file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// splitSymbols parses the comma-separated active symbol list, normalizing
// and deduplicating while preserving input order.
func splitSymbols(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		s := models.NormalizeSymbol(part)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (c *Config) validate() error {
	if len(c.ActiveSymbols) == 0 {
		return fmt.Errorf("ACTIVE_SYMBOLS cannot be empty")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel)
	}
	if c.PriceFetchInterval <= 0 || c.AssetListUpdateInterval <= 0 || c.NewsFetchInterval <= 0 {
		return fmt.Errorf("loop intervals must be positive")
	}
	for _, t := range models.AssetTypes {
		if p, ok := c.Routing.Primary[t]; !ok || !p.Valid() {
			return fmt.Errorf("routing: no valid primary provider for %s", t)
		}
		if p, ok := c.Routing.Fallback[t]; !ok || !p.Valid() {
			return fmt.Errorf("routing: no valid fallback provider for %s", t)
		}
	}
	return nil
}

// RedisAddr is the host:port address for the redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// loadFile merges a YAML routing override into the defaults. Only the
// entries present in the file change.
func (r *Routing) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var override Routing
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return err
	}
	for t, p := range override.Primary {
		if !t.Valid() || !p.Valid() {
			return fmt.Errorf("invalid primary routing entry %s=%s", t, p)
		}
		r.Primary[t] = p
	}
	for t, p := range override.Fallback {
		if !t.Valid() || !p.Valid() {
			return fmt.Errorf("invalid fallback routing entry %s=%s", t, p)
		}
		r.Fallback[t] = p
	}
	for p, budget := range override.Budgets {
		if !p.Valid() || budget <= 0 {
			return fmt.Errorf("invalid budget entry %s=%d", p, budget)
		}
		r.Budgets[p] = budget
	}
	return nil
}
