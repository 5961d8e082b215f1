package providers

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

const coinmarketcapBaseURL = "https://pro-api.coinmarketcap.com/v1"

// CoinMarketCapConfig configures the CoinMarketCap adapter. APIKey is
// required for every endpoint.
type CoinMarketCapConfig struct {
	APIKey        string
	BaseURL       string
	RatePerMinute int
}

// CoinMarketCap is the crypto fallback. Quotes are batched per call via
// /cryptocurrency/quotes/latest; asset listings come from
// /cryptocurrency/listings/latest.
type CoinMarketCap struct {
	apiKey  string
	baseURL string
	rpm     int
	client  *guardedClient
}

func NewCoinMarketCap(cfg CoinMarketCapConfig) *CoinMarketCap {
	if cfg.BaseURL == "" {
		cfg.BaseURL = coinmarketcapBaseURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 15
	}
	var headers map[string]string
	if cfg.APIKey != "" {
		headers = map[string]string{"X-CMC_PRO_API_KEY": cfg.APIKey}
	}
	return &CoinMarketCap{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		rpm:     cfg.RatePerMinute,
		client: newGuardedClient(clientConfig{
			provider:      models.ProviderCoinMarketCap,
			ratePerMinute: cfg.RatePerMinute,
			headers:       headers,
		}),
	}
}

func (c *CoinMarketCap) Name() models.DataProvider { return models.ProviderCoinMarketCap }

func (c *CoinMarketCap) RateLimitPerMinute() int { return c.rpm }

func (c *CoinMarketCap) Supports(t models.AssetType) bool {
	return t == models.AssetTypeCrypto
}

func (c *CoinMarketCap) requireKey() error {
	if c.apiKey == "" {
		return newError(models.ProviderCoinMarketCap, KindAuth, "api key not configured", nil)
	}
	return nil
}

type cmcUSDQuote struct {
	Price            float64 `json:"price"`
	Volume24h        float64 `json:"volume_24h"`
	PercentChange24h float64 `json:"percent_change_24h"`
	MarketCap        float64 `json:"market_cap"`
	LastUpdated      string  `json:"last_updated"`
}

type cmcQuoteEntry struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Quote  struct {
		USD cmcUSDQuote `json:"USD"`
	} `json:"quote"`
}

type cmcQuotesResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data map[string]cmcQuoteEntry `json:"data"`
}

func (c *CoinMarketCap) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}

	// CMC keys its response by base ticker; remember which canonical symbol
	// each base came from.
	baseToCanonical := make(map[string]string, len(symbols))
	bases := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)
		base := cryptoBase(canonical)
		if base == "" {
			continue
		}
		if _, dup := baseToCanonical[base]; dup {
			continue
		}
		baseToCanonical[base] = canonical
		bases = append(bases, base)
	}
	if len(bases) == 0 {
		return map[string]models.Quote{}, nil
	}

	params := url.Values{
		"symbol":  {strings.Join(bases, ",")},
		"convert": {"USD"},
	}

	var payload cmcQuotesResponse
	if err := c.client.getJSON(ctx, c.baseURL+"/cryptocurrency/quotes/latest", params, nil, &payload); err != nil {
		if KindOf(err) == KindNotFound {
			return map[string]models.Quote{}, nil
		}
		return nil, err
	}
	if payload.Status.ErrorCode != 0 {
		return nil, newError(models.ProviderCoinMarketCap, KindProvider, payload.Status.ErrorMessage, nil)
	}

	quotes := make(map[string]models.Quote, len(payload.Data))
	for base, entry := range payload.Data {
		canonical, ok := baseToCanonical[models.NormalizeSymbol(base)]
		if !ok {
			continue
		}
		usd := entry.Quote.USD
		if usd.Price <= 0 {
			continue
		}
		quote := models.Quote{
			Symbol:        canonical,
			Price:         models.RoundPrice(usd.Price),
			PercentChange: models.Float64(models.RoundPercent(usd.PercentChange24h)),
			Source:        models.ProviderCoinMarketCap,
			Timestamp:     time.Now().UTC(),
			Currency:      "USD",
			AssetType:     models.AssetTypeCrypto,
		}
		if usd.Volume24h > 0 {
			quote.Volume = models.Int64(int64(usd.Volume24h))
		}
		if usd.MarketCap > 0 {
			quote.MarketCap = models.Float64(usd.MarketCap)
		}
		if ts, err := time.Parse(time.RFC3339, usd.LastUpdated); err == nil {
			quote.Timestamp = ts.UTC()
		}
		quotes[canonical] = quote
	}
	return quotes, nil
}

type cmcListingsResponse struct {
	Status struct {
		ErrorCode    int    `json:"error_code"`
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
	Data []struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
		Slug   string `json:"slug"`
		Rank   int    `json:"cmc_rank"`
	} `json:"data"`
}

// Assets lists the top coins by market cap, capped at 500.
func (c *CoinMarketCap) Assets(ctx context.Context, assetType models.AssetType) ([]models.Asset, error) {
	if assetType != models.AssetTypeCrypto {
		return nil, nil
	}
	if err := c.requireKey(); err != nil {
		return nil, err
	}

	params := url.Values{
		"start":   {"1"},
		"limit":   {strconv.Itoa(500)},
		"convert": {"USD"},
	}

	var payload cmcListingsResponse
	if err := c.client.getJSON(ctx, c.baseURL+"/cryptocurrency/listings/latest", params, nil, &payload); err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	if payload.Status.ErrorCode != 0 {
		return nil, newError(models.ProviderCoinMarketCap, KindProvider, payload.Status.ErrorMessage, nil)
	}

	assets := make([]models.Asset, 0, len(payload.Data))
	for _, coin := range payload.Data {
		symbol := models.NormalizeSymbol(coin.Symbol)
		if symbol == "" || coin.Name == "" {
			continue
		}
		assets = append(assets, models.Asset{
			Symbol:    symbol,
			Name:      coin.Name,
			AssetType: models.AssetTypeCrypto,
			Exchange:  "CoinMarketCap",
			Currency:  "USD",
			IsActive:  true,
			Metadata:  map[string]any{"slug": coin.Slug, "rank": coin.Rank},
		})
	}

	log.Info().Str("provider", "coinmarketcap").Int("count", len(assets)).Msg("coin listings retrieved")
	return assets, nil
}

// HealthProbe validates the API key against /key/info, the cheapest
// authenticated endpoint.
func (c *CoinMarketCap) HealthProbe(ctx context.Context) bool {
	if c.apiKey == "" {
		return false
	}
	var payload struct {
		Status struct {
			ErrorCode int `json:"error_code"`
		} `json:"status"`
	}
	err := c.client.getJSON(ctx, c.baseURL+"/key/info", nil, nil, &payload)
	return err == nil && payload.Status.ErrorCode == 0
}

func (c *CoinMarketCap) Close() error {
	c.client.http.CloseIdleConnections()
	return nil
}
