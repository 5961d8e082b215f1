package providers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubConfig configures the Finnhub adapter. APIKey is required; the
// adapter refuses requests without one rather than burning budget on 401s.
type FinnhubConfig struct {
	APIKey        string
	BaseURL       string
	RatePerMinute int
}

// Finnhub serves US stock quotes, the US symbol directory, market-wide
// news, and per-company news.
type Finnhub struct {
	apiKey  string
	baseURL string
	rpm     int
	client  *guardedClient
}

func NewFinnhub(cfg FinnhubConfig) *Finnhub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = finnhubBaseURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 50
	}
	return &Finnhub{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		rpm:     cfg.RatePerMinute,
		client: newGuardedClient(clientConfig{
			provider:      models.ProviderFinnhub,
			ratePerMinute: cfg.RatePerMinute,
		}),
	}
}

func (f *Finnhub) Name() models.DataProvider { return models.ProviderFinnhub }

func (f *Finnhub) RateLimitPerMinute() int { return f.rpm }

func (f *Finnhub) Supports(t models.AssetType) bool {
	return t == models.AssetTypeStocks
}

func (f *Finnhub) params(extra url.Values) url.Values {
	params := url.Values{"token": {f.apiKey}}
	for k, vs := range extra {
		params[k] = vs
	}
	return params
}

func (f *Finnhub) requireKey() error {
	if f.apiKey == "" {
		return newError(models.ProviderFinnhub, KindAuth, "api key not configured", nil)
	}
	return nil
}

type finnhubQuote struct {
	Current       float64 `json:"c"`
	Change        float64 `json:"d"`
	PercentChange float64 `json:"dp"`
	High          float64 `json:"h"`
	Low           float64 `json:"l"`
	Open          float64 `json:"o"`
	PreviousClose float64 `json:"pc"`
	Timestamp     int64   `json:"t"`
}

func (f *Finnhub) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if err := f.requireKey(); err != nil {
		return nil, err
	}

	quotes := make(map[string]models.Quote, len(symbols))
	var lastErr error

	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)

		var payload finnhubQuote
		err := f.client.getJSON(ctx, f.baseURL+"/quote", f.params(url.Values{"symbol": {canonical}}), nil, &payload)
		if err != nil {
			if KindOf(err) == KindNotFound {
				continue
			}
			if KindOf(err) == KindAuth {
				return nil, err
			}
			lastErr = err
			log.Warn().Str("provider", "finnhub").Str("symbol", canonical).Err(err).Msg("quote fetch failed")
			continue
		}

		// Finnhub answers unknown symbols with 200 and zeroed fields.
		if payload.Current <= 0 {
			log.Debug().Str("provider", "finnhub").Str("symbol", canonical).Msg("no quote data for symbol")
			continue
		}

		quote := models.Quote{
			Symbol:    canonical,
			Price:     models.RoundPrice(payload.Current),
			Source:    models.ProviderFinnhub,
			Timestamp: time.Now().UTC(),
			Currency:  "USD",
			AssetType: models.AssetTypeStocks,
		}
		if payload.Timestamp > 0 {
			quote.Timestamp = time.Unix(payload.Timestamp, 0).UTC()
		}
		if payload.PreviousClose > 0 {
			quote.ClosePrice = models.Float64(payload.PreviousClose)
			quote.Change = models.Float64(models.RoundPrice(payload.Current - payload.PreviousClose))
			quote.PercentChange = models.Float64(models.RoundPercent((payload.Current - payload.PreviousClose) / payload.PreviousClose * 100))
		}
		if payload.High > 0 {
			quote.High24h = models.Float64(payload.High)
		}
		if payload.Low > 0 {
			quote.Low24h = models.Float64(payload.Low)
		}
		if payload.Open > 0 {
			quote.OpenPrice = models.Float64(payload.Open)
		}
		quotes[canonical] = quote
	}

	if len(quotes) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return quotes, nil
}

type finnhubSymbol struct {
	Symbol        string `json:"symbol"`
	Description   string `json:"description"`
	Currency      string `json:"currency"`
	Type          string `json:"type"`
	DisplaySymbol string `json:"displaySymbol"`
}

// Assets lists US exchange symbols, skipping the derivative and share-class
// tickers Finnhub encodes with punctuation. Capped at 1000 entries.
func (f *Finnhub) Assets(ctx context.Context, assetType models.AssetType) ([]models.Asset, error) {
	if assetType != models.AssetTypeStocks {
		return nil, nil
	}
	if err := f.requireKey(); err != nil {
		return nil, err
	}

	var payload []finnhubSymbol
	err := f.client.getJSON(ctx, f.baseURL+"/stock/symbol", f.params(url.Values{"exchange": {"US"}}), nil, &payload)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	assets := make([]models.Asset, 0, 1000)
	for _, s := range payload {
		symbol := models.NormalizeSymbol(s.Symbol)
		if symbol == "" || strings.ContainsAny(symbol, ".-/^") {
			continue
		}
		currency := s.Currency
		if currency == "" {
			currency = "USD"
		}
		assets = append(assets, models.Asset{
			Symbol:    symbol,
			Name:      s.Description,
			AssetType: models.AssetTypeStocks,
			Exchange:  "US",
			Currency:  currency,
			IsActive:  true,
		})
		if len(assets) == 1000 {
			break
		}
	}

	log.Info().Str("provider", "finnhub").Int("count", len(assets)).Msg("stock directory retrieved")
	return assets, nil
}

type finnhubNews struct {
	Category string `json:"category"`
	Datetime int64  `json:"datetime"`
	Headline string `json:"headline"`
	Image    string `json:"image"`
	Related  string `json:"related"`
	Source   string `json:"source"`
	Summary  string `json:"summary"`
	URL      string `json:"url"`
}

func (f *Finnhub) mapNews(items []finnhubNews, symbol, category string, limit int) []models.NewsArticle {
	articles := make([]models.NewsArticle, 0, limit)
	for _, item := range items {
		title := strings.TrimSpace(item.Headline)
		link := strings.TrimSpace(item.URL)
		if title == "" || link == "" {
			continue
		}
		var symbols []string
		if symbol != "" {
			symbols = []string{symbol}
		} else if related := strings.TrimSpace(item.Related); related != "" {
			for _, r := range strings.Split(related, ",") {
				if r = models.NormalizeSymbol(r); r != "" {
					symbols = append(symbols, r)
				}
			}
		}
		cat := category
		if cat == "" {
			cat = item.Category
		}
		articles = append(articles, models.NewsArticle{
			Title:       title,
			Summary:     strings.TrimSpace(item.Summary),
			URL:         link,
			Source:      item.Source,
			PublishedAt: time.Unix(item.Datetime, 0).UTC(),
			Symbols:     symbols,
			Category:    cat,
		})
		if len(articles) == limit {
			break
		}
	}
	return articles
}

// GeneralNews fetches up to 50 market-wide headlines.
func (f *Finnhub) GeneralNews(ctx context.Context) ([]models.NewsArticle, error) {
	if err := f.requireKey(); err != nil {
		return nil, err
	}

	var payload []finnhubNews
	err := f.client.getJSON(ctx, f.baseURL+"/news", f.params(url.Values{"category": {"general"}}), nil, &payload)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return f.mapNews(payload, "", "general", 50), nil
}

// CompanyNews fetches up to 30 headlines for a symbol over the trailing 30
// days.
func (f *Finnhub) CompanyNews(ctx context.Context, symbol string) ([]models.NewsArticle, error) {
	if err := f.requireKey(); err != nil {
		return nil, err
	}
	canonical := models.NormalizeSymbol(symbol)
	if canonical == "" {
		return nil, nil
	}

	now := time.Now().UTC()
	params := f.params(url.Values{
		"symbol": {canonical},
		"from":   {now.AddDate(0, 0, -30).Format("2006-01-02")},
		"to":     {now.Format("2006-01-02")},
	})

	var payload []finnhubNews
	err := f.client.getJSON(ctx, f.baseURL+"/company-news", params, nil, &payload)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return f.mapNews(payload, canonical, "company", 30), nil
}

func (f *Finnhub) HealthProbe(ctx context.Context) bool {
	if f.apiKey == "" {
		return false
	}
	return probeQuotes(ctx, f)
}

func (f *Finnhub) Close() error {
	f.client.http.CloseIdleConnections()
	return nil
}
