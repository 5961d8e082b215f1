package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

const (
	yahooChartURL  = "https://query1.finance.yahoo.com/v8/finance/chart"
	yahooSearchURL = "https://query1.finance.yahoo.com/v1/finance/search"
)

// YFinanceConfig configures the Yahoo Finance adapter. No API key required.
type YFinanceConfig struct {
	ChartBaseURL  string
	SearchBaseURL string
	RatePerMinute int
}

// YFinance serves stocks and forex via Yahoo's public quote endpoints.
// Forex pairs are translated from the canonical BASE/QUOTE form to Yahoo's
// BASEQUOTE=X tickers and back.
type YFinance struct {
	chartURL  string
	searchURL string
	rpm       int
	client    *guardedClient
}

func NewYFinance(cfg YFinanceConfig) *YFinance {
	if cfg.ChartBaseURL == "" {
		cfg.ChartBaseURL = yahooChartURL
	}
	if cfg.SearchBaseURL == "" {
		cfg.SearchBaseURL = yahooSearchURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	return &YFinance{
		chartURL:  cfg.ChartBaseURL,
		searchURL: cfg.SearchBaseURL,
		rpm:       cfg.RatePerMinute,
		client: newGuardedClient(clientConfig{
			provider:      models.ProviderYFinance,
			ratePerMinute: cfg.RatePerMinute,
		}),
	}
}

func (y *YFinance) Name() models.DataProvider { return models.ProviderYFinance }

func (y *YFinance) RateLimitPerMinute() int { return y.rpm }

func (y *YFinance) Supports(t models.AssetType) bool {
	return t == models.AssetTypeStocks || t == models.AssetTypeForex
}

// toYahooSymbol translates a canonical symbol to Yahoo's ticker format.
func toYahooSymbol(symbol string) string {
	s := models.NormalizeSymbol(symbol)
	if base, quote, ok := strings.Cut(s, "/"); ok {
		return base + quote + "=X"
	}
	return s
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency             string  `json:"currency"`
				Symbol               string  `json:"symbol"`
				RegularMarketPrice   float64 `json:"regularMarketPrice"`
				ChartPreviousClose   float64 `json:"chartPreviousClose"`
				PreviousClose        float64 `json:"previousClose"`
				RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
				RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
				RegularMarketVolume  int64   `json:"regularMarketVolume"`
				RegularMarketTime    int64   `json:"regularMarketTime"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (y *YFinance) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	quotes := make(map[string]models.Quote, len(symbols))
	var lastErr error

	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)
		quote, err := y.fetchQuote(ctx, canonical)
		if err != nil {
			if KindOf(err) == KindNotFound {
				log.Debug().Str("provider", "yfinance").Str("symbol", canonical).Msg("no quote data for symbol")
				continue
			}
			lastErr = err
			log.Warn().Str("provider", "yfinance").Str("symbol", canonical).Err(err).Msg("quote fetch failed")
			continue
		}
		quotes[canonical] = quote
	}

	// A batch where nothing succeeded and at least one call hit a hard
	// failure is a provider failure; partial success is normal.
	if len(quotes) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return quotes, nil
}

func (y *YFinance) fetchQuote(ctx context.Context, canonical string) (models.Quote, error) {
	yahooSymbol := toYahooSymbol(canonical)

	var payload yahooChartResponse
	reqURL := fmt.Sprintf("%s/%s", y.chartURL, url.PathEscape(yahooSymbol))
	params := url.Values{"interval": {"1d"}, "range": {"1d"}}
	if err := y.client.getJSON(ctx, reqURL, params, nil, &payload); err != nil {
		return models.Quote{}, err
	}
	if payload.Chart.Error != nil {
		return models.Quote{}, newError(models.ProviderYFinance, KindNotFound, payload.Chart.Error.Description, nil)
	}
	if len(payload.Chart.Result) == 0 {
		return models.Quote{}, newError(models.ProviderYFinance, KindNotFound, "empty chart result", nil)
	}

	meta := payload.Chart.Result[0].Meta
	price := meta.RegularMarketPrice
	if price <= 0 {
		return models.Quote{}, newError(models.ProviderYFinance, KindNotFound, "no market price", nil)
	}

	assetType := models.AssetTypeStocks
	if strings.HasSuffix(yahooSymbol, "=X") {
		assetType = models.AssetTypeForex
	}

	quote := models.Quote{
		Symbol:    canonical,
		Price:     models.RoundPrice(price),
		Source:    models.ProviderYFinance,
		Timestamp: time.Now().UTC(),
		Currency:  meta.Currency,
		AssetType: assetType,
	}
	if meta.RegularMarketTime > 0 {
		quote.Timestamp = time.Unix(meta.RegularMarketTime, 0).UTC()
	}

	previousClose := meta.PreviousClose
	if previousClose == 0 {
		previousClose = meta.ChartPreviousClose
	}
	if previousClose > 0 {
		quote.ClosePrice = models.Float64(previousClose)
		quote.Change = models.Float64(models.RoundPrice(price - previousClose))
		quote.PercentChange = models.Float64(models.RoundPercent((price - previousClose) / previousClose * 100))
	}
	if meta.RegularMarketDayHigh > 0 {
		quote.High24h = models.Float64(meta.RegularMarketDayHigh)
	}
	if meta.RegularMarketDayLow > 0 {
		quote.Low24h = models.Float64(meta.RegularMarketDayLow)
	}
	if meta.RegularMarketVolume > 0 {
		quote.Volume = models.Int64(meta.RegularMarketVolume)
	}
	return quote, nil
}

// yahooStocks is the curated stock universe; Yahoo has no listing API on the
// free surface.
var yahooStocks = [][2]string{
	{"AAPL", "Apple Inc."},
	{"GOOGL", "Alphabet Inc."},
	{"MSFT", "Microsoft Corporation"},
	{"AMZN", "Amazon.com Inc."},
	{"TSLA", "Tesla Inc."},
	{"META", "Meta Platforms Inc."},
	{"NVDA", "NVIDIA Corporation"},
	{"NFLX", "Netflix Inc."},
	{"DIS", "The Walt Disney Company"},
	{"BABA", "Alibaba Group Holding Limited"},
	{"V", "Visa Inc."},
	{"JNJ", "Johnson & Johnson"},
	{"WMT", "Walmart Inc."},
	{"JPM", "JPMorgan Chase & Co."},
	{"MA", "Mastercard Incorporated"},
	{"PG", "The Procter & Gamble Company"},
	{"UNH", "UnitedHealth Group Incorporated"},
	{"HD", "The Home Depot Inc."},
	{"BAC", "Bank of America Corporation"},
	{"ADBE", "Adobe Inc."},
}

var yahooForexPairs = [][2]string{
	{"EUR/USD", "Euro / US Dollar"},
	{"GBP/USD", "British Pound / US Dollar"},
	{"USD/JPY", "US Dollar / Japanese Yen"},
	{"USD/CHF", "US Dollar / Swiss Franc"},
	{"AUD/USD", "Australian Dollar / US Dollar"},
	{"USD/CAD", "US Dollar / Canadian Dollar"},
	{"NZD/USD", "New Zealand Dollar / US Dollar"},
	{"EUR/GBP", "Euro / British Pound"},
	{"EUR/JPY", "Euro / Japanese Yen"},
	{"GBP/JPY", "British Pound / Japanese Yen"},
	{"CHF/JPY", "Swiss Franc / Japanese Yen"},
	{"AUD/JPY", "Australian Dollar / Japanese Yen"},
	{"CAD/JPY", "Canadian Dollar / Japanese Yen"},
	{"NZD/JPY", "New Zealand Dollar / Japanese Yen"},
	{"EUR/CHF", "Euro / Swiss Franc"},
	{"GBP/CHF", "British Pound / Swiss Franc"},
	{"AUD/CHF", "Australian Dollar / Swiss Franc"},
	{"CAD/CHF", "Canadian Dollar / Swiss Franc"},
	{"EUR/AUD", "Euro / Australian Dollar"},
	{"GBP/AUD", "British Pound / Australian Dollar"},
}

func (y *YFinance) Assets(_ context.Context, assetType models.AssetType) ([]models.Asset, error) {
	switch assetType {
	case models.AssetTypeStocks:
		return curatedAssets(yahooStocks, models.AssetTypeStocks, "NASDAQ/NYSE", "USD"), nil
	case models.AssetTypeForex:
		return curatedAssets(yahooForexPairs, models.AssetTypeForex, "Forex", ""), nil
	default:
		return nil, nil
	}
}

func curatedAssets(entries [][2]string, assetType models.AssetType, exchange, currency string) []models.Asset {
	assets := make([]models.Asset, 0, len(entries))
	for _, e := range entries {
		assets = append(assets, models.Asset{
			Symbol:    e[0],
			Name:      e[1],
			AssetType: assetType,
			Exchange:  exchange,
			Currency:  currency,
			IsActive:  true,
		})
	}
	return assets
}

type yahooSearchResponse struct {
	News []struct {
		Title               string `json:"title"`
		Link                string `json:"link"`
		Publisher           string `json:"publisher"`
		ProviderPublishTime int64  `json:"providerPublishTime"`
	} `json:"news"`
}

// CompanyNews fetches headlines for a symbol from Yahoo's search endpoint.
// Items without a title or link are dropped rather than propagated as
// partial records.
func (y *YFinance) CompanyNews(ctx context.Context, symbol string) ([]models.NewsArticle, error) {
	canonical := models.NormalizeSymbol(symbol)
	if canonical == "" {
		return nil, nil
	}

	var payload yahooSearchResponse
	params := url.Values{
		"q":           {canonical},
		"newsCount":   {"20"},
		"quotesCount": {"0"},
	}
	if err := y.client.getJSON(ctx, y.searchURL, params, nil, &payload); err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	articles := make([]models.NewsArticle, 0, len(payload.News))
	for _, item := range payload.News {
		title := strings.TrimSpace(item.Title)
		link := strings.TrimSpace(item.Link)
		if title == "" || link == "" {
			continue
		}
		publishedAt := time.Now().UTC()
		if item.ProviderPublishTime > 0 {
			publishedAt = time.Unix(item.ProviderPublishTime, 0).UTC()
		}
		source := strings.TrimSpace(item.Publisher)
		if source == "" {
			source = "Yahoo Finance"
		}
		articles = append(articles, models.NewsArticle{
			Title:       title,
			URL:         link,
			Source:      source,
			PublishedAt: publishedAt,
			Symbols:     []string{canonical},
			Category:    "company",
		})
		if len(articles) == 20 {
			break
		}
	}

	log.Debug().
		Str("provider", "yfinance").
		Str("symbol", canonical).
		Int("count", len(articles)).
		Msg("company news retrieved")
	return articles, nil
}

func (y *YFinance) HealthProbe(ctx context.Context) bool {
	return probeQuotes(ctx, y)
}

func (y *YFinance) Close() error {
	y.client.http.CloseIdleConnections()
	return nil
}
