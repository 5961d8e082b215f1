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

const alphaVantageBaseURL = "https://www.alphavantage.co/query"

// AlphaVantageConfig configures the Alpha Vantage adapter. APIKey is
// required. The free tier allows very few calls per minute, so quotes are
// fetched one symbol at a time and the budget keeps pace.
type AlphaVantageConfig struct {
	APIKey        string
	BaseURL       string
	RatePerMinute int
}

// AlphaVantage is the primary forex source and the stocks second fallback.
// Its responses use numbered field names which are decoded verbatim.
type AlphaVantage struct {
	apiKey  string
	baseURL string
	rpm     int
	client  *guardedClient
}

func NewAlphaVantage(cfg AlphaVantageConfig) *AlphaVantage {
	if cfg.BaseURL == "" {
		cfg.BaseURL = alphaVantageBaseURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 4
	}
	return &AlphaVantage{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		rpm:     cfg.RatePerMinute,
		client: newGuardedClient(clientConfig{
			provider:      models.ProviderAlphaVantage,
			ratePerMinute: cfg.RatePerMinute,
		}),
	}
}

func (a *AlphaVantage) Name() models.DataProvider { return models.ProviderAlphaVantage }

func (a *AlphaVantage) RateLimitPerMinute() int { return a.rpm }

func (a *AlphaVantage) Supports(t models.AssetType) bool {
	return t == models.AssetTypeForex || t == models.AssetTypeStocks
}

func (a *AlphaVantage) requireKey() error {
	if a.apiKey == "" {
		return newError(models.ProviderAlphaVantage, KindAuth, "api key not configured", nil)
	}
	return nil
}

type avExchangeRateResponse struct {
	Rate *struct {
		FromCode  string `json:"1. From_Currency Code"`
		ToCode    string `json:"3. To_Currency Code"`
		Rate      string `json:"5. Exchange Rate"`
		Refreshed string `json:"6. Last Refreshed"`
		Bid       string `json:"8. Bid Price"`
		Ask       string `json:"9. Ask Price"`
	} `json:"Realtime Currency Exchange Rate"`
	Note         string `json:"Note"`
	ErrorMessage string `json:"Error Message"`
}

type avGlobalQuoteResponse struct {
	Quote *struct {
		Symbol        string `json:"01. symbol"`
		Open          string `json:"02. open"`
		High          string `json:"03. high"`
		Low           string `json:"04. low"`
		Price         string `json:"05. price"`
		Volume        string `json:"06. volume"`
		PreviousClose string `json:"08. previous close"`
		Change        string `json:"09. change"`
		ChangePercent string `json:"10. change percent"`
	} `json:"Global Quote"`
	Note         string `json:"Note"`
	ErrorMessage string `json:"Error Message"`
}

func (a *AlphaVantage) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	if err := a.requireKey(); err != nil {
		return nil, err
	}

	quotes := make(map[string]models.Quote, len(symbols))
	var lastErr error

	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)

		var quote models.Quote
		var err error
		if models.ClassifySymbol(canonical) == models.AssetTypeForex {
			quote, err = a.exchangeRate(ctx, canonical)
		} else {
			quote, err = a.globalQuote(ctx, canonical)
		}
		if err != nil {
			if KindOf(err) == KindNotFound {
				log.Debug().Str("provider", "alpha_vantage").Str("symbol", canonical).Msg("no quote data for symbol")
				continue
			}
			if KindOf(err) == KindAuth {
				return nil, err
			}
			lastErr = err
			log.Warn().Str("provider", "alpha_vantage").Str("symbol", canonical).Err(err).Msg("quote fetch failed")
			continue
		}
		quotes[canonical] = quote
	}

	if len(quotes) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return quotes, nil
}

// forexCurrencies splits a canonical pair into its from/to currencies,
// accepting both EUR/USD and EURUSD=X spellings.
func forexCurrencies(symbol string) (string, string, bool) {
	s := models.NormalizeSymbol(symbol)
	if base, quote, ok := strings.Cut(s, "/"); ok && len(base) == 3 && len(quote) == 3 {
		return base, quote, true
	}
	if pair := strings.TrimSuffix(s, "=X"); pair != s && len(pair) == 6 {
		return pair[:3], pair[3:], true
	}
	return "", "", false
}

func (a *AlphaVantage) exchangeRate(ctx context.Context, canonical string) (models.Quote, error) {
	from, to, ok := forexCurrencies(canonical)
	if !ok {
		return models.Quote{}, newError(models.ProviderAlphaVantage, KindNotFound, "unrecognised forex pair", nil)
	}

	params := url.Values{
		"function":      {"CURRENCY_EXCHANGE_RATE"},
		"from_currency": {from},
		"to_currency":   {to},
		"apikey":        {a.apiKey},
	}

	var payload avExchangeRateResponse
	if err := a.client.getJSON(ctx, a.baseURL, params, nil, &payload); err != nil {
		return models.Quote{}, err
	}
	if err := a.payloadError(payload.Note, payload.ErrorMessage); err != nil {
		return models.Quote{}, err
	}
	if payload.Rate == nil {
		return models.Quote{}, newError(models.ProviderAlphaVantage, KindNotFound, "no exchange rate in response", nil)
	}

	price, err := strconv.ParseFloat(payload.Rate.Rate, 64)
	if err != nil || price <= 0 {
		return models.Quote{}, newError(models.ProviderAlphaVantage, KindNotFound, "unparseable exchange rate", err)
	}

	quote := models.Quote{
		Symbol:    canonical,
		Price:     models.RoundPrice(price),
		Source:    models.ProviderAlphaVantage,
		Timestamp: time.Now().UTC(),
		Currency:  to,
		AssetType: models.AssetTypeForex,
	}
	if bid, err := strconv.ParseFloat(payload.Rate.Bid, 64); err == nil && bid > 0 {
		quote.Bid = models.Float64(bid)
	}
	if ask, err := strconv.ParseFloat(payload.Rate.Ask, 64); err == nil && ask > 0 {
		quote.Ask = models.Float64(ask)
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", payload.Rate.Refreshed); err == nil {
		quote.Timestamp = ts.UTC()
	}
	return quote, nil
}

func (a *AlphaVantage) globalQuote(ctx context.Context, canonical string) (models.Quote, error) {
	params := url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {canonical},
		"apikey":   {a.apiKey},
	}

	var payload avGlobalQuoteResponse
	if err := a.client.getJSON(ctx, a.baseURL, params, nil, &payload); err != nil {
		return models.Quote{}, err
	}
	if err := a.payloadError(payload.Note, payload.ErrorMessage); err != nil {
		return models.Quote{}, err
	}
	if payload.Quote == nil || payload.Quote.Price == "" {
		return models.Quote{}, newError(models.ProviderAlphaVantage, KindNotFound, "no quote in response", nil)
	}

	g := payload.Quote
	price, err := strconv.ParseFloat(g.Price, 64)
	if err != nil || price <= 0 {
		return models.Quote{}, newError(models.ProviderAlphaVantage, KindNotFound, "unparseable price", err)
	}

	quote := models.Quote{
		Symbol:    canonical,
		Price:     models.RoundPrice(price),
		Source:    models.ProviderAlphaVantage,
		Timestamp: time.Now().UTC(),
		Currency:  "USD",
		AssetType: models.AssetTypeStocks,
	}
	if open, err := strconv.ParseFloat(g.Open, 64); err == nil && open > 0 {
		quote.OpenPrice = models.Float64(open)
	}
	if high, err := strconv.ParseFloat(g.High, 64); err == nil && high > 0 {
		quote.High24h = models.Float64(high)
	}
	if low, err := strconv.ParseFloat(g.Low, 64); err == nil && low > 0 {
		quote.Low24h = models.Float64(low)
	}
	if prev, err := strconv.ParseFloat(g.PreviousClose, 64); err == nil && prev > 0 {
		quote.ClosePrice = models.Float64(prev)
	}
	if change, err := strconv.ParseFloat(g.Change, 64); err == nil {
		quote.Change = models.Float64(models.RoundPrice(change))
	}
	if pct, err := strconv.ParseFloat(strings.TrimSuffix(g.ChangePercent, "%"), 64); err == nil {
		quote.PercentChange = models.Float64(models.RoundPercent(pct))
	}
	if vol, err := strconv.ParseInt(g.Volume, 10, 64); err == nil && vol > 0 {
		quote.Volume = models.Int64(vol)
	}
	return quote, nil
}

// payloadError maps Alpha Vantage's 200-with-error envelope to the error
// taxonomy: Note means throttled, Error Message means unknown input.
func (a *AlphaVantage) payloadError(note, errorMessage string) error {
	if note != "" {
		return newError(models.ProviderAlphaVantage, KindRateLimit, "api call frequency exceeded", nil)
	}
	if errorMessage != "" {
		return newError(models.ProviderAlphaVantage, KindNotFound, errorMessage, nil)
	}
	return nil
}

var alphaVantageForexPairs = [][2]string{
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
	{"USD/CNY", "US Dollar / Chinese Yuan"},
	{"USD/INR", "US Dollar / Indian Rupee"},
	{"USD/MXN", "US Dollar / Mexican Peso"},
	{"USD/SGD", "US Dollar / Singapore Dollar"},
	{"USD/HKD", "US Dollar / Hong Kong Dollar"},
	{"EUR/CHF", "Euro / Swiss Franc"},
	{"GBP/CHF", "British Pound / Swiss Franc"},
	{"AUD/JPY", "Australian Dollar / Japanese Yen"},
	{"EUR/AUD", "Euro / Australian Dollar"},
	{"GBP/AUD", "British Pound / Australian Dollar"},
}

var alphaVantageStocks = [][2]string{
	{"AAPL", "Apple Inc."},
	{"GOOGL", "Alphabet Inc."},
	{"MSFT", "Microsoft Corporation"},
	{"AMZN", "Amazon.com Inc."},
	{"TSLA", "Tesla Inc."},
	{"META", "Meta Platforms Inc."},
	{"NVDA", "NVIDIA Corporation"},
	{"NFLX", "Netflix Inc."},
	{"DIS", "The Walt Disney Company"},
	{"JPM", "JPMorgan Chase & Co."},
	{"V", "Visa Inc."},
	{"WMT", "Walmart Inc."},
	{"PG", "The Procter & Gamble Company"},
	{"UNH", "UnitedHealth Group Incorporated"},
	{"HD", "The Home Depot Inc."},
	{"BAC", "Bank of America Corporation"},
	{"KO", "The Coca-Cola Company"},
	{"PEP", "PepsiCo Inc."},
	{"INTC", "Intel Corporation"},
	{"CSCO", "Cisco Systems Inc."},
}

// Assets returns curated lists; Alpha Vantage has no free directory
// endpoint worth the budget.
func (a *AlphaVantage) Assets(_ context.Context, assetType models.AssetType) ([]models.Asset, error) {
	switch assetType {
	case models.AssetTypeForex:
		return curatedAssets(alphaVantageForexPairs, models.AssetTypeForex, "Forex", ""), nil
	case models.AssetTypeStocks:
		return curatedAssets(alphaVantageStocks, models.AssetTypeStocks, "NASDAQ/NYSE", "USD"), nil
	default:
		return nil, nil
	}
}

func (a *AlphaVantage) HealthProbe(ctx context.Context) bool {
	if a.apiKey == "" {
		return false
	}
	return probeQuotes(ctx, a)
}

func (a *AlphaVantage) Close() error {
	a.client.http.CloseIdleConnections()
	return nil
}
