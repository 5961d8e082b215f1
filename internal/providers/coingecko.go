package providers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

const coingeckoBaseURL = "https://api.coingecko.com/api/v3"

// CoinGeckoConfig configures the CoinGecko adapter. An API key is optional
// on the free tier and sent as the demo header when present.
type CoinGeckoConfig struct {
	APIKey        string
	BaseURL       string
	RatePerMinute int
}

// CoinGecko is the primary crypto source. It batches every requested symbol
// into a single /simple/price call keyed by CoinGecko coin ids.
type CoinGecko struct {
	baseURL string
	rpm     int
	client  *guardedClient
}

func NewCoinGecko(cfg CoinGeckoConfig) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = coingeckoBaseURL
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 40
	}
	var headers map[string]string
	if cfg.APIKey != "" {
		headers = map[string]string{"x-cg-demo-api-key": cfg.APIKey}
	}
	return &CoinGecko{
		baseURL: cfg.BaseURL,
		rpm:     cfg.RatePerMinute,
		client: newGuardedClient(clientConfig{
			provider:      models.ProviderCoinGecko,
			ratePerMinute: cfg.RatePerMinute,
			headers:       headers,
		}),
	}
}

func (c *CoinGecko) Name() models.DataProvider { return models.ProviderCoinGecko }

func (c *CoinGecko) RateLimitPerMinute() int { return c.rpm }

func (c *CoinGecko) Supports(t models.AssetType) bool {
	return t == models.AssetTypeCrypto
}

// coingeckoIDs maps canonical base tickers to CoinGecko coin ids. Covers the
// majors; symbols outside the table are skipped.
var coingeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"ADA":   "cardano",
	"DOT":   "polkadot",
	"XRP":   "ripple",
	"LTC":   "litecoin",
	"DOGE":  "dogecoin",
	"BCH":   "bitcoin-cash",
	"LINK":  "chainlink",
	"XLM":   "stellar",
	"UNI":   "uniswap",
	"SOL":   "solana",
	"AVAX":  "avalanche-2",
	"MATIC": "matic-network",
	"ATOM":  "cosmos",
	"ALGO":  "algorand",
	"TRX":   "tron",
	"XTZ":   "tezos",
	"EOS":   "eos",
	"XMR":   "monero",
	"FIL":   "filecoin",
	"VET":   "vechain",
	"AAVE":  "aave",
	"MKR":   "maker",
	"COMP":  "compound-governance-token",
	"SNX":   "havven",
	"SUSHI": "sushi",
	"YFI":   "yearn-finance",
	"CRV":   "curve-dao-token",
	"1INCH": "1inch",
	"SHIB":  "shiba-inu",
	"NEAR":  "near",
	"FTM":   "fantom",
	"SAND":  "the-sandbox",
	"MANA":  "decentraland",
	"APE":   "apecoin",
}

// cryptoBase strips the common quote-pair suffixes from a canonical crypto
// symbol: BTC-USD, BTCUSD, and BTC-USDT all resolve to BTC.
func cryptoBase(symbol string) string {
	s := models.NormalizeSymbol(symbol)
	for _, suffix := range []string{"-USDT", "-USD", "USDT", "USD"} {
		if trimmed := strings.TrimSuffix(s, suffix); trimmed != s && trimmed != "" {
			return trimmed
		}
	}
	return s
}

func (c *CoinGecko) Quotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	// One batched call: map each requested symbol to its coin id, dropping
	// symbols outside the id table.
	idToSymbol := make(map[string]string, len(symbols))
	ids := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		canonical := models.NormalizeSymbol(symbol)
		id, ok := coingeckoIDs[cryptoBase(canonical)]
		if !ok {
			log.Debug().Str("provider", "coingecko").Str("symbol", canonical).Msg("symbol not in coin id table")
			continue
		}
		if _, dup := idToSymbol[id]; dup {
			continue
		}
		idToSymbol[id] = canonical
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]models.Quote{}, nil
	}

	params := url.Values{
		"ids":                 {strings.Join(ids, ",")},
		"vs_currencies":       {"usd"},
		"include_24hr_change": {"true"},
		"include_24hr_vol":    {"true"},
		"include_market_cap":  {"true"},
	}

	var payload map[string]map[string]float64
	if err := c.client.getJSON(ctx, c.baseURL+"/simple/price", params, nil, &payload); err != nil {
		if KindOf(err) == KindNotFound {
			return map[string]models.Quote{}, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	quotes := make(map[string]models.Quote, len(payload))
	for id, fields := range payload {
		canonical, ok := idToSymbol[id]
		if !ok {
			continue
		}
		price, ok := fields["usd"]
		if !ok || price <= 0 {
			continue
		}
		quote := models.Quote{
			Symbol:    canonical,
			Price:     models.RoundPrice(price),
			Source:    models.ProviderCoinGecko,
			Timestamp: now,
			Currency:  "USD",
			AssetType: models.AssetTypeCrypto,
		}
		if change, ok := fields["usd_24h_change"]; ok {
			quote.PercentChange = models.Float64(models.RoundPercent(change))
		}
		if vol, ok := fields["usd_24h_vol"]; ok && vol > 0 {
			quote.Volume = models.Int64(int64(vol))
		}
		if mcap, ok := fields["usd_market_cap"]; ok && mcap > 0 {
			quote.MarketCap = models.Float64(mcap)
		}
		quotes[canonical] = quote
	}
	return quotes, nil
}

type coingeckoCoin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Assets lists coins from the full directory, capped at 500 entries.
func (c *CoinGecko) Assets(ctx context.Context, assetType models.AssetType) ([]models.Asset, error) {
	if assetType != models.AssetTypeCrypto {
		return nil, nil
	}

	var payload []coingeckoCoin
	if err := c.client.getJSON(ctx, c.baseURL+"/coins/list", nil, nil, &payload); err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}

	assets := make([]models.Asset, 0, 500)
	for _, coin := range payload {
		symbol := models.NormalizeSymbol(coin.Symbol)
		if symbol == "" || coin.Name == "" {
			continue
		}
		assets = append(assets, models.Asset{
			Symbol:    symbol,
			Name:      coin.Name,
			AssetType: models.AssetTypeCrypto,
			Exchange:  "CoinGecko",
			Currency:  "USD",
			IsActive:  true,
			Metadata:  map[string]any{"coingecko_id": coin.ID},
		})
		if len(assets) == 500 {
			break
		}
	}

	log.Info().Str("provider", "coingecko").Int("count", len(assets)).Msg("coin directory retrieved")
	return assets, nil
}

func (c *CoinGecko) HealthProbe(ctx context.Context) bool {
	var payload struct {
		GeckoSays string `json:"gecko_says"`
	}
	err := c.client.getJSON(ctx, c.baseURL+"/ping", nil, nil, &payload)
	return err == nil
}

func (c *CoinGecko) Close() error {
	c.client.http.CloseIdleConnections()
	return nil
}
