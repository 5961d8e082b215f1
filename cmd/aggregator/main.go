// Command aggregator runs the market data aggregation service: the
// background fetch loops and the cache-backed read API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/buiqtuan/demo-trade/internal/aggregator"
	"github.com/buiqtuan/demo-trade/internal/cache"
	"github.com/buiqtuan/demo-trade/internal/config"
	"github.com/buiqtuan/demo-trade/internal/httpapi"
	"github.com/buiqtuan/demo-trade/internal/metrics"
	"github.com/buiqtuan/demo-trade/internal/models"
	"github.com/buiqtuan/demo-trade/internal/providers"
)

const shutdownGrace = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "aggregator",
		Short:         "Market data aggregation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var routingFile string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch loops and the HTTP read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(routingFile)
		},
	}
	serve.Flags().StringVar(&routingFile, "routing-file", "", "optional YAML file overriding provider routing and budgets")
	root.AddCommand(serve)

	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func buildRegistry(cfg *config.Config) *providers.Registry {
	budgets := cfg.Routing.Budgets
	return providers.NewRegistry(
		providers.NewYFinance(providers.YFinanceConfig{
			RatePerMinute: budgets[models.ProviderYFinance],
		}),
		providers.NewFinnhub(providers.FinnhubConfig{
			APIKey:        cfg.FinnhubAPIKey,
			RatePerMinute: budgets[models.ProviderFinnhub],
		}),
		providers.NewCoinGecko(providers.CoinGeckoConfig{
			APIKey:        cfg.CoinGeckoAPIKey,
			BaseURL:       cfg.CoinGeckoAPIURL,
			RatePerMinute: budgets[models.ProviderCoinGecko],
		}),
		providers.NewCoinMarketCap(providers.CoinMarketCapConfig{
			APIKey:        cfg.CoinMarketCapAPIKey,
			RatePerMinute: budgets[models.ProviderCoinMarketCap],
		}),
		providers.NewAlphaVantage(providers.AlphaVantageConfig{
			APIKey:        cfg.AlphaVantageAPIKey,
			RatePerMinute: budgets[models.ProviderAlphaVantage],
		}),
	)
}

func runServe(routingFile string) error {
	cfg, err := config.Load(routingFile)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	log.Info().
		Str("app", cfg.AppName).
		Str("version", cfg.AppVersion).
		Str("redis", cfg.RedisAddr()).
		Msg("starting")

	store := cache.New(cache.Options{
		Addr:           cfg.RedisAddr(),
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		QuotesTTL:      cfg.QuotesCacheTTL,
		AssetsTTL:      cfg.AssetsCacheTTL,
		NewsTTL:        cfg.NewsCacheTTL,
		CircuitTimeout: cfg.CircuitBreakerTimeout,
	})
	defer store.Close()

	registry := buildRegistry(cfg)
	defer registry.Close()

	m := metrics.New()

	orch := aggregator.New(aggregator.Options{
		Store:             store,
		Registry:          registry,
		Routing:           cfg.Routing,
		Metrics:           m,
		ActiveSymbols:     cfg.ActiveSymbols,
		AssetListInterval: cfg.AssetListUpdateInterval,
		QuoteInterval:     cfg.PriceFetchInterval,
		NewsInterval:      cfg.NewsFetchInterval,
	})

	server := httpapi.New(httpapi.Options{
		Addr:       cfg.ListenAddr,
		Reader:     store,
		Status:     orch,
		Metrics:    m.Handler(),
		AppName:    cfg.AppName,
		AppVersion: cfg.AppVersion,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("redis not reachable at startup, continuing")
	}
	orch.ProbeProviders(ctx)
	orch.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		stop()
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if !orch.Wait(shutdownGrace) {
		log.Warn().Msg("loops did not drain before the grace period")
	}

	log.Info().Msg("stopped")
	return nil
}
