package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/buiqtuan/demo-trade/internal/models"
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffBase    = time.Second
	defaultTotalTimeout   = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second
	maxRetryAfter         = 60 * time.Second
	maxResponseBytes      = 10 << 20
	userAgent             = "demo-trade-aggregator/1.0"
)

// clientConfig tunes the guarded HTTP client shared by all adapters.
type clientConfig struct {
	provider      models.DataProvider
	ratePerMinute int
	maxAttempts   int
	backoffBase   time.Duration
	timeout       time.Duration
	headers       map[string]string
}

// guardedClient wraps outbound HTTP with the adapter-local guards: a
// per-minute token budget, a transport circuit breaker, and retry with
// exponential backoff. The shared redis breaker that drives provider
// failover sits above this layer, in the orchestrator.
type guardedClient struct {
	provider    models.DataProvider
	http        *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	backoffBase time.Duration
	headers     map[string]string
}

func newGuardedClient(cfg clientConfig) *guardedClient {
	if cfg.maxAttempts <= 0 {
		cfg.maxAttempts = defaultMaxAttempts
	}
	if cfg.backoffBase <= 0 {
		cfg.backoffBase = defaultBackoffBase
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultTotalTimeout
	}
	if cfg.ratePerMinute <= 0 {
		cfg.ratePerMinute = 60
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: defaultConnectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(cfg.provider),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("transport breaker state change")
		},
	})

	return &guardedClient{
		provider: cfg.provider,
		http: &http.Client{
			Timeout:   cfg.timeout,
			Transport: transport,
		},
		limiter:     rate.NewLimiter(rate.Limit(float64(cfg.ratePerMinute)/60.0), cfg.ratePerMinute),
		breaker:     breaker,
		maxAttempts: cfg.maxAttempts,
		backoffBase: cfg.backoffBase,
		headers:     cfg.headers,
	}
}

type httpResult struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

// get performs a guarded GET and returns the response body.
//
// Policy: the minute budget is consumed (blocking) before the first attempt;
// timeouts, transport errors, and 5xx are retried with 1s/2s/4s backoff; 429
// honours Retry-After up to 60s; 401 and 404 surface immediately as auth and
// not-found; other 4xx never retry.
func (c *guardedClient) get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, newError(c.provider, KindProvider, "request budget wait interrupted", err)
	}

	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase << (attempt - 1)
			if retryAfter > 0 {
				delay = retryAfter
				retryAfter = 0
			}
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, newError(c.provider, KindProvider, "retry backoff interrupted", err)
			}
		}

		res, err := c.roundTrip(ctx, rawURL, params, headers)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, newError(c.provider, KindProvider, "transport breaker open", err)
			}
			lastErr = newError(c.provider, KindProvider, "request failed", err)
			log.Warn().
				Str("provider", string(c.provider)).
				Int("attempt", attempt+1).
				Err(err).
				Msg("provider request failed")
			continue
		}

		switch {
		case res.status == http.StatusTooManyRequests:
			retryAfter = res.retryAfter
			if retryAfter <= 0 || retryAfter > maxRetryAfter {
				retryAfter = maxRetryAfter
			}
			lastErr = newError(c.provider, KindRateLimit, "rate limited by upstream", nil)
			log.Warn().
				Str("provider", string(c.provider)).
				Dur("retry_after", retryAfter).
				Msg("rate limited by upstream")
			continue
		case res.status == http.StatusUnauthorized:
			return nil, newError(c.provider, KindAuth, "authentication failed", nil)
		case res.status == http.StatusNotFound:
			return nil, newError(c.provider, KindNotFound, "not found", nil)
		case res.status >= 500:
			lastErr = newError(c.provider, KindProvider, fmt.Sprintf("upstream HTTP %d", res.status), nil)
			continue
		case res.status >= 400:
			return nil, newError(c.provider, KindProvider, fmt.Sprintf("upstream HTTP %d", res.status), nil)
		}

		return res.body, nil
	}

	if lastErr == nil {
		lastErr = newError(c.provider, KindProvider, "max retries exceeded", nil)
	}
	return nil, lastErr
}

// getJSON performs a guarded GET and decodes the JSON body into v.
func (c *guardedClient) getJSON(ctx context.Context, rawURL string, params url.Values, headers map[string]string, v any) error {
	body, err := c.get(ctx, rawURL, params, headers)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return newError(c.provider, KindNotFound, "empty response body", nil)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return newError(c.provider, KindProvider, "invalid JSON response", err)
	}
	return nil
}

func (c *guardedClient) roundTrip(ctx context.Context, rawURL string, params url.Values, headers map[string]string) (*httpResult, error) {
	u := rawURL
	if len(params) > 0 {
		u = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	v, err := c.breaker.Execute(func() (any, error) {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if readErr != nil {
			return nil, readErr
		}
		res := &httpResult{status: resp.StatusCode, body: body}
		if resp.StatusCode == http.StatusTooManyRequests {
			res.retryAfter = parseRetryAfter(resp.Header)
		}
		if resp.StatusCode >= 500 {
			// Counts as a breaker failure but still reaches the caller.
			return res, fmt.Errorf("upstream HTTP %d", resp.StatusCode)
		}
		return res, nil
	})
	if res, ok := v.(*httpResult); ok && res != nil && err != nil && res.status >= 500 {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	return v.(*httpResult), nil
}

func parseRetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
