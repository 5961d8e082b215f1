package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buiqtuan/demo-trade/internal/models"
)

func testClient(t *testing.T) *guardedClient {
	t.Helper()
	return newGuardedClient(clientConfig{
		provider:      models.ProviderFinnhub,
		ratePerMinute: 600,
		backoffBase:   5 * time.Millisecond,
	})
}

func TestGetRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	body, err := testClient(t).get(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t).get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindProvider, KindOf(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	start := time.Now()
	_, err := testClient(t).get(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetAuthFailureDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testClient(t).get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindAuth, KindOf(err))
	assert.True(t, TripsCircuit(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetNotFoundDoesNotRetryOrTrip(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t).get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.False(t, TripsCircuit(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(t).get(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindProvider, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetJSONRejectsEmptyAndInvalidBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/garbage":
			w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()

	var v map[string]any
	err := testClient(t).getJSON(context.Background(), srv.URL+"/empty", nil, nil, &v)
	assert.Equal(t, KindNotFound, KindOf(err))

	err = testClient(t).getJSON(context.Background(), srv.URL+"/garbage", nil, nil, &v)
	assert.Equal(t, KindProvider, KindOf(err))
}

func TestGetSendsConfiguredHeaders(t *testing.T) {
	var gotKey, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-CMC_PRO_API_KEY")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newGuardedClient(clientConfig{
		provider:      models.ProviderCoinMarketCap,
		ratePerMinute: 600,
		headers:       map[string]string{"X-CMC_PRO_API_KEY": "secret"},
	})
	_, err := c.get(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, userAgent, gotUA)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))
	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, parseRetryAfter(h))
	h.Set("Retry-After", "garbage")
	assert.Equal(t, time.Duration(0), parseRetryAfter(h))
}
