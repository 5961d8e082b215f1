package providers

import (
	"errors"
	"fmt"

	"github.com/buiqtuan/demo-trade/internal/models"
)

// ErrorKind classifies provider failures. The kind decides whether the
// shared circuit breaker trips: everything except KindNotFound does.
type ErrorKind string

const (
	// KindProvider covers transport failures, 5xx responses, and exhausted
	// retries. Trips the circuit.
	KindProvider ErrorKind = "provider"
	// KindRateLimit is a 429 that survived Retry-After backoff. Trips the
	// circuit so traffic diverts to the fallback until the window clears.
	KindRateLimit ErrorKind = "rate_limit"
	// KindAuth is a 401. Fatal at startup probe; tripped like a provider
	// error at runtime.
	KindAuth ErrorKind = "auth"
	// KindNotFound is a 404 or an empty payload. Callers translate it to an
	// empty result; it never trips the circuit.
	KindNotFound ErrorKind = "not_found"
)

// Error is the uniform error type returned by provider adapters.
type Error struct {
	Provider models.DataProvider
	Kind     ErrorKind
	Symbol   string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s: %s (%s, symbol %s)", e.Provider, e.Message, e.Kind, e.Symbol)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(provider models.DataProvider, kind ErrorKind, msg string, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the error kind, defaulting to KindProvider for anything
// that is not a *Error.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindProvider
}

// TripsCircuit reports whether err must open the shared circuit breaker for
// the provider that produced it. Missing data never trips.
func TripsCircuit(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindNotFound
}
