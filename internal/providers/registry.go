package providers

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/buiqtuan/demo-trade/internal/models"
)

// Registry holds the constructed adapters keyed by provider identity.
type Registry struct {
	providers map[models.DataProvider]Provider
	order     []models.DataProvider
}

func NewRegistry(list ...Provider) *Registry {
	r := &Registry{providers: make(map[models.DataProvider]Provider, len(list))}
	for _, p := range list {
		if _, dup := r.providers[p.Name()]; dup {
			log.Warn().Str("provider", string(p.Name())).Msg("duplicate provider registration ignored")
			continue
		}
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// Get returns the adapter for a provider identity.
func (r *Registry) Get(name models.DataProvider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	return p, nil
}

// Names lists registered providers in registration order.
func (r *Registry) Names() []models.DataProvider {
	out := make([]models.DataProvider, len(r.order))
	copy(out, r.order)
	return out
}

// Close releases every adapter's transport resources, keeping the first
// error.
func (r *Registry) Close() error {
	var firstErr error
	for _, name := range r.order {
		if err := r.providers[name].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
