package couriers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
)

// Registry builds and caches booking clients per courier partner.
type Registry struct {
	httpClient *http.Client
	logger     Logger
	timeout    time.Duration

	mu      sync.Mutex
	clients map[string]Client
}

// RegistryOption customises the Registry.
type RegistryOption func(*Registry)

// WithRegistryHTTPClient shares one http.Client across all partner clients.
func WithRegistryHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.httpClient = c
		}
	}
}

// WithRegistryLogger sets the logger used by created clients.
func WithRegistryLogger(logger Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryTimeout bounds each courier API call made by created clients.
func WithRegistryTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	registry := &Registry{
		httpClient: &http.Client{},
		logger:     func(context.Context, string, map[string]any) {},
		timeout:    defaultRequestTimeout,
		clients:    make(map[string]Client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// ClientFor returns a booking client for the partner, building one on first use.
// Disabled partners are rejected.
func (r *Registry) ClientFor(partner domain.CourierPartner) (Client, error) {
	slug := strings.TrimSpace(partner.Slug)
	if slug == "" {
		return nil, errors.New("couriers: partner slug is required")
	}
	if !partner.Enabled {
		return nil, fmt.Errorf("couriers: partner %s is disabled", slug)
	}

	key := fmt.Sprintf("%s@%s", slug, partner.UpdatedAt.UTC().Format(time.RFC3339Nano))

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[key]; ok {
		return client, nil
	}

	client, err := NewHTTPClient(partner,
		WithHTTPDoer(r.httpClient),
		WithLogger(r.logger),
		WithRequestTimeout(r.timeout),
	)
	if err != nil {
		return nil, err
	}

	// Drop stale entries for the same partner so config updates take effect.
	prefix := slug + "@"
	for existing := range r.clients {
		if strings.HasPrefix(existing, prefix) {
			delete(r.clients, existing)
		}
	}

	r.clients[key] = client
	return client, nil
}
