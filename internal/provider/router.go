package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Info is the routing view of one registered provider.
type Info struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
	Healthy      bool         `json:"healthy"`
	LastChecked  time.Time    `json:"last_checked,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

// Router holds registered providers and selects one per request. Health
// is advisory: Select never refuses an unhealthy provider, it only logs,
// because a failed probe is frequently stale by the time a turn starts.
type Router struct {
	mu      sync.RWMutex
	order   []string
	byID    map[string]Provider
	health  map[string]*Info
	logger  *slog.Logger
	timeout time.Duration
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		byID:    make(map[string]Provider),
		health:  make(map[string]*Info),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// Register adds a provider. Registration order matters: the first
// registered provider is the fallback when no preference matches.
func (r *Router) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, dup := r.byID[id]; dup {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.byID[id] = p
	r.order = append(r.order, id)
	r.health[id] = &Info{ID: id, DisplayName: p.DisplayName(), Capabilities: p.Capabilities(), Healthy: true}
	return nil
}

func (r *Router) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, ErrUnavailable)
	}
	return p, nil
}

// Select returns the provider for a turn: the preferred one when it is
// registered, otherwise the first registered provider. An empty router
// returns ErrUnavailable.
func (r *Router) Select(preferred string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, fmt.Errorf("no providers registered: %w", ErrUnavailable)
	}
	if preferred != "" {
		if p, ok := r.byID[preferred]; ok {
			if info := r.health[preferred]; info != nil && !info.Healthy {
				r.logger.Warn("selecting provider despite failed health probe",
					"provider", preferred, "last_error", info.LastError)
			}
			return p, nil
		}
		r.logger.Warn("preferred provider not registered, falling back",
			"preferred", preferred, "fallback", r.order[0])
	}
	return r.byID[r.order[0]], nil
}

// List returns routing info in registration order.
func (r *Router) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.health[id])
	}
	return out
}

// WarmUp runs each registered Warmer once, in registration order.
// Failures are advisory, like health: the provider stays registered and
// a later turn reports whatever error results.
func (r *Router) WarmUp(ctx context.Context) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		providers = append(providers, r.byID[id])
	}
	r.mu.RUnlock()

	for _, p := range providers {
		w, ok := p.(Warmer)
		if !ok {
			continue
		}
		if err := w.WarmUp(ctx); err != nil {
			r.logger.Warn("provider warm-up failed", "provider", p.ID(), "error", err)
		}
	}
}

// RefreshHealth probes every provider concurrently and records the
// results. Probe failures update the advisory state only.
func (r *Router) RefreshHealth(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p, err := r.Get(id)
			if err != nil {
				return
			}
			probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			probeErr := p.CheckHealth(probeCtx)

			r.mu.Lock()
			info := r.health[id]
			info.Healthy = probeErr == nil
			info.LastChecked = time.Now().UTC()
			if probeErr != nil {
				info.LastError = probeErr.Error()
				r.logger.Warn("provider health probe failed", "provider", id, "error", probeErr)
			} else {
				info.LastError = ""
			}
			r.mu.Unlock()
		}(id)
	}
	wg.Wait()
}
