package outcome

import (
	"context"
	"log/slog"
	"sync"
)

// ModeSource reads the operator-selected mode from the shared settings store.
type ModeSource interface {
	GetOutcomeMode(ctx context.Context) (Mode, error)
}

// Provider fetches the mode fresh on every call and falls back to the
// last known value when the source is unavailable, so a settings outage
// never blocks settlement.
type Provider struct {
	source ModeSource

	mu   sync.RWMutex
	last Mode
}

// NewProvider creates a provider seeded with DefaultMode.
func NewProvider(source ModeSource) *Provider {
	return &Provider{source: source, last: DefaultMode}
}

// Current returns the mode to apply to the next settlement batch.
func (p *Provider) Current(ctx context.Context) Mode {
	mode, err := p.source.GetOutcomeMode(ctx)
	if err != nil {
		last := p.Last()
		slog.Warn("outcome mode fetch failed, using cached mode",
			"mode", last,
			"err", err,
		)
		return last
	}

	p.mu.Lock()
	p.last = mode
	p.mu.Unlock()
	return mode
}

// Last returns the most recently fetched mode without hitting the source.
func (p *Provider) Last() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}
