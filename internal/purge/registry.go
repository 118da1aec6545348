package purge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/l0p7/purgectl/internal/settings"
)

// Registry hands out one Processor per purger id so runtime estimates persist
// across batches.
type Registry struct {
	deps Dependencies

	mu         sync.Mutex
	processors map[string]*Processor
}

// NewRegistry builds a registry sharing deps between processors.
func NewRegistry(deps Dependencies) (*Registry, error) {
	if deps.Settings == nil {
		return nil, errors.New("purge: settings repository required")
	}
	if deps.Clients == nil {
		deps.Clients = NewClientPool().Client
	}
	return &Registry{deps: deps, processors: make(map[string]*Processor)}, nil
}

// Processor returns the processor for id. Unknown ids yield an error wrapping
// ErrConfigurationMissing.
func (r *Registry) Processor(ctx context.Context, id string) (*Processor, error) {
	if _, err := r.deps.Settings.Load(ctx, id); err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			r.forget(id)
			return nil, fmt.Errorf("%w: %s", ErrConfigurationMissing, id)
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.processors[id]; ok {
		return p, nil
	}
	p, err := NewProcessor(id, r.deps)
	if err != nil {
		return nil, err
	}
	r.processors[id] = p
	return p, nil
}

// IDs lists the purgers present in the settings repository.
func (r *Registry) IDs(ctx context.Context) ([]string, error) {
	return r.deps.Settings.List(ctx)
}

// Delete removes the purger settings and drops its processor.
func (r *Registry) Delete(ctx context.Context, id string) error {
	p, err := r.Processor(ctx, id)
	if err != nil {
		return err
	}
	if err := p.Delete(ctx); err != nil {
		return err
	}
	r.forget(id)
	return nil
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.processors, id)
	r.mu.Unlock()
}

// Invalidate processes batch with the processor for id.
func (r *Registry) Invalidate(ctx context.Context, id string, kind Kind, batch []*Invalidation) ([]Result, error) {
	p, err := r.Processor(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Invalidate(ctx, kind, batch)
}

// Descriptor summarises a purger for callers that schedule work against it.
type Descriptor struct {
	ID                   string        `json:"id"`
	Label                string        `json:"label"`
	Types                []Kind        `json:"types"`
	TimeHint             time.Duration `json:"-"`
	RuntimeMeasurement   bool          `json:"runtimeMeasurement"`
	CooldownTime         time.Duration `json:"-"`
	IdealConditionsLimit int           `json:"idealConditionsLimit"`
}

// Describe collects the descriptor for id.
func (r *Registry) Describe(ctx context.Context, id string) (Descriptor, error) {
	p, err := r.Processor(ctx, id)
	if err != nil {
		return Descriptor{}, err
	}
	label, err := p.Label(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	types, err := p.Types(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	hint, err := p.TimeHint(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	measured, err := p.HasRuntimeMeasurement(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	cooldown, err := p.CooldownTime(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	limit, err := p.IdealConditionsLimit(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		ID:                   id,
		Label:                label,
		Types:                types,
		TimeHint:             hint,
		RuntimeMeasurement:   measured,
		CooldownTime:         cooldown,
		IdealConditionsLimit: limit,
	}, nil
}
