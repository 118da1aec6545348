package purge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/l0p7/purgectl/internal/expr"
	"github.com/l0p7/purgectl/internal/logging"
	"github.com/l0p7/purgectl/internal/metrics"
	"github.com/l0p7/purgectl/internal/secrets"
	"github.com/l0p7/purgectl/internal/settings"
)

// Dependencies are shared by every processor.
type Dependencies struct {
	Settings settings.Repository
	Secrets  secrets.Store
	Tokens   TokenReplacer
	Clients  ClientFactory
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// Processor turns batches of invalidations for one purger into dispatches.
type Processor struct {
	id         string
	repo       settings.Repository
	secrets    secrets.Store
	tokens     TokenReplacer
	dispatcher *Dispatcher
	metrics    *metrics.Recorder
	logger     *slog.Logger
	conditions *expr.Environment
	runtime    *runtimeMeasurement
}

// NewProcessor builds the processor for purger id.
func NewProcessor(id string, deps Dependencies) (*Processor, error) {
	if id == "" {
		return nil, errors.New("purge: purger id required")
	}
	if deps.Settings == nil {
		return nil, errors.New("purge: settings repository required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "purger"), slog.String("purger", id))
	conditions, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	return &Processor{
		id:         id,
		repo:       deps.Settings,
		secrets:    deps.Secrets,
		tokens:     deps.Tokens,
		dispatcher: NewDispatcher(logger, deps.Clients),
		metrics:    deps.Metrics,
		logger:     logger,
		conditions: conditions,
		runtime:    newRuntimeMeasurement(),
	}, nil
}

// ID returns the purger identifier.
func (p *Processor) ID() string { return p.id }

// Settings loads the purger settings with defaults applied.
func (p *Processor) Settings(ctx context.Context) (settings.PurgerSettings, error) {
	s, err := p.repo.Load(ctx, p.id)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return settings.PurgerSettings{}, fmt.Errorf("%w: %s", ErrConfigurationMissing, p.id)
		}
		return settings.PurgerSettings{}, fmt.Errorf("purge: load settings %s: %w", p.id, err)
	}
	s = s.WithDefaults()
	if err := s.Validate(); err != nil {
		return settings.PurgerSettings{}, fmt.Errorf("%w: %s: %w", ErrConfigurationMissing, p.id, err)
	}
	return s, nil
}

// Invalidate processes batch as invalidations of kind. Every processed item
// ends Succeeded or Failed. Malformed items fail on their own and the batch
// continues; their errors are joined into the returned error. Missing
// settings or an unresolvable password abort before any dispatch.
func (p *Processor) Invalidate(ctx context.Context, kind Kind, batch []*Invalidation) ([]Result, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	s, err := p.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if s.TypeDisabled(string(kind)) {
		return nil, fmt.Errorf("%w: %s", ErrKindDisabled, kind)
	}
	auth, err := ResolveAuth(ctx, s, p.secrets)
	if err != nil {
		return nil, err
	}
	var accept *expr.Program
	if s.AcceptWhen != "" {
		program, err := p.conditions.Compile(s.AcceptWhen)
		if err != nil {
			return nil, fmt.Errorf("purge: acceptWhen: %w", err)
		}
		accept = &program
	}

	results := make([]Result, 0, len(batch))
	var malformed []error
	for _, inv := range batch {
		if inv == nil {
			continue
		}
		result := p.process(ctx, s, auth, accept, kind, inv)
		if result.Outcome == OutcomeMalformed {
			malformed = append(malformed, result.Err)
		}
		results = append(results, result)
	}
	return results, errors.Join(malformed...)
}

func (p *Processor) process(ctx context.Context, s settings.PurgerSettings, auth *BasicAuth, accept *expr.Program, kind Kind, inv *Invalidation) Result {
	inv.SetState(StateProcessing)
	data := inv.TokenData()

	uri, err := BuildURI(s, p.tokens, data)
	if err != nil {
		return p.fail(ctx, kind, inv, OutcomeRequestFailure, err)
	}
	opts, err := BuildOptions(s, auth, p.tokens, data)
	if err != nil {
		return p.fail(ctx, kind, inv, OutcomeRequestFailure, err)
	}
	opts.Accept = accept

	expression, err := BuildExpression(kind, inv.Expression, s.SiteName)
	if err != nil {
		return p.fail(ctx, kind, inv, OutcomeMalformed, err)
	}
	p.logger.DebugContext(ctx, "ban expression built",
		slog.String("kind", string(kind)),
		slog.String("input", inv.Expression),
		slog.String("expression", expression),
	)

	result := p.dispatcher.Dispatch(ctx, inv, uri, expression, opts)
	if result.Outcome == OutcomeSucceeded && s.RuntimeMeasurement {
		p.runtime.record(result.Duration)
	}
	p.observe(kind, result)
	return result
}

func (p *Processor) fail(ctx context.Context, kind Kind, inv *Invalidation, outcome Outcome, err error) Result {
	inv.SetState(StateFailed)
	result := Result{Invalidation: inv, Outcome: outcome, Err: err}
	if outcome == OutcomeMalformed {
		p.logger.WarnContext(ctx, "invalidation malformed",
			slog.String("kind", string(kind)),
			slog.String("input", inv.Expression),
			slog.String("error", err.Error()),
		)
	} else {
		logging.Critical(ctx, p.logger, err.Error(), slog.String("kind", string(kind)))
	}
	p.observe(kind, result)
	return result
}

func (p *Processor) observe(kind Kind, result Result) {
	var outcome metrics.DispatchOutcome
	switch result.Outcome {
	case OutcomeSucceeded:
		outcome = metrics.DispatchSucceeded
	case OutcomeMalformed:
		outcome = metrics.DispatchMalformed
	case OutcomeConnectionFailure:
		outcome = metrics.DispatchConnectionFailure
	default:
		outcome = metrics.DispatchRequestFailure
	}
	p.metrics.ObserveDispatch(p.id, string(kind), outcome, result.Duration)
}

// InvalidateURLs invalidates absolute URLs.
func (p *Processor) InvalidateURLs(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindURL, batch)
}

// InvalidateWildcardURLs invalidates absolute URLs containing '*' wildcards.
func (p *Processor) InvalidateWildcardURLs(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindWildcardURL, batch)
}

// InvalidatePaths invalidates site-relative paths.
func (p *Processor) InvalidatePaths(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindPath, batch)
}

// InvalidateWildcardPaths invalidates site-relative paths containing '*' wildcards.
func (p *Processor) InvalidateWildcardPaths(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindWildcardPath, batch)
}

// InvalidateDomains invalidates whole hosts.
func (p *Processor) InvalidateDomains(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindDomain, batch)
}

// InvalidateRegex invalidates URLs matching caller-supplied patterns.
func (p *Processor) InvalidateRegex(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindRegex, batch)
}

// InvalidateRaw sends caller-supplied ban expressions verbatim.
func (p *Processor) InvalidateRaw(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindRaw, batch)
}

// InvalidateTags sends tag expressions verbatim.
func (p *Processor) InvalidateTags(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindTag, batch)
}

// InvalidateEverything bans every cached object, scoped to the site when one
// is configured.
func (p *Processor) InvalidateEverything(ctx context.Context, batch []*Invalidation) ([]Result, error) {
	return p.Invalidate(ctx, KindEverything, batch)
}

// Types lists the kinds this purger accepts.
func (p *Processor) Types(ctx context.Context) ([]Kind, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Kind, 0, len(supportedKinds))
	for _, kind := range supportedKinds {
		if !s.TypeDisabled(string(kind)) {
			out = append(out, kind)
		}
	}
	return out, nil
}

// HasRuntimeMeasurement reports whether dispatch durations drive TimeHint.
func (p *Processor) HasRuntimeMeasurement(ctx context.Context) (bool, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return false, err
	}
	return s.RuntimeMeasurement, nil
}

// TimeHint estimates how long one invalidation takes. Without runtime
// measurement it is the connect timeout plus the request timeout.
func (p *Processor) TimeHint(ctx context.Context) (time.Duration, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return 0, err
	}
	if s.RuntimeMeasurement {
		return p.runtime.current(), nil
	}
	return s.ConnectTimeoutDuration() + s.TimeoutDuration(), nil
}

// Label returns the configured display name, falling back to the id.
func (p *Processor) Label(ctx context.Context) (string, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return "", err
	}
	if s.Name == "" {
		return p.id, nil
	}
	return s.Name, nil
}

// CooldownTime is the pause callers should leave between batches.
func (p *Processor) CooldownTime(ctx context.Context) (time.Duration, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return 0, err
	}
	return time.Duration(s.CooldownTime * float64(time.Second)), nil
}

// IdealConditionsLimit is the largest batch the purger should receive.
func (p *Processor) IdealConditionsLimit(ctx context.Context) (int, error) {
	s, err := p.Settings(ctx)
	if err != nil {
		return 0, err
	}
	return s.MaxRequests, nil
}

// Delete removes the purger settings.
func (p *Processor) Delete(ctx context.Context) error {
	if err := p.repo.Delete(ctx, p.id); err != nil {
		return fmt.Errorf("purge: delete settings %s: %w", p.id, err)
	}
	return nil
}
