// Package health probes the provider API on behalf of a purger and reports a
// tri-state status.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/l0p7/purgectl/internal/metrics"
	"github.com/l0p7/purgectl/internal/purge"
	"github.com/l0p7/purgectl/internal/secrets"
	"github.com/l0p7/purgectl/internal/settings"
)

// Status is the outcome of one check.
type Status string

const (
	StatusOK       Status = "OK"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Result is a status plus a human readable message.
type Result struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checkedAt"`
}

// DefaultCacheFor is how long a result is reused before probing again.
const DefaultCacheFor = 5 * time.Minute

// Config wires a Sensor.
type Config struct {
	Settings settings.Repository
	Secrets  secrets.Store
	Clients  purge.ClientFactory
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
	CacheFor time.Duration
	Now      func() time.Time
}

// Sensor checks connectivity to the provider environment endpoint.
type Sensor struct {
	repo     settings.Repository
	secrets  secrets.Store
	clients  purge.ClientFactory
	metrics  *metrics.Recorder
	logger   *slog.Logger
	cacheFor time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cached map[string]Result
}

// NewSensor builds a sensor. A negative CacheFor disables result caching.
func NewSensor(cfg Config) (*Sensor, error) {
	if cfg.Settings == nil {
		return nil, errors.New("health: settings repository required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clients := cfg.Clients
	if clients == nil {
		clients = purge.NewClientPool().Client
	}
	cacheFor := cfg.CacheFor
	if cacheFor == 0 {
		cacheFor = DefaultCacheFor
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sensor{
		repo:     cfg.Settings,
		secrets:  cfg.Secrets,
		clients:  clients,
		metrics:  cfg.Metrics,
		logger:   logger.With(slog.String("agent", "health")),
		cacheFor: cacheFor,
		now:      now,
		cached:   make(map[string]Result),
	}, nil
}

// CheckAny checks the first configured purger, mirroring hosts that expect
// a single provider connection.
func (s *Sensor) CheckAny(ctx context.Context) Result {
	ids, err := s.repo.List(ctx)
	if err != nil {
		return s.record("", Result{Status: StatusCritical, Message: fmt.Sprintf("list purgers: %v", err), CheckedAt: s.now()})
	}
	if len(ids) == 0 {
		return s.record("", Result{Status: StatusWarning, Message: "purger is not configured", CheckedAt: s.now()})
	}
	return s.Check(ctx, ids[0])
}

// Check probes the environment endpoint for purger id.
func (s *Sensor) Check(ctx context.Context, id string) Result {
	if result, ok := s.fromCache(id); ok {
		return result
	}
	result := s.probe(ctx, id)
	if result.Status != StatusWarning {
		s.store(id, result)
	}
	return s.record(id, result)
}

// Forget drops the cached result for id.
func (s *Sensor) Forget(id string) {
	s.mu.Lock()
	delete(s.cached, id)
	s.mu.Unlock()
}

func (s *Sensor) probe(ctx context.Context, id string) Result {
	now := s.now()
	cfg, err := s.repo.Load(ctx, id)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			return Result{Status: StatusWarning, Message: "purger is not configured", CheckedAt: now}
		}
		return Result{Status: StatusCritical, Message: fmt.Sprintf("load settings: %v", err), CheckedAt: now}
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Result{Status: StatusWarning, Message: fmt.Sprintf("purger is not configured: %v", err), CheckedAt: now}
	}

	auth, err := purge.ResolveAuth(ctx, cfg, s.secrets)
	if err != nil {
		return Result{Status: StatusCritical, Message: err.Error(), CheckedAt: now}
	}
	opts := purge.RequestOptions{
		Method:         http.MethodGet,
		Auth:           auth,
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		Timeout:        cfg.TimeoutDuration(),
		Verify:         cfg.Scheme != "https" || cfg.VerifyTLS(),
	}

	uri := purge.EnvironmentURI(cfg)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Result{Status: StatusCritical, Message: fmt.Sprintf("build request: %v", err), CheckedAt: now}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", purge.UserAgent)
	if auth != nil {
		req.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := s.clients(opts).Do(req)
	if err != nil {
		s.logger.WarnContext(ctx, "health probe failed", slog.String("purger", id), slog.String("uri", uri), slog.String("error", err.Error()))
		return Result{Status: StatusCritical, Message: fmt.Sprintf("connect to %s: %v", uri, err), CheckedAt: now}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Result{Status: StatusCritical, Message: fmt.Sprintf("%s responded with status %d", uri, resp.StatusCode), CheckedAt: now}
	}
	return Result{Status: StatusOK, Message: "successfully connected to section.io", CheckedAt: now}
}

func (s *Sensor) fromCache(id string) (Result, bool) {
	if s.cacheFor < 0 {
		return Result{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.cached[id]
	if !ok || s.now().Sub(result.CheckedAt) >= s.cacheFor {
		return Result{}, false
	}
	return result, true
}

func (s *Sensor) store(id string, result Result) {
	if s.cacheFor < 0 {
		return
	}
	s.mu.Lock()
	s.cached[id] = result
	s.mu.Unlock()
}

func (s *Sensor) record(id string, result Result) Result {
	s.metrics.ObserveHealth(id, string(result.Status))
	return result
}
