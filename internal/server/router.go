package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/purgectl/internal/health"
	"github.com/l0p7/purgectl/internal/purge"
	"github.com/l0p7/purgectl/internal/secrets"
	"github.com/l0p7/purgectl/internal/settings"
)

const maxRequestBody = 1 << 20

// Purgers is the surface the router needs from the purge layer.
type Purgers interface {
	Invalidate(ctx context.Context, id string, kind purge.Kind, batch []*purge.Invalidation) ([]purge.Result, error)
	Describe(ctx context.Context, id string) (purge.Descriptor, error)
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
}

// Sensor reports provider reachability.
type Sensor interface {
	Check(ctx context.Context, id string) health.Result
	CheckAny(ctx context.Context) health.Result
	Forget(id string)
}

// Handler routes purger requests. Paths are:
//
//	GET    /healthz
//	GET    /metrics
//	GET    /purgers
//	GET    /{purger}
//	DELETE /{purger}
//	GET    /{purger}/healthz
//	GET    /{purger}/types
//	GET    /{purger}/timehint
//	POST   /{purger}/invalidate/{kind}
type Handler struct {
	purgers Purgers
	sensor  Sensor
	metrics http.Handler
	logger  *slog.Logger
}

// NewHandler builds the router. A nil metrics handler answers 404 on /metrics.
func NewHandler(purgers Purgers, sensor Sensor, metrics http.Handler, logger *slog.Logger) http.Handler {
	if purgers == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusServiceUnavailable, "purgers unavailable")
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		purgers: purgers,
		sensor:  sensor,
		metrics: metrics,
		logger:  logger.With(slog.String("agent", "router")),
	}
}

type route struct {
	purger string
	name   string
	kind   string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := parseRoute(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch rt.name {
	case "metrics":
		if h.metrics == nil {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if allow(w, r, http.MethodGet) {
			h.metrics.ServeHTTP(w, r)
		}
	case "healthz":
		if allow(w, r, http.MethodGet) {
			h.serveHealth(w, r, rt.purger)
		}
	case "purgers":
		if allow(w, r, http.MethodGet) {
			h.serveList(w, r)
		}
	case "purger":
		switch r.Method {
		case http.MethodGet:
			h.serveDescribe(w, r, rt.purger)
		case http.MethodDelete:
			h.serveDelete(w, r, rt.purger)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "types":
		if allow(w, r, http.MethodGet) {
			h.serveTypes(w, r, rt.purger)
		}
	case "timehint":
		if allow(w, r, http.MethodGet) {
			h.serveTimeHint(w, r, rt.purger)
		}
	case "invalidate":
		if allow(w, r, http.MethodPost) {
			h.serveInvalidate(w, r, rt.purger, rt.kind)
		}
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func parseRoute(path string) (route, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return route{}, false
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if part == "" {
			return route{}, false
		}
	}
	switch len(parts) {
	case 1:
		switch strings.ToLower(parts[0]) {
		case "metrics":
			return route{name: "metrics"}, true
		case "health", "healthz":
			return route{name: "healthz"}, true
		case "purgers":
			return route{name: "purgers"}, true
		}
		return route{purger: parts[0], name: "purger"}, true
	case 2:
		switch name := strings.ToLower(parts[1]); name {
		case "health", "healthz":
			return route{purger: parts[0], name: "healthz"}, true
		case "types", "timehint":
			return route{purger: parts[0], name: name}, true
		}
	case 3:
		if strings.ToLower(parts[1]) == "invalidate" {
			return route{purger: parts[0], name: "invalidate", kind: parts[2]}, true
		}
	}
	return route{}, false
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

type invalidateRequest struct {
	Expressions []string `json:"expressions"`
}

type invalidateItem struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
	State      string `json:"state"`
	Outcome    string `json:"outcome"`
	Status     int    `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

type invalidateResponse struct {
	Purger  string           `json:"purger"`
	Kind    string           `json:"kind"`
	Results []invalidateItem `json:"results"`
	Error   string           `json:"error,omitempty"`
}

func (h *Handler) serveInvalidate(w http.ResponseWriter, r *http.Request, id, kindName string) {
	kind, err := purge.ParseKind(kindName)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body invalidateRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode body: %v", err))
		return
	}
	if len(body.Expressions) == 0 && kind != purge.KindEverything {
		writeError(w, http.StatusBadRequest, "expressions required")
		return
	}
	if len(body.Expressions) == 0 {
		body.Expressions = []string{""}
	}

	batch := make([]*purge.Invalidation, len(body.Expressions))
	for i, expression := range body.Expressions {
		batch[i] = purge.NewInvalidation(strconv.Itoa(i), kind, expression)
	}

	results, err := h.purgers.Invalidate(r.Context(), id, kind, batch)
	if err != nil && results == nil {
		h.writeFailure(w, r, id, err)
		return
	}

	resp := invalidateResponse{Purger: id, Kind: string(kind), Results: make([]invalidateItem, 0, len(batch))}
	for _, result := range results {
		item := invalidateItem{
			ID:         result.Invalidation.ID,
			Expression: result.Invalidation.Expression,
			State:      result.Invalidation.State().String(),
			Outcome:    result.Outcome.String(),
			Status:     result.Status,
		}
		if result.Err != nil {
			item.Error = result.Err.Error()
		}
		resp.Results = append(resp.Results, item)
	}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

type descriptorResponse struct {
	purge.Descriptor
	TimeHintSeconds     float64 `json:"timeHintSeconds"`
	CooldownTimeSeconds float64 `json:"cooldownTimeSeconds"`
}

func (h *Handler) serveDescribe(w http.ResponseWriter, r *http.Request, id string) {
	desc, err := h.purgers.Describe(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, descriptorResponse{
		Descriptor:          desc,
		TimeHintSeconds:     desc.TimeHint.Seconds(),
		CooldownTimeSeconds: desc.CooldownTime.Seconds(),
	})
}

func (h *Handler) serveTypes(w http.ResponseWriter, r *http.Request, id string) {
	desc, err := h.purgers.Describe(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purger": id, "types": desc.Types})
}

func (h *Handler) serveTimeHint(w http.ResponseWriter, r *http.Request, id string) {
	desc, err := h.purgers.Describe(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"purger":             id,
		"seconds":            desc.TimeHint.Seconds(),
		"runtimeMeasurement": desc.RuntimeMeasurement,
	})
}

func (h *Handler) serveDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.purgers.Delete(r.Context(), id); err != nil {
		h.writeFailure(w, r, id, err)
		return
	}
	if h.sensor != nil {
		h.sensor.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveList(w http.ResponseWriter, r *http.Request) {
	ids, err := h.purgers.IDs(r.Context())
	if err != nil {
		h.writeFailure(w, r, "", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"purgers": ids})
}

func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request, id string) {
	if h.sensor == nil {
		writeError(w, http.StatusServiceUnavailable, "health sensor unavailable")
		return
	}
	var result health.Result
	if id == "" {
		result = h.sensor.CheckAny(r.Context())
	} else {
		result = h.sensor.Check(r.Context(), id)
	}
	status := http.StatusOK
	if result.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, id string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, purge.ErrConfigurationMissing), errors.Is(err, settings.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, purge.ErrKindUnsupported), errors.Is(err, purge.ErrKindDisabled):
		status = http.StatusBadRequest
	case errors.Is(err, secrets.ErrSecretNotFound), errors.Is(err, secrets.ErrInvalidSecretName):
		status = http.StatusFailedDependency
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "purger request failed",
			slog.String("purger", id),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
