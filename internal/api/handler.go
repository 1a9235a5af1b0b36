package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/underwrite/internal/bus"
	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/pipeline"
	"github.com/opensource-finance/underwrite/internal/policy"
	"github.com/opensource-finance/underwrite/internal/repository"
	"github.com/opensource-finance/underwrite/internal/underwriting"
)

// MaxBatchSize bounds the number of scenarios in one batch request.
const MaxBatchSize = 500

// Handler holds dependencies for API handlers.
type Handler struct {
	service *pipeline.Service
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	version string
}

// NewHandler creates a new API handler. repo, cache and bus may be nil.
func NewHandler(service *pipeline.Service, repo domain.Repository, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		service: service,
		repo:    repo,
		cache:   cache,
		bus:     bus,
		version: version,
	}
}

// EvaluateResponse is the response for POST /api/evaluate.
type EvaluateResponse struct {
	Decision *domain.Decision `json:"decision"`
	Display  Display          `json:"display"`
}

// Display carries the formatted strings a client shows next to the
// structured result.
type Display struct {
	LTV        string             `json:"ltv"`
	CLTV       string             `json:"cltv"`
	HCLTV      string             `json:"hcltv"`
	DTI        string             `json:"dti"`
	FEDTI      string             `json:"fedti"`
	Reserves   string             `json:"reserves"`
	Value      string             `json:"value"`
	LLPATotal  string             `json:"llpa_total"`
	BasePrice  string             `json:"base_price"`
	NetPrice   string             `json:"net_price"`
	Components []DisplayComponent `json:"components"`
}

// DisplayComponent is one formatted pricing line.
type DisplayComponent struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewDisplay formats the metrics and pricing of a result.
func NewDisplay(r *domain.EngineResult) Display {
	m := r.CalculatedMetrics
	d := Display{
		LTV:        underwriting.Pct(m.LTV),
		CLTV:       underwriting.Pct(m.CLTV),
		HCLTV:      underwriting.Pct(m.HCLTV),
		DTI:        underwriting.Pct(m.DTI),
		FEDTI:      underwriting.Pct(m.FEDTI),
		Reserves:   underwriting.Dollars(m.ReservesRequiredDollars),
		Value:      underwriting.Dollars(m.Value),
		LLPATotal:  underwriting.SignedBps(r.Pricing.LLPATotalBps),
		BasePrice:  fmt.Sprintf("%.3f", r.Pricing.BasePrice),
		NetPrice:   fmt.Sprintf("%.3f", r.Pricing.NetPrice),
		Components: make([]DisplayComponent, 0, len(r.Pricing.Components)),
	}
	for _, c := range r.Pricing.Components {
		d.Components = append(d.Components, DisplayComponent{
			Name:  c.Name,
			Value: underwriting.SignedBps(c.ValueBps),
		})
	}
	return d
}

// Evaluate handles POST /api/evaluate. The body is a scenario.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var s domain.Scenario
	if !decodeBody(w, r, &s) {
		return
	}

	d, err := h.service.Evaluate(ctx, GetPolicyID(ctx), &s)
	if err != nil {
		h.evaluationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Decision: d,
		Display:  NewDisplay(d.Result),
	})
}

// BatchRequest is the request body for POST /api/evaluate/batch.
type BatchRequest struct {
	Scenarios []*domain.Scenario `json:"scenarios"`
}

// BatchResult is one entry of a batch response, in request order.
type BatchResult struct {
	Index    int              `json:"index"`
	Decision *domain.Decision `json:"decision,omitempty"`
	Display  *Display         `json:"display,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// BatchResponse is the response for POST /api/evaluate/batch.
type BatchResponse struct {
	PolicyID   string        `json:"policy_id"`
	Count      int           `json:"count"`
	Eligible   int           `json:"eligible"`
	Ineligible int           `json:"ineligible"`
	Errors     int           `json:"errors"`
	Results    []BatchResult `json:"results"`
}

// EvaluateBatch handles POST /api/evaluate/batch.
func (h *Handler) EvaluateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	policyID := GetPolicyID(ctx)

	var req BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Scenarios) == 0 {
		writeError(w, http.StatusBadRequest, "scenarios are required")
		return
	}
	if len(req.Scenarios) > MaxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d scenarios per batch", MaxBatchSize))
		return
	}

	items, err := h.service.EvaluateBatch(ctx, policyID, req.Scenarios)
	if err != nil {
		h.evaluationError(w, err)
		return
	}

	resp := BatchResponse{
		PolicyID: policyID,
		Count:    len(items),
		Results:  make([]BatchResult, len(items)),
	}
	for i, item := range items {
		res := BatchResult{Index: i}
		switch {
		case item.Err != nil:
			res.Error = item.Err.Error()
			resp.Errors++
		default:
			res.Decision = item.Decision
			display := NewDisplay(item.Decision.Result)
			res.Display = &display
			if item.Decision.Eligible {
				resp.Eligible++
			} else {
				resp.Ineligible++
			}
		}
		resp.Results[i] = res
	}

	slog.Info("batch evaluated",
		"policy_id", policyID,
		"count", resp.Count,
		"eligible", resp.Eligible,
		"errors", resp.Errors,
	)

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) evaluationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidScenario):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrUnknownPolicy):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("evaluation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "evaluation failed")
	}
}

// ListPresets handles GET /api/presets.
func (h *Handler) ListPresets(w http.ResponseWriter, r *http.Request) {
	presets := underwriting.Presets()
	writeJSON(w, http.StatusOK, map[string]any{
		"presets": presets,
		"count":   len(presets),
	})
}

// EvaluatePreset handles POST /api/presets/{id}/evaluate.
func (h *Handler) EvaluatePreset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	preset, ok := underwriting.FindPreset(id)
	if !ok {
		writeError(w, http.StatusNotFound, "preset not found")
		return
	}

	d, err := h.service.Evaluate(ctx, GetPolicyID(ctx), &preset.Scenario)
	if err != nil {
		h.evaluationError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		Decision: d,
		Display:  NewDisplay(d.Result),
	})
}

// SubmitResponse acknowledges a scenario queued on the event bus.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	PolicyID  string `json:"policy_id"`
	Topic     string `json:"topic"`
}

// Submit handles POST /api/evaluate/async. The scenario is validated here
// and evaluated by the worker; the decision is published on the decision
// topic under the returned request ID.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus is not configured")
		return
	}
	ctx := r.Context()

	var s domain.Scenario
	if !decodeBody(w, r, &s) {
		return
	}
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := &domain.ScenarioMessage{
		RequestID: GetRequestID(ctx),
		PolicyID:  GetPolicyID(ctx),
		TraceID:   GetTraceID(ctx),
		Scenario:  &s,
	}
	if err := bus.Submit(ctx, h.bus, msg); err != nil {
		slog.Error("scenario submit failed", "policy_id", msg.PolicyID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "scenario could not be queued")
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{
		RequestID: msg.RequestID,
		PolicyID:  msg.PolicyID,
		Topic:     domain.TopicDecision,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(r.Context()) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(r.Context()) })
	}
	if h.bus != nil {
		check("eventbus", func() error { return h.bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ready":    true,
		"policies": len(h.service.Registry().IDs()),
	}
	if o := h.service.Overlays(); o != nil {
		resp["overlays"] = o.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PolicySummary describes one registered policy.
type PolicySummary struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// ListPolicies handles GET /api/policies.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	registry := h.service.Registry()

	ids := registry.IDs()
	policies := make([]PolicySummary, 0, len(ids))
	for _, id := range ids {
		p, err := registry.Get(id)
		if err != nil {
			continue
		}
		policies = append(policies, PolicySummary{ID: p.ID, Version: p.Version})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"policies": policies,
		"count":    len(policies),
	})
}

// GetPolicy handles GET /api/policies/{id}: the compiled tables.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.service.Registry().Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// CreatePolicyRequest is the request body for creating a policy profile.
type CreatePolicyRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
	Overlay     string `json:"overlay"`
	Enabled     bool   `json:"enabled"`
}

// CreatePolicy handles POST /api/policies. The profile is compiled before
// it is saved and registered.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreatePolicyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.ID == "" || req.Name == "" || req.Version == "" {
		writeError(w, http.StatusBadRequest, "id, name, and version are required")
		return
	}
	if req.ID == domain.DefaultPolicyID {
		writeError(w, http.StatusBadRequest, "the default policy cannot be replaced")
		return
	}

	profile := &domain.PolicyProfile{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     req.Version,
		Overlay:     req.Overlay,
		Enabled:     req.Enabled,
	}

	registry := h.service.Registry()
	if _, err := registry.Compile(profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SavePolicyProfile(ctx, profile); err != nil {
			slog.Error("failed to save policy profile", "id", profile.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save policy")
			return
		}
	}

	if profile.Enabled {
		if _, err := registry.Register(profile); err != nil {
			writeError(w, http.StatusBadRequest, "invalid policy: "+err.Error())
			return
		}
	}

	slog.Info("policy profile created", "id", profile.ID, "version", profile.Version)
	writeJSON(w, http.StatusCreated, map[string]any{
		"policy":  profile,
		"message": "Policy saved.",
	})
}

// DeletePolicy handles DELETE /api/policies/{id} and reloads the registry.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.DeletePolicyProfile(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "policy not found")
			return
		}
		slog.Error("failed to delete policy profile", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete policy")
		return
	}

	n, err := h.service.Registry().Reload(ctx)
	if err != nil {
		slog.Error("failed to reload policies after delete", "error", err)
	}

	slog.Info("policy profile deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Policy deleted and registry reloaded.",
		"count":   n,
	})
}

// ReloadPolicies handles POST /api/policies/reload.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	n, err := h.service.Registry().Reload(r.Context())
	if err != nil {
		slog.Error("failed to reload policies", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload policies: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "policies reloaded successfully",
		"count":   n,
	})
}

// ListOverlays handles GET /api/overlays: the overlays currently loaded.
func (h *Handler) ListOverlays(w http.ResponseWriter, r *http.Request) {
	engine := h.service.Overlays()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "overlay engine not available")
		return
	}

	loaded := engine.Loaded()
	writeJSON(w, http.StatusOK, map[string]any{
		"overlays": loaded,
		"count":    len(loaded),
	})
}

// CreateOverlayRequest is the request body for creating an overlay.
type CreateOverlayRequest struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Expression  string               `json:"expression"`
	Bands       []domain.OverlayBand `json:"bands"`
	Enabled     bool                 `json:"enabled"`
}

// CreateOverlay handles POST /api/overlays. The expression is compiled
// before the overlay is saved; enabled overlays apply immediately.
func (h *Handler) CreateOverlay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	engine := h.service.Overlays()
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "overlay engine not available")
		return
	}

	var req CreateOverlayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeError(w, http.StatusBadRequest, "id, name, and expression are required")
		return
	}
	for _, b := range req.Bands {
		switch b.Outcome {
		case domain.OutcomePass, domain.OutcomeReview, domain.OutcomeFail:
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown band outcome %q", b.Outcome))
			return
		}
	}

	cfg := &domain.OverlayConfig{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Bands:       req.Bands,
		Enabled:     req.Enabled,
	}

	if err := engine.Validate(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveOverlay(ctx, cfg); err != nil {
			slog.Error("failed to save overlay", "id", cfg.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save overlay")
			return
		}
	}

	if cfg.Enabled {
		if err := engine.Load(cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid CEL expression: "+err.Error())
			return
		}
	}

	slog.Info("overlay created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"overlay": cfg,
		"message": "Overlay saved.",
	})
}

// DeleteOverlay handles DELETE /api/overlays/{id} and reloads the engine.
func (h *Handler) DeleteOverlay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	engine := h.service.Overlays()
	if h.repo == nil || engine == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	if err := h.repo.DeleteOverlay(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "overlay not found")
			return
		}
		slog.Error("failed to delete overlay", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete overlay")
		return
	}

	n, err := engine.Reload(ctx)
	if err != nil {
		slog.Error("failed to reload overlays after delete", "error", err)
	}

	slog.Info("overlay deleted", "id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Overlay deleted and engine reloaded.",
		"count":   n,
	})
}

// ReloadOverlays handles POST /api/overlays/reload.
func (h *Handler) ReloadOverlays(w http.ResponseWriter, r *http.Request) {
	engine := h.service.Overlays()
	if h.repo == nil || engine == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	n, err := engine.Reload(r.Context())
	if err != nil {
		slog.Error("failed to reload overlays", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reload overlays: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "overlays reloaded successfully",
		"count":   n,
	})
}

// decodeBody decodes the JSON request body into v and answers malformed
// or oversized bodies itself.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", mbe.Limit))
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid JSON request body")
	return false
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
