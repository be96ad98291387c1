// Package admin serves the read-only status API of a running orchestrator.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hardik936/llmgate"
)

// Status is the introspection surface of an orchestrator.
type Status interface {
	LimiterStatus(ctx context.Context, provider string) (llmgate.LimiterStatus, error)
	QuotaStatus(ctx context.Context, scope llmgate.Scope) (llmgate.QuotaStatus, error)
	BreakerStatus(ctx context.Context, resource string) (llmgate.BreakerStatus, error)
	Providers(ctx context.Context) ([]llmgate.ProviderStatus, error)
}

var _ Status = (*llmgate.Orchestrator)(nil)

// Caller runs governed calls.
type Caller interface {
	Call(ctx context.Context, req llmgate.Request) (llmgate.Response, error)
}

var _ Caller = (*llmgate.Orchestrator)(nil)

// RouterDeps holds the dependencies of the admin router.
type RouterDeps struct {
	Status  Status
	Caller  Caller       // nil disables POST /v1/call
	Metrics http.Handler // nil disables /metrics
	Logger  *slog.Logger
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	h := &statusHandler{status: deps.Status}
	r.Route("/status", func(sr chi.Router) {
		sr.Get("/providers", h.providers)
		sr.Get("/limiter/{provider}", h.limiter)
		sr.Get("/quota/{kind}/{id}", h.quota)
		sr.Get("/breaker/{resource}", h.breaker)
	})

	if deps.Caller != nil {
		c := &callHandler{caller: deps.Caller}
		r.Post("/v1/call", c.call)
	}

	return r
}

type statusHandler struct {
	status Status
}

func (h *statusHandler) providers(w http.ResponseWriter, r *http.Request) {
	out, err := h.status.Providers(r.Context())
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *statusHandler) limiter(w http.ResponseWriter, r *http.Request) {
	out, err := h.status.LimiterStatus(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *statusHandler) quota(w http.ResponseWriter, r *http.Request) {
	scope, err := llmgate.ParseScope(chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return
	}
	out, err := h.status.QuotaStatus(r.Context(), scope)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *statusHandler) breaker(w http.ResponseWriter, r *http.Request) {
	out, err := h.status.BreakerStatus(r.Context(), chi.URLParam(r, "resource"))
	if err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

type callRequest struct {
	ID         string   `json:"id"`
	WorkflowID string   `json:"workflow_id"`
	TenantID   string   `json:"tenant_id"`
	Prompt     string   `json:"prompt"`
	Tokens     int64    `json:"tokens"`
	Preferred  string   `json:"preferred"`
	Candidates []string `json:"candidates"`
	Policy     string   `json:"policy"`
}

type callResponse struct {
	RequestID        string  `json:"request_id"`
	Value            any     `json:"value"`
	RoutedTo         string  `json:"routed_to"`
	FailoverAttempts int     `json:"failover_attempts"`
	Attempts         int     `json:"attempts"`
	TokensUsed       int64   `json:"tokens_used"`
	Cost             float64 `json:"cost"`
	QuotaWarning     bool    `json:"quota_warning"`
	LatencyMS        int64   `json:"latency_ms"`
}

type callHandler struct {
	caller Caller
}

func (h *callHandler) call(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	resp, err := h.caller.Call(r.Context(), llmgate.Request{
		ID:         req.ID,
		WorkflowID: req.WorkflowID,
		TenantID:   req.TenantID,
		Prompt:     req.Prompt,
		Tokens:     req.Tokens,
		Preferred:  req.Preferred,
		Candidates: req.Candidates,
		Policy:     llmgate.RoutingPolicy(req.Policy),
	})
	if err != nil {
		writeCallError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, callResponse{
		RequestID:        resp.RequestID,
		Value:            resp.Value,
		RoutedTo:         resp.RoutedTo,
		FailoverAttempts: resp.FailoverAttempts,
		Attempts:         len(resp.Attempts),
		TokensUsed:       resp.TokensUsed,
		Cost:             resp.Cost,
		QuotaWarning:     resp.QuotaWarning,
		LatencyMS:        resp.Latency.Milliseconds(),
	})
}

// writeCallError maps the error taxonomy onto HTTP statuses.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, llmgate.ErrRateLimitTimeout):
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, llmgate.ErrQuotaExceeded):
		writeError(w, http.StatusPaymentRequired, "quota_exceeded", err.Error())
	case errors.Is(err, llmgate.ErrNoCandidates), errors.Is(err, llmgate.ErrAllProvidersExhausted):
		writeError(w, http.StatusServiceUnavailable, "providers_unavailable", err.Error())
	case errors.Is(err, llmgate.ErrUnknownProvider), errors.Is(err, llmgate.ErrInvalidConfig),
		errors.Is(err, llmgate.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, http.StatusBadGateway, "provider_error", err.Error())
	}
}

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeStatusError(w http.ResponseWriter, err error) {
	if errors.Is(err, llmgate.ErrUnknownProvider) {
		writeError(w, http.StatusNotFound, "unknown_provider", err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", err.Error())
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{
		Error: errorDetail{Code: code, Message: message},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("admin request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
