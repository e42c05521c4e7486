// Package proxy exposes the manager over HTTP.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-manager/internal/cache"
	"github.com/vnmchuo/llm-manager/internal/health"
	"github.com/vnmchuo/llm-manager/internal/manager"
	"github.com/vnmchuo/llm-manager/internal/provider"
	"github.com/vnmchuo/llm-manager/internal/usage"
	"github.com/vnmchuo/llm-manager/internal/worker"
)

const maxBatchSize = 100

// Service is the manager surface the handlers need.
type Service interface {
	Submit(ctx context.Context, req *provider.Request) (*provider.Response, error)
	SubmitBatch(ctx context.Context, reqs []*provider.Request) []manager.Result
	HealthSnapshot() []health.Status
	QuotaSnapshot(ctx context.Context) []manager.QuotaStatus
	CacheStats() (cache.Stats, bool)
	UsageSnapshot() usage.Snapshot
	ListModels(ctx context.Context) []provider.ModelDescriptor
}

type Jobs interface {
	Enqueue(ctx context.Context, req *provider.Request, callbackURL string) (worker.AsyncJob, error)
	Get(id string) (worker.AsyncJob, error)
}

// History answers usage queries over persisted events.
type History interface {
	TotalsByProvider(ctx context.Context, from, to time.Time) ([]usage.ProviderTotals, error)
	TotalCost(ctx context.Context, from, to time.Time) (float64, error)
}

type Handler struct {
	svc     Service
	jobs    Jobs
	history History
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewHandler wires the handlers. jobs and history may be nil; their routes
// then answer 501.
func NewHandler(svc Service, jobs Jobs, history History, tracer trace.Tracer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:     svc,
		jobs:    jobs,
		history: history,
		tracer:  tracer,
		logger:  logger,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/completions", h.HandleComplete)
	r.Post("/v1/completions/batch", h.HandleBatch)
	r.Get("/v1/health", h.HandleHealth)
	r.Get("/v1/usage", h.HandleUsage)
	r.Get("/v1/models", h.HandleModels)
	r.Post("/v1/jobs", h.HandleEnqueueJob)
	r.Get("/v1/jobs/{id}", h.HandleGetJob)
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", req.Model),
		attribute.String("provider_hint", req.Provider),
	)

	resp, err := h.svc.Submit(ctx, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion(resp))
}

type batchRequest struct {
	Requests []json.RawMessage `json:"requests"`
}

type batchItem struct {
	Response map[string]any `json:"response,omitempty"`
	Error    string         `json:"error,omitempty"`
	Status   int            `json:"status"`
}

func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.Requests) == 0 || len(body.Requests) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "requests must hold between 1 and 100 items")
		return
	}

	reqs := make([]*provider.Request, len(body.Requests))
	for i, raw := range body.Requests {
		req := provider.NewRequest("")
		if err := json.Unmarshal(raw, req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request at index "+strconv.Itoa(i))
			return
		}
		reqs[i] = req
	}

	ctx, span := h.tracer.Start(r.Context(), "proxy.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(reqs)))

	results := h.svc.SubmitBatch(ctx, reqs)
	items := make([]batchItem, len(results))
	for i, res := range results {
		if res.Err != nil {
			items[i] = batchItem{Error: res.Err.Error(), Status: statusFor(res.Err)}
			continue
		}
		items[i] = batchItem{Response: completion(res.Response), Status: http.StatusOK}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"providers": h.svc.HealthSnapshot()}
	if quotas := h.svc.QuotaSnapshot(r.Context()); len(quotas) > 0 {
		body["quotas"] = quotas
	}
	if stats, ok := h.svc.CacheStats(); ok {
		body["cache"] = stats
	}
	writeJSON(w, http.StatusOK, body)
}

// HandleUsage returns the in-process ledger. With from or to set and a
// history store configured it reports persisted totals for that window.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")
	if fromStr == "" && toStr == "" {
		writeJSON(w, http.StatusOK, h.svc.UsageSnapshot())
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "usage history is not configured")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now
	var err error
	if fromStr != "" {
		if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr != "" {
		if to, err = time.Parse(time.RFC3339, toStr); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	ctx := r.Context()
	totals, err := h.history.TotalsByProvider(ctx, from, to)
	if err != nil {
		h.logger.Error("usage history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cost, err := h.history.TotalCost(ctx, from, to)
	if err != nil {
		h.logger.Error("usage history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":  totals,
		"total_cost": cost,
		"from":       from,
		"to":         to,
	})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.svc.ListModels(r.Context())})
}

type jobRequest struct {
	provider.Request
	CallbackURL string `json:"callback_url,omitempty"`
}

func (h *Handler) HandleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotImplemented, "async jobs are not configured")
		return
	}
	body := jobRequest{Request: *provider.NewRequest("")}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.jobs.Enqueue(r.Context(), &body.Request, body.CallbackURL)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotImplemented, "async jobs are not configured")
		return
	}
	job, err := h.jobs.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// decodeRequest starts from the sampling defaults so omitted fields keep
// them.
func decodeRequest(r *http.Request) (*provider.Request, error) {
	req := provider.NewRequest("")
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return nil, err
	}
	return req, nil
}

// completion renders resp in the OpenAI-compatible envelope.
func completion(resp *provider.Response) map[string]any {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return map[string]any{
		"id":         resp.ID,
		"request_id": resp.RequestID,
		"object":     "chat.completion",
		"model":      resp.Model,
		"provider":   resp.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": resp.Content,
				},
				"finish_reason": finish,
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
			"total_tokens":      resp.Tokens(),
		},
		"cost":       resp.Cost,
		"cache_hit":  resp.CacheHit,
		"attempts":   resp.Attempts,
		"latency_ms": resp.Latency.Milliseconds(),
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "status", status, "error", err)
	}
	body := map[string]any{"error": err.Error()}
	var exhausted *manager.AllProvidersExhaustedError
	if errors.As(err, &exhausted) {
		body["failures"] = exhausted.Failures
	}
	writeJSON(w, status, body)
}

// statusFor maps the error taxonomy onto HTTP status codes. Exhaustion is
// checked first since it unwraps to the per-provider errors.
func statusFor(err error) int {
	switch {
	case manager.IsExhausted(err):
		return http.StatusBadGateway
	case errors.Is(err, manager.ErrDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, worker.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrQueueFull):
		return http.StatusServiceUnavailable
	case provider.IsInvalidRequest(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
