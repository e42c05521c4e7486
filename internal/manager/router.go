package manager

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-manager/internal/health"
	"github.com/vnmchuo/llm-manager/internal/metrics"
	"github.com/vnmchuo/llm-manager/internal/provider"
)

// candidates orders providers for a request: the explicit provider, then
// the default provider, then the rest by priority. Each id appears once.
func (st *state) candidates(req *provider.Request) []string {
	out := make([]string, 0, len(st.order))
	seen := make(map[string]bool, len(st.order))
	push := func(id string) {
		if id == "" || seen[id] {
			return
		}
		if _, ok := st.slots[id]; !ok {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	push(req.Provider)
	push(st.snap.DefaultProvider)
	for _, id := range st.order {
		push(id)
	}
	return out
}

// route walks the candidate chain. Within one provider attempts follow the
// retry policy; once they are spent the next healthy provider is tried.
func (m *Manager) route(ctx context.Context, st *state, req *provider.Request) (*provider.Response, error) {
	exhausted := &AllProvidersExhaustedError{}
	if req.Provider != "" {
		if _, ok := st.slots[req.Provider]; !ok {
			exhausted.skip(req.Provider, "unknown provider")
		}
	}

	for _, id := range st.candidates(req) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		slot := st.slots[id]

		switch hs := m.health.State(id); hs {
		case health.StateHealthy:
		case health.StateProbing:
			m.health.ProbeAsync(id)
			exhausted.skip(id, "provider "+string(hs))
			continue
		default:
			exhausted.skip(id, "provider "+string(hs))
			continue
		}

		model := req.ResolveModel(slot.cfg.DefaultModel)
		if err := provider.CheckCapability(id, slot.catalog, model, len(req.Images) > 0); err != nil {
			exhausted.add(id, err)
			continue
		}

		if m.quota != nil {
			allowed, err := m.quota.Allow(ctx, id, req.MaxTokens)
			if err != nil {
				m.logger.Warn("quota check failed, allowing call", "provider", id, "error", err)
			} else if !allowed {
				exhausted.add(id, &provider.Error{Kind: provider.KindTransient, Provider: id, Message: "token quota exhausted"})
				continue
			}
		}

		preq := *req
		if model != "" {
			preq.Model = model
		}

		start := time.Now()
		resp, attempts, err := st.policy.Do(ctx, func(ctx context.Context, n int) (*provider.Response, error) {
			return m.attempt(ctx, st, slot, &preq, n)
		})
		failed := attempts
		if err == nil {
			failed--
		}
		m.tracker.RecordAttempts(id, attempts, failed)

		if err == nil {
			if resp.Latency == 0 {
				resp.Latency = time.Since(start)
			}
			resp.Provider = id
			if model != "" {
				resp.Model = model
			}
			resp.Attempts = attempts
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		exhausted.add(id, err)
		switch provider.KindOf(err) {
		case provider.KindInvalidRequest:
			if !errors.Is(err, provider.ErrUnsupported) {
				return nil, err
			}
		case provider.KindAuth:
			m.health.Trip(id, err)
			m.logger.Error("provider rejected credentials", "provider", id, "error", err)
		default:
			m.logger.Warn("provider exhausted, falling back", "provider", id, "attempts", attempts, "error", err)
		}
	}
	return nil, exhausted
}

// attempt makes one bounded call through the provider's breaker.
func (m *Manager) attempt(ctx context.Context, st *state, slot *providerSlot, req *provider.Request, n int) (*provider.Response, error) {
	id := slot.cfg.ID
	ctx, span := m.tracer.Start(ctx, "manager.attempt", trace.WithAttributes(
		attribute.String("provider", id),
		attribute.String("model", req.Model),
		attribute.Int("attempt", n),
	))
	defer span.End()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer slot.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	// ctx, not callCtx: only the parent running out is the caller's doing.
	resp, err := m.health.Execute(ctx, id, func() (*provider.Response, error) {
		return slot.adapter.Complete(callCtx, req)
	})

	outcome := "success"
	if err != nil {
		outcome = provider.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Debug("provider attempt failed", "provider", id, "attempt", n, "error", err)
	}
	metrics.ProviderAttempts.WithLabelValues(id, outcome).Inc()
	return resp, err
}
