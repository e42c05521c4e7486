// Package manager routes completion requests across providers with
// caching, retries, fallback and cost accounting.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vnmchuo/llm-manager/config"
	"github.com/vnmchuo/llm-manager/internal/cache"
	"github.com/vnmchuo/llm-manager/internal/health"
	"github.com/vnmchuo/llm-manager/internal/metrics"
	"github.com/vnmchuo/llm-manager/internal/provider"
	"github.com/vnmchuo/llm-manager/internal/retry"
	"github.com/vnmchuo/llm-manager/internal/usage"
	"github.com/vnmchuo/llm-manager/pkg/ratelimit"
)

// Quota gates provider calls on an external token budget.
type Quota interface {
	Allow(ctx context.Context, providerID string, tokens int) (bool, error)
}

// QuotaReporter is implemented by quotas that can report a provider's
// current window without reserving from it.
type QuotaReporter interface {
	Status(ctx context.Context, providerID string) (ratelimit.Window, error)
}

type QuotaStatus struct {
	Provider string `json:"provider"`
	ratelimit.Window
}

type Result struct {
	Response *provider.Response `json:"response,omitempty"`
	Err      error              `json:"-"`
}

// providerSlot is the live form of one configured provider.
type providerSlot struct {
	cfg     config.ProviderConfig
	adapter provider.Adapter
	catalog []provider.ModelDescriptor
	sem     *semaphore.Weighted
}

// state is swapped as a whole on reload; requests keep the state they
// started with.
type state struct {
	snap     *config.Snapshot
	slots    map[string]*providerSlot
	order    []string
	policy   retry.Policy
	cache    *cache.ResponseCache
	timeout  time.Duration
	deadline time.Duration
	workers  int
}

type Manager struct {
	state   atomic.Pointer[state]
	reload  sync.Mutex
	health  *health.Monitor
	tracker *usage.Tracker
	store   cache.Store

	factory    AdapterFactory
	httpClient *http.Client
	quota      Quota
	logger     *slog.Logger
	tracer     trace.Tracer
	sink       usage.Sink
	onBudget   usage.BudgetFunc
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithCacheStore replaces the in-memory response store, e.g. with Redis.
func WithCacheStore(s cache.Store) Option {
	return func(m *Manager) { m.store = s }
}

func WithAdapterFactory(f AdapterFactory) Option {
	return func(m *Manager) { m.factory = f }
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

func WithQuota(q Quota) Option {
	return func(m *Manager) { m.quota = q }
}

// WithUsageSink forwards every served response to s, e.g. a usage.Logger.
func WithUsageSink(s usage.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithBudgetCallback is called once per provider when its cost crosses
// budget.warn_cost.
func WithBudgetCallback(fn usage.BudgetFunc) Option {
	return func(m *Manager) { m.onBudget = fn }
}

// New builds a Manager from snap. Call Run to start background probes.
func New(snap *config.Snapshot, opts ...Option) (*Manager, error) {
	m := &Manager{
		factory: DefaultFactory,
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/vnmchuo/llm-manager/internal/manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = provider.NewHTTPClient()
	}
	if m.store == nil {
		m.store = cache.NewMemoryStore(snap.Cache.MaxEntries)
	}

	m.health = health.NewMonitor(health.Config{
		FailureThreshold: snap.Health.FailureThreshold,
		Cooldown:         snap.Health.Cooldown(),
		CheckInterval:    snap.Health.CheckInterval(),
	}, health.WithLogger(m.logger), health.WithStateListener(func(id string, from, to health.State) {
		metrics.ProviderState.WithLabelValues(id).Set(metrics.StateValue(string(to)))
	}))

	trackerOpts := []usage.Option{
		usage.WithBudgetWarning(snap.Budget.WarnCost, m.budgetCrossed),
	}
	if m.sink != nil {
		trackerOpts = append(trackerOpts, usage.WithSink(m.sink))
	}
	m.tracker = usage.NewTracker(ratesOf(snap), trackerOpts...)

	if err := m.Reload(snap); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) budgetCrossed(providerID string, cost float64) {
	m.logger.Warn("provider cost crossed budget warning", "provider", providerID, "cost", cost)
	if m.onBudget != nil {
		m.onBudget(providerID, cost)
	}
}

// Reload swaps in a new snapshot. Providers whose configuration did not
// change keep their adapter and breaker state. In-flight requests finish
// on the snapshot they started with.
func (m *Manager) Reload(snap *config.Snapshot) error {
	if snap == nil || len(snap.Providers) == 0 {
		return config.ErrNoProviders
	}
	m.reload.Lock()
	defer m.reload.Unlock()

	prev := m.state.Load()
	next := &state{
		snap:  snap,
		slots: make(map[string]*providerSlot, len(snap.Providers)),
		policy: retry.Policy{
			MaxAttempts: snap.Retry.MaxAttempts,
			BaseDelay:   snap.Retry.BaseDelay(),
			MaxDelay:    snap.Retry.MaxDelay(),
		},
		cache: cache.New(m.store, cache.Config{
			TTL:            snap.CacheTTL(),
			MaxTemperature: snap.Cache.MaxTemperature,
		}, m.logger),
		timeout:  snap.Timeout(),
		deadline: snap.Deadline(),
		workers:  snap.Batch.Workers,
	}
	if next.workers <= 0 {
		next.workers = runtime.NumCPU()
	}

	adapters := make([]provider.Adapter, 0, len(snap.Providers))
	for _, pc := range snap.ByPriority() {
		slot, err := m.slotFor(prev, pc)
		if err != nil {
			return err
		}
		next.slots[pc.ID] = slot
		next.order = append(next.order, pc.ID)
		adapters = append(adapters, slot.adapter)
	}

	m.health.Sync(adapters)
	m.tracker.SetRates(ratesOf(snap))
	m.tracker.SetBudget(snap.Budget.WarnCost)
	m.state.Store(next)

	for _, id := range snap.Skipped {
		m.logger.Warn("provider skipped", "provider", id)
	}
	m.logger.Info("provider snapshot active", "providers", next.order, "default", snap.DefaultProvider)
	return nil
}

func (m *Manager) slotFor(prev *state, pc config.ProviderConfig) (*providerSlot, error) {
	if prev != nil {
		if old, ok := prev.slots[pc.ID]; ok && reflect.DeepEqual(old.cfg, pc) {
			return old, nil
		}
	}
	adapter, err := m.factory(pc, m.httpClient)
	if err != nil {
		return nil, err
	}
	return &providerSlot{
		cfg:     pc,
		adapter: adapter,
		catalog: Catalog(pc),
		sem:     semaphore.NewWeighted(int64(pc.MaxConcurrency)),
	}, nil
}

// Run probes providers and sweeps expired cache entries until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	go m.health.Run(ctx)

	timer := time.NewTimer(m.state.Load().snap.Cache.SweepInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.sweepCache()
			timer.Reset(m.state.Load().snap.Cache.SweepInterval())
		}
	}
}

func (m *Manager) sweepCache() {
	st := m.state.Load()
	if n := st.cache.Sweep(); n > 0 {
		metrics.CacheSwept.Add(float64(n))
		m.logger.Debug("cache swept", "removed", n)
	}
	if stats, ok := st.cache.Stats(); ok {
		metrics.CacheEntries.Set(float64(stats.Size))
	}
}

// Submit serves req from cache or the first provider able to answer it.
func (m *Manager) Submit(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()
	if req == nil {
		return nil, &provider.Error{Kind: provider.KindInvalidRequest, Message: "nil request"}
	}
	st := m.state.Load()

	r := *req
	r.ApplyDefaults()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	ctx, span := m.tracer.Start(ctx, "manager.submit", trace.WithAttributes(
		attribute.String("request_id", r.ID),
		attribute.String("model", r.Model),
		attribute.String("provider_hint", r.Provider),
	))
	defer span.End()

	resp, err := m.submit(ctx, st, &r)
	result := "success"
	switch {
	case err != nil:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("request failed", "request_id", r.ID, "error", err)
	case resp.CacheHit:
		result = "cache_hit"
	}
	if err == nil {
		span.SetAttributes(
			attribute.String("provider", resp.Provider),
			attribute.Bool("cache_hit", resp.CacheHit),
			attribute.Int("attempts", resp.Attempts),
		)
	}
	metrics.RequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return resp, err
}

func (m *Manager) submit(parent context.Context, st *state, r *provider.Request) (*provider.Response, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	ctx := parent
	if st.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, st.deadline)
		defer cancel()
	}

	if !st.cache.Cacheable(r) {
		metrics.CacheLookups.WithLabelValues("bypass").Inc()
	} else if hit, ok := st.cache.Lookup(ctx, r); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		hit.RequestID = r.ID
		m.tracker.RecordCacheHit(hit)
		return hit, nil
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	resp, err := m.route(ctx, st, r)
	if err != nil {
		if parentErr := parent.Err(); parentErr != nil {
			return nil, parentErr
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrDeadlineExceeded, st.deadline)
		}
		return nil, err
	}

	resp.RequestID = r.ID
	m.tracker.RecordSuccess(resp)
	metrics.Tokens.WithLabelValues(resp.Provider, resp.Model).Add(float64(resp.Tokens()))
	metrics.Cost.WithLabelValues(resp.Provider).Add(resp.Cost)

	st.cache.Store(context.WithoutCancel(ctx), r, resp)
	return resp, nil
}

// SubmitAsync runs Submit in the background. The channel yields exactly
// one Result and is then closed.
func (m *Manager) SubmitAsync(ctx context.Context, req *provider.Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		resp, err := m.Submit(ctx, req)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

// HealthSnapshot reports the state of every configured provider.
func (m *Manager) HealthSnapshot() []health.Status {
	return m.health.Snapshot()
}

// CacheStats reports the response store's occupancy. ok is false for
// stores that cannot tell, such as Redis.
func (m *Manager) CacheStats() (stats cache.Stats, ok bool) {
	return m.state.Load().cache.Stats()
}

// QuotaSnapshot reports each provider's quota window. It is empty when no
// quota is configured or the quota cannot report.
func (m *Manager) QuotaSnapshot(ctx context.Context) []QuotaStatus {
	r, ok := m.quota.(QuotaReporter)
	if !ok {
		return nil
	}
	st := m.state.Load()
	out := make([]QuotaStatus, 0, len(st.order))
	for _, id := range st.order {
		w, err := r.Status(ctx, id)
		if err != nil {
			m.logger.Warn("quota status failed", "provider", id, "error", err)
			continue
		}
		out = append(out, QuotaStatus{Provider: id, Window: w})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// UsageSnapshot returns a copy of the usage ledger.
func (m *Manager) UsageSnapshot() usage.Snapshot {
	return m.tracker.Snapshot()
}

// ListModels merges the model lists of all providers. Providers that fail
// to answer are logged and left out.
func (m *Manager) ListModels(ctx context.Context) []provider.ModelDescriptor {
	st := m.state.Load()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out []provider.ModelDescriptor
	)
	for _, id := range st.order {
		slot := st.slots[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			models, err := slot.adapter.ListModels(ctx)
			if err != nil {
				m.logger.Warn("list models failed", "provider", id, "error", err)
				return
			}
			mu.Lock()
			out = append(out, models...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// InvalidateCache drops the cached response for req, if any.
func (m *Manager) InvalidateCache(ctx context.Context, req *provider.Request) error {
	r := *req
	r.ApplyDefaults()
	return m.state.Load().cache.Invalidate(ctx, &r)
}

// ClearCache drops every cached response.
func (m *Manager) ClearCache(ctx context.Context) error {
	return m.state.Load().cache.Clear(ctx)
}

// Snapshot returns the active provider configuration.
func (m *Manager) Snapshot() *config.Snapshot {
	return m.state.Load().snap
}

func (m *Manager) Close() error {
	return m.store.Close()
}
