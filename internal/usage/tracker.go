// Package usage keeps the per-provider token and cost ledger.
package usage

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

// Rates maps provider id to model name to cost per token.
type Rates map[string]map[string]float64

type ledger struct {
	mu          sync.Mutex
	tokens      int64
	cost        float64
	attempts    int64
	failures    int64
	successes   int64
	cacheHits   int64
	latency     time.Duration
	lastRequest time.Time
	warned      bool
}

// ProviderUsage is a point-in-time copy of one provider's ledger.
type ProviderUsage struct {
	Provider     string  `json:"provider"`
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	Attempts     int64   `json:"attempts"`
	Failures     int64   `json:"failures"`
	Successes    int64   `json:"successes"`
	CacheHits    int64   `json:"cache_hits"`
	SuccessRate  float64 `json:"success_rate"`
	CacheHitRate float64 `json:"cache_hit_rate"`
	// Averages are over successful provider responses.
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	AvgTokens    float64   `json:"avg_tokens"`
	LastRequest  time.Time `json:"last_request,omitzero"`
}

type Snapshot struct {
	Providers []ProviderUsage `json:"providers"`
	Tokens    int64           `json:"total_tokens"`
	Cost      float64         `json:"total_cost"`
}

// BudgetFunc is called once per provider when its cumulative cost first
// reaches the threshold.
type BudgetFunc func(providerID string, cost float64)

// Sink receives one event per served response.
type Sink interface {
	Write(e *Event)
}

type Tracker struct {
	rates atomic.Pointer[Rates]

	mu      sync.RWMutex
	ledgers map[string]*ledger

	budget   atomic.Uint64 // math.Float64bits of the threshold
	onBudget BudgetFunc
	sink     Sink
}

type Option func(*Tracker)

func WithBudgetWarning(threshold float64, fn BudgetFunc) Option {
	return func(t *Tracker) {
		t.budget.Store(math.Float64bits(threshold))
		t.onBudget = fn
	}
}

func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

func NewTracker(rates Rates, opts ...Option) *Tracker {
	t := &Tracker{ledgers: make(map[string]*ledger)}
	t.SetRates(rates)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetRates swaps the price table. Accumulated totals are kept.
func (t *Tracker) SetRates(r Rates) {
	if r == nil {
		r = Rates{}
	}
	t.rates.Store(&r)
}

// SetBudget changes the warning threshold. When it changes, providers
// already warned are warned again once they reach the new value.
func (t *Tracker) SetBudget(threshold float64) {
	if math.Float64bits(threshold) == t.budget.Swap(math.Float64bits(threshold)) {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, l := range t.ledgers {
		l.mu.Lock()
		l.warned = false
		l.mu.Unlock()
	}
}

// Budget returns the current warning threshold; 0 means disabled.
func (t *Tracker) Budget() float64 {
	return math.Float64frombits(t.budget.Load())
}

// Price returns tokens x rate for the model on the provider, or 0 when the
// model has no configured rate.
func (t *Tracker) Price(providerID, model string, tokens int) float64 {
	rates := *t.rates.Load()
	return float64(tokens) * rates[providerID][model]
}

func (t *Tracker) ledger(id string) *ledger {
	t.mu.RLock()
	l, ok := t.ledgers[id]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.ledgers[id]; !ok {
		l = &ledger{}
		t.ledgers[id] = l
	}
	return l
}

// RecordAttempts adds n provider calls, failures of which failed.
func (t *Tracker) RecordAttempts(providerID string, n, failures int) {
	l := t.ledger(providerID)
	l.mu.Lock()
	l.attempts += int64(n)
	l.failures += int64(failures)
	l.lastRequest = time.Now()
	l.mu.Unlock()
}

// RecordSuccess prices resp, stores the cost on it and books it.
func (t *Tracker) RecordSuccess(resp *provider.Response) {
	tokens := resp.Tokens()
	resp.Cost = t.Price(resp.Provider, resp.Model, tokens)

	l := t.ledger(resp.Provider)
	l.mu.Lock()
	l.tokens += int64(tokens)
	l.cost += resp.Cost
	l.successes++
	l.latency += resp.Latency
	budget := t.Budget()
	crossed := t.onBudget != nil && !l.warned && budget > 0 && l.cost >= budget
	if crossed {
		l.warned = true
	}
	total := l.cost
	l.mu.Unlock()

	if crossed {
		t.onBudget(resp.Provider, total)
	}
	t.emit(resp)
}

// RecordCacheHit books a response served from cache at zero cost.
func (t *Tracker) RecordCacheHit(resp *provider.Response) {
	l := t.ledger(resp.Provider)
	l.mu.Lock()
	l.cacheHits++
	l.mu.Unlock()
	t.emit(resp)
}

func (t *Tracker) emit(resp *provider.Response) {
	if t.sink == nil {
		return
	}
	t.sink.Write(&Event{
		RequestID:        resp.RequestID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.Tokens(),
		Cost:             resp.Cost,
		LatencyMs:        resp.Latency.Milliseconds(),
		Attempts:         resp.Attempts,
		CacheHit:         resp.CacheHit,
		CreatedAt:        time.Now().UTC(),
	})
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	ids := make([]string, 0, len(t.ledgers))
	for id := range t.ledgers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	var snap Snapshot
	snap.Providers = make([]ProviderUsage, 0, len(ids))
	for _, id := range ids {
		l := t.ledger(id)
		l.mu.Lock()
		u := ProviderUsage{
			Provider:    id,
			Tokens:      l.tokens,
			Cost:        l.cost,
			Attempts:    l.attempts,
			Failures:    l.failures,
			Successes:   l.successes,
			CacheHits:   l.cacheHits,
			LastRequest: l.lastRequest,
		}
		latency := l.latency
		l.mu.Unlock()

		if u.Attempts > 0 {
			u.SuccessRate = float64(u.Successes) / float64(u.Attempts)
		}
		if u.Successes > 0 {
			u.AvgLatencyMs = float64(latency.Milliseconds()) / float64(u.Successes)
			u.AvgTokens = float64(u.Tokens) / float64(u.Successes)
		}
		if served := u.CacheHits + u.Successes; served > 0 {
			u.CacheHitRate = float64(u.CacheHits) / float64(served)
		}
		snap.Tokens += u.Tokens
		snap.Cost += u.Cost
		snap.Providers = append(snap.Providers, u)
	}
	return snap
}
