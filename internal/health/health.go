// Package health tracks provider availability with one circuit breaker per
// provider.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 60 * time.Second
	DefaultCheckInterval    = 30 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
)

// ErrUnavailable is returned by Execute when the breaker rejects the call.
var ErrUnavailable = provider.ErrUnavailable

type State string

const (
	StateHealthy     State = "healthy"
	StateUnavailable State = "unavailable"
	StateProbing     State = "probing"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateUnavailable
	case gobreaker.StateHalfOpen:
		return StateProbing
	default:
		return StateHealthy
	}
}

type Status struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbe           time.Time `json:"last_probe,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
}

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	return c
}

// StateListener is told about every breaker transition.
type StateListener func(providerID string, from, to State)

type entry struct {
	adapter   provider.Adapter
	cb        *gobreaker.TwoStepCircuitBreaker
	forceOpen atomic.Bool
	probing   atomic.Bool
	// tripped is the failure streak that last opened the breaker. The
	// breaker clears its counts on every state change.
	tripped atomic.Uint32

	mu      sync.Mutex
	probe   time.Time
	lastErr error
}

type Monitor struct {
	cfg      Config
	logger   *slog.Logger
	listener StateListener

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Monitor)

func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

func WithStateListener(fn StateListener) Option {
	return func(m *Monitor) { m.listener = fn }
}

func NewMonitor(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) newEntry(a provider.Adapter) *entry {
	e := &entry{adapter: a}
	e.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        a.Name(),
		MaxRequests: 1,
		Timeout:     m.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := e.forceOpen.Load() || counts.ConsecutiveFailures >= uint32(m.cfg.FailureThreshold)
			if trip {
				e.tripped.Store(counts.ConsecutiveFailures)
			}
			return trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				e.forceOpen.Store(false)
			}
			m.logger.Info("provider state changed",
				"provider", name,
				"from", stateOf(from),
				"to", stateOf(to),
			)
			if m.listener != nil {
				m.listener(name, stateOf(from), stateOf(to))
			}
		},
	})
	return e
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeExcluded says nothing about the provider either way.
	outcomeExcluded
)

// classify decides what the breaker sees. A request-level rejection is the
// provider answering, so it counts as a success. The caller giving up, or
// the caller's own deadline running out, is excluded. A per-call timeout
// while ctx is still live is the provider's failure.
func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil, provider.IsInvalidRequest(err):
		return outcomeSuccess
	case errors.Is(err, context.Canceled):
		return outcomeExcluded
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return outcomeExcluded
	default:
		return outcomeFailure
	}
}

// Sync installs breakers for adapters not yet tracked, replaces breakers
// whose adapter changed, and drops breakers for removed providers.
func (m *Monitor) Sync(adapters []provider.Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]bool, len(adapters))
	for _, a := range adapters {
		keep[a.Name()] = true
		if e, ok := m.entries[a.Name()]; ok && e.adapter == a {
			continue
		}
		m.entries[a.Name()] = m.newEntry(a)
	}
	for id := range m.entries {
		if !keep[id] {
			delete(m.entries, id)
		}
	}
}

func (m *Monitor) get(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// State reports the provider's current state. Unknown providers are
// reported Unavailable.
func (m *Monitor) State(id string) State {
	e, ok := m.get(id)
	if !ok {
		return StateUnavailable
	}
	return stateOf(e.cb.State())
}

// Execute runs fn through the provider's breaker and records the outcome.
// ctx is the caller's context; it decides whether a context error is the
// provider's fault. A rejected call returns an error wrapping ErrUnavailable.
func (m *Monitor) Execute(ctx context.Context, id string, fn func() (*provider.Response, error)) (*provider.Response, error) {
	e, ok := m.get(id)
	if !ok {
		return nil, &provider.Error{Kind: provider.KindTransient, Provider: id, Err: ErrUnavailable}
	}

	done, err := e.cb.Allow()
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindTransient, Provider: id, Err: ErrUnavailable}
	}

	resp, err := fn()
	switch classify(ctx, err) {
	case outcomeSuccess:
		done(true)
	case outcomeFailure:
		if provider.IsAuth(err) {
			e.forceOpen.Store(true)
		}
		m.setLastErr(e, err)
		done(false)
	case outcomeExcluded:
		// The single half-open slot must be released, and recovery was not
		// confirmed, so the cooldown restarts. done is a no-op when the call
		// started in an earlier state.
		if e.cb.State() != gobreaker.StateClosed {
			done(false)
		}
	}
	return resp, err
}

func (m *Monitor) setLastErr(e *entry, err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// Trip forces the provider Unavailable, as after an authentication failure.
func (m *Monitor) Trip(id string, cause error) {
	e, ok := m.get(id)
	if !ok {
		return
	}
	done, err := e.cb.Allow()
	if err != nil {
		return
	}
	e.forceOpen.Store(true)
	m.setLastErr(e, cause)
	done(false)
}

// Probe runs one health probe through the breaker. In the Unavailable state
// it does nothing until the cooldown has elapsed.
func (m *Monitor) Probe(ctx context.Context, id string) error {
	e, ok := m.get(id)
	if !ok {
		return ErrUnavailable
	}
	if !e.probing.CompareAndSwap(false, true) {
		return nil
	}
	defer e.probing.Store(false)

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	_, err := m.Execute(ctx, id, func() (*provider.Response, error) {
		e.mu.Lock()
		e.probe = time.Now()
		e.mu.Unlock()
		return nil, e.adapter.HealthProbe(probeCtx)
	})
	if err != nil && !errors.Is(err, ErrUnavailable) {
		m.logger.Warn("health probe failed", "provider", id, "error", err)
	}
	return err
}

// ProbeAsync starts a probe in the background when the provider is waiting
// for one.
func (m *Monitor) ProbeAsync(id string) {
	if m.State(id) != StateProbing {
		return
	}
	go func() { _ = m.Probe(context.Background(), id) }()
}

// Run probes every provider each CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.ids() {
		if m.State(id) == StateUnavailable {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Probe(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (m *Monitor) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the status of every tracked provider, sorted by id.
func (m *Monitor) Snapshot() []Status {
	ids := m.ids()
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		e, ok := m.get(id)
		if !ok {
			continue
		}
		st := Status{Provider: id, State: stateOf(e.cb.State())}
		if st.State == StateHealthy {
			st.ConsecutiveFailures = int(e.cb.Counts().ConsecutiveFailures)
		} else {
			st.ConsecutiveFailures = int(e.tripped.Load())
		}
		e.mu.Lock()
		st.LastProbe = e.probe
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}
