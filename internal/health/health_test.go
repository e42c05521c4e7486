package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

type probeAdapter struct {
	name   string
	probes atomic.Int32
	mu     sync.Mutex
	err    error
}

func (a *probeAdapter) Name() string { return a.name }
func (a *probeAdapter) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	return &provider.Response{Provider: a.name}, nil
}
func (a *probeAdapter) ListModels(ctx context.Context) ([]provider.ModelDescriptor, error) {
	return nil, nil
}
func (a *probeAdapter) HealthProbe(ctx context.Context) error {
	a.probes.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
func (a *probeAdapter) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

var transient = &provider.Error{Kind: provider.KindTransient, Provider: "a"}

func fail(err error) func() (*provider.Response, error) {
	return func() (*provider.Response, error) { return nil, err }
}

func ok() (*provider.Response, error) { return &provider.Response{}, nil }

func newMonitor(t *testing.T, cooldown time.Duration, adapters ...provider.Adapter) *Monitor {
	t.Helper()
	m := NewMonitor(Config{FailureThreshold: 3, Cooldown: cooldown, CheckInterval: time.Hour})
	m.Sync(adapters)
	return m
}

func TestMonitor_TripsAfterThreshold(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	for i := 0; i < 2; i++ {
		_, err := m.Execute(context.Background(), "a", fail(transient))
		require.Error(t, err)
		assert.Equal(t, StateHealthy, m.State("a"))
	}
	_, _ = m.Execute(context.Background(), "a", fail(transient))
	assert.Equal(t, StateUnavailable, m.State("a"))

	_, err := m.Execute(context.Background(), "a", ok)
	assert.ErrorIs(t, err, ErrUnavailable)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 3, snap[0].ConsecutiveFailures)
	assert.NotEmpty(t, snap[0].LastError)
}

func TestMonitor_SuccessResetsCount(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	_, _ = m.Execute(context.Background(), "a", fail(transient))
	_, _ = m.Execute(context.Background(), "a", fail(transient))
	_, err := m.Execute(context.Background(), "a", ok)
	require.NoError(t, err)
	_, _ = m.Execute(context.Background(), "a", fail(transient))
	_, _ = m.Execute(context.Background(), "a", fail(transient))

	assert.Equal(t, StateHealthy, m.State("a"))
	assert.Equal(t, 2, m.Snapshot()[0].ConsecutiveFailures)
}

func TestMonitor_AuthTripsImmediately(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	_, err := m.Execute(context.Background(), "a", fail(&provider.Error{Kind: provider.KindAuth}))
	require.True(t, provider.IsAuth(err))
	assert.Equal(t, StateUnavailable, m.State("a"))
}

func TestMonitor_InvalidRequestIsNotAFailure(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	for i := 0; i < 5; i++ {
		_, _ = m.Execute(context.Background(), "a", fail(&provider.Error{Kind: provider.KindInvalidRequest}))
		_, _ = m.Execute(context.Background(), "a", fail(context.Canceled))
	}
	assert.Equal(t, StateHealthy, m.State("a"))
	assert.Zero(t, m.Snapshot()[0].ConsecutiveFailures)
}

func TestMonitor_CancellationKeepsStreak(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	_, _ = m.Execute(context.Background(), "a", fail(transient))
	_, _ = m.Execute(context.Background(), "a", fail(transient))
	_, err := m.Execute(context.Background(), "a", fail(context.Canceled))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, m.Snapshot()[0].ConsecutiveFailures)

	_, _ = m.Execute(context.Background(), "a", fail(transient))
	assert.Equal(t, StateUnavailable, m.State("a"))
	assert.Equal(t, 3, m.Snapshot()[0].ConsecutiveFailures)
}

func TestMonitor_CallerDeadlineIsNotAFailure(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	expired, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-expired.Done()

	for i := 0; i < 5; i++ {
		_, err := m.Execute(expired, "a", fail(context.DeadlineExceeded))
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, StateHealthy, m.State("a"))
	assert.Zero(t, m.Snapshot()[0].ConsecutiveFailures)
	assert.Empty(t, m.Snapshot()[0].LastError)
}

func TestMonitor_CancelledTrialReleasesHalfOpenSlot(t *testing.T) {
	a := &probeAdapter{name: "a"}
	m := newMonitor(t, 20*time.Millisecond, a)
	for i := 0; i < 3; i++ {
		_, _ = m.Execute(context.Background(), "a", fail(transient))
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateProbing, m.State("a"))

	_, err := m.Execute(context.Background(), "a", fail(context.Canceled))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateUnavailable, m.State("a"), "unconfirmed recovery restarts the cooldown")

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Probe(context.Background(), "a"))
	assert.Equal(t, StateHealthy, m.State("a"))
}

func TestMonitor_CallTimeoutIsAFailure(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(context.Background(), "a", fail(context.DeadlineExceeded))
	}
	assert.Equal(t, StateUnavailable, m.State("a"))
}

func TestMonitor_Trip(t *testing.T) {
	m := newMonitor(t, time.Hour, &probeAdapter{name: "a"})
	m.Trip("a", errors.New("revoked"))
	assert.Equal(t, StateUnavailable, m.State("a"))
	assert.Equal(t, "revoked", m.Snapshot()[0].LastError)
}

func TestMonitor_RecoveryThroughProbe(t *testing.T) {
	a := &probeAdapter{name: "a"}
	m := newMonitor(t, 20*time.Millisecond, a)

	for i := 0; i < 3; i++ {
		_, _ = m.Execute(context.Background(), "a", fail(transient))
	}
	require.Equal(t, StateUnavailable, m.State("a"))

	// Still cooling down: the probe is rejected without reaching the adapter.
	err := m.Probe(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Zero(t, a.probes.Load())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateProbing, m.State("a"))

	a.setErr(transient)
	require.Error(t, m.Probe(context.Background(), "a"))
	assert.Equal(t, StateUnavailable, m.State("a"), "failed probe restarts the cooldown")

	time.Sleep(30 * time.Millisecond)
	a.setErr(nil)
	require.NoError(t, m.Probe(context.Background(), "a"))
	assert.Equal(t, StateHealthy, m.State("a"))

	snap := m.Snapshot()[0]
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.False(t, snap.LastProbe.IsZero())
}

func TestMonitor_ProbeFailuresCountOnHealthyProvider(t *testing.T) {
	a := &probeAdapter{name: "a", err: transient}
	m := newMonitor(t, time.Hour, a)

	m.probeAll(context.Background())
	m.probeAll(context.Background())
	assert.Equal(t, StateHealthy, m.State("a"))
	m.probeAll(context.Background())
	assert.Equal(t, StateUnavailable, m.State("a"))
	assert.EqualValues(t, 3, a.probes.Load())
}

func TestMonitor_ProbeAsync(t *testing.T) {
	a := &probeAdapter{name: "a"}
	m := newMonitor(t, 10*time.Millisecond, a)

	m.ProbeAsync("a")
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, a.probes.Load(), "healthy providers are not probed on demand")

	m.Trip("a", transient)
	time.Sleep(20 * time.Millisecond)
	m.ProbeAsync("a")

	assert.Eventually(t, func() bool { return m.State("a") == StateHealthy }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, a.probes.Load())
}

func TestMonitor_SyncKeepsUnchangedBreakers(t *testing.T) {
	a := &probeAdapter{name: "a"}
	b := &probeAdapter{name: "b"}
	m := newMonitor(t, time.Hour, a, b)

	m.Trip("a", transient)
	m.Sync([]provider.Adapter{a})
	assert.Equal(t, StateUnavailable, m.State("a"), "same adapter keeps its breaker")
	assert.Len(t, m.Snapshot(), 1)

	m.Sync([]provider.Adapter{&probeAdapter{name: "a"}})
	assert.Equal(t, StateHealthy, m.State("a"), "replaced adapter starts fresh")
}

func TestMonitor_UnknownProvider(t *testing.T) {
	m := NewMonitor(Config{})
	assert.Equal(t, StateUnavailable, m.State("nope"))
	_, err := m.Execute(context.Background(), "nope", ok)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMonitor_StateListener(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	m := NewMonitor(Config{FailureThreshold: 1, Cooldown: time.Hour}, WithStateListener(func(id string, from, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))
	m.Sync([]provider.Adapter{&probeAdapter{name: "a"}})

	_, _ = m.Execute(context.Background(), "a", fail(transient))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateUnavailable}, transitions)
}
