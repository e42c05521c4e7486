package usage

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *captureSink) Write(e *Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

var rates = Rates{
	"deepseek": {"deepseek-chat": 0.000002},
	"qwen":     {"qwen-plus": 0.000004},
}

func TestTracker_CostIsTokensTimesRate(t *testing.T) {
	tr := NewTracker(rates)

	responses := []*provider.Response{
		{Provider: "deepseek", Model: "deepseek-chat", PromptTokens: 100, CompletionTokens: 50},
		{Provider: "deepseek", Model: "deepseek-chat", TotalTokens: 1000},
		{Provider: "qwen", Model: "qwen-plus", TotalTokens: 500},
		{Provider: "qwen", Model: "unpriced", TotalTokens: 500},
	}
	for _, r := range responses {
		tr.RecordAttempts(r.Provider, 1, 0)
		tr.RecordSuccess(r)
	}
	tr.RecordCacheHit(&provider.Response{Provider: "qwen", Model: "qwen-plus", TotalTokens: 500, CacheHit: true})

	snap := tr.Snapshot()
	require.Len(t, snap.Providers, 2)

	ds := snap.Providers[0]
	assert.Equal(t, "deepseek", ds.Provider)
	assert.EqualValues(t, 1150, ds.Tokens)
	assert.InDelta(t, 1150*0.000002, ds.Cost, 1e-12)

	qw := snap.Providers[1]
	assert.EqualValues(t, 1000, qw.Tokens, "cache hits add no tokens")
	assert.InDelta(t, 500*0.000004, qw.Cost, 1e-12, "unpriced models and cache hits add no cost")
	assert.EqualValues(t, 1, qw.CacheHits)
	assert.InDelta(t, 1.0/3.0, qw.CacheHitRate, 1e-9)

	assert.InDelta(t, ds.Cost+qw.Cost, snap.Cost, 1e-12)
	assert.InDelta(t, 0.002, responses[2].Cost, 1e-12, "price is written back to the response")
}

func TestTracker_SuccessRate(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordAttempts("a", 3, 2)
	tr.RecordSuccess(&provider.Response{Provider: "a"})

	snap := tr.Snapshot()
	assert.InDelta(t, 1.0/3.0, snap.Providers[0].SuccessRate, 1e-9)
	assert.EqualValues(t, 2, snap.Providers[0].Failures)
}

func TestTracker_AveragesAndLastRequest(t *testing.T) {
	tr := NewTracker(nil)
	before := time.Now()

	tr.RecordAttempts("a", 1, 0)
	tr.RecordSuccess(&provider.Response{Provider: "a", TotalTokens: 100, Latency: 100 * time.Millisecond})
	tr.RecordAttempts("a", 2, 1)
	tr.RecordSuccess(&provider.Response{Provider: "a", TotalTokens: 300, Latency: 300 * time.Millisecond})
	tr.RecordAttempts("a", 3, 3)

	u := tr.Snapshot().Providers[0]
	assert.EqualValues(t, 6, u.Attempts)
	assert.EqualValues(t, 4, u.Failures)
	assert.InDelta(t, 200, u.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 200, u.AvgTokens, 1e-9)
	assert.False(t, u.LastRequest.Before(before))
}

func TestTracker_NoAveragesWithoutSuccesses(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordAttempts("a", 2, 2)

	u := tr.Snapshot().Providers[0]
	assert.Zero(t, u.AvgLatencyMs)
	assert.Zero(t, u.AvgTokens)
	assert.Zero(t, u.SuccessRate)
}

func TestTracker_BudgetWarningFiresOnce(t *testing.T) {
	var calls []float64
	tr := NewTracker(Rates{"a": {"m": 1}}, WithBudgetWarning(10, func(id string, cost float64) {
		assert.Equal(t, "a", id)
		calls = append(calls, cost)
	}))

	for i := 0; i < 5; i++ {
		tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 4})
	}
	assert.Equal(t, []float64{12}, calls)
}

func TestTracker_SetBudget(t *testing.T) {
	var calls []float64
	tr := NewTracker(Rates{"a": {"m": 1}}, WithBudgetWarning(100, func(id string, cost float64) {
		calls = append(calls, cost)
	}))

	tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 10})
	assert.Empty(t, calls)

	tr.SetBudget(15)
	assert.InDelta(t, 15, tr.Budget(), 1e-12)
	tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 10})
	assert.Equal(t, []float64{20}, calls)

	tr.SetBudget(15)
	tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 10})
	assert.Len(t, calls, 1, "same threshold does not warn again")

	tr.SetBudget(0)
	tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 10})
	assert.Len(t, calls, 1, "zero disables the warning")
}

func TestTracker_ConcurrentRecording(t *testing.T) {
	tr := NewTracker(Rates{"a": {"m": 0.5}})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordAttempts("a", 1, 0)
			tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 2})
		}()
	}
	wg.Wait()

	u := tr.Snapshot().Providers[0]
	assert.EqualValues(t, 100, u.Tokens)
	assert.True(t, math.Abs(u.Cost-50) < 1e-9)
	assert.EqualValues(t, 50, u.Attempts)
}

func TestTracker_SinkReceivesEvents(t *testing.T) {
	sink := &captureSink{}
	tr := NewTracker(rates, WithSink(sink))

	tr.RecordSuccess(&provider.Response{RequestID: "r1", Provider: "deepseek", Model: "deepseek-chat", TotalTokens: 10, Attempts: 2})
	tr.RecordCacheHit(&provider.Response{RequestID: "r2", Provider: "deepseek", CacheHit: true})

	require.Len(t, sink.events, 2)
	assert.Equal(t, "r1", sink.events[0].RequestID)
	assert.Equal(t, 2, sink.events[0].Attempts)
	assert.True(t, sink.events[1].CacheHit)
	assert.Zero(t, sink.events[1].Cost)
}

func TestTracker_SetRatesKeepsTotals(t *testing.T) {
	tr := NewTracker(Rates{"a": {"m": 1}})
	tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 1})
	tr.SetRates(Rates{"a": {"m": 2}})
	tr.RecordSuccess(&provider.Response{Provider: "a", Model: "m", TotalTokens: 1})

	assert.InDelta(t, 3, tr.Snapshot().Cost, 1e-12)
}
