package manager

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

// SubmitBatch submits every request with at most batch.workers in flight.
// out[i] is the result for reqs[i]; one failure never stops the others.
func (m *Manager) SubmitBatch(ctx context.Context, reqs []*provider.Request) []Result {
	out := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(m.state.Load().workers)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := m.Submit(ctx, req)
			out[i] = Result{Response: resp, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
