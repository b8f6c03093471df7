package coffin

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"tractmcmc/pkg/priors"
)

// Job is one pathway to sample with its own parameters and priors.
type Job struct {
	Params  Params
	Pathway Pathway
	Priors  priors.Set
}

// RunPathways runs one independent chain per job. Chains run concurrently,
// at most limit at a time (no limit if limit <= 0), and share only the
// read-only sessions and priors. The first fatal error cancels the others.
// Results are returned in job order.
func RunPathways(ctx context.Context, jobs []Job, sessions []Session, limit int, logger *slog.Logger) ([]*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	chains := make([]*Coffin, len(jobs))
	for i, job := range jobs {
		c, err := New(job.Params, job.Pathway, sessions, job.Priors, logger)
		if err != nil {
			return nil, fmt.Errorf("pathway %s: %w", job.Pathway.Name, err)
		}
		chains[i] = c
	}

	results := make([]*Result, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, c := range chains {
		g.Go(func() error {
			res, err := c.Run(ctx)
			if err != nil {
				return fmt.Errorf("pathway %s: %w", c.Name(), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
