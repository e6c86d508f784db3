package solver

import (
	"context"

	"github.com/entrhq/relay/pkg/browser"
	"github.com/entrhq/relay/pkg/relay"
	"github.com/entrhq/relay/pkg/types"
)

// DefaultMaxAttempts bounds the outer retry loop.
const DefaultMaxAttempts = 3

// Driver re-runs the pipeline while re-detection still finds a challenge on
// the page: a rejected answer leaves the widget open, which the driver reads
// as "try again". Each attempt opens a fresh relay exchange.
type Driver struct {
	Solver *Solver

	// MaxAttempts bounds the number of pipeline runs.
	// Defaults to DefaultMaxAttempts.
	MaxAttempts int
}

// Run executes up to MaxAttempts attempts, returning every terminal result
// in order. It stops early when the page no longer shows a challenge or the
// context is cancelled.
func (d *Driver) Run(ctx context.Context, page browser.Page, relayer relay.Relayer, opts Options) []types.SolveResult {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	var results []types.SolveResult
	for i := 0; i < attempts; i++ {
		result := d.Solver.Solve(ctx, page, relayer, opts)
		results = append(results, result)

		if result.Err == ErrNoChallenge {
			break
		}
		if ctx.Err() != nil {
			break
		}

		// Rejection is visible only through re-detection: a still-present
		// challenge after a successful injection means the provider
		// refused the answer.
		remaining, err := d.Solver.detector.Scan(page)
		if err != nil || len(remaining) == 0 {
			break
		}
		d.Solver.log.Infof("challenge still present after attempt %d, retrying", i+1)
	}
	return results
}
