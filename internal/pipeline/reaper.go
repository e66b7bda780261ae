package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// errStale is recorded on jobs that stopped making progress.
var errStale = errors.New("stale job")

// reapStepSeq numbers the steps of a reaped job after any a live run wrote.
const reapStepSeq = 1000

// Reap fails every non-terminal job not updated since olderThan and refunds
// its charge. It returns the number of jobs reaped.
func (o *Orchestrator) Reap(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	stale, err := o.jobs.ListStale(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("pipeline: list stale: %w", err)
	}
	for i := range stale {
		g := &stale[i]
		r := &run{
			o:    o,
			job:  g,
			vars: g.Vars,
			seq:  reapStepSeq,
			log:  o.logger.With().Str("job_id", g.ID).Str("customer", g.CustomerHandle).Logger(),
		}
		r.fail(ctx, errStale)
	}
	if len(stale) > 0 {
		o.logger.Info().Int("count", len(stale)).Msg("pipeline: reaped stale jobs")
	}
	return len(stale), nil
}
