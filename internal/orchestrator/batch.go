package orchestrator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Summary totals a batch of runs.
type Summary struct {
	Total     int
	Completed int
	Partial   int
	Failed    int
}

// RunBatch executes the configured number of sequential runs with the
// configured delay between them, and returns the tally. Individual run
// failures never stop the batch; only context cancellation does.
func (r *Runner) RunBatch(ctx context.Context) (*Summary, error) {
	summary := &Summary{Total: r.cfg.Batch.Count}

	for i := 0; i < r.cfg.Batch.Count; i++ {
		if i > 0 && r.cfg.Batch.IntervalSeconds > 0 {
			log.Infof("waiting %ds before the next account", r.cfg.Batch.IntervalSeconds)
			if err := r.sleep(ctx, time.Duration(r.cfg.Batch.IntervalSeconds)*time.Second); err != nil {
				return summary, err
			}
		}

		log.Infof("starting account %d/%d", i+1, r.cfg.Batch.Count)
		outcome, err := r.Run(ctx)
		switch {
		case err != nil && outcome == nil:
			summary.Failed++
			log.Errorf("account %d/%d failed: %v", i+1, r.cfg.Batch.Count, err)
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
		case outcome.Stage == StageCompleted:
			summary.Completed++
		default:
			summary.Partial++
			if err != nil {
				log.Errorf("account %d/%d persisted with errors: %v", i+1, r.cfg.Batch.Count, err)
			}
		}
	}

	log.Infof("batch finished: %d completed, %d partial, %d failed of %d",
		summary.Completed, summary.Partial, summary.Failed, summary.Total)
	return summary, nil
}
