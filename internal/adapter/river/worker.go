package river

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/slotgrid/bookcore/internal/canon"
	"github.com/slotgrid/bookcore/internal/domain"
)

// ChangeHandler receives the decoded rule set for one change job.
// Returning an error makes River retry the job with its own backoff.
type ChangeHandler func(ctx context.Context, rs domain.RuleSet) error

// ChangeWorker processes rule-change jobs from the River queue and fans
// them out through the configured handler (broker publish, webhook,
// audit log). With no handler it only logs the change.
type ChangeWorker struct {
	river.WorkerDefaults[RuleChangeArgs]

	handler ChangeHandler
}

// Work processes a single rule-change job.
func (w *ChangeWorker) Work(ctx context.Context, job *river.Job[RuleChangeArgs]) error {
	slog.InfoContext(ctx, "processing rule change",
		"tenant_id", job.Args.TenantID,
		"version", job.Args.Version,
		"job_id", job.ID,
		"attempt", job.Attempt,
	)

	if w.handler == nil {
		return nil
	}

	rs, err := canon.DecodeRuleSet(job.Args.Payload)
	if err != nil {
		return fmt.Errorf("decoding rule change payload: %w", err)
	}
	return w.handler(ctx, rs)
}
