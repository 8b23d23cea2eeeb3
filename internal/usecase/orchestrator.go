package usecase

import (
	"context"
	"fmt"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Orchestrator runs a fleet command and re-runs it on targets whose result
// is retryable (timeouts and connect failures). Command failures are never
// retried.
type Orchestrator struct {
	Fleet      *FleetExecutor
	Retries    int
	RetryDelay time.Duration
}

// Run executes one pass plus up to Retries passes over the retryable
// subset. The merged report keeps one result per target in input order.
func (o *Orchestrator) Run(ctx context.Context, targets []domain.Target, commandOf CommandFunc, limit int) (domain.FleetReport, error) {
	if o.Fleet == nil {
		return domain.FleetReport{}, domain.ConfigErrorf("orchestrator: no fleet executor")
	}

	report, err := o.Fleet.RunAll(ctx, targets, commandOf, limit)
	if err != nil {
		return report, err
	}

	for pass := 1; pass <= o.Retries; pass++ {
		retryIDs := report.RetryableIDs()
		if len(retryIDs) == 0 || ctx.Err() != nil {
			break
		}
		if err := sleepCtx(ctx, o.RetryDelay); err != nil {
			break
		}

		log.WithFields(log.Fields{
			"run":     report.RunID,
			"pass":    pass,
			"targets": retryIDs,
		}).Info("Retrying targets")

		retry, err := o.Fleet.RunAll(ctx, selectTargets(targets, retryIDs), commandOf, limit)
		if err != nil {
			return report, fmt.Errorf("retry pass %d: %w", pass, err)
		}
		report = report.Merge(retry)
	}
	return report, nil
}

// FleetRemediator runs a fleet command before reconciliation.
type FleetRemediator struct {
	Orchestrator *Orchestrator
	Targets      []domain.Target
	Command      CommandFunc
	Limit        int
}

var _ Remediator = FleetRemediator{}

// Remediate runs the command on every target. The report is returned even
// when some targets failed; the error then says how many.
func (r FleetRemediator) Remediate(ctx context.Context) (domain.FleetReport, error) {
	if r.Orchestrator == nil {
		return domain.FleetReport{}, domain.ConfigErrorf("remediation: no orchestrator")
	}
	report, err := r.Orchestrator.Run(ctx, r.Targets, r.Command, r.Limit)
	if err != nil {
		return report, fmt.Errorf("remediation: %w", err)
	}
	if s := report.Summary(); s.Unresolved() > 0 {
		return report, fmt.Errorf("remediation: %d of %d targets did not succeed", s.Unresolved(), s.Total)
	}
	return report, nil
}

func selectTargets(targets []domain.Target, ids []string) []domain.Target {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []domain.Target
	for _, t := range targets {
		if _, ok := want[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}
