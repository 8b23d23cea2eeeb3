package domain

import (
	"context"
)

// RemoteExecutor runs one command against one target. Implementations never
// return an error: every failure is folded into the ExecutionResult.
type RemoteExecutor interface {
	Execute(ctx context.Context, t Target, cmd RemoteCommand) ExecutionResult
}

// RecordStore is the external system whose records get reconciled.
type RecordStore interface {
	List(ctx context.Context) ([]Record, error)
	Create(ctx context.Context, fields Fields) (Record, error)
	Update(ctx context.Context, id string, fields Fields) (Record, error)
	Delete(ctx context.Context, id string) error
}

// ResultRepo persists per-target results as they complete.
type ResultRepo interface {
	Save(res ExecutionResult) error
}

// ReportWriter persists the aggregated output of a run.
type ReportWriter interface {
	WriteFleetReport(r FleetReport) (string, error)
	WriteOutcome(o ReconciliationOutcome) (string, error)
}
