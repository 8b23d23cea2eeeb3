package domain

import (
	"fmt"
	"time"
)

// Status is the outcome class of one ExecutionResult.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// ErrorKind distinguishes failures where retrying may help (connect) from
// failures of the command itself.
type ErrorKind string

const (
	KindNone    ErrorKind = ""
	KindConnect ErrorKind = "connect_error"
	KindCommand ErrorKind = "command_error"
)

// ExecutionResult is the immutable record of one (Target x RemoteCommand)
// invocation.
type ExecutionResult struct {
	TargetID  string        `json:"target_id"`
	Status    Status        `json:"status"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Output    string        `json:"output,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }

// Retryable reports whether a second pass could plausibly change the result.
func (r ExecutionResult) Retryable() bool {
	return r.Status == StatusTimeout || (r.Status == StatusFailure && r.ErrorKind == KindConnect)
}

func (r ExecutionResult) String() string {
	if r.ErrorKind != KindNone {
		return fmt.Sprintf("%s: %s/%s", r.TargetID, r.Status, r.ErrorKind)
	}
	return fmt.Sprintf("%s: %s", r.TargetID, r.Status)
}

// FleetReport holds exactly one result per target in dispatch order.
type FleetReport struct {
	RunID      string            `json:"run_id"`
	Command    string            `json:"command,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Results    []ExecutionResult `json:"results"`
}

// FleetSummary counts results per status.
type FleetSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Cancelled int `json:"cancelled"`
}

// Unresolved is the number of targets that did not succeed.
func (s FleetSummary) Unresolved() int { return s.Total - s.Succeeded }

func (r FleetReport) Summary() FleetSummary {
	s := FleetSummary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusFailure:
			s.Failed++
		case StatusTimeout:
			s.TimedOut++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Result returns the result recorded for targetID.
func (r FleetReport) Result(targetID string) (ExecutionResult, bool) {
	for _, res := range r.Results {
		if res.TargetID == targetID {
			return res, true
		}
	}
	return ExecutionResult{}, false
}

// RetryableIDs lists targets whose result is worth another pass, in report order.
func (r FleetReport) RetryableIDs() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Retryable() {
			ids = append(ids, res.TargetID)
		}
	}
	return ids
}

// Merge returns a copy of r where every target present in retry has its
// result replaced. Order and membership of r are preserved.
func (r FleetReport) Merge(retry FleetReport) FleetReport {
	byID := make(map[string]ExecutionResult, len(retry.Results))
	for _, res := range retry.Results {
		byID[res.TargetID] = res
	}
	out := r
	out.Results = make([]ExecutionResult, len(r.Results))
	for i, res := range r.Results {
		if repl, ok := byID[res.TargetID]; ok {
			res = repl
		}
		out.Results[i] = res
	}
	if retry.FinishedAt.After(out.FinishedAt) {
		out.FinishedAt = retry.FinishedAt
	}
	return out
}
