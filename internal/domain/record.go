package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fields is a loosely typed field set as exchanged with the external API.
type Fields map[string]any

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Record is a snapshot of an entity owned by the external service.
type Record struct {
	ID         string    `json:"id"`
	Fields     Fields    `json:"fields"`
	ErrorState string    `json:"error_state,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
}

// Key returns the string form of the record's logical key field, or "" when
// the field is absent.
func (r Record) Key(field string) string {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// DesiredState maps a logical key to the field values the record with that
// key should carry.
type DesiredState map[string]Fields

// Keys returns the desired keys in sorted order.
func (d DesiredState) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Divergence names a key that did not converge and the last reason seen.
type Divergence struct {
	Key    string `json:"key"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

// KeyResult is the per-key trail of one reconciliation cycle.
type KeyResult struct {
	Key    string   `json:"key"`
	ID     string   `json:"id,omitempty"`
	State  KeyState `json:"state"`
	Action string   `json:"action,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

// ReconciliationOutcome is the immutable report of one reconciliation cycle.
type ReconciliationOutcome struct {
	RunID          string       `json:"run_id"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	DryRun         bool         `json:"dry_run,omitempty"`
	Created        []string     `json:"created"`
	Updated        []string     `json:"updated"`
	Deleted        []string     `json:"deleted"`
	StillDivergent []Divergence `json:"still_divergent"`
	Keys           []KeyResult  `json:"keys"`
	VerifyAttempts int          `json:"verify_attempts"`
	Remediation    *FleetReport `json:"remediation,omitempty"`
}

// Converged reports whether every desired key matched after verification.
func (o ReconciliationOutcome) Converged() bool { return len(o.StillDivergent) == 0 }

// Changed reports whether the cycle wrote anything.
func (o ReconciliationOutcome) Changed() bool {
	return len(o.Created)+len(o.Updated)+len(o.Deleted) > 0
}

// Err returns a *ConvergenceError when keys remain divergent.
func (o ReconciliationOutcome) Err() error {
	if o.Converged() {
		return nil
	}
	return &ConvergenceError{Attempts: o.VerifyAttempts, Divergent: o.StillDivergent}
}
