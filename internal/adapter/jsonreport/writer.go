package jsonreport

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"bytemomo/fleetwarden/internal/domain"
)

const reportVersion = "1.0"

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Writer stores per-target results under OutDir/results and run reports
// under OutDir. Credentials never reach disk: domain.Credential is not
// serialized and results are already scrubbed.
type Writer struct {
	OutDir string // e.g., ./output
	mu     sync.Mutex
}

func New(out string) *Writer { return &Writer{OutDir: out} }

var (
	_ domain.ResultRepo   = (*Writer)(nil)
	_ domain.ReportWriter = (*Writer)(nil)
)

// Save writes one result as results/<target>.json, replacing any previous
// result of that target.
func (w *Writer) Save(res domain.ExecutionResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	dir := filepath.Join(w.OutDir, "results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, fileName(res.TargetID)), res)
}

// WriteFleetReport writes fleet-<run>.json with the summary and every result.
func (w *Writer) WriteFleetReport(r domain.FleetReport) (string, error) {
	path := filepath.Join(w.OutDir, fileName("fleet-"+r.RunID))
	return path, w.write(path, struct {
		Version string              `json:"version"`
		Summary domain.FleetSummary `json:"summary"`
		domain.FleetReport
	}{
		Version:     reportVersion,
		Summary:     r.Summary(),
		FleetReport: r,
	})
}

// WriteOutcome writes reconcile-<run>.json.
func (w *Writer) WriteOutcome(o domain.ReconciliationOutcome) (string, error) {
	path := filepath.Join(w.OutDir, fileName("reconcile-"+o.RunID))
	return path, w.write(path, struct {
		Version   string `json:"version"`
		Converged bool   `json:"converged"`
		domain.ReconciliationOutcome
	}{
		Version:               reportVersion,
		Converged:             o.Converged(),
		ReconciliationOutcome: o,
	})
}

func (w *Writer) write(path string, v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.MkdirAll(w.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return writeJSON(path, v)
}

func fileName(id string) string {
	return unsafeName.ReplaceAllString(id, "_") + ".json"
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
