// Package textreport renders run reports for a terminal.
package textreport

import (
	"fmt"
	"io"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	"github.com/charmbracelet/lipgloss"
)

const maxDetail = 60

// Renderer writes human-readable summaries. Colors are used only when Out
// is a terminal.
type Renderer struct {
	Out io.Writer

	header lipgloss.Style
	faint  lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
}

func New(out io.Writer) *Renderer {
	r := lipgloss.NewRenderer(out)
	return &Renderer{
		Out:    out,
		header: r.NewStyle().Bold(true),
		faint:  r.NewStyle().Foreground(lipgloss.Color("245")),
		ok:     r.NewStyle().Foreground(lipgloss.Color("42")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("214")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// FleetReport prints one row per target followed by the counts.
func (r *Renderer) FleetReport(rep domain.FleetReport) error {
	rows := make([][]string, 0, len(rep.Results))
	for _, res := range rep.Results {
		detail := res.Error
		if detail == "" {
			detail = firstLine(res.Output)
		}
		rows = append(rows, []string{
			res.TargetID,
			r.status(res.Status),
			string(res.ErrorKind),
			fmt.Sprint(res.ExitCode),
			res.Duration.Round(time.Millisecond).String(),
			clip(detail),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.header.Render("Fleet run"), r.faint.Render(rep.RunID))
	b.WriteString(r.table([]string{"TARGET", "STATUS", "KIND", "EXIT", "TIME", "DETAIL"}, rows))

	s := rep.Summary()
	fmt.Fprintf(&b, "\n%d targets: %s, %s, %s, %s\n",
		s.Total,
		r.ok.Render(fmt.Sprintf("%d succeeded", s.Succeeded)),
		r.bad.Render(fmt.Sprintf("%d failed", s.Failed)),
		r.warn.Render(fmt.Sprintf("%d timed out", s.TimedOut)),
		r.faint.Render(fmt.Sprintf("%d cancelled", s.Cancelled)),
	)
	_, err := io.WriteString(r.Out, b.String())
	return err
}

// Outcome prints the per-key trail of a reconciliation.
func (r *Renderer) Outcome(o domain.ReconciliationOutcome) error {
	if o.Remediation != nil {
		if err := r.FleetReport(*o.Remediation); err != nil {
			return err
		}
		if _, err := io.WriteString(r.Out, "\n"); err != nil {
			return err
		}
	}

	rows := make([][]string, 0, len(o.Keys))
	for _, k := range o.Keys {
		rows = append(rows, []string{k.Key, k.ID, r.state(k.State), k.Action, clip(k.Reason)})
	}

	title := "Reconciliation"
	if o.DryRun {
		title += " (dry run)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", r.header.Render(title), r.faint.Render(o.RunID))
	b.WriteString(r.table([]string{"KEY", "ID", "STATE", "ACTION", "REASON"}, rows))
	fmt.Fprintf(&b, "\ncreated %d, updated %d, deleted %d, verify attempts %d\n",
		len(o.Created), len(o.Updated), len(o.Deleted), o.VerifyAttempts)
	if o.Converged() {
		b.WriteString(r.ok.Render("converged") + "\n")
	} else {
		b.WriteString(r.bad.Render(fmt.Sprintf("%d key(s) still divergent", len(o.StillDivergent))) + "\n")
	}
	_, err := io.WriteString(r.Out, b.String())
	return err
}

// Table prints rows under headers with aligned columns.
func (r *Renderer) Table(headers []string, rows [][]string) error {
	_, err := io.WriteString(r.Out, r.table(headers, rows))
	return err
}

func (r *Renderer) table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	line := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell + pad)
			if i < len(cells)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	line(headers, &r.header)
	for _, row := range rows {
		line(row, nil)
	}
	return b.String()
}

func (r *Renderer) status(s domain.Status) string {
	switch s {
	case domain.StatusSuccess:
		return r.ok.Render(string(s))
	case domain.StatusTimeout:
		return r.warn.Render(string(s))
	case domain.StatusCancelled:
		return r.faint.Render(string(s))
	}
	return r.bad.Render(string(s))
}

func (r *Renderer) state(s domain.KeyState) string {
	switch s {
	case domain.KeyConverged:
		return r.ok.Render(string(s))
	case domain.KeyDivergent:
		return r.bad.Render(string(s))
	}
	return r.warn.Render(string(s))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func clip(s string) string {
	if len([]rune(s)) <= maxDetail {
		return s
	}
	return string([]rune(s)[:maxDetail-1]) + "…"
}
