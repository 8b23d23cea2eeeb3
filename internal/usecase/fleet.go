package usecase

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CommandFunc builds the command for one target. An error fails that target
// without connecting to it.
type CommandFunc func(t domain.Target) (domain.RemoteCommand, error)

// FleetExecutor fans a command out over a fleet with bounded concurrency.
type FleetExecutor struct {
	Session domain.RemoteExecutor
	// Store, when set, receives every result as it completes. Save errors
	// are logged and do not affect the run.
	Store domain.ResultRepo
	// OnResult is called once per result, never concurrently.
	OnResult func(domain.ExecutionResult)
	// RunID names the report. A random UUID is used when empty.
	RunID string
}

// RunAll executes commandOf(t) on every target with at most limit calls in
// flight. The report holds exactly one result per target in input order.
// Only invalid input is returned as an error; per-target failures are in
// the report.
func (uc *FleetExecutor) RunAll(ctx context.Context, targets []domain.Target, commandOf CommandFunc, limit int) (domain.FleetReport, error) {
	if uc.Session == nil {
		return domain.FleetReport{}, domain.ConfigErrorf("fleet: no remote session configured")
	}
	if commandOf == nil {
		return domain.FleetReport{}, domain.ConfigErrorf("fleet: no command")
	}
	if err := domain.ValidateFleet(targets); err != nil {
		return domain.FleetReport{}, err
	}
	limit = max(1, limit)

	report := domain.FleetReport{
		RunID:     uc.RunID,
		StartedAt: time.Now(),
		Results:   make([]domain.ExecutionResult, len(targets)),
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}

	log.WithFields(log.Fields{
		"run":         report.RunID,
		"targets":     len(targets),
		"concurrency": limit,
	}).Info("Starting fleet run")

	var mu sync.Mutex
	record := func(i int, res domain.ExecutionResult) {
		report.Results[i] = res
		mu.Lock()
		defer mu.Unlock()
		uc.publish(res)
	}

	g := new(errgroup.Group)
	g.SetLimit(limit)

	for i, t := range targets {
		if err := ctx.Err(); err != nil {
			record(i, cancelledResult(t, err))
			continue
		}
		g.Go(func() error {
			record(i, uc.runOne(ctx, t, commandOf))
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now()
	s := report.Summary()
	log.WithFields(log.Fields{
		"run":       report.RunID,
		"succeeded": s.Succeeded,
		"failed":    s.Failed,
		"timed_out": s.TimedOut,
		"cancelled": s.Cancelled,
		"duration":  report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}).Info("Fleet run finished")
	return report, nil
}

func (uc *FleetExecutor) runOne(ctx context.Context, t domain.Target, commandOf CommandFunc) domain.ExecutionResult {
	if err := ctx.Err(); err != nil {
		return cancelledResult(t, err)
	}

	cmd, err := commandOf(t)
	if err == nil {
		err = cmd.Validate()
	}
	if err != nil {
		return domain.ExecutionResult{
			TargetID:  t.ID,
			Status:    domain.StatusFailure,
			ErrorKind: domain.KindCommand,
			ExitCode:  -1,
			Error:     domain.E("fleet.command", domain.KindCommand, t.ID, err).Error(),
		}
	}

	return uc.Session.Execute(ctx, t, cmd)
}

func (uc *FleetExecutor) publish(res domain.ExecutionResult) {
	l := log.WithFields(log.Fields{
		"target": res.TargetID,
		"status": res.Status,
	})
	if res.Succeeded() {
		l.Info("Target succeeded")
	} else {
		l.WithField("error", res.Error).Warn("Target did not succeed")
	}

	if uc.Store != nil {
		if err := uc.Store.Save(res); err != nil {
			l.WithError(err).Error("Failed to save result")
		}
	}
	if uc.OnResult != nil {
		uc.OnResult(res)
	}
}

func cancelledResult(t domain.Target, err error) domain.ExecutionResult {
	return domain.ExecutionResult{
		TargetID: t.ID,
		Status:   domain.StatusCancelled,
		ExitCode: -1,
		Error:    err.Error(),
	}
}

// StaticCommand runs the same script on every target.
func StaticCommand(script string, timeout time.Duration) CommandFunc {
	cmd := domain.RemoteCommand{Script: script, Timeout: timeout}
	return func(domain.Target) (domain.RemoteCommand, error) { return cmd, nil }
}

// templateTarget is what a command template sees of a target. It carries
// no credential.
type templateTarget struct {
	ID       string
	Address  string
	Port     uint16
	User     string
	Domain   string
	Tags     []string
	Metadata map[string]string
}

// TemplateCommand renders script as a text/template over each target, e.g.
// "postconf -e myhostname=mail.{{.Domain}}". Missing map keys are errors.
func TemplateCommand(script string, timeout time.Duration) (CommandFunc, error) {
	tmpl, err := template.New("command").Option("missingkey=error").Parse(script)
	if err != nil {
		return nil, domain.ConfigErrorf("command template: %v", err)
	}
	return func(t domain.Target) (domain.RemoteCommand, error) {
		var b bytes.Buffer
		view := templateTarget{
			ID:       t.ID,
			Address:  t.Address,
			Port:     t.Port,
			User:     t.User,
			Domain:   t.Domain,
			Tags:     t.Tags,
			Metadata: t.Metadata,
		}
		if err := tmpl.Execute(&b, view); err != nil {
			return domain.RemoteCommand{}, fmt.Errorf("render command: %w", err)
		}
		return domain.RemoteCommand{Script: b.String(), Timeout: timeout}, nil
	}, nil
}
