package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/adapter/mqttpub"
	"bytemomo/fleetwarden/internal/adapter/sshsession"
	"bytemomo/fleetwarden/internal/adapter/textreport"
	"bytemomo/fleetwarden/internal/config"
	"bytemomo/fleetwarden/internal/domain"
	"bytemomo/fleetwarden/internal/usecase"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func runExec(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		g           globalOpts
		fleetPath   string
		concurrency int
		timeout     time.Duration
		retries     int
		retryDelay  time.Duration
		preflight   bool
		outDir      string
		tags        []string
		ids         []string
		mqttCfg     mqttpub.Config
	)
	fs := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	g.register(fs)
	fs.StringVar(&fleetPath, "fleet", "", "fleet file (yaml, json or jsonc)")
	fs.IntVar(&concurrency, "concurrency", 0, "max targets in flight (default from fleet file)")
	fs.DurationVar(&timeout, "timeout", 0, "per-target command deadline (default from fleet file)")
	fs.IntVar(&retries, "retries", 0, "extra passes over targets that timed out or failed to connect")
	fs.DurationVar(&retryDelay, "retry-delay", 5*time.Second, "pause before each retry pass")
	fs.BoolVar(&preflight, "preflight", false, "probe SSH ports with nmap and skip unreachable targets")
	fs.StringVar(&outDir, "out", "", "write per-target results and the fleet report under this directory")
	fs.StringSliceVar(&tags, "tags", nil, "only targets carrying one of these tags")
	fs.StringSliceVar(&ids, "targets", nil, "only these target ids")
	mqttFlags(fs, &mqttCfg)
	if err := parse(fs, args); err != nil {
		return err
	}

	script := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if script == "" {
		return domain.ConfigErrorf("exec: no command given after --")
	}
	if fleetPath == "" {
		return domain.ConfigErrorf("exec: --fleet is required")
	}

	closer, err := g.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	fleet, err := config.NewLoader("").LoadFleet(fleetPath)
	if err != nil {
		return err
	}
	targets := fleet.Select(splitList(ids), splitList(tags))
	if len(targets) == 0 {
		return domain.ConfigErrorf("exec: no targets match the selection")
	}
	if !fs.Changed("concurrency") {
		concurrency = fleet.Concurrency
	}
	if !fs.Changed("timeout") {
		timeout = fleet.Timeout
	}

	commandOf, err := usecase.TemplateCommand(script, timeout)
	if err != nil {
		return err
	}

	out, err := openSinks(outDir, mqttCfg)
	if err != nil {
		return err
	}
	defer out.Close()

	var executor domain.RemoteExecutor = sshsession.New(fleet.KnownHosts, log.WithField("component", "ssh"))
	if preflight {
		probes, err := usecase.PreflightUC{SkipHostDiscovery: true, CommandTimeout: time.Minute}.Probe(ctx, targets)
		if err != nil {
			log.WithError(err).Warn("Preflight failed, dialing every target")
		} else {
			executor = usecase.NewPreflightExecutor(executor, probes)
		}
	}

	orch := &usecase.Orchestrator{
		Fleet: &usecase.FleetExecutor{
			Session: executor,
			Store:   out,
			RunID:   uuid.NewString(),
		},
		Retries:    retries,
		RetryDelay: retryDelay,
	}
	report, err := orch.Run(ctx, targets, commandOf, concurrency)
	if err != nil {
		return err
	}
	report.Command = script

	out.writeFleetReport(report)
	if err := textreport.New(stdout).FleetReport(report); err != nil {
		return err
	}

	if s := report.Summary(); s.Unresolved() > 0 {
		return unresolved("succeeded=%d failed=%d timed_out=%d cancelled=%d",
			s.Succeeded, s.Failed, s.TimedOut, s.Cancelled)
	}
	return nil
}

func runProbe(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		g             globalOpts
		fleetPath     string
		tags, ids     []string
		timing        string
		serviceDetect bool
		timeout       time.Duration
	)
	fs := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	g.register(fs)
	fs.StringVar(&fleetPath, "fleet", "", "fleet file (yaml, json or jsonc)")
	fs.StringSliceVar(&tags, "tags", nil, "only targets carrying one of these tags")
	fs.StringSliceVar(&ids, "targets", nil, "only these target ids")
	fs.StringVar(&timing, "timing", "T4", "nmap timing template T0-T5")
	fs.BoolVar(&serviceDetect, "service-detect", false, "ask nmap to identify the service on the port")
	fs.DurationVar(&timeout, "timeout", 2*time.Minute, "overall scan deadline")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fleetPath == "" {
		return domain.ConfigErrorf("probe: --fleet is required")
	}

	closer, err := g.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	fleet, err := config.NewLoader("").LoadFleet(fleetPath)
	if err != nil {
		return err
	}
	targets := fleet.Select(splitList(ids), splitList(tags))
	if len(targets) == 0 {
		return domain.ConfigErrorf("probe: no targets match the selection")
	}

	probes, err := usecase.PreflightUC{
		Timing:            timing,
		CommandTimeout:    timeout,
		SkipHostDiscovery: true,
		ServiceDetect:     serviceDetect,
	}.Probe(ctx, targets)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(probes))
	down := 0
	for _, p := range probes {
		if !p.Reachable {
			down++
		}
		rows = append(rows, []string{p.TargetID, p.Address, fmt.Sprint(p.Port), p.State, p.Service})
	}
	if err := textreport.New(stdout).Table([]string{"TARGET", "ADDRESS", "PORT", "STATE", "SERVICE"}, rows); err != nil {
		return err
	}
	if down > 0 {
		return unresolved("reachable=%d unreachable=%d", len(probes)-down, down)
	}
	return nil
}
