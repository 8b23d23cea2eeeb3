package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"bytemomo/fleetwarden/internal/adapter/jsonreport"
	"bytemomo/fleetwarden/internal/adapter/logger"
	"bytemomo/fleetwarden/internal/adapter/mqttpub"
	"bytemomo/fleetwarden/internal/config"
	"bytemomo/fleetwarden/internal/domain"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

const usage = `fleetwarden runs commands across SSH fleets and reconciles REST state.

Usage:
  fleetwarden exec --fleet FILE [flags] -- <command>
  fleetwarden reconcile --desired FILE [flags]
  fleetwarden probe --fleet FILE [flags]
  fleetwarden version

Run "fleetwarden <command> --help" for the flags of a command.
`

// exitError carries a process exit code. Code 1 means the run finished but
// left targets or keys unresolved.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func unresolved(format string, args ...any) error {
	return &exitError{code: 1, err: fmt.Errorf(format, args...)}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return domain.ConfigErrorf("no command given")
	}

	switch args[0] {
	case "exec":
		return runExec(ctx, args[1:], stdout)
	case "reconcile":
		return runReconcile(ctx, args[1:], stdout)
	case "probe":
		return runProbe(ctx, args[1:], stdout)
	case "version", "--version":
		fmt.Fprintf(stdout, "fleetwarden v%s (%s)\n", version, commit)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	}
	return domain.ConfigErrorf("unknown command %q", args[0])
}

// exitCode maps err to 0 (done), 1 (unresolved targets or keys) or 2
// (configuration), printing it to stderr.
func exitCode(err error, stderr io.Writer) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(stderr, "error: %v\n", err)

	var ee *exitError
	switch {
	case errors.As(err, &ee):
		return ee.code
	case domain.IsConfigError(err):
		return 2
	}
	return 1
}

// globalOpts are accepted by every subcommand.
type globalOpts struct {
	envFiles  []string
	logLevel  string
	logFormat string
	logFile   string
}

func (g *globalOpts) register(fs *pflag.FlagSet) {
	fs.StringSliceVar(&g.envFiles, "env-file", nil, "load environment variables from a dotenv file (repeatable)")
	fs.StringVar(&g.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	fs.StringVar(&g.logFormat, "log-format", "text", "log format: text or json")
	fs.StringVar(&g.logFile, "log-file", "", "also append logs to this file")
}

// setup configures logging and loads env files. Failures are configuration
// errors.
func (g *globalOpts) setup() (io.Closer, error) {
	closer, err := logger.Setup(logger.Options{Level: g.logLevel, Format: g.logFormat, File: g.logFile})
	if err != nil {
		return nil, &domain.ConfigError{Msg: "logging", Err: err}
	}
	if err := config.LoadEnvFiles(g.envFiles...); err != nil {
		closer.Close()
		return nil, err
	}
	return closer, nil
}

// parse parses args, turning flag errors into configuration errors.
func parse(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return err
		}
		return &domain.ConfigError{Msg: fs.Name(), Err: err}
	}
	return nil
}

// sinks fans results and reports out to every configured writer.
type sinks struct {
	results []domain.ResultRepo
	reports []domain.ReportWriter
	closers []io.Closer
}

// open wires the JSON directory and MQTT publisher when requested.
func openSinks(outDir string, mqttCfg mqttpub.Config) (*sinks, error) {
	s := &sinks{}
	if outDir != "" {
		w := jsonreport.New(outDir)
		s.results = append(s.results, w)
		s.reports = append(s.reports, w)
	}
	if mqttCfg.Broker != "" {
		p, err := mqttpub.Dial(mqttCfg)
		if err != nil {
			return nil, err
		}
		s.results = append(s.results, p)
		s.reports = append(s.reports, p)
		s.closers = append(s.closers, p)
	}
	return s, nil
}

func (s *sinks) Save(res domain.ExecutionResult) error {
	var errs []error
	for _, r := range s.results {
		errs = append(errs, r.Save(res))
	}
	return errors.Join(errs...)
}

func (s *sinks) writeFleetReport(r domain.FleetReport) {
	for _, w := range s.reports {
		if where, err := w.WriteFleetReport(r); err != nil {
			log.WithError(err).Error("Failed to write fleet report")
		} else {
			log.WithField("to", where).Info("Fleet report written")
		}
	}
}

func (s *sinks) writeOutcome(o domain.ReconciliationOutcome) {
	for _, w := range s.reports {
		if where, err := w.WriteOutcome(o); err != nil {
			log.WithError(err).Error("Failed to write reconciliation outcome")
		} else {
			log.WithField("to", where).Info("Reconciliation outcome written")
		}
	}
}

func (s *sinks) Close() error {
	for _, c := range s.closers {
		c.Close()
	}
	return nil
}

// mqttFlags registers the publisher flags shared by exec and reconcile.
func mqttFlags(fs *pflag.FlagSet, cfg *mqttpub.Config) {
	fs.StringVar(&cfg.Broker, "mqtt-broker", "", "publish results to this MQTT broker, e.g. tcp://localhost:1883")
	fs.StringVar(&cfg.TopicPrefix, "mqtt-topic", mqttpub.DefaultTopicPrefix, "MQTT topic prefix")
	fs.Uint8Var(&cfg.QoS, "mqtt-qos", 1, "MQTT QoS (0-2)")
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
