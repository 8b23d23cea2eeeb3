package main

import (
	"context"
	"io"
	"slices"
	"time"

	"bytemomo/fleetwarden/internal/adapter/mailboxapi"
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

func runReconcile(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		g           globalOpts
		desiredPath string
		apiBase     string
		apiTokenEnv string
		maxVerify   int
		verifyDelay time.Duration
		writeDelay  time.Duration
		prune       bool
		dryRun      bool
		noPrompt    bool
		fleetPath   string
		remediate   string
		remTimeout  time.Duration
		remRetries  int
		outDir      string
		mqttCfg     mqttpub.Config
	)
	fs := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	g.register(fs)
	fs.StringVar(&desiredPath, "desired", "", "desired-state file (yaml, json or jsonc)")
	fs.StringVar(&apiBase, "api-base", "", "API base URL (overrides api.base_url)")
	fs.StringVar(&apiTokenEnv, "api-token-env", "", "environment variable holding the API token (overrides api.token_env)")
	fs.IntVar(&maxVerify, "max-verify", usecase.DefaultMaxVerifyAttempts, "verification listings after writing")
	fs.DurationVar(&verifyDelay, "verify-delay", usecase.DefaultVerifyDelay, "pause between verification listings")
	fs.DurationVar(&writeDelay, "write-delay", 0, "minimum spacing between writes (overrides api.write_delay)")
	fs.BoolVar(&prune, "prune", false, "delete records whose key is not desired")
	fs.BoolVar(&dryRun, "dry-run", false, "plan only, write nothing")
	fs.BoolVar(&noPrompt, "no-prompt", false, "never prompt for a missing API token")
	fs.StringVar(&fleetPath, "fleet", "", "fleet file for --remediate (overrides remediation.fleet)")
	fs.StringVar(&remediate, "remediate", "", "fleet command to run before reconciling (overrides remediation.command)")
	fs.DurationVar(&remTimeout, "remediate-timeout", 0, "per-target deadline of the remediation command")
	fs.IntVar(&remRetries, "remediate-retries", 0, "extra remediation passes over unreachable targets")
	fs.StringVar(&outDir, "out", "", "write the outcome report under this directory")
	mqttFlags(fs, &mqttCfg)
	if err := parse(fs, args); err != nil {
		return err
	}
	if desiredPath == "" {
		return domain.ConfigErrorf("reconcile: --desired is required")
	}

	closer, err := g.setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	loader := config.NewLoader("")
	desired, err := loader.LoadDesired(desiredPath)
	if err != nil {
		return err
	}
	if apiBase != "" {
		desired.API.BaseURL = apiBase
	}
	if apiTokenEnv != "" {
		desired.API.TokenEnv = apiTokenEnv
	}
	if fs.Changed("write-delay") {
		desired.API.WriteDelay = writeDelay
	}
	if fs.Changed("max-verify") || desired.Reconcile.MaxVerifyAttempts == 0 {
		desired.Reconcile.MaxVerifyAttempts = maxVerify
	}
	if fs.Changed("verify-delay") || desired.Reconcile.VerifyDelay == 0 {
		desired.Reconcile.VerifyDelay = verifyDelay
	}
	if fs.Changed("prune") {
		desired.Reconcile.Prune = prune
	}

	token, err := config.ResolveAPIToken(desired.API, !noPrompt)
	if err != nil {
		return err
	}
	client, err := mailboxapi.NewClient(mailboxapi.Config{
		BaseURL:      desired.API.BaseURL,
		Resource:     desired.API.Resource,
		Token:        token,
		PageSize:     desired.API.PageSize,
		MaxPages:     desired.API.MaxPages,
		Timeout:      desired.API.Timeout,
		WriteDelay:   desired.API.WriteDelay,
		UpdateMethod: desired.API.UpdateMethod,
		Schema: mailboxapi.Schema{
			IDField:      desired.API.IDField,
			CreatedField: desired.API.CreatedField,
			ErrorField:   desired.API.ErrorField,
		},
		Log: log.WithField("component", "api"),
	})
	if err != nil {
		return err
	}

	out, err := openSinks(outDir, mqttCfg)
	if err != nil {
		return err
	}
	defer out.Close()

	runID := uuid.NewString()
	remediator, err := buildRemediator(loader, desired.Remediation, fleetPath, remediate, remTimeout, remRetries, runID, out)
	if err != nil {
		return err
	}

	engine := &usecase.Engine{
		Store:             client,
		KeyField:          desired.KeyField,
		KeyFold:           slices.Contains(desired.Compare.CaseInsensitive, desired.KeyField),
		Compare:           usecase.NewComparator(desired.Compare),
		MaxVerifyAttempts: desired.Reconcile.MaxVerifyAttempts,
		VerifyDelay:       desired.Reconcile.VerifyDelay,
		WriteDelay:        client.WriteDelay(),
		Prune:             desired.Reconcile.Prune,
		DryRun:            dryRun,
		Remediator:        remediator,
		RunID:             runID,
	}
	outcome, err := engine.Reconcile(ctx, desired.DesiredState())
	if err != nil {
		return err
	}

	out.writeOutcome(outcome)
	if outcome.Remediation != nil {
		out.writeFleetReport(*outcome.Remediation)
	}
	if err := textreport.New(stdout).Outcome(outcome); err != nil {
		return err
	}

	if err := outcome.Err(); err != nil {
		return unresolved("created=%d updated=%d deleted=%d divergent=%d: %v",
			len(outcome.Created), len(outcome.Updated), len(outcome.Deleted), len(outcome.StillDivergent), err)
	}
	return nil
}

// buildRemediator returns nil when no remediation is configured. Flags
// override the desired file's remediation section. Each remediation result
// is saved to store as it completes.
func buildRemediator(loader *config.Loader, rc *config.RemediationConfig, fleetPath, command string, timeout time.Duration, retries int, runID string, store domain.ResultRepo) (usecase.Remediator, error) {
	var cfg config.RemediationConfig
	if rc != nil {
		cfg = *rc
	}
	if fleetPath != "" {
		cfg.Fleet = fleetPath
	}
	if command != "" {
		cfg.Command = command
	}
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	if cfg.Fleet == "" && cfg.Command == "" {
		return nil, nil
	}
	if cfg.Fleet == "" || cfg.Command == "" {
		return nil, domain.ConfigErrorf("remediation needs both a fleet and a command")
	}

	fleet, err := loader.LoadFleet(cfg.Fleet)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = fleet.Timeout
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = fleet.Concurrency
	}
	commandOf, err := usecase.TemplateCommand(cfg.Command, cfg.Timeout)
	if err != nil {
		return nil, err
	}

	return usecase.FleetRemediator{
		Orchestrator: &usecase.Orchestrator{
			Fleet: &usecase.FleetExecutor{
				Session: sshsession.New(fleet.KnownHosts, log.WithField("component", "ssh")),
				Store:   store,
				RunID:   runID + "-remediation",
			},
			Retries:    retries,
			RetryDelay: 5 * time.Second,
		},
		Targets: fleet.Targets,
		Command: commandOf,
		Limit:   cfg.Concurrency,
	}, nil
}
