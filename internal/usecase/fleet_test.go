package usecase

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bytemomo/fleetwarden/internal/domain"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetOutput(io.Discard)
}

// fakeExecutor answers from a per-target script and tracks concurrency.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32

	delay   func(t domain.Target) time.Duration
	respond func(t domain.Target, attempt int) domain.ExecutionResult
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{calls: make(map[string]int)}
}

func (f *fakeExecutor) Execute(ctx context.Context, t domain.Target, cmd domain.RemoteCommand) domain.ExecutionResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[t.ID]++
	attempt := f.calls[t.ID]
	f.mu.Unlock()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(t)):
		case <-ctx.Done():
			return domain.ExecutionResult{TargetID: t.ID, Status: domain.StatusCancelled, ExitCode: -1}
		}
	}
	if f.respond != nil {
		return f.respond(t, attempt)
	}
	return domain.ExecutionResult{TargetID: t.ID, Status: domain.StatusSuccess, Output: cmd.Script}
}

func (f *fakeExecutor) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExecutor) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type memoryResults struct {
	mu    sync.Mutex
	saved []domain.ExecutionResult
}

func (m *memoryResults) Save(res domain.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, res)
	return nil
}

func makeTargets(n int) []domain.Target {
	out := make([]domain.Target, n)
	for i := range out {
		out[i] = domain.Target{
			ID:      fmt.Sprintf("mx%02d", i),
			Address: fmt.Sprintf("10.0.0.%d", i+1),
			User:    "root",
			Domain:  fmt.Sprintf("d%02d.example.com", i),
		}
	}
	return out
}

func TestRunAll_PreservesInputOrder(t *testing.T) {
	exec := newFakeExecutor()
	rng := rand.New(rand.NewSource(7))
	delays := map[string]time.Duration{}
	targets := makeTargets(20)
	for _, tg := range targets {
		delays[tg.ID] = time.Duration(rng.Intn(20)) * time.Millisecond
	}
	exec.delay = func(t domain.Target) time.Duration { return delays[t.ID] }

	uc := &FleetExecutor{Session: exec}
	report, err := uc.RunAll(context.Background(), targets, StaticCommand("uptime", time.Second), 5)
	require.NoError(t, err)

	require.Len(t, report.Results, len(targets))
	for i, tg := range targets {
		assert.Equal(t, tg.ID, report.Results[i].TargetID)
	}
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRunAll_MixedConnectFailures(t *testing.T) {
	exec := newFakeExecutor()
	failing := map[string]bool{"mx01": true, "mx03": true}
	exec.respond = func(t domain.Target, _ int) domain.ExecutionResult {
		if failing[t.ID] {
			return domain.ExecutionResult{
				TargetID:  t.ID,
				Status:    domain.StatusFailure,
				ErrorKind: domain.KindConnect,
				ExitCode:  -1,
				Error:     "connection refused",
			}
		}
		return domain.ExecutionResult{TargetID: t.ID, Status: domain.StatusSuccess}
	}

	uc := &FleetExecutor{Session: exec}
	report, err := uc.RunAll(context.Background(), makeTargets(5), StaticCommand("true", time.Second), 2)
	require.NoError(t, err)

	s := report.Summary()
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.Equal(t, []string{"mx01", "mx03"}, report.RetryableIDs())

	res, ok := report.Result("mx03")
	require.True(t, ok)
	assert.Equal(t, domain.KindConnect, res.ErrorKind)
}

func TestRunAll_RespectsConcurrencyLimit(t *testing.T) {
	exec := newFakeExecutor()
	exec.delay = func(domain.Target) time.Duration { return 10 * time.Millisecond }

	uc := &FleetExecutor{Session: exec}
	_, err := uc.RunAll(context.Background(), makeTargets(30), StaticCommand("true", time.Second), 4)
	require.NoError(t, err)

	assert.LessOrEqual(t, exec.peak.Load(), int32(4))
	assert.Equal(t, 30, exec.totalCalls())
}

func TestRunAll_CancelledContext(t *testing.T) {
	exec := newFakeExecutor()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 1)
	exec.delay = func(domain.Target) time.Duration {
		select {
		case started <- struct{}{}:
		default:
		}
		return time.Minute
	}

	go func() {
		<-started
		cancel()
	}()

	uc := &FleetExecutor{Session: exec}
	report, err := uc.RunAll(ctx, makeTargets(6), StaticCommand("sleep 60", time.Minute), 1)
	require.NoError(t, err)

	require.Len(t, report.Results, 6)
	for _, res := range report.Results {
		assert.Equal(t, domain.StatusCancelled, res.Status, res.TargetID)
	}
	assert.Equal(t, 1, exec.totalCalls())
}

func TestRunAll_InvalidInput(t *testing.T) {
	exec := newFakeExecutor()
	uc := &FleetExecutor{Session: exec}
	cmd := StaticCommand("true", time.Second)

	_, err := uc.RunAll(context.Background(), nil, cmd, 1)
	assert.True(t, domain.IsConfigError(err))

	dup := makeTargets(2)
	dup[1].ID = dup[0].ID
	_, err = uc.RunAll(context.Background(), dup, cmd, 1)
	assert.True(t, domain.IsConfigError(err))

	_, err = uc.RunAll(context.Background(), makeTargets(1), nil, 1)
	assert.True(t, domain.IsConfigError(err))

	_, err = (&FleetExecutor{}).RunAll(context.Background(), makeTargets(1), cmd, 1)
	assert.True(t, domain.IsConfigError(err))

	assert.Zero(t, exec.totalCalls())
}

func TestRunAll_TemplateErrorSkipsDial(t *testing.T) {
	exec := newFakeExecutor()
	cmd, err := TemplateCommand(`postconf -e relayhost={{.Metadata.relay}}`, time.Second)
	require.NoError(t, err)

	targets := makeTargets(2)
	targets[0].Metadata = map[string]string{"relay": "[smtp.example.com]:587"}

	uc := &FleetExecutor{Session: exec}
	report, err := uc.RunAll(context.Background(), targets, cmd, 2)
	require.NoError(t, err)

	ok := report.Results[0]
	assert.Equal(t, domain.StatusSuccess, ok.Status)
	assert.Equal(t, "postconf -e relayhost=[smtp.example.com]:587", ok.Output)

	bad := report.Results[1]
	assert.Equal(t, domain.StatusFailure, bad.Status)
	assert.Equal(t, domain.KindCommand, bad.ErrorKind)
	assert.False(t, bad.Retryable())
	assert.Zero(t, exec.callsFor(targets[1].ID))
}

func TestRunAll_EmptyScriptIsCommandError(t *testing.T) {
	exec := newFakeExecutor()
	uc := &FleetExecutor{Session: exec}
	report, err := uc.RunAll(context.Background(), makeTargets(1), StaticCommand("  ", time.Second), 1)
	require.NoError(t, err)

	assert.Equal(t, domain.KindCommand, report.Results[0].ErrorKind)
	assert.Zero(t, exec.totalCalls())
}

func TestRunAll_PublishesEveryResult(t *testing.T) {
	exec := newFakeExecutor()
	store := &memoryResults{}
	var seen []string
	uc := &FleetExecutor{
		Session:  exec,
		Store:    store,
		OnResult: func(r domain.ExecutionResult) { seen = append(seen, r.TargetID) },
		RunID:    "run-1",
	}

	report, err := uc.RunAll(context.Background(), makeTargets(8), StaticCommand("true", time.Second), 3)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Len(t, store.saved, 8)
	assert.ElementsMatch(t, []string{"mx00", "mx01", "mx02", "mx03", "mx04", "mx05", "mx06", "mx07"}, seen)
}

func TestTemplateCommand(t *testing.T) {
	_, err := TemplateCommand("echo {{.Domain", time.Second)
	assert.True(t, domain.IsConfigError(err))

	cmd, err := TemplateCommand("postconf -e myhostname=mail.{{.Domain}}", 5*time.Second)
	require.NoError(t, err)

	rc, err := cmd(domain.Target{ID: "a", Domain: "example.org"})
	require.NoError(t, err)
	assert.Equal(t, "postconf -e myhostname=mail.example.org", rc.Script)
	assert.Equal(t, 5*time.Second, rc.Timeout)
}

func TestTemplateCommand_CredentialNotExposed(t *testing.T) {
	target := domain.Target{
		ID:         "mx01",
		Address:    "203.0.113.10",
		User:       "admin",
		Credential: domain.Credential{Password: "s3cret-pass"},
		Tags:       []string{"smtp"},
		Metadata:   map[string]string{"relay": "10.0.0.1"},
	}

	cmd, err := TemplateCommand("echo {{.Credential.Password}}", time.Second)
	require.NoError(t, err)
	rc, err := cmd(target)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret-pass")
	assert.NotContains(t, rc.Script, "s3cret-pass")

	cmd, err = TemplateCommand("{{.User}}@{{.Address}} {{.ID}} {{index .Tags 0}} {{.Metadata.relay}}", time.Second)
	require.NoError(t, err)
	rc, err = cmd(target)
	require.NoError(t, err)
	assert.Equal(t, "admin@203.0.113.10 mx01 smtp 10.0.0.1", rc.Script)
}
