package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bytemomo/fleetwarden/internal/adapter/mailboxapi"
	"bytemomo/fleetwarden/internal/config"
	"bytemomo/fleetwarden/internal/domain"
	"bytemomo/fleetwarden/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotFound = errors.New("not found")

// memoryStore is an in-process RecordStore with PATCH semantics.
type memoryStore struct {
	mu      sync.Mutex
	records []domain.Record
	nextID  int
	clock   time.Time

	drop       []string
	listErr    error
	failUpdate error
	failCreate error

	lists, creates, updates, deletes int
}

func newMemoryStore(records ...domain.Record) *memoryStore {
	return &memoryStore{
		records: records,
		nextID:  100,
		clock:   time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (s *memoryStore) List(context.Context) ([]domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Record, len(s.records))
	for i, r := range s.records {
		r.Fields = r.Fields.Clone()
		out[i] = r
	}
	return out, nil
}

func (s *memoryStore) Create(_ context.Context, fields domain.Fields) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if s.failCreate != nil {
		return domain.Record{}, s.failCreate
	}
	s.clock = s.clock.Add(time.Minute)
	rec := domain.Record{ID: fmt.Sprintf("rec_%d", s.nextID), Fields: s.keep(fields), CreatedAt: s.clock}
	s.nextID++
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *memoryStore) Update(_ context.Context, id string, fields domain.Fields) (domain.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failUpdate != nil {
		return domain.Record{}, s.failUpdate
	}
	for i, rec := range s.records {
		if rec.ID != id {
			continue
		}
		for k, v := range s.keep(fields) {
			rec.Fields[k] = v
		}
		s.records[i] = rec
		return rec, nil
	}
	return domain.Record{}, errNotFound
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	for i, rec := range s.records {
		if rec.ID == id {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return errNotFound
}

func (s *memoryStore) keep(fields domain.Fields) domain.Fields {
	out := fields.Clone()
	for _, f := range s.drop {
		delete(out, f)
	}
	return out
}

func (s *memoryStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates + s.updates + s.deletes
}

func account(id, email string, quota int) domain.Record {
	return domain.Record{
		ID:        id,
		Fields:    domain.Fields{"email": email, "quota": quota},
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newEngine(store domain.RecordStore) *Engine {
	return &Engine{
		Store:             store,
		KeyField:          "email",
		MaxVerifyAttempts: 3,
		VerifyDelay:       time.Millisecond,
	}
}

func threeKeys() domain.DesiredState {
	return domain.DesiredState{
		"a@example.com": {"quota": 10},
		"b@example.com": {"quota": 20},
		"c@example.com": {"quota": 30},
	}
}

func keyResult(t *testing.T, out domain.ReconciliationOutcome, key string) domain.KeyResult {
	t.Helper()
	for _, k := range out.Keys {
		if k.Key == key {
			return k
		}
	}
	t.Fatalf("no result for key %s", key)
	return domain.KeyResult{}
}

func TestReconcile_CreatesAndUpdates(t *testing.T) {
	store := newMemoryStore(
		account("r1", "a@example.com", 10),
		account("r2", "b@example.com", 5),
	)
	out, err := newEngine(store).Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)

	assert.Equal(t, []string{"c@example.com"}, out.Created)
	assert.Equal(t, []string{"b@example.com"}, out.Updated)
	assert.Empty(t, out.Deleted)
	assert.True(t, out.Converged())
	assert.NoError(t, out.Err())
	assert.Equal(t, 1, out.VerifyAttempts)

	for _, k := range out.Keys {
		assert.Equal(t, domain.KeyConverged, k.State, k.Key)
	}
	assert.Equal(t, "update", keyResult(t, out, "b@example.com").Action)
	assert.Equal(t, "create", keyResult(t, out, "c@example.com").Action)
	assert.Empty(t, keyResult(t, out, "a@example.com").Action)
	assert.NotEmpty(t, keyResult(t, out, "c@example.com").ID)
}

func TestReconcile_Idempotent(t *testing.T) {
	store := newMemoryStore(account("r2", "b@example.com", 5))
	engine := newEngine(store)

	first, err := engine.Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)
	require.True(t, first.Changed())
	writes := store.writes()

	second, err := engine.Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)
	assert.False(t, second.Changed())
	assert.Empty(t, second.Created)
	assert.Empty(t, second.Updated)
	assert.Empty(t, second.Deleted)
	assert.True(t, second.Converged())
	assert.Zero(t, second.VerifyAttempts)
	assert.Equal(t, writes, store.writes())
}

func TestReconcile_DeduplicatesKeepingNewest(t *testing.T) {
	older := account("r1", "a@example.com", 10)
	newer := account("r2", "a@example.com", 10)
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	store := newMemoryStore(newer, older)

	out, err := newEngine(store).Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"quota": 10},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"r1"}, out.Deleted)
	assert.Empty(t, out.Updated)
	assert.True(t, out.Converged())

	k := keyResult(t, out, "a@example.com")
	assert.Equal(t, "r2", k.ID)
	assert.Equal(t, "deduplicate", k.Action)
	assert.Equal(t, domain.KeyConverged, k.State)
}

func TestReconcile_DeduplicateThenUpdate(t *testing.T) {
	store := newMemoryStore(account("r1", "a@example.com", 1), account("r2", "a@example.com", 2))

	out, err := newEngine(store).Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"quota": 10},
	})
	require.NoError(t, err)

	// equal timestamps: the later listed record survives
	assert.Equal(t, []string{"r1"}, out.Deleted)
	assert.Equal(t, []string{"a@example.com"}, out.Updated)
	k := keyResult(t, out, "a@example.com")
	assert.Equal(t, "deduplicate+update", k.Action)
	assert.Equal(t, "r2", k.ID)
	assert.True(t, out.Converged())
}

func TestReconcile_WriteFailureIsDivergent(t *testing.T) {
	store := newMemoryStore(account("r1", "a@example.com", 1))
	store.failUpdate = errors.New("503 service unavailable")
	engine := newEngine(store)
	engine.MaxVerifyAttempts = 2

	out, err := engine.Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"quota": 10},
	})
	require.NoError(t, err)

	assert.Empty(t, out.Updated)
	require.Len(t, out.StillDivergent, 1)
	assert.Contains(t, out.StillDivergent[0].Reason, "update failed: 503 service unavailable")
	assert.Contains(t, out.StillDivergent[0].Reason, `quota: have "1", want "10"`)
	assert.Equal(t, 2, out.VerifyAttempts)
	assert.Equal(t, 3, store.lists)

	var conv *domain.ConvergenceError
	require.ErrorAs(t, out.Err(), &conv)
	assert.Equal(t, 2, conv.Attempts)
}

func TestReconcile_DroppedFieldNeverConverges(t *testing.T) {
	store := newMemoryStore()
	store.drop = []string{"forward"}

	out, err := newEngine(store).Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"quota": 10, "forward": "ops@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a@example.com"}, out.Created)
	require.Len(t, out.StillDivergent, 1)
	assert.Equal(t, `forward: missing, want "ops@example.com"`, out.StillDivergent[0].Reason)
	assert.Equal(t, 3, out.VerifyAttempts)
	assert.Equal(t, domain.KeyDivergent, keyResult(t, out, "a@example.com").State)
}

func TestReconcile_DryRunWritesNothing(t *testing.T) {
	store := newMemoryStore(
		account("r1", "a@example.com", 10),
		account("r2", "b@example.com", 5),
		account("r9", "old@example.com", 1),
	)
	engine := newEngine(store)
	engine.DryRun = true
	engine.Prune = true

	out, err := engine.Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)

	assert.Zero(t, store.writes())
	assert.True(t, out.DryRun)
	assert.Empty(t, out.Created)
	assert.Empty(t, out.Updated)
	assert.Empty(t, out.Deleted)
	assert.Zero(t, out.VerifyAttempts)

	assert.Equal(t, domain.KeyConverged, keyResult(t, out, "a@example.com").State)
	assert.Contains(t, keyResult(t, out, "b@example.com").Reason, "dry-run: would update")
	assert.Equal(t, "dry-run: would create", keyResult(t, out, "c@example.com").Reason)
	assert.Equal(t, "dry-run: would delete", keyResult(t, out, "old@example.com").Reason)
	assert.Len(t, out.StillDivergent, 3)
}

func TestReconcile_Prune(t *testing.T) {
	store := newMemoryStore(
		account("r1", "a@example.com", 10),
		account("r9", "old@example.com", 1),
		domain.Record{ID: "r10", Fields: domain.Fields{"quota": 1}},
	)
	engine := newEngine(store)
	engine.Prune = true

	out, err := engine.Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"quota": 10},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"r9"}, out.Deleted)
	assert.True(t, out.Converged())
	k := keyResult(t, out, "old@example.com")
	assert.Equal(t, "delete", k.Action)
	assert.Equal(t, domain.KeyConverged, k.State)

	remaining, _ := store.List(context.Background())
	assert.Len(t, remaining, 2)
}

func TestReconcile_ErrorStateIsDivergent(t *testing.T) {
	rec := account("r1", "a@example.com", 10)
	rec.ErrorState = "mailbox locked"
	store := newMemoryStore(rec)

	out, err := newEngine(store).Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"quota": 10},
	})
	require.NoError(t, err)

	assert.Zero(t, store.writes())
	require.Len(t, out.StillDivergent, 1)
	assert.Equal(t, "record reports error: mailbox locked", out.StillDivergent[0].Reason)
	assert.Equal(t, "r1", out.StillDivergent[0].ID)
}

func TestReconcile_KeyFoldAndCompareOptions(t *testing.T) {
	store := newMemoryStore(domain.Record{
		ID:     "r1",
		Fields: domain.Fields{"email": "A@Example.com", "name": " Alice ", "quota": "10"},
	})
	engine := newEngine(store)
	engine.KeyFold = true
	engine.Compare = NewComparator(config.CompareConfig{CaseInsensitive: []string{"name"}})

	out, err := engine.Reconcile(context.Background(), domain.DesiredState{
		"a@example.com": {"name": "alice", "quota": 10},
	})
	require.NoError(t, err)

	assert.False(t, out.Changed())
	assert.True(t, out.Converged())
	assert.Equal(t, "r1", keyResult(t, out, "a@example.com").ID)
}

func TestReconcile_InitialListFailureIsFatal(t *testing.T) {
	store := newMemoryStore()
	store.listErr = errors.New("connection reset")

	_, err := newEngine(store).Reconcile(context.Background(), threeKeys())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Zero(t, store.writes())
}

func TestReconcile_InvalidInput(t *testing.T) {
	_, err := (&Engine{KeyField: "email"}).Reconcile(context.Background(), threeKeys())
	assert.True(t, domain.IsConfigError(err))

	_, err = (&Engine{Store: newMemoryStore()}).Reconcile(context.Background(), threeKeys())
	assert.True(t, domain.IsConfigError(err))

	_, err = newEngine(newMemoryStore()).Reconcile(context.Background(), domain.DesiredState{})
	assert.True(t, domain.IsConfigError(err))
}

func TestReconcile_RejectsFoldedKeyCollisions(t *testing.T) {
	store := newMemoryStore()
	engine := newEngine(store)
	engine.KeyFold = true
	desired := domain.DesiredState{
		"Alice@example.com": {"quota": 10},
		"alice@example.com": {"quota": 20},
	}

	_, err := engine.Reconcile(context.Background(), desired)
	require.Error(t, err)
	assert.True(t, domain.IsConfigError(err))
	assert.Contains(t, err.Error(), "Alice@example.com")
	assert.Zero(t, store.lists)
	assert.Zero(t, store.writes())
	assert.Empty(t, store.records)

	engine.KeyFold = false
	out, err := engine.Reconcile(context.Background(), desired)
	require.NoError(t, err)
	assert.Len(t, out.Created, 2)
}

type stubRemediator struct {
	report domain.FleetReport
	err    error
	calls  int
}

func (s *stubRemediator) Remediate(context.Context) (domain.FleetReport, error) {
	s.calls++
	return s.report, s.err
}

func TestReconcile_RunsRemediatorFirst(t *testing.T) {
	rem := &stubRemediator{
		report: domain.FleetReport{RunID: "fleet", Results: []domain.ExecutionResult{
			{TargetID: "mx01", Status: domain.StatusFailure, ErrorKind: domain.KindConnect},
		}},
		err: errors.New("1 of 1 targets did not succeed"),
	}
	engine := newEngine(newMemoryStore(account("r1", "a@example.com", 10)))
	engine.Remediator = rem

	out, err := engine.Reconcile(context.Background(), domain.DesiredState{"a@example.com": {"quota": 10}})
	require.NoError(t, err)

	assert.Equal(t, 1, rem.calls)
	require.NotNil(t, out.Remediation)
	assert.Equal(t, "fleet", out.Remediation.RunID)
	assert.True(t, out.Converged())
}

func TestReconcile_WriteDelaySpacesWrites(t *testing.T) {
	store := newMemoryStore()
	engine := newEngine(store)
	engine.WriteDelay = 40 * time.Millisecond

	start := time.Now()
	out, err := engine.Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)

	assert.Len(t, out.Created, 3)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestReconcile_AgainstMailboxAPI(t *testing.T) {
	api := testutil.NewMockMailboxAPI(testutil.MailboxAPIConfig{
		Paging:            testutil.PagingCursor,
		RepeatAcrossPages: true,
	})
	defer api.Close()
	api.Seed(
		map[string]any{"email": "a@example.com", "quota": 10},
		map[string]any{"email": "b@example.com", "quota": 5},
	)

	client, err := mailboxapi.NewClient(mailboxapi.Config{
		BaseURL:  api.URL(),
		Token:    api.Token(),
		PageSize: 1,
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	engine := newEngine(client)
	out, err := engine.Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)

	assert.Equal(t, []string{"c@example.com"}, out.Created)
	assert.Equal(t, []string{"b@example.com"}, out.Updated)
	assert.Empty(t, out.Deleted)
	assert.True(t, out.Converged(), "%v", out.StillDivergent)
	assert.Len(t, api.Records(), 3)

	again, err := engine.Reconcile(context.Background(), threeKeys())
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.True(t, again.Converged())
}
