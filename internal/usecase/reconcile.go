package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bytemomo/fleetwarden/internal/config"
	"bytemomo/fleetwarden/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxVerifyAttempts = 3
	DefaultVerifyDelay       = 2 * time.Second
)

// Remediator runs a fleet action before the external state is read.
type Remediator interface {
	Remediate(ctx context.Context) (domain.FleetReport, error)
}

// Engine drives one reconcile-and-verify cycle against a RecordStore.
type Engine struct {
	Store domain.RecordStore
	// KeyField is the record field holding the logical key.
	KeyField string
	// KeyFold matches keys case-insensitively.
	KeyFold bool
	Compare *Comparator

	MaxVerifyAttempts int
	VerifyDelay       time.Duration
	// WriteDelay is the minimum spacing between create, update and delete
	// calls.
	WriteDelay time.Duration

	// Prune deletes records whose key is not desired.
	Prune bool
	// DryRun plans without writing.
	DryRun bool

	Remediator Remediator
	RunID      string
}

// keyTrack is the mutable per-key state of one cycle.
type keyTrack struct {
	result  domain.KeyResult
	want    domain.Fields
	pruneID string
	written bool
	// failure is the last write error, kept alongside verify reasons.
	failure string
}

func (k *keyTrack) fail(reason string) {
	k.failure = reason
	k.result.Reason = reason
}

func (k *keyTrack) diverge(reason string) {
	if k.failure != "" {
		reason = k.failure + "; " + reason
	}
	k.result.Reason = reason
}

func (k *keyTrack) to(next domain.KeyState) {
	if err := domain.Transition(k.result.State, next); err != nil {
		log.WithField("key", k.result.Key).WithError(err).Error("Invalid key transition")
		k.result.State = domain.KeyDivergent
		return
	}
	k.result.State = next
}

// Reconcile makes the store match desired and verifies the result. Only
// invalid input and a failed initial listing are returned as errors; keys
// that did not converge are reported in the outcome, whose Err method
// returns a *domain.ConvergenceError.
func (e *Engine) Reconcile(ctx context.Context, desired domain.DesiredState) (domain.ReconciliationOutcome, error) {
	if e.Store == nil {
		return domain.ReconciliationOutcome{}, domain.ConfigErrorf("reconcile: no record store")
	}
	if strings.TrimSpace(e.KeyField) == "" {
		return domain.ReconciliationOutcome{}, domain.ConfigErrorf("reconcile: empty key field")
	}
	if len(desired) == 0 {
		return domain.ReconciliationOutcome{}, domain.ConfigErrorf("reconcile: empty desired state")
	}
	if err := e.checkKeyCollisions(desired); err != nil {
		return domain.ReconciliationOutcome{}, err
	}

	out := domain.ReconciliationOutcome{
		RunID:     e.RunID,
		StartedAt: time.Now(),
		DryRun:    e.DryRun,
		Created:   []string{},
		Updated:   []string{},
		Deleted:   []string{},
	}
	if out.RunID == "" {
		out.RunID = uuid.NewString()
	}
	l := log.WithFields(log.Fields{"run": out.RunID, "keys": len(desired), "dry_run": e.DryRun})

	if e.Remediator != nil {
		report, err := e.Remediator.Remediate(ctx)
		if err != nil {
			l.WithError(err).Warn("Remediation failed, reconciling anyway")
		}
		if len(report.Results) > 0 {
			out.Remediation = &report
		}
	}

	records, err := e.Store.List(ctx)
	if err != nil {
		return out, fmt.Errorf("reconcile: initial list: %w", err)
	}
	l.WithField("records", len(records)).Info("Starting reconciliation")

	groups := e.groupByKey(records)
	limiter := rate.NewLimiter(rate.Inf, 1)
	if e.WriteDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(e.WriteDelay), 1)
	}

	var tracks []*keyTrack
	for _, key := range desired.Keys() {
		k := &keyTrack{result: domain.KeyResult{Key: key}, want: e.withKey(key, desired[key])}
		e.plan(ctx, k, groups[e.norm(key)], limiter, &out)
		tracks = append(tracks, k)
	}

	if e.Prune {
		tracks = append(tracks, e.prune(ctx, desired, records, limiter, &out)...)
	}

	if e.DryRun || !anyWritten(tracks) {
		// nothing changed, the initial listing is the final state
		e.verifyAgainst(tracks, groups, idSet(records))
	} else {
		out.VerifyAttempts = e.verify(ctx, tracks)
	}

	for _, k := range tracks {
		if k.result.State == domain.KeyVerifying {
			k.to(domain.KeyDivergent)
		}
		if k.result.State == domain.KeyDivergent {
			out.StillDivergent = append(out.StillDivergent, domain.Divergence{
				Key:    k.result.Key,
				ID:     k.result.ID,
				Reason: k.result.Reason,
			})
		}
		out.Keys = append(out.Keys, k.result)
	}
	out.FinishedAt = time.Now()

	l.WithFields(log.Fields{
		"created":   len(out.Created),
		"updated":   len(out.Updated),
		"deleted":   len(out.Deleted),
		"divergent": len(out.StillDivergent),
		"attempts":  out.VerifyAttempts,
	}).Info("Reconciliation finished")
	return out, nil
}

// plan moves one desired key from its observed state through the write it
// needs, leaving it in verifying (or divergent for dry runs).
func (e *Engine) plan(ctx context.Context, k *keyTrack, matches []domain.Record, limiter *rate.Limiter, out *domain.ReconciliationOutcome) {
	switch len(matches) {
	case 0:
		k.result.State = domain.KeyAbsent
		e.create(ctx, k, limiter, out)
		return

	case 1:
		k.result.State = domain.KeyPresent

	default:
		k.result.State = domain.KeyDuplicate
		survivor, extras := pickSurvivor(matches)
		if e.DryRun {
			k.result.ID = survivor.ID
			k.result.Action = "deduplicate"
			k.result.Reason = fmt.Sprintf("dry-run: would delete %d duplicate(s)", len(extras))
			k.to(domain.KeyDivergent)
			return
		}
		k.to(domain.KeyDeduplicating)
		k.result.Action = "deduplicate"
		for _, dup := range extras {
			if err := e.write(ctx, limiter, func() error { return e.Store.Delete(ctx, dup.ID) }); err != nil {
				k.fail(fmt.Sprintf("delete duplicate %s: %v", dup.ID, err))
				continue
			}
			out.Deleted = append(out.Deleted, dup.ID)
		}
		k.written = true
		matches = []domain.Record{survivor}
	}

	rec := matches[0]
	k.result.ID = rec.ID
	diff := e.diff(k.want, rec.Fields)
	if len(diff) == 0 {
		k.to(domain.KeyVerifying)
		return
	}

	if e.DryRun {
		k.result.Action = "update"
		k.result.Reason = "dry-run: would update " + strings.Join(diff, "; ")
		k.to(domain.KeyDivergent)
		return
	}

	k.to(domain.KeyUpdating)
	k.result.Action = joinAction(k.result.Action, "update")
	if err := e.write(ctx, limiter, func() error {
		_, err := e.Store.Update(ctx, rec.ID, k.want.Clone())
		return err
	}); err != nil {
		k.fail("update failed: " + err.Error())
	} else {
		out.Updated = append(out.Updated, k.result.Key)
	}
	k.written = true
	k.to(domain.KeyVerifying)
}

func (e *Engine) create(ctx context.Context, k *keyTrack, limiter *rate.Limiter, out *domain.ReconciliationOutcome) {
	k.result.Action = "create"
	if e.DryRun {
		k.result.Reason = "dry-run: would create"
		k.to(domain.KeyDivergent)
		return
	}

	k.to(domain.KeyCreating)
	var created domain.Record
	if err := e.write(ctx, limiter, func() error {
		var err error
		created, err = e.Store.Create(ctx, k.want.Clone())
		return err
	}); err != nil {
		k.fail("create failed: " + err.Error())
	} else {
		k.result.ID = created.ID
		out.Created = append(out.Created, k.result.Key)
	}
	k.written = true
	k.to(domain.KeyVerifying)
}

// prune deletes records whose key is not desired. Records without a key are
// left alone.
func (e *Engine) prune(ctx context.Context, desired domain.DesiredState, records []domain.Record, limiter *rate.Limiter, out *domain.ReconciliationOutcome) []*keyTrack {
	wanted := make(map[string]bool, len(desired))
	for key := range desired {
		wanted[e.norm(key)] = true
	}

	var tracks []*keyTrack
	for _, rec := range records {
		key := rec.Key(e.KeyField)
		if key == "" || wanted[e.norm(key)] {
			continue
		}
		k := &keyTrack{
			result:  domain.KeyResult{Key: key, ID: rec.ID, State: domain.KeyPresent, Action: "delete"},
			pruneID: rec.ID,
		}
		tracks = append(tracks, k)

		if e.DryRun {
			k.result.Reason = "dry-run: would delete"
			k.to(domain.KeyDivergent)
			continue
		}
		if err := e.write(ctx, limiter, func() error { return e.Store.Delete(ctx, rec.ID) }); err != nil {
			k.fail("delete failed: " + err.Error())
		} else {
			out.Deleted = append(out.Deleted, rec.ID)
		}
		k.written = true
		k.to(domain.KeyVerifying)
	}
	return tracks
}

// verify re-lists until every verifying key converges or attempts run out.
// It returns the number of listings made.
func (e *Engine) verify(ctx context.Context, tracks []*keyTrack) int {
	attempts := e.MaxVerifyAttempts
	if attempts <= 0 {
		attempts = DefaultMaxVerifyAttempts
	}

	made := 0
	for attempt := 1; attempt <= attempts && pending(tracks) > 0; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, e.VerifyDelay); err != nil {
				break
			}
		}
		made = attempt

		records, err := e.Store.List(ctx)
		if err != nil {
			log.WithField("attempt", attempt).WithError(err).Warn("Verification listing failed")
			for _, k := range tracks {
				if k.result.State == domain.KeyVerifying {
					k.diverge("verify: " + err.Error())
				}
			}
			continue
		}
		e.verifyAgainst(tracks, e.groupByKey(records), idSet(records))

		log.WithFields(log.Fields{
			"attempt": attempt,
			"pending": pending(tracks),
		}).Debug("Verification pass")
	}
	return made
}

// verifyAgainst converges every verifying key that records satisfy and
// refreshes the reason of the others.
func (e *Engine) verifyAgainst(tracks []*keyTrack, groups map[string][]domain.Record, present map[string]bool) {
	for _, k := range tracks {
		if k.result.State != domain.KeyVerifying {
			continue
		}
		if k.pruneID != "" {
			if present[k.pruneID] {
				k.diverge("record still present")
				continue
			}
			k.result.Reason = ""
			k.to(domain.KeyConverged)
			continue
		}

		reason, id := e.mismatch(k, groups[e.norm(k.result.Key)])
		if id != "" {
			k.result.ID = id
		}
		if reason != "" {
			k.diverge(reason)
			continue
		}
		k.result.Reason = ""
		k.to(domain.KeyConverged)
	}
}

// mismatch returns why matches do not satisfy k, or "" when they do.
func (e *Engine) mismatch(k *keyTrack, matches []domain.Record) (string, string) {
	switch len(matches) {
	case 0:
		return "record missing", ""
	case 1:
	default:
		return fmt.Sprintf("%d records share the key", len(matches)), ""
	}
	rec := matches[0]
	if diff := e.diff(k.want, rec.Fields); len(diff) > 0 {
		return strings.Join(diff, "; "), rec.ID
	}
	if rec.ErrorState != "" {
		return "record reports error: " + rec.ErrorState, rec.ID
	}
	return "", rec.ID
}

func (e *Engine) comparator() *Comparator {
	if e.Compare == nil {
		e.Compare = NewComparator(config.CompareConfig{})
	}
	return e.Compare
}

// diff compares everything but the key field, which grouping already
// matched.
func (e *Engine) diff(want, have domain.Fields) []string {
	cmp := want.Clone()
	delete(cmp, e.KeyField)
	return e.comparator().Diff(cmp, have)
}

func (e *Engine) write(ctx context.Context, limiter *rate.Limiter, fn func() error) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	return fn()
}

func (e *Engine) groupByKey(records []domain.Record) map[string][]domain.Record {
	groups := make(map[string][]domain.Record)
	for _, rec := range records {
		key := rec.Key(e.KeyField)
		if key == "" {
			continue
		}
		groups[e.norm(key)] = append(groups[e.norm(key)], rec)
	}
	return groups
}

// checkKeyCollisions rejects desired keys that normalize to the same key.
func (e *Engine) checkKeyCollisions(desired domain.DesiredState) error {
	seen := make(map[string]string, len(desired))
	for _, key := range desired.Keys() {
		n := e.norm(key)
		if prev, ok := seen[n]; ok {
			return domain.ConfigErrorf("reconcile: desired keys %q and %q name the same record", prev, key)
		}
		seen[n] = key
	}
	return nil
}

func (e *Engine) norm(key string) string {
	key = strings.TrimSpace(key)
	if e.KeyFold {
		return strings.ToLower(key)
	}
	return key
}

// withKey returns the desired fields with the key field set.
func (e *Engine) withKey(key string, fields domain.Fields) domain.Fields {
	want := fields.Clone()
	if _, ok := want[e.KeyField]; !ok {
		want[e.KeyField] = key
	}
	return want
}

// pickSurvivor keeps the most recently created record. Ties go to the one
// listed last.
func pickSurvivor(matches []domain.Record) (domain.Record, []domain.Record) {
	best := 0
	for i := 1; i < len(matches); i++ {
		if !matches[i].CreatedAt.Before(matches[best].CreatedAt) {
			best = i
		}
	}
	extras := make([]domain.Record, 0, len(matches)-1)
	for i, rec := range matches {
		if i != best {
			extras = append(extras, rec)
		}
	}
	return matches[best], extras
}

func anyWritten(tracks []*keyTrack) bool {
	for _, k := range tracks {
		if k.written {
			return true
		}
	}
	return false
}

func pending(tracks []*keyTrack) int {
	n := 0
	for _, k := range tracks {
		if k.result.State == domain.KeyVerifying {
			n++
		}
	}
	return n
}

func idSet(records []domain.Record) map[string]bool {
	set := make(map[string]bool, len(records))
	for _, rec := range records {
		set[rec.ID] = true
	}
	return set
}

func joinAction(a, b string) string {
	if a == "" {
		return b
	}
	return a + "+" + b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
