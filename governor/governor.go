// Package governor runs lifecycle passes: snapshot the inventory, classify
// every resource, reconcile against the state store, notify or delete, and
// persist the new phase.
package governor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/sunset/classifier"
	"github.com/yairfalse/sunset/notifier"
	"github.com/yairfalse/sunset/providers"
	"github.com/yairfalse/sunset/storage"
	"github.com/yairfalse/sunset/telemetry"
	"github.com/yairfalse/sunset/types"
	"github.com/yairfalse/sunset/wal"
)

// lastSeenRefresh bounds how often an unchanged record is rewritten
const lastSeenRefresh = 24 * time.Hour

// Deps are the collaborators of a governor. Journal, Metrics and Logger
// are optional.
type Deps struct {
	Inventory providers.Inventory
	Store     storage.Store
	Notifier  notifier.Notifier
	Executor  Executor
	Journal   Journal
	Metrics   *Metrics
	Logger    *telemetry.Logger
}

// Governor coordinates inventory → classify → reconcile → act → persist
type Governor struct {
	inventory providers.Inventory
	store     storage.Store
	notifier  notifier.Notifier
	executor  Executor
	journal   Journal
	metrics   *Metrics
	logger    *telemetry.Logger
	tracer    trace.Tracer

	rules classifier.Rules
	opts  Options
	now   func() time.Time

	passMu sync.Mutex
	lastMu sync.RWMutex
	last   *Summary
}

// New creates a governor
func New(deps Deps, rules classifier.Rules, opts Options) (*Governor, error) {
	switch {
	case deps.Inventory == nil:
		return nil, errors.New("governor: inventory is required")
	case deps.Store == nil:
		return nil, errors.New("governor: state store is required")
	case deps.Notifier == nil:
		return nil, errors.New("governor: notifier is required")
	case deps.Executor == nil:
		return nil, errors.New("governor: executor is required")
	}
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("governor: invalid rules: %w", err)
	}

	g := &Governor{
		inventory: deps.Inventory,
		store:     deps.Store,
		notifier:  deps.Notifier,
		executor:  deps.Executor,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		tracer:    otel.Tracer("sunset/governor"),
		rules:     rules,
		opts:      opts.withDefaults(),
		now:       time.Now,
	}
	if g.journal == nil {
		g.journal = discardJournal{}
	}
	if g.logger == nil {
		g.logger = telemetry.NewLogger("governor")
	}
	return g, nil
}

// WithClock replaces the wall clock, for tests and replays
func (g *Governor) WithClock(now func() time.Time) *Governor {
	g.now = now
	return g
}

// Options returns the effective options
func (g *Governor) Options() Options {
	return g.opts
}

// LastSummary returns a copy of the most recent pass summary, or nil
// before the first pass finished
func (g *Governor) LastSummary() *Summary {
	g.lastMu.RLock()
	defer g.lastMu.RUnlock()
	if g.last == nil {
		return nil
	}
	return cloneSummary(g.last)
}

// pass is the immutable context shared by every pipeline of one pass
type pass struct {
	id  string
	now time.Time
}

// step is one resource moving through the state machine
type step struct {
	pass    *pass
	res     types.Resource
	rec     *types.LifecycleRecord
	verdict types.Verdict
	dirty   bool
	out     *outcome
}

// event is the journal payload for per-resource entries
type event struct {
	PassID    string           `json:"pass_id"`
	Action    string           `json:"action,omitempty"`
	From      types.Phase      `json:"from,omitempty"`
	To        types.Phase      `json:"to,omitempty"`
	Verdict   string           `json:"verdict,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Recipient string           `json:"recipient,omitempty"`
	Attempts  int              `json:"attempts,omitempty"`
	Class     types.ErrorClass `json:"class,omitempty"`
}

// RunPass runs one full pass over the current inventory.
//
// Inventory and state store failures abort the pass; the partial summary
// is returned together with the error. Per-resource failures are isolated
// and listed in Summary.Errors.
func (g *Governor) RunPass(ctx context.Context) (*Summary, error) {
	if !g.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer g.passMu.Unlock()

	p := &pass{id: uuid.NewString(), now: g.now().UTC()}
	ctx, span := g.tracer.Start(ctx, "governor.pass", trace.WithAttributes(
		attribute.String("pass.id", p.id),
		attribute.Bool("pass.dry_run", g.opts.DryRun),
	))
	defer span.End()

	s := &Summary{
		PassID:           p.id,
		StartedAt:        p.now,
		DryRun:           g.opts.DryRun,
		TerminalFailures: []string{},
	}

	g.logger.WithContext(ctx).Info().
		Str("pass_id", p.id).
		Bool("dry_run", g.opts.DryRun).
		Int("workers", g.opts.Workers).
		Msg("starting governor pass")

	// The deadline covers the inventory snapshot as well as the pipelines
	passCtx, cancel := context.WithTimeout(ctx, g.opts.PassTimeout)
	defer cancel()

	// 1. Snapshot inventory
	resources, err := g.inventory.ListResources(passCtx, g.opts.Filter)
	if err != nil {
		if ctx.Err() == nil && passCtx.Err() != nil {
			s.TimedOut = true
		}
		s.abort(fmt.Sprintf("inventory failed: %v", err))
		g.finish(ctx, s, span)
		return s, fmt.Errorf("inventory failed: %w", err)
	}
	resources = g.dedupe(ctx, resources)
	s.ResourcesSeen = len(resources)

	// 2. Per-resource pipelines, bounded by the pass deadline
	results, perr := g.processAll(passCtx, p, resources)
	g.aggregate(s, results)
	if skipped := countSkipped(results); skipped > 0 {
		g.logger.WithContext(ctx).Warn().
			Str("pass_id", p.id).
			Int("skipped", skipped).
			Msg("resources not processed this pass")
	}

	switch {
	case perr != nil:
		s.abort(fmt.Sprintf("state store failed: %v", perr))
	case ctx.Err() != nil:
		s.abort("pass cancelled")
	case passCtx.Err() != nil:
		s.TimedOut = true
	}

	// 3. Records whose resources left the inventory
	if !s.Aborted && !s.TimedOut {
		if err := g.reconcileVanished(passCtx, p, resources, s); err != nil {
			perr = err
			s.abort(fmt.Sprintf("state store failed: %v", err))
		}
	}

	// 4. Retention
	if !s.Aborted && !g.opts.DryRun {
		g.prune(ctx, p, s)
	}

	g.finish(ctx, s, span)
	if perr != nil {
		return s, perr
	}
	if s.Aborted {
		return s, ctx.Err()
	}
	return s, nil
}

func (g *Governor) dedupe(ctx context.Context, resources []types.Resource) []types.Resource {
	seen := make(map[string]struct{}, len(resources))
	out := make([]types.Resource, 0, len(resources))
	for _, res := range resources {
		if res.ID == "" {
			g.logger.WithContext(ctx).Warn().Str("kind", string(res.Kind)).Msg("inventory returned resource without ID, skipping")
			continue
		}
		if _, dup := seen[res.ID]; dup {
			g.logger.WithContext(ctx).Warn().Str("resource_id", res.ID).Msg("duplicate resource in inventory, skipping")
			continue
		}
		seen[res.ID] = struct{}{}
		out = append(out, res)
	}
	return out
}

// processAll fans resources out to the worker pool. Once the deadline
// passes or a persistence error occurs, no new resource is started.
func (g *Governor) processAll(ctx context.Context, p *pass, resources []types.Resource) ([]outcome, error) {
	results := make([]outcome, len(resources))
	var (
		eg      errgroup.Group
		stopped atomic.Bool
	)
	eg.SetLimit(g.opts.Workers)

	for i := range resources {
		if ctx.Err() != nil || stopped.Load() {
			break
		}
		eg.Go(func() error {
			if ctx.Err() != nil || stopped.Load() {
				return nil
			}
			results[i] = g.processResource(ctx, p, resources[i])
			if err := results[i].persistErr; err != nil {
				stopped.Store(true)
				return err
			}
			return nil
		})
	}
	return results, eg.Wait()
}

func (g *Governor) processResource(ctx context.Context, p *pass, res types.Resource) outcome {
	ctx, span := g.tracer.Start(ctx, "governor.resource", trace.WithAttributes(
		attribute.String("resource.id", res.ID),
		attribute.String("resource.kind", string(res.Kind)),
	))
	defer span.End()

	out := outcome{id: res.ID, started: true}
	rec, isNew, err := g.load(ctx, p, res, &out)
	if err != nil {
		out.persistErr = err
		out.fail(res.ID, "", "load", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return out
	}

	st := &step{pass: p, res: res, rec: rec, dirty: isNew, out: &out}
	st.verdict = classifier.Classify(res, p.now, g.rules)
	out.verdict, out.classified = st.verdict.Kind, true
	g.metrics.RecordVerdict(ctx, res.Kind, st.verdict.Kind)

	if isNew {
		g.record(ctx, wal.EntryObserved, res.ID, event{
			PassID:  p.id,
			To:      rec.Phase,
			Verdict: st.verdict.String(),
			Reason:  st.verdict.Reason,
		}, nil)
	} else if p.now.Sub(rec.LastSeenAt) >= lastSeenRefresh {
		rec.LastSeenAt = p.now
		st.dirty = true
	}

	err = g.advance(ctx, st)
	if err == nil {
		err = g.save(ctx, st)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return out
	}

	out.phase, out.counted = rec.Phase, true
	span.SetAttributes(
		attribute.String("lifecycle.verdict", string(st.verdict.Kind)),
		attribute.String("lifecycle.phase", string(rec.Phase)),
	)
	return out
}

// load fetches the record for res or starts a new one. A deleted record
// whose ID shows up again belongs to a new resource.
func (g *Governor) load(ctx context.Context, p *pass, res types.Resource, out *outcome) (*types.LifecycleRecord, bool, error) {
	rec, err := g.store.Get(context.WithoutCancel(ctx), res.ID)
	switch {
	case storage.IsNotFound(err):
		fresh := types.NewRecord(res, p.now)
		return &fresh, true, nil
	case err != nil:
		g.logger.LogStorageError(ctx, "get", res.ID, err)
		return nil, false, persistence("get", err)
	}

	if rec.Phase == types.PhaseDeleted {
		g.logger.WithContext(ctx).Info().
			Str("resource_id", res.ID).
			Time("deleted_at", rec.DeletedAt).
			Msg("deleted resource reappeared, tracking as new")
		g.record(ctx, wal.EntryReset, res.ID, event{
			PassID: p.id,
			From:   types.PhaseDeleted,
			To:     types.PhaseUnseen,
			Reason: "reappeared after deletion",
		}, nil)
		out.reset = true
		fresh := types.NewRecord(res, p.now)
		return &fresh, true, nil
	}
	return rec, false, nil
}

// advance applies the transition policy for the record's current phase.
// It only returns persistence errors; everything else is recorded on the
// outcome.
func (g *Governor) advance(ctx context.Context, st *step) error {
	rec, v := st.rec, st.verdict

	switch rec.Phase {
	case types.PhaseUnseen:
		switch {
		case v.Kind == types.VerdictDeleteEligible && g.opts.ForceDelete:
			return g.schedule(ctx, st, true, "force delete: "+v.Reason)
		case v.Actionable():
			return g.warn(ctx, st)
		}

	case types.PhaseWarned:
		if v.Kind == types.VerdictKeep {
			g.withdraw(ctx, st)
			return nil
		}
		if v.Kind != types.VerdictDeleteEligible {
			return nil
		}
		graceElapsed := rec.GraceElapsed(st.pass.now, g.rules.GracePeriod)
		if graceElapsed || g.opts.ForceDelete {
			return g.schedule(ctx, st, !graceElapsed, v.Reason)
		}

	case types.PhaseDeletionPending:
		if v.Kind != types.VerdictDeleteEligible {
			g.deferDeletion(ctx, st)
			return nil
		}
		return g.delete(ctx, st)

	case types.PhaseDeletionFailed:
		if !rec.Retryable(g.opts.RetryBudget) {
			st.out.terminal = true
			return nil
		}
		if v.Kind != types.VerdictDeleteEligible {
			g.deferDeletion(ctx, st)
			return nil
		}
		if err := g.schedule(ctx, st, rec.ForceOverride, "retry after "+string(rec.LastErrorClass)); err != nil {
			return err
		}
		return g.delete(ctx, st)
	}
	return nil
}

// warn notifies the owner. Only a delivered notice moves the record to
// warned; a failed one leaves it unseen for the next pass.
func (g *Governor) warn(ctx context.Context, st *step) error {
	res, v := st.res, st.verdict
	recipient, fallback := classifier.Recipient(res, g.opts.FallbackOwner)

	deletionAfter := st.pass.now.Add(g.rules.GracePeriod)
	if v.EligibleAt.After(deletionAfter) {
		deletionAfter = v.EligibleAt
	}
	notice := notifier.Notice{
		PassID:          st.pass.id,
		ResourceID:      res.ID,
		Kind:            res.Kind,
		Name:            res.Name,
		Region:          res.Region,
		Recipient:       recipient,
		UsedFallback:    fallback,
		Trigger:         v.Trigger,
		Reason:          v.Reason,
		DaysUntilExpiry: v.DaysUntilExpiry,
		EligibleAt:      v.EligibleAt,
		DeletionAfter:   deletionAfter,
	}
	ev := event{
		PassID:    st.pass.id,
		Action:    "notify",
		From:      st.rec.Phase,
		To:        types.PhaseWarned,
		Verdict:   v.String(),
		Reason:    v.Reason,
		Recipient: recipient,
	}

	if g.opts.DryRun {
		st.rec.WarnedAt = st.pass.now
		st.rec.Recipient = recipient
		g.transition(ctx, st, types.PhaseWarned, v.Reason)
		g.record(ctx, wal.EntryDryRun, res.ID, ev, nil)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	err := notice.Validate()
	if err == nil {
		err = g.notifier.Notify(ctx, notice)
	}
	g.metrics.RecordNotification(ctx, err == nil)
	if err != nil {
		st.out.notifyFailed = true
		st.out.fail(res.ID, st.rec.Phase, "notify", err)
		g.logger.WithContext(ctx).Warn().
			Err(err).
			Str("resource_id", res.ID).
			Str("recipient", recipient).
			Msg("owner notification failed")
		g.record(ctx, wal.EntryNotifyFailed, res.ID, ev, err)
		return nil
	}

	st.out.notified = true
	st.rec.WarnedAt = st.pass.now
	st.rec.Recipient = recipient
	g.transition(ctx, st, types.PhaseWarned, v.Reason)
	if err := g.save(ctx, st); err != nil {
		return err
	}
	g.record(ctx, wal.EntryWarned, res.ID, ev, nil)
	return nil
}

// schedule durably records deletion intent
func (g *Governor) schedule(ctx context.Context, st *step, force bool, reason string) error {
	from := st.rec.Phase
	st.rec.ScheduledAt = st.pass.now
	st.rec.ForceOverride = force
	g.transition(ctx, st, types.PhaseDeletionPending, reason)

	ev := event{
		PassID:   st.pass.id,
		Action:   "schedule",
		From:     from,
		To:       types.PhaseDeletionPending,
		Verdict:  st.verdict.String(),
		Reason:   reason,
		Attempts: st.rec.Attempts,
	}
	if g.opts.DryRun {
		g.record(ctx, wal.EntryDryRun, st.res.ID, ev, nil)
		return nil
	}
	if err := g.save(ctx, st); err != nil {
		return err
	}
	g.record(ctx, wal.EntryScheduled, st.res.ID, ev, nil)
	return nil
}

// delete runs the executor against a record whose intent is already on
// disk. Nothing new starts once the pass deadline has passed.
func (g *Governor) delete(ctx context.Context, st *step) error {
	rec, res := st.rec, st.res
	ev := event{
		PassID:   st.pass.id,
		Action:   "delete",
		From:     rec.Phase,
		Verdict:  st.verdict.String(),
		Reason:   st.verdict.Reason,
		Attempts: rec.Attempts,
	}

	if g.opts.DryRun {
		ev.To = types.PhaseDeleted
		g.record(ctx, wal.EntryDryRun, res.ID, ev, nil)
		rec.DeletedAt = st.pass.now
		g.transition(ctx, st, types.PhaseDeleted, "dry run")
		return nil
	}
	if ctx.Err() != nil {
		g.logger.WithContext(ctx).Info().
			Str("resource_id", res.ID).
			Msg("pass deadline reached, deletion left pending")
		return nil
	}

	g.record(ctx, wal.EntryDeleting, res.ID, ev, nil)
	st.out.attempted = true
	result := g.executor.Delete(ctx, res, *rec, rec.BudgetRemaining(g.opts.RetryBudget))
	rec.Attempts += result.Attempts
	g.metrics.RecordDeletion(ctx, res.Kind, result.Deleted, result.Class)
	ev.Attempts = rec.Attempts

	if result.Deleted {
		rec.DeletedAt = st.pass.now
		rec.LastError, rec.LastErrorClass = "", ""
		reason := "deleted"
		if result.AlreadyGone {
			reason = "already gone"
		}
		g.transition(ctx, st, types.PhaseDeleted, reason)
		if err := g.save(ctx, st); err != nil {
			return err
		}
		ev.To = types.PhaseDeleted
		g.record(ctx, wal.EntryDeleted, res.ID, ev, nil)
		return nil
	}

	cause := result.Err
	if cause == nil {
		cause = types.Ambiguous("delete", errors.New("deletion not confirmed")).WithResource(res.ID)
	}
	class := result.Class
	if class == "" {
		class = types.ClassOf(cause)
	}
	rec.LastError = cause.Error()
	rec.LastErrorClass = class
	rec.Terminal = result.Terminal || rec.BudgetRemaining(g.opts.RetryBudget) == 0
	st.out.fail(res.ID, types.PhaseDeletionPending, "delete", cause)
	st.out.terminal = rec.Terminal
	g.transition(ctx, st, types.PhaseDeletionFailed, cause.Error())
	if err := g.save(ctx, st); err != nil {
		return err
	}
	ev.To, ev.Class = types.PhaseDeletionFailed, class
	g.record(ctx, wal.EntryFailed, res.ID, ev, cause)
	return nil
}

// deferDeletion leaves scheduled intent in place while the resource is no
// longer eligible
func (g *Governor) deferDeletion(ctx context.Context, st *step) {
	st.out.deferred = true
	g.logger.WithContext(ctx).Info().
		Str("resource_id", st.res.ID).
		Str("phase", string(st.rec.Phase)).
		Str("verdict", st.verdict.String()).
		Msg("deletion deferred, resource no longer eligible")
	g.record(ctx, wal.EntryDeferred, st.res.ID, event{
		PassID:  st.pass.id,
		From:    st.rec.Phase,
		Verdict: st.verdict.String(),
		Reason:  st.verdict.Reason,
	}, nil)
}

// withdraw drops a warning for a resource that no longer qualifies, such
// as one whose expiry date was pushed out. The record restarts at unseen so
// the owner is warned again before any later deletion.
func (g *Governor) withdraw(ctx context.Context, st *step) {
	prev := *st.rec
	fresh := types.NewRecord(st.res, st.pass.now)
	fresh.FirstSeenAt = prev.FirstSeenAt
	fresh.Revision = prev.Revision
	*st.rec = fresh
	st.dirty = true
	st.out.reset = true

	g.logger.WithContext(ctx).Info().
		Str("resource_id", st.res.ID).
		Time("warned_at", prev.WarnedAt).
		Str("verdict", st.verdict.String()).
		Msg("warning withdrawn, resource no longer eligible")

	entryType := wal.EntryReset
	if g.opts.DryRun {
		entryType = wal.EntryDryRun
	}
	g.record(ctx, entryType, st.res.ID, event{
		PassID:    st.pass.id,
		Action:    "withdraw",
		From:      types.PhaseWarned,
		To:        types.PhaseUnseen,
		Verdict:   st.verdict.String(),
		Reason:    "warning withdrawn",
		Recipient: prev.Recipient,
	}, nil)
}

func (g *Governor) transition(ctx context.Context, st *step, to types.Phase, reason string) {
	from := st.rec.Phase
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		g.logger.WithContext(ctx).Error().
			Str("resource_id", st.rec.ResourceID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("refusing illegal phase transition")
		return
	}
	st.rec.Phase = to
	st.dirty = true
	g.logger.LogTransition(ctx, st.rec.ResourceID, string(from), string(to), reason)
	if !g.opts.DryRun {
		g.metrics.RecordTransition(ctx, from, to)
	}
}

// save writes the record if it changed. Writes are detached from the pass
// deadline so an in-flight result is never lost.
func (g *Governor) save(ctx context.Context, st *step) error {
	if !st.dirty || g.opts.DryRun {
		return nil
	}
	st.rec.UpdatedAt = g.now().UTC()
	if err := g.store.Put(context.WithoutCancel(ctx), st.rec); err != nil {
		g.logger.LogStorageError(ctx, "put", st.rec.ResourceID, err)
		err = persistence("put", err)
		st.out.persistErr = err
		st.out.fail(st.rec.ResourceID, st.rec.Phase, "persist", err)
		return err
	}
	st.dirty = false
	return nil
}

// reconcileVanished handles tracked records missing from the snapshot.
// It only runs when the filter cannot hide a tracked resource.
func (g *Governor) reconcileVanished(ctx context.Context, p *pass, snapshot []types.Resource, s *Summary) error {
	f := g.opts.Filter
	if f.Region != "" || len(f.TagPresent) > 0 || len(f.TagAbsent) > 0 {
		return nil
	}

	present := make(map[string]struct{}, len(snapshot))
	for _, res := range snapshot {
		present[res.ID] = struct{}{}
	}

	records, err := g.store.List(context.WithoutCancel(ctx))
	if err != nil {
		g.logger.LogStorageError(ctx, "list", "", err)
		return persistence("list", err)
	}

	var gone []types.LifecycleRecord
	for _, rec := range records {
		if _, ok := present[rec.ResourceID]; ok || rec.Phase == types.PhaseDeleted {
			continue
		}
		if !f.WantsKind(rec.Kind) || (len(f.IDs) > 0 && !slices.Contains(f.IDs, rec.ResourceID)) {
			continue
		}
		gone = append(gone, rec)
	}
	if len(gone) == 0 {
		return nil
	}

	results := make([]outcome, len(gone))
	var eg errgroup.Group
	eg.SetLimit(g.opts.Workers)
	for i := range gone {
		eg.Go(func() error {
			results[i] = g.vanished(ctx, p, gone[i])
			return results[i].persistErr
		})
	}
	err = eg.Wait()
	g.aggregate(s, results)
	return err
}

// vanished resets records that never reached deletion intent and confirms
// the ones that did
func (g *Governor) vanished(ctx context.Context, p *pass, rec types.LifecycleRecord) outcome {
	ctx, span := g.tracer.Start(ctx, "governor.vanished", trace.WithAttributes(
		attribute.String("resource.id", rec.ResourceID),
		attribute.String("lifecycle.phase", string(rec.Phase)),
	))
	defer span.End()

	out := outcome{id: rec.ResourceID, started: true}
	ev := event{PassID: p.id, From: rec.Phase, Reason: "vanished from inventory"}

	switch rec.Phase {
	case types.PhaseUnseen, types.PhaseWarned:
		out.reset = true
		if g.opts.DryRun {
			ev.Action = "reset"
			g.record(ctx, wal.EntryDryRun, rec.ResourceID, ev, nil)
			return out
		}
		if err := g.store.Delete(context.WithoutCancel(ctx), rec.ResourceID); err != nil {
			g.logger.LogStorageError(ctx, "delete", rec.ResourceID, err)
			err = persistence("delete", err)
			out.reset = false
			out.persistErr = err
			out.fail(rec.ResourceID, rec.Phase, "reset", err)
			return out
		}
		g.logger.LogTransition(ctx, rec.ResourceID, string(rec.Phase), string(types.PhaseUnseen), ev.Reason)
		g.record(ctx, wal.EntryReset, rec.ResourceID, ev, nil)
		return out

	case types.PhaseDeletionPending, types.PhaseDeletionFailed:
		st := &step{
			pass: p,
			res:  types.Resource{ID: rec.ResourceID, Kind: rec.Kind},
			rec:  &rec,
			out:  &out,
		}
		if g.opts.DryRun {
			ev.Action = "confirm"
			g.record(ctx, wal.EntryDryRun, rec.ResourceID, ev, nil)
		} else {
			result := g.executor.Confirm(ctx, st.res)
			if result.Deleted {
				rec.DeletedAt = p.now
				g.transition(ctx, st, types.PhaseDeleted, "confirmed absent")
				if err := g.save(ctx, st); err != nil {
					return out
				}
				ev.To = types.PhaseDeleted
				g.record(ctx, wal.EntryDeleted, rec.ResourceID, ev, nil)
			} else if result.Err != nil {
				out.fail(rec.ResourceID, rec.Phase, "confirm", result.Err)
			}
		}
		out.terminal = rec.Phase == types.PhaseDeletionFailed && !rec.Retryable(g.opts.RetryBudget)
		out.phase, out.counted = rec.Phase, true
	}
	return out
}

func (g *Governor) prune(ctx context.Context, p *pass, s *Summary) {
	cutoff := p.now.Add(-g.opts.Retention)
	n, err := g.store.Prune(context.WithoutCancel(ctx), cutoff)
	if err != nil {
		g.logger.LogStorageError(ctx, "prune", "", err)
		err = persistence("prune", err)
		s.Errors = append(s.Errors, ResourceError{
			Op:      "prune",
			Class:   types.ClassOf(err),
			Message: err.Error(),
		})
		return
	}
	s.Pruned = n
	if n > 0 {
		g.logger.WithContext(ctx).Info().
			Int("pruned", n).
			Time("cutoff", cutoff).
			Msg("pruned deleted records")
	}
}

func (g *Governor) aggregate(s *Summary, results []outcome) {
	for i := range results {
		o := &results[i]
		if !o.started {
			continue
		}
		if o.classified {
			s.Verdicts.add(o.verdict)
		}
		if o.counted {
			s.Phases.add(o.phase)
		}
		if o.notified {
			s.Notified++
		}
		if o.notifyFailed {
			s.NotifyFailures++
		}
		if o.attempted {
			s.DeletionsAttempted++
		}
		if o.deferred {
			s.Deferred++
		}
		if o.reset {
			s.Reset++
		}
		if o.terminal {
			s.TerminalFailures = append(s.TerminalFailures, o.id)
		}
		s.Errors = append(s.Errors, o.errs...)
	}
}

func (g *Governor) finish(ctx context.Context, s *Summary, span trace.Span) {
	s.FinishedAt = g.now().UTC()
	s.sortLists()
	g.metrics.RecordPass(ctx, s)

	span.SetAttributes(
		attribute.Int("pass.resources", s.ResourcesSeen),
		attribute.Int("pass.deletions_attempted", s.DeletionsAttempted),
		attribute.Int("pass.terminal_failures", len(s.TerminalFailures)),
	)
	if s.Aborted {
		span.SetStatus(codes.Error, s.AbortReason)
	}

	g.logger.LogPassComplete(ctx, s.PassID, s.ResourcesSeen, s.Duration(), s.Aborted)
	g.logger.WithContext(ctx).Debug().
		Str("pass_id", s.PassID).
		Int("notified", s.Notified).
		Int("notify_failures", s.NotifyFailures).
		Int("deletions_attempted", s.DeletionsAttempted).
		Int("deferred", s.Deferred).
		Int("reset", s.Reset).
		Int("pruned", s.Pruned).
		Strs("terminal_failures", s.TerminalFailures).
		Bool("timed_out", s.TimedOut).
		Msg("pass summary")
	g.record(ctx, wal.EntryPass, "", s, nil)

	g.lastMu.Lock()
	g.last = cloneSummary(s)
	g.lastMu.Unlock()
}

// record appends to the journal. Journal failures are logged, never fatal.
func (g *Governor) record(ctx context.Context, entryType wal.EntryType, resourceID string, data any, cause error) {
	var err error
	if cause != nil {
		err = g.journal.AppendError(entryType, resourceID, data, cause)
	} else {
		err = g.journal.Append(entryType, resourceID, data)
	}
	if err != nil {
		g.logger.WithContext(ctx).Warn().
			Err(err).
			Str("entry_type", string(entryType)).
			Str("resource_id", resourceID).
			Msg("failed to append journal entry")
	}
}

func countSkipped(results []outcome) int {
	n := 0
	for i := range results {
		if !results[i].started {
			n++
		}
	}
	return n
}

func cloneSummary(s *Summary) *Summary {
	c := *s
	c.TerminalFailures = slices.Clone(s.TerminalFailures)
	c.Errors = slices.Clone(s.Errors)
	return &c
}

func persistence(op string, err error) error {
	if types.IsPersistence(err) {
		return err
	}
	return types.Persistence(op, err)
}

type discardJournal struct{}

func (discardJournal) Append(wal.EntryType, string, any) error { return nil }

func (discardJournal) AppendError(wal.EntryType, string, any, error) error { return nil }
