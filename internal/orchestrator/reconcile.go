package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/HamzaZF/shieldpool/internal/assembler"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
)

var (
	// ErrDoubleSpendDetected is reported when an operation's inputs were
	// spent by a transaction other than its own.
	ErrDoubleSpendDetected = assembler.ErrDoubleSpendDetected
	// ErrInterrupted marks operations rolled back by Recover because the
	// process stopped before their proof existed.
	ErrInterrupted = errors.New("interrupted before proof")

	errReleased = errors.New("locks released by caller")
)

// acquire claims a non-running operation for a reconciliation call.
func (o *Orchestrator) acquire(ctx context.Context, id, name string) (*entry, context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.ops[id]
	if !ok {
		return nil, ctx, fmt.Errorf("%w: %s", ErrUnknownOp, id)
	}
	if e.running {
		return nil, ctx, fmt.Errorf("%w: %s", ErrOpBusy, id)
	}
	e.running = true
	ctx, e.span = o.tracer.Start(ctx, "orchestrator."+name, trace.WithAttributes(
		attribute.String("op.id", id),
		attribute.String("op.state", string(e.op.State)),
	))
	return e, ctx, nil
}

func (o *Orchestrator) state(e *entry) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.op.State
}

// Cancel stops an operation that has not been submitted and returns its
// notes to Confirmed. A running operation is interrupted and its caller
// receives ErrCancelled.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	e, ok := o.ops[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOp, id)
	}
	if !e.op.State.beforeSubmit() {
		state := e.op.State
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, id, state)
	}
	if e.running {
		e.cancelled = true
		if e.cancel != nil {
			e.cancel()
		}
		o.mu.Unlock()
		o.log.Info().Str("op", id).Msg("cancellation requested")
		return nil
	}
	e.running = true
	o.mu.Unlock()
	defer o.end(e)

	o.abort(e, ErrCancelled)
	return nil
}

// Resolve checks the ledger for a submitted operation. If its nullifiers
// are on chain it is Confirmed; if the ledger failed it the notes are
// reconciled; otherwise it stays Submitted with its notes locked.
func (o *Orchestrator) Resolve(ctx context.Context, id string) (*Op, error) {
	e, ctx, err := o.acquire(ctx, id, "resolve")
	if err != nil {
		return nil, err
	}
	defer o.end(e)

	if s := o.state(e); s != StateSubmitted && s != StateProofReceived {
		return o.snapshot(e), fmt.Errorf("%w: %s is %s", ErrNotResolvable, id, s)
	}
	op, v, err := o.reconcile(ctx, e)
	if v == settled || err != nil {
		return op, err
	}
	o.log.Info().Str("op", id).Stringer("ledger", v).Msg("operation still unresolved, notes stay pending")
	return o.snapshot(e), nil
}

// Retry resubmits the operation's signed transaction, after checking that
// its nullifiers are not already on chain, and polls for the outcome.
func (o *Orchestrator) Retry(ctx context.Context, id string) (*Op, error) {
	e, ctx, err := o.acquire(ctx, id, "retry")
	if err != nil {
		return nil, err
	}
	defer o.end(e)

	if s := o.state(e); s != StateSubmitted && s != StateProofReceived {
		return o.snapshot(e), fmt.Errorf("%w: %s is %s", ErrNotResolvable, id, s)
	}
	op, v, err := o.reconcile(ctx, e)
	if v == settled || err != nil {
		return op, err
	}
	return o.submitAndAwait(ctx, e)
}

// Release gives up on an operation and returns its notes to Confirmed. The
// ledger is checked first so notes whose spend landed are marked Spent
// instead.
func (o *Orchestrator) Release(ctx context.Context, id string) (*Op, error) {
	e, ctx, err := o.acquire(ctx, id, "release")
	if err != nil {
		return nil, err
	}
	defer o.end(e)
	return o.release(ctx, e)
}

func (o *Orchestrator) release(ctx context.Context, e *entry) (*Op, error) {
	s := o.state(e)
	if s.Terminal() {
		return o.snapshot(e), fmt.Errorf("%w: %s is %s", ErrNotResolvable, e.op.ID, s)
	}
	if s == StateSubmitted || s == StateProofReceived {
		op, v, err := o.reconcile(ctx, e)
		if v == settled || err != nil {
			return op, err
		}
	}
	op, _ := o.abort(e, errReleased)
	return op, nil
}

// verdict is what the ledger says about an operation's transaction.
type verdict int

const (
	// unseen: no transaction was signed or the ledger does not know it.
	unseen verdict = iota
	// inFlight: the ledger holds the transaction undecided.
	inFlight
	// settled: the operation reached Confirmed or Failed.
	settled
)

func (v verdict) String() string {
	switch v {
	case inFlight:
		return "pending"
	case settled:
		return "settled"
	default:
		return "unseen"
	}
}

// reconcile settles e from ledger state when the ledger has decided. An
// open outcome is reported as inFlight or unseen.
func (o *Orchestrator) reconcile(ctx context.Context, e *entry) (*Op, verdict, error) {
	onChain, offChain, err := o.checkNullifiers(ctx, e)
	if err != nil {
		return o.snapshot(e), unseen, o.opError(e, err)
	}

	o.mu.Lock()
	state := e.op.State
	var id *ledger.TxID
	switch {
	case e.op.TxID != nil:
		txid := *e.op.TxID
		id = &txid
	case e.op.Tx != nil:
		// signed but the submission was never recorded
		if txid, err := e.op.Tx.ID(); err == nil {
			id = &txid
		}
	}
	o.mu.Unlock()

	switch {
	case len(onChain) > 0 && len(offChain) == 0 && state == StateSubmitted:
		op, err := o.confirm(e)
		return op, settled, err
	case len(onChain) > 0:
		cause := fmt.Errorf("%w: %d of %d inputs spent by another transaction",
			ErrDoubleSpendDetected, len(onChain), len(onChain)+len(offChain))
		op, err := o.settleConflict(e, onChain, offChain, cause)
		return op, settled, err
	}

	if id == nil {
		return o.snapshot(e), unseen, nil
	}
	r, err := o.ledger.GetStatus(ctx, *id)
	switch {
	case errors.Is(err, ledger.ErrUnknownTx):
		return o.snapshot(e), unseen, nil
	case err != nil:
		return o.snapshot(e), unseen, o.opError(e, err)
	}
	switch r.Status {
	case ledger.StatusConfirmed:
		op, err := o.confirm(e)
		return op, settled, err
	case ledger.StatusFailed:
		op, err := o.settleConflict(e, nil, offChain, fmt.Errorf("%w: %s", ErrLedgerRejected, r.Reason))
		return op, settled, err
	}
	return o.snapshot(e), inFlight, nil
}

// ReapStaleLocks settles every operation holding a PendingSpend lock older
// than the configured LockTimeout. Submitted operations are reconciled with
// the ledger; one whose transaction the ledger still holds as pending keeps
// its locks. Operations the ledger never saw are released, as are locks held
// by unknown operations. It returns the ids of the operations it settled.
func (o *Orchestrator) ReapStaleLocks(ctx context.Context) ([]string, error) {
	if o.cfg.LockTimeout <= 0 {
		return nil, nil
	}
	var owners []string
	seen := make(map[string]bool)
	for _, rec := range o.store.StaleLocks(o.cfg.LockTimeout) {
		if !seen[rec.LockedBy] {
			seen[rec.LockedBy] = true
			owners = append(owners, rec.LockedBy)
		}
	}

	var reaped []string
	var errs []error
	for _, id := range owners {
		o.mu.Lock()
		e, known := o.ops[id]
		busy := known && e.running
		o.mu.Unlock()
		switch {
		case busy:
			continue
		case !known:
			released, err := o.store.Release(id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			o.metrics.RecordLocksReleased("orphan", len(released))
			o.log.Warn().Str("op", id).Int("released", len(released)).Msg("released orphaned locks")
		default:
			done, err := o.reap(ctx, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !done {
				continue
			}
		}
		reaped = append(reaped, id)
	}
	return reaped, errors.Join(errs...)
}

// reap releases a stale operation unless its spend is still in flight.
func (o *Orchestrator) reap(ctx context.Context, id string) (bool, error) {
	e, ctx, err := o.acquire(ctx, id, "reap")
	if err != nil {
		return false, err
	}
	defer o.end(e)

	s := o.state(e)
	if s.Terminal() {
		return false, nil
	}
	if s == StateSubmitted || s == StateProofReceived {
		_, v, err := o.reconcile(ctx, e)
		switch {
		case err != nil:
			if errors.As(err, new(*OpError)) && o.state(e).Terminal() {
				// settled with a failure, the notes are reconciled
				return true, nil
			}
			return false, err
		case v == settled:
			return true, nil
		case v == inFlight:
			o.log.Info().Str("op", id).Msg("stale lock kept, transaction still pending on the ledger")
			return false, nil
		}
	}
	o.abort(e, fmt.Errorf("%w: lock older than %s", errReleased, o.cfg.LockTimeout))
	return true, nil
}

// Recover loads the operation journal after a restart and settles every idle
// non-terminal operation. Operations stopped before their proof existed are
// rolled back; those holding a signed transaction are reconciled with the
// ledger and, if still open, submitted again and awaited. Locks without a
// journaled operation are released.
func (o *Orchestrator) Recover(ctx context.Context) ([]*Op, error) {
	var errs []error
	if _, err := o.load(); err != nil {
		errs = append(errs, err)
	}
	// journaled operations registered earlier by Load are idle too
	o.mu.Lock()
	var recovered []*entry
	for _, e := range o.ops {
		if !e.running && !e.op.State.Terminal() {
			recovered = append(recovered, e)
		}
	}
	o.mu.Unlock()
	sort.Slice(recovered, func(i, j int) bool {
		return recovered[i].op.CreatedAt.Before(recovered[j].op.CreatedAt)
	})

	out := make([]*Op, 0, len(recovered))
	for _, e := range recovered {
		op, err := o.recoverOne(ctx, e)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, op)
	}

	if err := o.releaseOrphans(); err != nil {
		errs = append(errs, err)
	}
	o.log.Info().Int("operations", len(out)).Msg("journal recovered")
	return out, errors.Join(errs...)
}

// Load registers journaled operations without acting on them, so a new
// process can inspect, cancel, resolve, retry or release them one by one.
func (o *Orchestrator) Load() ([]*Op, error) {
	loaded, err := o.load()
	out := make([]*Op, 0, len(loaded))
	for _, e := range loaded {
		out = append(out, o.snapshot(e))
	}
	return out, err
}

// load decodes journal entries not yet known, oldest first.
func (o *Orchestrator) load() ([]*entry, error) {
	var errs []error
	var loaded []*entry

	o.mu.Lock()
	for id, raw := range o.store.Ops() {
		if _, ok := o.ops[id]; ok {
			continue
		}
		var op Op
		if err := json.Unmarshal(raw, &op); err != nil {
			errs = append(errs, fmt.Errorf("decode journaled operation %s: %w", id, err))
			continue
		}
		e := &entry{op: &op}
		o.ops[id] = e
		loaded = append(loaded, e)
	}
	o.mu.Unlock()
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].op.CreatedAt.Before(loaded[j].op.CreatedAt)
	})
	return loaded, errors.Join(errs...)
}

func (o *Orchestrator) recoverOne(ctx context.Context, e *entry) (*Op, error) {
	e, ctx, err := o.acquire(ctx, e.op.ID, "recover")
	if err != nil {
		return nil, err
	}
	defer o.end(e)

	switch s := o.state(e); s {
	case StateBuilding, StateInputsAssembled, StateProofRequested:
		op, _ := o.abort(e, fmt.Errorf("%w: stopped in %s", ErrInterrupted, s))
		return op, nil
	case StateProofReceived, StateSubmitted:
		op, v, err := o.reconcile(ctx, e)
		if v == settled || err != nil {
			if errors.As(err, new(*OpError)) && op != nil && op.State.Terminal() {
				// settled with a failure, the notes are reconciled
				return op, nil
			}
			return op, err
		}
		return o.submitAndAwait(ctx, e)
	default:
		return o.snapshot(e), nil
	}
}

// releaseOrphans frees locks whose operation is not known.
func (o *Orchestrator) releaseOrphans() error {
	locked := o.store.List(func(r *store.Record) bool { return r.State == note.PendingSpend })
	o.mu.Lock()
	orphans := make(map[string]bool)
	for _, rec := range locked {
		if _, ok := o.ops[rec.LockedBy]; !ok {
			orphans[rec.LockedBy] = true
		}
	}
	o.mu.Unlock()

	var errs []error
	for id := range orphans {
		released, err := o.store.Release(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		o.metrics.RecordLocksReleased("orphan", len(released))
		o.log.Warn().Str("op", id).Int("released", len(released)).Msg("released orphaned locks")
	}
	return errors.Join(errs...)
}
