// Package orchestrator drives deposits and withdrawals through the pool as
// explicit state machines and owns the PendingSpend state of the note store.
//
// Overview:
//
// Every operation moves through
//
//	Building -> InputsAssembled -> ProofRequested -> ProofReceived -> Submitted -> Confirmed
//
// or ends in Failed. A failed prover attempt steps back from ProofRequested
// to Building and is retried with the very same proof inputs; selection is
// never redone inside one operation.
//
// Each state change is written to the store's operation journal before the
// next step starts, so Recover can roll back an operation interrupted before
// its proof existed and resume one that already holds a signed transaction.
// Once an operation is Submitted it can only end by ledger reconciliation:
// its notes stay locked until Resolve, Retry or Release settles it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/HamzaZF/shieldpool/internal/assembler"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/metrics"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

const tracerName = "github.com/HamzaZF/shieldpool/internal/orchestrator"

// Prover turns assembled inputs into a proof. It must be safe to call again
// with identical inputs.
type Prover interface {
	Prove(ctx context.Context, in *assembler.ProofInputs) ([]byte, error)
}

// Ledger is the submission and query surface of the pool.
type Ledger interface {
	Submit(ctx context.Context, tx *ledger.SignedTx) (ledger.TxID, error)
	GetStatus(ctx context.Context, id ledger.TxID) (*ledger.Receipt, error)
	QueryNullifier(ctx context.Context, nf note.Nullifier) (bool, error)
	StreamPoolEvents(ctx context.Context, from uint64) ([]ledger.PoolEvent, error)
}

var (
	// ErrProver is returned once every prover attempt with the operation's
	// inputs has failed.
	ErrProver = errors.New("prover error")
	// ErrSubmissionTimeout means the ledger outcome is unknown. The inputs
	// stay PendingSpend until Resolve, Retry or Release.
	ErrSubmissionTimeout = errors.New("submission timeout")
	ErrLedgerRejected    = errors.New("ledger rejected transaction")
	ErrCancelled         = errors.New("operation cancelled")
	ErrUnknownOp         = errors.New("unknown operation")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotCancellable    = errors.New("operation can no longer be cancelled")
	ErrOpBusy            = errors.New("operation is still running")
	ErrNotResolvable     = errors.New("operation has nothing to resolve")
	ErrDepositTooSmall   = errors.New("deposit does not cover fee")
)

// State is the position of an operation in its state machine.
type State string

const (
	StateBuilding        State = "building"
	StateInputsAssembled State = "inputs_assembled"
	StateProofRequested  State = "proof_requested"
	StateProofReceived   State = "proof_received"
	StateSubmitted       State = "submitted"
	StateConfirmed       State = "confirmed"
	StateFailed          State = "failed"
)

var transitions = map[State][]State{
	StateBuilding:        {StateInputsAssembled, StateFailed},
	StateInputsAssembled: {StateProofRequested, StateFailed},
	StateProofRequested:  {StateProofReceived, StateBuilding, StateFailed},
	StateProofReceived:   {StateSubmitted, StateFailed},
	StateSubmitted:       {StateConfirmed, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the operation.
func (s State) Terminal() bool { return s == StateConfirmed || s == StateFailed }

// beforeSubmit reports whether an operation in s may still be cancelled.
func (s State) beforeSubmit() bool {
	switch s {
	case StateBuilding, StateInputsAssembled, StateProofRequested, StateProofReceived:
		return true
	}
	return false
}

// Kind is the operation type.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
)

// Op is the journaled record of one operation.
type Op struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	State     State          `json:"state"`
	Token     token.ID       `json:"token"`
	Amount    uint64         `json:"amount"`
	Fee       uint64         `json:"fee"`
	Change    uint64         `json:"change"`
	Recipient common.Address `json:"recipient"`
	// Inputs and Nullifiers cover the real inputs only, in slot order.
	Inputs     []note.Commitment `json:"inputs,omitempty"`
	Nullifiers []note.Nullifier  `json:"nullifiers,omitempty"`
	// ProofInputs is journaled without the private witness.
	ProofInputs    *assembler.ProofInputs `json:"proof_inputs,omitempty"`
	Tx             *ledger.SignedTx       `json:"tx,omitempty"`
	TxID           *ledger.TxID           `json:"tx_id,omitempty"`
	ProverAttempts int                    `json:"prover_attempts"`
	Reason         string                 `json:"reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	SubmittedAt    time.Time              `json:"submitted_at,omitempty"`
}

func (op *Op) clone() *Op {
	c := *op
	c.Inputs = append([]note.Commitment(nil), op.Inputs...)
	c.Nullifiers = append([]note.Nullifier(nil), op.Nullifiers...)
	return &c
}

// OpError is returned by every operation that does not end Confirmed. Locked
// lists the notes still PendingSpend for the operation; they must be
// reconciled before they can be selected again.
type OpError struct {
	OpID   string
	State  State
	Locked []note.Commitment
	Err    error
}

func (e *OpError) Error() string {
	if len(e.Locked) == 0 {
		return fmt.Sprintf("operation %s (%s): %v", e.OpID, e.State, e.Err)
	}
	return fmt.Sprintf("operation %s (%s): %v; %d notes remain pending spend", e.OpID, e.State, e.Err, len(e.Locked))
}

func (e *OpError) Unwrap() error { return e.Err }

// Config tunes retries and timeouts.
type Config struct {
	// ProverRetries is how many times a failed proof is retried with the
	// same inputs.
	ProverRetries int
	ProverBackoff time.Duration
	PollInterval  time.Duration
	// MaxWait bounds submission plus confirmation polling.
	MaxWait time.Duration
	// LockTimeout is the age after which ReapStaleLocks settles a
	// PendingSpend lock. Zero disables reaping.
	LockTimeout time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ProverRetries: 2,
		ProverBackoff: 500 * time.Millisecond,
		PollInterval:  200 * time.Millisecond,
		MaxWait:       2 * time.Minute,
		LockTimeout:   15 * time.Minute,
	}
}

// entry is the in-memory side of an operation.
type entry struct {
	op *Op
	// inputs carry the private witness and exist only in the process that
	// assembled them.
	inputs    *assembler.ProofInputs
	running   bool
	cancelled bool
	cancel    context.CancelFunc
	span      trace.Span
}

// Orchestrator runs operations for one wallet.
type Orchestrator struct {
	mu  sync.Mutex
	ops map[string]*entry

	keys    note.KeyProvider
	store   *store.Store
	tree    *merkle.Tree
	prover  Prover
	ledger  Ledger
	cfg     Config
	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator. tree must be the tree the wallet's scanner
// keeps in sync with the ledger.
func New(keys note.KeyProvider, st *store.Store, tree *merkle.Tree, prover Prover, l Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ops:    make(map[string]*entry),
		keys:   keys,
		store:  st,
		tree:   tree,
		prover: prover,
		ledger: l,
		cfg:    DefaultConfig(),
		tracer: otel.Tracer(tracerName),
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Get returns a snapshot of one operation.
func (o *Orchestrator) Get(id string) (*Op, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, id)
	}
	return e.op.clone(), nil
}

// Ops returns snapshots of every known operation, oldest first.
func (o *Orchestrator) Ops() []*Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Op, 0, len(o.ops))
	for _, e := range o.ops {
		out = append(out, e.op.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// begin registers a new running operation in Building and journals it.
func (o *Orchestrator) begin(ctx context.Context, kind Kind, tok token.ID, amount, fee uint64, recipient common.Address) (*entry, context.Context, error) {
	now := o.now()
	op := &Op{
		ID:        uuid.NewString(),
		Kind:      kind,
		State:     StateBuilding,
		Token:     tok,
		Amount:    amount,
		Fee:       fee,
		Recipient: recipient,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "orchestrator."+string(kind), trace.WithAttributes(
		attribute.String("op.id", op.ID),
		attribute.String("token", tok.String()),
		attribute.Int64("amount", int64(amount)),
	))
	e := &entry{op: op, running: true, cancel: cancel, span: span}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.store.PutOp(op.ID, op); err != nil {
		cancel()
		span.End()
		return nil, nil, fmt.Errorf("journal operation: %w", err)
	}
	o.ops[op.ID] = e
	o.metrics.RecordOpStarted(string(kind))
	o.log.Info().Str("op", op.ID).Str("kind", string(kind)).Stringer("token", tok).Uint64("amount", amount).Uint64("fee", fee).Msg("operation started")
	return e, ctx, nil
}

// end marks the operation as no longer driven by a caller.
func (o *Orchestrator) end(e *entry) {
	o.mu.Lock()
	e.running = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	span := e.span
	e.span = nil
	o.mu.Unlock()
	if span != nil {
		span.End()
	}
}

// advance moves e to state to and journals it. Terminal operations leave
// the journal. Callers hold o.mu.
func (o *Orchestrator) advance(e *entry, to State) error {
	from := e.op.State
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	e.op.State = to
	e.op.UpdatedAt = o.now()

	var err error
	if to.Terminal() {
		err = o.store.DeleteOp(e.op.ID)
	} else {
		err = o.store.PutOp(e.op.ID, e.op)
	}
	if err != nil {
		e.op.State = from
		return fmt.Errorf("journal operation: %w", err)
	}
	if e.span != nil {
		e.span.AddEvent("state", trace.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
	}
	o.log.Debug().Str("op", e.op.ID).Str("from", string(from)).Str("to", string(to)).Msg("state transition")
	return nil
}

// step runs advance under the lock.
func (o *Orchestrator) step(e *entry, to State, update func(op *Op)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if update != nil {
		update(e.op)
	}
	return o.advance(e, to)
}

func (o *Orchestrator) snapshot(e *entry) *Op {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.op.clone()
}

func (o *Orchestrator) opError(e *entry, err error) *OpError {
	o.mu.Lock()
	id, state := e.op.ID, e.op.State
	if e.span != nil {
		e.span.RecordError(err)
		e.span.SetStatus(codes.Error, err.Error())
	}
	o.mu.Unlock()
	return &OpError{OpID: id, State: state, Locked: o.store.Locked(id), Err: err}
}

// abort releases the operation's locks and fails it. It is the exit for
// every error before submission.
func (o *Orchestrator) abort(e *entry, cause error) (*Op, error) {
	released, err := o.store.Release(e.op.ID)
	if err != nil {
		o.log.Error().Err(err).Str("op", e.op.ID).Msg("release failed")
	}
	o.metrics.RecordLocksReleased("abort", len(released))

	o.mu.Lock()
	e.op.Reason = cause.Error()
	if !e.op.State.Terminal() {
		if err := o.advance(e, StateFailed); err != nil {
			o.log.Error().Err(err).Str("op", e.op.ID).Msg("fail transition")
		}
	}
	kind := e.op.Kind
	o.mu.Unlock()

	o.metrics.RecordOpFinished(string(kind), outcome(cause))
	o.log.Warn().Err(cause).Str("op", e.op.ID).Int("released", len(released)).Msg("operation failed")
	return o.snapshot(e), o.opError(e, cause)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrProver):
		return "prover_error"
	case errors.Is(err, ErrLedgerRejected):
		return "rejected"
	case errors.Is(err, assembler.ErrDoubleSpendDetected):
		return "double_spend"
	default:
		return "failed"
	}
}
