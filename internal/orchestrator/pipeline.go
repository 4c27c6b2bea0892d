package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/HamzaZF/shieldpool/internal/assembler"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/selector"
	"github.com/HamzaZF/shieldpool/internal/token"
)

var errPending = errors.New("transaction pending")

// Deposit moves amount of tok from the wallet account's public balance into
// a new shielded note. The deposit fee is taken from amount. Up to
// NumInputs confirmed notes of tok are spent into the same output, so
// repeated deposits keep the note count down.
func (o *Orchestrator) Deposit(ctx context.Context, tok token.ID, amount uint64) (*Op, error) {
	fee, err := tok.DepositFee(amount)
	if err != nil {
		return nil, err
	}
	if fee >= amount {
		return nil, fmt.Errorf("%w: amount %d, fee %d", ErrDepositTooSmall, amount, fee)
	}
	if amount-fee > note.MaxAmount {
		return nil, fmt.Errorf("%w: deposit %d", note.ErrAmountOverflow, amount-fee)
	}

	e, ctx, err := o.begin(ctx, KindDeposit, tok, amount, fee, o.keys.Account())
	if err != nil {
		return nil, err
	}
	defer o.end(e)

	plan, err := selector.MergeAndLock(o.store, e.op.ID, tok, amount-fee, ledger.NumInputs)
	if err != nil {
		return o.abort(e, err)
	}
	out, err := note.New(amount-fee+plan.Total, tok, o.keys.OwnerPubkey())
	if err != nil {
		return o.abort(e, err)
	}
	return o.run(ctx, e, plan.Commitments(), &assembler.Request{
		Keys:    o.keys,
		Tree:    o.tree,
		Token:   tok,
		Inputs:  plan.Inputs,
		Outputs: []assembler.Output{{Note: out, To: o.keys.Address()}},
		Deposit: amount,
		Fee:     fee,
	})
}

// Withdraw sends amount of tok to recipient's public balance, paying the
// token's withdrawal fee from the spent notes. A zero recipient means the
// wallet's own account.
func (o *Orchestrator) Withdraw(ctx context.Context, tok token.ID, amount uint64, recipient common.Address) (*Op, error) {
	if err := tok.CheckWithdrawal(amount); err != nil {
		return nil, err
	}
	fee, err := tok.WithdrawFee(amount)
	if err != nil {
		return nil, err
	}
	if recipient == (common.Address{}) {
		recipient = o.keys.Account()
	}

	e, ctx, err := o.begin(ctx, KindWithdraw, tok, amount, fee, recipient)
	if err != nil {
		return nil, err
	}
	defer o.end(e)

	// Building: selection and PendingSpend marking are one store step
	plan, err := selector.SelectAndLock(o.store, e.op.ID, tok, amount, fee, ledger.NumInputs)
	if err != nil {
		return o.abort(e, err)
	}
	req := &assembler.Request{
		Keys:      o.keys,
		Tree:      o.tree,
		Token:     tok,
		Inputs:    plan.Inputs,
		Withdraw:  amount,
		Fee:       fee,
		Recipient: recipient,
	}
	if plan.HasChange() {
		change, err := note.New(plan.Change, tok, o.keys.OwnerPubkey())
		if err != nil {
			return o.abort(e, err)
		}
		req.Outputs = []assembler.Output{{Note: change, To: o.keys.Address()}}
	}
	o.mu.Lock()
	e.op.Change = plan.Change
	o.mu.Unlock()
	return o.run(ctx, e, plan.Commitments(), req)
}

// WithdrawAll withdraws the largest amount of tok one transaction can carry:
// the top NumInputs notes less the fee.
func (o *Orchestrator) WithdrawAll(ctx context.Context, tok token.ID, recipient common.Address) (*Op, error) {
	total := selector.MaxSpendable(o.store.Spendable(tok), tok, ledger.NumInputs)
	amount, err := maxWithdrawal(tok, total)
	if err != nil {
		return nil, err
	}
	return o.Withdraw(ctx, tok, amount, recipient)
}

// maxWithdrawal finds the largest amount with amount + fee(amount) <= total.
// The fee is monotone in amount, so a binary search is exact.
func maxWithdrawal(tok token.ID, total uint64) (uint64, error) {
	info, err := token.Lookup(tok)
	if err != nil {
		return 0, err
	}
	minFee, err := tok.WithdrawFee(info.MinWithdrawal)
	if err != nil {
		return 0, err
	}
	if need := info.MinWithdrawal + minFee; total < need {
		return 0, &selector.InsufficientFundsError{
			Token:     tok,
			Target:    info.MinWithdrawal,
			Fee:       minFee,
			Available: total,
			Shortfall: need - total,
		}
	}

	lo, hi := info.MinWithdrawal, total
	for lo < hi {
		mid := hi - (hi-lo)/2
		fee, err := tok.WithdrawFee(mid)
		if err != nil {
			return 0, err
		}
		if fee <= total && mid <= total-fee {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// run takes a built request through assembly, proving and submission.
func (o *Orchestrator) run(ctx context.Context, e *entry, inputs []note.Commitment, req *assembler.Request) (*Op, error) {
	// Building -> InputsAssembled
	pi, err := assembler.Assemble(req)
	if err != nil {
		return o.abort(e, err)
	}
	if err := o.step(e, StateInputsAssembled, func(op *Op) {
		op.Inputs = inputs
		op.Nullifiers = append([]note.Nullifier(nil), pi.Public.InputNullifiers[:len(inputs)]...)
		op.ProofInputs = pi
		e.inputs = pi
	}); err != nil {
		return o.abort(e, err)
	}

	// InputsAssembled -> ProofRequested -> ProofReceived
	proof, err := o.prove(ctx, e)
	if err != nil {
		return o.abort(e, err)
	}
	tx, err := ledger.Sign(&ledger.Transaction{Public: pi.Public, Ext: pi.Ext, Proof: proof}, o.keys)
	if err != nil {
		return o.abort(e, err)
	}
	if err := o.step(e, StateProofReceived, func(op *Op) { op.Tx = tx }); err != nil {
		return o.abort(e, err)
	}

	return o.submitAndAwait(ctx, e)
}

// prove asks the prover for a proof, retrying failed attempts with the same
// inputs.
func (o *Orchestrator) prove(ctx context.Context, e *entry) ([]byte, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.prove")
	defer span.End()

	if err := o.step(e, StateProofRequested, nil); err != nil {
		return nil, err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.ProverBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(o.cfg.ProverRetries, 0))), ctx)

	var proof []byte
	err := backoff.RetryNotify(func() error {
		o.mu.Lock()
		e.op.ProverAttempts++
		cancelled := e.cancelled
		o.mu.Unlock()
		if cancelled {
			return backoff.Permanent(ErrCancelled)
		}

		start := time.Now()
		p, err := o.prover.Prove(ctx, e.inputs)
		o.metrics.RecordProofGeneration(time.Since(start))
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		proof = p
		return nil
	}, policy, func(err error, wait time.Duration) {
		o.metrics.RecordProverRetry()
		o.log.Warn().Err(err).Str("op", e.op.ID).Dur("backoff", wait).Msg("prover failed, retrying with same inputs")
		// ProofRequested -> Building -> InputsAssembled -> ProofRequested,
		// the assembled inputs are reused as is
		for _, s := range []State{StateBuilding, StateInputsAssembled, StateProofRequested} {
			if err := o.step(e, s, nil); err != nil {
				o.log.Error().Err(err).Str("op", e.op.ID).Msg("retry transition")
			}
		}
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrCancelled) {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrProver, err)
	}
	return proof, nil
}

// submitAndAwait moves a ProofReceived operation to Submitted unless it was
// cancelled, then submits and polls until the ledger decides.
func (o *Orchestrator) submitAndAwait(ctx context.Context, e *entry) (*Op, error) {
	o.mu.Lock()
	if e.op.State == StateProofReceived {
		if e.cancelled || ctx.Err() != nil {
			o.mu.Unlock()
			return o.abort(e, ErrCancelled)
		}
		// past this point the operation cannot be cancelled
		e.op.SubmittedAt = o.now()
		if err := o.advance(e, StateSubmitted); err != nil {
			o.mu.Unlock()
			return o.abort(e, err)
		}
	}
	o.mu.Unlock()

	// Cancel no longer reaches a Submitted operation; only the caller's own
	// deadline stops the polling.
	deadline, hasDeadline := ctx.Deadline()
	ctx = context.WithoutCancel(ctx)
	if hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := o.submit(ctx, e); err != nil {
		return o.snapshot(e), o.opError(e, fmt.Errorf("%w: %w", ErrSubmissionTimeout, err))
	}
	return o.await(ctx, e)
}

// submit delivers the signed transaction, retrying transport errors. The
// ledger treats a repeated signed transaction as the same submission.
func (o *Orchestrator) submit(ctx context.Context, e *entry) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit")
	defer span.End()

	o.mu.Lock()
	tx := e.op.Tx
	o.mu.Unlock()

	var id ledger.TxID
	err := backoff.Retry(func() error {
		var err error
		id, err = o.ledger.Submit(ctx, tx)
		if err != nil {
			o.log.Warn().Err(err).Str("op", e.op.ID).Msg("submit failed")
		}
		return err
	}, backoff.WithContext(o.pollBackoff(), ctx))
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("tx.id", id.Hex()))

	o.mu.Lock()
	defer o.mu.Unlock()
	e.op.TxID = &id
	if err := o.store.PutOp(e.op.ID, e.op); err != nil {
		return fmt.Errorf("journal operation: %w", err)
	}
	o.log.Info().Str("op", e.op.ID).Str("tx", id.Hex()).Msg("transaction submitted")
	return nil
}

func (o *Orchestrator) pollBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.PollInterval
	b.MaxInterval = 8 * o.cfg.PollInterval
	b.MaxElapsedTime = o.cfg.MaxWait
	return b
}

// await polls the receipt of a Submitted operation. Exceeding MaxWait
// returns ErrSubmissionTimeout with the inputs still locked.
func (o *Orchestrator) await(ctx context.Context, e *entry) (*Op, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.await")
	defer span.End()

	o.mu.Lock()
	id := *e.op.TxID
	o.mu.Unlock()

	var receipt *ledger.Receipt
	err := backoff.Retry(func() error {
		r, err := o.ledger.GetStatus(ctx, id)
		if err != nil {
			return err
		}
		if r.Status == ledger.StatusPending {
			return errPending
		}
		receipt = r
		return nil
	}, backoff.WithContext(o.pollBackoff(), ctx))
	if err != nil {
		span.RecordError(err)
		o.log.Warn().Err(err).Str("op", e.op.ID).Str("tx", id.Hex()).Msg("no ledger outcome")
		return o.snapshot(e), o.opError(e, fmt.Errorf("%w: %w", ErrSubmissionTimeout, err))
	}
	span.SetAttributes(attribute.String("tx.status", receipt.Status.String()))

	if receipt.Status == ledger.StatusConfirmed {
		return o.confirm(e)
	}
	return o.rejected(ctx, e, receipt.Reason)
}

// confirm settles a confirmed operation: inputs become Spent and the
// wallet's own non-padding outputs are added Unconfirmed until the scanner
// sees their leaves.
func (o *Orchestrator) confirm(e *entry) (*Op, error) {
	o.mu.Lock()
	nfs := append([]note.Nullifier(nil), e.op.Nullifiers...)
	var outputs []note.Note
	if e.op.ProofInputs != nil {
		outputs = e.op.ProofInputs.Outputs[:]
	}
	o.mu.Unlock()

	if _, err := o.store.MarkSpent(nfs...); err != nil {
		return o.snapshot(e), o.opError(e, err)
	}
	self := note.FieldToHash(o.keys.OwnerPubkey())
	for i := range outputs {
		n := outputs[i]
		if n.IsPadding() || n.Owner != self {
			continue
		}
		if _, err := o.store.AddNote(&n, note.Unconfirmed, nil); err != nil {
			return o.snapshot(e), o.opError(e, err)
		}
	}

	o.mu.Lock()
	err := o.advance(e, StateConfirmed)
	kind, submitted := e.op.Kind, e.op.SubmittedAt
	if e.span != nil {
		e.span.SetStatus(codes.Ok, "")
	}
	o.mu.Unlock()
	if err != nil {
		return o.snapshot(e), o.opError(e, err)
	}
	o.metrics.RecordOpFinished(string(kind), outcome(nil))
	if !submitted.IsZero() {
		o.metrics.RecordConfirmLatency(o.now().Sub(submitted))
	}
	o.log.Info().Str("op", e.op.ID).Int("spent", len(nfs)).Msg("operation confirmed")
	return o.snapshot(e), nil
}

// rejected settles an operation the ledger refused. Nullifiers found on
// chain mean the notes were spent by some other transaction: they become
// Spent, the rest are released.
func (o *Orchestrator) rejected(ctx context.Context, e *entry, reason string) (*Op, error) {
	onChain, offChain, err := o.checkNullifiers(ctx, e)
	if err != nil {
		return o.snapshot(e), o.opError(e, fmt.Errorf("%w: %s; reconcile: %w", ErrLedgerRejected, reason, err))
	}
	cause := fmt.Errorf("%w: %s", ErrLedgerRejected, reason)
	return o.settleConflict(e, onChain, offChain, cause)
}

// settleConflict marks onChain spent, releases the notes behind offChain and
// fails the operation with cause.
func (o *Orchestrator) settleConflict(e *entry, onChain, offChain []note.Nullifier, cause error) (*Op, error) {
	if _, err := o.store.MarkSpent(onChain...); err != nil {
		return o.snapshot(e), o.opError(e, err)
	}
	var release []note.Commitment
	for _, nf := range offChain {
		if rec, ok := o.store.ByNullifier(nf); ok {
			release = append(release, rec.Commitment)
		}
	}
	if len(release) > 0 {
		released, err := o.store.Release(e.op.ID, release...)
		if err != nil {
			return o.snapshot(e), o.opError(e, err)
		}
		o.metrics.RecordLocksReleased("rejected", len(released))
	}

	o.mu.Lock()
	e.op.Reason = cause.Error()
	err := o.advance(e, StateFailed)
	kind := e.op.Kind
	o.mu.Unlock()
	if err != nil {
		return o.snapshot(e), o.opError(e, err)
	}
	o.metrics.RecordOpFinished(string(kind), outcome(cause))
	o.log.Warn().Err(cause).Str("op", e.op.ID).Int("spent_elsewhere", len(onChain)).Msg("operation rejected")
	return o.snapshot(e), o.opError(e, cause)
}

// checkNullifiers splits the operation's input nullifiers by whether the
// ledger has recorded them.
func (o *Orchestrator) checkNullifiers(ctx context.Context, e *entry) (onChain, offChain []note.Nullifier, err error) {
	o.mu.Lock()
	nfs := append([]note.Nullifier(nil), e.op.Nullifiers...)
	o.mu.Unlock()
	for _, nf := range nfs {
		ok, err := o.ledger.QueryNullifier(ctx, nf)
		if err != nil {
			return nil, nil, fmt.Errorf("query nullifier %s: %w", nf.Hex(), err)
		}
		if ok {
			onChain = append(onChain, nf)
		} else {
			offChain = append(offChain, nf)
		}
	}
	return onChain, offChain, nil
}
