// Package selector chooses input notes for a spend.
//
// The policy is greedy by descending amount: take the largest notes until
// target plus fee is covered, which yields the fewest inputs for most
// note sets. When every note of the token together still falls short the
// selection fails with an InsufficientFundsError carrying the shortfall.
package selector

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTooManyInputs is returned when covering the target needs more notes
	// than one transaction can spend.
	ErrTooManyInputs = errors.New("selection exceeds input arity")
	ErrZeroTarget    = errors.New("target amount is zero")
)

// InsufficientFundsError reports how far the spendable notes fall short.
type InsufficientFundsError struct {
	Token     token.ID
	Target    uint64
	Fee       uint64
	Available uint64
	Shortfall uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d+%d %s, have %d, short by %d",
		e.Target, e.Fee, e.Token, e.Available, e.Shortfall)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// Plan is the result of a selection.
type Plan struct {
	Token  token.ID       `json:"token"`
	Inputs []store.Record `json:"inputs"`
	Target uint64         `json:"target"`
	Fee    uint64         `json:"fee"`
	Total  uint64         `json:"total"`
	Change uint64         `json:"change"`
}

// HasChange reports whether the plan needs a change note.
func (p *Plan) HasChange() bool { return p.Change > 0 }

// Commitments returns the input commitments in selection order.
func (p *Plan) Commitments() []note.Commitment {
	out := make([]note.Commitment, len(p.Inputs))
	for i, in := range p.Inputs {
		out[i] = in.Commitment
	}
	return out
}

// Select picks inputs of tok from available to cover target+fee. Notes not
// Confirmed or of another token are ignored. maxInputs of zero means no
// limit.
func Select(available []store.Record, tok token.ID, target, fee uint64, maxInputs int) (*Plan, error) {
	if target == 0 {
		return nil, ErrZeroTarget
	}
	candidates := make([]store.Record, 0, len(available))
	for _, rec := range available {
		if rec.State == note.Confirmed && rec.Note.Token == tok && rec.Note.Amount > 0 {
			candidates = append(candidates, rec)
		}
	}
	sortDescending(candidates)

	need := new(uint256.Int).Add(uint256.NewInt(target), uint256.NewInt(fee))
	sum := new(uint256.Int)
	var chosen []store.Record
	for _, rec := range candidates {
		if sum.Cmp(need) >= 0 {
			break
		}
		chosen = append(chosen, rec)
		sum.Add(sum, uint256.NewInt(rec.Note.Amount))
	}

	if sum.Cmp(need) < 0 {
		shortfall := new(uint256.Int).Sub(need, sum)
		return nil, &InsufficientFundsError{
			Token:     tok,
			Target:    target,
			Fee:       fee,
			Available: saturate(sum),
			Shortfall: saturate(shortfall),
		}
	}
	if maxInputs > 0 && len(chosen) > maxInputs {
		return nil, fmt.Errorf("%w: need %d notes, at most %d per transaction", ErrTooManyInputs, len(chosen), maxInputs)
	}

	change := new(uint256.Int).Sub(sum, need)
	if !change.IsUint64() || !sum.IsUint64() {
		return nil, fmt.Errorf("%w: input total exceeds %d", note.ErrAmountOverflow, uint64(note.MaxAmount))
	}
	if change.Uint64() > note.MaxAmount {
		return nil, fmt.Errorf("%w: change %d", note.ErrAmountOverflow, change.Uint64())
	}
	return &Plan{
		Token:  tok,
		Inputs: chosen,
		Target: target,
		Fee:    fee,
		Total:  sum.Uint64(),
		Change: change.Uint64(),
	}, nil
}

// SelectAndLock selects inputs from the store and marks them PendingSpend
// for opID in one atomic step.
func SelectAndLock(s *store.Store, opID string, tok token.ID, target, fee uint64, maxInputs int) (*Plan, error) {
	var plan *Plan
	locked, err := s.SelectAndLock(opID, tok, func(available []store.Record) ([]note.Commitment, error) {
		p, err := Select(available, tok, target, fee, maxInputs)
		if err != nil {
			return nil, err
		}
		plan = p
		return p.Commitments(), nil
	})
	if err != nil {
		return nil, err
	}
	plan.Inputs = locked
	return plan, nil
}

// Merge picks up to maxInputs of the largest Confirmed notes of tok whose
// amounts added to base still fit one note. It may pick nothing.
func Merge(available []store.Record, tok token.ID, base uint64, maxInputs int) *Plan {
	candidates := make([]store.Record, 0, len(available))
	for _, rec := range available {
		if rec.State == note.Confirmed && rec.Note.Token == tok && rec.Note.Amount > 0 {
			candidates = append(candidates, rec)
		}
	}
	sortDescending(candidates)

	plan := &Plan{Token: tok}
	sum := base
	for _, rec := range candidates {
		if maxInputs > 0 && len(plan.Inputs) == maxInputs {
			break
		}
		if rec.Note.Amount > note.MaxAmount-sum {
			continue
		}
		sum += rec.Note.Amount
		plan.Inputs = append(plan.Inputs, rec)
		plan.Total += rec.Note.Amount
	}
	return plan
}

// MergeAndLock runs Merge over the store and marks the picked notes
// PendingSpend for opID in one atomic step.
func MergeAndLock(s *store.Store, opID string, tok token.ID, base uint64, maxInputs int) (*Plan, error) {
	var plan *Plan
	locked, err := s.SelectAndLock(opID, tok, func(available []store.Record) ([]note.Commitment, error) {
		plan = Merge(available, tok, base, maxInputs)
		return plan.Commitments(), nil
	})
	if err != nil {
		return nil, err
	}
	plan.Inputs = locked
	return plan, nil
}

// MaxSpendable returns the largest total a single transaction can spend
// from available: the sum of the maxInputs largest notes of tok.
func MaxSpendable(available []store.Record, tok token.ID, maxInputs int) uint64 {
	candidates := make([]store.Record, 0, len(available))
	for _, rec := range available {
		if rec.State == note.Confirmed && rec.Note.Token == tok {
			candidates = append(candidates, rec)
		}
	}
	sortDescending(candidates)
	if maxInputs > 0 && len(candidates) > maxInputs {
		candidates = candidates[:maxInputs]
	}
	sum := new(uint256.Int)
	for _, rec := range candidates {
		sum.Add(sum, uint256.NewInt(rec.Note.Amount))
	}
	return saturate(sum)
}

// sortDescending orders by amount, largest first, then by leaf index so the
// choice is deterministic.
func sortDescending(recs []store.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i].Note, recs[j].Note
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		if a.LeafIndex != nil && b.LeafIndex != nil {
			return *a.LeafIndex < *b.LeafIndex
		}
		return recs[i].Commitment.Cmp(recs[j].Commitment) < 0
	})
}

func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return ^uint64(0)
	}
	return v.Uint64()
}
