package selector

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

func owner(t testing.TB) (fr.Element, fr.Element) {
	t.Helper()
	var secret fr.Element
	_, err := secret.SetRandom()
	require.NoError(t, err)
	return secret, note.OwnerPubkey(secret)
}

func records(t testing.TB, tok token.ID, amounts ...uint64) []store.Record {
	t.Helper()
	_, pub := owner(t)
	out := make([]store.Record, len(amounts))
	for i, amt := range amounts {
		n, err := note.New(amt, tok, pub)
		require.NoError(t, err)
		n = n.WithLeafIndex(uint64(i))
		cm, err := note.Commit(n)
		require.NoError(t, err)
		out[i] = store.Record{Note: *n, Commitment: cm, State: note.Confirmed}
	}
	return out
}

func fill(t *testing.T, s *store.Store, tok token.ID, amounts ...uint64) {
	t.Helper()
	secret, pub := owner(t)
	for i, amt := range amounts {
		n, err := note.New(amt, tok, pub)
		require.NoError(t, err)
		n = n.WithLeafIndex(uint64(i))
		nf, err := note.Nullify(n, secret, uint64(i))
		require.NoError(t, err)
		_, err = s.AddNote(n, note.Confirmed, &nf)
		require.NoError(t, err)
	}
}

func TestSingleNoteWithChange(t *testing.T) {
	avail := records(t, token.USDC, 10_000_000)
	fee, err := token.USDC.WithdrawFee(4_000_000)
	require.NoError(t, err)

	plan, err := Select(avail, token.USDC, 4_000_000, fee, 2)
	require.NoError(t, err)
	require.Len(t, plan.Inputs, 1)
	assert.Equal(t, avail[0].Commitment, plan.Inputs[0].Commitment)
	assert.Equal(t, 6_000_000-fee, plan.Change)
	assert.True(t, plan.HasChange())
}

func TestCombinesNotes(t *testing.T) {
	avail := records(t, token.USDC, 3_000_000, 4_000_000)
	const fee = 10_000

	plan, err := Select(avail, token.USDC, 6_000_000, fee, 2)
	require.NoError(t, err)
	require.Len(t, plan.Inputs, 2)
	assert.Equal(t, uint64(4_000_000), plan.Inputs[0].Note.Amount, "largest first")
	assert.Equal(t, uint64(3_000_000+4_000_000-6_000_000-fee), plan.Change)
}

func TestInsufficientFunds(t *testing.T) {
	avail := records(t, token.Native, 3_000_000, 4_000_000)

	_, err := Select(avail, token.Native, 9_000_000, 500, 0)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	var insufficient *InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, uint64(7_000_000), insufficient.Available)
	assert.Equal(t, uint64(2_000_500), insufficient.Shortfall)
}

func TestExactAmountHasNoChange(t *testing.T) {
	avail := records(t, token.Native, 100, 50)
	plan, err := Select(avail, token.Native, 140, 10, 2)
	require.NoError(t, err)
	assert.Zero(t, plan.Change)
	assert.False(t, plan.HasChange())
}

func TestIgnoresUnspendableAndOtherTokens(t *testing.T) {
	avail := records(t, token.Native, 100, 200, 300)
	avail[2].State = note.PendingSpend
	avail[1].State = note.Spent
	avail = append(avail, records(t, token.USDT, 1_000)...)

	_, err := Select(avail, token.Native, 150, 0, 0)
	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, uint64(100), insufficient.Available)
}

func TestTooManyInputs(t *testing.T) {
	avail := records(t, token.Native, 10, 10, 10)
	_, err := Select(avail, token.Native, 25, 0, 2)
	require.ErrorIs(t, err, ErrTooManyInputs)

	plan, err := Select(avail, token.Native, 25, 0, 0)
	require.NoError(t, err)
	assert.Len(t, plan.Inputs, 3)
}

func TestZeroTarget(t *testing.T) {
	_, err := Select(records(t, token.Native, 1), token.Native, 0, 0, 0)
	require.ErrorIs(t, err, ErrZeroTarget)
}

func TestValueConservationRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := records(t, token.Native, make([]uint64, 12)...)

	for i := 0; i < 1000; i++ {
		n := 1 + rng.Intn(len(base))
		avail := make([]store.Record, n)
		var total uint64
		for j := range avail {
			avail[j] = base[j]
			avail[j].Note.Amount = 1 + uint64(rng.Int63n(1<<40))
			total += avail[j].Note.Amount
		}
		target := 1 + uint64(rng.Int63n(int64(total)))
		fee := uint64(rng.Int63n(1 << 20))

		plan, err := Select(avail, token.Native, target, fee, 0)
		if err != nil {
			var insufficient *InsufficientFundsError
			require.ErrorAs(t, err, &insufficient, "iteration %d", i)
			require.Equal(t, target+fee-total, insufficient.Shortfall, "iteration %d", i)
			continue
		}
		var in uint64
		for _, rec := range plan.Inputs {
			in += rec.Note.Amount
		}
		require.Equal(t, plan.Total, in, "iteration %d", i)
		require.Equal(t, in, plan.Target+plan.Fee+plan.Change, "iteration %d", i)
	}
}

func TestSelectAndLockNoOverlapUnderConcurrency(t *testing.T) {
	s := store.NewMemory()
	amounts := make([]uint64, 50)
	for i := range amounts {
		amounts[i] = uint64(100 + i)
	}
	fill(t, s, token.Native, amounts...)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		seen   = make(map[note.Commitment]int)
		plans  int
		starts = make(chan struct{})
	)
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			<-starts
			for i := 0; i < 10; i++ {
				plan, err := SelectAndLock(s, opName(w, i), token.Native, 150, 0, 2)
				if err != nil {
					assert.ErrorIs(t, err, ErrInsufficientFunds)
					return
				}
				mu.Lock()
				plans++
				for _, cm := range plan.Commitments() {
					seen[cm]++
				}
				mu.Unlock()
			}
		}(w)
	}
	close(starts)
	wg.Wait()

	require.NotZero(t, plans)
	for cm, n := range seen {
		assert.Equal(t, 1, n, "note %s selected %d times", cm.Hex(), n)
	}
	for _, rec := range s.List(nil) {
		if _, ok := seen[rec.Commitment]; ok {
			assert.Equal(t, note.PendingSpend, rec.State)
		}
	}
}

func opName(w, i int) string {
	return fmt.Sprintf("op-%d-%d", w, i)
}

func TestMaxSpendable(t *testing.T) {
	avail := records(t, token.Native, 5, 50, 20, 1)
	assert.Equal(t, uint64(70), MaxSpendable(avail, token.Native, 2))
	assert.Equal(t, uint64(76), MaxSpendable(avail, token.Native, 0))
	assert.Zero(t, MaxSpendable(avail, token.USDC, 2))
}

func TestMerge(t *testing.T) {
	avail := records(t, token.USDC, 5, 50, 20, 1)
	avail[1].State = note.PendingSpend
	avail = append(avail, records(t, token.Native, 1_000)...)

	plan := Merge(avail, token.USDC, 7, 2)
	require.Len(t, plan.Inputs, 2)
	assert.Equal(t, uint64(20), plan.Inputs[0].Note.Amount)
	assert.Equal(t, uint64(5), plan.Inputs[1].Note.Amount)
	assert.Equal(t, uint64(25), plan.Total)
	assert.Zero(t, plan.Change)

	assert.Empty(t, Merge(nil, token.USDC, 7, 2).Inputs)

	// notes that would overflow the output are skipped
	plan = Merge(avail, token.USDC, note.MaxAmount-10, 2)
	require.Len(t, plan.Inputs, 2)
	assert.Equal(t, uint64(5), plan.Inputs[0].Note.Amount)
	assert.Equal(t, uint64(1), plan.Inputs[1].Note.Amount)
}

func TestMergeAndLock(t *testing.T) {
	s := store.NewMemory()
	fill(t, s, token.USDT, 30, 10, 20)

	plan, err := MergeAndLock(s, "dep-1", token.USDT, 100, 2)
	require.NoError(t, err)
	require.Len(t, plan.Inputs, 2)
	for _, rec := range plan.Inputs {
		assert.Equal(t, note.PendingSpend, rec.State)
		assert.Equal(t, "dep-1", rec.LockedBy)
	}
	assert.Equal(t, uint64(50), plan.Total)

	plan, err = MergeAndLock(s, "dep-2", token.USDT, 100, 2)
	require.NoError(t, err)
	require.Len(t, plan.Inputs, 1)
	assert.Equal(t, uint64(10), plan.Inputs[0].Note.Amount)

	plan, err = MergeAndLock(s, "dep-3", token.USDT, 100, 2)
	require.NoError(t, err)
	assert.Empty(t, plan.Inputs)
}
