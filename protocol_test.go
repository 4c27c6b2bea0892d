package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamzaZF/shieldpool/internal/circuit"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
	"github.com/HamzaZF/shieldpool/internal/wallet"
)

// Small tree so setup stays fast.
const protoDepth = 4

func protoConfig() orchestrator.Config {
	return orchestrator.Config{
		ProverRetries: 1,
		ProverBackoff: time.Millisecond,
		PollInterval:  time.Millisecond,
		MaxWait:       5 * time.Second,
		LockTimeout:   time.Hour,
	}
}

func newProver(t *testing.T) *circuit.Groth16Prover {
	t.Helper()
	p, err := circuit.NewGroth16Prover(protoDepth, "", "", zerolog.Nop())
	require.NoError(t, err)
	return p
}

func protoWallet(t *testing.T, l *ledger.MemoryLedger, p orchestrator.Prover) *wallet.Wallet {
	t.Helper()
	keys, err := note.GenerateKeys()
	require.NoError(t, err)
	w, err := wallet.New(keys, store.NewMemory(), protoDepth, p, l, wallet.WithOrchestratorConfig(protoConfig()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestFullProtocolFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup in short mode")
	}
	ctx := context.Background()
	prover := newProver(t)
	l, err := ledger.NewMemoryLedger(protoDepth, ledger.WithVerifier(prover))
	require.NoError(t, err)
	alice := protoWallet(t, l, prover)
	bob := protoWallet(t, l, prover)

	_, err = alice.Faucet(ctx, token.USDT, 10_000_000)
	require.NoError(t, err)
	for i, amt := range []uint64{4_000_000, 3_000_000} {
		op, err := alice.Deposit(ctx, token.USDT, amt)
		require.NoError(t, err)
		require.Equal(t, orchestrator.StateConfirmed, op.State)
		assert.Len(t, op.Inputs, i, "deposits fold earlier notes in")
	}

	op, err := alice.Withdraw(ctx, token.USDT, 5_000_000, bob.Account())
	require.NoError(t, err)
	require.Equal(t, orchestrator.StateConfirmed, op.State)
	assert.Len(t, op.Inputs, 1)
	assert.Equal(t, uint64(767_500), op.Fee)
	assert.Equal(t, uint64(7_000_000-5_000_000-767_500), op.Change)

	got, err := bob.PublicBalance(ctx, token.USDT)
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000_000), got)

	// the change note is only spendable once the scanner has seen it
	assert.Zero(t, alice.Balance(token.USDT).Confirmed)
	_, err = alice.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, op.Change, alice.Balance(token.USDT).Confirmed)

	// bob's wallet scans the same pool and finds nothing of his
	res, err := bob.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Discovered)
	assert.Equal(t, uint64(6), res.Checkpoint, "two outputs per transaction")

	stats := l.Stats()
	assert.Equal(t, 3, stats.Txs)
	assert.Equal(t, 6, stats.Nullifiers, "padding inputs publish nullifiers too")
}

// A proof made with another setup's proving key fails verification; the
// operation fails and its inputs become spendable again.
func TestForeignProofRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup in short mode")
	}
	ctx := context.Background()
	honest := newProver(t)
	foreign := newProver(t)
	l, err := ledger.NewMemoryLedger(protoDepth, ledger.WithVerifier(honest))
	require.NoError(t, err)

	w := protoWallet(t, l, honest)
	_, err = w.Faucet(ctx, token.Native, 40_000_000)
	require.NoError(t, err)
	_, err = w.Deposit(ctx, token.Native, 40_000_000)
	require.NoError(t, err)
	_, err = w.Sync(ctx)
	require.NoError(t, err)

	other, err := wallet.New(w.Keys(), store.NewMemory(), protoDepth, foreign, l, wallet.WithOrchestratorConfig(protoConfig()))
	require.NoError(t, err)
	defer other.Close()

	op, err := other.Withdraw(ctx, token.Native, 20_000_000, other.Account())
	require.ErrorIs(t, err, orchestrator.ErrLedgerRejected)
	require.Equal(t, orchestrator.StateFailed, op.State)
	assert.Contains(t, op.Reason, ledger.ErrInvalidProof.Error())
	assert.Equal(t, uint64(40_000_000), other.Balance(token.Native).Confirmed)
	assert.Zero(t, other.Balance(token.Native).Pending)

	// the honest wallet still spends the same note
	op, err = w.Withdraw(ctx, token.Native, 20_000_000, w.Account())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StateConfirmed, op.State)
}
