package wallet

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamzaZF/shieldpool/internal/assembler"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/metrics"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

const depth = 8

type stubProver struct{}

func (stubProver) Prove(context.Context, *assembler.ProofInputs) ([]byte, error) {
	return []byte("proof"), nil
}

func fastConfig() orchestrator.Config {
	return orchestrator.Config{
		ProverRetries: 1,
		ProverBackoff: time.Millisecond,
		PollInterval:  time.Millisecond,
		MaxWait:       time.Second,
		LockTimeout:   time.Minute,
	}
}

// serve exposes l over JSON-RPC and returns a connected client.
func serve(t *testing.T, l *ledger.MemoryLedger) *ledger.Client {
	t.Helper()
	srv, err := ledger.NewServer(ledger.NewService(l, nil, true))
	require.NoError(t, err)
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		httpSrv.Close()
		srv.Stop()
	})
	client, err := ledger.Dial(context.Background(), httpSrv.URL)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func open(t *testing.T, keys *note.Keys, dir string, backend Backend, opts ...Option) *Wallet {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "notes.db"))
	require.NoError(t, err)
	opts = append([]Option{WithOrchestratorConfig(fastConfig()), WithScanWorkers(2)}, opts...)
	w, err := New(keys, st, depth, stubProver{}, backend, opts...)
	require.NoError(t, err)
	return w
}

func TestWalletOverRPC(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.NewMemoryLedger(depth)
	require.NoError(t, err)
	client := serve(t, l)
	keys, err := note.GenerateKeys()
	require.NoError(t, err)
	dir := t.TempDir()

	reg := prometheus.NewRegistry()
	w := open(t, keys, dir, client, WithMetrics(metrics.New(reg)))

	_, err = w.Faucet(ctx, token.USDC, 20_000_000)
	require.NoError(t, err)
	// the second deposit spends the first note into its output
	for i, amt := range []uint64{8_000_000, 6_000_000} {
		op, err := w.Deposit(ctx, token.USDC, amt)
		require.NoError(t, err)
		require.Equal(t, orchestrator.StateConfirmed, op.State)
		assert.Len(t, op.Inputs, i)
	}
	public, err := w.PublicBalance(ctx, token.USDC)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000_000), public)

	_, err = w.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(14_000_000), w.Balance(token.USDC).Confirmed)

	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")
	op, err := w.Withdraw(ctx, token.USDC, 10_000_000, recipient)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StateConfirmed, op.State)
	assert.Len(t, op.Inputs, 1)
	got, err := l.Balance(ctx, recipient, token.USDC)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), got)

	change := 14_000_000 - 10_000_000 - op.Fee
	assert.Equal(t, change, op.Change)
	require.NoError(t, w.Close())

	// reopen: notes, checkpoint and tree come back from disk
	w = open(t, keys, dir, client)
	defer w.Close()
	ops, err := w.Recover(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	bal := w.Balance(token.USDC)
	assert.Equal(t, change, bal.Confirmed)
	assert.Zero(t, bal.Pending)
	root, err := l.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, w.tree.Root())

	var states []note.State
	for _, rec := range w.Notes(token.USDC) {
		states = append(states, rec.State)
	}
	assert.ElementsMatch(t, []note.State{note.Spent, note.Spent, note.Confirmed}, states)

	op, err = w.WithdrawAll(ctx, token.USDC, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, w.Account(), op.Recipient)
	assert.Equal(t, change, op.Amount+op.Fee+op.Change)
	assert.LessOrEqual(t, op.Change, uint64(1), "only fee rounding is left behind")
}

// Two devices share keys; the second sees the first's spend on refresh.
func TestRefreshSpentAcrossDevices(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.NewMemoryLedger(depth)
	require.NoError(t, err)
	keys, err := note.GenerateKeys()
	require.NoError(t, err)

	a := open(t, keys, t.TempDir(), l)
	defer a.Close()
	b := open(t, keys, t.TempDir(), l)
	defer b.Close()

	_, err = a.Faucet(ctx, token.Native, 50_000_000)
	require.NoError(t, err)
	_, err = a.Deposit(ctx, token.Native, 50_000_000)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000_000), b.Balance(token.Native).Confirmed)

	_, err = a.Withdraw(ctx, token.Native, 20_000_000, common.Address{})
	require.NoError(t, err)

	spent, err := b.RefreshSpent(ctx)
	require.NoError(t, err)
	assert.Len(t, spent, 1)
	assert.Zero(t, b.Balance(token.Native).Confirmed)

	_, err = a.Sync(ctx)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Balance(token.Native).Confirmed, b.Balance(token.Native).Confirmed)
}

func TestResetRescansPool(t *testing.T) {
	ctx := context.Background()
	l, err := ledger.NewMemoryLedger(depth, ledger.WithManualMining())
	require.NoError(t, err)
	keys, err := note.GenerateKeys()
	require.NoError(t, err)
	cfg := fastConfig()
	cfg.MaxWait = 20 * time.Millisecond
	w := open(t, keys, t.TempDir(), l, WithOrchestratorConfig(cfg))
	defer w.Close()

	_, err = w.Faucet(ctx, token.USDT, 9_000_000)
	require.NoError(t, err)
	op, err := w.Deposit(ctx, token.USDT, 9_000_000)
	require.ErrorIs(t, err, orchestrator.ErrSubmissionTimeout)
	require.ErrorIs(t, w.Reset(), ErrOpenOps, "an open deposit blocks the reset")

	require.Equal(t, 1, l.Mine())
	op, err = w.Resolve(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, orchestrator.StateConfirmed, op.State)
	_, err = w.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(9_000_000), w.Balance(token.USDT).Confirmed)

	require.NoError(t, w.Reset())
	assert.Empty(t, w.Notes(token.USDT))
	assert.Equal(t, merkle.EmptyRoot(depth), w.tree.Root())

	res, err := w.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Discovered, 1)
	assert.Equal(t, uint64(ledger.NumOutputs), res.Checkpoint)
	assert.Equal(t, uint64(9_000_000), w.Balance(token.USDT).Confirmed)
	root, err := l.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, root, w.tree.Root())
}
