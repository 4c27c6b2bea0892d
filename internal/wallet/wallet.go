// wallet.go - Client facade over the note store, scanner and orchestrator.
//
// A Wallet is what the CLI and the demo talk to. It owns the one commitment
// tree shared by the scanner (which appends to it) and the orchestrator
// (which reads paths from it), and syncs before every spend so selection and
// Merkle paths see the latest ledger state.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/metrics"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/scanner"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

// ErrOpenOps is returned by Reset while operations are unresolved.
var ErrOpenOps = errors.New("wallet has open operations")

// Backend is the ledger surface a wallet needs: the orchestrator's
// submission and query calls plus public balances.
type Backend interface {
	orchestrator.Ledger
	Balance(ctx context.Context, account common.Address, tok token.ID) (uint64, error)
	Faucet(ctx context.Context, account common.Address, tok token.ID, amount uint64) (uint64, error)
}

// Wallet manages the shielded notes of one key set.
type Wallet struct {
	keys    note.KeyProvider
	store   *store.Store
	tree    *merkle.Tree
	scanner *scanner.Scanner
	orch    *orchestrator.Orchestrator
	backend Backend
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type options struct {
	orch    []orchestrator.Option
	workers int
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// Option configures a Wallet.
type Option func(*options)

func WithOrchestratorConfig(cfg orchestrator.Config) Option {
	return func(o *options) { o.orch = append(o.orch, orchestrator.WithConfig(cfg)) }
}

func WithScanWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New assembles a wallet over st. depth must match the ledger's tree.
func New(keys note.KeyProvider, st *store.Store, depth int, prover orchestrator.Prover, backend Backend, opts ...Option) (*Wallet, error) {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	tree, err := merkle.New(depth)
	if err != nil {
		return nil, err
	}
	sc, err := scanner.New(keys, st, tree,
		scanner.WithWorkers(o.workers),
		scanner.WithLogger(o.log.With().Str("component", "scanner").Logger()))
	if err != nil {
		return nil, fmt.Errorf("restore wallet tree: %w", err)
	}
	orchOpts := append([]orchestrator.Option{
		orchestrator.WithMetrics(o.metrics),
		orchestrator.WithLogger(o.log.With().Str("component", "orchestrator").Logger()),
	}, o.orch...)

	return &Wallet{
		keys:    keys,
		store:   st,
		tree:    tree,
		scanner: sc,
		orch:    orchestrator.New(keys, st, tree, prover, backend, orchOpts...),
		backend: backend,
		metrics: o.metrics,
		log:     o.log,
	}, nil
}

// Keys returns the wallet's key provider.
func (w *Wallet) Keys() note.KeyProvider { return w.keys }

// Address is the shielded address other wallets send notes to.
func (w *Wallet) Address() note.Address { return w.keys.Address() }

// Account is the public account that signs transactions and funds deposits.
func (w *Wallet) Account() common.Address { return w.keys.Account() }

// Sync scans new pool events from the ledger.
func (w *Wallet) Sync(ctx context.Context) (*scanner.Result, error) {
	res, err := w.scanner.Sync(ctx, w.backend)
	if res != nil {
		w.metrics.RecordScan(len(res.Discovered), res.Checkpoint)
	}
	if err != nil {
		w.metrics.RecordError("scan")
		return res, err
	}
	if len(res.Discovered) > 0 {
		w.log.Info().Int("events", res.Events).Int("discovered", len(res.Discovered)).Uint64("checkpoint", res.Checkpoint).Msg("wallet synced")
	}
	return res, nil
}

// RefreshSpent marks notes spent elsewhere with the same keys.
func (w *Wallet) RefreshSpent(ctx context.Context) ([]note.Commitment, error) {
	return w.scanner.RefreshSpent(ctx, w.backend)
}

// Balance returns the shielded balance of tok.
func (w *Wallet) Balance(tok token.ID) store.Balance { return w.store.Balance(tok) }

// Balances returns the shielded balance of every token.
func (w *Wallet) Balances() []store.Balance {
	ids := token.All()
	out := make([]store.Balance, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.store.Balance(id))
	}
	return out
}

// PublicBalance returns the account's balance outside the pool.
func (w *Wallet) PublicBalance(ctx context.Context, tok token.ID) (uint64, error) {
	return w.backend.Balance(ctx, w.keys.Account(), tok)
}

// Faucet credits the account's public balance on a devnet ledger.
func (w *Wallet) Faucet(ctx context.Context, tok token.ID, amount uint64) (uint64, error) {
	return w.backend.Faucet(ctx, w.keys.Account(), tok, amount)
}

// Notes lists the wallet's notes of tok in every state.
func (w *Wallet) Notes(tok token.ID) []store.Record {
	return w.store.List(func(r *store.Record) bool { return r.Note.Token == tok })
}

func (w *Wallet) Deposit(ctx context.Context, tok token.ID, amount uint64) (*orchestrator.Op, error) {
	if _, err := w.Sync(ctx); err != nil {
		return nil, err
	}
	return w.orch.Deposit(ctx, tok, amount)
}

func (w *Wallet) Withdraw(ctx context.Context, tok token.ID, amount uint64, recipient common.Address) (*orchestrator.Op, error) {
	if _, err := w.Sync(ctx); err != nil {
		return nil, err
	}
	return w.orch.Withdraw(ctx, tok, amount, recipient)
}

func (w *Wallet) WithdrawAll(ctx context.Context, tok token.ID, recipient common.Address) (*orchestrator.Op, error) {
	if _, err := w.Sync(ctx); err != nil {
		return nil, err
	}
	return w.orch.WithdrawAll(ctx, tok, recipient)
}

// Recover resumes the journal left by a previous process and releases
// stale locks.
func (w *Wallet) Recover(ctx context.Context) ([]*orchestrator.Op, error) {
	if _, err := w.Sync(ctx); err != nil {
		return nil, err
	}
	ops, err := w.orch.Recover(ctx)
	if err != nil {
		return ops, err
	}
	if _, err := w.orch.ReapStaleLocks(ctx); err != nil {
		return ops, err
	}
	return ops, nil
}

// Load makes journaled operations of earlier processes addressable by id
// without resuming them.
func (w *Wallet) Load() ([]*orchestrator.Op, error) { return w.orch.Load() }

func (w *Wallet) Ops() []*orchestrator.Op { return w.orch.Ops() }

func (w *Wallet) Op(id string) (*orchestrator.Op, error) { return w.orch.Get(id) }

func (w *Wallet) Cancel(id string) error { return w.orch.Cancel(id) }

func (w *Wallet) Resolve(ctx context.Context, id string) (*orchestrator.Op, error) {
	return w.orch.Resolve(ctx, id)
}

func (w *Wallet) Retry(ctx context.Context, id string) (*orchestrator.Op, error) {
	return w.orch.Retry(ctx, id)
}

func (w *Wallet) Release(ctx context.Context, id string) (*orchestrator.Op, error) {
	return w.orch.Release(ctx, id)
}

func (w *Wallet) ReapStaleLocks(ctx context.Context) ([]string, error) {
	return w.orch.ReapStaleLocks(ctx)
}

// Reset forgets every note, event and journal entry and empties the
// mirrored tree; the next Sync rebuilds the wallet from the pool. It refuses
// while any operation is open, since their locks would be lost. Callers must
// not start operations while Reset runs.
func (w *Wallet) Reset() error {
	if n := len(w.store.Ops()); n > 0 {
		return fmt.Errorf("%w: %d journaled, resolve or release them first", ErrOpenOps, n)
	}
	for _, op := range w.orch.Ops() {
		if !op.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrOpenOps, op.ID, op.State)
		}
	}
	if err := w.scanner.Reset(); err != nil {
		w.metrics.RecordError("reset")
		return err
	}
	return nil
}

// Close closes the note store.
func (w *Wallet) Close() error { return w.store.Close() }
