// memory.go - In-memory, append-only devnet ledger for the shielded pool.
//
// The MemoryLedger records the commitment tree, the spent nullifier set, the
// recent root history and public per-account balances. Transactions are
// checked on submission (signature, external data binding, proof) and applied
// when mined; with auto-mining every accepted submission is mined at once.
//
// The ledger is safe for concurrent use.

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/metrics"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/token"
)

const (
	// RootHistorySize is how many recent roots a proof may reference.
	RootHistorySize = 100
	// MaxEventsPerPage bounds one StreamPoolEvents response.
	MaxEventsPerPage = 1000
)

// Verifier checks a transaction proof against its public inputs.
type Verifier interface {
	Verify(pub *PublicInputs, proof []byte) error
}

type balanceKey struct {
	Account common.Address `json:"account"`
	Token   token.ID       `json:"token"`
}

type pendingTx struct {
	id     TxID
	tx     *SignedTx
	sender common.Address
}

// MemoryLedger is the devnet ledger.
type MemoryLedger struct {
	mu sync.RWMutex

	tree       *merkle.Tree
	roots      []common.Hash
	nullifiers map[common.Hash]TxID
	events     []PoolEvent
	receipts   map[TxID]*Receipt
	order      []TxID
	pending    []*pendingTx
	balances   map[balanceKey]uint64

	feeAccount common.Address
	verifier   Verifier
	autoMine   bool
	metrics    *metrics.Metrics
	log        zerolog.Logger
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithVerifier makes the ledger verify every proof.
func WithVerifier(v Verifier) MemoryOption {
	return func(l *MemoryLedger) { l.verifier = v }
}

// WithManualMining leaves accepted transactions Pending until Mine is called.
func WithManualMining() MemoryOption {
	return func(l *MemoryLedger) { l.autoMine = false }
}

// WithFeeAccount sets the account credited with transaction fees.
func WithFeeAccount(a common.Address) MemoryOption {
	return func(l *MemoryLedger) { l.feeAccount = a }
}

// WithLedgerLogger sets the ledger logger.
func WithLedgerLogger(log zerolog.Logger) MemoryOption {
	return func(l *MemoryLedger) { l.log = log }
}

// WithLedgerMetrics records submissions and ledger size.
func WithLedgerMetrics(m *metrics.Metrics) MemoryOption {
	return func(l *MemoryLedger) { l.metrics = m }
}

// NewMemoryLedger creates an empty ledger whose tree has the given depth.
func NewMemoryLedger(depth int, opts ...MemoryOption) (*MemoryLedger, error) {
	tree, err := merkle.New(depth)
	if err != nil {
		return nil, err
	}
	l := &MemoryLedger{
		tree:       tree,
		roots:      []common.Hash{tree.Root()},
		nullifiers: make(map[common.Hash]TxID),
		receipts:   make(map[TxID]*Receipt),
		balances:   make(map[balanceKey]uint64),
		autoMine:   true,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Depth returns the commitment tree depth.
func (l *MemoryLedger) Depth() int { return l.tree.Depth() }

// Submit checks tx and queues it for mining. Rejected transactions get a
// Failed receipt rather than an error, so callers learn the outcome through
// GetStatus. Submitting the same signed transaction again returns the same
// id without re-evaluating it.
func (l *MemoryLedger) Submit(_ context.Context, tx *SignedTx) (TxID, error) {
	id, err := tx.ID()
	if err != nil {
		return TxID{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.receipts[id]; ok {
		return id, nil
	}
	l.order = append(l.order, id)

	sender, err := l.check(tx)
	if err != nil {
		l.reject(id, err)
		return id, nil
	}
	l.receipts[id] = &Receipt{ID: id, Status: StatusPending}
	l.pending = append(l.pending, &pendingTx{id: id, tx: tx, sender: sender})
	l.log.Debug().Str("tx", id.Hex()).Str("sender", sender.Hex()).Msg("transaction accepted")

	if l.autoMine {
		l.mine()
	}
	return id, nil
}

// check runs the stateless checks plus those that hold for the current
// state. Callers hold l.mu.
func (l *MemoryLedger) check(tx *SignedTx) (common.Address, error) {
	sender, err := tx.Sender()
	if err != nil {
		return common.Address{}, err
	}
	pub := &tx.Tx.Public
	if !pub.Token.Valid() {
		return sender, fmt.Errorf("%w: %w", ErrInvalidAmounts, token.ErrUnknownToken)
	}
	if pub.DepositAmount > 0 && pub.WithdrawAmount > 0 {
		return sender, fmt.Errorf("%w: deposit and withdrawal in one transaction", ErrInvalidAmounts)
	}
	for _, amt := range []uint64{pub.DepositAmount, pub.WithdrawAmount, pub.Fee} {
		if amt > note.MaxAmount {
			return sender, fmt.Errorf("%w: %d", ErrInvalidAmounts, amt)
		}
	}
	want, err := tx.Tx.Ext.Hash()
	if err != nil {
		return sender, err
	}
	if want != pub.ExtDataHash {
		return sender, ErrExtDataMismatch
	}
	if !l.knownRoot(pub.Root) {
		return sender, fmt.Errorf("%w: %s", ErrUnknownRoot, pub.Root.Hex())
	}
	if err := l.checkNullifiers(pub); err != nil {
		return sender, err
	}
	if l.verifier != nil {
		if err := l.verifier.Verify(pub, tx.Tx.Proof); err != nil {
			return sender, fmt.Errorf("%w: %w", ErrInvalidProof, err)
		}
	}
	return sender, nil
}

func (l *MemoryLedger) checkNullifiers(pub *PublicInputs) error {
	seen := make(map[common.Hash]bool, NumInputs)
	for _, nf := range pub.InputNullifiers {
		if seen[nf] {
			return fmt.Errorf("%w: %s", ErrDuplicateNullifier, nf.Hex())
		}
		seen[nf] = true
		if _, spent := l.nullifiers[nf]; spent {
			return fmt.Errorf("%w: %s", ErrNullifierSpent, nf.Hex())
		}
	}
	return nil
}

func (l *MemoryLedger) knownRoot(root common.Hash) bool {
	for _, r := range l.roots {
		if r == root {
			return true
		}
	}
	return false
}

func (l *MemoryLedger) reject(id TxID, reason error) {
	l.receipts[id] = &Receipt{ID: id, Status: StatusFailed, Reason: reason.Error()}
	l.metrics.RecordSubmission(StatusFailed.String())
	l.log.Warn().Str("tx", id.Hex()).Err(reason).Msg("transaction rejected")
}

// Mine applies every pending transaction in submission order and returns
// how many were confirmed.
func (l *MemoryLedger) Mine() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mine()
}

func (l *MemoryLedger) mine() int {
	confirmed := 0
	for _, p := range l.pending {
		if err := l.apply(p); err != nil {
			l.reject(p.id, err)
			continue
		}
		l.metrics.RecordSubmission(StatusConfirmed.String())
		confirmed++
	}
	l.pending = nil
	l.metrics.SetLedgerSize(l.tree.Size(), len(l.nullifiers))
	return confirmed
}

// apply re-checks state-dependent conditions, since earlier transactions in
// the same batch may have spent a nullifier or moved a root out of history.
func (l *MemoryLedger) apply(p *pendingTx) error {
	pub := &p.tx.Tx.Public
	if err := l.checkNullifiers(pub); err != nil {
		return err
	}
	if !l.knownRoot(pub.Root) {
		return fmt.Errorf("%w: %s", ErrUnknownRoot, pub.Root.Hex())
	}
	if l.tree.Size()+NumOutputs > l.tree.Capacity() {
		return merkle.ErrTreeFull
	}
	from := balanceKey{p.sender, pub.Token}
	if pub.DepositAmount > 0 && l.balances[from] < pub.DepositAmount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, p.sender.Hex(), l.balances[from], pub.DepositAmount)
	}

	first := l.tree.Size()
	for i, cm := range pub.OutputCommitments {
		idx, err := l.tree.Append(cm)
		if err != nil {
			return err
		}
		l.events = append(l.events, PoolEvent{
			Index:      idx,
			Commitment: cm,
			Ciphertext: append([]byte(nil), p.tx.Tx.Ext.Ciphertext[i]...),
		})
	}
	l.pushRoot(l.tree.Root())
	for _, nf := range pub.InputNullifiers {
		l.nullifiers[nf] = p.id
	}

	l.balances[from] -= pub.DepositAmount
	if pub.WithdrawAmount > 0 {
		l.balances[balanceKey{p.tx.Tx.Ext.Recipient, pub.Token}] += pub.WithdrawAmount
	}
	if pub.Fee > 0 {
		l.balances[balanceKey{l.feeAccount, pub.Token}] += pub.Fee
	}

	l.receipts[p.id] = &Receipt{ID: p.id, Status: StatusConfirmed, FirstLeaf: first}
	l.log.Info().
		Str("tx", p.id.Hex()).
		Stringer("token", pub.Token).
		Uint64("deposit", pub.DepositAmount).
		Uint64("withdraw", pub.WithdrawAmount).
		Uint64("fee", pub.Fee).
		Uint64("first_leaf", first).
		Msg("transaction confirmed")
	return nil
}

func (l *MemoryLedger) pushRoot(root common.Hash) {
	l.roots = append(l.roots, root)
	if len(l.roots) > RootHistorySize {
		l.roots = l.roots[len(l.roots)-RootHistorySize:]
	}
}

// GetStatus returns the receipt of a submitted transaction.
func (l *MemoryLedger) GetStatus(_ context.Context, id TxID) (*Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.receipts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, id.Hex())
	}
	out := *r
	return &out, nil
}

// QueryNullifier reports whether nf has been spent by a confirmed
// transaction.
func (l *MemoryLedger) QueryNullifier(_ context.Context, nf note.Nullifier) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.nullifiers[nf]
	return ok, nil
}

// StreamPoolEvents returns up to MaxEventsPerPage events starting at from.
func (l *MemoryLedger) StreamPoolEvents(_ context.Context, from uint64) ([]PoolEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from >= uint64(len(l.events)) {
		return nil, nil
	}
	to := from + MaxEventsPerPage
	if to > uint64(len(l.events)) {
		to = uint64(len(l.events))
	}
	out := make([]PoolEvent, to-from)
	copy(out, l.events[from:to])
	return out, nil
}

// Root returns the current commitment tree root.
func (l *MemoryLedger) Root(context.Context) (common.Hash, error) {
	return l.tree.Root(), nil
}

// Balance returns the public balance of account in tok.
func (l *MemoryLedger) Balance(_ context.Context, account common.Address, tok token.ID) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey{account, tok}], nil
}

// Faucet credits account with amount of tok.
func (l *MemoryLedger) Faucet(_ context.Context, account common.Address, tok token.ID, amount uint64) (uint64, error) {
	if !tok.Valid() {
		return 0, token.ErrUnknownToken
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := balanceKey{account, tok}
	if l.balances[k]+amount < l.balances[k] {
		return 0, fmt.Errorf("%w: balance overflow", ErrInvalidAmounts)
	}
	l.balances[k] += amount
	return l.balances[k], nil
}

// Stats summarizes ledger state for health and metrics reporting.
type Stats struct {
	Leaves     uint64 `json:"leaves"`
	Nullifiers int    `json:"nullifiers"`
	Txs        int    `json:"txs"`
	Pending    int    `json:"pending"`
}

func (l *MemoryLedger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		Leaves:     l.tree.Size(),
		Nullifiers: len(l.nullifiers),
		Txs:        len(l.order),
		Pending:    len(l.pending),
	}
}

// snapshot is the persisted form of the ledger.
type snapshot struct {
	Depth      int             `json:"depth"`
	Events     []PoolEvent     `json:"events"`
	Roots      []common.Hash   `json:"roots"`
	Nullifiers map[string]TxID `json:"nullifiers"`
	Receipts   []*Receipt      `json:"receipts"`
	Balances   []balanceEntry  `json:"balances"`
}

type balanceEntry struct {
	balanceKey
	Amount uint64 `json:"amount"`
}

// SaveToFile writes the ledger as JSON, overwriting path. Pending
// transactions are not saved.
func (l *MemoryLedger) SaveToFile(path string) error {
	l.mu.RLock()
	snap := snapshot{
		Depth:      l.tree.Depth(),
		Events:     l.events,
		Roots:      l.roots,
		Nullifiers: make(map[string]TxID, len(l.nullifiers)),
	}
	for nf, id := range l.nullifiers {
		snap.Nullifiers[nf.Hex()] = id
	}
	for _, id := range l.order {
		if r := l.receipts[id]; r.Status != StatusPending {
			snap.Receipts = append(snap.Receipts, r)
		}
	}
	for k, v := range l.balances {
		snap.Balances = append(snap.Balances, balanceEntry{k, v})
	}
	raw, err := json.MarshalIndent(&snap, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadLedgerFromFile restores a ledger saved by SaveToFile. The tree is
// rebuilt from the event log.
func LoadLedgerFromFile(path string, opts ...MemoryOption) (*MemoryLedger, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	l, err := NewMemoryLedger(snap.Depth, opts...)
	if err != nil {
		return nil, err
	}
	leaves := make([]merkle.Leaf, len(snap.Events))
	for i, ev := range snap.Events {
		leaves[i] = merkle.Leaf{Index: ev.Index, Commitment: ev.Commitment}
	}
	root, err := l.tree.Sync(leaves)
	if err != nil {
		return nil, fmt.Errorf("rebuild ledger tree: %w", err)
	}
	if len(snap.Roots) == 0 || snap.Roots[len(snap.Roots)-1] != root {
		return nil, errors.New("ledger root history does not match event log")
	}
	l.events = snap.Events
	l.roots = snap.Roots
	for hexNf, id := range snap.Nullifiers {
		l.nullifiers[common.HexToHash(hexNf)] = id
	}
	for _, r := range snap.Receipts {
		l.receipts[r.ID] = r
		l.order = append(l.order, r.ID)
	}
	for _, b := range snap.Balances {
		l.balances[b.balanceKey] = b.Amount
	}
	return l, nil
}
