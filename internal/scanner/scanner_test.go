package scanner

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

const depth = 8

// stream is a pool event log with paging, standing in for the ledger.
type stream struct {
	events []ledger.PoolEvent
	page   int
}

func (s *stream) StreamPoolEvents(_ context.Context, from uint64) ([]ledger.PoolEvent, error) {
	if from >= uint64(len(s.events)) {
		return nil, nil
	}
	to := from + uint64(s.page)
	if to > uint64(len(s.events)) {
		to = uint64(len(s.events))
	}
	return s.events[from:to], nil
}

func (s *stream) add(t *testing.T, n *note.Note, to note.Address) {
	t.Helper()
	cm, err := note.Commit(n)
	require.NoError(t, err)
	ct, err := note.Encrypt(n, to)
	require.NoError(t, err)
	s.events = append(s.events, ledger.PoolEvent{Index: uint64(len(s.events)), Commitment: cm, Ciphertext: ct})
}

func keys(t *testing.T) *note.Keys {
	t.Helper()
	k, err := note.GenerateKeys()
	require.NoError(t, err)
	return k
}

// mixed builds a log with own, foreign and padding notes.
func mixed(t *testing.T, me, other *note.Keys) *stream {
	t.Helper()
	s := &stream{page: 3}
	for i, amt := range []uint64{100, 200, 0, 300, 400, 500, 0} {
		owner := me
		if i%3 == 1 {
			owner = other
		}
		n, err := note.New(amt, token.Native, owner.OwnerPubkey())
		require.NoError(t, err)
		s.add(t, n, owner.Address())
	}
	return s
}

func newScanner(t *testing.T, k *note.Keys, st *store.Store) *Scanner {
	t.Helper()
	tree, err := merkle.New(depth)
	require.NoError(t, err)
	sc, err := New(k, st, tree, WithWorkers(2))
	require.NoError(t, err)
	return sc
}

func TestApplyDiscoversOwnNotes(t *testing.T) {
	me, other := keys(t), keys(t)
	src := mixed(t, me, other)
	st := store.NewMemory()
	sc := newScanner(t, me, st)

	res, err := sc.Apply(context.Background(), src.events)
	require.NoError(t, err)
	assert.Equal(t, len(src.events), res.Events)
	assert.Equal(t, uint64(len(src.events)), res.Checkpoint)

	// indices 0, 3, 5 are mine with value; 1 and 4 foreign; 2 and 6 padding
	require.Len(t, res.Discovered, 3)
	for i, idx := range []uint64{0, 3, 5} {
		assert.Equal(t, src.events[idx].Commitment, res.Discovered[i])
		rec, ok := st.Get(src.events[idx].Commitment)
		require.True(t, ok)
		assert.Equal(t, note.Confirmed, rec.State)
		require.NotNil(t, rec.Note.LeafIndex)
		assert.Equal(t, idx, *rec.Note.LeafIndex)
		want, err := note.Nullify(&rec.Note, me.SpendSecret(), idx)
		require.NoError(t, err)
		assert.Equal(t, want, *rec.Nullifier)
	}
	assert.Equal(t, uint64(100+300+500), st.Balance(token.Native).Confirmed)
}

func TestReplayIsIdempotent(t *testing.T) {
	me, other := keys(t), keys(t)
	src := mixed(t, me, other)
	st := store.NewMemory()
	sc := newScanner(t, me, st)
	ctx := context.Background()

	first, err := sc.Apply(ctx, src.events)
	require.NoError(t, err)
	before := st.List(nil)

	again, err := sc.Apply(ctx, src.events)
	require.NoError(t, err)
	assert.Zero(t, again.Events)
	assert.Empty(t, again.Discovered)
	assert.Equal(t, first.Root, again.Root)
	assert.Equal(t, before, st.List(nil))

	// overlapping replay from the middle
	_, err = sc.Apply(ctx, src.events[2:5])
	require.NoError(t, err)
	assert.Equal(t, before, st.List(nil))
}

func TestSyncResumesFromCheckpoint(t *testing.T) {
	me, other := keys(t), keys(t)
	src := mixed(t, me, other)
	dir := t.TempDir()
	ctx := context.Background()

	st, err := store.Open(dir)
	require.NoError(t, err)
	sc := newScanner(t, me, st)
	_, err = sc.Apply(ctx, src.events[:4])
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(dir)
	require.NoError(t, err)
	defer st.Close()
	sc = newScanner(t, me, st)
	assert.Equal(t, uint64(4), sc.Tree().Size(), "tree restored from store")

	res, err := sc.Sync(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Events)
	assert.Len(t, res.Discovered, 1)
	assert.Equal(t, uint64(7), res.Checkpoint)

	ref, err := merkle.New(depth)
	require.NoError(t, err)
	for _, ev := range src.events {
		_, err := ref.Append(ev.Commitment)
		require.NoError(t, err)
	}
	assert.Equal(t, ref.Root(), res.Root)
	assert.Len(t, st.Spendable(token.Native), 3)
}

func TestApplyRejectsGap(t *testing.T) {
	me, other := keys(t), keys(t)
	src := mixed(t, me, other)
	st := store.NewMemory()
	sc := newScanner(t, me, st)
	ctx := context.Background()

	_, err := sc.Apply(ctx, src.events[:2])
	require.NoError(t, err)
	_, err = sc.Apply(ctx, src.events[3:])
	require.ErrorIs(t, err, merkle.ErrOutOfOrderLeaf)
	assert.Equal(t, uint64(2), st.Checkpoint())
	assert.Equal(t, uint64(2), sc.Tree().Size())
	assert.Len(t, st.List(nil), 1, "nothing from the rejected batch is stored")
}

func TestForgedCiphertextIgnored(t *testing.T) {
	me := keys(t)
	n, err := note.New(50, token.USDC, me.OwnerPubkey())
	require.NoError(t, err)
	ct, err := note.Encrypt(n, me.Address())
	require.NoError(t, err)

	sc := newScanner(t, me, store.NewMemory())
	res, err := sc.Apply(context.Background(), []ledger.PoolEvent{
		{Index: 0, Commitment: common.Hash{0x01}, Ciphertext: ct},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Discovered)
	assert.Equal(t, 1, res.Events)
}

// A note encrypted to us but committed to another spend secret cannot be
// spent by this wallet and is not recorded.
func TestForeignOwnerIgnored(t *testing.T) {
	me, other := keys(t), keys(t)
	n, err := note.New(70, token.USDT, other.OwnerPubkey())
	require.NoError(t, err)
	src := &stream{page: 1}
	src.add(t, n, me.Address())

	st := store.NewMemory()
	sc := newScanner(t, me, st)
	res, err := sc.Apply(context.Background(), src.events)
	require.NoError(t, err)
	assert.Empty(t, res.Discovered)
	assert.Zero(t, st.Balance(token.USDT).Confirmed)
}

func TestApplyPromotesUnconfirmedChange(t *testing.T) {
	me := keys(t)
	st := store.NewMemory()
	change, err := note.New(70, token.Native, me.OwnerPubkey())
	require.NoError(t, err)
	_, err = st.AddNote(change, note.Unconfirmed, nil)
	require.NoError(t, err)

	src := &stream{page: 10}
	src.add(t, change, me.Address())
	sc := newScanner(t, me, st)
	_, err = sc.Sync(context.Background(), src)
	require.NoError(t, err)

	cm, _ := note.Commit(change)
	rec, ok := st.Get(cm)
	require.True(t, ok)
	assert.Equal(t, note.Confirmed, rec.State)
	require.NotNil(t, rec.Note.LeafIndex)
}

type spentSet map[note.Nullifier]bool

func (s spentSet) QueryNullifier(_ context.Context, nf note.Nullifier) (bool, error) {
	return s[nf], nil
}

func TestRefreshSpent(t *testing.T) {
	me, other := keys(t), keys(t)
	src := mixed(t, me, other)
	st := store.NewMemory()
	sc := newScanner(t, me, st)
	res, err := sc.Apply(context.Background(), src.events)
	require.NoError(t, err)

	rec, _ := st.Get(res.Discovered[1])
	spent, err := sc.RefreshSpent(context.Background(), spentSet{*rec.Nullifier: true})
	require.NoError(t, err)
	assert.Equal(t, []note.Commitment{res.Discovered[1]}, spent)
	assert.Len(t, st.Spendable(token.Native), 2)
}
