package assembler

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

type env struct {
	keys *note.Keys
	tree *merkle.Tree
}

func newEnv(t *testing.T) *env {
	t.Helper()
	keys, err := note.GenerateKeys()
	require.NoError(t, err)
	tree, err := merkle.New(8)
	require.NoError(t, err)
	return &env{keys: keys, tree: tree}
}

// owned appends a note to the tree and returns its store record.
func (e *env) owned(t *testing.T, amount uint64, tok token.ID) store.Record {
	t.Helper()
	n, err := note.New(amount, tok, e.keys.OwnerPubkey())
	require.NoError(t, err)
	cm, err := note.Commit(n)
	require.NoError(t, err)
	idx, err := e.tree.Append(cm)
	require.NoError(t, err)
	n = n.WithLeafIndex(idx)
	nf, err := note.Nullify(n, e.keys.SpendSecret(), idx)
	require.NoError(t, err)
	return store.Record{Note: *n, Commitment: cm, State: note.PendingSpend, Nullifier: &nf}
}

func (e *env) output(t *testing.T, amount uint64, tok token.ID) Output {
	t.Helper()
	n, err := note.New(amount, tok, e.keys.OwnerPubkey())
	require.NoError(t, err)
	return Output{Note: n, To: e.keys.Address()}
}

func TestAssembleWithdrawal(t *testing.T) {
	e := newEnv(t)
	a := e.owned(t, 3_000_000, token.USDC)
	b := e.owned(t, 4_000_000, token.USDC)
	change := e.output(t, 990_000, token.USDC)
	recipient := common.Address{0xbe, 0xef}

	pi, err := Assemble(&Request{
		Keys:      e.keys,
		Tree:      e.tree,
		Token:     token.USDC,
		Inputs:    []store.Record{a, b},
		Outputs:   []Output{change},
		Withdraw:  6_000_000,
		Fee:       10_000,
		Recipient: recipient,
	})
	require.NoError(t, err)

	assert.Equal(t, e.tree.Root(), pi.Public.Root)
	assert.Equal(t, *a.Nullifier, pi.Public.InputNullifiers[0])
	assert.Equal(t, *b.Nullifier, pi.Public.InputNullifiers[1])
	assert.Equal(t, uint64(6_000_000), pi.Public.WithdrawAmount)
	assert.Equal(t, token.USDC, pi.Public.Token)
	assert.Equal(t, recipient, pi.Ext.Recipient)

	extHash, err := pi.Ext.Hash()
	require.NoError(t, err)
	assert.Equal(t, extHash, pi.Public.ExtDataHash)

	for i, w := range pi.Private.Inputs {
		cm, err := note.Commit(&w.Note)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(w.Path, cm, pi.Public.Root), "input %d", i)
	}

	changeCm, err := note.Commit(change.Note)
	require.NoError(t, err)
	assert.Equal(t, changeCm, pi.Public.OutputCommitments[0])
	assert.True(t, pi.Outputs[1].IsPadding())

	for j, ct := range pi.Ext.Ciphertext {
		got, ok := note.Decrypt(ct, e.keys)
		require.True(t, ok, "output %d", j)
		cm, err := note.Commit(got)
		require.NoError(t, err)
		assert.Equal(t, pi.Public.OutputCommitments[j], cm)
	}
}

func TestAssembleDepositPadsInputs(t *testing.T) {
	e := newEnv(t)
	pi, err := Assemble(&Request{
		Keys:    e.keys,
		Tree:    e.tree,
		Token:   token.Native,
		Outputs: []Output{e.output(t, 965, token.Native)},
		Deposit: 1_000,
		Fee:     35,
	})
	require.NoError(t, err)
	assert.Equal(t, merkle.EmptyRoot(8), pi.Public.Root)
	for _, w := range pi.Private.Inputs {
		assert.True(t, w.Note.IsPadding())
		assert.Len(t, w.Path.Siblings, 8)
	}
	assert.NotEqual(t, pi.Public.InputNullifiers[0], pi.Public.InputNullifiers[1])
	assert.NotEqual(t, pi.Public.OutputCommitments[0], pi.Public.OutputCommitments[1])
}

func TestAssembleRejects(t *testing.T) {
	e := newEnv(t)
	a := e.owned(t, 100, token.Native)
	b := e.owned(t, 50, token.Native)
	usdt := e.owned(t, 50, token.USDT)

	orphan := e.owned(t, 100, token.Native)
	// a tree that never saw orphan
	other, err := merkle.New(8)
	require.NoError(t, err)
	_, err = other.Sync(e.tree.Leaves(0, 3))
	require.NoError(t, err)

	tests := []struct {
		name string
		req  Request
		err  error
	}{
		{"imbalance", Request{Inputs: []store.Record{a}, Withdraw: 90, Fee: 5}, ErrValueImbalance},
		{"arity", Request{Inputs: []store.Record{a, b, a}, Withdraw: 250}, ErrArity},
		{"same note twice", Request{Inputs: []store.Record{a, a}, Withdraw: 200}, ErrDoubleSpendDetected},
		{"token", Request{Inputs: []store.Record{a, usdt}, Withdraw: 150}, ErrTokenMismatch},
		{"overflow", Request{Deposit: note.MaxAmount + 1, Withdraw: note.MaxAmount + 1}, note.ErrAmountOverflow},
		{"unknown leaf", Request{Tree: other, Inputs: []store.Record{orphan}, Withdraw: 100}, merkle.ErrUnknownLeaf},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Keys = e.keys
			req.Token = token.Native
			if req.Tree == nil {
				req.Tree = e.tree
			}
			_, err := Assemble(&req)
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestAssembleDetectsStalePath(t *testing.T) {
	e := newEnv(t)
	a := e.owned(t, 100, token.Native)

	// a different tree with a different leaf at a's index
	forked, err := merkle.New(8)
	require.NoError(t, err)
	_, err = forked.Append(common.Hash{0x01})
	require.NoError(t, err)

	_, err = Assemble(&Request{
		Keys:     e.keys,
		Tree:     forked,
		Token:    token.Native,
		Inputs:   []store.Record{a},
		Withdraw: 100,
	})
	require.ErrorIs(t, err, ErrStalePath)
}

func TestAssembleRejectsForeignNote(t *testing.T) {
	e := newEnv(t)
	a := e.owned(t, 100, token.Native)
	wrong := note.Nullifier{0x01}
	a.Nullifier = &wrong

	_, err := Assemble(&Request{
		Keys:     e.keys,
		Tree:     e.tree,
		Token:    token.Native,
		Inputs:   []store.Record{a},
		Withdraw: 100,
	})
	require.Error(t, err)
}
