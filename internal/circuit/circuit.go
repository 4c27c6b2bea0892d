// Package circuit defines the pool transaction circuit and a local Groth16
// prover and verifier for it.
//
// Overview:
//
// The circuit proves, for NumInputs spent notes and NumOutputs created
// notes, that
//
//   - every input nullifier is derived from a note owned by the prover's
//     secret, at its leaf index;
//   - every input with a non-zero amount is a leaf under Root;
//   - every output commitment opens to the given amount, token, owner and
//     blinding;
//   - all amounts fit AmountBits bits and the nullifiers are distinct;
//   - sum(in) + DepositAmount == sum(out) + WithdrawAmount + Fee.
//
// Zero-amount inputs are padding: their membership is not enforced, so a
// transaction with fewer real inputs can still fill every slot.
package circuit

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash/mimc"

	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/note"
)

const (
	NIns  = ledger.NumInputs
	NOuts = ledger.NumOutputs
)

// TransactionCircuit is the pool transaction relation for a tree of fixed
// depth. Use New to allocate the path slices.
type TransactionCircuit struct {
	// Public inputs
	Root              frontend.Variable        `gnark:",public"`
	DepositAmount     frontend.Variable        `gnark:",public"`
	WithdrawAmount    frontend.Variable        `gnark:",public"`
	Fee               frontend.Variable        `gnark:",public"`
	ExtDataHash       frontend.Variable        `gnark:",public"`
	Token             frontend.Variable        `gnark:",public"`
	InputNullifiers   [NIns]frontend.Variable  `gnark:",public"`
	OutputCommitments [NOuts]frontend.Variable `gnark:",public"`

	// Private inputs
	Secret         frontend.Variable
	InAmount       [NIns]frontend.Variable
	InBlinding     [NIns]frontend.Variable
	InPathIndex    [NIns]frontend.Variable
	InPathElements [NIns][]frontend.Variable
	OutAmount      [NOuts]frontend.Variable
	OutOwner       [NOuts]frontend.Variable
	OutBlinding    [NOuts]frontend.Variable
}

// New returns a circuit shaped for a tree of the given depth.
func New(depth int) *TransactionCircuit {
	c := &TransactionCircuit{}
	for i := range c.InPathElements {
		c.InPathElements[i] = make([]frontend.Variable, depth)
	}
	return c
}

func (c *TransactionCircuit) Define(api frontend.API) error {
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}
	hash := func(vs ...frontend.Variable) frontend.Variable {
		hasher.Reset()
		hasher.Write(vs...)
		return hasher.Sum()
	}

	// Step 1: range checks on public amounts
	api.ToBinary(c.DepositAmount, note.AmountBits)
	api.ToBinary(c.WithdrawAmount, note.AmountBits)
	api.ToBinary(c.Fee, note.AmountBits)

	owner := hash(c.Secret)

	// Step 2: inputs
	sumIn := frontend.Variable(0)
	for i := 0; i < NIns; i++ {
		api.ToBinary(c.InAmount[i], note.AmountBits)
		cm := hash(c.InAmount[i], c.Token, owner, c.InBlinding[i])
		sig := hash(c.Secret, cm, c.InPathIndex[i])
		nf := hash(cm, c.InPathIndex[i], sig)
		api.AssertIsEqual(nf, c.InputNullifiers[i])

		bits := api.ToBinary(c.InPathIndex[i], len(c.InPathElements[i]))
		node := cm
		for level, sibling := range c.InPathElements[i] {
			left := api.Select(bits[level], sibling, node)
			right := api.Select(bits[level], node, sibling)
			node = hash(left, right)
		}
		// membership only binds for non-zero amounts
		api.AssertIsEqual(api.Mul(c.InAmount[i], api.Sub(node, c.Root)), 0)

		sumIn = api.Add(sumIn, c.InAmount[i])
	}
	for i := 0; i < NIns; i++ {
		for j := i + 1; j < NIns; j++ {
			api.AssertIsDifferent(c.InputNullifiers[i], c.InputNullifiers[j])
		}
	}

	// Step 3: outputs
	sumOut := frontend.Variable(0)
	for j := 0; j < NOuts; j++ {
		api.ToBinary(c.OutAmount[j], note.AmountBits)
		cm := hash(c.OutAmount[j], c.Token, c.OutOwner[j], c.OutBlinding[j])
		api.AssertIsEqual(cm, c.OutputCommitments[j])
		sumOut = api.Add(sumOut, c.OutAmount[j])
	}

	// Step 4: value conservation
	api.AssertIsEqual(
		api.Add(sumIn, c.DepositAmount),
		api.Add(sumOut, c.WithdrawAmount, c.Fee),
	)

	// ExtDataHash must appear in at least one constraint
	api.Mul(c.ExtDataHash, c.ExtDataHash)
	return nil
}
