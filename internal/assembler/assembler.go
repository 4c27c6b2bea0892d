// Package assembler turns a selection plan and desired outputs into the
// public and private inputs of one transaction proof.
//
// Nothing here talks to the network. Every check that can fail locally
// (value balance, arity, duplicate inputs, stale paths) fails here, before
// the prover or the ledger ever see the transaction.
package assembler

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/merkle"
	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

var (
	ErrValueImbalance = errors.New("value imbalance")
	// ErrDoubleSpendDetected means the same note or nullifier appears twice
	// in one transaction. It is an invariant violation, never retried.
	ErrDoubleSpendDetected = errors.New("double spend detected")
	ErrArity               = errors.New("too many inputs or outputs for circuit")
	ErrTokenMismatch       = errors.New("token mismatch")
	ErrStalePath           = errors.New("input note not under snapshot root")
)

// Output is a note to create and the address it is encrypted to.
type Output struct {
	Note *note.Note
	To   note.Address
}

// Request describes one transaction.
type Request struct {
	Keys     note.KeyProvider
	Tree     *merkle.Tree
	Token    token.ID
	Inputs   []store.Record
	Outputs  []Output
	Deposit  uint64
	Withdraw uint64
	Fee      uint64
	// Recipient receives Withdraw on the public side.
	Recipient common.Address
}

// InputWitness is one spent note with its authentication path.
type InputWitness struct {
	Note      note.Note
	Nullifier note.Nullifier
	Path      merkle.Path
}

// PrivateInputs is the secret part of the witness. It is never persisted.
type PrivateInputs struct {
	Secret  fr.Element
	Inputs  [ledger.NumInputs]InputWitness
	Outputs [ledger.NumOutputs]note.Note
}

// ProofInputs is everything the prover needs, plus the external data the
// transaction will carry.
type ProofInputs struct {
	Public  ledger.PublicInputs `json:"public"`
	Ext     ledger.ExtData      `json:"ext"`
	Private *PrivateInputs      `json:"-"`
	// Outputs are the created notes in output order, kept so the wallet can
	// track its change once the transaction confirms.
	Outputs [ledger.NumOutputs]note.Note `json:"outputs"`
}

// Assemble builds the proof inputs for req. Unused input and output slots are
// filled with zero-value padding notes owned by the caller; padding inputs
// use an all-empty path that the circuit does not check.
func Assemble(req *Request) (*ProofInputs, error) {
	if len(req.Inputs) > ledger.NumInputs || len(req.Outputs) > ledger.NumOutputs {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs", ErrArity, len(req.Inputs), len(req.Outputs))
	}
	if !req.Token.Valid() {
		return nil, token.ErrUnknownToken
	}
	if err := checkBalance(req); err != nil {
		return nil, err
	}

	secret := req.Keys.SpendSecret()
	owner := req.Keys.OwnerPubkey()
	priv := &PrivateInputs{Secret: secret}
	out := &ProofInputs{Private: priv}

	// Step 1: snapshot root and paths for the real inputs together
	indices := make([]uint64, len(req.Inputs))
	seen := make(map[note.Commitment]bool, len(req.Inputs))
	for i, in := range req.Inputs {
		if in.Note.Token != req.Token {
			return nil, fmt.Errorf("%w: input %d is %s, transaction is %s", ErrTokenMismatch, i, in.Note.Token, req.Token)
		}
		if in.Note.LeafIndex == nil {
			return nil, fmt.Errorf("input %s has no leaf index", in.Commitment.Hex())
		}
		if seen[in.Commitment] {
			return nil, fmt.Errorf("%w: note %s selected twice", ErrDoubleSpendDetected, in.Commitment.Hex())
		}
		seen[in.Commitment] = true
		indices[i] = *in.Note.LeafIndex
	}
	root, paths, err := req.Tree.Snapshot(indices)
	if err != nil {
		return nil, err
	}
	out.Public.Root = root

	// Step 2: real inputs, then padding
	for i := 0; i < ledger.NumInputs; i++ {
		var w InputWitness
		if i < len(req.Inputs) {
			in := req.Inputs[i]
			cm, err := note.Commit(&in.Note)
			if err != nil {
				return nil, err
			}
			if cm != in.Commitment {
				return nil, fmt.Errorf("input %d: stored commitment does not match note", i)
			}
			if !merkle.Verify(paths[i], cm, root) {
				return nil, fmt.Errorf("%w: %s at %d", ErrStalePath, cm.Hex(), *in.Note.LeafIndex)
			}
			nf, err := note.Nullify(&in.Note, secret, *in.Note.LeafIndex)
			if err != nil {
				return nil, err
			}
			if in.Nullifier != nil && *in.Nullifier != nf {
				return nil, fmt.Errorf("input %d: stored nullifier does not match derivation", i)
			}
			w = InputWitness{Note: in.Note, Nullifier: nf, Path: paths[i]}
		} else {
			pad, err := note.Padding(req.Token, owner)
			if err != nil {
				return nil, err
			}
			pad = pad.WithLeafIndex(0)
			nf, err := note.Nullify(pad, secret, 0)
			if err != nil {
				return nil, err
			}
			w = InputWitness{Note: *pad, Nullifier: nf, Path: merkle.ZeroPath(req.Tree.Depth())}
		}
		priv.Inputs[i] = w
		out.Public.InputNullifiers[i] = w.Nullifier
	}
	if err := distinctNullifiers(out.Public.InputNullifiers); err != nil {
		return nil, err
	}

	// Step 3: outputs, encrypted to their recipients
	self := req.Keys.Address()
	for j := 0; j < ledger.NumOutputs; j++ {
		var o Output
		if j < len(req.Outputs) {
			o = req.Outputs[j]
			if o.Note.Token != req.Token {
				return nil, fmt.Errorf("%w: output %d is %s", ErrTokenMismatch, j, o.Note.Token)
			}
		} else {
			pad, err := note.Padding(req.Token, owner)
			if err != nil {
				return nil, err
			}
			o = Output{Note: pad, To: self}
		}
		cm, err := note.Commit(o.Note)
		if err != nil {
			return nil, err
		}
		ct, err := note.Encrypt(o.Note, o.To)
		if err != nil {
			return nil, fmt.Errorf("encrypt output %d: %w", j, err)
		}
		unplaced := *o.Note
		unplaced.LeafIndex = nil
		priv.Outputs[j] = unplaced
		out.Outputs[j] = unplaced
		out.Public.OutputCommitments[j] = cm
		out.Ext.Ciphertext[j] = ct
	}

	// Step 4: public amounts and external data binding
	out.Ext.Recipient = req.Recipient
	out.Public.DepositAmount = req.Deposit
	out.Public.WithdrawAmount = req.Withdraw
	out.Public.Fee = req.Fee
	out.Public.Token = req.Token
	out.Public.ExtDataHash, err = out.Ext.Hash()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkBalance enforces sum(in) + deposit == sum(out) + withdraw + fee.
func checkBalance(req *Request) error {
	in := uint256.NewInt(req.Deposit)
	for _, r := range req.Inputs {
		in.Add(in, uint256.NewInt(r.Note.Amount))
	}
	out := new(uint256.Int).Add(uint256.NewInt(req.Withdraw), uint256.NewInt(req.Fee))
	for _, o := range req.Outputs {
		if o.Note == nil {
			return fmt.Errorf("%w: nil output note", note.ErrInvalidNote)
		}
		out.Add(out, uint256.NewInt(o.Note.Amount))
	}
	if in.Cmp(out) != 0 {
		return fmt.Errorf("%w: inputs %s, outputs %s", ErrValueImbalance, in.Dec(), out.Dec())
	}
	for _, amt := range []uint64{req.Deposit, req.Withdraw, req.Fee} {
		if _, err := note.EncodeAmount(amt); err != nil {
			return err
		}
	}
	return nil
}

func distinctNullifiers(nfs [ledger.NumInputs]note.Nullifier) error {
	for i := range nfs {
		for j := i + 1; j < len(nfs); j++ {
			if nfs[i] == nfs[j] {
				return fmt.Errorf("%w: nullifier %s repeated", ErrDoubleSpendDetected, nfs[i].Hex())
			}
		}
	}
	return nil
}
