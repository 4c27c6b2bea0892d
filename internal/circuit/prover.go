// prover.go - Witness construction, Groth16 key management, proving and
// verification for the transaction circuit.

package circuit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/HamzaZF/shieldpool/internal/assembler"
	"github.com/HamzaZF/shieldpool/internal/ledger"
	"github.com/HamzaZF/shieldpool/internal/note"
)

// Compile compiles the transaction circuit for a tree of the given depth.
func Compile(depth int) (constraint.ConstraintSystem, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, New(depth))
	if err != nil {
		return nil, fmt.Errorf("compile transaction circuit: %w", err)
	}
	return ccs, nil
}

func hashVar(h common.Hash) *big.Int { return new(big.Int).SetBytes(h[:]) }

func fieldVar(e fr.Element) *big.Int { return e.BigInt(new(big.Int)) }

// setPublic fills the public part of c from pub.
func setPublic(c *TransactionCircuit, pub *ledger.PublicInputs) {
	c.Root = hashVar(pub.Root)
	c.DepositAmount = pub.DepositAmount
	c.WithdrawAmount = pub.WithdrawAmount
	c.Fee = pub.Fee
	c.ExtDataHash = hashVar(pub.ExtDataHash)
	c.Token = fieldVar(pub.Token.Field())
	for i, nf := range pub.InputNullifiers {
		c.InputNullifiers[i] = hashVar(nf)
	}
	for j, cm := range pub.OutputCommitments {
		c.OutputCommitments[j] = hashVar(cm)
	}
}

// Assignment builds the full witness for in.
func Assignment(depth int, in *assembler.ProofInputs) (*TransactionCircuit, error) {
	if in.Private == nil {
		return nil, fmt.Errorf("proof inputs carry no private witness")
	}
	c := New(depth)
	setPublic(c, &in.Public)
	c.Secret = fieldVar(in.Private.Secret)

	for i, w := range in.Private.Inputs {
		if len(w.Path.Siblings) != depth {
			return nil, fmt.Errorf("input %d: path has %d siblings, circuit depth is %d", i, len(w.Path.Siblings), depth)
		}
		if w.Note.LeafIndex == nil {
			return nil, fmt.Errorf("input %d has no leaf index", i)
		}
		amount, _, _, blinding, err := w.Note.FieldElements()
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		c.InAmount[i] = fieldVar(amount)
		c.InBlinding[i] = fieldVar(blinding)
		c.InPathIndex[i] = *w.Note.LeafIndex
		for l, s := range w.Path.Siblings {
			c.InPathElements[i][l] = hashVar(s)
		}
	}
	for j, n := range in.Private.Outputs {
		amount, _, owner, blinding, err := n.FieldElements()
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", j, err)
		}
		c.OutAmount[j] = fieldVar(amount)
		c.OutOwner[j] = fieldVar(owner)
		c.OutBlinding[j] = fieldVar(blinding)
	}
	return c, nil
}

// Groth16Prover proves and verifies transactions with one key pair.
type Groth16Prover struct {
	depth int
	ccs   constraint.ConstraintSystem
	pk    groth16.ProvingKey
	vk    groth16.VerifyingKey
	log   zerolog.Logger
}

// NewGroth16Prover compiles the circuit and loads keys from pkPath and
// vkPath, running a fresh setup and saving the keys when they are missing.
// Empty paths keep the keys in memory only.
func NewGroth16Prover(depth int, pkPath, vkPath string, log zerolog.Logger) (*Groth16Prover, error) {
	start := time.Now()
	ccs, err := Compile(depth)
	if err != nil {
		return nil, err
	}
	var pk groth16.ProvingKey
	var vk groth16.VerifyingKey
	if pkPath == "" || vkPath == "" {
		pk, vk, err = groth16.Setup(ccs)
	} else {
		pk, vk, err = SetupOrLoadKeys(ccs, pkPath, vkPath)
	}
	if err != nil {
		return nil, fmt.Errorf("groth16 setup: %w", err)
	}
	log.Info().
		Int("depth", depth).
		Int("constraints", ccs.GetNbConstraints()).
		Dur("elapsed", time.Since(start)).
		Msg("transaction circuit ready")
	return &Groth16Prover{depth: depth, ccs: ccs, pk: pk, vk: vk, log: log}, nil
}

// Depth is the tree depth the circuit was compiled for.
func (p *Groth16Prover) Depth() int { return p.depth }

// Prove returns a serialized proof for in. Identical inputs may be proven
// any number of times.
func (p *Groth16Prover) Prove(ctx context.Context, in *assembler.ProofInputs) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assignment, err := Assignment(p.depth, in)
	if err != nil {
		return nil, err
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	start := time.Now()
	proof, err := groth16.Prove(p.ccs, p.pk, w)
	if err != nil {
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	var buf bytes.Buffer
	if _, err := proof.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	p.log.Debug().Dur("elapsed", time.Since(start)).Int("bytes", buf.Len()).Msg("proof generated")
	return buf.Bytes(), ctx.Err()
}

// Verify checks proof against pub.
func (p *Groth16Prover) Verify(pub *ledger.PublicInputs, proofBytes []byte) error {
	for _, amt := range []uint64{pub.DepositAmount, pub.WithdrawAmount, pub.Fee} {
		if _, err := note.EncodeAmount(amt); err != nil {
			return err
		}
	}
	c := New(p.depth)
	setPublic(c, pub)
	w, err := frontend.NewWitness(c, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness creation failed: %w", err)
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(proofBytes)); err != nil {
		return fmt.Errorf("proof unmarshaling failed: %w", err)
	}
	if err := groth16.Verify(proof, p.vk, w); err != nil {
		return fmt.Errorf("proof verification failed: %w", err)
	}
	return nil
}

// SetupOrLoadKeys loads Groth16 keys from disk, or generates and saves them
// when either file is missing.
func SetupOrLoadKeys(ccs constraint.ConstraintSystem, pkPath, vkPath string) (groth16.ProvingKey, groth16.VerifyingKey, error) {
	pk, pkErr := loadProvingKey(pkPath)
	vk, vkErr := loadVerifyingKey(vkPath)
	if pkErr == nil && vkErr == nil {
		return pk, vk, nil
	}
	pk, vk, err := groth16.Setup(ccs)
	if err != nil {
		return nil, nil, err
	}
	if err := writeKey(pkPath, pk.WriteTo); err != nil {
		return nil, nil, err
	}
	if err := writeKey(vkPath, vk.WriteTo); err != nil {
		return nil, nil, err
	}
	return pk, vk, nil
}

func writeKey(path string, write func(w io.Writer) (int64, error)) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write key %s: %w", path, err)
	}
	return f.Close()
}

func loadProvingKey(path string) (groth16.ProvingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pk := groth16.NewProvingKey(ecc.BN254)
	_, err = pk.ReadFrom(f)
	return pk, err
}

func loadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	_, err = vk.ReadFrom(f)
	return vk, err
}
