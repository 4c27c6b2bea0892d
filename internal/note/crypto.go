// crypto.go - Commitment, nullifier and field helpers for the note codec.
//
// All values are BN254 scalar field elements hashed with MiMC, matching the
// transaction circuit bit for bit.

package note

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
)

// Hash computes the MiMC hash of the given field elements.
func Hash(elems ...fr.Element) fr.Element {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		// canonical encodings never fail
		_, _ = h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// FieldToHash returns the 32-byte big-endian encoding of e.
func FieldToHash(e fr.Element) common.Hash {
	return common.Hash(e.Bytes())
}

// HashToField decodes a 32-byte encoding, rejecting values outside the field.
func HashToField(h common.Hash) (fr.Element, error) {
	b := [fr.Bytes]byte(h)
	e, err := fr.BigEndian.Element(&b)
	if err != nil {
		return fr.Element{}, fmt.Errorf("non-canonical field element %s: %w", h.Hex(), err)
	}
	return e, nil
}

// OwnerPubkey derives the owner public key H(secret).
func OwnerPubkey(secret fr.Element) fr.Element {
	return Hash(secret)
}

// Commit computes H(amount, token, owner, blinding).
func Commit(n *Note) (Commitment, error) {
	amount, tok, owner, blinding, err := n.fields()
	if err != nil {
		return Commitment{}, err
	}
	return FieldToHash(Hash(amount, tok, owner, blinding)), nil
}

// Nullify computes H(commitment, leafIndex, H(secret, commitment, leafIndex)).
// The inner hash binds the nullifier to the spend secret, so only the owner
// can derive it.
func Nullify(n *Note, secret fr.Element, leafIndex uint64) (Nullifier, error) {
	cm, err := Commit(n)
	if err != nil {
		return Nullifier{}, err
	}
	cmField, _ := HashToField(cm)
	var idx fr.Element
	idx.SetUint64(leafIndex)
	sig := Hash(secret, cmField, idx)
	return FieldToHash(Hash(cmField, idx, sig)), nil
}

// Commitment is a convenience wrapper around Commit.
func (n *Note) Commitment() (Commitment, error) {
	return Commit(n)
}

// fields returns the field encodings of the committed note fields.
func (n *Note) fields() (amount, tok, owner, blinding fr.Element, err error) {
	if err = n.Validate(); err != nil {
		return
	}
	amount, _ = EncodeAmount(n.Amount)
	tok = n.Token.Field()
	owner, _ = HashToField(n.Owner)
	blinding, _ = HashToField(n.Blinding)
	return
}

// FieldElements exposes the committed fields as field elements, in
// commitment order, for witness construction.
func (n *Note) FieldElements() (amount, tok, owner, blinding fr.Element, err error) {
	return n.fields()
}

func randomElement() (fr.Element, error) {
	var e fr.Element
	if _, err := e.SetRandom(); err != nil {
		return e, fmt.Errorf("random field element: %w", err)
	}
	return e, nil
}

// RandomBlinding returns a fresh blinding value.
func RandomBlinding() (common.Hash, error) {
	e, err := randomElement()
	if err != nil {
		return common.Hash{}, err
	}
	return FieldToHash(e), nil
}
