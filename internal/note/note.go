// note.go - Note type and lifecycle states.
//
// A Note is never mutated once created. State changes happen on the record
// that wraps it in the note store.

package note

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"

	"github.com/HamzaZF/shieldpool/internal/token"
)

// AmountBits is the width of the range check applied to every amount in the
// transaction circuit.
const AmountBits = 62

// MaxAmount is the largest amount a single note can carry.
const MaxAmount uint64 = 1<<AmountBits - 1

// Commitment is the public identifier of a note in the commitment tree.
type Commitment = common.Hash

// Nullifier is published when a note is spent.
type Nullifier = common.Hash

var (
	// ErrAmountOverflow is returned when an amount does not fit the circuit's
	// safe range.
	ErrAmountOverflow = errors.New("amount overflow")
	// ErrInvalidNote is returned for notes with malformed fields.
	ErrInvalidNote = errors.New("invalid note")
)

// State is the lifecycle state of an owned note.
type State uint8

const (
	Unconfirmed State = iota + 1
	Confirmed
	PendingSpend
	Spent
)

func (s State) String() string {
	switch s {
	case Unconfirmed:
		return "unconfirmed"
	case Confirmed:
		return "confirmed"
	case PendingSpend:
		return "pending_spend"
	case Spent:
		return "spent"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Unconfirmed, Confirmed, PendingSpend, Spent} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown note state %q", b)
}

// Note is a shielded unit of value.
type Note struct {
	Amount    uint64      `json:"amount"`
	Token     token.ID    `json:"token"`
	Owner     common.Hash `json:"owner"`    // owner public key, H(secret)
	Blinding  common.Hash `json:"blinding"` // field element, fresh per note
	LeafIndex *uint64     `json:"leaf_index,omitempty"`
}

// New creates a note for owner with a fresh random blinding.
func New(amount uint64, tok token.ID, owner fr.Element) (*Note, error) {
	if _, err := EncodeAmount(amount); err != nil {
		return nil, err
	}
	if !tok.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrInvalidNote, token.ErrUnknownToken)
	}
	blinding, err := randomElement()
	if err != nil {
		return nil, err
	}
	return &Note{
		Amount:   amount,
		Token:    tok,
		Owner:    FieldToHash(owner),
		Blinding: FieldToHash(blinding),
	}, nil
}

// Padding creates a zero-value note used to fill unused circuit slots.
// Its random blinding keeps the commitment and nullifier unique.
func Padding(tok token.ID, owner fr.Element) (*Note, error) {
	return New(0, tok, owner)
}

// IsPadding reports whether the note contributes nothing to value sums.
func (n *Note) IsPadding() bool {
	return n.Amount == 0
}

// WithLeafIndex returns a copy of the note placed at idx in the tree.
func (n *Note) WithLeafIndex(idx uint64) *Note {
	c := *n
	c.LeafIndex = &idx
	return &c
}

// Validate checks that every field has a valid fixed-width encoding.
func (n *Note) Validate() error {
	if _, err := EncodeAmount(n.Amount); err != nil {
		return err
	}
	if !n.Token.Valid() {
		return fmt.Errorf("%w: %w", ErrInvalidNote, token.ErrUnknownToken)
	}
	if _, err := HashToField(n.Owner); err != nil {
		return fmt.Errorf("%w: owner: %w", ErrInvalidNote, err)
	}
	if _, err := HashToField(n.Blinding); err != nil {
		return fmt.Errorf("%w: blinding: %w", ErrInvalidNote, err)
	}
	return nil
}

// Equal compares the committed fields and leaf index of two notes.
func (n *Note) Equal(o *Note) bool {
	if n.Amount != o.Amount || n.Token != o.Token || n.Owner != o.Owner || n.Blinding != o.Blinding {
		return false
	}
	if (n.LeafIndex == nil) != (o.LeafIndex == nil) {
		return false
	}
	return n.LeafIndex == nil || *n.LeafIndex == *o.LeafIndex
}

// EncodeAmount returns the field encoding of amount, failing with
// ErrAmountOverflow outside the safe range.
func EncodeAmount(amount uint64) (fr.Element, error) {
	var e fr.Element
	if amount > MaxAmount {
		return e, fmt.Errorf("%w: %d exceeds %d", ErrAmountOverflow, amount, MaxAmount)
	}
	e.SetUint64(amount)
	return e, nil
}
