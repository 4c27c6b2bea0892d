// Package ledger defines the pool's on-chain shapes and ships a devnet
// implementation of the ledger the wallet talks to.
//
// Overview:
//
// A pool transaction spends NumInputs notes and creates NumOutputs notes
// under a single proof. Its public inputs name the Merkle root the inputs
// were proven against, the input nullifiers, the output commitments, the
// public amounts moving in and out of the pool, and a hash binding the
// external data (recipient and encrypted outputs) into the proof.
//
// Every output commitment is appended to the commitment tree in order and
// published as a PoolEvent together with its ciphertext; wallets replay
// those events to rebuild their view of the tree and discover their notes.
package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/HamzaZF/shieldpool/internal/token"
)

// Transaction arity. Every transaction carries exactly this many input
// nullifiers and output commitments.
const (
	NumInputs  = 2
	NumOutputs = 2
)

var (
	ErrUnknownTx           = errors.New("unknown transaction")
	ErrBadSignature        = errors.New("invalid transaction signature")
	ErrUnknownRoot         = errors.New("unknown merkle root")
	ErrNullifierSpent      = errors.New("nullifier already spent")
	ErrDuplicateNullifier  = errors.New("duplicate nullifier in transaction")
	ErrExtDataMismatch     = errors.New("external data hash mismatch")
	ErrInvalidProof        = errors.New("invalid proof")
	ErrInsufficientBalance = errors.New("insufficient public balance")
	ErrInvalidAmounts      = errors.New("invalid public amounts")
)

// TxID identifies a transaction by the hash of its signed body.
type TxID = common.Hash

// TxStatus is the ledger-side status of a submitted transaction.
type TxStatus uint8

const (
	StatusPending TxStatus = iota + 1
	StatusConfirmed
	StatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s TxStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TxStatus) UnmarshalText(b []byte) error {
	for _, st := range []TxStatus{StatusPending, StatusConfirmed, StatusFailed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown tx status %q", b)
}

// PoolEvent announces one new leaf of the commitment tree.
type PoolEvent struct {
	Index      uint64        `json:"index"`
	Commitment common.Hash   `json:"commitment"`
	Ciphertext hexutil.Bytes `json:"ciphertext"`
}

// ExtData is the part of a transaction not proven directly; the proof binds
// it through PublicInputs.ExtDataHash.
type ExtData struct {
	Recipient  common.Address            `json:"recipient"`
	Ciphertext [NumOutputs]hexutil.Bytes `json:"ciphertext"`
}

// Hash is keccak256 over the RLP encoding, reduced into the scalar field so
// it can be a circuit public input.
func (e *ExtData) Hash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(e)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode ext data: %w", err)
	}
	digest := new(big.Int).SetBytes(crypto.Keccak256(enc))
	var reduced fr.Element
	reduced.SetBigInt(digest)
	return common.Hash(reduced.Bytes()), nil
}

// PublicInputs are the public inputs of the transaction proof.
type PublicInputs struct {
	Root              common.Hash             `json:"root"`
	DepositAmount     uint64                  `json:"deposit_amount"`
	WithdrawAmount    uint64                  `json:"withdraw_amount"`
	Fee               uint64                  `json:"fee"`
	ExtDataHash       common.Hash             `json:"ext_data_hash"`
	Token             token.ID                `json:"token"`
	InputNullifiers   [NumInputs]common.Hash  `json:"input_nullifiers"`
	OutputCommitments [NumOutputs]common.Hash `json:"output_commitments"`
}

// Transaction is an unsigned pool transaction.
type Transaction struct {
	Public PublicInputs  `json:"public"`
	Ext    ExtData       `json:"ext"`
	Proof  hexutil.Bytes `json:"proof"`
}

// SigningHash is the digest the sender signs.
func (tx *Transaction) SigningHash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode transaction: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// SignedTx is a transaction with the sender's secp256k1 signature.
type SignedTx struct {
	Tx        Transaction   `json:"tx"`
	Signature hexutil.Bytes `json:"signature"`
}

// Signer produces a recoverable signature over a digest.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Sign signs tx with signer.
func Sign(tx *Transaction, signer Signer) (*SignedTx, error) {
	digest, err := tx.SigningHash()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return &SignedTx{Tx: *tx, Signature: sig}, nil
}

// ID is keccak256 of the signing hash and signature.
func (s *SignedTx) ID() (TxID, error) {
	digest, err := s.Tx.SigningHash()
	if err != nil {
		return TxID{}, err
	}
	return crypto.Keccak256Hash(digest[:], s.Signature), nil
}

// Sender recovers the signing account.
func (s *SignedTx) Sender() (common.Address, error) {
	digest, err := s.Tx.SigningHash()
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest[:], s.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Receipt reports the outcome of a transaction.
type Receipt struct {
	ID     TxID     `json:"id"`
	Status TxStatus `json:"status"`
	Reason string   `json:"reason,omitempty"`
	// FirstLeaf is the tree index of the first output once confirmed.
	FirstLeaf uint64 `json:"first_leaf,omitempty"`
}
