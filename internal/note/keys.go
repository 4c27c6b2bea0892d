// keys.go - Account, spend and encryption keys.
//
// The account key is a secp256k1 key used to sign ledger transactions. The
// shielded keys are derived from a signature of SignMessage so that the
// account key alone recovers the whole wallet.

package note

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignMessage is signed by the account key to derive the shielded keys.
const SignMessage = "shieldpool: derive shielded keys v2"

// KeyProvider supplies the key material the pool client needs. It never
// exposes the raw account key.
type KeyProvider interface {
	OwnerPubkey() fr.Element
	SpendSecret() fr.Element
	EncryptionKey() *EncryptionKey
	Address() Address
	Account() common.Address
	Sign(digest []byte) ([]byte, error)
}

// EncryptionKey is a BLS12-377 Diffie-Hellman keypair.
type EncryptionKey struct {
	sk bls12377_fr.Element
	pk bls12377.G1Affine
}

// Public returns the compressed public point.
func (k *EncryptionKey) Public() [bls12377.SizeOfG1AffineCompressed]byte {
	return k.pk.Bytes()
}

func (k *EncryptionKey) shared(p *bls12377.G1Affine) bls12377.G1Affine {
	var s bls12377.G1Affine
	s.ScalarMultiplication(p, k.sk.BigInt(new(big.Int)))
	return s
}

func newEncryptionKey(sk bls12377_fr.Element) (*EncryptionKey, error) {
	if sk.IsZero() {
		return nil, errors.New("zero encryption scalar")
	}
	_, _, g1, _ := bls12377.Generators()
	k := &EncryptionKey{sk: sk}
	k.pk.ScalarMultiplication(&g1, sk.BigInt(new(big.Int)))
	return k, nil
}

// Address is what a sender needs to pay a recipient: the owner public key
// committed in notes and the encryption public key.
type Address struct {
	Owner common.Hash
	Enc   [bls12377.SizeOfG1AffineCompressed]byte
}

const addressPrefix = "zs"

func (a Address) String() string {
	return addressPrefix + hex.EncodeToString(a.Owner[:]) + hex.EncodeToString(a.Enc[:])
}

// MarshalText encodes the address as prefixed hex.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an address produced by MarshalText.
func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress decodes and validates a shielded address.
func ParseAddress(s string) (Address, error) {
	var a Address
	if !strings.HasPrefix(s, addressPrefix) {
		return a, fmt.Errorf("address must start with %q", addressPrefix)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, addressPrefix))
	if err != nil {
		return a, fmt.Errorf("decode address: %w", err)
	}
	if len(raw) != common.HashLength+len(a.Enc) {
		return a, fmt.Errorf("address length %d, want %d", len(raw), common.HashLength+len(a.Enc))
	}
	copy(a.Owner[:], raw[:common.HashLength])
	copy(a.Enc[:], raw[common.HashLength:])
	if _, err := HashToField(a.Owner); err != nil {
		return a, err
	}
	var p bls12377.G1Affine
	if _, err := p.SetBytes(a.Enc[:]); err != nil {
		return a, fmt.Errorf("encryption key: %w", err)
	}
	return a, nil
}

// Keys is the default KeyProvider backed by an in-memory account key.
type Keys struct {
	account *ecdsa.PrivateKey
	secret  fr.Element
	pubkey  fr.Element
	enc     *EncryptionKey
}

// DeriveKeys derives the shielded keys from an account key.
func DeriveKeys(account *ecdsa.PrivateKey) (*Keys, error) {
	sig, err := crypto.Sign(crypto.Keccak256([]byte(SignMessage)), account)
	if err != nil {
		return nil, fmt.Errorf("sign derivation message: %w", err)
	}
	var secret fr.Element
	secret.SetBytes(crypto.Keccak256(sig))
	if secret.IsZero() {
		return nil, errors.New("derived zero spend secret")
	}
	secretBytes := secret.Bytes()

	var encScalar bls12377_fr.Element
	encScalar.SetBytes(crypto.Keccak256(secretBytes[:], []byte("enc")))
	enc, err := newEncryptionKey(encScalar)
	if err != nil {
		return nil, err
	}
	return &Keys{
		account: account,
		secret:  secret,
		pubkey:  OwnerPubkey(secret),
		enc:     enc,
	}, nil
}

// GenerateKeys creates a fresh account key and derives its shielded keys.
func GenerateKeys() (*Keys, error) {
	account, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	return DeriveKeys(account)
}

// LoadKeys reads a hex-encoded account key file.
func LoadKeys(path string) (*Keys, error) {
	account, err := crypto.LoadECDSA(path)
	if err != nil {
		return nil, fmt.Errorf("load account key: %w", err)
	}
	return DeriveKeys(account)
}

// Save writes the account key to path with restrictive permissions.
func (k *Keys) Save(path string) error {
	return crypto.SaveECDSA(path, k.account)
}

func (k *Keys) OwnerPubkey() fr.Element       { return k.pubkey }
func (k *Keys) SpendSecret() fr.Element       { return k.secret }
func (k *Keys) EncryptionKey() *EncryptionKey { return k.enc }

func (k *Keys) Address() Address {
	return Address{Owner: FieldToHash(k.pubkey), Enc: k.enc.Public()}
}

func (k *Keys) Account() common.Address {
	return crypto.PubkeyToAddress(k.account.PublicKey)
}

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (k *Keys) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.account)
}
