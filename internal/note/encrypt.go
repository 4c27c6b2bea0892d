// encrypt.go - Note encryption for recipients.
//
// Wire format:
//
//	version(8) | ephemeral_pk(48) | nonce(12) | sealed(amount(8) | token(32) | owner(32) | blinding(32)) + tag(16)
//
// The key is HKDF-SHA256 over the compressed BLS12-377 shared point, salted
// with the ephemeral public key. Version and ephemeral key are authenticated
// as additional data.

package note

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/HamzaZF/shieldpool/internal/token"
)

// CiphertextVersion tags the current encryption format.
var CiphertextVersion = [8]byte{0, 0, 0, 0, 0, 0, 0, 3}

const (
	versionSize   = 8
	ephemeralSize = bls12377.SizeOfG1AffineCompressed
	plaintextSize = 8 + 3*fr.Bytes
	headerSize    = versionSize + ephemeralSize + chacha20poly1305.NonceSize

	// CiphertextSize is the exact length of every note ciphertext.
	CiphertextSize = headerSize + plaintextSize + chacha20poly1305.Overhead
)

var hkdfInfo = []byte("shieldpool note v3")

// Encrypt seals n for the holder of to. The leaf index is not encrypted; the
// recipient learns it from the pool event carrying the ciphertext.
func Encrypt(n *Note, to Address) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	var recipient bls12377.G1Affine
	if _, err := recipient.SetBytes(to.Enc[:]); err != nil {
		return nil, fmt.Errorf("recipient encryption key: %w", err)
	}
	if recipient.IsInfinity() {
		return nil, fmt.Errorf("recipient encryption key is the identity")
	}

	var ephSk bls12377_fr.Element
	if _, err := ephSk.SetRandom(); err != nil {
		return nil, fmt.Errorf("ephemeral scalar: %w", err)
	}
	eph, err := newEncryptionKey(ephSk)
	if err != nil {
		return nil, err
	}
	shared := eph.shared(&recipient)
	epk := eph.Public()

	aead, err := newAEAD(&shared, epk[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	ad := make([]byte, 0, versionSize+ephemeralSize)
	ad = append(ad, CiphertextVersion[:]...)
	ad = append(ad, epk[:]...)

	out := make([]byte, 0, CiphertextSize)
	out = append(out, ad...)
	out = append(out, nonce...)

	pt := make([]byte, 0, plaintextSize)
	pt = binary.BigEndian.AppendUint64(pt, n.Amount)
	tok := n.Token.Field()
	tokBytes := tok.Bytes()
	pt = append(pt, tokBytes[:]...)
	pt = append(pt, n.Owner[:]...)
	pt = append(pt, n.Blinding[:]...)

	return aead.Seal(out, nonce, pt, ad), nil
}

// Decrypt opens a ciphertext with the keys of the local wallet. It returns
// false, never an error, when the ciphertext is not addressed to keys or is
// malformed: that is the common case while scanning. The owner comes from
// the sealed plaintext, so a note encrypted to keys may still be owned by
// another spend secret; callers check Owner before treating it as theirs.
func Decrypt(ct []byte, keys KeyProvider) (*Note, bool) {
	if len(ct) != CiphertextSize || !bytes.Equal(ct[:versionSize], CiphertextVersion[:]) {
		return nil, false
	}
	epkBytes := ct[versionSize : versionSize+ephemeralSize]
	var epk bls12377.G1Affine
	if _, err := epk.SetBytes(epkBytes); err != nil {
		return nil, false
	}
	shared := keys.EncryptionKey().shared(&epk)
	aead, err := newAEAD(&shared, epkBytes)
	if err != nil {
		return nil, false
	}
	nonce := ct[versionSize+ephemeralSize : headerSize]
	pt, err := aead.Open(nil, nonce, ct[headerSize:], ct[:versionSize+ephemeralSize])
	if err != nil || len(pt) != plaintextSize {
		return nil, false
	}

	n := &Note{Amount: binary.BigEndian.Uint64(pt[:8])}
	var tokField fr.Element
	tokField.SetBytes(pt[8 : 8+fr.Bytes])
	tok, err := token.FromField(tokField)
	if err != nil {
		return nil, false
	}
	n.Token = tok
	copy(n.Owner[:], pt[8+fr.Bytes:8+2*fr.Bytes])
	copy(n.Blinding[:], pt[8+2*fr.Bytes:])
	if n.Validate() != nil {
		return nil, false
	}
	return n, true
}

func newAEAD(shared *bls12377.G1Affine, salt []byte) (cipher.AEAD, error) {
	secret := shared.Bytes()
	kdf := hkdf.New(sha256.New, secret[:], salt, hkdfInfo)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive note key: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("note cipher: %w", err)
	}
	return aead, nil
}
