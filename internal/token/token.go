// token.go - Closed set of pool tokens and their fixed parameter table.
//
// Every token the pool accepts is a value of ID. Behaviour that differs between
// tokens (decimals, minimum withdrawal, fees) lives in a data table, not in
// per-token code paths.

package token

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ID identifies a pool token. The zero value is invalid.
type ID uint8

const (
	Native ID = iota + 1
	USDC
	USDT
)

// ErrUnknownToken is returned when a token id or name is not in the table.
var ErrUnknownToken = errors.New("unknown token")

// FeeSchedule holds the relayer fee parameters for one token.
// Rates are in basis points; rent fees are in base units.
type FeeSchedule struct {
	DepositRateBps  uint64 `json:"deposit_rate_bps" yaml:"deposit_rate_bps"`
	WithdrawRateBps uint64 `json:"withdraw_rate_bps" yaml:"withdraw_rate_bps"`
	WithdrawRentFee uint64 `json:"withdraw_rent_fee" yaml:"withdraw_rent_fee"`
}

// Info is one row of the token table.
type Info struct {
	ID            ID
	Name          string
	Decimals      uint8
	MinWithdrawal uint64
	Fees          FeeSchedule
	// Asset is the 32-byte asset identifier on the ledger.
	Asset common.Hash
}

// mu guards the Fees of table rows. The row set itself never changes.
var mu sync.RWMutex

var table = map[ID]*Info{
	Native: {
		ID:            Native,
		Name:          "native",
		Decimals:      9,
		MinWithdrawal: 10_000_000,
		Fees:          FeeSchedule{DepositRateBps: 0, WithdrawRateBps: 35, WithdrawRentFee: 2_000_000},
		Asset:         common.BytesToHash([]byte{1}),
	},
	USDC: {
		ID:            USDC,
		Name:          "usdc",
		Decimals:      6,
		MinWithdrawal: 2_000_000,
		Fees:          FeeSchedule{DepositRateBps: 0, WithdrawRateBps: 35, WithdrawRentFee: 750_000},
		Asset:         crypto.Keccak256Hash([]byte("shieldpool/token/usdc")),
	},
	USDT: {
		ID:            USDT,
		Name:          "usdt",
		Decimals:      6,
		MinWithdrawal: 2_000_000,
		Fees:          FeeSchedule{DepositRateBps: 0, WithdrawRateBps: 35, WithdrawRentFee: 750_000},
		Asset:         crypto.Keccak256Hash([]byte("shieldpool/token/usdt")),
	},
}

// All returns every token in the table, ordered by id.
func All() []ID {
	return []ID{Native, USDC, USDT}
}

// Lookup returns a copy of the table row for id.
func Lookup(id ID) (*Info, error) {
	info, ok := table[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	mu.RLock()
	row := *info
	mu.RUnlock()
	return &row, nil
}

// Parse resolves a token by its table name (case-insensitive).
func Parse(name string) (ID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, info := range table {
		if info.Name == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownToken, name)
}

// FromField resolves a token from its circuit field encoding.
func FromField(e fr.Element) (ID, error) {
	for _, id := range All() {
		if f := id.Field(); f.Equal(&e) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: field %s", ErrUnknownToken, e.String())
}

// Valid reports whether id is in the table.
func (id ID) Valid() bool {
	_, ok := table[id]
	return ok
}

func (id ID) String() string {
	if info, ok := table[id]; ok {
		return info.Name
	}
	return fmt.Sprintf("token(%d)", uint8(id))
}

// Field returns the token as a field element: the first 31 bytes of its
// asset id, so it always fits the scalar field.
func (id ID) Field() fr.Element {
	var e fr.Element
	info, ok := table[id]
	if !ok {
		return e
	}
	e.SetBytes(info.Asset[:31])
	return e
}

// MarshalText encodes the token by name.
func (id ID) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	return []byte(id.String()), nil
}

// UnmarshalText decodes a token name.
func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SetFees overrides the fee schedule of a token, typically from relayer
// configuration at startup. Safe to call while fees are being computed.
func SetFees(id ID, fees FeeSchedule) error {
	info, ok := table[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownToken, id)
	}
	mu.Lock()
	info.Fees = fees
	mu.Unlock()
	return nil
}

// WithdrawFee computes the relayer fee for withdrawing amount:
// ceil(amount * rate / 10000) + rent.
func (id ID) WithdrawFee(amount uint64) (uint64, error) {
	info, err := Lookup(id)
	if err != nil {
		return 0, err
	}
	return proportionalFee(amount, info.Fees.WithdrawRateBps, info.Fees.WithdrawRentFee)
}

// DepositFee computes the relayer fee for depositing amount.
func (id ID) DepositFee(amount uint64) (uint64, error) {
	info, err := Lookup(id)
	if err != nil {
		return 0, err
	}
	return proportionalFee(amount, info.Fees.DepositRateBps, 0)
}

// CheckWithdrawal enforces the minimum withdrawal amount.
func (id ID) CheckWithdrawal(amount uint64) error {
	info, err := Lookup(id)
	if err != nil {
		return err
	}
	if amount < info.MinWithdrawal {
		return fmt.Errorf("withdrawal of %d below minimum %d for %s", amount, info.MinWithdrawal, info.Name)
	}
	return nil
}

// FormatUnits renders base units with the token's decimals.
func (id ID) FormatUnits(amount uint64) string {
	info, err := Lookup(id)
	if err != nil || info.Decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}
	s := fmt.Sprintf("%0*d", int(info.Decimals)+1, amount)
	cut := len(s) - int(info.Decimals)
	return strings.TrimRight(strings.TrimRight(s[:cut]+"."+s[cut:], "0"), ".")
}

func proportionalFee(amount, rateBps, flat uint64) (uint64, error) {
	fee := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(rateBps))
	fee.Add(fee, uint256.NewInt(9_999))
	fee.Div(fee, uint256.NewInt(10_000))
	fee.Add(fee, uint256.NewInt(flat))
	if !fee.IsUint64() {
		return 0, fmt.Errorf("fee for amount %d overflows", amount)
	}
	return fee.Uint64(), nil
}
