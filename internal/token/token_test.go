package token

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupAndParse(t *testing.T) {
	for _, id := range All() {
		info, err := Lookup(id)
		require.NoError(t, err)
		parsed, err := Parse(info.Name)
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}

	_, err := Lookup(ID(0))
	require.ErrorIs(t, err, ErrUnknownToken)
	_, err = Parse("doge")
	require.ErrorIs(t, err, ErrUnknownToken)

	id, err := Parse("  USDC ")
	require.NoError(t, err)
	assert.Equal(t, USDC, id)
}

func TestFieldEncodingIsDistinct(t *testing.T) {
	seen := make(map[string]ID)
	for _, id := range All() {
		f := id.Field()
		key := f.String()
		_, dup := seen[key]
		require.False(t, dup, "field collision for %s", id)
		seen[key] = id

		back, err := FromField(f)
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
}

func TestWithdrawFee(t *testing.T) {
	tests := []struct {
		name   string
		amount uint64
		want   uint64
	}{
		{"zero", 0, 2_000_000},
		{"exact", 10_000_000, 35_000 + 2_000_000},
		{"rounds up", 1, 1 + 2_000_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, err := Native.WithdrawFee(tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fee)
		})
	}
}

func TestDepositFeeDefaultsToZero(t *testing.T) {
	fee, err := USDC.DepositFee(123_456)
	require.NoError(t, err)
	assert.Zero(t, fee)
}

func TestCheckWithdrawal(t *testing.T) {
	require.Error(t, USDC.CheckWithdrawal(1_999_999))
	require.NoError(t, USDC.CheckWithdrawal(2_000_000))
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1.5", Native.FormatUnits(1_500_000_000))
	assert.Equal(t, "0", Native.FormatUnits(0))
	assert.Equal(t, "2", USDC.FormatUnits(2_000_000))
	assert.Equal(t, "0.000001", USDC.FormatUnits(1))
}

func TestJSONRoundTripByName(t *testing.T) {
	type wrapper struct {
		Token ID `json:"token"`
	}
	b, err := json.Marshal(wrapper{Token: USDT})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"usdt"}`, string(b))

	var w wrapper
	require.NoError(t, json.Unmarshal(b, &w))
	assert.Equal(t, USDT, w.Token)
}

func TestSetFeesConcurrentWithReaders(t *testing.T) {
	orig, err := Lookup(USDT)
	require.NoError(t, err)
	saved := orig.Fees
	t.Cleanup(func() { require.NoError(t, SetFees(USDT, saved)) })

	raised := FeeSchedule{WithdrawRateBps: 100, WithdrawRentFee: 1}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			fees := saved
			if i%2 == 0 {
				fees = raised
			}
			assert.NoError(t, SetFees(USDT, fees))
		}(i)
		go func() {
			defer wg.Done()
			fee, err := USDT.WithdrawFee(10_000)
			assert.NoError(t, err)
			assert.Contains(t, []uint64{35 + 750_000, 101}, fee)
		}()
	}
	wg.Wait()

	require.NoError(t, SetFees(USDT, raised))
	fee, err := USDT.WithdrawFee(10_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), fee)
	require.ErrorIs(t, SetFees(ID(0), raised), ErrUnknownToken)
}

func TestLookupReturnsCopy(t *testing.T) {
	info, err := Lookup(Native)
	require.NoError(t, err)
	info.Fees.WithdrawRentFee = 0
	fee, err := Native.WithdrawFee(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), fee)
}
