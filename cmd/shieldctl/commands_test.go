package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HamzaZF/shieldpool/internal/note"
	"github.com/HamzaZF/shieldpool/internal/orchestrator"
	"github.com/HamzaZF/shieldpool/internal/store"
	"github.com/HamzaZF/shieldpool/internal/token"
)

func TestParseTokenAmount(t *testing.T) {
	tests := []struct {
		tok, amount string
		wantTok     token.ID
		want        uint64
		wantErr     bool
	}{
		{"usdc", "2500000", token.USDC, 2_500_000, false},
		{"native", "", token.Native, 0, false},
		{"usdt", "1.5", 0, 0, true},
		{"usdt", "-3", 0, 0, true},
		{"dai", "1", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.tok+"/"+tt.amount, func(t *testing.T) {
			tok, amount, err := parseTokenAmount(tt.tok, tt.amount)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantTok, tok)
			assert.Equal(t, tt.want, amount)
		})
	}
}

func TestParseRecipient(t *testing.T) {
	addr, err := parseRecipient("")
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, addr)

	addr, err = parseRecipient("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x1111111111111111111111111111111111111111"), addr)

	_, err = parseRecipient("0x1234")
	assert.Error(t, err)
}

func TestPrintOps(t *testing.T) {
	var buf bytes.Buffer
	printOps(&buf, nil)
	assert.Equal(t, "no open operations\n", buf.String())

	buf.Reset()
	printOps(&buf, []*orchestrator.Op{{
		ID:        "op-1",
		Kind:      orchestrator.KindWithdraw,
		State:     orchestrator.StateSubmitted,
		Token:     token.USDC,
		Amount:    3_000_000,
		Fee:       760_500,
		Inputs:    []note.Commitment{{0x01}, {0x02}},
		CreatedAt: time.Now(),
	}})
	out := buf.String()
	assert.Contains(t, out, "op-1")
	assert.Contains(t, out, "submitted")
	assert.Contains(t, out, token.USDC.FormatUnits(3_000_000))
}

func TestPrintNotes(t *testing.T) {
	idx := uint64(7)
	n := note.Note{Amount: 5_000_000, Token: token.USDT, LeafIndex: &idx}
	var buf bytes.Buffer
	printNotes(&buf, []store.Record{{
		Note:       n,
		Commitment: common.Hash{0xab, 0xcd},
		State:      note.PendingSpend,
		LockedBy:   "op-9",
	}})
	out := buf.String()
	assert.Contains(t, out, "0xabcd")
	assert.Contains(t, out, "7")
	assert.Contains(t, out, "op-9")
	assert.Contains(t, out, note.PendingSpend.String())
}
