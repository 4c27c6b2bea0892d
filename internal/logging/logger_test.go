package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinks(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "node.log")
	auditPath := filepath.Join(dir, "audit.log")
	var console bytes.Buffer

	l, err := NewLogger("info", logPath, auditPath, &console)
	require.NoError(t, err)
	l.Debug().Msg("hidden")
	l.Info().Msg("started")
	l.Warn().Str("op", "x").Msg("lock released")
	l.Audit("faucet", map[string]any{"amount": 5})
	require.NoError(t, l.Close())

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "started")

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "started")
	assert.Contains(t, string(logged), "lock released")

	audited, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.NotContains(t, string(audited), "started")
	assert.Contains(t, string(audited), "lock released")
	assert.Contains(t, string(audited), `"event":"faucet"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}
