package results

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeReport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtract(t *testing.T) {
	path := writeReport(t, `{"sim":{"players":[
		{"name":"Warrior","collected_data":{"dps":{"mean":12345.6,"min":1}}},
		{"name":"Other","collected_data":{"dps":{"mean":1}}}
	]}}`)

	dps, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, 12345.6, dps)
}

func TestExtractTopLevelPlayers(t *testing.T) {
	path := writeReport(t, `{"players":[{"collected_data":{"dps":{"mean":42}}}]}`)

	dps, err := Extract(path)
	require.NoError(t, err)
	assert.Equal(t, 42.0, dps)
}

func TestExtractMissingFile(t *testing.T) {
	_, err := Extract(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrNotReady)
	assert.True(t, IsPending(err))
}

func TestExtractParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		reason  string
	}{
		{"truncated", `{"sim":{"players":[{"collected_`, "invalid JSON"},
		{"empty file", ``, "invalid JSON"},
		{"no players", `{"sim":{"players":[]}}`, "no players in report"},
		{"no sim", `{}`, "no players in report"},
		{"no dps", `{"sim":{"players":[{"collected_data":{}}]}}`, "could not find DPS"},
		{"no mean", `{"sim":{"players":[{"collected_data":{"dps":{}}}]}}`, "could not find DPS"},
		{"string mean", `{"sim":{"players":[{"collected_data":{"dps":{"mean":"fast"}}}]}}`, "DPS is not a number"},
		{"null mean", `{"sim":{"players":[{"collected_data":{"dps":{"mean":null}}}]}}`, "could not find DPS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Extract(writeReport(t, tt.content))

			var parseErr *ParseError
			require.True(t, errors.As(err, &parseErr), "got %v", err)
			assert.Equal(t, tt.reason, parseErr.Reason)
			assert.True(t, IsPending(err))
		})
	}
}

func TestIsPending(t *testing.T) {
	assert.False(t, IsPending(nil))
	assert.False(t, IsPending(errors.New("boom")))
	assert.True(t, IsPending(&ParseError{Reason: "x"}))
}
