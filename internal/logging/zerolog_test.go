package logging_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stealthrocket/iobridge/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := logging.New(buf, logiface.LevelWarning)

	logger.Debug().Int("fd", 3).Log("dropped")
	logger.Warning().Int("fd", 4).Str("addr", "127.0.0.1:80").Log("kept")
	logger.Err().Err(errors.New("close failed: EIO")).Log("closing descriptor")

	entries := decode(t, buf)
	require.Len(t, entries, 2)

	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, "kept", entries[0]["message"])
	assert.Equal(t, float64(4), entries[0]["fd"])
	assert.Equal(t, "127.0.0.1:80", entries[0]["addr"])

	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "close failed: EIO", entries[1]["error"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		level logiface.Level
	}{
		{"debug", logiface.LevelDebug},
		{"info", logiface.LevelInformational},
		{"warn", logiface.LevelWarning},
		{"warning", logiface.LevelWarning},
		{"error", logiface.LevelError},
		{"off", logiface.LevelDisabled},
	}
	for _, test := range tests {
		assert.Equal(t, test.level, logging.ParseLevel(test.name), test.name)
	}
}

func TestDisabledLogger(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := logging.New(buf, logiface.LevelDisabled)
	logger.Err().Int("fd", 3).Log("dropped")
	assert.Zero(t, buf.Len())
}
