package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		err  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.err, err != nil)
		})
	}
}

func TestInitSimple(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelInfo, &buf, FormatSimple)

	slog.Info("Source registered", "source", "shop")
	slog.With("request_id", "r1").WithGroup("node").Warn("Retrying", "attempt", 2)
	slog.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "INFO Source registered source=shop\n")
	assert.Contains(t, out, "WARN Retrying request_id=r1 node.attempt=2\n")
	assert.NotContains(t, out, "hidden")
	assert.Same(t, slog.Default(), GetLogger())
}

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(slog.LevelDebug, &buf, FormatJSON)

	slog.Debug("Translated query", "source", "payu")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Translated query", line["msg"])
	assert.Equal(t, "payu", line["source"])
}

func TestOwnRecord(t *testing.T) {
	assert.False(t, ownRecord(0))
}

func TestOpenLogFile(t *testing.T) {
	path := t.TempDir() + "/conduit.log"
	f, closeFn, err := OpenLogFile(path)
	require.NoError(t, err)
	_, err = f.WriteString("x")
	require.NoError(t, err)
	closeFn()
}
