package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseLevel("verbose")
	assert.Error(t, err)
}

func TestJSONHandlerWritesAttributes(t *testing.T) {
	var buf bytes.Buffer
	h, err := newHandler(&buf, FormatJSON, slog.LevelInfo)
	require.NoError(t, err)

	slog.New(h).Info("stage started", "stage", "record", "index", 0)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stage started", entry["msg"])
	assert.Equal(t, "record", entry["stage"])
}

func TestTextHandlerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	h, err := newHandler(&buf, FormatText, slog.LevelWarn)
	require.NoError(t, err)

	l := slog.New(h)
	l.Info("hidden")
	l.Warn("visible", "port", 2000)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")
}

func TestUnknownFormat(t *testing.T) {
	_, err := newHandler(&bytes.Buffer{}, "xml", slog.LevelInfo)
	assert.Error(t, err)
}

func TestConfigureWithFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "simpipe.log")
	closer, err := Configure(Options{Level: "info", Format: FormatJSON, File: path})
	require.NoError(t, err)

	slog.Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
