package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNewHandlerWritesJSONWhenNotATerminal(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewHandler(&buf, slog.LevelInfo))
	l.Debug("hidden")
	l.Info("Unit started", "unit", "enc/0")

	var rec map[string]any
	assert.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, any("Unit started"), rec["msg"])
	assert.Equal(t, any("enc/0"), rec["unit"])
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("DEBUG")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	l, err = ParseLevel(" warn ")
	assert.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
