package logger

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}

func TestErrorFileOnlyGetsErrors(t *testing.T) {
	dir := t.TempDir()
	errFile := filepath.Join(dir, "err.log")
	l, err := New(Config{Level: "debug", Outputs: []string{"file"}, OutputFile: filepath.Join(dir, "all.log"), ErrorFile: errFile})
	require.NoError(t, err)

	l.Info("hello")
	l.LogError(errors.New("boom"), map[string]interface{}{"op": "place"})
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(errFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), "boom")
}

func TestHelpersAttachFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := Wrap(zap.New(core)).Named("reconcile")

	l.LogOrder("placed", "c1", map[string]interface{}{"level": 0})
	l.LogFill("f1", "X1", 1, 100, nil)
	l.LogAnomaly("overfill", map[string]interface{}{"excess": 0.5})

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "order_event", entries[0].Message)
	assert.Equal(t, "c1", entries[0].ContextMap()["client_id"])
	assert.Equal(t, "fill_event", entries[1].Message)
	assert.Equal(t, "X1", entries[1].ContextMap()["order_id"])
	assert.Equal(t, zap.WarnLevel, entries[2].Level)
	assert.Equal(t, "reconcile", entries[2].LoggerName)
}

func TestNopLogger(t *testing.T) {
	l := NewNop()
	l.LogError(errors.New("x"), nil)
	assert.NoError(t, l.WithFields(map[string]interface{}{"a": 1}).Close())
}
