package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		l, err := NewLogger(level)
		require.NoError(t, err)
		require.NotNil(t, l)
	}
}

func TestStageNamesLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	Stage(base, "preprocess").Infow("ready")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "preprocess", entries[0].LoggerName)
}
