package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"tutorchat/internal/config"
)

func TestNew(t *testing.T) {
	logger, err := New(&config.LogConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	logger, err = New(&config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(&config.LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestNew_NilConfig(t *testing.T) {
	logger, err := New(nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.NotNil(t, OrNop(nil))
}
