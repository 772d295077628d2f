package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_Levels(t *testing.T) {
	logger, err := New("warn", true)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	logger, err = New("", false)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel), "development defaults to debug")
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", true)
	assert.Error(t, err)
}
