package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Volume.MaxDepth)
	assert.Equal(t, 16, cfg.Volume.MaterialCount)
	assert.True(t, cfg.DistanceField.EnableCaching)
	assert.Equal(t, "server_wins", cfg.Network.ConflictResolutionStrategy)
}
