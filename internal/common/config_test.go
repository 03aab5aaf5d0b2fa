package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDerivesEarlyZombieThreshold(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	// 60 s heartbeat x 15 allowed misses
	assert.Equal(t, 15, cfg.Watchdog.EarlyZombieFailureMinutes)

	cfg.Worker.HeartbeatIntervalSec = 30
	cfg.Worker.HeartbeatMaxFailures = 10
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Watchdog.EarlyZombieFailureMinutes)

	// Sub-minute products floor at one minute
	cfg.Worker.HeartbeatIntervalSec = 5
	cfg.Worker.HeartbeatMaxFailures = 2
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Watchdog.EarlyZombieFailureMinutes)
}

func TestValidateClampsWatchdogThresholds(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Watchdog.QueuedStaleMinutes = 2
	cfg.Watchdog.StaleThresholdMinutes = 5000
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Watchdog.QueuedStaleMinutes)
	assert.Equal(t, 1440, cfg.Watchdog.StaleThresholdMinutes)
}

func TestValidateRequiresEncryptionKeyInStrictMode(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Tenants.CredentialsEnabled = true
	cfg.Encryption.Key = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption.key")
}
