package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("PROTOCOL_SEND_TO", "")
	t.Setenv("PROTOCOL_TIMEOUT", "")
	t.Setenv("PROTOCOL_RETRIES", "")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeNone, cfg.Mode)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Retries)
}

func TestConfigBroadcastRequiresSTP(t *testing.T) {
	t.Setenv("PROTOCOL_SEND_TO", "BROADCAST")
	t.Setenv("NETWORK_STP_ENABLED", "false")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	// without spanning-tree protection the protocol degrades to NONE
	assert.Equal(t, ModeNone, cfg.Mode)

	t.Setenv("NETWORK_STP_ENABLED", "true")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeBroadcast, cfg.Mode)
}

func TestConfigOrchestratorRequiresDecoy(t *testing.T) {
	t.Setenv("PROTOCOL_SEND_TO", "ORCHESTRATOR")
	t.Setenv("CONTROLLER_DECOY_MAC", "")
	t.Setenv("CONTROLLER_DECOY_IP", "")

	_, err := ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("CONTROLLER_DECOY_MAC", "02:00:00:00:00:01")
	_, err = ConfigFromEnv()
	require.Error(t, err)

	t.Setenv("CONTROLLER_DECOY_IP", "10.0.0.254")
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ModeOrchestrator, cfg.Mode)
	assert.Equal(t, "02:00:00:00:00:01", cfg.DecoyMAC)
	assert.Equal(t, "10.0.0.254", cfg.DecoyIP)
}

func TestConfigParsing(t *testing.T) {
	t.Setenv("PROTOCOL_SEND_TO", "ORCHESTRATOR")
	t.Setenv("CONTROLLER_DECOY_MAC", "02:00:00:00:00:01")
	t.Setenv("CONTROLLER_DECOY_IP", "10.0.0.254")
	t.Setenv("PROTOCOL_TIMEOUT", "0.5")
	t.Setenv("PROTOCOL_RETRIES", "5")
	t.Setenv("PROTOCOL_VERBOSE", "true")
	t.Setenv("IS_RESOURCE", "true")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 5, cfg.Retries)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.IsResource)
	assert.Equal(t, 2500*time.Millisecond, cfg.window())
}

func TestSendRequestDisabled(t *testing.T) {
	p := New(Options{Config: Config{Mode: ModeNone}})
	_, err := p.SendRequest(nil, 1, nil)
	assert.ErrorIs(t, err, ErrProtocolDisabled)
}
