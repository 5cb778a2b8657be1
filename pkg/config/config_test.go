package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ANNOUNCED_IP", "SIGNAL_LISTEN_HOST", "SIGNAL_LISTEN_PORT",
		"WEBRTC_PORT_MIN", "WEBRTC_PORT_MAX", "EGRESS_PORT_MIN", "EGRESS_PORT_MAX",
		"GRACE_WINDOW", "SUPPORTED_CODECS",
	} {
		os.Unsetenv(key)
	}
}

func TestLoadMissingAnnouncedIP(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANNOUNCED_IP")
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANNOUNCED_IP", "203.0.113.10")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10", cfg.AnnouncedIP)
	assert.Equal(t, defaultWebRTCPortMin, cfg.WebRTCPortMin)
	assert.Equal(t, defaultWebRTCPortMax, cfg.WebRTCPortMax)
	assert.Equal(t, defaultEgressPortMin, cfg.EgressPortMin)
	assert.Equal(t, defaultEgressPortMax, cfg.EgressPortMax)
	assert.Equal(t, defaultGraceWindow, cfg.GraceWindow)
	assert.Equal(t, defaultCodecs, cfg.Codecs)
}

func TestLoadOverlappingPortRanges(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANNOUNCED_IP", "203.0.113.10")
	os.Setenv("WEBRTC_PORT_MIN", "20050")
	os.Setenv("WEBRTC_PORT_MAX", "20150")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
}

func TestLoadCustomCodecsAndGraceWindow(t *testing.T) {
	clearEnv(t)
	os.Setenv("ANNOUNCED_IP", "203.0.113.10")
	os.Setenv("SUPPORTED_CODECS", "opus, H264")
	os.Setenv("GRACE_WINDOW", "45s")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"opus", "H264"}, cfg.Codecs)
	assert.Equal(t, 45*time.Second, cfg.GraceWindow)
}

func TestValidateRejectsEmptyCodecs(t *testing.T) {
	cfg := &Config{
		AnnouncedIP:   "203.0.113.10",
		WebRTCPortMin: 40000,
		WebRTCPortMax: 40999,
		EgressPortMin: 20000,
		EgressPortMax: 20100,
		GraceWindow:   30 * time.Second,
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "codecs")
}
