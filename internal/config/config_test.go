package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Setenv("ENGINE_MANIFEST_URL", "https://example.com/stream.mpd")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/stream.mpd", cfg.ManifestURL)
	assert.Equal(t, 30*time.Second, cfg.Buffer.WantedBufferAhead)
	assert.Equal(t, -1, cfg.ABR.ManualBitrate)
	assert.False(t, cfg.LowLatencyMode)
}

func TestLoad_MissingManifestURLFails(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_LowLatencyTightensBufferAheadDefault(t *testing.T) {
	t.Setenv("ENGINE_MANIFEST_URL", "https://example.com/stream.mpd")
	t.Setenv("ENGINE_LOW_LATENCY_MODE", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Buffer.WantedBufferAhead)
}

func TestResolveStartPosition_Percentage(t *testing.T) {
	duration := 120 * time.Second

	assert.Equal(t, time.Duration(0), ResolveStartPosition(StartAt{Kind: StartAtPercentage, Percentage: 0}, duration))
	assert.Equal(t, duration, ResolveStartPosition(StartAt{Kind: StartAtPercentage, Percentage: 100}, duration))
	assert.Equal(t, duration, ResolveStartPosition(StartAt{Kind: StartAtPercentage, Percentage: 150}, duration))
	assert.Equal(t, time.Duration(0), ResolveStartPosition(StartAt{Kind: StartAtPercentage, Percentage: -10}, duration))
	assert.Equal(t, 60*time.Second, ResolveStartPosition(StartAt{Kind: StartAtPercentage, Percentage: 50}, duration))
}

func TestResolveStartPosition_FromLastPosition(t *testing.T) {
	duration := 120 * time.Second
	assert.Equal(t, 100*time.Second, ResolveStartPosition(StartAt{Kind: StartAtFromLastPosition, FromLastPos: 20 * time.Second}, duration))
	assert.Equal(t, time.Duration(0), ResolveStartPosition(StartAt{Kind: StartAtFromLastPosition, FromLastPos: 200 * time.Second}, duration))
}

func TestValidate_RejectsUnknownStartAtKind(t *testing.T) {
	cfg := Config{ManifestURL: "x", StartAt: StartAt{Kind: "bogus"}}
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsMaxBelowMin(t *testing.T) {
	cfg := Config{ManifestURL: "x", ABR: ABRConfig{MinAutoBitrate: 500_000, MaxAutoBitrate: 100_000}}
	assert.Error(t, cfg.Validate())
}
