package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func env(vars map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, 10, cfg.Dispatch.MaxQSize)
	assert.Equal(t, 1, cfg.Dispatch.NumOfThread)
	assert.Equal(t, "rtmp://localhost:8554", cfg.StreamURL())
	assert.Equal(t, time.Second, cfg.Annotation.ShowingTime)
	assert.Equal(t, "logs/app.log", cfg.Log.File)
	assert.True(t, cfg.AutoStart())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  auto_start_streams: false
stream:
  delay_frames: 5
  headroom: 10
annotation:
  showing_time: 2s
dispatch:
  match_mode: fingerprint
  camera_modes:
    rtsp://cam/1: aggregate
mqtt:
  broker: tcp://localhost:1883
`)
	t.Setenv("RTSP_PORT", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.False(t, cfg.AutoStart())
	assert.Equal(t, 15, cfg.BufferCapacity())
	assert.Equal(t, 2*time.Second, cfg.Annotation.ShowingTime)
	assert.Equal(t, "fingerprint", cfg.Dispatch.MatchMode)
	assert.Equal(t, "aggregate", cfg.Dispatch.CameraModes["rtsp://cam/1"])
	assert.Equal(t, "face/detections", cfg.MQTT.Topic)
	// Untouched sections keep their defaults.
	assert.Equal(t, "ffmpeg", cfg.Encoder.Binary)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "stream: [unclosed"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(cfg, env(map[string]string{
		"LOG_FILE":      "/tmp/x.log",
		"MAX_QSIZE":     "50",
		"NUM_OF_THREAD": "4",
		"RTSP_HOST":     "rtmp://media",
		"RTSP_PORT":     "1935",
		"SHOWING_TIME":  "3",
		"DELAY_FRAMES":  "12",
		"MATCH_MODE":    "fingerprint",
		"MQTT_BROKER":   "tcp://broker:1883",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.log", cfg.Log.File)
	assert.Equal(t, 50, cfg.Dispatch.MaxQSize)
	assert.Equal(t, 4, cfg.Dispatch.NumOfThread)
	assert.Equal(t, "rtmp://media:1935", cfg.StreamURL())
	assert.Equal(t, 3*time.Second, cfg.Annotation.ShowingTime)
	assert.Equal(t, 12, cfg.Stream.DelayFrames)
	assert.Equal(t, "fingerprint", cfg.Dispatch.MatchMode)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
}

func TestApplyEnvShowingTimeDuration(t *testing.T) {
	cfg := Default()
	require.NoError(t, applyEnv(cfg, env(map[string]string{"SHOWING_TIME": "750ms"})))
	assert.Equal(t, 750*time.Millisecond, cfg.Annotation.ShowingTime)
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	tests := map[string]string{
		"MAX_QSIZE":     "ten",
		"NUM_OF_THREAD": "1.5",
		"DELAY_FRAMES":  "x",
		"SHOWING_TIME":  "soon",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			assert.Error(t, applyEnv(Default(), env(map[string]string{key: value})))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"unknown match mode", func(c *Config) { c.Dispatch.MatchMode = "both" }},
		{"unknown camera mode", func(c *Config) { c.Dispatch.CameraModes = map[string]string{"rtsp://x": "nope"} }},
		{"size not multiple of cells", func(c *Config) { c.Fingerprint.Size = 100; c.Fingerprint.Cells = 32 }},
		{"zero queue", func(c *Config) { c.Dispatch.MaxQSize = 0 }},
		{"zero workers", func(c *Config) { c.Dispatch.NumOfThread = 0 }},
		{"zero buffer", func(c *Config) { c.Stream.Headroom = 0 }},
		{"negative delay", func(c *Config) { c.Stream.DelayFrames = -1 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }},
		{"mqtt without topic", func(c *Config) { c.MQTT.Broker = "tcp://b:1883"; c.MQTT.Topic = "" }},
		{"threshold above one", func(c *Config) { c.Fingerprint.PercentageThresh = 1.5 }},
		{"zero max age", func(c *Config) { c.Annotation.MaxAge = 0 }},
		{"negative showing time", func(c *Config) { c.Annotation.ShowingTime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
