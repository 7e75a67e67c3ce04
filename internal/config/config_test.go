package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9999", cfg.Stream.Endpoint())
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, "http://localhost:8888/speak", cfg.TTS.URL())
	assert.Equal(t, 60*time.Second, cfg.InferenceTimeout())
	assert.Equal(t, 5*time.Second, cfg.DialTimeout())
	assert.True(t, cfg.VLM.SyncMode)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	t.Setenv("VIGIL_API_KEY", "")
	t.Setenv("DASHSCOPE_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"stream": {"host": "camera.local", "port": 7000, "fps": 30, "dial_timeout": 5, "max_retries": 5},
		"vlm": {"api_key": "sk-file", "sync_mode": false, "max_concurrent_inferences": 3, "timeout": 60},
		"sentry": {"enabled": true}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "camera.local:7000", cfg.Stream.Endpoint())
	assert.Equal(t, float64(30), cfg.Stream.FPS)
	assert.Equal(t, "sk-file", cfg.VLM.APIKey)
	assert.False(t, cfg.VLM.SyncMode)
	assert.Equal(t, 3, cfg.VLM.MaxConcurrent)
	assert.True(t, cfg.Sentry.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, float64(3), cfg.Video.TargetVideoDuration)
	assert.Equal(t, 500, cfg.ASR.MaxQuestionLength)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_API_KEY", "sk-env")
	t.Setenv("VIGIL_OUTPUT_DIR", "/data/sessions")
	t.Setenv("VIGIL_DEBUG", "true")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"vlm": {"api_key": "sk-file", "timeout": 60, "max_concurrent_inferences": 1}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.VLM.APIKey, "environment wins over the file")
	assert.Equal(t, "/data/sessions", cfg.Monitoring.OutputDir)
	assert.True(t, cfg.Debug)
}

func TestLoadDashscopeFallback(t *testing.T) {
	t.Setenv("VIGIL_API_KEY", "")
	t.Setenv("DASHSCOPE_API_KEY", "sk-dash")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing-on-purpose"))
	require.Error(t, err, "explicit missing file must fail")

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-dash", cfg.VLM.APIKey)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Stream.Port = 0 }},
		{"zero fps", func(c *Config) { c.Stream.FPS = 0 }},
		{"zero duration", func(c *Config) { c.Video.TargetVideoDuration = 0 }},
		{"zero sample rate", func(c *Config) { c.Video.FramesPerSecond = 0 }},
		{"zero concurrency", func(c *Config) { c.VLM.MaxConcurrent = 0 }},
		{"zero timeout", func(c *Config) { c.VLM.Timeout = 0 }},
		{"zero question length", func(c *Config) { c.ASR.MaxQuestionLength = 0 }},
		{"empty output dir", func(c *Config) { c.Monitoring.OutputDir = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
