// Package config loads the monitor configuration from a JSON file with
// environment overrides on top.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full monitor configuration. Zero values are filled from
// Default before validation.
type Config struct {
	Debug      bool             `json:"debug"`
	Stream     StreamConfig     `json:"stream"`
	Video      VideoConfig      `json:"video_processing"`
	VLM        VLMConfig        `json:"vlm"`
	MCP        MCPConfig        `json:"mcp"`
	Server     ServerConfig     `json:"server"`
	ASR        ASRConfig        `json:"asr"`
	TTS        TTSConfig        `json:"tts"`
	Monitoring MonitoringConfig `json:"monitoring"`
	Sentry     SentryConfig     `json:"sentry"`
}

// StreamConfig describes the upstream TCP frame source.
type StreamConfig struct {
	Host        string  `json:"host"`
	Port        int     `json:"port"`
	FPS         float64 `json:"fps"`
	DialTimeout float64 `json:"dial_timeout"` // seconds
	MaxRetries  uint    `json:"max_retries"`
}

// Endpoint returns the host:port dial target.
func (s StreamConfig) Endpoint() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// VideoConfig is the packaging triple plus the resize policy.
type VideoConfig struct {
	TargetVideoDuration  float64 `json:"target_video_duration"`
	FramesPerSecond      float64 `json:"frames_per_second"`
	TargetFramesPerVideo int     `json:"target_frames_per_video"`
	MaxWidth             int     `json:"max_width"`
	MaxHeight            int     `json:"max_height"`
	JPEGQuality          int     `json:"jpeg_quality"`
}

// PromptConfig holds the default prompt pair for the VLM.
type PromptConfig struct {
	System       string `json:"system"`
	UserTemplate string `json:"user_template"`
}

// VLMConfig describes the remote model endpoint and inference discipline.
type VLMConfig struct {
	APIKey          string       `json:"api_key"`
	Model           string       `json:"model"`
	BaseURL         string       `json:"base_url"`
	MaxVideoSizeMB  float64      `json:"max_video_size_mb"`
	MaxBase64SizeMB float64      `json:"max_base64_size_mb"`
	SyncMode        bool         `json:"sync_mode"`
	MaxConcurrent   int          `json:"max_concurrent_inferences"`
	Timeout         float64      `json:"timeout"` // seconds
	DefaultPrompt   PromptConfig `json:"default_prompt"`
}

// MCPConfig describes the camera-control bridge.
type MCPConfig struct {
	Enabled bool    `json:"enabled"`
	BaseURL string  `json:"base_url"`
	Timeout float64 `json:"timeout"` // seconds
}

// ServerConfig is the REST+WS listen address.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ASRConfig is the question-intake server.
type ASRConfig struct {
	Enabled           bool   `json:"enabled"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	MaxQuestionLength int    `json:"max_question_length"`
	QuestionTimeout   int    `json:"question_timeout"` // seconds
}

// Addr returns the listen address.
func (a ASRConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// TTSConfig is the speech fan-out worker.
type TTSConfig struct {
	Enabled       bool    `json:"enabled"`
	Host          string  `json:"host"`
	Port          int     `json:"port"`
	Endpoint      string  `json:"endpoint"`
	CheckInterval float64 `json:"check_interval"` // seconds
	MaxRetries    uint    `json:"max_retries"`
	Timeout       float64 `json:"timeout"` // seconds
}

// URL returns the full outbound TTS endpoint.
func (t TTSConfig) URL() string {
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), t.Endpoint)
}

// MonitoringConfig holds the output root for session directories.
type MonitoringConfig struct {
	OutputDir string `json:"output_dir"`
}

// SentryConfig controls autonomous camera actions via the MCP bridge.
type SentryConfig struct {
	Enabled bool `json:"enabled"`
}

// envOverrides are applied on top of the file, prefix VIGIL
// (VIGIL_API_KEY, VIGIL_OUTPUT_DIR, VIGIL_DEBUG).
type envOverrides struct {
	APIKey    string `envconfig:"API_KEY"`
	OutputDir string `envconfig:"OUTPUT_DIR"`
	Debug     bool   `envconfig:"DEBUG"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Stream: StreamConfig{
			Host:        "127.0.0.1",
			Port:        9999,
			FPS:         25,
			DialTimeout: 5,
			MaxRetries:  5,
		},
		Video: VideoConfig{
			TargetVideoDuration:  3,
			FramesPerSecond:      5,
			TargetFramesPerVideo: 15,
			MaxWidth:             640,
			MaxHeight:            360,
			JPEGQuality:          85,
		},
		VLM: VLMConfig{
			Model:         "qwen-vl-max-latest",
			BaseURL:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
			SyncMode:      true,
			MaxConcurrent: 1,
			Timeout:       60,
		},
		MCP: MCPConfig{
			BaseURL: "http://127.0.0.1:8082",
			Timeout: 30,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		ASR: ASRConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              8081,
			MaxQuestionLength: 500,
			QuestionTimeout:   300,
		},
		TTS: TTSConfig{
			Host:          "localhost",
			Port:          8888,
			Endpoint:      "/speak",
			CheckInterval: 5,
			MaxRetries:    3,
			Timeout:       10,
		},
		Monitoring: MonitoringConfig{
			OutputDir: "tmp",
		},
	}
}

// Load reads path (optional), merges environment overrides, and validates.
// An empty path falls back to config.json in the working directory when one
// exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		log.Printf("[Config] Loaded %s", path)
	}

	var env envOverrides
	if err := envconfig.Process("vigil", &env); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if env.APIKey != "" {
		cfg.VLM.APIKey = env.APIKey
	}
	if env.OutputDir != "" {
		cfg.Monitoring.OutputDir = env.OutputDir
	}
	if env.Debug {
		cfg.Debug = true
	}
	if cfg.VLM.APIKey == "" {
		cfg.VLM.APIKey = os.Getenv("DASHSCOPE_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Stream.Host == "" || c.Stream.Port <= 0 || c.Stream.Port > 65535 {
		return fmt.Errorf("stream: invalid endpoint %s:%d", c.Stream.Host, c.Stream.Port)
	}
	if c.Stream.FPS <= 0 {
		return fmt.Errorf("stream: fps must be positive")
	}
	if c.Video.TargetVideoDuration <= 0 {
		return fmt.Errorf("video_processing: target_video_duration must be positive")
	}
	if c.Video.FramesPerSecond <= 0 {
		return fmt.Errorf("video_processing: frames_per_second must be positive")
	}
	if c.VLM.MaxConcurrent < 1 {
		return fmt.Errorf("vlm: max_concurrent_inferences must be at least 1")
	}
	if c.VLM.Timeout <= 0 {
		return fmt.Errorf("vlm: timeout must be positive")
	}
	if c.ASR.MaxQuestionLength <= 0 {
		return fmt.Errorf("asr: max_question_length must be positive")
	}
	if c.Monitoring.OutputDir == "" {
		return fmt.Errorf("monitoring: output_dir must be set")
	}
	return nil
}

// InferenceTimeout returns the per-call timeout as a duration.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.VLM.Timeout * float64(time.Second))
}

// DialTimeout returns the TCP dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Stream.DialTimeout * float64(time.Second))
}
