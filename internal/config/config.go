// Package config holds the gateway's runtime configuration shape.
// Loading from file or a remote admin API is out of scope; this
// package only defines the struct and its defaulting behavior, in the
// shape of the teacher's per-connection options struct.
package config

import (
	"time"

	"github.com/spf13/cast"

	"github.com/lingecho/voicebridge/internal/logging"
)

const (
	DefaultCloseNoVoiceSeconds = 120
	DefaultIdleGraceSeconds    = 60
	DefaultFrameDurationMS     = 60
	DefaultPreBufferFrames     = 5
	DefaultToolCallTimeout     = 30 * time.Second
	DefaultMaxToolDepth        = 5
	DefaultTokenExpirySeconds  = 60 * 60 * 24 * 30
	DefaultReorderBufferCap    = 20
	DefaultBindPromptInterval  = 60 * time.Second
	DefaultMCPCallTimeout      = 30 * time.Second
)

// Auth configures AuthVerifier.
type Auth struct {
	Secret              string   `yaml:"secret" env:"AUTH_SECRET"`
	Enabled             bool     `yaml:"enabled" env:"AUTH_ENABLED"`
	ExpirySeconds       int64    `yaml:"expiry_seconds" env:"AUTH_EXPIRY_SECONDS"`
	AllowListDeviceIDs  []string `yaml:"allow_list_device_ids"`
	ServerControlSecret string   `yaml:"server_control_secret" env:"SERVER_CONTROL_SECRET"`
}

func (a *Auth) applyDefaults() {
	if a.ExpirySeconds <= 0 {
		a.ExpirySeconds = DefaultTokenExpirySeconds
	}
}

// EndPrompt controls the farewell turn on idle-timeout close.
type EndPrompt struct {
	Enable bool   `yaml:"enable"`
	Text   string `yaml:"text"`
}

// Connection configures per-connection lifecycle timing and limits.
type Connection struct {
	CloseConnectionNoVoiceTime time.Duration `yaml:"close_connection_no_voice_time"`
	DeviceMaxOutputSize        int64         `yaml:"device_max_output_size"`
	BindPromptInterval         time.Duration `yaml:"bind_prompt_interval"`
	EndPrompt                  EndPrompt     `yaml:"end_prompt"`
}

func (c *Connection) applyDefaults() {
	if c.CloseConnectionNoVoiceTime <= 0 {
		c.CloseConnectionNoVoiceTime = DefaultCloseNoVoiceSeconds * time.Second
	}
	if c.BindPromptInterval <= 0 {
		c.BindPromptInterval = DefaultBindPromptInterval
	}
}

// TTS configures PacedSender/TTSSession pacing.
type TTS struct {
	FrameDurationMS     int   `yaml:"frame_duration_ms"`
	PreBufferFrames     int   `yaml:"pre_buffer_frames"`
	SendDelayMS         int   `yaml:"tts_audio_send_delay_ms"`
	IdleReuseWindowSecs int   `yaml:"idle_reuse_window_secs"`
	SampleRate          int   `yaml:"sample_rate"`
}

func (t *TTS) applyDefaults() {
	if t.FrameDurationMS <= 0 {
		t.FrameDurationMS = DefaultFrameDurationMS
	}
	if t.PreBufferFrames <= 0 {
		t.PreBufferFrames = DefaultPreBufferFrames
	}
	if t.IdleReuseWindowSecs <= 0 {
		t.IdleReuseWindowSecs = 30
	}
	if t.SampleRate <= 0 {
		t.SampleRate = 16000
	}
}

// Tools configures ToolRegistry (server_mcp settings path, timeouts).
type Tools struct {
	MCPServerSettingsPath string        `yaml:"mcp_server_settings_path"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	MaxDepth              int           `yaml:"max_depth"`
	ServerMCPMaxRetries   int           `yaml:"server_mcp_max_retries"`
	ServerMCPRetryBackoff time.Duration `yaml:"server_mcp_retry_backoff"`
}

func (t *Tools) applyDefaults() {
	if t.CallTimeout <= 0 {
		t.CallTimeout = DefaultMCPCallTimeout
	}
	if t.MaxDepth <= 0 {
		t.MaxDepth = DefaultMaxToolDepth
	}
	if t.ServerMCPMaxRetries <= 0 {
		t.ServerMCPMaxRetries = 3
	}
	if t.ServerMCPRetryBackoff <= 0 {
		t.ServerMCPRetryBackoff = 2 * time.Second
	}
}

// Assets resolves filesystem paths for canned audio prompts and cache
// directories, instead of assuming a hardcoded relative path.
type Assets struct {
	DataDir   string `yaml:"data_dir" env:"DATA_DIR"`
	AssetsDir string `yaml:"assets_dir" env:"ASSETS_DIR"`
}

func (a *Assets) applyDefaults() {
	if a.DataDir == "" {
		a.DataDir = "data"
	}
	if a.AssetsDir == "" {
		a.AssetsDir = "config/assets"
	}
}

// Redis configures the optional shared memory-summary/allow-list cache.
type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED"`
}

// Server configures the listening HTTP/WS server.
type Server struct {
	ListenAddr     string `yaml:"listen_addr" env:"LISTEN_ADDR"`
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
}

func (s *Server) applyDefaults() {
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
}

// Config is the full gateway configuration.
type Config struct {
	Mode       string        `yaml:"mode" env:"GATEWAY_MODE"`
	Logging    logging.Config `yaml:"logging"`
	Auth       Auth          `yaml:"auth"`
	Connection Connection    `yaml:"connection"`
	TTS        TTS           `yaml:"tts"`
	Tools      Tools         `yaml:"tools"`
	Assets     Assets        `yaml:"assets"`
	Redis      Redis         `yaml:"redis"`
	Server     Server        `yaml:"server"`
}

// ApplyDefaults fills in zero-valued fields with production defaults,
// mirroring the teacher's HardwareOptions.loadConfigs pattern.
func (c *Config) ApplyDefaults() *Config {
	c.Auth.applyDefaults()
	c.Connection.applyDefaults()
	c.TTS.applyDefaults()
	c.Tools.applyDefaults()
	c.Assets.applyDefaults()
	c.Server.applyDefaults()
	return c
}

// FromEnv reads scalar overrides out of a string-keyed map (e.g.
// os.Environ parsed upstream), using cast for loose-type coercion.
// File/remote-API loading mechanics are out of scope; this only
// demonstrates the coercion pattern the teacher uses with spf13/cast.
func FromEnv(values map[string]string, c *Config) {
	if v, ok := values["AUTH_ENABLED"]; ok {
		c.Auth.Enabled = cast.ToBool(v)
	}
	if v, ok := values["AUTH_EXPIRY_SECONDS"]; ok {
		c.Auth.ExpirySeconds = cast.ToInt64(v)
	}
	if v, ok := values["METRICS_ENABLED"]; ok {
		c.Server.MetricsEnabled = cast.ToBool(v)
	}
	if v, ok := values["REDIS_ENABLED"]; ok {
		c.Redis.Enabled = cast.ToBool(v)
	}
}
