package config

import (
	"fmt"
	"strings"
	"time"

	"voicecircle/native/internal/domain"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	ServerURL string `mapstructure:"server_url"`

	Model        string `mapstructure:"model"`
	SignalingURL string `mapstructure:"signaling_url"`
	SessionsURL  string `mapstructure:"sessions_url"`
	STUN         string `mapstructure:"stun"`
	APIKey       string `mapstructure:"api_key"`

	// Voice and Instructions are sent when minting the session; the
	// Session* values go in the session.update sent when listening starts.
	Voice               string `mapstructure:"voice"`
	Instructions        string `mapstructure:"instructions"`
	SessionVoice        string `mapstructure:"session_voice"`
	SessionInstructions string `mapstructure:"session_instructions"`
	TranscriptionModel  string `mapstructure:"transcription_model"`

	MicFile     string `mapstructure:"mic_file"`
	RecordPath  string `mapstructure:"record_path"`
	AutoConnect bool   `mapstructure:"autoconnect"`

	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	AllowedOrigins string        `mapstructure:"allowed_origins"`
}

// Load reads configuration from a .env file (if present) and environment
// variables prefixed with VOICE_. The API key is read from OPENAI_API_KEY.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("VOICE")
	v.AutomaticEnv()
	if err := v.BindEnv("api_key", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key: %w", err)
	}

	v.SetDefault("mode", "release")
	v.SetDefault("port", 5173)
	v.SetDefault("log_level", "info")
	v.SetDefault("server_url", "")
	v.SetDefault("model", domain.DefaultModel)
	v.SetDefault("signaling_url", domain.DefaultSignalingURL)
	v.SetDefault("sessions_url", domain.DefaultSessionsURL)
	v.SetDefault("stun", domain.DefaultSTUNServer)
	v.SetDefault("api_key", "")
	v.SetDefault("voice", "sage")
	v.SetDefault("instructions", "")
	v.SetDefault("session_voice", "verse")
	v.SetDefault("session_instructions", "")
	v.SetDefault("transcription_model", "whisper-1")
	v.SetDefault("mic_file", "")
	v.SetDefault("record_path", "")
	v.SetDefault("autoconnect", false)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("allowed_origins", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("VOICE_PORT out of range: %d", cfg.Port)
	}
	return &cfg, nil
}

// ICEServers splits the comma separated STUN setting.
func (c *Config) ICEServers() []string {
	return splitList(c.STUN)
}

// Origins splits the comma separated list of extra origins allowed on the state feed.
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

func splitList(v string) []string {
	out := []string{}
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Connection returns the connection manager settings.
func (c *Config) Connection() domain.ConnectionConfig {
	return domain.ConnectionConfig{
		Model:        c.Model,
		ServerURL:    c.ServerURL,
		SignalingURL: c.SignalingURL,
		ICEServers:   c.ICEServers(),
	}
}
