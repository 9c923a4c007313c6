package domain

// Defaults applied to a ConnectionConfig when fields are left empty.
const (
	DefaultModel        = "gpt-4o-realtime-preview-2025-06-03"
	DefaultServerURL    = "http://localhost:5173"
	DefaultSignalingURL = "https://api.openai.com/v1/realtime"
	DefaultSTUNServer   = "stun:stun.l.google.com:19302"
	DefaultSessionsURL  = "https://api.openai.com/v1/realtime/sessions"
)

// ConnectionConfig is fixed for the lifetime of one connect attempt.
type ConnectionConfig struct {
	Model        string
	ServerURL    string
	SignalingURL string
	ICEServers   []string
}

// WithDefaults returns a copy of c with every empty field set to its default.
func (c ConnectionConfig) WithDefaults() ConnectionConfig {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	if c.SignalingURL == "" {
		c.SignalingURL = DefaultSignalingURL
	}
	if c.ICEServers == nil {
		c.ICEServers = []string{DefaultSTUNServer}
	}
	return c
}
