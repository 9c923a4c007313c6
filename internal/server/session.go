package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"voicecircle/native/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// DefaultInstructions is the system prompt sent when minting a session.
const DefaultInstructions = "You are playing a game of yes and with the user. The goal is this game is to build a story together. " +
	"Whatever the user says, you will answer beginning with 'yes and', and build on the user's input. " +
	"Do not prompt the user for more information, just build the story. Do not respond to harmful or offensive content."

// SessionConfig configures the credential endpoint.
type SessionConfig struct {
	APIKey       string
	SessionsURL  string
	Model        string
	Voice        string
	Instructions string
}

// SessionHandler serves POST /api/session by minting an ephemeral credential
// upstream with the server's long-lived API key.
type SessionHandler struct {
	cfg    SessionConfig
	client *http.Client
}

// NewSessionHandler creates the handler. A nil client gets a 30s timeout.
func NewSessionHandler(cfg SessionConfig, client *http.Client) *SessionHandler {
	if cfg.SessionsURL == "" {
		cfg.SessionsURL = domain.DefaultSessionsURL
	}
	if cfg.Model == "" {
		cfg.Model = domain.DefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = "sage"
	}
	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SessionHandler{cfg: cfg, client: client}
}

type sessionRequest struct {
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// Handle is registered for every method so non-POST requests get a JSON 405.
func (h *SessionHandler) Handle(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodOptions:
		c.Status(http.StatusOK)
		return
	case http.MethodPost:
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
		return
	}

	if h.cfg.APIKey == "" {
		log.Error().Str("module", "server").Msg("OpenAI API key not configured")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "OpenAI API key not configured"})
		return
	}

	body, err := json.Marshal(sessionRequest{Model: h.cfg.Model, Voice: h.cfg.Voice, Instructions: h.cfg.Instructions})
	if err != nil {
		h.internalError(c, err)
		return
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, h.cfg.SessionsURL, bytes.NewReader(body))
	if err != nil {
		h.internalError(c, err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.internalError(c, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.internalError(c, err)
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Str("module", "server").Int("status", resp.StatusCode).Str("body", string(data)).Msg("OpenAI API error")
		c.JSON(resp.StatusCode, gin.H{"error": "Failed to create session", "details": string(data)})
		return
	}
	if !json.Valid(data) {
		log.Error().Str("module", "server").Msg("upstream session response is not JSON")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": "invalid upstream response"})
		return
	}

	log.Info().Str("module", "server").Str("model", h.cfg.Model).Msg("session created")
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func (h *SessionHandler) internalError(c *gin.Context, err error) {
	log.Error().Str("module", "server").Err(err).Msg("error creating session")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "message": err.Error()})
}

// CORSMiddleware allows browser clients on any origin.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Next()
	}
}
