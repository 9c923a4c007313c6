package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"voicecircle/native/internal/domain"

	"github.com/rs/zerolog/log"
)

const sessionPath = "/api/session"

// errorResponse is the diagnostic body the credential endpoint returns on failure.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
	Message string `json:"message"`
}

// Client fetches ephemeral credentials from the credential endpoint.
type Client struct {
	serverURL string
	http      *http.Client
}

// NewClient creates a credential client for the endpoint rooted at serverURL.
// A nil httpClient selects a client with a 15 second timeout.
func NewClient(serverURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		http:      httpClient,
	}
}

// FetchCredential asks the credential endpoint for a fresh ephemeral token.
// Every failure is reported as *domain.CredentialError.
func (c *Client) FetchCredential(ctx context.Context) (*domain.EphemeralCredential, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+sessionPath, nil)
	if err != nil {
		return nil, &domain.CredentialError{Err: fmt.Errorf("create http request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &domain.CredentialError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.CredentialError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := errorDetail(respBody)
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		log.Warn().Str("module", "api").Int("status", resp.StatusCode).Str("detail", detail).Msg("credential endpoint refused")
		return nil, &domain.CredentialError{Status: resp.StatusCode, Detail: detail}
	}

	var credResp domain.CredentialResponse
	if err := json.Unmarshal(respBody, &credResp); err != nil {
		return nil, &domain.CredentialError{Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if credResp.ClientSecret.Value == "" {
		return nil, &domain.CredentialError{Detail: "response has no client_secret.value"}
	}

	log.Info().Str("module", "api").Str("session_id", credResp.ID).Int64("expires_at", credResp.ClientSecret.ExpiresAt).Msg("ephemeral credential obtained")
	return &domain.EphemeralCredential{
		Value:     credResp.ClientSecret.Value,
		ExpiresAt: credResp.ClientSecret.ExpiresAt,
		SessionID: credResp.ID,
	}, nil
}

// errorDetail extracts the error text from a failure body, falling back to the raw text.
func errorDetail(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return strings.TrimSpace(string(body))
	}
	detail := er.Error
	if er.Details != "" {
		detail = strings.TrimSpace(detail + ": " + er.Details)
	} else if er.Message != "" {
		detail = strings.TrimSpace(detail + ": " + er.Message)
	}
	return strings.TrimPrefix(detail, ": ")
}
