package signal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicecircle/native/internal/domain"

	"github.com/rs/zerolog/log"
)

// maxAnswerSize bounds the answer body read from the signaling endpoint.
const maxAnswerSize = 1 << 20

// Client posts SDP offers to the realtime provider and returns its answers.
type Client struct {
	endpoint string
	model    string
	http     *http.Client
}

// NewClient creates a signaling client for endpoint (e.g. https://api.openai.com/v1/realtime).
// A nil httpClient selects a client with a 30 second timeout.
func NewClient(endpoint, model string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		endpoint: endpoint,
		model:    model,
		http:     httpClient,
	}
}

// URL returns the signaling URL including the model query parameter.
func (c *Client) URL() (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse signaling endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeOffer sends the offer SDP authenticated with cred and returns the answer SDP.
// Every failure is reported as *domain.SignalingError.
func (c *Client) ExchangeOffer(ctx context.Context, cred *domain.EphemeralCredential, offerSDP string) (string, error) {
	if cred == nil || cred.Value == "" {
		return "", &domain.SignalingError{Detail: "missing ephemeral credential"}
	}

	target, err := c.URL()
	if err != nil {
		return "", &domain.SignalingError{Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(offerSDP))
	if err != nil {
		return "", &domain.SignalingError{Err: fmt.Errorf("create http request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.Value)
	httpReq.Header.Set("Content-Type", "application/sdp")

	log.Info().Str("module", "signal").Str("url", target).Int("offer_bytes", len(offerSDP)).Msg(">>> offer")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &domain.SignalingError{Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", &domain.SignalingError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Str("module", "signal").Int("status", resp.StatusCode).Msg("offer rejected")
		return "", &domain.SignalingError{Status: resp.StatusCode, Detail: strings.TrimSpace(string(respBody))}
	}

	answer := string(respBody)
	if strings.TrimSpace(answer) == "" {
		return "", &domain.SignalingError{Detail: "empty SDP answer"}
	}

	log.Info().Str("module", "signal").Int("status", resp.StatusCode).Int("answer_bytes", len(answer)).Msg("<<< answer")
	return answer, nil
}
