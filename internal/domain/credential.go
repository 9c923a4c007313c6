package domain

// ClientSecret is the short-lived bearer value issued by the credential endpoint.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// CredentialResponse is the JSON structure returned by the credential endpoint.
// It mirrors the provider's session-creation response.
type CredentialResponse struct {
	ClientSecret ClientSecret `json:"client_secret"`
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Voice        string       `json:"voice"`
}

// EphemeralCredential authorizes exactly one signaling handshake.
// It is never persisted; a new one is fetched for every connect attempt.
type EphemeralCredential struct {
	Value     string
	ExpiresAt int64
	SessionID string
}
