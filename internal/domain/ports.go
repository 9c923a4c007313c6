package domain

import "context"

// CredentialFetcher obtains an ephemeral credential for one connect attempt.
type CredentialFetcher interface {
	FetchCredential(ctx context.Context) (*EphemeralCredential, error)
}

// Signaler exchanges a local SDP offer for the remote SDP answer.
type Signaler interface {
	ExchangeOffer(ctx context.Context, cred *EphemeralCredential, offerSDP string) (string, error)
}
