package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotOpen is returned when an event is sent before the data channel is open.
	ErrChannelNotOpen = errors.New("data channel is not open")
	// ErrAlreadyConnected is returned by Connect when a connection is already established.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrConnectInProgress is returned by Connect while another attempt is in flight.
	ErrConnectInProgress = errors.New("connect already in progress")
	// ErrConnectAborted is returned by an in-flight Connect that was torn down by Disconnect.
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)

// CredentialError reports a failed or unusable credential fetch.
type CredentialError struct {
	Status int
	Detail string
	Err    error
}

func (e *CredentialError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("failed to get ephemeral token: http %d: %s", e.Status, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("failed to get ephemeral token: %v", e.Err)
	default:
		return "failed to get ephemeral token: " + e.Detail
	}
}

func (e *CredentialError) Unwrap() error { return e.Err }

// MediaAccessError reports that the microphone could not be opened.
type MediaAccessError struct {
	Err error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("failed to access microphone: %v", e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// SignalingError reports a failed offer/answer exchange.
type SignalingError struct {
	Status int
	Detail string
	Err    error
}

func (e *SignalingError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("failed to establish connection: %d %s", e.Status, e.Detail)
	case e.Err != nil && e.Detail != "":
		return fmt.Sprintf("failed to establish connection: %s: %v", e.Detail, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("failed to establish connection: %v", e.Err)
	default:
		return "failed to establish connection: " + e.Detail
	}
}

func (e *SignalingError) Unwrap() error { return e.Err }

// ParseError reports an inbound data channel message that is not valid JSON.
// It is only ever delivered as a notification.
type ParseError struct {
	Data []byte
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse received event: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
