package domain

import (
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestCredentialError_Message(t *testing.T) {
	err := &CredentialError{Status: 500, Detail: "OpenAI API key not configured"}
	want := "failed to get ephemeral token: http 500: OpenAI API key not configured"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestSignalingError_Message(t *testing.T) {
	tests := []struct {
		err  *SignalingError
		want string
	}{
		{&SignalingError{Status: 400, Detail: "bad sdp"}, "failed to establish connection: 400 bad sdp"},
		{&SignalingError{Detail: "create offer", Err: io.EOF}, "failed to establish connection: create offer: EOF"},
		{&SignalingError{Err: io.EOF}, "failed to establish connection: EOF"},
		{&SignalingError{Detail: "empty SDP answer"}, "failed to establish connection: empty SDP answer"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func TestErrorsUnwrap(t *testing.T) {
	for _, err := range []error{
		&CredentialError{Err: io.EOF},
		&MediaAccessError{Err: io.EOF},
		&SignalingError{Err: io.EOF},
		&ParseError{Err: io.EOF},
	} {
		if !errors.Is(err, io.EOF) {
			t.Errorf("%T should unwrap to io.EOF", err)
		}
	}
}

func TestRealtimeEvent_Type(t *testing.T) {
	if got := (RealtimeEvent{"type": "response.done"}).Type(); got != "response.done" {
		t.Errorf("expected response.done, got %q", got)
	}
	if got := (RealtimeEvent{"type": 42}).Type(); got != "" {
		t.Errorf("expected empty type for non-string, got %q", got)
	}
	if got := (RealtimeEvent{}).Type(); got != "" {
		t.Errorf("expected empty type, got %q", got)
	}
}

func TestConnectionConfig_WithDefaults(t *testing.T) {
	cfg := ConnectionConfig{}.WithDefaults()
	if cfg.Model != DefaultModel || cfg.ServerURL != DefaultServerURL || cfg.SignalingURL != DefaultSignalingURL {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.ICEServers, []string{DefaultSTUNServer}) {
		t.Errorf("unexpected ICE servers %v", cfg.ICEServers)
	}

	custom := ConnectionConfig{Model: "m", ICEServers: []string{}}.WithDefaults()
	if custom.Model != "m" {
		t.Errorf("override lost: %q", custom.Model)
	}
	if len(custom.ICEServers) != 0 {
		t.Errorf("an explicit empty server list must be kept, got %v", custom.ICEServers)
	}
}
