package signal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"voicecircle/native/internal/domain"
)

// recordingServer captures the last request and answers with a fixed response.
type recordingServer struct {
	mu      sync.Mutex
	auth    string
	ctype   string
	model   string
	body    string
	status  int
	respond string
}

func (s *recordingServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.auth = r.Header.Get("Authorization")
	s.ctype = r.Header.Get("Content-Type")
	s.model = r.URL.Query().Get("model")
	s.body = string(body)
	status, respond := s.status, s.respond
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(respond))
}

func newRecordingServer(t *testing.T, status int, respond string) (*recordingServer, *httptest.Server) {
	t.Helper()
	rs := &recordingServer{status: status, respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(srv.Close)
	return rs, srv
}

var testCred = &domain.EphemeralCredential{Value: "ek_test"}

func TestExchangeOffer_SendsOfferWithBearer(t *testing.T) {
	rs, srv := newRecordingServer(t, http.StatusCreated, "v=0\r\nanswer-sdp")
	c := NewClient(srv.URL+"/v1/realtime", "gpt-test", nil)

	answer, err := c.ExchangeOffer(context.Background(), testCred, "v=0\r\noffer-sdp")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "v=0\r\nanswer-sdp" {
		t.Errorf("expected answer SDP, got %q", answer)
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.auth != "Bearer ek_test" {
		t.Errorf("expected bearer header, got %q", rs.auth)
	}
	if rs.ctype != "application/sdp" {
		t.Errorf("expected application/sdp, got %q", rs.ctype)
	}
	if rs.model != "gpt-test" {
		t.Errorf("expected model gpt-test, got %q", rs.model)
	}
	if rs.body != "v=0\r\noffer-sdp" {
		t.Errorf("expected raw offer body, got %q", rs.body)
	}
}

func TestExchangeOffer_BadRequestCarriesBody(t *testing.T) {
	_, srv := newRecordingServer(t, http.StatusBadRequest, "bad sdp")
	c := NewClient(srv.URL, "m", nil)

	_, err := c.ExchangeOffer(context.Background(), testCred, "v=0")

	var sigErr *domain.SignalingError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected SignalingError, got %T: %v", err, err)
	}
	if sigErr.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", sigErr.Status)
	}
	if !strings.Contains(err.Error(), "bad sdp") {
		t.Errorf("expected message to contain %q, got %q", "bad sdp", err.Error())
	}
}

func TestExchangeOffer_EmptyAnswer(t *testing.T) {
	_, srv := newRecordingServer(t, http.StatusOK, "  ")
	c := NewClient(srv.URL, "m", nil)

	_, err := c.ExchangeOffer(context.Background(), testCred, "v=0")

	var sigErr *domain.SignalingError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected SignalingError, got %v", err)
	}
}

func TestExchangeOffer_MissingCredential(t *testing.T) {
	rs, srv := newRecordingServer(t, http.StatusOK, "v=0")
	c := NewClient(srv.URL, "m", nil)

	_, err := c.ExchangeOffer(context.Background(), nil, "v=0")

	var sigErr *domain.SignalingError
	if !errors.As(err, &sigErr) {
		t.Fatalf("expected SignalingError, got %v", err)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.body != "" {
		t.Error("expected no request to be sent")
	}
}

func TestURL_KeepsExistingQuery(t *testing.T) {
	c := NewClient("https://example.test/v1/realtime?debug=1", "gpt 4o", nil)

	u, err := c.URL()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(u, "debug=1") || !strings.Contains(u, "model=gpt+4o") {
		t.Errorf("unexpected url %q", u)
	}
}
