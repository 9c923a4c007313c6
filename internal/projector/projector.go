package projector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voicecircle/native/internal/domain"
	rtc "voicecircle/native/internal/webrtc"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is recorded and returned by StartListening before the session is up.
	ErrNotConnected = errors.New("not connected to realtime service")
	// ErrConnectionLost is returned by Connect when the connection goes away
	// before its data channel opens.
	ErrConnectionLost = errors.New("connection lost before the data channel opened")
)

// Connection is the part of the connection manager the projector drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendEvent(event any) error
	On(event rtc.Event, fn rtc.Handler) rtc.Subscription
	Off(sub rtc.Subscription)
}

// Status is the single UI-facing state derived from the flags.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
	StatusError      Status = "error"
)

// Snapshot is a copy of the projected state.
type Snapshot struct {
	Status     Status `json:"status"`
	Connected  bool   `json:"connected"`
	Connecting bool   `json:"connecting"`
	Listening  bool   `json:"listening"`
	Speaking   bool   `json:"speaking"`
	Error      string `json:"error,omitempty"`
}

// SessionOptions is the content of the session.update sent by StartListening.
type SessionOptions struct {
	Instructions       string
	Voice              string
	TranscriptionModel string
}

// DefaultSessionOptions returns the options used when none are configured.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Instructions:       "You are a helpful assistant. Please respond in English.",
		Voice:              "verse",
		TranscriptionModel: "whisper-1",
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.Instructions == "" {
		o.Instructions = d.Instructions
	}
	if o.Voice == "" {
		o.Voice = d.Voice
	}
	if o.TranscriptionModel == "" {
		o.TranscriptionModel = d.TranscriptionModel
	}
	return o
}

// pendingConnect is settled when the data channel of a successful connect
// opens, or with an error when the connection goes away first.
type pendingConnect struct {
	done chan struct{}
	err  error
}

type flags struct {
	connected  bool
	connecting bool
	listening  bool
	speaking   bool
	err        string
}

// Projector turns connection notifications into UI state and maps UI intents
// onto the connection.
type Projector struct {
	conn    Connection
	session SessionOptions
	subs    []rtc.Subscription

	// notifyMu serializes change+notify so observers see snapshots in order.
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     flags
	observers []func(Snapshot)
	pending   *pendingConnect
	drops     uint64
}

// New subscribes to conn. Call Close to unsubscribe.
func New(conn Connection, session SessionOptions) *Projector {
	p := &Projector{conn: conn, session: session.withDefaults()}
	p.subs = []rtc.Subscription{
		conn.On(rtc.EventConnected, func(any) { p.onConnected() }),
		conn.On(rtc.EventDisconnected, func(any) { p.onDisconnected() }),
		conn.On(rtc.EventError, p.onError),
		conn.On(rtc.EventRealtimeEvent, p.onRealtimeEvent),
		conn.On(rtc.EventDataChannelOpen, func(any) {
			log.Info().Str("module", "projector").Msg("data channel opened, ready for communication")
			p.mu.Lock()
			p.settle(nil)
			p.mu.Unlock()
		}),
		conn.On(rtc.EventDataChannelClose, func(any) {
			log.Info().Str("module", "projector").Msg("data channel closed")
			p.mu.Lock()
			// A close from the previous connection can trail a new attempt.
			if p.state.connected {
				p.settle(ErrConnectionLost)
			}
			p.mu.Unlock()
		}),
	}
	return p
}

// Close removes the projector's subscriptions.
func (p *Projector) Close() {
	for _, sub := range p.subs {
		p.conn.Off(sub)
	}
	p.subs = nil
}

// OnChange registers fn to receive a snapshot after every change. fn must
// not call back into the projector's intents.
func (p *Projector) OnChange(fn func(Snapshot)) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Snapshot returns the current state.
func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.snapshot()
}

// Status returns the derived status.
func (p *Projector) Status() Status {
	return p.Snapshot().Status
}

// Connect starts a connection attempt and waits for it to finish. On success
// it returns once the data channel is open, with the projector already
// connected, so events can be sent right away.
func (p *Projector) Connect(ctx context.Context) error {
	var busy error
	var drops uint64
	pending := &pendingConnect{done: make(chan struct{})}
	p.update(func(f *flags) bool {
		switch {
		case f.connected:
			busy = domain.ErrAlreadyConnected
			return false
		case f.connecting:
			busy = domain.ErrConnectInProgress
			return false
		}
		f.connecting = true
		f.err = ""
		p.pending = pending
		drops = p.drops
		return true
	})
	if busy != nil {
		return busy
	}

	err := p.conn.Connect(ctx)
	if err != nil {
		p.mu.Lock()
		if p.pending == pending {
			p.pending = nil
		}
		p.mu.Unlock()
		if errors.Is(err, domain.ErrConnectAborted) {
			return err
		}
		p.update(func(f *flags) bool {
			f.err = err.Error()
			f.connecting = false
			return true
		})
		return err
	}

	// The connected notification may still be queued; apply it here unless
	// the connection already dropped.
	lost := false
	p.update(func(f *flags) bool {
		if p.drops != drops {
			lost = true
			return false
		}
		return f.markConnected()
	})
	if lost {
		return ErrConnectionLost
	}

	select {
	case <-pending.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return pending.err
}

// Disconnect tears the connection down.
func (p *Projector) Disconnect() error {
	if err := p.conn.Disconnect(); err != nil {
		p.recordError(fmt.Errorf("disconnect: %w", err))
		return err
	}
	return nil
}

// Toggle disconnects a live session and otherwise starts one, retrying after
// an error. It does nothing while an attempt is in flight.
func (p *Projector) Toggle(ctx context.Context) error {
	s := p.Snapshot()
	switch {
	case s.Connected:
		return p.Disconnect()
	case s.Error != "" || !s.Connecting:
		if s.Error != "" {
			p.ClearError()
		}
		return p.Connect(ctx)
	default:
		return nil
	}
}

// StartListening configures the session for a spoken conversation.
func (p *Projector) StartListening() error {
	if !p.Snapshot().Connected {
		p.recordError(ErrNotConnected)
		return ErrNotConnected
	}

	if err := p.conn.SendEvent(p.sessionUpdate()); err != nil {
		err = fmt.Errorf("start listening: %w", err)
		p.recordError(err)
		return err
	}
	p.update(func(f *flags) bool {
		f.listening = true
		f.speaking = false
		f.err = ""
		return true
	})
	log.Info().Str("module", "projector").Msg("listening")
	return nil
}

// StopListening clears listening and speaking locally. Nothing is sent.
func (p *Projector) StopListening() {
	p.update(func(f *flags) bool {
		f.listening = false
		f.speaking = false
		return true
	})
}

// ClearError drops the recorded error message.
func (p *Projector) ClearError() {
	p.update(func(f *flags) bool {
		if f.err == "" {
			return false
		}
		f.err = ""
		return true
	})
}

func (p *Projector) sessionUpdate() domain.RealtimeEvent {
	return domain.RealtimeEvent{
		"type":     domain.EventSessionUpdate,
		"event_id": "evt_" + uuid.NewString(),
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        p.session.Instructions,
			"voice":               p.session.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": p.session.TranscriptionModel,
			},
		},
	}
}

func (p *Projector) onConnected() {
	p.update(func(f *flags) bool { return f.markConnected() })
}

func (p *Projector) onDisconnected() {
	p.update(func(f *flags) bool {
		p.drops++
		p.settle(ErrConnectionLost)
		f.connected = false
		f.connecting = false
		f.listening = false
		f.speaking = false
		return true
	})
}

func (p *Projector) onError(payload any) {
	err, ok := payload.(error)
	if !ok || err == nil {
		err = errors.New("connection error")
	}
	p.recordError(err)
}

func (p *Projector) onRealtimeEvent(payload any) {
	event, ok := payload.(domain.RealtimeEvent)
	if !ok {
		return
	}
	switch event.Type() {
	case domain.EventConversationItemCreate, domain.EventConversationItemCreated:
		p.update(func(f *flags) bool {
			f.speaking = true
			f.listening = false
			return true
		})
	case domain.EventResponseDone, domain.EventConversationItemCompleted:
		p.update(func(f *flags) bool {
			f.speaking = false
			f.listening = true
			return true
		})
	case domain.EventSessionUpdated:
		log.Debug().Str("module", "projector").Msg("session updated")
	}
}

// settle releases a Connect waiting for the data channel. Callers hold p.mu.
func (p *Projector) settle(err error) {
	if p.pending == nil {
		return
	}
	p.pending.err = err
	close(p.pending.done)
	p.pending = nil
}

func (p *Projector) recordError(err error) {
	log.Warn().Str("module", "projector").Err(err).Msg("error recorded")
	p.update(func(f *flags) bool {
		f.err = err.Error()
		f.connecting = false
		return true
	})
}

// update applies fn and, if it reports a change, notifies observers.
func (p *Projector) update(fn func(f *flags) bool) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	changed := fn(&p.state)
	snap := p.state.snapshot()
	observers := p.observers
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range observers {
		fn(snap)
	}
}

// markConnected applies the connected transition and reports whether
// anything changed.
func (f *flags) markConnected() bool {
	if f.connected && !f.connecting && f.err == "" {
		return false
	}
	f.connected = true
	f.connecting = false
	f.err = ""
	return true
}

func (f flags) snapshot() Snapshot {
	return Snapshot{
		Status:     f.status(),
		Connected:  f.connected,
		Connecting: f.connecting,
		Listening:  f.listening,
		Speaking:   f.speaking,
		Error:      f.err,
	}
}

func (f flags) status() Status {
	switch {
	case f.err != "":
		return StatusError
	case f.connecting:
		return StatusConnecting
	case f.speaking:
		return StatusSpeaking
	case f.listening:
		return StatusListening
	case f.connected:
		return StatusConnected
	default:
		return StatusIdle
	}
}
