package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"voicecircle/native/internal/domain"

	"github.com/pion/sdp/v3"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// State is the durable connection state of a Manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAudioSink sets the playback sink for the remote audio track.
func WithAudioSink(sink AudioSink) Option {
	return func(m *Manager) { m.sink = sink }
}

// WithSettingEngine overrides pion's transport settings (network types, timeouts).
func WithSettingEngine(se pion.SettingEngine) Option {
	return func(m *Manager) { m.settings = &se }
}

// Manager owns one realtime peer connection: the signaling handshake, the
// local microphone track, the remote audio track and the event data channel.
// Each Manager is independent; construct one per session.
type Manager struct {
	cfg      domain.ConnectionConfig
	creds    domain.CredentialFetcher
	signaler domain.Signaler
	mic      MicrophoneSource
	sink     AudioSink
	settings *pion.SettingEngine
	events   *Emitter

	// peerCreated is called with every new peer connection. Tests only.
	peerCreated func(*pion.PeerConnection)

	mu      sync.Mutex
	state   State
	gen     uint64
	current *attempt
}

// NewManager creates a Manager. It does not touch the network until Connect.
func NewManager(cfg domain.ConnectionConfig, creds domain.CredentialFetcher, signaler domain.Signaler, mic MicrophoneSource, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.WithDefaults(),
		creds:    creds,
		signaler: signaler,
		mic:      mic,
		sink:     drainSink{},
		events:   NewEmitter(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// On subscribes fn to event.
func (m *Manager) On(event Event, fn Handler) Subscription {
	return m.events.On(event, fn)
}

// Off removes a subscription.
func (m *Manager) Off(sub Subscription) {
	m.events.Off(sub)
}

// State returns the durable connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionState reports whether the connection can carry events: the
// transport is connected and the data channel is open.
func (m *Manager) ConnectionState() bool {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return false
	}
	pc, dc := a.transport()
	if pc == nil || dc == nil {
		return false
	}
	return usable(pc.ConnectionState(), dc.ReadyState())
}

// Connect runs the full handshake. Every call fetches a fresh credential and
// acquires fresh resources; on failure everything acquired is released before
// the error is returned and emitted.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return domain.ErrAlreadyConnected
	case StateConnecting:
		m.mu.Unlock()
		return domain.ErrConnectInProgress
	}
	m.gen++
	a := newAttempt(ctx, m.gen)
	m.current = a
	m.state = StateConnecting
	m.mu.Unlock()

	log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("connecting")

	err := runSteps(a, m.connectSteps())
	if err == nil {
		m.mu.Lock()
		if m.current == a {
			m.state = StateConnected
			// Queued under mu so a concurrent teardown's disconnected follows it.
			m.events.Emit(EventConnected, nil)
			m.mu.Unlock()
			log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("connection established")
			return nil
		}
		m.mu.Unlock()
	}
	return m.abortConnect(a, err)
}

// abortConnect rolls back a failed attempt and reports the error once.
func (m *Manager) abortConnect(a *attempt, err error) error {
	if _, ok := m.take(a); ok {
		if relErr := m.finishTeardown(a, err); relErr != nil {
			log.Warn().Str("module", "webrtc").Err(relErr).Msg("rollback")
		}
		log.Error().Str("module", "webrtc").Uint64("attempt", a.gen).Err(err).Msg("failed to establish connection")
		m.events.Emit(EventError, err)
		return err
	}

	// Released by Disconnect or a transport failure while in flight. The
	// winner of take may still be releasing.
	reason := a.releaseReason()
	if reason == nil {
		reason = domain.ErrConnectAborted
	}
	if errors.Is(reason, domain.ErrConnectAborted) {
		log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("connect aborted")
		return reason
	}
	log.Error().Str("module", "webrtc").Uint64("attempt", a.gen).Err(reason).Msg("failed to establish connection")
	m.events.Emit(EventError, reason)
	return reason
}

// Disconnect closes the data channel, stops the local tracks, closes the peer
// connection and detaches the playback sink. It is a no-op when idle.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()
	if a == nil {
		return nil
	}
	if _, ok := m.take(a); !ok {
		return nil
	}

	err := m.finishTeardown(a, domain.ErrConnectAborted)
	log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("connection closed")
	m.events.Emit(EventDisconnected, nil)
	if err != nil {
		err = fmt.Errorf("disconnect: %w", err)
		m.events.Emit(EventError, err)
		return err
	}
	return nil
}

// Close disconnects and stops notification delivery. It must not be called from a handler.
func (m *Manager) Close() error {
	err := m.Disconnect()
	m.events.Close()
	return err
}

// SendEvent encodes event as JSON and sends it over the data channel.
func (m *Manager) SendEvent(event any) error {
	m.mu.Lock()
	a := m.current
	m.mu.Unlock()

	var dc *pion.DataChannel
	if a != nil {
		_, dc = a.transport()
	}
	if dc == nil || dc.ReadyState() != pion.DataChannelStateOpen {
		m.events.Emit(EventError, domain.ErrChannelNotOpen)
		return domain.ErrChannelNotOpen
	}

	data, err := json.Marshal(event)
	if err != nil {
		err = fmt.Errorf("encode event: %w", err)
		m.events.Emit(EventError, err)
		return err
	}
	if err := dc.SendText(string(data)); err != nil {
		err = fmt.Errorf("send event: %w", err)
		m.events.Emit(EventError, err)
		return err
	}
	log.Debug().Str("module", "webrtc").RawJSON("event", data).Msg("sent event")
	return nil
}

// take detaches a from the manager if it is still current and reports the
// state it was in. Only the caller that wins take may tear it down.
func (m *Manager) take(a *attempt) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != a {
		return m.state, false
	}
	m.current = nil
	return m.state, true
}

// finishTeardown releases a and only then returns the manager to idle, so a
// new Connect cannot overlap the old attempt's resources.
func (m *Manager) finishTeardown(a *attempt, reason error) error {
	err := a.release(reason)
	m.mu.Lock()
	if m.current == nil {
		m.state = StateIdle
	}
	m.mu.Unlock()
	return err
}

// transportLost tears down after the transport reports failed or disconnected.
// During the handshake no connection existed yet: the in-flight Connect
// returns and emits the failure, and no disconnected is emitted.
func (m *Manager) transportLost(a *attempt, s pion.PeerConnectionState) {
	was, ok := m.take(a)
	if !ok {
		return
	}
	err := m.finishTeardown(a, fmt.Errorf("transport %s", s))
	if was != StateConnected {
		log.Warn().Str("module", "webrtc").Uint64("attempt", a.gen).Str("state", s.String()).Err(err).Msg("transport lost during handshake")
		return
	}
	log.Warn().Str("module", "webrtc").Uint64("attempt", a.gen).Str("state", s.String()).Msg("transport lost")
	m.events.Emit(EventDisconnected, nil)
	if err != nil {
		m.events.Emit(EventError, fmt.Errorf("teardown after transport %s: %w", s, err))
	}
}

// connectSteps is the ordered handshake. The microphone track and the data
// channel must both exist before the offer is created so that the offer
// advertises them.
func (m *Manager) connectSteps() []step {
	return []step{
		{name: "credential", run: m.stepCredential},
		{name: "peer", run: m.stepPeer},
		{name: "microphone", run: m.stepMicrophone},
		{name: "data channel", run: m.stepDataChannel},
		{name: "offer", run: m.stepOffer},
		{name: "exchange", run: m.stepExchange},
		{name: "answer", run: m.stepAnswer},
	}
}

func (m *Manager) stepCredential(a *attempt) error {
	cred, err := m.creds.FetchCredential(a.ctx)
	if err != nil {
		var credErr *domain.CredentialError
		if errors.As(err, &credErr) {
			return err
		}
		return &domain.CredentialError{Err: err}
	}
	if cred == nil || cred.Value == "" {
		return &domain.CredentialError{Detail: "empty ephemeral token"}
	}
	a.cred = cred
	return nil
}

func (m *Manager) stepPeer(a *attempt) error {
	api, err := newAPI(m.settings)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	pc, err := api.NewPeerConnection(rtcConfiguration(m.cfg.ICEServers))
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	sink := m.sink
	if err := a.hold("playback sink", sink.Detach); err != nil {
		_ = pc.Close()
		return err
	}
	if err := a.hold("peer connection", pc.Close); err != nil {
		return err
	}
	a.setPeer(pc)
	if m.peerCreated != nil {
		m.peerCreated(pc)
	}

	pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Str("state", s.String()).Msg("connection state changed")
		m.events.Emit(EventConnectionStateChange, s.String())
		if s == pion.PeerConnectionStateFailed || s == pion.PeerConnectionStateDisconnected {
			go m.transportLost(a, s)
		}
	})
	pc.OnICEConnectionStateChange(func(s pion.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Str("ice_state", s.String()).Msg("ICE connection state changed")
		m.events.Emit(EventICEConnectionStateChange, s.String())
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		log.Info().Str("module", "webrtc").Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Msg("received remote track")
		if track.Kind() != pion.RTPCodecTypeAudio {
			return
		}
		if !a.guard(func() { sink.Attach(track) }) {
			log.Debug().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("remote track after release ignored")
			return
		}
		m.events.Emit(EventRemoteAudioTrack, track)
	})
	return nil
}

func (m *Manager) stepMicrophone(a *attempt) error {
	local, err := m.mic.Open(a.ctx)
	if err != nil {
		var mediaErr *domain.MediaAccessError
		if errors.As(err, &mediaErr) {
			return err
		}
		return &domain.MediaAccessError{Err: err}
	}
	if err := a.hold("local stream", onceCloser(local.Stop)); err != nil {
		return err
	}

	track := local.AudioTrack()
	if track == nil {
		return &domain.MediaAccessError{Err: errors.New("stream has no audio track")}
	}
	pc, _ := a.transport()
	if _, err := pc.AddTrack(track); err != nil {
		return fmt.Errorf("add local audio track: %w", err)
	}

	log.Info().Str("module", "webrtc").Str("track_id", track.ID()).Msg("local audio track added")
	m.events.Emit(EventLocalAudioTrack, local)
	return nil
}

func (m *Manager) stepDataChannel(a *attempt) error {
	pc, _ := a.transport()
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	if err := a.hold("data channel", dc.Close); err != nil {
		return err
	}
	a.setChannel(dc)

	dc.OnOpen(func() {
		log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("data channel opened")
		m.events.Emit(EventDataChannelOpen, nil)
	})
	dc.OnClose(func() {
		log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("data channel closed")
		m.events.Emit(EventDataChannelClose, nil)
	})
	dc.OnError(func(err error) {
		log.Error().Str("module", "webrtc").Uint64("attempt", a.gen).Err(err).Msg("data channel error")
		m.events.Emit(EventDataChannelError, err)
	})
	dc.OnMessage(m.handleMessage)
	return nil
}

func (m *Manager) stepOffer(a *attempt) error {
	pc, _ := a.transport()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &domain.SignalingError{Detail: "create offer", Err: err}
	}

	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return &domain.SignalingError{Detail: "set local description", Err: err}
	}
	select {
	case <-gatherComplete:
	case <-a.ctx.Done():
		return a.ctx.Err()
	}

	a.offer = pc.LocalDescription().SDP
	log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Msg("local SDP offer set")
	return nil
}

func (m *Manager) stepExchange(a *attempt) error {
	cred := a.cred
	a.cred = nil
	answer, err := m.signaler.ExchangeOffer(a.ctx, cred, a.offer)
	if err != nil {
		if a.ctx.Err() != nil {
			return a.ctx.Err()
		}
		var sigErr *domain.SignalingError
		if errors.As(err, &sigErr) {
			return err
		}
		return &domain.SignalingError{Err: err}
	}
	a.answer = answer
	return nil
}

func (m *Manager) stepAnswer(a *attempt) error {
	answer := a.answer
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(answer); err != nil {
		return &domain.SignalingError{Detail: "malformed SDP answer", Err: err}
	}

	pc, _ := a.transport()
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer}); err != nil {
		return &domain.SignalingError{Detail: "set remote description", Err: err}
	}
	log.Info().Str("module", "webrtc").Uint64("attempt", a.gen).Int("media", len(parsed.MediaDescriptions)).Msg("remote SDP answer set")
	return nil
}

// handleMessage decodes one inbound data channel frame.
func (m *Manager) handleMessage(msg pion.DataChannelMessage) {
	var event domain.RealtimeEvent
	err := json.Unmarshal(msg.Data, &event)
	if err == nil && event == nil {
		err = errors.New("event is not a JSON object")
	}
	if err != nil {
		log.Warn().Str("module", "webrtc").Err(err).Msg("failed to parse received event")
		m.events.Emit(EventParseError, &domain.ParseError{Data: msg.Data, Err: err})
		return
	}
	log.Debug().Str("module", "webrtc").Str("type", event.Type()).Msg("received event")
	m.events.Emit(EventRealtimeEvent, event)
}
