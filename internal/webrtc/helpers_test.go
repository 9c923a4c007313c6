package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"voicecircle/native/internal/domain"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// loopbackSettings lets two in-process peers connect over 127.0.0.1.
func loopbackSettings() pion.SettingEngine {
	se := pion.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]pion.NetworkType{pion.NetworkTypeUDP4})
	return se
}

// fakeCreds hands out credentials, optionally blocking until released.
type fakeCreds struct {
	mu      sync.Mutex
	calls   int
	err     error
	errs    []error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeCreds) FetchCredential(ctx context.Context) (*domain.EphemeralCredential, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	err := f.err
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.EphemeralCredential{Value: "ek_" + string(rune('0'+n)), ExpiresAt: time.Now().Add(time.Minute).Unix()}, nil
}

func (f *fakeCreds) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStream is a local stream backed by a static sample track.
type fakeStream struct {
	track   *pion.TrackLocalStaticSample
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) AudioTrack() pion.TrackLocal {
	if s.track == nil {
		return nil
	}
	return s.track
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// fakeMic opens a new fakeStream per call unless err is set.
type fakeMic struct {
	mu      sync.Mutex
	err     error
	noTrack bool
	streams []*fakeStream
}

func (f *fakeMic) Open(context.Context) (LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeStream{}
	if !f.noTrack {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "mic")
		if err != nil {
			return nil, err
		}
		s.track = track
	}
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeMic) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[len(f.streams)-1]
}

// signalFunc adapts a function to domain.Signaler.
type signalFunc func(ctx context.Context, cred *domain.EphemeralCredential, offer string) (string, error)

func (f signalFunc) ExchangeOffer(ctx context.Context, cred *domain.EphemeralCredential, offer string) (string, error) {
	return f(ctx, cred, offer)
}

// answerer plays the realtime provider: it answers offers, echoes every data
// channel message and streams Opus silence back on the audio transceiver.
type answerer struct {
	t     *testing.T
	mu    sync.Mutex
	peers []*pion.PeerConnection
	auths []string
	done  chan struct{}
}

func newAnswerer(t *testing.T) *answerer {
	ans := &answerer{t: t, done: make(chan struct{})}
	t.Cleanup(ans.close)
	return ans
}

func (ans *answerer) close() {
	ans.mu.Lock()
	defer ans.mu.Unlock()
	select {
	case <-ans.done:
		return
	default:
		close(ans.done)
	}
	for _, pc := range ans.peers {
		_ = pc.Close()
	}
}

func (ans *answerer) signaler() domain.Signaler {
	return signalFunc(func(ctx context.Context, cred *domain.EphemeralCredential, offer string) (string, error) {
		ans.mu.Lock()
		ans.auths = append(ans.auths, cred.Value)
		ans.mu.Unlock()
		return ans.answer(ctx, offer)
	})
}

func (ans *answerer) answer(ctx context.Context, offer string) (string, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return "", err
	}
	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return "", err
	}
	api := pion.NewAPI(pion.WithMediaEngine(m), pion.WithInterceptorRegistry(i), pion.WithSettingEngine(loopbackSettings()))

	pc, err := api.NewPeerConnection(pion.Configuration{})
	if err != nil {
		return "", err
	}
	ans.mu.Lock()
	ans.peers = append(ans.peers, pc)
	ans.mu.Unlock()

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		dc.OnMessage(func(msg pion.DataChannelMessage) {
			_ = dc.SendText(string(msg.Data))
		})
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})

	voice, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "assistant")
	if err != nil {
		return "", err
	}
	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer}); err != nil {
		return "", err
	}
	if _, err := pc.AddTrack(voice); err != nil {
		return "", err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	gather := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	select {
	case <-gather:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	go ans.speak(voice)
	return pc.LocalDescription().SDP, nil
}

// speak writes Opus silence frames until the answerer is closed.
func (ans *answerer) speak(track *pion.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ans.done:
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
		}
	}
}

// recorder captures notifications from a manager.
type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	event   Event
	payload any
}

func record(m *Manager) *recorder {
	r := &recorder{}
	for _, ev := range []Event{
		EventConnected, EventDisconnected, EventError, EventConnectionStateChange,
		EventICEConnectionStateChange, EventDataChannelOpen, EventDataChannelClose,
		EventDataChannelError, EventRealtimeEvent, EventParseError,
		EventLocalAudioTrack, EventRemoteAudioTrack,
	} {
		ev := ev
		m.On(ev, func(p any) {
			r.mu.Lock()
			r.events = append(r.events, recorded{event: ev, payload: p})
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) count(ev Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.event == ev {
			n++
		}
	}
	return n
}

func (r *recorder) payloads(ev Event) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, e := range r.events {
		if e.event == ev {
			out = append(out, e.payload)
		}
	}
	return out
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testConfig disables STUN so gathering only uses local interfaces.
var testConfig = domain.ConnectionConfig{ICEServers: []string{}}
