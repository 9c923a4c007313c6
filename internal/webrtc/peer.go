package webrtc

import (
	"context"
	"fmt"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// dataChannelLabel is the label the realtime provider expects for the event channel.
const dataChannelLabel = "oai-events"

// LocalStream is captured microphone audio owned by the manager until teardown.
type LocalStream interface {
	// AudioTrack returns the stream's audio track, or nil if it has none.
	AudioTrack() pion.TrackLocal
	// Stop ends capture and releases the device.
	Stop() error
}

// MicrophoneSource opens the local capture device.
type MicrophoneSource interface {
	Open(ctx context.Context) (LocalStream, error)
}

// AudioSink plays back the remote audio track.
type AudioSink interface {
	Attach(track *pion.TrackRemote)
	Detach() error
}

// newAPI builds a pion API with the default codecs and interceptors.
// A fresh API is created for each connect attempt.
func newAPI(settings *pion.SettingEngine) (*pion.API, error) {
	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	opts := []func(*pion.API){
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	}
	if settings != nil {
		opts = append(opts, pion.WithSettingEngine(*settings))
	}
	return pion.NewAPI(opts...), nil
}

// rtcConfiguration turns ICE server URLs into a peer connection configuration.
func rtcConfiguration(iceServers []string) pion.Configuration {
	var servers []pion.ICEServer
	for _, u := range iceServers {
		if u == "" {
			continue
		}
		servers = append(servers, pion.ICEServer{URLs: []string{u}})
	}
	return pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	}
}

// usable reports whether a transport/channel pair can carry events.
func usable(pcState pion.PeerConnectionState, dcState pion.DataChannelState) bool {
	return pcState == pion.PeerConnectionStateConnected && dcState == pion.DataChannelStateOpen
}

// drainSink discards remote audio. It keeps the RTP receive path flowing
// when no playback sink is configured.
type drainSink struct{}

func (drainSink) Attach(track *pion.TrackRemote) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				log.Debug().Str("module", "webrtc").Err(err).Msg("remote audio drain stopped")
				return
			}
		}
	}()
}

func (drainSink) Detach() error { return nil }
