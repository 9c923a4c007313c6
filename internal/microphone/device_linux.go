//go:build linux

package microphone

import (
	"context"
	"errors"

	"voicecircle/native/internal/domain"
	rtc "voicecircle/native/internal/webrtc"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Device captures the default input device and encodes it as Opus.
type Device struct{}

// New returns a capture source for the default input device.
func New() *Device {
	return &Device{}
}

// Open requests the microphone. Every call opens the device anew.
func (m *Device) Open(ctx context.Context) (rtc.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &domain.MediaAccessError{Err: err}
	}
	selector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "media").Interface("kind", d.Kind).Str("label", d.Label).Msg("media device")
	}

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		log.Error().Str("module", "media").Err(err).Msg("failed to open microphone")
		return nil, &domain.MediaAccessError{Err: err}
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, &domain.MediaAccessError{Err: errors.New("no audio track captured")}
	}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Str("module", "media").Err(err).Msg("microphone track ended")
			}
		})
	}

	log.Info().Str("module", "media").Int("tracks", len(tracks)).Msg("microphone captured")
	return &deviceStream{tracks: tracks}, nil
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) AudioTrack() pion.TrackLocal {
	return s.tracks[0]
}

func (s *deviceStream) Stop() error {
	var errs []error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Info().Str("module", "media").Msg("microphone released")
	return errors.Join(errs...)
}
