//go:build !linux

package microphone

import (
	"context"
	"errors"

	"voicecircle/native/internal/domain"
	rtc "voicecircle/native/internal/webrtc"
)

// Device is unavailable off Linux; use media.FileSource instead.
type Device struct{}

func New() *Device {
	return &Device{}
}

func (m *Device) Open(context.Context) (rtc.LocalStream, error) {
	return nil, &domain.MediaAccessError{Err: errors.New("microphone capture is not supported on this platform")}
}
