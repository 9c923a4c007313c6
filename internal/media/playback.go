package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// RTPWriter consumes remote audio packets.
type RTPWriter interface {
	WriteRTP(pkt *rtp.Packet) error
}

type rtpReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// detachTimeout bounds how long Detach waits for readers that never saw EOF.
const detachTimeout = 2 * time.Second

// Playback receives the remote audio track and fans its packets out to the
// configured writers. With a record path it also writes one Ogg/Opus file
// per session, numbered after the path (reply.ogg gives reply-1.ogg,
// reply-2.ogg, ...). Existing files are never overwritten.
type Playback struct {
	recordPath string
	writers    []RTPWriter

	mu         sync.Mutex
	sessions   []*playbackSession
	recordings int
	packets    atomic.Uint64
}

// NewPlayback creates a sink. recordPath may be empty.
func NewPlayback(recordPath string, writers ...RTPWriter) *Playback {
	return &Playback{recordPath: recordPath, writers: writers}
}

// Packets returns the number of packets received since creation.
func (p *Playback) Packets() uint64 {
	return p.packets.Load()
}

// Attach starts reading track until it ends or Detach is called.
func (p *Playback) Attach(track *pion.TrackRemote) {
	p.attach(track.Codec(), track)
}

func (p *Playback) attach(codec pion.RTPCodecParameters, src rtpReader) {
	s := &playbackSession{done: make(chan struct{})}
	s.outs = append(s.outs, p.writers...)

	if p.recordPath != "" && strings.EqualFold(codec.MimeType, pion.MimeTypeOpus) {
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		path := p.nextRecording()
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		if err != nil {
			log.Error().Str("module", "media").Err(err).Str("path", path).Msg("failed to open recording")
		} else {
			s.recorder = w
			s.outs = append(s.outs, w)
			log.Info().Str("module", "media").Str("path", path).Msg("recording remote audio")
		}
	}

	p.mu.Lock()
	p.sessions = append(p.sessions, s)
	p.mu.Unlock()

	go p.loop(s, src)
}

// nextRecording returns the first numbered recording path not on disk.
func (p *Playback) nextRecording() string {
	ext := filepath.Ext(p.recordPath)
	base := strings.TrimSuffix(p.recordPath, ext)

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		p.recordings++
		path := fmt.Sprintf("%s-%d%s", base, p.recordings, ext)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
	}
}

// Detach waits for every reader to stop and closes the recording.
func (p *Playback) Detach() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-time.After(detachTimeout):
			errs = append(errs, errors.New("remote audio reader did not stop"))
		}
		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close recording: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

type playbackSession struct {
	mu       sync.Mutex
	outs     []RTPWriter
	recorder *oggwriter.OggWriter
	done     chan struct{}
}

func (p *Playback) loop(s *playbackSession, src rtpReader) {
	defer close(s.done)
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			log.Debug().Str("module", "media").Err(err).Uint64("packets", p.packets.Load()).Msg("remote audio ended")
			return
		}
		p.packets.Add(1)
		s.forward(pkt)
	}
}

// forward writes pkt to every output and drops outputs that fail.
func (s *playbackSession) forward(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outs[:0]
	for _, w := range s.outs {
		if err := w.WriteRTP(pkt); err != nil {
			log.Error().Str("module", "media").Err(err).Msg("playback write error, dropping output")
			continue
		}
		kept = append(kept, w)
	}
	s.outs = kept
}
