package media

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"voicecircle/native/internal/domain"
	rtc "voicecircle/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const opusClockRate = 48000

// FileSource stands in for the microphone by streaming an Ogg/Opus file.
type FileSource struct {
	Path string
	Loop bool
}

// NewFileSource returns a source that plays path, restarting at the end when loop is set.
func NewFileSource(path string, loop bool) *FileSource {
	return &FileSource{Path: path, Loop: loop}
}

// Open validates the file and starts pacing its pages into a new track.
func (s *FileSource) Open(ctx context.Context) (rtc.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, &domain.MediaAccessError{Err: err}
	}
	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, &domain.MediaAccessError{Err: err}
	}

	channels := uint16(header.Channels)
	if channels == 0 {
		channels = 2
	}
	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{
		MimeType:  pion.MimeTypeOpus,
		ClockRate: opusClockRate,
		Channels:  channels,
	}, "audio", "voicecircle-file")
	if err != nil {
		_ = f.Close()
		return nil, &domain.MediaAccessError{Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	fs := &fileStream{track: track, file: f, cancel: cancel, done: make(chan struct{})}
	go fs.run(runCtx, reader, s.Loop)

	log.Info().Str("module", "media").Str("path", s.Path).Uint8("channels", header.Channels).Msg("file source opened")
	return fs, nil
}

type fileStream struct {
	track  *pion.TrackLocalStaticSample
	file   *os.File
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *fileStream) AudioTrack() pion.TrackLocal {
	return s.track
}

func (s *fileStream) Stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.file.Close()
	})
	return err
}

func (s *fileStream) run(ctx context.Context, reader *oggreader.OggReader, loop bool) {
	defer close(s.done)

	var last uint64
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) && loop {
			if reader, err = s.rewind(); err != nil {
				log.Error().Str("module", "media").Err(err).Msg("rewind file source")
				return
			}
			last = 0
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Str("module", "media").Err(err).Msg("read ogg page")
			}
			return
		}

		d := pageDuration(header.GranulePosition, last)
		last = header.GranulePosition
		if err := s.track.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
			log.Warn().Str("module", "media").Err(err).Msg("write sample")
		}
	}
}

func (s *fileStream) rewind() (*oggreader.OggReader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(s.file)
	return reader, err
}

// pageDuration converts the granule advance of one page into play time.
func pageDuration(granule, last uint64) time.Duration {
	if granule <= last {
		return 0
	}
	return time.Duration(granule-last) * time.Second / opusClockRate
}
