package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/walkie/internal/util"
)

// ---------------------------------------------------------------------------
// OggFileSource
// ---------------------------------------------------------------------------

// OggFileSource plays an Ogg/Opus file into a local audio track, paced by
// the page granule positions. With Loop set, playback restarts at the end of
// the file until the stream is stopped.
type OggFileSource struct {
	Path string
	Loop bool
}

// Acquire opens the file and starts playback. The file header is checked
// before any track is created.
func (s *OggFileSource) Acquire(kind Kind) (Stream, error) {
	if kind != KindAudio {
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrMediaAccess, kind)
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not an ogg/opus file: %v", ErrMediaAccess, s.Path, err)
	}

	track, err := newAudioTrack()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &fileStream{
		track:  track,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(st.done)
		defer f.Close()
		s.play(ctx, f, reader, track)
	}()

	return st, nil
}

// play writes one sample per page. Pages whose granule position does not
// advance carry headers and are skipped.
func (s *OggFileSource) play(ctx context.Context, f *os.File, reader *oggreader.OggReader, track *webrtc.TrackLocalStaticSample) {
	var lastGranule uint64
	next := time.Now()

	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if !s.Loop {
				util.LogDebug("finished playing %s", s.Path)
				return
			}
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				util.LogWarning("failed to rewind %s: %v", s.Path, err)
				return
			}
			if reader, _, err = oggreader.NewWith(f); err != nil {
				util.LogWarning("failed to reopen %s: %v", s.Path, err)
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			util.LogWarning("failed to read %s: %v", s.Path, err)
			return
		}

		if header.GranulePosition <= lastGranule {
			continue
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / opusClockRate

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			util.LogDebug("failed to write audio sample: %v", err)
		}

		next = next.Add(duration)
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// MuteSource
// ---------------------------------------------------------------------------

// MuteSource hands out an audio track that never carries samples. A peer
// that only listens still offers a track so the remote side negotiates
// audio in both directions.
type MuteSource struct{}

func (MuteSource) Acquire(kind Kind) (Stream, error) {
	if kind != KindAudio {
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrMediaAccess, kind)
	}

	track, err := newAudioTrack()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	done := make(chan struct{})
	close(done)
	return &fileStream{track: track, cancel: func() {}, done: done}, nil
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

type fileStream struct {
	track    *webrtc.TrackLocalStaticSample
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (s *fileStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

// Stop ends playback and waits for the player to release the file.
func (s *fileStream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func newAudioTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "walkie-"+uuid.NewString()[:8])
}
