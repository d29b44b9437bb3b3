package media

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/walkie/internal/util"
)

// OggFileSink records every attached stream into an Ogg/Opus file. The
// first stream goes to Path; later ones get the stream id appended to the
// file name.
type OggFileSink struct {
	Path string

	mu       sync.Mutex
	attached int
}

func (s *OggFileSink) Attach(stream RemoteStream) {
	path := s.nextPath(stream.ID())

	w, err := oggwriter.New(path, opusClockRate, opusChannels)
	if err != nil {
		util.LogError("failed to create recording %s: %v", path, err)
		drain(stream)
		return
	}
	defer w.Close()

	util.LogInfo("recording remote audio to %s", path)

	packets := 0
	for {
		pkt, _, err := stream.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogDebug("remote stream %s ended: %v", stream.ID(), err)
			}
			break
		}
		if err := w.WriteRTP(pkt); err != nil {
			util.LogWarning("failed to write recording %s: %v", path, err)
			drain(stream)
			break
		}
		packets++
	}

	util.LogInfo("recording %s closed after %d packets", path, packets)
}

func (s *OggFileSink) nextPath(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached++
	if s.attached == 1 {
		return s.Path
	}

	ext := filepath.Ext(s.Path)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(s.Path, ext), id, ext)
}

// DiscardSink reads and throws away every packet of an attached stream.
type DiscardSink struct {
	packets atomic.Int64
}

func (s *DiscardSink) Attach(stream RemoteStream) {
	for {
		if _, _, err := stream.ReadRTP(); err != nil {
			return
		}
		s.packets.Add(1)
	}
}

// Packets reports how many packets have been discarded so far.
func (s *DiscardSink) Packets() int64 {
	return s.packets.Load()
}

func drain(stream RemoteStream) {
	for {
		if _, _, err := stream.ReadRTP(); err != nil {
			return
		}
	}
}
