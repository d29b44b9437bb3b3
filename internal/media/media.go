// Package media provides the local audio source and remote audio sink a peer
// plugs into a call. Capture and playback hardware are out of reach here, so
// the implementations read and write Ogg/Opus files.
package media

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// ErrMediaAccess is returned when local media cannot be acquired.
var ErrMediaAccess = errors.New("media access denied")

// Kind is the kind of media requested from a Source.
type Kind string

const KindAudio Kind = "audio"

const (
	opusClockRate = 48000
	opusChannels  = 2
)

var opusCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: opusClockRate,
	Channels:  opusChannels,
}

// Source hands out local media streams.
type Source interface {
	Acquire(kind Kind) (Stream, error)
}

// Stream is an acquired local stream. Stop releases it and is idempotent.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// RemoteStream is an inbound track. *webrtc.TrackRemote satisfies it.
type RemoteStream interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Sink consumes remote streams. Attach blocks until the stream ends, so
// callers run it on its own goroutine.
type Sink interface {
	Attach(stream RemoteStream)
}
