package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dermalink/consult-agent/internal/proto"
)

// Source owns a set of local tracks for one call session. A session
// holds its source exclusively until teardown; Close stops every track
// and releases the underlying device handles.
type Source interface {
	// Populate registers the codecs this source produces on the media
	// engine the peer connection will be built with.
	Populate(engine *webrtc.MediaEngine) error
	// Tracks returns the local tracks to attach. May be empty, in which
	// case the session negotiates receive-only.
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Factory acquires a fresh Source for the requested call kind. Audio is
// always captured; video only for CallKindVideo.
type Factory func(kind proto.CallKind) (Source, error)

// AcquisitionError wraps a failure to open camera or microphone so the
// UI layer can distinguish it from signaling problems and show an
// actionable message.
type AcquisitionError struct {
	Err error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("media acquisition: %v", e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Synthetic returns a source backed by static sample tracks. It
// produces valid m-lines without touching any hardware, which is what
// tests and headless deployments need.
func Synthetic(kind proto.CallKind) (Source, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "consult-agent",
	)
	if err != nil {
		return nil, &AcquisitionError{Err: err}
	}

	tracks := []webrtc.TrackLocal{audio}
	if kind == proto.CallKindVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "consult-agent",
		)
		if err != nil {
			return nil, &AcquisitionError{Err: err}
		}
		tracks = append(tracks, video)
	}
	return &syntheticSource{tracks: tracks}, nil
}

type syntheticSource struct {
	tracks []webrtc.TrackLocal
	closed bool
}

func (s *syntheticSource) Populate(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (s *syntheticSource) Tracks() []webrtc.TrackLocal {
	if s.closed {
		return nil
	}
	return s.tracks
}

func (s *syntheticSource) Close() error {
	s.closed = true
	return nil
}
