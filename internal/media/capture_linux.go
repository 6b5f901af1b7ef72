//go:build linux

package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/dermalink/consult-agent/internal/proto"
)

// Capture opens camera/microphone via pion/mediadevices (V4L2 + malgo).
// GetUserMedia fails as a unit if either requested track cannot be
// opened, so a video call falls back to audio-only before giving up.
func Capture(kind proto.CallKind) (Source, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, &AcquisitionError{Err: err}
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, &AcquisitionError{Err: err}
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	attempts := []bool{kind == proto.CallKindVideo, false}
	if kind != proto.CallKindVideo {
		attempts = []bool{false}
	}

	var lastErr error
	for _, withVideo := range attempts {
		constraints := mediadevices.MediaStreamConstraints{
			Codec: selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		}
		if withVideo {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: MJPEG camera nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			continue
		}
		return &captureSource{selector: selector, tracks: stream.GetTracks()}, nil
	}

	return nil, &AcquisitionError{Err: lastErr}
}

type captureSource struct {
	selector *mediadevices.CodecSelector
	tracks   []mediadevices.Track
}

func (s *captureSource) Populate(engine *webrtc.MediaEngine) error {
	s.selector.Populate(engine)
	return nil
}

func (s *captureSource) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *captureSource) Close() error {
	var firstErr error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.tracks = nil
	return firstErr
}
