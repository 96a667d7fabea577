//go:build linux

package call

import (
	"context"
	"errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wayfarer/realtime/internal/core"
)

var errNoDevices = errors.New("no usable capture device")

// Acquire captures camera+microphone via pion/mediadevices (V4L2 + malgo).
// GetUserMedia fails as a unit when either track cannot be opened, so it
// tries video+audio, then video-only, then audio-only before giving up.
func (DeviceSource) Acquire(_ context.Context) (core.LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
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
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn().Err(err).Str("module", "call.media").Str("attempt", a.label).Msg("capture failed")
			continue
		}

		captured := stream.GetTracks()
		tracks := make([]webrtc.TrackLocal, 0, len(captured))
		stop := func() {
			for _, t := range captured {
				t.Close()
			}
		}
		for _, t := range captured {
			tracks = append(tracks, t)
		}
		log.Info().Str("module", "call.media").Str("attempt", a.label).Int("tracks", len(tracks)).Msg("local media captured")
		return NewLocalMedia(tracks, stop), nil
	}

	return nil, errNoDevices
}
