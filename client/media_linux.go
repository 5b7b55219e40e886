//go:build linux && cgo

package client

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceSource captures the local microphone and camera through
// pion/mediadevices (malgo and V4L2 on Linux), encoding audio as Opus and
// video as VP8.
type DeviceSource struct {
	selector *mediadevices.CodecSelector
}

// NewDeviceSource builds the codec selector up front so codec parameter
// errors surface at construction time rather than mid-call.
func NewDeviceSource() (*DeviceSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceSource{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *DeviceSource) Configure(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func (d *DeviceSource) Acquire(withVideo bool) ([]webrtc.TrackLocal, func(), error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if withVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only. Some cameras expose an MJPEG node that emits
			// malformed frames and poisons the VP8 encoder.
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
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}

	captured := stream.GetTracks()
	tracks := make([]webrtc.TrackLocal, 0, len(captured))
	for _, track := range captured {
		tracks = append(tracks, track)
	}
	release := func() {
		for _, track := range captured {
			track.Close()
		}
	}
	return tracks, release, nil
}
