package client

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrMediaAccessDenied reports that local capture devices could not be
// opened. Callers surface it to the user instead of retrying.
var ErrMediaAccessDenied = errors.New("media access denied")

// MediaSource supplies local tracks for a call. Configure registers the
// codecs the source's tracks produce on the peer connection's media engine;
// it runs once, before the connection is built. Acquire opens the devices and
// returns the tracks plus a release function that closes them.
type MediaSource interface {
	Configure(me *webrtc.MediaEngine) error
	Acquire(withVideo bool) (tracks []webrtc.TrackLocal, release func(), err error)
}

// StaticSource serves pre-arranged sample tracks instead of live devices.
// Used in tests and headless deployments where no capture hardware exists.
type StaticSource struct{}

func (StaticSource) Configure(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (StaticSource) Acquire(withVideo bool) ([]webrtc.TrackLocal, func(), error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "ringlink-audio",
	)
	if err != nil {
		return nil, nil, err
	}
	tracks := []webrtc.TrackLocal{audio}
	if withVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "ringlink-video",
		)
		if err != nil {
			return nil, nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, func() {}, nil
}
