//go:build !linux || !cgo

package client

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DeviceSource is Linux-only; the mediadevices capture drivers used here
// (malgo, V4L2) have no backend on other platforms. On those, calls can still
// be placed with a StaticSource or another MediaSource implementation.
type DeviceSource struct{}

func NewDeviceSource() (*DeviceSource, error) {
	return &DeviceSource{}, nil
}

func (*DeviceSource) Configure(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (*DeviceSource) Acquire(bool) ([]webrtc.TrackLocal, func(), error) {
	return nil, nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccessDenied)
}
