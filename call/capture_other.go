//go:build !linux

package call

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// AcquireMediaDevices requires the V4L2/malgo drivers, which only build on
// Linux. Other platforms use the RTP ingest profile.
func AcquireMediaDevices() (*LocalStream, *webrtc.API, error) {
	return nil, nil, &MediaAccessError{
		Reason: ReasonNoUsableDevice,
		Err:    errors.New("camera capture is linux-only; use --rtp ingest"),
	}
}
