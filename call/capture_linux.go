//go:build linux

package call

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// AcquireMediaDevices captures the local camera and microphone via V4L2 and
// malgo, trying video+audio, then video-only, then audio-only. The returned
// API carries the codec selector's media engine and must be used for every
// transport that will send these tracks.
func AcquireMediaDevices() (*LocalStream, *webrtc.API, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("opus params: %w", err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	stream, err := Acquire(mediaDeviceProfiles(codecSelector))
	if err != nil {
		return nil, nil, err
	}
	return stream, api, nil
}

// mediaDeviceProfiles is the getUserMedia fallback ladder: a missing or busy
// microphone must not prevent the camera from working, and vice versa.
func mediaDeviceProfiles(codecSelector *mediadevices.CodecSelector) []Profile {
	type shape struct {
		video, audio bool
		label        string
	}
	shapes := []shape{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	profiles := make([]Profile, 0, len(shapes))
	for _, sh := range shapes {
		sh := sh
		profiles = append(profiles, Profile{
			Label: sh.label,
			Acquire: func() (*LocalStream, error) {
				constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
				if sh.video {
					constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
						// Raw formats only: MJPEG camera nodes can emit
						// malformed frames that poison the VP8 encoder.
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
				if sh.audio {
					constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
				}

				mediaStream, err := mediadevices.GetUserMedia(constraints)
				if err != nil {
					return nil, classifyCaptureError(err)
				}

				tracks := mediaStream.GetTracks()
				localTracks := make([]webrtc.TrackLocal, 0, len(tracks))
				stopFns := make([]func(), 0, len(tracks))
				for _, track := range tracks {
					track := track
					localTracks = append(localTracks, track)
					stopFns = append(stopFns, func() { track.Close() })
				}
				return newLocalStream("local-camera", localTracks, stopFns...), nil
			},
		})
	}
	return profiles
}

// classifyCaptureError separates a denied device permission (abort the whole
// ladder) from a missing or busy device (try the next profile).
func classifyCaptureError(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission):
		return &MediaAccessError{Reason: ReasonPermissionDenied, Err: err}
	case errors.Is(err, fs.ErrNotExist):
		return &MediaAccessError{Reason: ReasonNoUsableDevice, Err: err}
	default:
		return &MediaAccessError{Reason: ReasonDeviceBusy, Err: err}
	}
}
