package call

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LocalStream is the one local capture shared read-only by every peer link.
// Closing it stops every track; mute toggles flip the shared tracks so all
// links change at once.
type LocalStream struct {
	id     string
	tracks []webrtc.TrackLocal

	audioOn atomic.Bool
	videoOn atomic.Bool

	closeOnce sync.Once
	closed    atomic.Bool
	stopFns   []func()
}

func newLocalStream(id string, tracks []webrtc.TrackLocal, stopFns ...func()) *LocalStream {
	s := &LocalStream{id: id, tracks: tracks, stopFns: stopFns}
	s.audioOn.Store(true)
	s.videoOn.Store(true)
	return s
}

func (s *LocalStream) StreamID() string { return s.id }

func (s *LocalStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// ActiveTracks is zero once the stream is closed.
func (s *LocalStream) ActiveTracks() int {
	if s.closed.Load() {
		return 0
	}
	return len(s.tracks)
}

// Close releases the capture devices. Idempotent; every exit path of a call
// must reach it.
func (s *LocalStream) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, stop := range s.stopFns {
			stop()
		}
	})
}

func (s *LocalStream) AudioEnabled() bool { return s.audioOn.Load() }
func (s *LocalStream) VideoEnabled() bool { return s.videoOn.Load() }

// toggleAudio returns the new muted state.
func (s *LocalStream) toggleAudio() bool {
	muted := s.audioOn.Load()
	s.audioOn.Store(!muted)
	return muted
}

// toggleVideo returns the new disabled state.
func (s *LocalStream) toggleVideo() bool {
	disabled := s.videoOn.Load()
	s.videoOn.Store(!disabled)
	return disabled
}

// Profile is one capture strategy in the fallback ladder.
type Profile struct {
	Label   string
	Acquire func() (*LocalStream, error)
}

// Acquire tries each profile in order until one succeeds. A denied
// permission aborts immediately: retrying other profiles cannot fix a
// user-denied permission. Device-not-found and device-busy failures move on
// to the next profile; exhausting the ladder reports NoUsableDevice.
func Acquire(profiles []Profile) (*LocalStream, error) {
	for _, profile := range profiles {
		stream, err := profile.Acquire()
		if err == nil {
			log.Printf("CALL: local media captured (%s)", profile.Label)
			return stream, nil
		}
		var mediaErr *MediaAccessError
		if errors.As(err, &mediaErr) && mediaErr.Reason == ReasonPermissionDenied {
			return nil, err
		}
		log.Printf("CALL: capture attempt %s failed: %v", profile.Label, err)
	}
	return nil, &MediaAccessError{Reason: ReasonNoUsableDevice}
}

// RTP payload types matching the static tracks below.
const (
	rtpVideoPayloadType = 109
	rtpAudioPayloadType = 111
)

// RTPIngestProfile captures from local RTP streams instead of hardware: an
// external encoder (ffmpeg) sends H264 to videoAddr and Opus to audioAddr.
// This is the capture path for headless participants.
func RTPIngestProfile(videoAddr, audioAddr string) Profile {
	return Profile{
		Label: "rtp-ingest",
		Acquire: func() (*LocalStream, error) {
			videoTrack, err := webrtc.NewTrackLocalStaticRTP(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "quizparty-video",
			)
			if err != nil {
				return nil, &MediaAccessError{Reason: ReasonNoUsableDevice, Err: err}
			}
			audioTrack, err := webrtc.NewTrackLocalStaticRTP(
				webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "quizparty-audio",
			)
			if err != nil {
				return nil, &MediaAccessError{Reason: ReasonNoUsableDevice, Err: err}
			}

			videoConn, err := listenRTP(videoAddr)
			if err != nil {
				return nil, &MediaAccessError{Reason: ReasonDeviceBusy, Err: err}
			}
			audioConn, err := listenRTP(audioAddr)
			if err != nil {
				videoConn.Close()
				return nil, &MediaAccessError{Reason: ReasonDeviceBusy, Err: err}
			}

			stream := newLocalStream(
				"rtp-ingest",
				[]webrtc.TrackLocal{videoTrack, audioTrack},
				func() { videoConn.Close() },
				func() { audioConn.Close() },
			)
			go pumpRTP(videoConn, videoTrack, rtpVideoPayloadType, stream.VideoEnabled)
			go pumpRTP(audioConn, audioTrack, rtpAudioPayloadType, stream.AudioEnabled)
			return stream, nil
		},
	}
}

func listenRTP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// pumpRTP copies packets from a UDP listener into a local track, forcing the
// negotiated payload type. Packets are dropped while the kind is toggled
// off, which is what mutes every peer link at once. Exits when the listener
// closes.
func pumpRTP(conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP, payloadType uint8, enabled func() bool) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		if !enabled() {
			continue
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		pkt.Header.PayloadType = payloadType
		// A write before any peer bound the track reports a closed pipe;
		// that is normal while negotiation is still in flight.
		if err := track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Printf("CALL: rtp write: %v", err)
		}
	}
}
