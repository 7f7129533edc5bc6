package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// Transport is one point-to-point connection to a remote participant. The
// production implementation wraps *webrtc.PeerConnection; tests script a
// fake. Callback registration must happen before any signalling is applied.
type Transport interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	LocalDescription() *webrtc.SessionDescription

	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnTrack(fn func(stream MediaStream))
	OnStateChange(fn func(state webrtc.PeerConnectionState))

	Close() error
}

// TransportFactory builds a fresh Transport for one peer link.
type TransportFactory func() (Transport, error)

type linkState int

const (
	linkIdle linkState = iota
	linkOfferSent
	linkAnswerSent
	linkStable
	linkBroken
)

func (s linkState) String() string {
	switch s {
	case linkIdle:
		return "idle"
	case linkOfferSent:
		return "offer-sent"
	case linkAnswerSent:
		return "answer-sent"
	case linkStable:
		return "stable"
	case linkBroken:
		return "broken"
	}
	return "unknown"
}

// peerLink is the registry entry for one remote participant: the transport,
// its negotiation state and the remote stream once media flows.
type peerLink struct {
	remoteID      string
	name          string
	transport     Transport
	state         linkState
	remoteDescSet bool
	remoteStream  MediaStream
}

// getOrCreateLink returns the link for remoteID, creating and wiring it on
// first use. At most one link per remote participant ever exists: a second
// creation attempt reuses the existing entry. Candidates buffered before the
// link existed stay buffered until the remote description is set (see
// flushPendingICE).
//
// Callers hold s.mu.
func (s *Session) getOrCreateLink(remoteID, name string) (*peerLink, error) {
	if link, ok := s.links[remoteID]; ok {
		if name != "" {
			link.name = name
		}
		return link, nil
	}

	transport, err := s.newTransport()
	if err != nil {
		return nil, &NegotiationError{RemoteID: remoteID, Op: "create transport", Err: err}
	}

	link := &peerLink{remoteID: remoteID, name: name, transport: transport}

	// Local media is shared read-only across every link: each transport
	// references the same track objects.
	if s.local != nil {
		for _, track := range s.local.Tracks() {
			if err := transport.AddTrack(track); err != nil {
				log.Printf("CALL [%s]: add track for %s: %v", s.opts.SessionID, remoteID, err)
			}
		}
	}

	transport.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		s.sendCandidate(remoteID, candidate)
	})
	transport.OnTrack(func(stream MediaStream) {
		s.remoteTrackArrived(remoteID, stream)
	})
	transport.OnStateChange(func(state webrtc.PeerConnectionState) {
		s.linkStateChanged(remoteID, state)
	})

	s.links[remoteID] = link
	return link, nil
}

// removeLink closes the link's transport, discards the registry entry along
// with any candidates buffered for it, and frees its slot. Idempotent:
// removing an absent id is a no-op.
//
// Callers hold s.mu.
func (s *Session) removeLink(remoteID string) {
	link, ok := s.links[remoteID]
	if !ok {
		return
	}
	delete(s.links, remoteID)
	// Buffered candidates belong to the torn-down ICE session; replaying
	// them into a replacement link would poison its fresh negotiation.
	delete(s.pendingICE, remoteID)
	if err := link.transport.Close(); err != nil {
		log.Printf("CALL [%s]: close transport for %s: %v", s.opts.SessionID, remoteID, err)
	}
	s.binder.unbind(remoteID)
}

// flushPendingICE replays candidates that arrived before the link's remote
// description was set, in arrival order, then empties the buffer so they are
// never reapplied.
//
// Callers hold s.mu; link.remoteDescSet must be true.
func (s *Session) flushPendingICE(link *peerLink) {
	pending := s.pendingICE[link.remoteID]
	if len(pending) == 0 {
		return
	}
	delete(s.pendingICE, link.remoteID)
	for _, candidate := range pending {
		if err := link.transport.AddICECandidate(candidate); err != nil {
			log.Printf("CALL [%s]: buffered candidate for %s: %v", s.opts.SessionID, link.remoteID, err)
		}
	}
	log.Printf("CALL [%s]: replayed %d buffered candidates for %s", s.opts.SessionID, len(pending), link.remoteID)
}
