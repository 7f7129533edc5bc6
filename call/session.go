// Package call implements the client side of the video call: local capture,
// the per-peer connection registry, offer/answer negotiation and slot
// binding. One Session instance is created on call-join and destroyed on
// call-leave; there is no package-level state.
package call

import (
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mweber/quizparty/signal"
)

// EventKind classifies observable call events for the UI layer.
type EventKind int

const (
	// EventPeerConnected fires when a peer link reaches the connected state.
	EventPeerConnected EventKind = iota
	// EventPeerFailed fires when one peer link breaks. The call continues;
	// repair recreates the link.
	EventPeerFailed
	// EventPeerLeft fires when the roster no longer contains a linked peer.
	EventPeerLeft
	// EventChannelDown fires when the signalling transport drops. The whole
	// call must re-announce after reconnecting.
	EventChannelDown
)

// Event is a user-visible call notification.
type Event struct {
	Kind   EventKind
	PeerID string
	Name   string
	Err    error
}

// Options configures a Session.
type Options struct {
	SessionID   string
	SelfID      string
	DisplayName string

	// View receives stream attachments; nil disables slot binding (headless).
	View SlotView
	// NewTransport builds one peer connection per link.
	NewTransport TransportFactory
	// OrderedRoster returns the trivia layer's ordered player id list. Slot
	// ordinals come from positions in this list, never from call join order.
	// Ids absent from the list are the session admin.
	OrderedRoster func() []string
	// Notify receives call events. Must not call back into the Session.
	Notify func(Event)
}

// Session owns everything one client holds for one call: the local stream,
// the peer link registry, the pending ICE buffers and the cached roster.
// A single mutex serializes all handlers, mirroring the run-to-completion
// event model the negotiation logic assumes.
type Session struct {
	sig  Signaller
	opts Options

	mu         sync.Mutex
	local      *LocalStream
	links      map[string]*peerLink
	pendingICE map[string][]webrtc.ICECandidateInit
	roster     []signal.Participant
	binder     *slotBinder
	closed     bool

	done chan struct{}
}

func NewSession(sig Signaller, opts Options) *Session {
	return &Session{
		sig:        sig,
		opts:       opts,
		links:      make(map[string]*peerLink),
		pendingICE: make(map[string][]webrtc.ICECandidateInit),
		binder:     newSlotBinder(opts.View),
		done:       make(chan struct{}),
	}
}

func (s *Session) newTransport() (Transport, error) { return s.opts.NewTransport() }

// Join announces call membership and starts processing signalling messages.
// The local stream may be nil for a receive-only participant.
func (s *Session) Join(local *LocalStream) error {
	s.mu.Lock()
	s.local = local
	if local != nil {
		// Own slot is muted for local playback: never echo local audio.
		s.binder.bind(s.opts.SelfID, s.opts.DisplayName, s.slotForLocked(s.opts.SelfID), local, true)
	}
	s.mu.Unlock()

	if err := s.sig.Send(signal.Message{
		Type:      signal.TypeCallJoin,
		SessionID: s.opts.SessionID,
		Name:      s.opts.DisplayName,
	}); err != nil {
		return err
	}

	go s.run()
	return nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.sig.Messages():
			if !ok {
				s.notify(Event{Kind: EventChannelDown, Err: ErrChannelDisconnected})
				return
			}
			s.handle(msg)
		}
	}
}

// Leave is the single teardown path: stop local tracks, close every link,
// clear the registry and announce the leave. Safe to call more than once and
// reachable from every exit path.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	if s.local != nil {
		s.local.Close()
	}
	for remoteID := range s.links {
		s.removeLink(remoteID)
	}
	s.pendingICE = make(map[string][]webrtc.ICECandidateInit)
	s.binder.clear()
	close(s.done)
	s.mu.Unlock()

	// Best effort: the channel may already be gone.
	if err := s.sig.Send(signal.Message{
		Type:      signal.TypeCallLeave,
		SessionID: s.opts.SessionID,
		Name:      s.opts.DisplayName,
	}); err != nil {
		log.Printf("CALL [%s]: leave announce: %v", s.opts.SessionID, err)
	}
}

// ToggleAudio flips the shared local audio tracks. Every peer link sees the
// change at once since they all reference the same track objects.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return true
	}
	return s.local.toggleAudio()
}

// ToggleVideo flips the shared local video tracks.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return true
	}
	return s.local.toggleVideo()
}

// Links reports the current registry as remote id → negotiation state.
func (s *Session) Links() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.links))
	for id, link := range s.links {
		out[id] = link.state.String()
	}
	return out
}

// slotForLocked computes the deterministic position for a participant: the
// session admin (any id absent from the ordered player list) takes the
// reserved position, players take their roster ordinal.
func (s *Session) slotForLocked(participantID string) Position {
	if s.opts.OrderedRoster == nil {
		return PositionAdmin
	}
	for i, id := range s.opts.OrderedRoster() {
		if id == participantID {
			return SlotFor(false, i)
		}
	}
	return SlotFor(true, 0)
}

func (s *Session) notify(ev Event) {
	if s.opts.Notify != nil {
		s.opts.Notify(ev)
	}
}
