package call

import (
	"encoding/json"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/mweber/quizparty/signal"
)

// isInitiator decides, deterministically for any pair of participants, which
// side sends the offer: the lexicographically smaller id. Both sides compute
// the same answer with no extra round-trip, so simultaneous offers (glare)
// cannot occur.
func isInitiator(selfID, remoteID string) bool {
	return selfID < remoteID
}

func (s *Session) handle(msg signal.Message) {
	switch msg.Type {
	case signal.TypeRosterUpdate:
		s.reconcile(msg.Participants)
	case signal.TypeOffer:
		s.handleOffer(msg.From, msg.Name, msg.SDP)
	case signal.TypeAnswer:
		s.handleAnswer(msg.From, msg.SDP)
	case signal.TypeIceCandidate:
		s.handleCandidate(msg.From, msg.Candidate)
	case signal.TypeWelcome:
		// Already consumed during dial; harmless if relayed again.
	default:
		log.Printf("CALL [%s]: ignoring %q", s.opts.SessionID, msg.Type)
	}
}

// reconcile diffs the authoritative roster against the link registry. New
// participants get a link (offered by the initiator side, awaited by the
// other); vanished participants lose theirs. Broken links whose peer is
// still present are torn down here so a fresh attempt replaces them. Repair
// never patches a broken transport in place.
func (s *Session) reconcile(roster []signal.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.roster = roster

	present := make(map[string]signal.Participant, len(roster))
	for _, member := range roster {
		if member.ID != s.opts.SelfID {
			present[member.ID] = member
		}
	}

	for remoteID, link := range s.links {
		member, ok := present[remoteID]
		if !ok {
			name := link.name
			s.removeLink(remoteID)
			s.notify(Event{Kind: EventPeerLeft, PeerID: remoteID, Name: name})
			continue
		}
		if link.state == linkBroken {
			s.removeLink(remoteID)
		}
		_ = member
	}

	for remoteID, member := range present {
		if _, ok := s.links[remoteID]; ok {
			continue
		}
		if isInitiator(s.opts.SelfID, remoteID) {
			s.initiateLocked(remoteID, member.Name)
		}
		// Otherwise the remote side initiates; our link is created when its
		// offer arrives.
	}
}

// initiateLocked creates the link and drives the offer. Failures mark the
// link broken and surface a one-peer notification; they never abort the rest
// of the call.
func (s *Session) initiateLocked(remoteID, name string) {
	link, err := s.getOrCreateLink(remoteID, name)
	if err != nil {
		log.Printf("CALL [%s]: %v", s.opts.SessionID, err)
		s.notify(Event{Kind: EventPeerFailed, PeerID: remoteID, Name: name, Err: err})
		return
	}
	if link.state != linkIdle {
		return
	}

	offer, err := link.transport.CreateOffer()
	if err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: remoteID, Op: "create offer", Err: err})
		return
	}
	if err := link.transport.SetLocalDescription(offer); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: remoteID, Op: "set local offer", Err: err})
		return
	}
	link.state = linkOfferSent

	raw, err := json.Marshal(localDescription(link.transport, offer))
	if err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: remoteID, Op: "marshal offer", Err: err})
		return
	}
	if err := s.sig.Send(signal.Message{
		Type:      signal.TypeOffer,
		SessionID: s.opts.SessionID,
		To:        remoteID,
		Name:      s.opts.DisplayName,
		SDP:       raw,
	}); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: remoteID, Op: "send offer", Err: err})
		return
	}
	log.Printf("CALL [%s]: offer sent to %s", s.opts.SessionID, remoteID)
}

// handleOffer reacts to the remote initiator. The link is created on demand:
// the remote side may initiate before this client ever learned of it, so no
// prior knowledge is required.
func (s *Session) handleOffer(from, name string, sdp json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || from == "" {
		return
	}
	if isInitiator(s.opts.SelfID, from) {
		// We offer to this peer, never the reverse. A crossed offer is
		// stale or misbehaving; applying it would reintroduce glare.
		log.Printf("CALL [%s]: %v: offer from non-initiator %s", s.opts.SessionID, ErrStaleSignal, from)
		return
	}

	link, err := s.getOrCreateLink(from, name)
	if err != nil {
		log.Printf("CALL [%s]: %v", s.opts.SessionID, err)
		s.notify(Event{Kind: EventPeerFailed, PeerID: from, Name: name, Err: err})
		return
	}
	if link.state == linkOfferSent {
		log.Printf("CALL [%s]: %v: offer while offer outstanding for %s", s.opts.SessionID, ErrStaleSignal, from)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "decode offer", Err: err})
		return
	}
	if err := link.transport.SetRemoteDescription(desc); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "set remote offer", Err: err})
		return
	}
	link.remoteDescSet = true
	s.flushPendingICE(link)

	answer, err := link.transport.CreateAnswer()
	if err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "create answer", Err: err})
		return
	}
	if err := link.transport.SetLocalDescription(answer); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "set local answer", Err: err})
		return
	}
	link.state = linkAnswerSent

	raw, err := json.Marshal(localDescription(link.transport, answer))
	if err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "marshal answer", Err: err})
		return
	}
	if err := s.sig.Send(signal.Message{
		Type:      signal.TypeAnswer,
		SessionID: s.opts.SessionID,
		To:        from,
		Name:      s.opts.DisplayName,
		SDP:       raw,
	}); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "send answer", Err: err})
		return
	}
	link.state = linkStable
	log.Printf("CALL [%s]: answered offer from %s", s.opts.SessionID, from)
}

// handleAnswer completes an outstanding offer. Without one the answer is
// stale (duplicate, or for a link torn down while it was in flight) and is
// dropped.
func (s *Session) handleAnswer(from string, sdp json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	link, ok := s.links[from]
	if !ok || link.state != linkOfferSent {
		log.Printf("CALL [%s]: %v: answer from %s with no outstanding offer", s.opts.SessionID, ErrStaleSignal, from)
		return
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(sdp, &desc); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "decode answer", Err: err})
		return
	}
	if err := link.transport.SetRemoteDescription(desc); err != nil {
		s.failLinkLocked(link, &NegotiationError{RemoteID: from, Op: "set remote answer", Err: err})
		return
	}
	link.remoteDescSet = true
	s.flushPendingICE(link)
	link.state = linkStable
	log.Printf("CALL [%s]: link to %s stable", s.opts.SessionID, from)
}

// handleCandidate applies a candidate if the link's remote description is
// set, otherwise buffers it. Candidates routinely race ahead of the offer
// that announces their peer.
func (s *Session) handleCandidate(from string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || from == "" {
		return
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		log.Printf("CALL [%s]: bad candidate from %s: %v", s.opts.SessionID, from, err)
		return
	}

	link, ok := s.links[from]
	if !ok || !link.remoteDescSet {
		s.pendingICE[from] = append(s.pendingICE[from], candidate)
		return
	}
	if err := link.transport.AddICECandidate(candidate); err != nil {
		log.Printf("CALL [%s]: add candidate from %s: %v", s.opts.SessionID, from, err)
	}
}

// sendCandidate forwards a locally discovered candidate. Called from
// transport callbacks; deliberately lock-free.
func (s *Session) sendCandidate(remoteID string, candidate webrtc.ICECandidateInit) {
	raw, err := json.Marshal(candidate)
	if err != nil {
		log.Printf("CALL [%s]: marshal candidate: %v", s.opts.SessionID, err)
		return
	}
	if err := s.sig.Send(signal.Message{
		Type:      signal.TypeIceCandidate,
		SessionID: s.opts.SessionID,
		To:        remoteID,
		Candidate: raw,
	}); err != nil {
		log.Printf("CALL [%s]: send candidate to %s: %v", s.opts.SessionID, remoteID, err)
	}
}

// remoteTrackArrived binds the incoming stream to the peer's deterministic
// slot. A stream for a link removed while the track was in flight is a safe
// no-op.
func (s *Session) remoteTrackArrived(remoteID string, stream MediaStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	link, ok := s.links[remoteID]
	if !ok {
		return
	}
	link.remoteStream = stream
	s.binder.bind(remoteID, link.name, s.slotForLocked(remoteID), stream, false)
}

// linkStateChanged reacts to transport state transitions. Failure is
// terminal for that attempt: the link is removed and a resync requested so
// reconciliation creates a fresh one.
func (s *Session) linkStateChanged(remoteID string, state webrtc.PeerConnectionState) {
	s.mu.Lock()
	link, ok := s.links[remoteID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	name := link.name

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Unlock()
		s.notify(Event{Kind: EventPeerConnected, PeerID: remoteID, Name: name})
		return
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		link.state = linkBroken
		s.removeLink(remoteID)
		s.mu.Unlock()
		s.notify(Event{Kind: EventPeerFailed, PeerID: remoteID, Name: name})
		log.Printf("CALL [%s]: link to %s %s, requesting resync", s.opts.SessionID, remoteID, state)
		if err := s.sig.Send(signal.Message{Type: signal.TypeResync, SessionID: s.opts.SessionID}); err != nil {
			log.Printf("CALL [%s]: resync request: %v", s.opts.SessionID, err)
		}
		return
	default:
		s.mu.Unlock()
	}
}

// failLinkLocked marks a link broken after a negotiation error. The broken
// entry stays registered so duplicate signals keep hitting a known state;
// the next reconcile removes and replaces it.
func (s *Session) failLinkLocked(link *peerLink, err *NegotiationError) {
	link.state = linkBroken
	log.Printf("CALL [%s]: %v", s.opts.SessionID, err)
	s.notify(Event{Kind: EventPeerFailed, PeerID: link.remoteID, Name: link.name, Err: err})
}

// localDescription prefers the transport's view of the local description
// (it may carry gathered candidates) over the bare created one.
func localDescription(t Transport, created webrtc.SessionDescription) webrtc.SessionDescription {
	if desc := t.LocalDescription(); desc != nil {
		return *desc
	}
	return created
}
