package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mweber/quizparty/signal"
)

// fakeTransport scripts one peer connection. All fields are protected by mu
// because transport callbacks may arrive from other goroutines in
// production; tests drive everything from one goroutine but the fake keeps
// the same discipline.
type fakeTransport struct {
	mu          sync.Mutex
	offers      int
	answers     int
	localDesc   *webrtc.SessionDescription
	remoteDescs []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	closed      bool

	failOp string
	failAs error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(MediaStream)
	onState func(webrtc.PeerConnectionState)
}

func (t *fakeTransport) fail(op string) error {
	if t.failOp == op {
		if t.failAs == nil {
			return fmt.Errorf("scripted failure in %s", op)
		}
		return t.failAs
	}
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) error { return nil }

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("create-offer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("create-answer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	t.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("set-local"); err != nil {
		return err
	}
	t.localDesc = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail("set-remote"); err != nil {
		return err
	}
	t.remoteDescs = append(t.remoteDescs, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDesc
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) { t.onICE = fn }
func (t *fakeTransport) OnTrack(fn func(MediaStream))                    { t.onTrack = fn }
func (t *fakeTransport) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	t.onState = fn
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) candidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

// transportRecorder hands out fakeTransports and remembers them in creation
// order.
type transportRecorder struct {
	mu      sync.Mutex
	created []*fakeTransport
	next    *fakeTransport
}

func (r *transportRecorder) factory() (Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.next
	if t == nil {
		t = &fakeTransport{}
	}
	r.next = nil
	r.created = append(r.created, t)
	return t, nil
}

func (r *transportRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func (r *transportRecorder) last() *fakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.created) == 0 {
		return nil
	}
	return r.created[len(r.created)-1]
}

// fakeSignaller collects outgoing messages.
type fakeSignaller struct {
	mu   sync.Mutex
	sent []signal.Message
	msgs chan signal.Message
	down chan struct{}
}

func newFakeSignaller() *fakeSignaller {
	return &fakeSignaller{
		msgs: make(chan signal.Message, 16),
		down: make(chan struct{}),
	}
}

func (f *fakeSignaller) Send(msg signal.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaller) Messages() <-chan signal.Message { return f.msgs }
func (f *fakeSignaller) Disconnected() <-chan struct{}   { return f.down }
func (f *fakeSignaller) Close() error                    { return nil }

func (f *fakeSignaller) sentOfType(msgType signal.Type) []signal.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Message
	for _, msg := range f.sent {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func newTestSession(t *testing.T, selfID string, sig *fakeSignaller, rec *transportRecorder, events *[]Event) *Session {
	t.Helper()
	var mu sync.Mutex
	return NewSession(sig, Options{
		SessionID:    "ROOM42",
		SelfID:       selfID,
		DisplayName:  "tester-" + selfID,
		NewTransport: rec.factory,
		Notify: func(ev Event) {
			if events == nil {
				return
			}
			mu.Lock()
			*events = append(*events, ev)
			mu.Unlock()
		},
	})
}

func roster(ids ...string) []signal.Participant {
	out := make([]signal.Participant, len(ids))
	for i, id := range ids {
		out[i] = signal.Participant{ID: id, Name: "name-" + id}
	}
	return out
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestIsInitiator(t *testing.T) {
	cases := []struct {
		self, remote string
		want         bool
	}{
		{"111", "222", true},
		{"222", "111", false},
		{"aaa", "aab", true},
		{"aab", "aaa", false},
	}
	for _, tc := range cases {
		if got := isInitiator(tc.self, tc.remote); got != tc.want {
			t.Errorf("isInitiator(%q, %q) = %t, want %t", tc.self, tc.remote, got, tc.want)
		}
	}
	if isInitiator("111", "222") == isInitiator("222", "111") {
		t.Error("both sides of a pair claim the same role")
	}
}

func TestReconcileOffersOnlyWhenInitiator(t *testing.T) {
	t.Run("smaller id offers", func(t *testing.T) {
		sig := newFakeSignaller()
		rec := &transportRecorder{}
		s := newTestSession(t, "111", sig, rec, nil)

		s.reconcile(roster("111", "222"))

		offers := sig.sentOfType(signal.TypeOffer)
		if len(offers) != 1 || offers[0].To != "222" {
			t.Fatalf("expected one offer to 222, got %v", offers)
		}
		if got := s.Links()["222"]; got != "offer-sent" {
			t.Errorf("link state = %q, want offer-sent", got)
		}
	})

	t.Run("larger id waits", func(t *testing.T) {
		sig := newFakeSignaller()
		rec := &transportRecorder{}
		s := newTestSession(t, "222", sig, rec, nil)

		s.reconcile(roster("111", "222"))

		if offers := sig.sentOfType(signal.TypeOffer); len(offers) != 0 {
			t.Fatalf("non-initiator sent offers: %v", offers)
		}
		if len(s.Links()) != 0 {
			t.Errorf("non-initiator created links: %v", s.Links())
		}
	})
}

func TestAtMostOneLinkPerPeer(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "111", sig, rec, nil)

	s.reconcile(roster("111", "222"))
	s.reconcile(roster("111", "222"))
	s.reconcile(roster("111", "222"))

	if rec.count() != 1 {
		t.Fatalf("created %d transports for one peer, want 1", rec.count())
	}
	if offers := sig.sentOfType(signal.TypeOffer); len(offers) != 1 {
		t.Fatalf("sent %d offers, want 1", len(offers))
	}
}

func TestHandleOfferAnswersAndStabilizes(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "222", sig, rec, nil)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	s.handleOffer("111", "Alice", mustJSON(t, offer))

	answers := sig.sentOfType(signal.TypeAnswer)
	if len(answers) != 1 || answers[0].To != "111" {
		t.Fatalf("expected one answer to 111, got %v", answers)
	}
	if got := s.Links()["111"]; got != "stable" {
		t.Errorf("link state = %q, want stable", got)
	}
	tr := rec.last()
	if tr == nil || len(tr.remoteDescs) != 1 || tr.answers != 1 {
		t.Errorf("transport not driven through answer flow: %+v", tr)
	}
}

func TestHandleOfferFromNonInitiatorDropped(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "111", sig, rec, nil)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	s.handleOffer("222", "Bob", mustJSON(t, offer))

	if rec.count() != 0 {
		t.Error("crossed offer created a link")
	}
	if answers := sig.sentOfType(signal.TypeAnswer); len(answers) != 0 {
		t.Errorf("crossed offer was answered: %v", answers)
	}
}

func TestAnswerWithoutOutstandingOfferDropped(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "111", sig, rec, nil)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	s.handleAnswer("222", mustJSON(t, answer))

	if len(s.Links()) != 0 {
		t.Errorf("stale answer created a link: %v", s.Links())
	}
}

func TestTwoPartyHandshake(t *testing.T) {
	sigA := newFakeSignaller()
	recA := &transportRecorder{}
	a := newTestSession(t, "111", sigA, recA, nil)

	sigB := newFakeSignaller()
	recB := &transportRecorder{}
	b := newTestSession(t, "222", sigB, recB, nil)

	both := roster("111", "222")
	a.reconcile(both)
	b.reconcile(both)

	offers := sigA.sentOfType(signal.TypeOffer)
	if len(offers) != 1 {
		t.Fatalf("expected 111 to offer, got %v", offers)
	}
	b.handle(signal.Message{Type: signal.TypeOffer, From: "111", Name: "Alice", SDP: offers[0].SDP})

	answers := sigB.sentOfType(signal.TypeAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected 222 to answer, got %v", answers)
	}
	a.handle(signal.Message{Type: signal.TypeAnswer, From: "222", SDP: answers[0].SDP})

	if got := a.Links()["222"]; got != "stable" {
		t.Errorf("initiator link = %q, want stable", got)
	}
	if got := b.Links()["111"]; got != "stable" {
		t.Errorf("responder link = %q, want stable", got)
	}
}

func TestThreePartyInitiationPattern(t *testing.T) {
	// The middle participant offers only to larger ids and awaits the rest.
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "222", sig, rec, nil)

	s.reconcile(roster("111", "222", "333"))

	offers := sig.sentOfType(signal.TypeOffer)
	if len(offers) != 1 || offers[0].To != "333" {
		t.Fatalf("expected exactly one offer, to 333: %v", offers)
	}
}

// pumpSignals relays targeted frames between sessions until no new traffic
// appears, stamping the sender identity the way the relay does.
func pumpSignals(t *testing.T, sessions map[string]*Session, sigs map[string]*fakeSignaller, delivered map[string]int) {
	t.Helper()
	for progress := true; progress; {
		progress = false
		for id, sig := range sigs {
			sig.mu.Lock()
			pending := append([]signal.Message(nil), sig.sent[delivered[id]:]...)
			sig.mu.Unlock()
			delivered[id] += len(pending)
			for _, msg := range pending {
				if msg.To == "" {
					continue // join/leave/resync frames go to the relay
				}
				msg.From = id
				sessions[msg.To].handle(msg)
				progress = true
			}
		}
	}
}

func TestThreePartyMeshConverges(t *testing.T) {
	ids := []string{"111", "222", "333"}
	sessions := make(map[string]*Session)
	sigs := make(map[string]*fakeSignaller)
	for _, id := range ids {
		sig := newFakeSignaller()
		sigs[id] = sig
		sessions[id] = newTestSession(t, id, sig, &transportRecorder{}, nil)
	}

	// Join order 111, 333, 222: each join broadcasts the grown roster to
	// every member, and signals are relayed until traffic stops.
	delivered := make(map[string]int)
	joined := []string{}
	for _, id := range []string{"111", "333", "222"} {
		joined = append(joined, id)
		update := roster(joined...)
		for _, member := range joined {
			sessions[member].reconcile(update)
		}
		pumpSignals(t, sessions, sigs, delivered)
	}

	// Full mesh: every session holds a stable link to both others.
	for _, id := range ids {
		links := sessions[id].Links()
		if len(links) != 2 {
			t.Fatalf("session %s has links %v, want 2", id, links)
		}
		for remote, state := range links {
			if state != "stable" {
				t.Errorf("session %s link to %s = %q, want stable", id, remote, state)
			}
		}
	}

	// The smaller id of each pair initiated, and nobody else did.
	wantOffers := map[string][]string{
		"111": {"222", "333"},
		"222": {"333"},
		"333": {},
	}
	for id, want := range wantOffers {
		offers := sigs[id].sentOfType(signal.TypeOffer)
		got := make(map[string]bool)
		for _, offer := range offers {
			got[offer.To] = true
		}
		if len(offers) != len(want) {
			t.Errorf("session %s sent %d offers, want %d", id, len(offers), len(want))
		}
		for _, to := range want {
			if !got[to] {
				t.Errorf("session %s never offered to %s", id, to)
			}
		}
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "222", sig, rec, nil)

	early := []webrtc.ICECandidateInit{
		{Candidate: "candidate:1"},
		{Candidate: "candidate:2"},
		{Candidate: "candidate:3"},
	}
	for _, c := range early {
		s.handleCandidate("111", mustJSON(t, c))
	}
	if rec.count() != 0 {
		t.Fatal("buffering a candidate created a transport")
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	s.handleOffer("111", "Alice", mustJSON(t, offer))

	tr := rec.last()
	if tr.candidateCount() != len(early) {
		t.Fatalf("replayed %d candidates, want %d", tr.candidateCount(), len(early))
	}
	for i, c := range early {
		if tr.candidates[i].Candidate != c.Candidate {
			t.Errorf("candidate %d replayed out of order: %q", i, tr.candidates[i].Candidate)
		}
	}

	// A later candidate applies directly and the buffer is never replayed
	// again.
	s.handleCandidate("111", mustJSON(t, webrtc.ICECandidateInit{Candidate: "candidate:4"}))
	if tr.candidateCount() != len(early)+1 {
		t.Errorf("candidate count = %d, want %d", tr.candidateCount(), len(early)+1)
	}
}

func TestRemovedLinkDiscardsBufferedCandidates(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "111", sig, rec, nil)

	s.reconcile(roster("111", "222"))

	// The offer is outstanding, so this candidate is buffered, not applied.
	s.handleCandidate("222", mustJSON(t, webrtc.ICECandidateInit{Candidate: "candidate:stale"}))

	// The link fails before the answer arrives; its buffer dies with it.
	rec.last().onState(webrtc.PeerConnectionStateFailed)
	if len(s.pendingICE) != 0 {
		t.Fatalf("buffer survived link removal: %v", s.pendingICE)
	}

	// Repair builds a fresh link; completing its handshake must not replay
	// the candidate from the torn-down ICE session.
	s.reconcile(roster("111", "222"))
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	s.handleAnswer("222", mustJSON(t, answer))

	repaired := rec.last()
	if repaired.candidateCount() != 0 {
		t.Errorf("repaired link received %d stale candidates: %v",
			repaired.candidateCount(), repaired.candidates)
	}

	// A peer that leaves for good takes its buffer along too.
	s.handleCandidate("333", mustJSON(t, webrtc.ICECandidateInit{Candidate: "candidate:early"}))
	s.reconcile(roster("111", "222", "333"))
	s.reconcile(roster("111", "222"))
	if len(s.pendingICE) != 0 {
		t.Errorf("departed peer's buffer retained: %v", s.pendingICE)
	}
}

func TestReconcileRemovesVanishedPeer(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	var events []Event
	s := newTestSession(t, "111", sig, rec, &events)

	s.reconcile(roster("111", "222"))
	tr := rec.last()

	s.reconcile(roster("111"))

	if len(s.Links()) != 0 {
		t.Errorf("vanished peer still linked: %v", s.Links())
	}
	if !tr.closed {
		t.Error("vanished peer's transport not closed")
	}
	var left bool
	for _, ev := range events {
		if ev.Kind == EventPeerLeft && ev.PeerID == "222" {
			left = true
		}
	}
	if !left {
		t.Error("no peer-left event for vanished peer")
	}
}

func TestBrokenLinkRepairedByResync(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	var events []Event
	s := newTestSession(t, "111", sig, rec, &events)

	s.reconcile(roster("111", "222"))
	first := rec.last()

	// Transport reports failure; the link must go away and a resync go out.
	first.onState(webrtc.PeerConnectionStateFailed)

	if len(s.Links()) != 0 {
		t.Fatalf("failed link still registered: %v", s.Links())
	}
	if !first.closed {
		t.Error("failed transport not closed")
	}
	if resyncs := sig.sentOfType(signal.TypeResync); len(resyncs) != 1 {
		t.Fatalf("expected one resync request, got %d", len(resyncs))
	}

	// The roster re-broadcast rebuilds the link from scratch.
	s.reconcile(roster("111", "222"))
	if rec.count() != 2 {
		t.Fatalf("repair reused the broken transport, created=%d", rec.count())
	}
	if got := s.Links()["222"]; got != "offer-sent" {
		t.Errorf("repaired link state = %q, want offer-sent", got)
	}
}

func TestNegotiationFailureMarksLinkBroken(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	rec.next = &fakeTransport{failOp: "create-offer"}
	var events []Event
	s := newTestSession(t, "111", sig, rec, &events)

	s.reconcile(roster("111", "222"))

	if got := s.Links()["222"]; got != "broken" {
		t.Fatalf("link state = %q, want broken", got)
	}
	var failed *Event
	for i := range events {
		if events[i].Kind == EventPeerFailed {
			failed = &events[i]
		}
	}
	if failed == nil {
		t.Fatal("no peer-failed event after negotiation error")
	}
	var negErr *NegotiationError
	if !errors.As(failed.Err, &negErr) || negErr.Op != "create offer" {
		t.Errorf("event error = %v, want NegotiationError for create offer", failed.Err)
	}

	// The broken link is replaced, not patched, on the next reconcile.
	s.reconcile(roster("111", "222"))
	if rec.count() != 2 {
		t.Errorf("broken link not replaced: transports=%d", rec.count())
	}
}

func TestLeaveTearsDownEverythingOnce(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "111", sig, rec, nil)

	local := newLocalStream("local", nil)
	if err := s.Join(local); err != nil {
		t.Fatalf("join: %v", err)
	}
	s.reconcile(roster("111", "222", "333"))

	s.Leave()
	s.Leave()

	if len(s.Links()) != 0 {
		t.Errorf("links survived leave: %v", s.Links())
	}
	for i, tr := range rec.created {
		if !tr.closed {
			t.Errorf("transport %d not closed on leave", i)
		}
	}
	if local.ActiveTracks() != 0 {
		t.Error("local stream still active after leave")
	}
	if leaves := sig.sentOfType(signal.TypeCallLeave); len(leaves) != 1 {
		t.Errorf("sent %d leave announcements, want 1", len(leaves))
	}
}

func TestSignalsAfterLeaveIgnored(t *testing.T) {
	sig := newFakeSignaller()
	rec := &transportRecorder{}
	s := newTestSession(t, "111", sig, rec, nil)

	s.Leave()
	s.reconcile(roster("111", "222"))
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	s.handleOffer("222", "Bob", mustJSON(t, offer))

	if rec.count() != 0 {
		t.Error("closed session still creates transports")
	}
}
