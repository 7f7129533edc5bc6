// Package signal implements the server side of the call layer: a pure relay
// for offer/answer/ICE payloads plus the authoritative per-session call
// roster. Media never touches this package.
package signal

import (
	"encoding/json"
	"time"
)

// Type tags a signalling message.
type Type string

const (
	TypeWelcome      Type = "welcome"
	TypeCallJoin     Type = "call-join"
	TypeCallLeave    Type = "call-leave"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeIceCandidate Type = "ice-candidate"
	TypeRosterUpdate Type = "roster-update"
	TypeResync       Type = "resync"
)

// Participant is one member of a session's call roster.
type Participant struct {
	ID       string    `json:"participantId"`
	Name     string    `json:"displayName"`
	JoinedAt time.Time `json:"joinedCallAt"`
}

// Message is the wire format shared by server and client. SDP and Candidate
// are kept opaque: the relay routes on Type/To/SessionID only and never
// inspects payloads.
type Message struct {
	Type         Type            `json:"type"`
	SessionID    string          `json:"sessionId,omitempty"`
	From         string          `json:"from,omitempty"`
	To           string          `json:"to,omitempty"`
	Name         string          `json:"name,omitempty"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
}
