package signal

import (
	"sync"
	"time"
)

// Presence holds the authoritative call roster for every session. Clients
// cache copies; this is the only writable one. Entries live exactly as long
// as the owning websocket connection, so a relay restart or client drop
// never leaves ghosts behind.
type Presence struct {
	mu      sync.Mutex
	rosters map[string][]Participant
	now     func() time.Time
}

func NewPresence() *Presence {
	return &Presence{
		rosters: make(map[string][]Participant),
		now:     time.Now,
	}
}

// Join appends a participant to the session roster. Idempotent: a duplicate
// join refreshes the display name but never creates a second entry. Returns
// the updated roster and whether it changed.
func (p *Presence) Join(sessionID, participantID, name string) ([]Participant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	roster := p.rosters[sessionID]
	for i, member := range roster {
		if member.ID == participantID {
			changed := member.Name != name
			roster[i].Name = name
			return copyRoster(roster), changed
		}
	}
	roster = append(roster, Participant{ID: participantID, Name: name, JoinedAt: p.now()})
	p.rosters[sessionID] = roster
	return copyRoster(roster), true
}

// Leave removes a participant from the session roster. Removing an absent
// participant is a no-op.
func (p *Presence) Leave(sessionID, participantID string) ([]Participant, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	roster := p.rosters[sessionID]
	for i, member := range roster {
		if member.ID == participantID {
			roster = append(roster[:i], roster[i+1:]...)
			if len(roster) == 0 {
				delete(p.rosters, sessionID)
			} else {
				p.rosters[sessionID] = roster
			}
			return copyRoster(roster), true
		}
	}
	return copyRoster(roster), false
}

// Roster returns a copy of the session's current roster.
func (p *Presence) Roster(sessionID string) []Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyRoster(p.rosters[sessionID])
}

// Drop synthesizes a leave for every call membership a client held, in every
// session. Used for ungraceful disconnects where the client's own leave
// handler never ran. Returns the affected sessions with their updated
// rosters.
func (p *Presence) Drop(participantID string) map[string][]Participant {
	p.mu.Lock()
	defer p.mu.Unlock()

	affected := make(map[string][]Participant)
	for sessionID, roster := range p.rosters {
		for i, member := range roster {
			if member.ID != participantID {
				continue
			}
			roster = append(roster[:i], roster[i+1:]...)
			if len(roster) == 0 {
				delete(p.rosters, sessionID)
			} else {
				p.rosters[sessionID] = roster
			}
			affected[sessionID] = copyRoster(roster)
			break
		}
	}
	return affected
}

func copyRoster(roster []Participant) []Participant {
	out := make([]Participant, len(roster))
	copy(out, roster)
	return out
}
