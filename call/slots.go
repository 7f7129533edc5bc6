package call

import "fmt"

// Position is a fixed visual slot. One reserved admin position plus four
// player positions.
type Position int

const (
	PositionAdmin Position = iota
	PositionPlayer1
	PositionPlayer2
	PositionPlayer3
	PositionPlayer4
)

func (p Position) String() string {
	if p == PositionAdmin {
		return "admin"
	}
	return fmt.Sprintf("player%d", int(p))
}

// SlotFor maps a participant to its position. Pure function of the admin
// flag and the participant's ordinal in the session roster, never of the
// order in which participants joined the call. Two clients therefore compute
// the same slot for the same participant without coordination.
func SlotFor(isAdmin bool, ordinal int) Position {
	if isAdmin {
		return PositionAdmin
	}
	switch {
	case ordinal < 0:
		ordinal = 0
	case ordinal > 3:
		ordinal = 3
	}
	return PositionPlayer1 + Position(ordinal)
}

// MediaStream is the minimal surface the slot layer needs from a stream.
type MediaStream interface {
	StreamID() string
}

// Slot is one visual output position, owned by the UI layer.
type Slot interface {
	AttachStream(stream MediaStream, muted bool)
	Detach()
	SetLabel(text string)
}

// SlotView resolves positions to slots. The UI layer implements it; tests
// use a recording fake.
type SlotView interface {
	Slot(position Position) Slot
}

// slotBinder maps participant ids to positions and drives attach/detach.
// It owns a one-way lookup only: nothing here is referenced back from the
// peer transports, which keeps the UI and connection layers acyclic.
type slotBinder struct {
	view     SlotView
	assigned map[string]Position
}

func newSlotBinder(view SlotView) *slotBinder {
	return &slotBinder{view: view, assigned: make(map[string]Position)}
}

func (b *slotBinder) bind(participantID, label string, pos Position, stream MediaStream, muted bool) {
	if b.view == nil {
		return
	}
	slot := b.view.Slot(pos)
	if slot == nil {
		return
	}
	// Renegotiation replaces the stream in place; the assignment is stable.
	b.assigned[participantID] = pos
	slot.SetLabel(label)
	slot.AttachStream(stream, muted)
}

func (b *slotBinder) unbind(participantID string) {
	if b.view == nil {
		return
	}
	pos, ok := b.assigned[participantID]
	if !ok {
		return
	}
	delete(b.assigned, participantID)
	if slot := b.view.Slot(pos); slot != nil {
		slot.Detach()
	}
}

func (b *slotBinder) clear() {
	for id := range b.assigned {
		b.unbind(id)
	}
}
