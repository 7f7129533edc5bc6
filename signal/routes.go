package signal

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	ws "github.com/mweber/quizparty/websocket"
)

// SessionValidator reports whether a session code refers to a joinable
// session. The game layer supplies the real check; tests pass a stub.
type SessionValidator func(sessionID string) error

// Relay wires the signalling commands and the websocket endpoint onto a hub.
type Relay struct {
	hub      *ws.Hub
	presence *Presence
	validate SessionValidator
	registry *ws.CommandRegistry

	turnSecret string
	turnTTL    int64
}

func NewRelay(hub *ws.Hub, presence *Presence, validate SessionValidator, turnSecret string) *Relay {
	r := &Relay{
		hub:        hub,
		presence:   presence,
		validate:   validate,
		turnSecret: turnSecret,
		turnTTL:    3600,
	}
	hub.OnDisconnect(r.clientDropped)
	return r
}

// Register mounts the websocket endpoint, TURN credential endpoint and the
// signalling command handlers.
func (r *Relay) Register(mux *http.ServeMux, registry *ws.CommandRegistry) {
	r.registry = registry
	mux.HandleFunc("/ws/hub", r.serveWS)
	mux.HandleFunc("/turn-credentials", r.handleTurnCredentials)

	registry.Register(string(TypeCallJoin), r.handleCallJoin)
	registry.Register(string(TypeCallLeave), r.handleCallLeave)
	registry.Register(string(TypeResync), r.handleResync)
	registry.Register(string(TypeOffer), r.forward)
	registry.Register(string(TypeAnswer), r.forward)
	registry.Register(string(TypeIceCandidate), r.forward)
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	sessionID := req.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "session is required", http.StatusBadRequest)
		return
	}
	if r.validate != nil {
		if err := r.validate(sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	name := req.URL.Query().Get("name")

	conn, err := ws.Upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("[ERROR] ws upgrade: %v", err)
		return
	}

	// Identity is assigned here, never trusted from the client.
	participantID := uuid.New().String()
	client := &ws.Client{
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Registry: r.registry,
		Room:     sessionID,
		Id:       participantID,
		Name:     name,
	}
	r.hub.Register <- client
	go client.WritePump()

	r.hub.WriteJSONTo(sessionID, participantID, Message{
		Type:      TypeWelcome,
		SessionID: sessionID,
		From:      participantID,
	})

	client.ReadPump(r.hub)
}

func (r *Relay) handleCallJoin(c *ws.Client, h *ws.Hub, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[ERROR] call-join unmarshal: %v", err)
		return
	}
	name := msg.Name
	if name == "" {
		name = c.Name
	}
	roster, _ := r.presence.Join(c.Room, c.Id, name)
	r.broadcastRoster(c.Room, roster)
	log.Printf("[INFO] call-join | session=%s participant=%s name=%q", c.Room, c.Id, name)
}

func (r *Relay) handleCallLeave(c *ws.Client, h *ws.Hub, raw []byte) {
	roster, changed := r.presence.Leave(c.Room, c.Id)
	if changed {
		r.broadcastRoster(c.Room, roster)
		log.Printf("[INFO] call-leave | session=%s participant=%s", c.Room, c.Id)
	}
}

func (r *Relay) handleResync(c *ws.Client, h *ws.Hub, raw []byte) {
	h.WriteJSONTo(c.Room, c.Id, Message{
		Type:         TypeRosterUpdate,
		SessionID:    c.Room,
		Participants: r.presence.Roster(c.Room),
	})
}

// forward relays offer/answer/ice-candidate frames to their target. The
// sender identity is stamped from the connection; the payload passes through
// untouched.
func (r *Relay) forward(c *ws.Client, h *ws.Hub, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("[ERROR] signal unmarshal: %v", err)
		return
	}
	if msg.To == "" {
		log.Printf("[INFO] %s without target dropped | from=%s", msg.Type, c.Id)
		return
	}
	msg.From = c.Id
	msg.SessionID = c.Room
	h.WriteJSONTo(c.Room, msg.To, msg)
}

func (r *Relay) clientDropped(room, participantID string) {
	for sessionID, roster := range r.presence.Drop(participantID) {
		r.broadcastRoster(sessionID, roster)
		log.Printf("[INFO] purged dropped client | session=%s participant=%s", sessionID, participantID)
	}
}

func (r *Relay) broadcastRoster(sessionID string, roster []Participant) {
	r.hub.WriteJSONRoom(sessionID, "", Message{
		Type:         TypeRosterUpdate,
		SessionID:    sessionID,
		Participants: roster,
	})
}

// handleTurnCredentials issues time-limited coturn credentials.
func (r *Relay) handleTurnCredentials(w http.ResponseWriter, req *http.Request) {
	user := req.URL.Query().Get("user")
	if user == "" {
		user = "anonymous"
	}
	username, password := generateTurnCredentials(r.turnSecret, user, r.turnTTL)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"username": username, "password": password})
}

// generateTurnCredentials creates a coturn username and HMAC-signed password.
func generateTurnCredentials(secret, user string, ttlSeconds int64) (string, string) {
	expires := time.Now().Unix() + ttlSeconds
	username := fmt.Sprintf("%d:%s", expires, user)
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, password
}
