package game

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	ws "github.com/mweber/quizparty/websocket"
)

// Routes binds the lobby manager to the websocket hub and the HTTP API.
type Routes struct {
	manager       *Manager
	hub           *ws.Hub
	adminPassword string
	jwtSecret     []byte
}

func NewRoutes(manager *Manager, hub *ws.Hub, adminPassword string, jwtSecret []byte) *Routes {
	r := &Routes{
		manager:       manager,
		hub:           hub,
		adminPassword: adminPassword,
		jwtSecret:     jwtSecret,
	}
	hub.OnDisconnect(r.clientDropped)
	return r
}

// Register mounts the HTTP endpoints and the websocket game commands.
func (r *Routes) Register(mux *http.ServeMux, registry *ws.CommandRegistry) {
	mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	mux.HandleFunc("POST /api/lobbies", r.requireToken(r.handleCreateLobby))
	mux.HandleFunc("GET /api/lobbies/{code}", r.handleGetLobby)

	registry.Register("claim-admin", r.handleClaimAdmin)
	registry.Register("join-lobby", r.handleJoinLobby)
	registry.Register("start-game", r.handleStartGame)
	registry.Register("select-question", r.handleSelectQuestion)
	registry.Register("process-answer", r.handleProcessAnswer)
}

// wire formats

type gameCommand struct {
	Type     string `json:"type"`
	AdminKey string `json:"adminKey,omitempty"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category,omitempty"`
	Points   int    `json:"points,omitempty"`
	Correct  bool   `json:"correct,omitempty"`
}

type lobbyEvent struct {
	Type  string `json:"type"`
	Lobby *Lobby `json:"lobby"`
}

type questionEvent struct {
	Type          string    `json:"type"`
	Category      string    `json:"category"`
	Points        int       `json:"points"`
	Question      *Question `json:"question"`
	CurrentPlayer *Player   `json:"currentPlayer,omitempty"`
}

type roundEvent struct {
	Type      string `json:"type"`
	Lobby     *Lobby `json:"lobby"`
	NextRound int    `json:"nextRound,omitempty"`
	Winner    string `json:"winner,omitempty"`
}

type errorEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// websocket commands

func (r *Routes) handleClaimAdmin(c *ws.Client, h *ws.Hub, raw []byte) {
	var cmd gameCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	lobby, err := r.manager.ClaimAdmin(c.Room, c.Id, cmd.AdminKey)
	if err != nil {
		r.sendError(h, c, err)
		return
	}
	h.WriteJSONRoom(c.Room, "", lobbyEvent{Type: "lobby-updated", Lobby: lobby})
}

func (r *Routes) handleJoinLobby(c *ws.Client, h *ws.Hub, raw []byte) {
	var cmd gameCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	name := cmd.Name
	if name == "" {
		name = c.Name
	}
	lobby, err := r.manager.Join(c.Room, c.Id, name)
	if err != nil {
		r.sendError(h, c, err)
		return
	}
	h.WriteJSONRoom(c.Room, "", lobbyEvent{Type: "lobby-updated", Lobby: lobby})
}

func (r *Routes) handleStartGame(c *ws.Client, h *ws.Hub, raw []byte) {
	lobby, err := r.manager.Start(c.Room, c.Id)
	if err != nil {
		r.sendError(h, c, err)
		return
	}
	h.WriteJSONRoom(c.Room, "", lobbyEvent{Type: "game-started", Lobby: lobby})
}

func (r *Routes) handleSelectQuestion(c *ws.Client, h *ws.Hub, raw []byte) {
	var cmd gameCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	question, current, err := r.manager.SelectQuestion(c.Room, c.Id, cmd.Category, cmd.Points)
	if err != nil {
		r.sendError(h, c, err)
		return
	}
	if question == nil {
		// cell already answered
		return
	}
	h.WriteJSONRoom(c.Room, "", questionEvent{
		Type:          "question-selected",
		Category:      cmd.Category,
		Points:        cmd.Points,
		Question:      question,
		CurrentPlayer: current,
	})
}

func (r *Routes) handleProcessAnswer(c *ws.Client, h *ws.Hub, raw []byte) {
	var cmd gameCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return
	}
	result, err := r.manager.ProcessAnswer(c.Room, c.Id, cmd.Category, cmd.Points, cmd.Correct)
	if err != nil {
		r.sendError(h, c, err)
		return
	}
	h.WriteJSONRoom(c.Room, "", lobbyEvent{Type: "answer-processed", Lobby: result.Lobby})
	switch {
	case result.GameOver:
		h.WriteJSONRoom(c.Room, "", roundEvent{Type: "game-over", Lobby: result.Lobby, Winner: result.Winner})
	case result.RoundOver:
		h.WriteJSONRoom(c.Room, "", roundEvent{Type: "round-end", Lobby: result.Lobby, NextRound: result.NextRound})
	}
}

func (r *Routes) clientDropped(room, clientID string) {
	for _, outcome := range r.manager.Drop(clientID) {
		if outcome.Closed {
			r.hub.WriteJSONRoom(outcome.Code, "", errorEvent{Type: "lobby-closed", Reason: "admin left"})
			continue
		}
		r.hub.WriteJSONRoom(outcome.Code, "", lobbyEvent{Type: "lobby-updated", Lobby: outcome.Lobby})
	}
}

func (r *Routes) sendError(h *ws.Hub, c *ws.Client, err error) {
	h.WriteJSONTo(c.Room, c.Id, errorEvent{Type: "error", Reason: err.Error()})
}

// HTTP API

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (r *Routes) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body loginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if r.adminPassword == "" || body.Password != r.adminPassword {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	claims := jwt.MapClaims{
		"role": "host",
		"exp":  time.Now().Add(24 * time.Hour).Unix(),
		"iat":  time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(r.jwtSecret)
	if err != nil {
		log.Printf("[ERROR] sign token | %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: signed})
}

type createLobbyRequest struct {
	AdminName string `json:"adminName"`
}

type createLobbyResponse struct {
	Code     string `json:"code"`
	AdminKey string `json:"adminKey"`
}

func (r *Routes) handleCreateLobby(w http.ResponseWriter, req *http.Request) {
	var body createLobbyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if body.AdminName == "" {
		http.Error(w, "adminName required", http.StatusBadRequest)
		return
	}
	code, adminKey := r.manager.Create(body.AdminName)
	writeJSON(w, http.StatusCreated, createLobbyResponse{Code: code, AdminKey: adminKey})
}

func (r *Routes) handleGetLobby(w http.ResponseWriter, req *http.Request) {
	lobby, err := r.manager.Get(req.PathValue("code"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lobby)
}

func (r *Routes) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		auth := req.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return r.jwtSecret, nil
		})
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, req)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ERROR] encode response | %v", err)
	}
}
