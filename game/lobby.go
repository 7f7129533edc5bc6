// Package game implements the trivia layer: lobbies joined by short code, an
// admin-driven question board with two rounds, scoring and turn order. The
// call layer consumes it only for session validation and the ordered player
// list used for slot computation.
package game

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
)

const (
	maxPlayers = 4
	// Ambiguous characters excluded so codes survive being read aloud.
	codeChars  = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength = 6

	questionsPerRound = 25
	rounds            = 2
)

var (
	ErrLobbyNotFound = errors.New("lobby not found")
	ErrLobbyFull     = errors.New("lobby is full")
	ErrNotAdmin      = errors.New("only the admin may do that")
	ErrBadAdminKey   = errors.New("invalid admin key")
)

type State string

const (
	StateWaiting  State = "waiting"
	StatePlaying  State = "playing"
	StateFinished State = "finished"
)

type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Lobby is one game instance. All fields are guarded by the Manager's mutex;
// Snapshot returns a copy safe to marshal.
type Lobby struct {
	Code          string         `json:"code"`
	AdminID       string         `json:"adminId"`
	AdminName     string         `json:"adminName"`
	Players       []Player       `json:"players"`
	State         State          `json:"state"`
	CurrentRound  int            `json:"currentRound"`
	CurrentPlayer int            `json:"currentPlayer"`
	Scores        map[string]int `json:"scores"`
	Categories    []string       `json:"categories"`

	adminKey string
	answered map[string]bool
}

// Manager owns all lobbies.
type Manager struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
	store   *Store
}

func NewManager(store *Store) *Manager {
	return &Manager{lobbies: make(map[string]*Lobby), store: store}
}

// Create allocates a lobby. The admin key is returned once, to the creator;
// the creator's websocket claims the admin seat with it.
func (m *Manager) Create(adminName string) (code, adminKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		code = randomCode()
		if _, taken := m.lobbies[code]; !taken {
			break
		}
	}
	adminKey = randomCode() + randomCode()

	m.lobbies[code] = &Lobby{
		Code:         code,
		AdminName:    adminName,
		Players:      []Player{},
		State:        StateWaiting,
		CurrentRound: 1,
		Scores:       make(map[string]int),
		Categories:   m.categories(),
		adminKey:     adminKey,
		answered:     make(map[string]bool),
	}
	log.Printf("[INFO] lobby created | code=%s admin=%q", code, adminName)
	return code, adminKey
}

func (m *Manager) categories() []string {
	if m.store != nil {
		if cats, err := m.store.Categories(); err == nil && len(cats) > 0 {
			return cats
		}
	}
	return defaultCategories()
}

// ClaimAdmin binds a connected client to the lobby's admin seat.
func (m *Manager) ClaimAdmin(code, clientID, key string) (*Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lobby, ok := m.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	if key == "" || key != lobby.adminKey {
		return nil, ErrBadAdminKey
	}
	lobby.AdminID = clientID
	return lobby.snapshot(), nil
}

// Join adds a player. The lobby holds at most four players besides the admin.
func (m *Manager) Join(code, playerID, name string) (*Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lobby, ok := m.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	for _, p := range lobby.Players {
		if p.ID == playerID {
			return lobby.snapshot(), nil
		}
	}
	if len(lobby.Players) >= maxPlayers {
		return nil, ErrLobbyFull
	}
	lobby.Players = append(lobby.Players, Player{ID: playerID, Name: name})
	lobby.Scores[playerID] = 0
	log.Printf("[INFO] player joined | code=%s player=%q", code, name)
	return lobby.snapshot(), nil
}

// Validate reports whether the code refers to a joinable lobby. Plugged into
// the signalling relay as its session check.
func (m *Manager) Validate(code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lobby, ok := m.lobbies[code]
	if !ok {
		return ErrLobbyNotFound
	}
	if lobby.State == StateFinished {
		return ErrLobbyNotFound
	}
	return nil
}

// Get returns a snapshot of the lobby.
func (m *Manager) Get(code string) (*Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lobby, ok := m.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	return lobby.snapshot(), nil
}

// OrderedPlayers returns the player ids in roster order. Slot ordinals are
// computed from positions in this list.
func (m *Manager) OrderedPlayers(code string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lobby, ok := m.lobbies[code]
	if !ok {
		return nil
	}
	ids := make([]string, len(lobby.Players))
	for i, p := range lobby.Players {
		ids[i] = p.ID
	}
	return ids
}

// Start flips the lobby into play. Admin only.
func (m *Manager) Start(code, byID string) (*Lobby, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lobby, ok := m.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	if byID != lobby.AdminID {
		return nil, ErrNotAdmin
	}
	lobby.State = StatePlaying
	return lobby.snapshot(), nil
}

// SelectQuestion resolves the question behind a board cell. Cells already
// answered stay grey: selecting one is ignored.
func (m *Manager) SelectQuestion(code, byID, category string, points int) (*Question, *Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lobby, ok := m.lobbies[code]
	if !ok {
		return nil, nil, ErrLobbyNotFound
	}
	if byID != lobby.AdminID {
		return nil, nil, ErrNotAdmin
	}
	if lobby.answered[lobby.questionKey(category, points)] {
		return nil, nil, nil
	}

	question, err := m.lookupQuestion(category, points, lobby.CurrentRound)
	if err != nil {
		return nil, nil, err
	}
	var current *Player
	if len(lobby.Players) > 0 {
		p := lobby.Players[lobby.CurrentPlayer%len(lobby.Players)]
		current = &p
	}
	return question, current, nil
}

func (m *Manager) lookupQuestion(category string, points, round int) (*Question, error) {
	base := points
	if round != 1 {
		base = points / 2
	}
	if m.store != nil {
		if q, err := m.store.Question(category, base, round); err == nil {
			return q, nil
		}
	}
	return &Question{
		Category: category,
		Round:    round,
		Points:   base,
		Text:     fmt.Sprintf("Expert question for %s, round %d", category, round),
	}, nil
}

// AnswerResult carries the state changes after the admin judged an answer.
type AnswerResult struct {
	Lobby     *Lobby
	RoundOver bool
	NextRound int
	GameOver  bool
	Winner    string
}

// ProcessAnswer scores the current player, greys the cell and advances the
// turn. A correct answer earns the cell's value; a wrong one costs half of
// it (scores may go negative). Exhausting round one's board starts round two
// with a cleared board; exhausting round two's finishes the game.
func (m *Manager) ProcessAnswer(code, byID, category string, points int, correct bool) (*AnswerResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lobby, ok := m.lobbies[code]
	if !ok {
		return nil, ErrLobbyNotFound
	}
	if byID != lobby.AdminID {
		return nil, ErrNotAdmin
	}

	lobby.answered[lobby.questionKey(category, points)] = true

	if len(lobby.Players) > 0 {
		player := lobby.Players[lobby.CurrentPlayer%len(lobby.Players)]
		if correct {
			lobby.Scores[player.ID] += points
		} else {
			lobby.Scores[player.ID] -= points / 2
		}
		lobby.CurrentPlayer = (lobby.CurrentPlayer + 1) % len(lobby.Players)
	}

	result := &AnswerResult{}
	if len(lobby.answered) >= questionsPerRound {
		if lobby.CurrentRound < rounds {
			lobby.CurrentRound++
			lobby.CurrentPlayer = 0
			lobby.answered = make(map[string]bool)
			result.RoundOver = true
			result.NextRound = lobby.CurrentRound
		} else {
			lobby.State = StateFinished
			result.GameOver = true
			result.Winner = lobby.winner()
			m.persistResult(lobby)
		}
	}
	result.Lobby = lobby.snapshot()
	return result, nil
}

// Drop handles a disconnected client: an admin drop closes the lobby, a
// player drop removes the player and fixes the turn index. Returns what
// happened per affected lobby.
type DropOutcome struct {
	Code   string
	Closed bool
	Lobby  *Lobby
}

func (m *Manager) Drop(clientID string) []DropOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	var outcomes []DropOutcome
	for code, lobby := range m.lobbies {
		if lobby.AdminID == clientID {
			delete(m.lobbies, code)
			outcomes = append(outcomes, DropOutcome{Code: code, Closed: true})
			log.Printf("[INFO] lobby closed, admin left | code=%s", code)
			continue
		}
		for i, p := range lobby.Players {
			if p.ID != clientID {
				continue
			}
			lobby.Players = append(lobby.Players[:i], lobby.Players[i+1:]...)
			delete(lobby.Scores, clientID)
			if lobby.CurrentPlayer >= len(lobby.Players) {
				lobby.CurrentPlayer = 0
			}
			outcomes = append(outcomes, DropOutcome{Code: code, Lobby: lobby.snapshot()})
			log.Printf("[INFO] player removed | code=%s player=%q", code, p.Name)
			break
		}
	}
	return outcomes
}

func (m *Manager) persistResult(lobby *Lobby) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveResult(lobby.Code, lobby.winner(), lobby.Scores); err != nil {
		log.Printf("[ERROR] persist result | code=%s err=%v", lobby.Code, err)
	}
}

// questionKey identifies a board cell; round two reuses the board with
// doubled values, so the key uses the halved base value.
func (l *Lobby) questionKey(category string, points int) string {
	base := points
	if l.CurrentRound != 1 {
		base = points / 2
	}
	return fmt.Sprintf("%s-%d", category, base)
}

func (l *Lobby) winner() string {
	best := -1 << 31
	winner := ""
	for _, p := range l.Players {
		if score := l.Scores[p.ID]; score > best {
			best = score
			winner = p.Name
		}
	}
	return winner
}

func (l *Lobby) snapshot() *Lobby {
	players := make([]Player, len(l.Players))
	copy(players, l.Players)
	scores := make(map[string]int, len(l.Scores))
	for k, v := range l.Scores {
		scores[k] = v
	}
	cats := make([]string, len(l.Categories))
	copy(cats, l.Categories)
	return &Lobby{
		Code:          l.Code,
		AdminID:       l.AdminID,
		AdminName:     l.AdminName,
		Players:       players,
		State:         l.State,
		CurrentRound:  l.CurrentRound,
		CurrentPlayer: l.CurrentPlayer,
		Scores:        scores,
		Categories:    cats,
	}
}

func randomCode() string {
	code := make([]byte, codeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
