package game

import (
	"errors"
	"fmt"
	"testing"
)

// setupLobby creates a started lobby with an admin and the given players.
func setupLobby(t *testing.T, playerCount int) (*Manager, string, []string) {
	t.Helper()

	m := NewManager(nil)
	code, adminKey := m.Create("Quizmaster")
	if _, err := m.ClaimAdmin(code, "admin-conn", adminKey); err != nil {
		t.Fatalf("claim admin: %v", err)
	}

	var players []string
	for i := 0; i < playerCount; i++ {
		id := fmt.Sprintf("player-%d", i+1)
		if _, err := m.Join(code, id, fmt.Sprintf("Player %d", i+1)); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
		players = append(players, id)
	}

	if _, err := m.Start(code, "admin-conn"); err != nil {
		t.Fatalf("start: %v", err)
	}
	return m, code, players
}

func TestCreateGeneratesDistinctCodes(t *testing.T) {
	m := NewManager(nil)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, _ := m.Create("Quizmaster")
		if len(code) != codeLength {
			t.Fatalf("code %q has wrong length", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}

func TestClaimAdminRequiresKey(t *testing.T) {
	m := NewManager(nil)
	code, adminKey := m.Create("Quizmaster")

	if _, err := m.ClaimAdmin(code, "conn", "wrong-key"); !errors.Is(err, ErrBadAdminKey) {
		t.Errorf("wrong key: err = %v", err)
	}
	if _, err := m.ClaimAdmin(code, "conn", ""); !errors.Is(err, ErrBadAdminKey) {
		t.Errorf("empty key: err = %v", err)
	}
	lobby, err := m.ClaimAdmin(code, "conn", adminKey)
	if err != nil || lobby.AdminID != "conn" {
		t.Errorf("valid key: lobby=%+v err=%v", lobby, err)
	}
}

func TestJoinLimits(t *testing.T) {
	m, code, _ := func() (*Manager, string, []string) {
		m := NewManager(nil)
		code, key := m.Create("Quizmaster")
		m.ClaimAdmin(code, "admin-conn", key)
		return m, code, nil
	}()

	for i := 1; i <= maxPlayers; i++ {
		if _, err := m.Join(code, fmt.Sprintf("p%d", i), "x"); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if _, err := m.Join(code, "p5", "x"); !errors.Is(err, ErrLobbyFull) {
		t.Errorf("fifth player: err = %v", err)
	}

	// Rejoining an existing player never errors nor duplicates.
	lobby, err := m.Join(code, "p1", "x")
	if err != nil || len(lobby.Players) != maxPlayers {
		t.Errorf("rejoin: players=%d err=%v", len(lobby.Players), err)
	}

	if _, err := m.Join("NOSUCH", "p", "x"); !errors.Is(err, ErrLobbyNotFound) {
		t.Errorf("unknown lobby: err = %v", err)
	}
}

func TestScoring(t *testing.T) {
	m, code, players := setupLobby(t, 2)

	// Player 1 answers a 300 cell correctly.
	result, err := m.ProcessAnswer(code, "admin-conn", "History", 300, true)
	if err != nil {
		t.Fatalf("process answer: %v", err)
	}
	if got := result.Lobby.Scores[players[0]]; got != 300 {
		t.Errorf("correct answer score = %d, want 300", got)
	}
	if result.Lobby.CurrentPlayer != 1 {
		t.Errorf("turn did not advance: %d", result.Lobby.CurrentPlayer)
	}

	// Player 2 answers a 300 cell wrongly: loses half.
	result, err = m.ProcessAnswer(code, "admin-conn", "Science", 300, false)
	if err != nil {
		t.Fatalf("process answer: %v", err)
	}
	if got := result.Lobby.Scores[players[1]]; got != -150 {
		t.Errorf("wrong answer score = %d, want -150", got)
	}

	// Turn wraps around to the first player.
	if result.Lobby.CurrentPlayer != 0 {
		t.Errorf("turn rotation broken: %d", result.Lobby.CurrentPlayer)
	}
}

func TestOnlyAdminControlsTheGame(t *testing.T) {
	m, code, players := setupLobby(t, 2)

	if _, _, err := m.SelectQuestion(code, players[0], "History", 100); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("select by player: err = %v", err)
	}
	if _, err := m.ProcessAnswer(code, players[0], "History", 100, true); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("answer by player: err = %v", err)
	}
}

func TestAnsweredCellStaysGrey(t *testing.T) {
	m, code, _ := setupLobby(t, 1)

	if _, err := m.ProcessAnswer(code, "admin-conn", "History", 100, true); err != nil {
		t.Fatalf("process answer: %v", err)
	}

	question, _, err := m.SelectQuestion(code, "admin-conn", "History", 100)
	if err != nil {
		t.Fatalf("reselect: %v", err)
	}
	if question != nil {
		t.Error("answered cell served a question again")
	}

	// Other cells in the same category remain live.
	question, _, err = m.SelectQuestion(code, "admin-conn", "History", 200)
	if err != nil || question == nil {
		t.Errorf("fresh cell: question=%v err=%v", question, err)
	}
}

// drainRound answers every cell of the current round.
func drainRound(t *testing.T, m *Manager, code string) *AnswerResult {
	t.Helper()
	var last *AnswerResult
	for _, category := range seedCategories {
		for _, points := range seedValues {
			result, err := m.ProcessAnswer(code, "admin-conn", category, points, true)
			if err != nil {
				t.Fatalf("answer %s/%d: %v", category, points, err)
			}
			last = result
		}
	}
	return last
}

func TestRoundTransitionAndGameEnd(t *testing.T) {
	m, code, players := setupLobby(t, 3)

	result := drainRound(t, m, code)
	if !result.RoundOver || result.GameOver {
		t.Fatalf("after round one: %+v", result)
	}
	if result.NextRound != 2 || result.Lobby.CurrentRound != 2 {
		t.Errorf("round = %d, want 2", result.Lobby.CurrentRound)
	}
	if result.Lobby.CurrentPlayer != 0 {
		t.Error("round two must start at the first player")
	}

	// The board resets: round one's cells are selectable again.
	question, _, err := m.SelectQuestion(code, "admin-conn", "History", 100)
	if err != nil || question == nil {
		t.Fatalf("round two cell: question=%v err=%v", question, err)
	}

	result = drainRound(t, m, code)
	if !result.GameOver {
		t.Fatalf("after round two: %+v", result)
	}
	if result.Lobby.State != StateFinished {
		t.Errorf("state = %s, want finished", result.Lobby.State)
	}
	if result.Winner == "" {
		t.Error("no winner reported")
	}
	_ = players
}

func TestDropAdminClosesLobby(t *testing.T) {
	m, code, _ := setupLobby(t, 2)

	outcomes := m.Drop("admin-conn")
	if len(outcomes) != 1 || !outcomes[0].Closed || outcomes[0].Code != code {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	if err := m.Validate(code); !errors.Is(err, ErrLobbyNotFound) {
		t.Errorf("closed lobby still validates: %v", err)
	}
}

func TestDropPlayerKeepsLobbyRunning(t *testing.T) {
	m, code, players := setupLobby(t, 3)

	// Advance the turn to the last player, then drop them.
	m.ProcessAnswer(code, "admin-conn", "History", 100, true)
	m.ProcessAnswer(code, "admin-conn", "History", 200, true)

	outcomes := m.Drop(players[2])
	if len(outcomes) != 1 || outcomes[0].Closed {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	lobby := outcomes[0].Lobby
	if len(lobby.Players) != 2 {
		t.Errorf("players = %v", lobby.Players)
	}
	if lobby.CurrentPlayer >= len(lobby.Players) {
		t.Errorf("turn index %d out of range", lobby.CurrentPlayer)
	}
	if err := m.Validate(code); err != nil {
		t.Errorf("lobby stopped validating: %v", err)
	}

	// A stranger's drop touches nothing.
	if outcomes := m.Drop("nobody"); len(outcomes) != 0 {
		t.Errorf("phantom drop outcomes = %+v", outcomes)
	}
}

func TestOrderedPlayersMatchesJoinSequence(t *testing.T) {
	m, code, players := setupLobby(t, 4)

	got := m.OrderedPlayers(code)
	if len(got) != len(players) {
		t.Fatalf("ordered = %v", got)
	}
	for i := range players {
		if got[i] != players[i] {
			t.Errorf("position %d = %s, want %s", i, got[i], players[i])
		}
	}
}

func TestSeedCoversEveryCell(t *testing.T) {
	questions := seedQuestions()
	if len(questions) != len(seedCategories)*len(seedValues)*rounds {
		t.Fatalf("seed has %d questions", len(questions))
	}
	seen := make(map[string]bool)
	for _, q := range questions {
		key := fmt.Sprintf("%s-%d-%d", q.Category, q.Points, q.Round)
		if seen[key] {
			t.Errorf("duplicate seed cell %s", key)
		}
		seen[key] = true
		if q.Text == "" {
			t.Errorf("empty question for %s", key)
		}
	}
}
