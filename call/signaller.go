package call

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mweber/quizparty/signal"
)

// Signaller is the only surface the call package needs from the signalling
// transport. The relay holds no session memory across a disconnect, so after
// Disconnected fires the caller must re-dial and re-announce presence.
type Signaller interface {
	Send(msg signal.Message) error
	Messages() <-chan signal.Message
	Disconnected() <-chan struct{}
	Close() error
}

// WSSignaller speaks to the relay's /ws/hub endpoint over gorilla/websocket.
type WSSignaller struct {
	conn   *websocket.Conn
	selfID string

	writeMu sync.Mutex
	msgs    chan signal.Message
	down    chan struct{}
	once    sync.Once
}

// Dial connects to the relay, joins the session room and waits for the
// welcome frame carrying the server-assigned participant id.
func Dial(serverURL, sessionID, displayName string) (*WSSignaller, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	q.Set("name", displayName)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signalling server: %w", err)
	}

	var welcome signal.Message
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type != signal.TypeWelcome || welcome.From == "" {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", welcome.Type)
	}

	s := &WSSignaller{
		conn:   conn,
		selfID: welcome.From,
		msgs:   make(chan signal.Message, 64),
		down:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// SelfID returns the participant id the relay assigned to this connection.
func (s *WSSignaller) SelfID() string { return s.selfID }

func (s *WSSignaller) Send(msg signal.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.down:
		return ErrChannelDisconnected
	default:
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (s *WSSignaller) Messages() <-chan signal.Message { return s.msgs }

func (s *WSSignaller) Disconnected() <-chan struct{} { return s.down }

func (s *WSSignaller) Close() error {
	s.markDown()
	return s.conn.Close()
}

func (s *WSSignaller) readLoop() {
	defer func() {
		s.markDown()
		close(s.msgs)
	}()
	for {
		var msg signal.Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.down:
			return
		}
	}
}

func (s *WSSignaller) markDown() {
	s.once.Do(func() {
		close(s.down)
	})
}
