package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// CommandFunc handles one inbound frame of a registered type. The raw frame
// is passed through untouched so relay handlers never have to re-marshal
// payloads they do not inspect.
type CommandFunc func(c *Client, h *Hub, raw []byte)

type CommandRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{handlers: make(map[string]CommandFunc)}
}

func (cr *CommandRegistry) Register(command string, handler CommandFunc) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.handlers[command] = handler
}

func (cr *CommandRegistry) lookup(command string) (CommandFunc, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	fn, ok := cr.handlers[command]
	return fn, ok
}

// Client is one websocket connection, addressable by its server-assigned Id
// within its Room.
type Client struct {
	Conn     *websocket.Conn
	Send     chan []byte
	Registry *CommandRegistry
	Room     string
	Id       string
	Name     string
}

// Message is a frame queued for delivery. An empty Id means every client in
// the room except Exclude; otherwise only the client with that Id receives it.
type Message struct {
	Room    string
	Id      string
	Exclude string
	Content []byte
}

// DisconnectFunc runs after a client is unregistered, on the hub goroutine.
type DisconnectFunc func(room, id string)

type Hub struct {
	mu           sync.Mutex
	rooms        map[string]map[*Client]bool
	onDisconnect []DisconnectFunc

	Broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
}

func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		Broadcast:  make(chan Message, 64),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
	}
}

// OnDisconnect registers a hook fired for every client that drops out of the
// hub, whether it closed cleanly or the connection died. Must be called
// before Run.
func (h *Hub) OnDisconnect(fn DisconnectFunc) {
	h.onDisconnect = append(h.onDisconnect, fn)
}

// SendTo queues content for a single client in a room.
func (h *Hub) SendTo(room, id string, content []byte) {
	h.Broadcast <- Message{Room: room, Id: id, Content: content}
}

// SendRoom queues content for every client in a room except exclude.
func (h *Hub) SendRoom(room, exclude string, content []byte) {
	h.Broadcast <- Message{Room: room, Exclude: exclude, Content: content}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.rooms[client.Room]; !ok {
				h.rooms[client.Room] = make(map[*Client]bool)
			}
			h.rooms[client.Room][client] = true
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.mu.Lock()
			dropped := false
			if clients, ok := h.rooms[client.Room]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					close(client.Send)
					dropped = true
					if len(clients) == 0 {
						delete(h.rooms, client.Room)
					}
				}
			}
			h.mu.Unlock()
			if dropped {
				for _, fn := range h.onDisconnect {
					fn(client.Room, client.Id)
				}
			}

		case msg := <-h.Broadcast:
			var dropped []*Client
			h.mu.Lock()
			clients := h.rooms[msg.Room]
			for client := range clients {
				if msg.Id != "" && client.Id != msg.Id {
					continue
				}
				if msg.Id == "" && msg.Exclude != "" && client.Id == msg.Exclude {
					continue
				}
				select {
				case client.Send <- msg.Content:
				default:
					// Slow consumer: drop it rather than stall the room.
					close(client.Send)
					delete(clients, client)
					dropped = append(dropped, client)
				}
			}
			if len(clients) == 0 {
				delete(h.rooms, msg.Room)
			}
			h.mu.Unlock()

			// A drop is a disconnect however it happens: the hooks must
			// fire here too, or presence keeps a ghost entry.
			for _, client := range dropped {
				for _, fn := range h.onDisconnect {
					fn(client.Room, client.Id)
				}
			}
		}
	}
}

var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return origin == os.Getenv("ALLOWED_ORIGIN")
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (c *Client) ReadPump(hub *Hub) {
	defer func() {
		logInfo("client disconnected", map[string]interface{}{"room": c.Room, "id": c.Id})
		hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logError("read error", err, map[string]interface{}{"room": c.Room, "id": c.Id})
			}
			break
		}

		typ := gjson.GetBytes(message, "type")
		if !typ.Exists() || typ.Type != gjson.String {
			logInfo("frame without type", map[string]interface{}{"raw": string(message)})
			continue
		}
		handler, ok := c.Registry.lookup(typ.String())
		if !ok {
			logInfo("unknown command", map[string]interface{}{"cmd": typ.String(), "room": c.Room})
			continue
		}
		handler(c, hub, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(45 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				logError("write error", err, map[string]interface{}{"room": c.Room, "id": c.Id})
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// WriteJSONTo marshals v and queues it for the client with the given id.
func (h *Hub) WriteJSONTo(room, id string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		logError("marshal error", err, nil)
		return
	}
	h.SendTo(room, id, raw)
}

// WriteJSONRoom marshals v and queues it for every client in room except exclude.
func (h *Hub) WriteJSONRoom(room, exclude string, v interface{}) {
	raw, err := json.Marshal(v)
	if err != nil {
		logError("marshal error", err, nil)
		return
	}
	h.SendRoom(room, exclude, raw)
}

func logInfo(msg string, meta map[string]interface{}) {
	log.Printf("[INFO] %s | %v", msg, meta)
}

func logError(msg string, err error, meta map[string]interface{}) {
	log.Printf("[ERROR] %s: %v | %v", msg, err, meta)
}
