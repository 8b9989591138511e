package wsapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kbcrawl/kbcrawl/internal/crawl"
	"github.com/kbcrawl/kbcrawl/internal/model"
)

const (
	heartbeatIdle = 30 * time.Second
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsMessage is the envelope sent over the WebSocket connection.
type wsMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	KBID    string `json:"kb_id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Hub fans each job's Event channel out to every WebSocket subscriber of
// that job's id.
type Hub struct {
	log zerolog.Logger

	mu          sync.Mutex
	subscribers map[string][]*subscriber

	// statusOf looks up a job's current status for the initial_status
	// message sent to a new subscriber; nil in tests that don't need it.
	statusOf func(jobID string) (model.JobResult, bool)
}

type subscriber struct {
	conn         *websocket.Conn
	send         chan wsMessage
	lastActivity atomic.Int64 // unix nanos
}

// NewHub builds an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{log: logger, subscribers: make(map[string][]*subscriber)}
}

// SetStatusLookup wires the function used to populate initial_status
// messages. Called once by Server at construction time.
func (h *Hub) SetStatusLookup(fn func(jobID string) (model.JobResult, bool)) {
	h.statusOf = fn
}

// Pump drains a job's Event channel, translating each Event into a
// wsMessage broadcast to every current subscriber of that job id. It
// returns once the events channel closes (job execution finished).
func (h *Hub) Pump(jobID string, events <-chan crawl.Event) {
	for evt := range events {
		msg := wsMessage{Type: string(evt.Type), JobID: evt.JobID, KBID: evt.KBID}
		switch {
		case evt.Page != nil:
			msg.Payload = evt.Page
		case evt.KB != nil:
			msg.Payload = evt.KB
		case evt.Job != nil:
			msg.Payload = evt.Job
		default:
			msg.Payload = evt.Message
		}
		h.broadcast(jobID, msg)
	}
}

func (h *Hub) broadcast(jobID string, msg wsMessage) {
	h.mu.Lock()
	subs := append([]*subscriber(nil), h.subscribers[jobID]...)
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.send <- msg:
		default:
			// Slow subscriber; drop rather than block the whole job.
		}
	}
}

// ServeWS upgrades r to a WebSocket and subscribes the connection to
// jobID's event stream until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		return
	}

	sub := &subscriber{conn: conn, send: make(chan wsMessage, 64)}
	sub.lastActivity.Store(time.Now().UnixNano())
	h.mu.Lock()
	h.subscribers[jobID] = append(h.subscribers[jobID], sub)
	h.mu.Unlock()

	defer h.unsubscribe(jobID, sub)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if h.statusOf != nil {
		if status, ok := h.statusOf(jobID); ok {
			sub.send <- wsMessage{Type: "initial_status", JobID: jobID, Payload: status}
		}
	}

	go h.readLoop(conn, sub)
	h.writeLoop(conn, sub)
}

// readLoop discards client frames except a "ping" text message, which gets
// an immediate "pong" reply; every inbound frame refreshes lastActivity so
// the idle-triggered heartbeat in writeLoop only fires on a quiet
// connection, per spec.
func (h *Hub) readLoop(conn *websocket.Conn, sub *subscriber) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub.lastActivity.Store(time.Now().UnixNano())

		if msgType != websocket.TextMessage {
			continue
		}
		if isPing(data) {
			select {
			case sub.send <- wsMessage{Type: "pong"}:
			default:
			}
		}
	}
}

// isPing recognizes either a bare "ping" text frame or a {"type":"ping"}
// JSON envelope.
func isPing(data []byte) bool {
	trimmed := string(data)
	if trimmed == "ping" || trimmed == `"ping"` {
		return true
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err == nil && env.Type == "ping" {
		return true
	}
	return false
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub *subscriber) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			idle := time.Since(time.Unix(0, sub.lastActivity.Load()))
			if idle < heartbeatIdle {
				continue
			}
			sub.lastActivity.Store(time.Now().UnixNano())
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wsMessage{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unsubscribe(jobID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[jobID]
	for i, s := range subs {
		if s == sub {
			h.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(sub.send)
}
