// Package events fans circle activity out to subscribed websocket clients so
// the UI can refresh proposals, votes and contributions without polling.
package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event types published by the services.
const (
	ProposalCreated      = "proposal_created"
	ProposalUpdated      = "proposal_updated"
	VoteCast             = "vote_cast"
	ContributionReceived = "contribution_received"
	MemberJoined         = "member_joined"
)

type Event struct {
	Type     string    `json:"type"`
	CircleID uint64    `json:"circle_id"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher is the notification sink the services write to. Implementations
// must be safe for concurrent use; services skip publishing when nil.
type Publisher interface {
	Publish(evt Event)
}

const writeWait = 5 * time.Second

// subscriber owns the write side of one connection. The websocket protocol
// allows a single concurrent writer per connection, while Publish runs from
// many request goroutines at once, so every deadline+write pair holds the
// subscriber's mutex.
type subscriber struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *subscriber) write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(evt)
}

// Hub keeps one subscriber set per circle and broadcasts events to it.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[uint64]map[*subscriber]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients carry the auth token, not cookies; origin
			// checks belong to the reverse proxy in this deployment.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[uint64]map[*subscriber]struct{}),
	}
}

// Subscribe upgrades the request to a websocket and registers it for the
// circle's events. It blocks until the client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, circleID uint64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{conn: conn}
	h.add(circleID, sub)
	defer h.remove(circleID, sub)

	// Clients only listen; the read loop exists to notice the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Publish sends the event to every subscriber of its circle. Safe for
// concurrent use; broken connections are dropped rather than retried.
func (h *Hub) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs[evt.CircleID]))
	for s := range h.subs[evt.CircleID] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		if err := s.write(evt); err != nil {
			h.log.Debug("dropping websocket subscriber", zap.Uint64("circle_id", evt.CircleID), zap.Error(err))
			h.remove(evt.CircleID, s)
			s.conn.Close()
		}
	}
}

func (h *Hub) add(circleID uint64, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[circleID] == nil {
		h.subs[circleID] = make(map[*subscriber]struct{})
	}
	h.subs[circleID][s] = struct{}{}
}

func (h *Hub) remove(circleID uint64, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[circleID], s)
	if len(h.subs[circleID]) == 0 {
		delete(h.subs, circleID)
	}
}
