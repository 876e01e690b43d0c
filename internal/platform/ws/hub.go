// Package ws provides the real-time push channel used for queue updates,
// doctor-calling alerts and appointment status changes. Clients join rooms
// named "{role}-{id}" (e.g. "doctor-<uuid>", "patient-<uuid>") and receive
// every event emitted to those rooms.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is a single push message delivered to room members.
type Event struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	AckID     string          `json:"ackId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound frame from a connected client.
type ClientMessage struct {
	Action string   `json:"action"` // "join", "leave" or "ack"
	Rooms  []string `json:"rooms,omitempty"`
	AckID  string   `json:"ackId,omitempty"`
}

// Broadcaster is the push interface domain services depend on.
type Broadcaster interface {
	// Emit delivers an event to every member of room. Payloads that fail
	// to marshal are dropped with a log entry; delivery is best effort.
	Emit(room, eventType string, payload any)

	// EmitWithAck delivers an event that requires an acknowledgement from
	// at least one room member. It reports whether an ack arrived before
	// the context deadline or the timeout elapsed.
	EmitWithAck(ctx context.Context, room, eventType string, payload any, timeout time.Duration) (bool, error)
}

// Client is a single connected socket.
type Client struct {
	ID    string
	Rooms []string
	Send  chan []byte
}

// Hub tracks connected clients and their room memberships, and routes
// acknowledgements back to waiting emitters. All operations are safe for
// concurrent use.
type Hub struct {
	log zerolog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	all   map[*Client]struct{}
	acks  map[string]chan struct{} // ackID -> signal
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
		acks:  make(map[string]chan struct{}),
	}
}

// Register adds a client and joins it to its initial rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, room := range client.Rooms {
		h.joinLocked(client, room)
	}
}

// Unregister removes a client from every room and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, room := range client.Rooms {
		h.leaveLocked(client, room)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) joinLocked(client *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Join subscribes an already-registered client to additional rooms.
func (h *Hub) Join(client *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range rooms {
		h.joinLocked(client, room)
	}
	client.Rooms = append(client.Rooms, rooms...)
}

// Leave unsubscribes a client from the given rooms.
func (h *Hub) Leave(client *Client, rooms []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(rooms))
	for _, room := range rooms {
		drop[room] = struct{}{}
		h.leaveLocked(client, room)
	}

	remaining := client.Rooms[:0]
	for _, room := range client.Rooms {
		if _, rm := drop[room]; !rm {
			remaining = append(remaining, room)
		}
	}
	client.Rooms = remaining
}

// ProcessMessage handles one inbound client frame.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "join":
		h.Join(client, msg.Rooms)
	case "leave":
		h.Leave(client, msg.Rooms)
	case "ack":
		h.resolveAck(msg.AckID)
	}
}

func (h *Hub) resolveAck(ackID string) {
	if ackID == "" {
		return
	}
	h.mu.Lock()
	ch, ok := h.acks[ackID]
	if ok {
		delete(h.acks, ackID)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Emit implements Broadcaster.
func (h *Hub) Emit(room, eventType string, payload any) {
	h.emit(room, Event{Type: eventType, Room: room, Timestamp: time.Now().UTC()}, payload)
}

// EmitWithAck implements Broadcaster. If the room has no members the event
// is still recorded as undelivered without waiting out the full timeout.
func (h *Hub) EmitWithAck(ctx context.Context, room, eventType string, payload any, timeout time.Duration) (bool, error) {
	ackID := uuid.New().String()
	ackCh := make(chan struct{})

	h.mu.Lock()
	h.acks[ackID] = ackCh
	empty := len(h.rooms[room]) == 0
	h.mu.Unlock()

	if empty {
		h.dropAck(ackID)
		return false, nil
	}

	h.emit(room, Event{Type: eventType, Room: room, AckID: ackID, Timestamp: time.Now().UTC()}, payload)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ackCh:
		return true, nil
	case <-timer.C:
		h.dropAck(ackID)
		return false, nil
	case <-ctx.Done():
		h.dropAck(ackID)
		return false, ctx.Err()
	}
}

func (h *Hub) dropAck(ackID string) {
	h.mu.Lock()
	delete(h.acks, ackID)
	h.mu.Unlock()
}

func (h *Hub) emit(room string, event Event, payload any) {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.log.Error().Err(err).Str("room", room).Str("event", event.Type).
				Msg("failed to marshal push payload")
			return
		}
		event.Data = data
	}

	frame, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Str("room", room).Msg("failed to marshal push event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[room] {
		select {
		case client.Send <- frame:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RoomCount returns the number of clients currently in a room.
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
