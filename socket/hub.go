package socket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"quillsync/pkg/logger"
)

const (
	// Client -> server.
	EventCreateRoom    = "create-room"
	EventLeaveRoom     = "leave-room"
	EventSendChanges   = "send-changes"
	EventSendCursor    = "send-cursor-move"
	EventPresenceJoin  = "presence-join"
	EventPresenceTrack = "presence-track"
	EventPresenceLeave = "presence-leave"

	// Server -> client.
	EventReceiveChanges     = "receive-changes"
	EventReceiveCursor      = "receive-cursor-move"
	EventPresenceSubscribed = "presence-subscribed"
	EventPresenceSync       = "presence-sync"
	EventRoomRemoved        = "room-removed"
	EventError              = "error"
)

type Message struct {
	Event   string          `json:"event"`
	Room    string          `json:"room"`
	UserID  string          `json:"user_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceState is the record a connection tracks in a presence room.
type PresenceState struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

// AccessChecker decides whether a user may join a document's room.
type AccessChecker interface {
	CanJoin(ctx context.Context, userID, roomID string) (bool, error)
}

// Envelope is a message read from a client, with its user_id already
// overwritten by the authenticated user.
type Envelope struct {
	Client *Client
	Msg    Message
	// Denied marks a join the access check refused.
	Denied bool
}

type Hub struct {
	clients map[*Client]bool
	// Rooms carry broadcast traffic; presence rooms carry rosters. A
	// connection in a presence room with a nil state has joined but not
	// tracked yet.
	rooms    map[string]map[*Client]bool
	presence map[string]map[*Client]*PresenceState
	mu       sync.Mutex

	Register   chan *Client
	Unregister chan *Client
	Inbound    chan Envelope
	removals   chan string
	done       chan struct{}

	access AccessChecker
}

func NewHub(access AccessChecker) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		presence:   make(map[string]map[*Client]*PresenceState),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan Envelope, 256),
		removals:   make(chan string),
		done:       make(chan struct{}),
		access:     access,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.Conn.Close()
			}
			h.mu.Unlock()
			return
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Sugar.Infof("Connection %s registered for user %s", client.ID, client.UserID)
		case client := <-h.Unregister:
			h.drop(client)
		case env := <-h.Inbound:
			h.handle(env)
		case room := <-h.removals:
			h.removeRoom(room)
		}
	}
}

// RemoveRoom evicts everyone from a deleted document's room and presence
// room. Connections stay open for their other rooms.
func (h *Hub) RemoveRoom(roomID string) {
	select {
	case h.removals <- roomID:
	case <-h.done:
	}
}

// Stats reports how many connections are in a room and its presence room.
func (h *Hub) Stats(roomID string) (members, present int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID]), len(h.presence[roomID])
}

func (h *Hub) handle(env Envelope) {
	c, msg := env.Client, env.Msg
	h.mu.Lock()
	registered := h.clients[c]
	h.mu.Unlock()
	if !registered {
		return
	}
	if env.Denied {
		h.sendError(c, msg.Room, "access denied")
		return
	}

	switch msg.Event {
	case EventCreateRoom:
		h.mu.Lock()
		if h.rooms[msg.Room] == nil {
			h.rooms[msg.Room] = make(map[*Client]bool)
		}
		h.rooms[msg.Room][c] = true
		h.mu.Unlock()

	case EventLeaveRoom:
		h.mu.Lock()
		h.leaveRoomLocked(msg.Room, c)
		h.mu.Unlock()

	case EventSendChanges:
		h.fanOut(c, msg, EventReceiveChanges)

	case EventSendCursor:
		h.fanOut(c, msg, EventReceiveCursor)

	case EventPresenceJoin:
		h.mu.Lock()
		if h.presence[msg.Room] == nil {
			h.presence[msg.Room] = make(map[*Client]*PresenceState)
		}
		if _, ok := h.presence[msg.Room][c]; !ok {
			h.presence[msg.Room][c] = nil
		}
		roster := h.rosterLocked(msg.Room)
		h.mu.Unlock()

		h.deliver(c, Message{Event: EventPresenceSubscribed, Room: msg.Room, UserID: c.UserID})
		h.deliver(c, Message{Event: EventPresenceSync, Room: msg.Room, Payload: roster})

	case EventPresenceTrack:
		var state PresenceState
		if err := json.Unmarshal(msg.Payload, &state); err != nil {
			h.sendError(c, msg.Room, "invalid presence payload")
			return
		}
		state.ID = c.UserID

		h.mu.Lock()
		members, ok := h.presence[msg.Room]
		if ok {
			if _, joined := members[c]; joined {
				members[c] = &state
			} else {
				ok = false
			}
		}
		h.mu.Unlock()
		if !ok {
			h.sendError(c, msg.Room, "not subscribed to presence")
			return
		}
		h.syncPresence(msg.Room)

	case EventPresenceLeave:
		h.mu.Lock()
		h.leavePresenceLocked(msg.Room, c)
		h.mu.Unlock()
		h.syncPresence(msg.Room)

	default:
		logger.Sugar.Warnf("Unknown event %q from connection %s", msg.Event, c.ID)
		h.sendError(c, msg.Room, "unknown event "+msg.Event)
	}
}

// fanOut relays msg to every other connection in the room. The sender must
// be a member; its own connection never gets the message back.
func (h *Hub) fanOut(from *Client, msg Message, event string) {
	h.mu.Lock()
	members := h.rooms[msg.Room]
	if !members[from] {
		h.mu.Unlock()
		h.sendError(from, msg.Room, "not in room")
		return
	}
	targets := make([]*Client, 0, len(members))
	for c := range members {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	msg.Event = event
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s for room %s: %v", event, msg.Room, err)
		return
	}
	for _, c := range targets {
		h.send(c, payload)
	}
}

// rosterLocked lists the tracked states of a presence room, one per user,
// ordered by user id.
func (h *Hub) rosterLocked(room string) json.RawMessage {
	seen := make(map[string]bool)
	roster := []PresenceState{}
	for _, state := range h.presence[room] {
		if state == nil || seen[state.ID] {
			continue
		}
		seen[state.ID] = true
		roster = append(roster, *state)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].ID < roster[j].ID })
	payload, _ := json.Marshal(roster)
	return payload
}

func (h *Hub) syncPresence(room string) {
	h.mu.Lock()
	members := h.presence[room]
	if len(members) == 0 {
		h.mu.Unlock()
		return
	}
	roster := h.rosterLocked(room)
	targets := make([]*Client, 0, len(members))
	for c := range members {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	payload, _ := json.Marshal(Message{Event: EventPresenceSync, Room: room, Payload: roster})
	for _, c := range targets {
		h.send(c, payload)
	}
}

func (h *Hub) leaveRoomLocked(room string, c *Client) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) leavePresenceLocked(room string, c *Client) {
	if members, ok := h.presence[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.presence, room)
		}
	}
}

// drop unregisters a connection: it leaves every room, its presence rooms
// get a fresh roster, and its send channel is closed.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room := range h.rooms {
		h.leaveRoomLocked(room, c)
	}
	var affected []string
	for room, members := range h.presence {
		if _, ok := members[c]; ok {
			h.leavePresenceLocked(room, c)
			affected = append(affected, room)
		}
	}
	close(c.Send)
	h.mu.Unlock()

	logger.Sugar.Infof("Connection %s for user %s closed", c.ID, c.UserID)
	for _, room := range affected {
		h.syncPresence(room)
	}
}

func (h *Hub) removeRoom(room string) {
	h.mu.Lock()
	notify := make(map[*Client]bool)
	for c := range h.rooms[room] {
		notify[c] = true
	}
	for c := range h.presence[room] {
		notify[c] = true
	}
	delete(h.rooms, room)
	delete(h.presence, room)
	h.mu.Unlock()

	if len(notify) > 0 {
		logger.Sugar.Infof("Removed room %s with %d connections", room, len(notify))
	}
	for c := range notify {
		h.deliver(c, Message{Event: EventRoomRemoved, Room: room})
	}
}

func (h *Hub) sendError(c *Client, room, reason string) {
	payload, _ := json.Marshal(reason)
	h.deliver(c, Message{Event: EventError, Room: room, Payload: payload})
}

func (h *Hub) deliver(c *Client, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s: %v", msg.Event, err)
		return
	}
	h.send(c, payload)
}

// send must only be called from Run. A connection whose buffer is full is
// lagging and gets unregistered so it cannot block the hub.
func (h *Hub) send(c *Client, payload []byte) {
	h.mu.Lock()
	registered := h.clients[c]
	h.mu.Unlock()
	if !registered {
		return
	}
	select {
	case c.Send <- payload:
	default:
		logger.Sugar.Warnf("Connection %s's send buffer is full. Unregistering.", c.ID)
		h.drop(c)
		c.Conn.Close()
	}
}
