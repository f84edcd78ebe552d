package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"quillsync/internal/syncengine"
	"quillsync/pkg/logger"
	"quillsync/socket"
)

// Conn is a websocket connection to the hub that serves as a session's
// broadcast channel and presence transport. Callbacks run on the read
// goroutine, never on the caller's.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int
	handlers  map[int]func(syncengine.Inbound)
	presences map[string]*presenceRoom
	closed    bool
	onRemoved func(room string)

	done chan struct{}
}

// Dial connects to the hub's websocket endpoint. The token travels in the
// query string as browsers do.
func Dial(ctx context.Context, wsURL, token string) (*Conn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	c := &Conn{
		ws:        ws,
		handlers:  make(map[int]func(syncengine.Inbound)),
		presences: make(map[string]*presenceRoom),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// OnRoomRemoved registers fn to run when the server deletes a room this
// connection is in.
func (c *Conn) OnRoomRemoved(fn func(room string)) {
	c.mu.Lock()
	c.onRemoved = fn
	c.mu.Unlock()
}

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Conn) write(msg socket.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(msg)
}

func (c *Conn) Join(room string) error {
	return c.write(socket.Message{Event: socket.EventCreateRoom, Room: room})
}

func (c *Conn) Leave(room string) error {
	return c.write(socket.Message{Event: socket.EventLeaveRoom, Room: room})
}

func (c *Conn) SendChanges(room string, delta json.RawMessage) error {
	return c.write(socket.Message{Event: socket.EventSendChanges, Room: room, Payload: delta})
}

func (c *Conn) SendCursor(room string, r *syncengine.Range, userID string) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.write(socket.Message{Event: socket.EventSendCursor, Room: room, UserID: userID, Payload: payload})
}

func (c *Conn) Subscribe(fn func(syncengine.Inbound)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

type presenceRoom struct {
	conn         *Conn
	room         string
	onSync       func([]syncengine.PeerRecord)
	onSubscribed func()
}

// JoinPresence subscribes to a document's presence room. A second join for
// the same room replaces the first one's callbacks.
func (c *Conn) JoinPresence(room string, onSync func([]syncengine.PeerRecord), onSubscribed func()) (syncengine.PresenceRoom, error) {
	p := &presenceRoom{conn: c, room: room, onSync: onSync, onSubscribed: onSubscribed}
	c.mu.Lock()
	c.presences[room] = p
	c.mu.Unlock()
	if err := c.write(socket.Message{Event: socket.EventPresenceJoin, Room: room}); err != nil {
		c.dropPresence(p)
		return nil, err
	}
	return p, nil
}

func (c *Conn) dropPresence(p *presenceRoom) {
	c.mu.Lock()
	if c.presences[p.room] == p {
		delete(c.presences, p.room)
	}
	c.mu.Unlock()
}

func (p *presenceRoom) Track(self syncengine.PeerRecord) error {
	payload, err := json.Marshal(self)
	if err != nil {
		return err
	}
	return p.conn.write(socket.Message{Event: socket.EventPresenceTrack, Room: p.room, Payload: payload})
}

func (p *presenceRoom) Close() error {
	p.conn.dropPresence(p)
	return p.conn.write(socket.Message{Event: socket.EventPresenceLeave, Room: p.room})
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var msg socket.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				logger.Sugar.Warnf("Hub connection lost: %v", err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *Conn) dispatch(msg socket.Message) {
	switch msg.Event {
	case socket.EventReceiveChanges:
		c.deliver(syncengine.Inbound{Kind: syncengine.InboundChanges, Room: msg.Room, UserID: msg.UserID, Delta: msg.Payload})

	case socket.EventReceiveCursor:
		var r *syncengine.Range
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &r); err != nil {
				logger.Sugar.Warnf("Dropping malformed cursor from %s: %v", msg.UserID, err)
				return
			}
		}
		c.deliver(syncengine.Inbound{Kind: syncengine.InboundCursor, Room: msg.Room, UserID: msg.UserID, Range: r})

	case socket.EventPresenceSubscribed:
		if p := c.presence(msg.Room); p != nil && p.onSubscribed != nil {
			p.onSubscribed()
		}

	case socket.EventPresenceSync:
		var roster []syncengine.PeerRecord
		if err := json.Unmarshal(msg.Payload, &roster); err != nil {
			logger.Sugar.Warnf("Dropping malformed roster for %s: %v", msg.Room, err)
			return
		}
		if p := c.presence(msg.Room); p != nil && p.onSync != nil {
			p.onSync(roster)
		}

	case socket.EventRoomRemoved:
		logger.Sugar.Infof("Room %s was removed by the server", msg.Room)
		c.mu.Lock()
		fn := c.onRemoved
		c.mu.Unlock()
		if fn != nil {
			fn(msg.Room)
		}

	case socket.EventError:
		var reason string
		_ = json.Unmarshal(msg.Payload, &reason)
		logger.Sugar.Warnf("Hub error on room %s: %s", msg.Room, reason)
	}
}

func (c *Conn) presence(room string) *presenceRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presences[room]
}

func (c *Conn) deliver(ev syncengine.Inbound) {
	c.mu.Lock()
	handlers := make([]func(syncengine.Inbound), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
