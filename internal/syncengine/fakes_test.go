package syncengine_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"quillsync/internal/syncengine"
)

// bus is an in-memory broadcast domain. Delivery is synchronous and skips
// the sending peer.
type bus struct {
	mu    sync.Mutex
	peers []*busPeer
}

type sent struct {
	Room  string
	Delta json.RawMessage
	Range *syncengine.Range
}

type busPeer struct {
	bus     *bus
	userID  string
	mu      sync.Mutex
	rooms   map[string]int
	left    []string
	changes []sent
	cursors []sent
	handler func(syncengine.Inbound)
}

func (b *bus) peer(userID string) *busPeer {
	p := &busPeer{bus: b, userID: userID, rooms: make(map[string]int)}
	b.mu.Lock()
	b.peers = append(b.peers, p)
	b.mu.Unlock()
	return p
}

func (b *bus) deliver(from *busPeer, ev syncengine.Inbound) {
	b.mu.Lock()
	peers := append([]*busPeer(nil), b.peers...)
	b.mu.Unlock()
	for _, p := range peers {
		if p == from {
			continue
		}
		p.mu.Lock()
		joined := p.rooms[ev.Room] > 0
		h := p.handler
		p.mu.Unlock()
		if joined && h != nil {
			h(ev)
		}
	}
}

func (p *busPeer) Join(room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[room] = 1
	return nil
}

func (p *busPeer) Leave(room string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, room)
	p.left = append(p.left, room)
	return nil
}

func (p *busPeer) SendChanges(room string, d json.RawMessage) error {
	p.mu.Lock()
	p.changes = append(p.changes, sent{Room: room, Delta: d})
	p.mu.Unlock()
	p.bus.deliver(p, syncengine.Inbound{Kind: syncengine.InboundChanges, Room: room, UserID: p.userID, Delta: d})
	return nil
}

func (p *busPeer) SendCursor(room string, r *syncengine.Range, userID string) error {
	p.mu.Lock()
	p.cursors = append(p.cursors, sent{Room: room, Range: r})
	p.mu.Unlock()
	p.bus.deliver(p, syncengine.Inbound{Kind: syncengine.InboundCursor, Room: room, UserID: userID, Range: r})
	return nil
}

func (p *busPeer) Subscribe(h func(syncengine.Inbound)) func() {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.handler = nil
		p.mu.Unlock()
	}
}

func (p *busPeer) sentChanges() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.changes...)
}

func (p *busPeer) sentCursors() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sent(nil), p.cursors...)
}

func (p *busPeer) leftRooms() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.left...)
}

// presence hands its callbacks to the test, which fires them explicitly.
type presence struct {
	mu    sync.Mutex
	rooms []*presenceRoom
}

type presenceRoom struct {
	name         string
	onSync       func([]syncengine.PeerRecord)
	onSubscribed func()
	mu           sync.Mutex
	tracked      []syncengine.PeerRecord
	closed       bool
}

func (p *presence) JoinPresence(room string, onSync func([]syncengine.PeerRecord), onSubscribed func()) (syncengine.PresenceRoom, error) {
	r := &presenceRoom{name: room, onSync: onSync, onSubscribed: onSubscribed}
	p.mu.Lock()
	p.rooms = append(p.rooms, r)
	p.mu.Unlock()
	return r, nil
}

func (p *presence) last() *presenceRoom {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rooms) == 0 {
		return nil
	}
	return p.rooms[len(p.rooms)-1]
}

func (r *presenceRoom) Track(self syncengine.PeerRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked = append(r.tracked, self)
	return nil
}

func (r *presenceRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *presenceRoom) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *presenceRoom) trackedRecords() []syncengine.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncengine.PeerRecord(nil), r.tracked...)
}

type saveCall struct {
	ID      string
	Content json.RawMessage
}

type store struct {
	mu        sync.Mutex
	docs      map[string]json.RawMessage
	gates     map[string]chan struct{}
	saveGates map[string]saveGate
	saves     []saveCall
	saveErr   error
}

type saveGate struct {
	entered chan struct{}
	release chan struct{}
}

func newStore() *store {
	return &store{
		docs:      make(map[string]json.RawMessage),
		gates:     make(map[string]chan struct{}),
		saveGates: make(map[string]saveGate),
	}
}

func (s *store) put(id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if content == "" {
		s.docs[id] = nil
		return
	}
	s.docs[id] = json.RawMessage(content)
}

// hold makes the next loads of id block until the returned func is called.
func (s *store) hold(id string) func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[id] = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *store) Load(ctx context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	gate := s.gates[id]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.docs[id]
	if !ok {
		return nil, syncengine.ErrNotFound
	}
	return content, nil
}

// holdSave blocks the next save of id. entered is closed once that save
// starts; release lets it finish.
func (s *store) holdSave(id string) (entered <-chan struct{}, release func()) {
	gate := saveGate{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.saveGates[id] = gate
	s.mu.Unlock()
	return gate.entered, func() { close(gate.release) }
}

func (s *store) Save(ctx context.Context, id string, content json.RawMessage) error {
	s.mu.Lock()
	gate, held := s.saveGates[id]
	delete(s.saveGates, id)
	s.mu.Unlock()
	if held {
		close(gate.entered)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, saveCall{ID: id, Content: content})
	s.docs[id] = content
	return nil
}

func (s *store) saveCalls() []saveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]saveCall(nil), s.saves...)
}

type profiles map[string]syncengine.PeerRecord

func (p profiles) Profile(_ context.Context, userID string) (syncengine.PeerRecord, error) {
	rec, ok := p[userID]
	if !ok {
		return syncengine.PeerRecord{}, errors.New("user not found")
	}
	return rec, nil
}
