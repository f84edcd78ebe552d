// Package surface provides an in-memory editing surface for headless peers.
package surface

import (
	"encoding/json"
	"fmt"
	"sync"

	"quillsync/internal/delta"
	"quillsync/internal/syncengine"
)

var emptyDocument = delta.Delta{Ops: []delta.Op{{Insert: "\n"}}}

type Cursor struct {
	mu    sync.Mutex
	ID    string
	Label string
	Color string
	rng   *syncengine.Range
	moves int
}

func (c *Cursor) Move(r *syncengine.Range) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r != nil {
		cp := *r
		r = &cp
	}
	c.rng = r
	c.moves++
}

func (c *Cursor) Range() *syncengine.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng
}

func (c *Cursor) Moves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moves
}

// Memory holds a document as a delta and emits change and selection events
// the way a browser editor does. Listeners are invoked after the surface's
// own lock is released.
type Memory struct {
	mu          sync.Mutex
	doc         delta.Delta
	nextID      int
	onChange    map[int]func(syncengine.ChangeEvent)
	onSelection map[int]func(syncengine.SelectionEvent)
	cursors     map[string]*Cursor
}

var _ syncengine.Surface = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		doc:         emptyDocument,
		onChange:    make(map[int]func(syncengine.ChangeEvent)),
		onSelection: make(map[int]func(syncengine.SelectionEvent)),
		cursors:     make(map[string]*Cursor),
	}
}

func (m *Memory) SetContents(content json.RawMessage) error {
	doc, err := delta.Parse(content)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.doc = doc
	m.mu.Unlock()
	m.emitChange(syncengine.ChangeEvent{Delta: doc.Bytes(), Source: syncengine.RemoteApply})
	return nil
}

func (m *Memory) Contents() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Bytes()
}

func (m *Memory) Length() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Length()
}

func (m *Memory) Text() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Text()
}

func (m *Memory) UpdateContents(raw json.RawMessage) error {
	return m.apply(raw, syncengine.RemoteApply)
}

// Edit applies a change typed by the local user.
func (m *Memory) Edit(raw json.RawMessage) error {
	return m.apply(raw, syncengine.LocalEdit)
}

// Insert is a convenience for a user typing text at index.
func (m *Memory) Insert(index int, text string) error {
	ops := []delta.Op{}
	if index > 0 {
		ops = append(ops, delta.Op{Retain: index})
	}
	ops = append(ops, delta.Op{Insert: text})
	return m.Edit(delta.Delta{Ops: ops}.Bytes())
}

// Select reports a user selection change.
func (m *Memory) Select(r *syncengine.Range) {
	m.mu.Lock()
	handlers := make([]func(syncengine.SelectionEvent), 0, len(m.onSelection))
	for _, h := range m.onSelection {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(syncengine.SelectionEvent{Range: r, Source: syncengine.LocalEdit})
	}
}

func (m *Memory) apply(raw json.RawMessage, source syncengine.Source) error {
	change, err := delta.Parse(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	next, err := delta.Apply(m.doc, change)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("apply %s change: %w", source, err)
	}
	m.doc = next
	m.mu.Unlock()
	m.emitChange(syncengine.ChangeEvent{Delta: raw, Source: source})
	return nil
}

func (m *Memory) emitChange(ev syncengine.ChangeEvent) {
	m.mu.Lock()
	handlers := make([]func(syncengine.ChangeEvent), 0, len(m.onChange))
	for _, h := range m.onChange {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (m *Memory) OnChange(fn func(syncengine.ChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.onChange[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.onChange, id)
		m.mu.Unlock()
	}
}

func (m *Memory) OnSelectionChange(fn func(syncengine.SelectionEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.onSelection[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.onSelection, id)
		m.mu.Unlock()
	}
}

// CreateCursor returns the existing cursor for peerID when there is one.
func (m *Memory) CreateCursor(peerID, label, color string) syncengine.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[peerID]; ok {
		return c
	}
	c := &Cursor{ID: peerID, Label: label, Color: color}
	m.cursors[peerID] = c
	return c
}

func (m *Memory) Cursor(peerID string) (*Cursor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[peerID]
	return c, ok
}

func (m *Memory) CursorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cursors)
}
