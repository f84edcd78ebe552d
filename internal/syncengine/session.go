// Package syncengine keeps one rich-text editing surface in sync with its
// peers and with the persisted document store.
//
// A Session binds a surface to a document id. Local edits are broadcast to
// the document's room immediately and persisted after a quiet period; deltas
// and cursor moves from peers are applied back onto the surface. Remote
// deltas are applied in receipt order and never transformed, so concurrent
// edits from different peers can leave their documents diverged.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"quillsync/internal/delta"
	"quillsync/pkg/logger"
)

const (
	DefaultSaveDelay   = 850 * time.Millisecond
	DefaultCallTimeout = 10 * time.Second
)

type State int

const (
	Unbound State = iota
	Loading
	Ready
	Teardown
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "UNBOUND"
	case Loading:
		return "LOADING"
	case Ready:
		return "READY"
	case Teardown:
		return "TEARDOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Config struct {
	// UserID identifies the local peer on the channel and in presence.
	UserID   string
	Channel  Channel
	Presence Presence
	Store    Store
	// Profiles is optional. Without it the session tracks a bare record
	// carrying only the user id.
	Profiles    ProfileResolver
	SaveDelay   time.Duration
	CallTimeout time.Duration
	Hooks       Hooks
}

// Session is not bound to a document until Bind is called. All handlers run
// under one mutex; asynchronous results check the binding generation before
// touching state, so a late load or save for a previous document is dropped.
type Session struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    []func()
	state      State
	gen        uint64
	documentID string
	surface    Surface
	detach     []func()
	presence   PresenceRoom
	saving     bool
	saveTimer  *time.Timer
	saveSeq    uint64
	cursors    map[string]Cursor
	roster     []PeerRecord

	// saveMu keeps persisted writes from one session in schedule order.
	saveMu sync.Mutex
	wg     sync.WaitGroup
}

func New(cfg Config) *Session {
	if cfg.SaveDelay <= 0 {
		cfg.SaveDelay = DefaultSaveDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		cursors: make(map[string]Cursor),
	}
}

// Bind attaches the session to surface and documentID, tearing down any
// previous binding first. Binding the same pair again is a no-op. A nil
// surface or empty id leaves the session UNBOUND.
func (s *Session) Bind(surface Surface, documentID string) {
	s.mu.Lock()
	defer s.unlock()

	if s.state != Unbound && s.surface == surface && s.documentID == documentID {
		return
	}
	s.teardownLocked()
	if surface == nil || documentID == "" {
		return
	}

	s.gen++
	s.surface = surface
	s.documentID = documentID
	s.setStateLocked(Loading)

	gen := s.gen
	s.wg.Add(1)
	go s.load(gen, surface, documentID)
}

// Unbind detaches listeners, cancels the pending save and leaves the room.
// An edit still waiting for its debounce window is not persisted.
func (s *Session) Unbind() {
	s.mu.Lock()
	defer s.unlock()
	s.teardownLocked()
}

// Close unbinds and waits for in-flight loads and saves to return.
func (s *Session) Close() {
	s.Unbind()
	s.cancel()
	s.wg.Wait()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

func (s *Session) Saving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}

// Roster returns the last presence roster, self included.
func (s *Session) Roster() []PeerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PeerRecord(nil), s.roster...)
}

// CursorPeers lists the peer ids that currently have a cursor on the surface.
func (s *Session) CursorPeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cursors))
	for id := range s.cursors {
		ids = append(ids, id)
	}
	return ids
}

// unlock releases the mutex and then runs hooks queued while it was held, so
// hooks may call back into the session.
func (s *Session) unlock() {
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (s *Session) after(fn func()) {
	s.pending = append(s.pending, fn)
}

func (s *Session) setStateLocked(st State) {
	s.state = st
	if hook := s.cfg.Hooks.StateChanged; hook != nil {
		s.after(func() { hook(st) })
	}
}

func (s *Session) setSavingLocked(saving bool) {
	if s.saving == saving {
		return
	}
	s.saving = saving
	if hook := s.cfg.Hooks.SavingChanged; hook != nil {
		s.after(func() { hook(saving) })
	}
}

func (s *Session) current(gen uint64) bool {
	return gen == s.gen && s.state == Ready
}

func (s *Session) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.CallTimeout)
}

func (s *Session) load(gen uint64, surface Surface, documentID string) {
	defer s.wg.Done()

	ctx, cancel := s.callContext()
	content, err := s.cfg.Store.Load(ctx, documentID)
	cancel()

	s.mu.Lock()
	defer s.unlock()

	if gen != s.gen || s.state != Loading {
		logger.Sugar.Debugf("Discarding stale load for document %s", documentID)
		return
	}
	if err == nil && !IsEmptyContent(content) {
		if err = surface.SetContents(content); err != nil {
			err = fmt.Errorf("apply loaded content: %w", err)
		}
	}
	if err != nil {
		logger.Sugar.Warnf("Failed to load document %s: %v", documentID, err)
		s.teardownLocked()
		if hook := s.cfg.Hooks.LoadFailed; hook != nil {
			s.after(func() { hook(documentID, err) })
		}
		return
	}
	if !IsEmptyContent(content) {
		if hook := s.cfg.Hooks.ContentLoaded; hook != nil {
			s.after(func() { hook(documentID, content) })
		}
	}
	s.enterReadyLocked(gen)
}

// enterReadyLocked joins the broadcast and presence rooms and attaches the
// surface listeners. Channel and Presence must deliver their callbacks
// asynchronously since the session mutex is held here.
func (s *Session) enterReadyLocked(gen uint64) {
	s.setStateLocked(Ready)
	id := s.documentID

	if err := s.cfg.Channel.Join(id); err != nil {
		logger.Sugar.Warnf("Failed to join room %s: %v", id, err)
	}
	s.detach = append(s.detach,
		s.cfg.Channel.Subscribe(func(ev Inbound) { s.handleInbound(gen, ev) }),
		s.surface.OnChange(func(ev ChangeEvent) { s.handleChange(gen, ev) }),
		s.surface.OnSelectionChange(func(ev SelectionEvent) { s.handleSelection(gen, ev) }),
	)

	if s.cfg.Presence == nil {
		return
	}
	room, err := s.cfg.Presence.JoinPresence(id,
		func(roster []PeerRecord) { s.handleRosterSync(gen, roster) },
		func() { s.handleSubscribed(gen) },
	)
	if err != nil {
		logger.Sugar.Warnf("Failed to join presence for %s: %v", id, err)
		return
	}
	s.presence = room
}

func (s *Session) teardownLocked() {
	if s.state == Unbound && s.surface == nil {
		return
	}
	wasReady := s.state == Ready
	id := s.documentID
	s.setStateLocked(Teardown)

	for i := len(s.detach) - 1; i >= 0; i-- {
		if s.detach[i] != nil {
			s.detach[i]()
		}
	}
	s.detach = nil

	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.saveSeq++
	s.setSavingLocked(false)

	if s.presence != nil {
		if err := s.presence.Close(); err != nil {
			logger.Sugar.Warnf("Failed to leave presence for %s: %v", id, err)
		}
		s.presence = nil
	}
	if wasReady {
		if err := s.cfg.Channel.Leave(id); err != nil {
			logger.Sugar.Warnf("Failed to leave room %s: %v", id, err)
		}
	}

	s.cursors = make(map[string]Cursor)
	s.roster = nil
	s.gen++
	s.surface = nil
	s.documentID = ""
	s.setStateLocked(Unbound)
}

func (s *Session) handleChange(gen uint64, ev ChangeEvent) {
	// Programmatic changes, including our own application of remote
	// deltas, never leave the surface. The check runs before locking because
	// UpdateContents emits synchronously while the mutex is held.
	if ev.Source != LocalEdit {
		return
	}

	s.mu.Lock()
	defer s.unlock()
	if !s.current(gen) {
		return
	}

	if err := s.cfg.Channel.SendChanges(s.documentID, ev.Delta); err != nil {
		logger.Sugar.Warnf("Failed to broadcast changes for %s: %v", s.documentID, err)
	}
	s.setSavingLocked(true)
	s.scheduleSaveLocked()
}

func (s *Session) scheduleSaveLocked() {
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveSeq++
	gen, seq := s.gen, s.saveSeq
	s.saveTimer = time.AfterFunc(s.cfg.SaveDelay, func() { s.flush(gen, seq) })
}

// flush persists the full surface contents once the debounce window closes.
func (s *Session) flush(gen uint64, seq uint64) {
	s.mu.Lock()
	if !s.current(gen) || seq != s.saveSeq {
		s.unlock()
		return
	}
	s.saveTimer = nil
	id := s.documentID
	content := s.surface.Contents()
	// An editor holding only its trailing newline could clobber real
	// content with a surface that never loaded.
	if IsEmptyContent(content) || blankDocument(content) {
		s.setSavingLocked(false)
		s.unlock()
		return
	}
	s.wg.Add(1)
	s.unlock()
	defer s.wg.Done()

	s.saveMu.Lock()
	ctx, cancel := s.callContext()
	err := s.cfg.Store.Save(ctx, id, content)
	cancel()
	s.saveMu.Unlock()

	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	if err != nil {
		logger.Sugar.Errorf("Failed to save document %s: %v", id, err)
		if hook := s.cfg.Hooks.SaveFailed; hook != nil {
			s.after(func() { hook(id, err) })
		}
	} else if hook := s.cfg.Hooks.ContentSaved; hook != nil {
		s.after(func() { hook(id, content) })
	}
	// A newer edit has its own timer pending and keeps the saving flag.
	if seq == s.saveSeq {
		s.setSavingLocked(false)
	}
}

func (s *Session) handleSelection(gen uint64, ev SelectionEvent) {
	if ev.Source != LocalEdit {
		return
	}

	s.mu.Lock()
	defer s.unlock()
	if !s.current(gen) || s.cfg.UserID == "" {
		return
	}
	if err := s.cfg.Channel.SendCursor(s.documentID, ev.Range, s.cfg.UserID); err != nil {
		logger.Sugar.Warnf("Failed to broadcast cursor for %s: %v", s.documentID, err)
	}
}

func (s *Session) handleInbound(gen uint64, ev Inbound) {
	s.mu.Lock()
	defer s.unlock()
	if !s.current(gen) || ev.Room != s.documentID {
		return
	}

	switch ev.Kind {
	case InboundChanges:
		if err := s.surface.UpdateContents(ev.Delta); err != nil {
			logger.Sugar.Errorf("Failed to apply remote delta from %s on %s: %v", ev.UserID, s.documentID, err)
		}
	case InboundCursor:
		// Cursors are created by roster sync only; moves that arrive before
		// the peer's first sync are dropped.
		if cursor, ok := s.cursors[ev.UserID]; ok {
			cursor.Move(ev.Range)
		}
	}
}

func (s *Session) handleRosterSync(gen uint64, roster []PeerRecord) {
	s.mu.Lock()
	defer s.unlock()
	if !s.current(gen) {
		return
	}

	next := make(map[string]Cursor, len(roster))
	for _, peer := range roster {
		if peer.ID == "" || peer.ID == s.cfg.UserID {
			continue
		}
		if _, seen := next[peer.ID]; seen {
			continue
		}
		cursor, ok := s.cursors[peer.ID]
		if !ok {
			cursor = s.surface.CreateCursor(peer.ID, CursorLabel(peer), randomColor())
		}
		next[peer.ID] = cursor
	}
	s.cursors = next
	s.roster = append([]PeerRecord(nil), roster...)

	if hook := s.cfg.Hooks.RosterChanged; hook != nil {
		id, snapshot := s.documentID, append([]PeerRecord(nil), roster...)
		s.after(func() { hook(id, snapshot) })
	}
}

// handleSubscribed resolves the local profile and tracks it. A failed
// lookup skips tracking for this cycle; the next subscribe retries.
func (s *Session) handleSubscribed(gen uint64) {
	s.mu.Lock()
	if !s.current(gen) || s.presence == nil {
		s.unlock()
		return
	}
	room := s.presence
	s.wg.Add(1)
	s.unlock()

	go func() {
		defer s.wg.Done()

		self := PeerRecord{ID: s.cfg.UserID}
		if s.cfg.Profiles != nil {
			ctx, cancel := s.callContext()
			profile, err := s.cfg.Profiles.Profile(ctx, s.cfg.UserID)
			cancel()
			if err != nil {
				logger.Sugar.Debugf("Skipping presence track for %s: %v", s.cfg.UserID, err)
				return
			}
			self = profile
			self.ID = s.cfg.UserID
		}

		s.mu.Lock()
		defer s.unlock()
		if !s.current(gen) || s.presence != room {
			return
		}
		if err := room.Track(self); err != nil {
			logger.Sugar.Warnf("Failed to track presence on %s: %v", s.documentID, err)
		}
	}()
}

// IsEmptyContent reports whether a persisted payload carries no document.
func IsEmptyContent(content json.RawMessage) bool {
	trimmed := bytes.TrimSpace(content)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`))
}

// blankDocument is false for content that does not parse; the store decides
// what to do with it.
func blankDocument(content json.RawMessage) bool {
	doc, err := delta.Parse(content)
	return err == nil && doc.Blank()
}

// CursorLabel is the email's local part, falling back to the peer id.
func CursorLabel(peer PeerRecord) string {
	if local, _, _ := strings.Cut(peer.Email, "@"); local != "" {
		return local
	}
	return peer.ID
}

func randomColor() string {
	return fmt.Sprintf("#%06x", rand.Intn(0x1000000))
}
