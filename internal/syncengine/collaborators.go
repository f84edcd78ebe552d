package syncengine

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned by a Store when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Source tags where a surface change came from. Only LocalEdit changes are
// broadcast or persisted; RemoteApply covers inbound deltas and initial loads.
type Source int

const (
	LocalEdit Source = iota + 1
	RemoteApply
)

func (s Source) String() string {
	switch s {
	case LocalEdit:
		return "local-edit"
	case RemoteApply:
		return "remote-apply"
	default:
		return "unknown"
	}
}

// Range is a selection in document positions. A nil *Range means the peer
// has no selection (blurred editor).
type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

type ChangeEvent struct {
	Delta  json.RawMessage
	Source Source
}

type SelectionEvent struct {
	Range  *Range
	Source Source
}

// Surface is the rich-text editing surface a session drives. The surface
// must tag every event it emits with the Source that caused it; changes made
// through SetContents and UpdateContents are RemoteApply.
type Surface interface {
	SetContents(content json.RawMessage) error
	Contents() json.RawMessage
	Length() int
	UpdateContents(delta json.RawMessage) error
	OnChange(func(ChangeEvent)) (unsubscribe func())
	OnSelectionChange(func(SelectionEvent)) (unsubscribe func())
	CreateCursor(peerID, label, color string) Cursor
}

// Cursor is a remote peer's caret rendered on the local surface.
type Cursor interface {
	Move(r *Range)
}

type InboundKind int

const (
	InboundChanges InboundKind = iota + 1
	InboundCursor
)

// Inbound is an event received from the broadcast channel.
type Inbound struct {
	Kind   InboundKind
	Room   string
	UserID string
	Delta  json.RawMessage
	Range  *Range
}

// Channel is the transient broadcast transport. Join must be idempotent and
// Send calls must not deliver back to the sender.
type Channel interface {
	Join(room string) error
	Leave(room string) error
	SendChanges(room string, delta json.RawMessage) error
	SendCursor(room string, r *Range, userID string) error
	Subscribe(func(Inbound)) (unsubscribe func())
}

// PeerRecord is what a peer tracks on the presence channel.
type PeerRecord struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

// Presence joins per-document presence rooms. onSubscribed may fire again on
// reconnect; onSync receives the full roster every time it changes.
type Presence interface {
	JoinPresence(room string, onSync func([]PeerRecord), onSubscribed func()) (PresenceRoom, error)
}

type PresenceRoom interface {
	Track(self PeerRecord) error
	Close() error
}

// Store is the persisted document store. Load returns nil content for a
// document that exists but has never been edited.
type Store interface {
	Load(ctx context.Context, documentID string) (json.RawMessage, error)
	Save(ctx context.Context, documentID string, content json.RawMessage) error
}

type ProfileResolver interface {
	Profile(ctx context.Context, userID string) (PeerRecord, error)
}

// Hooks are the view-facing side effects of a session. Nil hooks are skipped.
type Hooks struct {
	SavingChanged func(saving bool)
	SaveFailed    func(documentID string, err error)
	LoadFailed    func(documentID string, err error)
	RosterChanged func(documentID string, roster []PeerRecord)
	ContentLoaded func(documentID string, content json.RawMessage)
	ContentSaved  func(documentID string, content json.RawMessage)
	StateChanged  func(State)
}
