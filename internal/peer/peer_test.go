package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quillsync/internal/delta"
	"quillsync/internal/surface"
	"quillsync/internal/syncengine"
	"quillsync/internal/workspace/model"
	"quillsync/socket"
)

type memStore struct {
	mu   sync.Mutex
	docs map[string]json.RawMessage
}

func (m *memStore) Load(_ context.Context, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, syncengine.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) Save(_ context.Context, id string, content json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = content
	return nil
}

func (m *memStore) text(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := delta.Parse(m.docs[id])
	if err != nil {
		return ""
	}
	return d.Text()
}

type profileMap map[string]syncengine.PeerRecord

func (p profileMap) Profile(_ context.Context, userID string) (syncengine.PeerRecord, error) {
	if rec, ok := p[userID]; ok {
		return rec, nil
	}
	return syncengine.PeerRecord{}, syncengine.ErrNotFound
}

// startHub serves the hub with the token taken as the user id.
func startHub(t *testing.T) (*socket.Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := socket.NewHub(nil)
	go hub.Run(ctx)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r, r.URL.Query().Get("token"))
	}))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func dial(t *testing.T, url, userID string) *Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, url, userID)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestTwoPeersEditThroughHub(t *testing.T) {
	hub, url := startHub(t)
	store := &memStore{docs: map[string]json.RawMessage{"doc-1": json.RawMessage(`{"ops":[{"insert":"Hello\n"}]}`)}}
	profiles := profileMap{
		"u1": {ID: "u1", Email: "ann@x.com"},
		"u2": {ID: "u2", Email: "bob@x.com"},
	}

	newPeer := func(userID string) (*syncengine.Session, *surface.Memory) {
		conn := dial(t, url, userID)
		s := syncengine.New(syncengine.Config{
			UserID:    userID,
			Channel:   conn,
			Presence:  conn,
			Store:     store,
			Profiles:  profiles,
			SaveDelay: 50 * time.Millisecond,
		})
		t.Cleanup(s.Close)
		surf := surface.NewMemory()
		s.Bind(surf, "doc-1")
		return s, surf
	}
	a, surfA := newPeer("u1")
	b, surfB := newPeer("u2")

	for _, s := range []*syncengine.Session{a, b} {
		s := s
		require.Eventually(t, func() bool { return s.State() == syncengine.Ready }, 2*time.Second, 10*time.Millisecond)
	}
	require.Eventually(t, func() bool {
		m, p := hub.Stats("doc-1")
		return m == 2 && p == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hello\n", surfB.Text())

	require.NoError(t, surfA.Insert(5, " world"))
	require.Eventually(t, func() bool { return surfB.Text() == "Hello world\n" }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hello world\n", surfA.Text())

	require.Eventually(t, func() bool { return store.text("doc-1") == "Hello world\n" }, 2*time.Second, 10*time.Millisecond)

	// Each side draws the other's cursor once both have tracked.
	require.Eventually(t, func() bool {
		_, ok := surfB.Cursor("u1")
		return ok && len(b.Roster()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	cursor, _ := surfB.Cursor("u1")
	assert.Equal(t, "ann", cursor.Label)
	assert.Equal(t, []string{"u1"}, b.CursorPeers())

	surfA.Select(&syncengine.Range{Index: 3, Length: 2})
	require.Eventually(t, func() bool {
		r := cursor.Range()
		return r != nil && *r == syncengine.Range{Index: 3, Length: 2}
	}, 2*time.Second, 10*time.Millisecond)

	// Leaving drops the peer from the other side's roster.
	a.Unbind()
	require.Eventually(t, func() bool { return len(b.CursorPeers()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoomRemovedCallback(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url, "u1")
	removed := make(chan string, 1)
	conn.OnRoomRemoved(func(room string) { removed <- room })

	require.NoError(t, conn.Join("doc-9"))
	require.Eventually(t, func() bool {
		m, _ := hub.Stats("doc-9")
		return m == 1
	}, time.Second, 10*time.Millisecond)

	hub.RemoveRoom("doc-9")
	select {
	case room := <-removed:
		assert.Equal(t, "doc-9", room)
	case <-time.After(time.Second):
		t.Fatal("room-removed was not delivered")
	}
}

func TestRESTStore(t *testing.T) {
	var saved model.SaveContentRequest
	mux := http.NewServeMux()
	mux.HandleFunc("/api/content", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("id") {
		case "doc-1":
			json.NewEncoder(w).Encode(model.ContentResponse{Kind: model.KindFile, ID: "doc-1", Content: json.RawMessage(`{"ops":[{"insert":"hi\n"}]}`)})
		case "fresh":
			w.Write([]byte(`{"kind":"file","id":"fresh","content":null}`))
		default:
			http.Error(w, "Not found", http.StatusNotFound)
		}
	})
	mux.HandleFunc("/api/content/save", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
		w.Write([]byte("Document saved successfully"))
	})
	mux.HandleFunc("/api/users/profile", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userId") != "u1" {
			http.Error(w, "User not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(model.Profile{ID: "u1", Email: "ann@x.com", AvatarURL: "https://cdn/a.png"})
	})
	mux.HandleFunc("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	store := NewRESTStore(server.URL+"/", "tok")
	ctx := context.Background()

	doc, err := store.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ops":[{"insert":"hi\n"}]}`, string(doc))

	doc, err = store.Load(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, syncengine.IsEmptyContent(doc))

	_, err = store.Load(ctx, "gone")
	assert.ErrorIs(t, err, syncengine.ErrNotFound)

	require.NoError(t, store.Save(ctx, "doc-1", json.RawMessage(`{"ops":[{"insert":"yo\n"}]}`)))
	assert.Equal(t, "doc-1", saved.ID)
	assert.JSONEq(t, `{"ops":[{"insert":"yo\n"}]}`, string(saved.Content))

	p, err := store.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, syncengine.PeerRecord{ID: "u1", Email: "ann@x.com", AvatarURL: "https://cdn/a.png"}, p)
	_, err = store.Profile(ctx, "u2")
	assert.ErrorIs(t, err, syncengine.ErrNotFound)

	err = store.do(ctx, http.MethodGet, "/api/broken", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
