package treestate

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quillsync/internal/workspace/model"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func seeded() *Store {
	s := New()
	s.Dispatch(SetWorkspaces{Workspaces: []WorkspaceNode{{
		Workspace: model.Workspace{ID: "w1", Title: "Team", CreatedAt: base},
		Folders: []FolderNode{{
			Folder: model.Folder{ID: "f1", WorkspaceID: "w1", Title: "Notes", CreatedAt: base},
			Files: []model.File{
				{ID: "a", FolderID: "f1", WorkspaceID: "w1", Title: "A", CreatedAt: base.Add(time.Minute)},
			},
		}},
	}}})
	return s
}

func TestFoldersAndFilesStaySortedByCreation(t *testing.T) {
	s := seeded()

	s.Dispatch(
		AddFile{WorkspaceID: "w1", FolderID: "f1", File: model.File{ID: "early", CreatedAt: base}},
		AddFile{WorkspaceID: "w1", FolderID: "f1", File: model.File{ID: "late", CreatedAt: base.Add(time.Hour)}},
		AddFolder{WorkspaceID: "w1", Folder: FolderNode{Folder: model.Folder{ID: "f0", CreatedAt: base.Add(-time.Hour)}}},
	)

	ws, ok := s.Workspace("w1")
	require.True(t, ok)
	require.Len(t, ws.Folders, 2)
	assert.Equal(t, "f0", ws.Folders[0].ID)
	var ids []string
	for _, f := range ws.Folders[1].Files {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"early", "a", "late"}, ids)
}

func TestSetFilesSortsAndReplaces(t *testing.T) {
	s := seeded()
	s.Dispatch(SetFiles{WorkspaceID: "w1", FolderID: "f1", Files: []model.File{
		{ID: "z", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "y", CreatedAt: base.Add(time.Minute)},
	}})

	ws, _ := s.Workspace("w1")
	require.Len(t, ws.Folders[0].Files, 2)
	assert.Equal(t, "y", ws.Folders[0].Files[0].ID)
}

func TestPatchesOnlyTouchGivenFields(t *testing.T) {
	s := seeded()

	s.Dispatch(UpdateFile{WorkspaceID: "w1", FolderID: "f1", FileID: "a", Patch: EntityPatch{
		IconID: strPtr("📄"),
		Data:   json.RawMessage(`{"ops":[{"insert":"x\n"}]}`),
	}})
	s.Dispatch(UpdateWorkspace{WorkspaceID: "w1", Patch: EntityPatch{
		Title: strPtr("Renamed"),
		Logo:  &sql.NullString{String: "logo.png", Valid: true},
	}})

	ws, _ := s.Workspace("w1")
	file := ws.Folders[0].Files[0]
	assert.Equal(t, "A", file.Title)
	assert.Equal(t, "📄", file.IconID)
	assert.JSONEq(t, `{"ops":[{"insert":"x\n"}]}`, string(file.Data))
	assert.Equal(t, "Renamed", ws.Title)
	require.NotNil(t, ws.Logo)
	assert.Equal(t, "logo.png", *ws.Logo)

	s.Dispatch(UpdateFolder{WorkspaceID: "w1", FolderID: "f1", Patch: EntityPatch{
		BannerURL: &sql.NullString{String: "b.png", Valid: true},
	}})
	s.Dispatch(UpdateFolder{WorkspaceID: "w1", FolderID: "f1", Patch: EntityPatch{
		BannerURL: &sql.NullString{},
	}})
	ws, _ = s.Workspace("w1")
	assert.Nil(t, ws.Folders[0].BannerURL)
}

func TestTrashAndRestoreCascadeToFiles(t *testing.T) {
	s := seeded()
	s.Dispatch(AddFile{WorkspaceID: "w1", FolderID: "f1", File: model.File{ID: "b", CreatedAt: base.Add(time.Hour)}})

	s.Dispatch(MoveToTrash{WorkspaceID: "w1", FolderID: "f1", Message: "Deleted by a@x.com"})
	ws, _ := s.Workspace("w1")
	require.NotNil(t, ws.Folders[0].InTrash)
	assert.Equal(t, "Deleted by a@x.com", *ws.Folders[0].InTrash)
	for _, f := range ws.Folders[0].Files {
		require.NotNil(t, f.InTrash)
		assert.Equal(t, "Deleted by a@x.com", *f.InTrash)
	}

	s.Dispatch(RestoreFolder{WorkspaceID: "w1", FolderID: "f1"})
	ws, _ = s.Workspace("w1")
	assert.Nil(t, ws.Folders[0].InTrash)
	for _, f := range ws.Folders[0].Files {
		assert.Nil(t, f.InTrash)
	}
}

func TestDeletes(t *testing.T) {
	s := seeded()

	s.Dispatch(DeleteFile{WorkspaceID: "w1", FolderID: "f1", FileID: "a"})
	assert.False(t, s.HasFile("w1", "f1", "a"))
	assert.True(t, s.HasFolder("w1", "f1"))

	s.Dispatch(DeleteFolder{WorkspaceID: "w1", FolderID: "f1"})
	assert.False(t, s.HasFolder("w1", "f1"))

	s.Dispatch(DeleteWorkspace{WorkspaceID: "w1"})
	_, ok := s.Workspace("w1")
	assert.False(t, ok)
}

func TestUnknownTargetsAreNoops(t *testing.T) {
	s := seeded()
	before := s.Snapshot()

	s.Dispatch(
		AddFile{WorkspaceID: "w1", FolderID: "missing", File: model.File{ID: "x"}},
		UpdateFolder{WorkspaceID: "nope", FolderID: "f1", Patch: EntityPatch{Title: strPtr("x")}},
		DeleteFile{WorkspaceID: "w1", FolderID: "f1", FileID: "missing"},
	)

	assert.Equal(t, before, s.Snapshot())
}

func TestSnapshotIsIsolated(t *testing.T) {
	s := seeded()
	snap := s.Snapshot()
	snap.Workspaces[0].Folders[0].Files[0].Title = "mutated"
	snap.Workspaces[0].Folders = nil

	ws, _ := s.Workspace("w1")
	require.Len(t, ws.Folders, 1)
	assert.Equal(t, "A", ws.Folders[0].Files[0].Title)
}

func TestLocate(t *testing.T) {
	s := seeded()

	ws, ok := s.LocateFolder("f1")
	assert.True(t, ok)
	assert.Equal(t, "w1", ws)

	ws, folder, ok := s.LocateFile("a")
	assert.True(t, ok)
	assert.Equal(t, "w1", ws)
	assert.Equal(t, "f1", folder)

	_, _, ok = s.LocateFile("missing")
	assert.False(t, ok)
}

func TestUserActions(t *testing.T) {
	s := New()
	s.Dispatch(SetUser{User: model.User{ID: "u1", Email: strPtr("a@x.com")}})
	s.Dispatch(UpdateUser{Patch: UserPatch{FullName: strPtr("Ann")}})

	snap := s.Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, "u1", snap.User.ID)
	assert.Equal(t, "a@x.com", *snap.User.Email)
	assert.Equal(t, "Ann", *snap.User.FullName)
}

func TestSubscribeReceivesEveryDispatch(t *testing.T) {
	s := New()
	var seen []int
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, len(st.Workspaces)) })

	s.Dispatch(AddWorkspace{Workspace: WorkspaceNode{Workspace: model.Workspace{ID: "w1"}}})
	s.Dispatch(AddWorkspace{Workspace: WorkspaceNode{Workspace: model.Workspace{ID: "w2"}}})
	unsubscribe()
	s.Dispatch(DeleteWorkspace{WorkspaceID: "w1"})

	assert.Equal(t, []int{1, 2}, seen)
}
