package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quillsync/internal/changefeed"
	"quillsync/internal/treestate"
	"quillsync/internal/workspace/model"
	"quillsync/internal/workspace/repository"
)

const (
	wsID     = "11111111-1111-4111-8111-111111111111"
	folderID = "22222222-2222-4222-8222-222222222222"
	fileID   = "33333333-3333-4333-8333-333333333333"
	ownerID  = "44444444-4444-4444-8444-444444444444"
	userID   = "55555555-5555-4555-8555-555555555555"
)

const (
	wsExistsQ  = `SELECT EXISTS\(SELECT 1 FROM workspaces WHERE id = \$1\)`
	accessQ    = `workspace_owner = \$2 UNION`
	folderWsQ  = `SELECT workspace_id FROM folders WHERE id = \$1`
	fileWsQ    = `SELECT workspace_id FROM files WHERE id = \$1`
	workspaceQ = `SELECT .* FROM workspaces WHERE id = \$1`
	foldersQ   = `FROM folders WHERE workspace_id = \$1`
	filesQ     = `FROM files WHERE folder_id = \$1`
)

var (
	workspaceCols = []string{"id", "created_at", "workspace_owner", "title", "icon_id", "data", "in_trash", "logo", "banner_url"}
	folderCols    = []string{"id", "created_at", "title", "icon_id", "data", "in_trash", "banner_url", "workspace_id"}
	fileCols      = []string{"id", "created_at", "title", "icon_id", "data", "in_trash", "banner_url", "workspace_id", "folder_id"}
	created       = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
)

type roomRecorder struct {
	mu    sync.Mutex
	rooms []string
}

func (r *roomRecorder) RemoveRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rooms = append(r.rooms, room)
}

type publisherStub struct {
	events []changefeed.Event
}

func (p *publisherStub) Publish(_ context.Context, ev changefeed.Event) error {
	p.events = append(p.events, ev)
	return nil
}

type fixture struct {
	svc   *WorkspaceService
	mock  sqlmock.Sqlmock
	rooms *roomRecorder
	pub   *publisherStub
	tree  *treestate.Store
}

func setup(t *testing.T) fixture {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	f := fixture{mock: mock, rooms: &roomRecorder{}, pub: &publisherStub{}, tree: treestate.New()}
	f.svc = NewWorkspaceService(repository.NewWorkspaceRepository(db), f.rooms, f.tree, f.pub, nil)
	return f
}

func boolRow(v bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(v)
}

// expectWorkspaceAccess queues the two lookups authorize makes for a workspace.
func (f fixture) expectWorkspaceAccess(user string, allowed bool) {
	f.mock.ExpectQuery(wsExistsQ).WithArgs(wsID).WillReturnRows(boolRow(true))
	f.mock.ExpectQuery(accessQ).WithArgs(wsID, user).WillReturnRows(boolRow(allowed))
}

func (f fixture) expectWorkspaceRow(owner string) {
	f.mock.ExpectQuery(workspaceQ).WithArgs(wsID).
		WillReturnRows(sqlmock.NewRows(workspaceCols).AddRow(wsID, created, owner, "Team", "💼", nil, nil, nil, nil))
}

func TestAuthorizeRejectsOutsiders(t *testing.T) {
	f := setup(t)
	f.expectWorkspaceAccess(userID, false)

	_, err := f.svc.Folders(context.Background(), userID, wsID)
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestAuthorizeRejectsMalformedID(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Details(context.Background(), userID, model.KindFile, "not-a-uuid")
	assert.ErrorIs(t, err, model.ErrInvalidID)
}

func TestCanJoin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ok, err := f.svc.CanJoin(ctx, userID, "lobby")
	require.NoError(t, err)
	assert.False(t, ok)

	f.mock.ExpectQuery(`UNION ALL`).WithArgs(fileID).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "workspace_id"}))
	ok, err = f.svc.CanJoin(ctx, userID, fileID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.mock.ExpectQuery(`UNION ALL`).WithArgs(fileID).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "workspace_id"}).AddRow("file", wsID))
	f.mock.ExpectQuery(accessQ).WithArgs(wsID, userID).WillReturnRows(boolRow(true))
	ok, err = f.svc.CanJoin(ctx, userID, fileID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaveContentRefusesEmptyDocument(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, content := range []string{`{"ops":[{"insert":"\n"}]}`, `{"ops":[]}`} {
		err := f.svc.SaveContent(ctx, userID, model.SaveContentRequest{
			Kind: model.KindFile, ID: fileID, Content: json.RawMessage(content),
		})
		assert.ErrorIs(t, err, model.ErrEmptyContent, content)
	}
}

func TestSaveContentRejectsMalformedDocument(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, content := range []string{`not json`, `{"ops":[{"retain":{"image":"a.png"}}]}`, `{"ops":[{"insert":""}]}`} {
		err := f.svc.SaveContent(ctx, userID, model.SaveContentRequest{
			Kind: model.KindFile, ID: fileID, Content: json.RawMessage(content),
		})
		assert.ErrorIs(t, err, model.ErrMalformedContent, content)
		assert.NotErrorIs(t, err, model.ErrEmptyContent, content)
	}
}

func TestSaveContentStoresDocumentAsSent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Unknown keys survive and a single character without a trailing
	// newline is real content.
	for _, content := range []string{
		`{"ops":[{"insert":"hi\n","attributes":{"bold":true}}],"version":2}`,
		`{"ops":[{"insert":"h"}]}`,
	} {
		f.mock.ExpectQuery(fileWsQ).WithArgs(fileID).WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(wsID))
		f.mock.ExpectQuery(accessQ).WithArgs(wsID, userID).WillReturnRows(boolRow(true))
		f.mock.ExpectExec(`UPDATE files SET data = \$1 WHERE id = \$2`).
			WithArgs(content, fileID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := f.svc.SaveContent(ctx, userID, model.SaveContentRequest{
			Kind: model.KindFile, ID: fileID, Content: json.RawMessage(content),
		})
		require.NoError(t, err, content)
	}
	assert.Empty(t, f.pub.events, "content saves stay off the change feed")
}

func TestLoadContentResolvesKind(t *testing.T) {
	f := setup(t)
	f.mock.ExpectQuery(`UNION ALL`).WithArgs(folderID).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "workspace_id"}).AddRow("folder", wsID))
	f.mock.ExpectQuery(folderWsQ).WithArgs(folderID).WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(wsID))
	f.mock.ExpectQuery(accessQ).WithArgs(wsID, userID).WillReturnRows(boolRow(true))
	f.mock.ExpectQuery(`SELECT data FROM folders WHERE id = \$1`).WithArgs(folderID).
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(nil))

	resp, err := f.svc.LoadContent(context.Background(), userID, "", folderID)
	require.NoError(t, err)
	assert.Equal(t, model.KindFolder, resp.Kind)
	assert.Nil(t, resp.Content)
}

func TestDeleteFolderClosesRooms(t *testing.T) {
	f := setup(t)
	f.mock.ExpectQuery(folderWsQ).WithArgs(folderID).WillReturnRows(sqlmock.NewRows([]string{"workspace_id"}).AddRow(wsID))
	f.mock.ExpectQuery(accessQ).WithArgs(wsID, userID).WillReturnRows(boolRow(true))
	f.mock.ExpectQuery(filesQ).WithArgs(folderID).
		WillReturnRows(sqlmock.NewRows(fileCols).AddRow(fileID, created, "Draft", "📄", nil, nil, nil, wsID, folderID))
	f.mock.ExpectExec(`DELETE FROM folders WHERE id = \$1`).WithArgs(folderID).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, f.svc.Delete(context.Background(), userID, model.KindFolder, folderID))
	assert.Equal(t, []string{fileID, folderID}, f.rooms.rooms)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, changefeed.Delete, f.pub.events[0].Type)
	assert.Equal(t, changefeed.TableFolders, f.pub.events[0].Table)
}

func TestDeleteWorkspaceIsOwnerOnly(t *testing.T) {
	f := setup(t)
	f.expectWorkspaceAccess(userID, true)
	f.expectWorkspaceRow(ownerID)

	err := f.svc.Delete(context.Background(), userID, model.KindWorkspace, wsID)
	assert.ErrorIs(t, err, model.ErrForbidden)
	assert.Empty(t, f.rooms.rooms)
	assert.Empty(t, f.pub.events)
}

func TestAddCollaboratorsRequiresOwner(t *testing.T) {
	f := setup(t)
	f.expectWorkspaceRow(ownerID)
	err := f.svc.AddCollaborators(context.Background(), userID, model.CollaboratorsRequest{WorkspaceID: wsID, UserIDs: []string{userID}})
	assert.ErrorIs(t, err, model.ErrForbidden)
}

func TestTreeIsCachedAndFollowsLocalChanges(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.expectWorkspaceAccess(ownerID, true)
	f.expectWorkspaceRow(ownerID)
	f.mock.ExpectQuery(foldersQ).WithArgs(wsID).WillReturnRows(sqlmock.NewRows(folderCols))

	node, err := f.svc.Tree(ctx, ownerID, wsID)
	require.NoError(t, err)
	assert.Equal(t, "Team", node.Title)
	assert.Empty(t, node.Folders)
	_, cached := f.svc.TreeCache.Workspace(wsID)
	assert.True(t, cached)

	f.expectWorkspaceAccess(ownerID, true)
	f.mock.ExpectExec(`INSERT INTO folders`).WillReturnResult(sqlmock.NewResult(0, 1))
	folder, err := f.svc.CreateFolder(ctx, ownerID, model.CreateFolderRequest{WorkspaceID: wsID})
	require.NoError(t, err)
	assert.Equal(t, "Untitled", folder.Title)
	require.Len(t, f.pub.events, 1)
	assert.Equal(t, changefeed.Insert, f.pub.events[0].Type)

	// Served from the cache: only the access check hits the database.
	f.expectWorkspaceAccess(ownerID, true)
	node, err = f.svc.Tree(ctx, ownerID, wsID)
	require.NoError(t, err)
	require.Len(t, node.Folders, 1)
	assert.Equal(t, folder.ID, node.Folders[0].ID)
}

func TestSearchUsersEmptyPrefix(t *testing.T) {
	f := setup(t)
	users, err := f.svc.SearchUsers(context.Background(), "")
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)
}
