package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"quillsync/internal/changefeed"
	"quillsync/internal/delta"
	"quillsync/internal/treestate"
	"quillsync/internal/workspace/model"
	"quillsync/internal/workspace/repository"
	"quillsync/pkg/logger"
)

// RoomRemover disconnects everyone editing a deleted entity.
type RoomRemover interface {
	RemoveRoom(roomID string)
}

type BannerStore interface {
	UploadBanner(ctx context.Context, entityID string, r io.Reader, size int64, contentType string) (string, error)
	RemoveBanner(ctx context.Context, entityID string) error
	BannerURL(key string) string
}

type WorkspaceService struct {
	Repo *repository.WorkspaceRepository
	Hub  RoomRemover
	// TreeCache holds workspace trees for the tree endpoint. Local changes are
	// folded in through Applier; other servers' changes arrive via the
	// change feed worker.
	TreeCache *treestate.Store
	Applier   *changefeed.Applier
	Publisher changefeed.Publisher
	Banners   BannerStore
}

func NewWorkspaceService(repo *repository.WorkspaceRepository, hub RoomRemover, tree *treestate.Store, publisher changefeed.Publisher, banners BannerStore) *WorkspaceService {
	s := &WorkspaceService{Repo: repo, Hub: hub, TreeCache: tree, Publisher: publisher, Banners: banners}
	if tree != nil {
		s.Applier = changefeed.NewApplier(tree, nil)
	}
	return s
}

type WorkspaceLists struct {
	Private       []model.Workspace `json:"private"`
	Shared        []model.Workspace `json:"shared"`
	Collaborating []model.Workspace `json:"collaborating"`
}

// emit folds ev into the local tree and publishes it to the other servers.
// Publishing is best effort: the write already happened.
func (s *WorkspaceService) emit(ctx context.Context, ev changefeed.Event) {
	if s.Applier != nil {
		if err := s.Applier.Apply(ev); err != nil {
			logger.Sugar.Warnf("Failed to apply %s %s locally: %v", ev.Table, ev.Type, err)
		}
	}
	if s.Publisher == nil {
		return
	}
	if err := s.Publisher.Publish(ctx, ev); err != nil {
		logger.Sugar.Errorf("Failed to publish %s %s: %v", ev.Table, ev.Type, err)
	}
}

// authorize checks that userID can reach the entity and returns its
// workspace id.
func (s *WorkspaceService) authorize(ctx context.Context, userID string, kind model.Kind, id string) (string, error) {
	if err := model.ValidateID(id); err != nil {
		return "", err
	}
	workspaceID, err := s.Repo.WorkspaceOf(ctx, kind, id)
	if err != nil {
		return "", err
	}
	ok, err := s.Repo.CheckAccess(ctx, workspaceID, userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", model.ErrForbidden
	}
	return workspaceID, nil
}

func (s *WorkspaceService) requireOwner(ctx context.Context, userID, workspaceID string) (model.Workspace, error) {
	if err := model.ValidateID(workspaceID); err != nil {
		return model.Workspace{}, err
	}
	ws, err := s.Repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return model.Workspace{}, err
	}
	if ws.WorkspaceOwner != userID {
		return model.Workspace{}, model.ErrForbidden
	}
	return ws, nil
}

// CanJoin gates room joins on the socket: any entity id the user can reach
// is a joinable document.
func (s *WorkspaceService) CanJoin(ctx context.Context, userID, roomID string) (bool, error) {
	if err := model.ValidateID(roomID); err != nil {
		return false, nil
	}
	_, workspaceID, err := s.Repo.Locate(ctx, roomID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Repo.CheckAccess(ctx, workspaceID, userID)
}

// --- Workspaces ---

func (s *WorkspaceService) CreateWorkspace(ctx context.Context, userID string, req model.CreateWorkspaceRequest) (model.Workspace, error) {
	if req.Title == "" {
		req.Title = "Untitled Workspace"
	}
	if req.IconID == "" {
		req.IconID = "💼"
	}
	ws := model.Workspace{
		ID:             model.NewID(),
		CreatedAt:      time.Now().UTC(),
		WorkspaceOwner: userID,
		Title:          req.Title,
		IconID:         req.IconID,
		Logo:           req.Logo,
	}
	if err := s.Repo.CreateWorkspace(ctx, ws); err != nil {
		return model.Workspace{}, err
	}
	s.emit(ctx, changefeed.Inserted(changefeed.TableWorkspaces, changefeed.WorkspaceRow(ws)))
	return ws, nil
}

func (s *WorkspaceService) ListWorkspaces(ctx context.Context, userID string) (WorkspaceLists, error) {
	var lists WorkspaceLists
	var err error
	if lists.Private, err = s.Repo.PrivateWorkspaces(ctx, userID); err != nil {
		return WorkspaceLists{}, err
	}
	if lists.Shared, err = s.Repo.SharedWorkspaces(ctx, userID); err != nil {
		return WorkspaceLists{}, err
	}
	if lists.Collaborating, err = s.Repo.CollaboratingWorkspaces(ctx, userID); err != nil {
		return WorkspaceLists{}, err
	}
	return lists, nil
}

// Details returns the entity as stored. The result is a model.Workspace,
// model.Folder or model.File depending on kind.
func (s *WorkspaceService) Details(ctx context.Context, userID string, kind model.Kind, id string) (any, error) {
	if _, err := s.authorize(ctx, userID, kind, id); err != nil {
		return nil, err
	}
	return s.get(ctx, kind, id)
}

func (s *WorkspaceService) get(ctx context.Context, kind model.Kind, id string) (any, error) {
	switch kind {
	case model.KindWorkspace:
		return s.Repo.GetWorkspace(ctx, id)
	case model.KindFolder:
		return s.Repo.GetFolder(ctx, id)
	case model.KindFile:
		return s.Repo.GetFile(ctx, id)
	}
	return nil, model.ErrInvalidKind
}

// emitUpdated re-reads the entity and publishes its full row.
func (s *WorkspaceService) emitUpdated(ctx context.Context, kind model.Kind, id string) {
	entity, err := s.get(ctx, kind, id)
	if err != nil {
		logger.Sugar.Warnf("Failed to reload %s %s for change feed: %v", kind, id, err)
		return
	}
	switch e := entity.(type) {
	case model.Workspace:
		s.emit(ctx, changefeed.Updated(changefeed.TableWorkspaces, changefeed.WorkspaceRow(e)))
	case model.Folder:
		s.emit(ctx, changefeed.Updated(changefeed.TableFolders, changefeed.FolderRow(e)))
	case model.File:
		s.emit(ctx, changefeed.Updated(changefeed.TableFiles, changefeed.FileRow(e)))
	}
}

func (s *WorkspaceService) UpdateMetadata(ctx context.Context, userID string, kind model.Kind, id string, req model.UpdateRequest) error {
	if _, err := s.authorize(ctx, userID, kind, id); err != nil {
		return err
	}
	if err := s.Repo.UpdateMetadata(ctx, kind, id, req); err != nil {
		return err
	}
	s.emitUpdated(ctx, kind, id)
	return nil
}

// Delete removes the entity and closes the rooms of it and everything
// beneath it. Only the owner may delete a workspace.
func (s *WorkspaceService) Delete(ctx context.Context, userID string, kind model.Kind, id string) error {
	workspaceID, err := s.authorize(ctx, userID, kind, id)
	if err != nil {
		return err
	}

	var rooms []string
	switch kind {
	case model.KindWorkspace:
		if _, err := s.requireOwner(ctx, userID, workspaceID); err != nil {
			return err
		}
		if rooms, err = s.descendantsOfWorkspace(ctx, id); err != nil {
			return err
		}
		err = s.Repo.DeleteWorkspace(ctx, id)
	case model.KindFolder:
		if rooms, err = s.filesOf(ctx, id); err != nil {
			return err
		}
		err = s.Repo.DeleteFolder(ctx, id)
	case model.KindFile:
		err = s.Repo.DeleteFile(ctx, id)
	default:
		return model.ErrInvalidKind
	}
	if err != nil {
		return err
	}

	if s.Hub != nil {
		for _, room := range append(rooms, id) {
			s.Hub.RemoveRoom(room)
		}
	}
	s.emit(ctx, changefeed.Deleted(kind.Table(), id))
	return nil
}

func (s *WorkspaceService) filesOf(ctx context.Context, folderID string) ([]string, error) {
	files, err := s.Repo.FilesByFolder(ctx, folderID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, f.ID)
	}
	return ids, nil
}

func (s *WorkspaceService) descendantsOfWorkspace(ctx context.Context, workspaceID string) ([]string, error) {
	folders, err := s.Repo.FoldersByWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, f := range folders {
		files, err := s.filesOf(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, f.ID)
		ids = append(ids, files...)
	}
	return ids, nil
}

// --- Folders & files ---

func (s *WorkspaceService) CreateFolder(ctx context.Context, userID string, req model.CreateFolderRequest) (model.Folder, error) {
	if _, err := s.authorize(ctx, userID, model.KindWorkspace, req.WorkspaceID); err != nil {
		return model.Folder{}, err
	}
	if req.Title == "" {
		req.Title = "Untitled"
	}
	if req.IconID == "" {
		req.IconID = "📄"
	}
	folder := model.Folder{
		ID:          model.NewID(),
		CreatedAt:   time.Now().UTC(),
		Title:       req.Title,
		IconID:      req.IconID,
		WorkspaceID: req.WorkspaceID,
	}
	if err := s.Repo.CreateFolder(ctx, folder); err != nil {
		return model.Folder{}, err
	}
	s.emit(ctx, changefeed.Inserted(changefeed.TableFolders, changefeed.FolderRow(folder)))
	return folder, nil
}

func (s *WorkspaceService) Folders(ctx context.Context, userID, workspaceID string) ([]model.Folder, error) {
	if _, err := s.authorize(ctx, userID, model.KindWorkspace, workspaceID); err != nil {
		return nil, err
	}
	return s.Repo.FoldersByWorkspace(ctx, workspaceID)
}

func (s *WorkspaceService) CreateFile(ctx context.Context, userID string, req model.CreateFileRequest) (model.File, error) {
	workspaceID, err := s.authorize(ctx, userID, model.KindFolder, req.FolderID)
	if err != nil {
		return model.File{}, err
	}
	if req.Title == "" {
		req.Title = "Untitled"
	}
	if req.IconID == "" {
		req.IconID = "📄"
	}
	file := model.File{
		ID:          model.NewID(),
		CreatedAt:   time.Now().UTC(),
		Title:       req.Title,
		IconID:      req.IconID,
		WorkspaceID: workspaceID,
		FolderID:    req.FolderID,
	}
	if err := s.Repo.CreateFile(ctx, file); err != nil {
		return model.File{}, err
	}
	s.emit(ctx, changefeed.Inserted(changefeed.TableFiles, changefeed.FileRow(file)))
	return file, nil
}

func (s *WorkspaceService) Files(ctx context.Context, userID, folderID string) ([]model.File, error) {
	if _, err := s.authorize(ctx, userID, model.KindFolder, folderID); err != nil {
		return nil, err
	}
	return s.Repo.FilesByFolder(ctx, folderID)
}

func (s *WorkspaceService) MoveFolderToTrash(ctx context.Context, userID string, req model.TrashRequest) error {
	if _, err := s.authorize(ctx, userID, model.KindFolder, req.FolderID); err != nil {
		return err
	}
	if err := s.Repo.MoveFolderToTrash(ctx, req.FolderID, req.Message); err != nil {
		return err
	}
	s.emitFolderCascade(ctx, req.FolderID)
	return nil
}

func (s *WorkspaceService) RestoreFolder(ctx context.Context, userID, folderID string) error {
	if _, err := s.authorize(ctx, userID, model.KindFolder, folderID); err != nil {
		return err
	}
	if err := s.Repo.RestoreFolder(ctx, folderID); err != nil {
		return err
	}
	s.emitFolderCascade(ctx, folderID)
	return nil
}

func (s *WorkspaceService) emitFolderCascade(ctx context.Context, folderID string) {
	s.emitUpdated(ctx, model.KindFolder, folderID)
	files, err := s.Repo.FilesByFolder(ctx, folderID)
	if err != nil {
		logger.Sugar.Warnf("Failed to list files of folder %s for change feed: %v", folderID, err)
		return
	}
	for _, f := range files {
		s.emit(ctx, changefeed.Updated(changefeed.TableFiles, changefeed.FileRow(f)))
	}
}

// --- Content ---

// LoadContent resolves the entity kind when it is not given, so peers can
// load a document by id alone.
func (s *WorkspaceService) LoadContent(ctx context.Context, userID string, kind model.Kind, id string) (model.ContentResponse, error) {
	kind, err := s.resolveKind(ctx, kind, id)
	if err != nil {
		return model.ContentResponse{}, err
	}
	if _, err := s.authorize(ctx, userID, kind, id); err != nil {
		return model.ContentResponse{}, err
	}
	content, err := s.Repo.LoadContent(ctx, kind, id)
	if err != nil {
		return model.ContentResponse{}, err
	}
	return model.ContentResponse{Kind: kind, ID: id, Content: content}, nil
}

// SaveContent persists a full document snapshot as sent. A document holding
// nothing but its trailing newline is refused so it can never replace real
// content.
func (s *WorkspaceService) SaveContent(ctx context.Context, userID string, req model.SaveContentRequest) error {
	kind, err := s.resolveKind(ctx, req.Kind, req.ID)
	if err != nil {
		return err
	}
	doc, err := delta.Parse(req.Content)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedContent, err)
	}
	if doc.Blank() {
		return model.ErrEmptyContent
	}
	if _, err := s.authorize(ctx, userID, kind, req.ID); err != nil {
		return err
	}
	return s.Repo.SaveContent(ctx, kind, req.ID, req.Content)
}

func (s *WorkspaceService) resolveKind(ctx context.Context, kind model.Kind, id string) (model.Kind, error) {
	if kind != "" {
		return model.ParseKind(string(kind))
	}
	if err := model.ValidateID(id); err != nil {
		return "", err
	}
	kind, _, err := s.Repo.Locate(ctx, id)
	return kind, err
}

// --- Banners ---

func (s *WorkspaceService) UploadBanner(ctx context.Context, userID string, kind model.Kind, id string, r io.Reader, size int64, contentType string) (string, error) {
	if s.Banners == nil {
		return "", errors.New("banner storage is not configured")
	}
	if _, err := s.authorize(ctx, userID, kind, id); err != nil {
		return "", err
	}
	key, err := s.Banners.UploadBanner(ctx, id, r, size, contentType)
	if err != nil {
		return "", err
	}
	if err := s.Repo.SetBanner(ctx, kind, id, &key); err != nil {
		return "", err
	}
	s.emitUpdated(ctx, kind, id)
	return s.Banners.BannerURL(key), nil
}

func (s *WorkspaceService) RemoveBanner(ctx context.Context, userID string, kind model.Kind, id string) error {
	if s.Banners == nil {
		return errors.New("banner storage is not configured")
	}
	if _, err := s.authorize(ctx, userID, kind, id); err != nil {
		return err
	}
	if err := s.Repo.SetBanner(ctx, kind, id, nil); err != nil {
		return err
	}
	if err := s.Banners.RemoveBanner(ctx, id); err != nil {
		return err
	}
	s.emitUpdated(ctx, kind, id)
	return nil
}

// --- Collaborators ---

func (s *WorkspaceService) AddCollaborators(ctx context.Context, userID string, req model.CollaboratorsRequest) error {
	if _, err := s.requireOwner(ctx, userID, req.WorkspaceID); err != nil {
		return err
	}
	for _, id := range req.UserIDs {
		if err := model.ValidateID(id); err != nil {
			return err
		}
		if err := s.Repo.AddCollaborator(ctx, req.WorkspaceID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *WorkspaceService) RemoveCollaborators(ctx context.Context, userID string, req model.CollaboratorsRequest) error {
	if _, err := s.requireOwner(ctx, userID, req.WorkspaceID); err != nil {
		return err
	}
	for _, id := range req.UserIDs {
		if err := model.ValidateID(id); err != nil {
			return err
		}
		if err := s.Repo.RemoveCollaborator(ctx, req.WorkspaceID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *WorkspaceService) Collaborators(ctx context.Context, userID, workspaceID string) ([]model.User, error) {
	if _, err := s.authorize(ctx, userID, model.KindWorkspace, workspaceID); err != nil {
		return nil, err
	}
	return s.Repo.Collaborators(ctx, workspaceID)
}

func (s *WorkspaceService) SearchUsers(ctx context.Context, emailPrefix string) ([]model.User, error) {
	if emailPrefix == "" {
		return []model.User{}, nil
	}
	return s.Repo.SearchUsers(ctx, emailPrefix)
}

// --- Tree ---

// Tree serves a workspace's folder/file tree from the cache, loading it from
// the repository on first request.
func (s *WorkspaceService) Tree(ctx context.Context, userID, workspaceID string) (treestate.WorkspaceNode, error) {
	if _, err := s.authorize(ctx, userID, model.KindWorkspace, workspaceID); err != nil {
		return treestate.WorkspaceNode{}, err
	}
	if s.TreeCache != nil {
		if node, ok := s.TreeCache.Workspace(workspaceID); ok {
			return node, nil
		}
	}

	ws, err := s.Repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return treestate.WorkspaceNode{}, err
	}
	folders, err := s.Repo.FoldersByWorkspace(ctx, workspaceID)
	if err != nil {
		return treestate.WorkspaceNode{}, err
	}
	node := treestate.WorkspaceNode{Workspace: ws, Folders: make([]treestate.FolderNode, 0, len(folders))}
	for _, f := range folders {
		files, err := s.Repo.FilesByFolder(ctx, f.ID)
		if err != nil {
			return treestate.WorkspaceNode{}, err
		}
		node.Folders = append(node.Folders, treestate.FolderNode{Folder: f, Files: files})
	}

	if s.TreeCache != nil {
		// Another request may have filled it meanwhile.
		if _, ok := s.TreeCache.Workspace(workspaceID); !ok {
			s.TreeCache.Dispatch(treestate.AddWorkspace{Workspace: node})
		}
	}
	return node, nil
}
