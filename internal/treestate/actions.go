package treestate

import (
	"database/sql"
	"encoding/json"

	"quillsync/internal/workspace/model"
)

// Action is one reducer step. Actions that name a workspace, folder or file
// that is not in the tree leave the state unchanged.
type Action interface {
	reduce(st *State)
}

// EntityPatch holds optional field updates. A nil field is left as is; a
// non-nil NullString with Valid false clears the field.
type EntityPatch struct {
	Title     *string
	IconID    *string
	Data      json.RawMessage
	InTrash   *sql.NullString
	BannerURL *sql.NullString
	// Logo applies to workspaces only.
	Logo *sql.NullString
}

type UserPatch struct {
	FullName  *string
	AvatarURL *string
	Email     *string
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func (p EntityPatch) applyCommon(title, icon *string, data *json.RawMessage, trash, banner **string) {
	if p.Title != nil {
		*title = *p.Title
	}
	if p.IconID != nil {
		*icon = *p.IconID
	}
	if p.Data != nil {
		*data = append(json.RawMessage(nil), p.Data...)
	}
	if p.InTrash != nil {
		*trash = nullable(*p.InTrash)
	}
	if p.BannerURL != nil {
		*banner = nullable(*p.BannerURL)
	}
}

type SetUser struct{ User model.User }

func (a SetUser) reduce(st *State) {
	u := a.User
	st.User = &u
}

type UpdateUser struct{ Patch UserPatch }

func (a UpdateUser) reduce(st *State) {
	u := model.User{}
	if st.User != nil {
		u = *st.User
	}
	if a.Patch.FullName != nil {
		u.FullName = a.Patch.FullName
	}
	if a.Patch.AvatarURL != nil {
		u.AvatarURL = a.Patch.AvatarURL
	}
	if a.Patch.Email != nil {
		u.Email = a.Patch.Email
	}
	st.User = &u
}

type AddWorkspace struct{ Workspace WorkspaceNode }

func (a AddWorkspace) reduce(st *State) {
	ws := a.Workspace.clone()
	sortFolders(ws.Folders)
	st.Workspaces = append(st.Workspaces, ws)
}

type DeleteWorkspace struct{ WorkspaceID string }

func (a DeleteWorkspace) reduce(st *State) {
	kept := st.Workspaces[:0]
	for _, ws := range st.Workspaces {
		if ws.ID != a.WorkspaceID {
			kept = append(kept, ws)
		}
	}
	st.Workspaces = kept
}

type UpdateWorkspace struct {
	WorkspaceID string
	Patch       EntityPatch
}

func (a UpdateWorkspace) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	a.Patch.applyCommon(&ws.Title, &ws.IconID, &ws.Data, &ws.InTrash, &ws.BannerURL)
	if a.Patch.Logo != nil {
		ws.Logo = nullable(*a.Patch.Logo)
	}
}

type SetWorkspaces struct{ Workspaces []WorkspaceNode }

func (a SetWorkspaces) reduce(st *State) {
	st.Workspaces = make([]WorkspaceNode, len(a.Workspaces))
	for i, ws := range a.Workspaces {
		st.Workspaces[i] = ws.clone()
	}
}

type SetFolders struct {
	WorkspaceID string
	Folders     []FolderNode
}

func (a SetFolders) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	folders := make([]FolderNode, len(a.Folders))
	for i, f := range a.Folders {
		folders[i] = f.clone()
	}
	sortFolders(folders)
	ws.Folders = folders
}

type SetFiles struct {
	WorkspaceID string
	FolderID    string
	Files       []model.File
}

func (a SetFiles) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	f := ws.folder(a.FolderID)
	if f == nil {
		return
	}
	files := append([]model.File(nil), a.Files...)
	sortFiles(files)
	f.Files = files
}

type AddFolder struct {
	WorkspaceID string
	Folder      FolderNode
}

func (a AddFolder) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	ws.Folders = append(ws.Folders, a.Folder.clone())
	sortFolders(ws.Folders)
}

type AddFile struct {
	WorkspaceID string
	FolderID    string
	File        model.File
}

func (a AddFile) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	f := ws.folder(a.FolderID)
	if f == nil {
		return
	}
	f.Files = append(f.Files, a.File)
	sortFiles(f.Files)
}

type UpdateFolder struct {
	WorkspaceID string
	FolderID    string
	Patch       EntityPatch
}

func (a UpdateFolder) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	f := ws.folder(a.FolderID)
	if f == nil {
		return
	}
	a.Patch.applyCommon(&f.Title, &f.IconID, &f.Data, &f.InTrash, &f.BannerURL)
}

type UpdateFile struct {
	WorkspaceID string
	FolderID    string
	FileID      string
	Patch       EntityPatch
}

func (a UpdateFile) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	f := ws.folder(a.FolderID)
	if f == nil {
		return
	}
	file := f.file(a.FileID)
	if file == nil {
		return
	}
	a.Patch.applyCommon(&file.Title, &file.IconID, &file.Data, &file.InTrash, &file.BannerURL)
}

type DeleteFolder struct {
	WorkspaceID string
	FolderID    string
}

func (a DeleteFolder) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	kept := make([]FolderNode, 0, len(ws.Folders))
	for _, f := range ws.Folders {
		if f.ID != a.FolderID {
			kept = append(kept, f)
		}
	}
	ws.Folders = kept
}

type DeleteFile struct {
	WorkspaceID string
	FolderID    string
	FileID      string
}

func (a DeleteFile) reduce(st *State) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	f := ws.folder(a.FolderID)
	if f == nil {
		return
	}
	kept := make([]model.File, 0, len(f.Files))
	for _, file := range f.Files {
		if file.ID != a.FileID {
			kept = append(kept, file)
		}
	}
	f.Files = kept
}

// MoveToTrash marks a folder and every file in it with the trash message.
type MoveToTrash struct {
	WorkspaceID string
	FolderID    string
	Message     string
}

func (a MoveToTrash) reduce(st *State) {
	a.mark(st, &a.Message)
}

func (a MoveToTrash) mark(st *State, msg *string) {
	ws := st.workspace(a.WorkspaceID)
	if ws == nil {
		return
	}
	f := ws.folder(a.FolderID)
	if f == nil {
		return
	}
	f.InTrash = msg
	for i := range f.Files {
		f.Files[i].InTrash = msg
	}
}

// RestoreFolder clears the trash marker on a folder and its files.
type RestoreFolder struct {
	WorkspaceID string
	FolderID    string
}

func (a RestoreFolder) reduce(st *State) {
	MoveToTrash{WorkspaceID: a.WorkspaceID, FolderID: a.FolderID}.mark(st, nil)
}
