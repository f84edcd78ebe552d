package changefeed

import (
	"database/sql"
	"fmt"

	"quillsync/internal/treestate"
)

// Applier folds change events into a tree. Inserts are skipped when the row
// is already present and deletes when it is absent, so replays and our own
// optimistic dispatches are harmless.
type Applier struct {
	tree *treestate.Store
	// onRedirect receives the path a viewer of a deleted entity should move to.
	onRedirect func(target string)
}

func NewApplier(tree *treestate.Store, onRedirect func(target string)) *Applier {
	return &Applier{tree: tree, onRedirect: onRedirect}
}

func (a *Applier) Apply(ev Event) error {
	switch ev.Table {
	case TableFiles:
		a.applyFile(ev)
	case TableFolders:
		a.applyFolder(ev)
	case TableWorkspaces:
		a.applyWorkspace(ev)
	default:
		return fmt.Errorf("apply change event: unknown table %q", ev.Table)
	}
	return nil
}

func (a *Applier) redirect(target string) {
	if a.onRedirect != nil {
		a.onRedirect(target)
	}
}

func patchFrom(row Row) treestate.EntityPatch {
	title := row.Get("title")
	icon := row.Get("icon_id")
	trash := sql.NullString{}
	if p := row.Nullable("in_trash"); p != nil {
		trash = sql.NullString{String: *p, Valid: true}
	}
	return treestate.EntityPatch{Title: &title, IconID: &icon, InTrash: &trash}
}

func (a *Applier) applyFile(ev Event) {
	switch ev.Type {
	case Insert:
		file := ev.New.file()
		if a.tree.HasFile(file.WorkspaceID, file.FolderID, file.ID) {
			return
		}
		a.tree.Dispatch(treestate.AddFile{WorkspaceID: file.WorkspaceID, FolderID: file.FolderID, File: file})
	case Delete:
		id := ev.Old.Get("id")
		workspaceID, folderID, ok := a.tree.LocateFile(id)
		if !ok {
			return
		}
		a.redirect("/dashboard/" + workspaceID)
		a.tree.Dispatch(treestate.DeleteFile{WorkspaceID: workspaceID, FolderID: folderID, FileID: id})
	case Update:
		workspaceID, folderID, ok := a.tree.LocateFile(ev.Old.Get("id"))
		if !ok {
			return
		}
		if ws := ev.New.Get("workspace_id"); ws != "" {
			workspaceID = ws
		}
		if f := ev.New.Get("folder_id"); f != "" {
			folderID = f
		}
		a.tree.Dispatch(treestate.UpdateFile{
			WorkspaceID: workspaceID,
			FolderID:    folderID,
			FileID:      ev.New.Get("id"),
			Patch:       patchFrom(ev.New),
		})
	}
}

func (a *Applier) applyFolder(ev Event) {
	switch ev.Type {
	case Insert:
		folder := ev.New.folder()
		if a.tree.HasFolder(folder.WorkspaceID, folder.ID) {
			return
		}
		a.tree.Dispatch(treestate.AddFolder{
			WorkspaceID: folder.WorkspaceID,
			Folder:      treestate.FolderNode{Folder: folder},
		})
	case Delete:
		id := ev.Old.Get("id")
		workspaceID, ok := a.tree.LocateFolder(id)
		if !ok {
			return
		}
		a.redirect("/dashboard/" + workspaceID)
		a.tree.Dispatch(treestate.DeleteFolder{WorkspaceID: workspaceID, FolderID: id})
	case Update:
		workspaceID, ok := a.tree.LocateFolder(ev.Old.Get("id"))
		if !ok {
			return
		}
		if ws := ev.New.Get("workspace_id"); ws != "" {
			workspaceID = ws
		}
		a.tree.Dispatch(treestate.UpdateFolder{
			WorkspaceID: workspaceID,
			FolderID:    ev.New.Get("id"),
			Patch:       patchFrom(ev.New),
		})
	}
}

func (a *Applier) applyWorkspace(ev Event) {
	switch ev.Type {
	case Insert:
		ws := ev.New.workspace()
		if _, ok := a.tree.Workspace(ws.ID); ok {
			return
		}
		a.tree.Dispatch(treestate.AddWorkspace{Workspace: treestate.WorkspaceNode{Workspace: ws}})
	case Delete:
		id := ev.Old.Get("id")
		if _, ok := a.tree.Workspace(id); !ok {
			return
		}
		a.redirect("/dashboard")
		a.tree.Dispatch(treestate.DeleteWorkspace{WorkspaceID: id})
	case Update:
		if _, ok := a.tree.Workspace(ev.Old.Get("id")); !ok {
			return
		}
		a.tree.Dispatch(treestate.UpdateWorkspace{
			WorkspaceID: ev.New.Get("id"),
			Patch:       patchFrom(ev.New),
		})
	}
}
