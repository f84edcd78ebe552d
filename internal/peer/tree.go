package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"quillsync/internal/treestate"
)

// Tree fetches one workspace's folder and file tree.
func (s *RESTStore) Tree(ctx context.Context, workspaceID string) (treestate.WorkspaceNode, error) {
	var node treestate.WorkspaceNode
	err := s.do(ctx, http.MethodGet, "/api/workspaces/tree", url.Values{"workspaceId": {workspaceID}}, nil, &node)
	return node, err
}

// ApplyContent records a document's content on whichever tree entity has
// that id. It reports false when the id is not in the tree.
func ApplyContent(tree *treestate.Store, documentID string, content json.RawMessage) bool {
	patch := treestate.EntityPatch{Data: content}
	if ws, folder, ok := tree.LocateFile(documentID); ok {
		tree.Dispatch(treestate.UpdateFile{WorkspaceID: ws, FolderID: folder, FileID: documentID, Patch: patch})
		return true
	}
	if ws, ok := tree.LocateFolder(documentID); ok {
		tree.Dispatch(treestate.UpdateFolder{WorkspaceID: ws, FolderID: documentID, Patch: patch})
		return true
	}
	if _, ok := tree.Workspace(documentID); ok {
		tree.Dispatch(treestate.UpdateWorkspace{WorkspaceID: documentID, Patch: patch})
		return true
	}
	return false
}
