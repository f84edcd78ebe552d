// Package treestate holds the workspace/folder/file tree as a reducer over
// typed actions.
package treestate

import (
	"sort"
	"sync"

	"quillsync/internal/workspace/model"
)

type FolderNode struct {
	model.Folder
	Files []model.File `json:"files"`
}

type WorkspaceNode struct {
	model.Workspace
	Folders []FolderNode `json:"folders"`
}

type State struct {
	User       *model.User     `json:"user"`
	Workspaces []WorkspaceNode `json:"workspaces"`
}

// Store serializes dispatches. Listeners receive a copy of the state after
// every dispatch and run outside the store's lock.
type Store struct {
	mu        sync.RWMutex
	state     State
	nextID    int
	listeners map[int]func(State)
}

func New() *Store {
	return &Store{listeners: make(map[int]func(State))}
}

func (s *Store) Dispatch(actions ...Action) {
	if len(actions) == 0 {
		return
	}
	s.mu.Lock()
	for _, a := range actions {
		a.reduce(&s.state)
	}
	snapshot := s.state.clone()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) Workspace(workspaceID string) (WorkspaceNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ws := range s.state.Workspaces {
		if ws.ID == workspaceID {
			return ws.clone(), true
		}
	}
	return WorkspaceNode{}, false
}

func (s *Store) HasFolder(workspaceID, folderID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws := s.state.workspace(workspaceID)
	return ws != nil && ws.folder(folderID) != nil
}

func (s *Store) HasFile(workspaceID, folderID, fileID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws := s.state.workspace(workspaceID)
	if ws == nil {
		return false
	}
	f := ws.folder(folderID)
	return f != nil && f.file(fileID) != nil
}

// LocateFolder scans every workspace for folderID.
func (s *Store) LocateFolder(folderID string) (workspaceID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ws := range s.state.Workspaces {
		if ws.folder(folderID) != nil {
			return ws.ID, true
		}
	}
	return "", false
}

// LocateFile scans every folder of every workspace for fileID.
func (s *Store) LocateFile(fileID string) (workspaceID, folderID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ws := range s.state.Workspaces {
		for _, f := range ws.Folders {
			if f.file(fileID) != nil {
				return ws.ID, f.ID, true
			}
		}
	}
	return "", "", false
}

func (st *State) workspace(id string) *WorkspaceNode {
	for i := range st.Workspaces {
		if st.Workspaces[i].ID == id {
			return &st.Workspaces[i]
		}
	}
	return nil
}

func (ws *WorkspaceNode) folder(id string) *FolderNode {
	for i := range ws.Folders {
		if ws.Folders[i].ID == id {
			return &ws.Folders[i]
		}
	}
	return nil
}

func (f *FolderNode) file(id string) *model.File {
	for i := range f.Files {
		if f.Files[i].ID == id {
			return &f.Files[i]
		}
	}
	return nil
}

func (st State) clone() State {
	out := State{}
	if st.User != nil {
		u := *st.User
		out.User = &u
	}
	if st.Workspaces != nil {
		out.Workspaces = make([]WorkspaceNode, len(st.Workspaces))
		for i, ws := range st.Workspaces {
			out.Workspaces[i] = ws.clone()
		}
	}
	return out
}

func (ws WorkspaceNode) clone() WorkspaceNode {
	out := ws
	if ws.Folders != nil {
		out.Folders = make([]FolderNode, len(ws.Folders))
		for i, f := range ws.Folders {
			out.Folders[i] = f.clone()
		}
	}
	return out
}

func (f FolderNode) clone() FolderNode {
	out := f
	if f.Files != nil {
		out.Files = append([]model.File(nil), f.Files...)
	}
	return out
}

func sortFolders(folders []FolderNode) {
	sort.SliceStable(folders, func(i, j int) bool {
		return folders[i].CreatedAt.Before(folders[j].CreatedAt)
	})
}

func sortFiles(files []model.File) {
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
}
