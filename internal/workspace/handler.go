package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"quillsync/internal/workspace/model"
	"quillsync/internal/workspace/service"
	"quillsync/middleware"
	"quillsync/pkg/logger"
)

const maxBannerBytes = 5 << 20

type WorkspaceHandler struct {
	Service *service.WorkspaceService
}

func NewWorkspaceHandler(service *service.WorkspaceService) *WorkspaceHandler {
	return &WorkspaceHandler{Service: service}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service sentinels to status codes; anything else is a 500.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, model.ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidID), errors.Is(err, model.ErrInvalidKind), errors.Is(err, model.ErrEmptyContent),
		errors.Is(err, model.ErrMalformedContent):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Sugar.Errorf("Handler: %s failed: %v", op, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(middleware.UserIDKey).(string)
	return id
}

// target reads the kind and id query parameters.
func target(w http.ResponseWriter, r *http.Request) (model.Kind, string, bool) {
	kind, err := model.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id parameter", http.StatusBadRequest)
		return "", "", false
	}
	return kind, id, true
}

func (h *WorkspaceHandler) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req model.CreateWorkspaceRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // Empty body falls back to defaults.

	ws, err := h.Service.CreateWorkspace(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, "create workspace", err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (h *WorkspaceHandler) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	lists, err := h.Service.ListWorkspaces(r.Context(), userID(r))
	if err != nil {
		writeError(w, "list workspaces", err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (h *WorkspaceHandler) Tree(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	node, err := h.Service.Tree(r.Context(), userID(r), r.URL.Query().Get("workspaceId"))
	if err != nil {
		writeError(w, "workspace tree", err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (h *WorkspaceHandler) Details(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	kind, id, ok := target(w, r)
	if !ok {
		return
	}
	entity, err := h.Service.Details(r.Context(), userID(r), kind, id)
	if err != nil {
		writeError(w, "details", err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (h *WorkspaceHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPut) {
		return
	}
	kind, id, ok := target(w, r)
	if !ok {
		return
	}
	var req model.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.Service.UpdateMetadata(r.Context(), userID(r), kind, id, req); err != nil {
		writeError(w, "update", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Updated successfully"))
}

func (h *WorkspaceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	kind, id, ok := target(w, r)
	if !ok {
		return
	}
	if err := h.Service.Delete(r.Context(), userID(r), kind, id); err != nil {
		writeError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Deleted successfully"))
}

func (h *WorkspaceHandler) CreateFolder(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req model.CreateFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	folder, err := h.Service.CreateFolder(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, "create folder", err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

func (h *WorkspaceHandler) Folders(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	folders, err := h.Service.Folders(r.Context(), userID(r), r.URL.Query().Get("workspaceId"))
	if err != nil {
		writeError(w, "list folders", err)
		return
	}
	writeJSON(w, http.StatusOK, folders)
}

func (h *WorkspaceHandler) CreateFile(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req model.CreateFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	file, err := h.Service.CreateFile(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, "create file", err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (h *WorkspaceHandler) Files(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	files, err := h.Service.Files(r.Context(), userID(r), r.URL.Query().Get("folderId"))
	if err != nil {
		writeError(w, "list files", err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *WorkspaceHandler) MoveToTrash(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req model.TrashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.Service.MoveFolderToTrash(r.Context(), userID(r), req); err != nil {
		writeError(w, "move to trash", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Moved to trash"))
}

func (h *WorkspaceHandler) Restore(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := h.Service.RestoreFolder(r.Context(), userID(r), r.URL.Query().Get("folderId")); err != nil {
		writeError(w, "restore folder", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Restored"))
}

// LoadContent serves the persisted document. kind is optional.
func (h *WorkspaceHandler) LoadContent(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	resp, err := h.Service.LoadContent(r.Context(), userID(r), model.Kind(q.Get("kind")), q.Get("id"))
	if err != nil {
		writeError(w, "load content", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WorkspaceHandler) SaveContent(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req model.SaveContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Content) == 0 || string(req.Content) == "null" {
		http.Error(w, "Content cannot be empty", http.StatusBadRequest)
		return
	}
	if err := h.Service.SaveContent(r.Context(), userID(r), req); err != nil {
		writeError(w, "save content", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document saved successfully"))
}

func (h *WorkspaceHandler) UploadBanner(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	kind, id, ok := target(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBannerBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing banner file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	url, err := h.Service.UploadBanner(r.Context(), userID(r), kind, id, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, "upload banner", err)
		return
	}
	writeJSON(w, http.StatusOK, model.BannerResponse{BannerURL: url})
}

func (h *WorkspaceHandler) RemoveBanner(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodDelete) {
		return
	}
	kind, id, ok := target(w, r)
	if !ok {
		return
	}
	if err := h.Service.RemoveBanner(r.Context(), userID(r), kind, id); err != nil {
		writeError(w, "remove banner", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Banner removed"))
}

func (h *WorkspaceHandler) AddCollaborators(w http.ResponseWriter, r *http.Request) {
	h.collaborators(w, r, h.Service.AddCollaborators)
}

func (h *WorkspaceHandler) RemoveCollaborators(w http.ResponseWriter, r *http.Request) {
	h.collaborators(w, r, h.Service.RemoveCollaborators)
}

func (h *WorkspaceHandler) collaborators(w http.ResponseWriter, r *http.Request, apply func(context.Context, string, model.CollaboratorsRequest) error) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req model.CollaboratorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.UserIDs) == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := apply(r.Context(), userID(r), req); err != nil {
		writeError(w, "collaborators", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Collaborators updated"))
}

func (h *WorkspaceHandler) Collaborators(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	users, err := h.Service.Collaborators(r.Context(), userID(r), r.URL.Query().Get("workspaceId"))
	if err != nil {
		writeError(w, "list collaborators", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *WorkspaceHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, "search users", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
