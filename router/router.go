package router

import (
	"net/http"

	"quillsync/internal/profile"
	workspaceHandler "quillsync/internal/workspace"
	"quillsync/middleware"
	"quillsync/socket"
)

type Handlers struct {
	Workspaces *workspaceHandler.WorkspaceHandler
	Profiles   *profile.Handler
}

func Setup(jwtSecret, corsOrigin string, hub *socket.Hub, h Handlers) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.AuthMiddleware(jwtSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Context().Value(middleware.UserIDKey).(string)
		socket.ServeWs(hub, w, r, userID)
	})
	mux.Handle("/ws", auth(wsHandler))

	// REST API
	ws := h.Workspaces
	routes := map[string]http.HandlerFunc{
		"/api/workspaces/create":    ws.CreateWorkspace,
		"/api/workspaces":           ws.ListWorkspaces,
		"/api/workspaces/tree":      ws.Tree,
		"/api/entities":             ws.Details,
		"/api/entities/update":      ws.Update,
		"/api/entities/delete":      ws.Delete,
		"/api/folders/create":       ws.CreateFolder,
		"/api/folders":              ws.Folders,
		"/api/folders/trash":        ws.MoveToTrash,
		"/api/folders/restore":      ws.Restore,
		"/api/files/create":         ws.CreateFile,
		"/api/files":                ws.Files,
		"/api/content":              ws.LoadContent,
		"/api/content/save":         ws.SaveContent,
		"/api/banner/upload":        ws.UploadBanner,
		"/api/banner/remove":        ws.RemoveBanner,
		"/api/collaborators":        ws.Collaborators,
		"/api/collaborators/add":    ws.AddCollaborators,
		"/api/collaborators/remove": ws.RemoveCollaborators,
		"/api/users/search":         ws.SearchUsers,
		"/api/users/profile":        h.Profiles.GetProfile,
	}
	for path, fn := range routes {
		mux.Handle(path, auth(fn))
	}

	return middleware.CORSMiddleware(corsOrigin)(mux)
}
