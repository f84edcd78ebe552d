package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quillsync/internal/workspace/model"
	"quillsync/pkg/logger"
)

const (
	workspaceColumns = `id, created_at, workspace_owner, title, icon_id, data, in_trash, logo, banner_url`
	folderColumns    = `id, created_at, title, icon_id, data, in_trash, banner_url, workspace_id`
	fileColumns      = `id, created_at, title, icon_id, data, in_trash, banner_url, workspace_id, folder_id`
	userColumns      = `id, full_name, avatar_url, email`
)

type WorkspaceRepository struct {
	DB *sql.DB
}

func NewWorkspaceRepository(db *sql.DB) *WorkspaceRepository {
	return &WorkspaceRepository{DB: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.ErrNotFound
	}
	return err
}

func rawData(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullData(d json.RawMessage) any {
	if d == nil {
		return nil
	}
	return string(d)
}

func scanWorkspace(row scanner) (model.Workspace, error) {
	var w model.Workspace
	var data sql.NullString
	err := row.Scan(&w.ID, &w.CreatedAt, &w.WorkspaceOwner, &w.Title, &w.IconID, &data, &w.InTrash, &w.Logo, &w.BannerURL)
	w.Data = rawData(data)
	return w, err
}

func scanFolder(row scanner) (model.Folder, error) {
	var f model.Folder
	var data sql.NullString
	err := row.Scan(&f.ID, &f.CreatedAt, &f.Title, &f.IconID, &data, &f.InTrash, &f.BannerURL, &f.WorkspaceID)
	f.Data = rawData(data)
	return f, err
}

func scanFile(row scanner) (model.File, error) {
	var f model.File
	var data sql.NullString
	err := row.Scan(&f.ID, &f.CreatedAt, &f.Title, &f.IconID, &data, &f.InTrash, &f.BannerURL, &f.WorkspaceID, &f.FolderID)
	f.Data = rawData(data)
	return f, err
}

func scanUser(row scanner) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.FullName, &u.AvatarURL, &u.Email)
	return u, err
}

// --- Workspaces ---

func (r *WorkspaceRepository) CreateWorkspace(ctx context.Context, w model.Workspace) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO workspaces (`+workspaceColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.CreatedAt, w.WorkspaceOwner, w.Title, w.IconID, nullData(w.Data), w.InTrash, w.Logo, w.BannerURL)
	if err != nil {
		logger.Sugar.Errorf("Failed to create workspace %s: %v", w.ID, err)
	}
	return err
}

func (r *WorkspaceRepository) GetWorkspace(ctx context.Context, id string) (model.Workspace, error) {
	w, err := scanWorkspace(r.DB.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to get workspace %s: %v", id, err)
	}
	return w, notFound(err)
}

// PrivateWorkspaces are owned by userID and have no collaborators.
func (r *WorkspaceRepository) PrivateWorkspaces(ctx context.Context, userID string) ([]model.Workspace, error) {
	return r.queryWorkspaces(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces w
		WHERE w.workspace_owner = $1
		AND NOT EXISTS (SELECT 1 FROM collaborators c WHERE c.workspace_id = w.id)
		ORDER BY w.created_at`, userID)
}

// SharedWorkspaces are owned by userID and have at least one collaborator.
func (r *WorkspaceRepository) SharedWorkspaces(ctx context.Context, userID string) ([]model.Workspace, error) {
	return r.queryWorkspaces(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces w
		WHERE w.workspace_owner = $1
		AND EXISTS (SELECT 1 FROM collaborators c WHERE c.workspace_id = w.id)
		ORDER BY w.created_at`, userID)
}

// CollaboratingWorkspaces are the workspaces userID was added to.
func (r *WorkspaceRepository) CollaboratingWorkspaces(ctx context.Context, userID string) ([]model.Workspace, error) {
	return r.queryWorkspaces(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces w
		WHERE EXISTS (SELECT 1 FROM collaborators c WHERE c.workspace_id = w.id AND c.user_id = $1)
		ORDER BY w.created_at`, userID)
}

func (r *WorkspaceRepository) queryWorkspaces(ctx context.Context, query string, args ...any) ([]model.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Sugar.Errorf("Failed to list workspaces: %v", err)
		return nil, err
	}
	defer rows.Close()

	workspaces := []model.Workspace{}
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

func (r *WorkspaceRepository) DeleteWorkspace(ctx context.Context, id string) error {
	return r.deleteByID(ctx, model.KindWorkspace, id)
}

// --- Folders ---

func (r *WorkspaceRepository) CreateFolder(ctx context.Context, f model.Folder) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO folders (`+folderColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.CreatedAt, f.Title, f.IconID, nullData(f.Data), f.InTrash, f.BannerURL, f.WorkspaceID)
	if err != nil {
		logger.Sugar.Errorf("Failed to create folder %s: %v", f.ID, err)
	}
	return err
}

func (r *WorkspaceRepository) GetFolder(ctx context.Context, id string) (model.Folder, error) {
	f, err := scanFolder(r.DB.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to get folder %s: %v", id, err)
	}
	return f, notFound(err)
}

func (r *WorkspaceRepository) FoldersByWorkspace(ctx context.Context, workspaceID string) ([]model.Folder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE workspace_id = $1 ORDER BY created_at`, workspaceID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list folders for workspace %s: %v", workspaceID, err)
		return nil, err
	}
	defer rows.Close()

	folders := []model.Folder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (r *WorkspaceRepository) DeleteFolder(ctx context.Context, id string) error {
	return r.deleteByID(ctx, model.KindFolder, id)
}

// MoveFolderToTrash marks the folder and all of its files in one transaction.
func (r *WorkspaceRepository) MoveFolderToTrash(ctx context.Context, folderID, message string) error {
	return r.setFolderTrash(ctx, folderID, &message)
}

func (r *WorkspaceRepository) RestoreFolder(ctx context.Context, folderID string) error {
	return r.setFolderTrash(ctx, folderID, nil)
}

func (r *WorkspaceRepository) setFolderTrash(ctx context.Context, folderID string, message *string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE folders SET in_trash = $1 WHERE id = $2`, message, folderID)
	if err != nil {
		logger.Sugar.Errorf("Failed to set trash on folder %s: %v", folderID, err)
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE files SET in_trash = $1 WHERE folder_id = $2`, message, folderID); err != nil {
		logger.Sugar.Errorf("Failed to set trash on files of folder %s: %v", folderID, err)
		return err
	}
	return tx.Commit()
}

// --- Files ---

func (r *WorkspaceRepository) CreateFile(ctx context.Context, f model.File) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO files (`+fileColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.CreatedAt, f.Title, f.IconID, nullData(f.Data), f.InTrash, f.BannerURL, f.WorkspaceID, f.FolderID)
	if err != nil {
		logger.Sugar.Errorf("Failed to create file %s: %v", f.ID, err)
	}
	return err
}

func (r *WorkspaceRepository) GetFile(ctx context.Context, id string) (model.File, error) {
	f, err := scanFile(r.DB.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to get file %s: %v", id, err)
	}
	return f, notFound(err)
}

func (r *WorkspaceRepository) FilesByFolder(ctx context.Context, folderID string) ([]model.File, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE folder_id = $1 ORDER BY created_at`, folderID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list files for folder %s: %v", folderID, err)
		return nil, err
	}
	defer rows.Close()

	files := []model.File{}
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (r *WorkspaceRepository) DeleteFile(ctx context.Context, id string) error {
	return r.deleteByID(ctx, model.KindFile, id)
}

// --- Shared by all kinds ---

// UpdateMetadata applies the non-nil fields of req. Logo is only written for
// workspaces.
func (r *WorkspaceRepository) UpdateMetadata(ctx context.Context, kind model.Kind, id string, req model.UpdateRequest) error {
	query := `UPDATE ` + kind.Table() + ` SET title = COALESCE($2, title), icon_id = COALESCE($3, icon_id) WHERE id = $1`
	args := []any{id, req.Title, req.IconID}
	if kind == model.KindWorkspace {
		query = `UPDATE workspaces SET title = COALESCE($2, title), icon_id = COALESCE($3, icon_id), logo = COALESCE($4, logo) WHERE id = $1`
		args = append(args, req.Logo)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		logger.Sugar.Errorf("Failed to update %s %s: %v", kind, id, err)
		return err
	}
	return requireRow(res)
}

func (r *WorkspaceRepository) SetBanner(ctx context.Context, kind model.Kind, id string, bannerURL *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE `+kind.Table()+` SET banner_url = $1 WHERE id = $2`, bannerURL, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to set banner for %s %s: %v", kind, id, err)
		return err
	}
	return requireRow(res)
}

// LoadContent returns the persisted document, or nil when none was saved yet.
func (r *WorkspaceRepository) LoadContent(ctx context.Context, kind model.Kind, id string) (json.RawMessage, error) {
	var data sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT data FROM `+kind.Table()+` WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Sugar.Errorf("Failed to load content for %s %s: %v", kind, id, err)
		}
		return nil, notFound(err)
	}
	return rawData(data), nil
}

func (r *WorkspaceRepository) SaveContent(ctx context.Context, kind model.Kind, id string, content json.RawMessage) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE `+kind.Table()+` SET data = $1 WHERE id = $2`, string(content), id)
	if err != nil {
		logger.Sugar.Errorf("Failed to save content for %s %s: %v", kind, id, err)
		return err
	}
	return requireRow(res)
}

// WorkspaceOf returns the workspace that owns the entity.
func (r *WorkspaceRepository) WorkspaceOf(ctx context.Context, kind model.Kind, id string) (string, error) {
	if kind == model.KindWorkspace {
		var exists bool
		if err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM workspaces WHERE id = $1)`, id).Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return "", model.ErrNotFound
		}
		return id, nil
	}
	var workspaceID string
	err := r.DB.QueryRowContext(ctx, `SELECT workspace_id FROM `+kind.Table()+` WHERE id = $1`, id).Scan(&workspaceID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to resolve workspace of %s %s: %v", kind, id, err)
	}
	return workspaceID, notFound(err)
}

// Locate finds which kind of entity id names and the workspace it lives in.
func (r *WorkspaceRepository) Locate(ctx context.Context, id string) (model.Kind, string, error) {
	var kind, workspaceID string
	err := r.DB.QueryRowContext(ctx, `
		SELECT 'workspace', id FROM workspaces WHERE id = $1
		UNION ALL
		SELECT 'folder', workspace_id FROM folders WHERE id = $1
		UNION ALL
		SELECT 'file', workspace_id FROM files WHERE id = $1
		LIMIT 1`, id).Scan(&kind, &workspaceID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Sugar.Errorf("Failed to locate entity %s: %v", id, err)
		}
		return "", "", notFound(err)
	}
	return model.Kind(kind), workspaceID, nil
}

func (r *WorkspaceRepository) deleteByID(ctx context.Context, kind model.Kind, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM `+kind.Table()+` WHERE id = $1`, id)
	if err != nil {
		logger.Sugar.Errorf("Failed to delete %s %s: %v", kind, id, err)
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// --- Collaborators & access ---

func (r *WorkspaceRepository) CollaboratorExists(ctx context.Context, workspaceID, userID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM collaborators WHERE workspace_id = $1 AND user_id = $2)`,
		workspaceID, userID).Scan(&exists)
	if err != nil {
		logger.Sugar.Errorf("Failed to check collaborator %s on workspace %s: %v", userID, workspaceID, err)
	}
	return exists, err
}

// AddCollaborator inserts the pair unless it is already present. The table
// carries no unique constraint, so the check is what keeps it a set.
func (r *WorkspaceRepository) AddCollaborator(ctx context.Context, workspaceID, userID string) error {
	exists, err := r.CollaboratorExists(ctx, workspaceID, userID)
	if err != nil || exists {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO collaborators (id, workspace_id, user_id, created_at) VALUES ($1, $2, $3, NOW())`,
		model.NewID(), workspaceID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to add collaborator %s to workspace %s: %v", userID, workspaceID, err)
	}
	return err
}

func (r *WorkspaceRepository) RemoveCollaborator(ctx context.Context, workspaceID, userID string) error {
	exists, err := r.CollaboratorExists(ctx, workspaceID, userID)
	if err != nil || !exists {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `DELETE FROM collaborators WHERE workspace_id = $1 AND user_id = $2`, workspaceID, userID)
	if err != nil {
		logger.Sugar.Errorf("Failed to remove collaborator %s from workspace %s: %v", userID, workspaceID, err)
	}
	return err
}

func (r *WorkspaceRepository) Collaborators(ctx context.Context, workspaceID string) ([]model.User, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT u.id, u.full_name, u.avatar_url, u.email FROM collaborators c
		JOIN users u ON u.id = c.user_id
		WHERE c.workspace_id = $1`, workspaceID)
	if err != nil {
		logger.Sugar.Errorf("Failed to list collaborators of workspace %s: %v", workspaceID, err)
		return nil, err
	}
	return collectUsers(rows)
}

// CheckAccess reports whether userID owns or collaborates on the workspace.
func (r *WorkspaceRepository) CheckAccess(ctx context.Context, workspaceID, userID string) (bool, error) {
	var hasAccess bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM workspaces WHERE id = $1 AND workspace_owner = $2
			UNION
			SELECT 1 FROM collaborators WHERE workspace_id = $1 AND user_id = $2
		)`, workspaceID, userID).Scan(&hasAccess)
	if err != nil {
		logger.Sugar.Errorf("Failed to check access for user %s on workspace %s: %v", userID, workspaceID, err)
	}
	return hasAccess, err
}

// --- Users ---

func (r *WorkspaceRepository) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logger.Sugar.Errorf("Failed to get user %s: %v", id, err)
	}
	return u, notFound(err)
}

// SearchUsers matches emails by case-insensitive prefix.
func (r *WorkspaceRepository) SearchUsers(ctx context.Context, emailPrefix string) ([]model.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE email ILIKE $1 ORDER BY email LIMIT 20`,
		escapeLike(emailPrefix)+"%")
	if err != nil {
		logger.Sugar.Errorf("Failed to search users by %q: %v", emailPrefix, err)
		return nil, err
	}
	return collectUsers(rows)
}

func collectUsers(rows *sql.Rows) ([]model.User, error) {
	defer rows.Close()
	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
