// Package changefeed describes row-level change events for workspaces,
// folders and files, and applies them to a tree-state store.
package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quillsync/internal/workspace/model"
)

type Type string

const (
	Insert Type = "INSERT"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

const (
	TableWorkspaces = "workspaces"
	TableFolders    = "folders"
	TableFiles      = "files"
)

// Row is a changed row keyed by column name.
type Row map[string]any

type Event struct {
	Table string `json:"table"`
	Type  Type   `json:"type"`
	New   Row    `json:"new,omitempty"`
	Old   Row    `json:"old,omitempty"`
}

// Publisher fans an event out to every subscribed server.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func Inserted(table string, row Row) Event {
	return Event{Table: table, Type: Insert, New: row}
}

func Updated(table string, row Row) Event {
	return Event{Table: table, Type: Update, New: row, Old: Row{"id": row["id"]}}
}

func Deleted(table, id string) Event {
	return Event{Table: table, Type: Delete, Old: Row{"id": id}}
}

func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode change event: %w", err)
	}
	switch ev.Type {
	case Insert, Update, Delete:
	default:
		return Event{}, fmt.Errorf("decode change event: unknown type %q", ev.Type)
	}
	return ev, nil
}

func (r Row) Get(key string) string {
	s, _ := r[key].(string)
	return s
}

// Nullable returns nil when the column is absent or null.
func (r Row) Nullable(key string) *string {
	s, ok := r[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func (r Row) Time(key string) time.Time {
	switch v := r[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func (r Row) Data(key string) json.RawMessage {
	s, ok := r[key].(string)
	if !ok || s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func optional(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func data(d json.RawMessage) any {
	if d == nil {
		return nil
	}
	return string(d)
}

func WorkspaceRow(w model.Workspace) Row {
	return Row{
		"id":              w.ID,
		"created_at":      w.CreatedAt.Format(time.RFC3339Nano),
		"workspace_owner": w.WorkspaceOwner,
		"title":           w.Title,
		"icon_id":         w.IconID,
		"data":            data(w.Data),
		"in_trash":        optional(w.InTrash),
		"logo":            optional(w.Logo),
		"banner_url":      optional(w.BannerURL),
	}
}

func FolderRow(f model.Folder) Row {
	return Row{
		"id":           f.ID,
		"created_at":   f.CreatedAt.Format(time.RFC3339Nano),
		"title":        f.Title,
		"icon_id":      f.IconID,
		"data":         data(f.Data),
		"in_trash":     optional(f.InTrash),
		"banner_url":   optional(f.BannerURL),
		"workspace_id": f.WorkspaceID,
	}
}

func FileRow(f model.File) Row {
	return Row{
		"id":           f.ID,
		"created_at":   f.CreatedAt.Format(time.RFC3339Nano),
		"title":        f.Title,
		"icon_id":      f.IconID,
		"data":         data(f.Data),
		"in_trash":     optional(f.InTrash),
		"banner_url":   optional(f.BannerURL),
		"workspace_id": f.WorkspaceID,
		"folder_id":    f.FolderID,
	}
}

func (r Row) workspace() model.Workspace {
	return model.Workspace{
		ID:             r.Get("id"),
		CreatedAt:      r.Time("created_at"),
		WorkspaceOwner: r.Get("workspace_owner"),
		Title:          r.Get("title"),
		IconID:         r.Get("icon_id"),
		Data:           r.Data("data"),
		InTrash:        r.Nullable("in_trash"),
		Logo:           r.Nullable("logo"),
		BannerURL:      r.Nullable("banner_url"),
	}
}

func (r Row) folder() model.Folder {
	return model.Folder{
		ID:          r.Get("id"),
		CreatedAt:   r.Time("created_at"),
		Title:       r.Get("title"),
		IconID:      r.Get("icon_id"),
		Data:        r.Data("data"),
		InTrash:     r.Nullable("in_trash"),
		BannerURL:   r.Nullable("banner_url"),
		WorkspaceID: r.Get("workspace_id"),
	}
}

func (r Row) file() model.File {
	return model.File{
		ID:          r.Get("id"),
		CreatedAt:   r.Time("created_at"),
		Title:       r.Get("title"),
		IconID:      r.Get("icon_id"),
		Data:        r.Data("data"),
		InTrash:     r.Nullable("in_trash"),
		BannerURL:   r.Nullable("banner_url"),
		WorkspaceID: r.Get("workspace_id"),
		FolderID:    r.Get("folder_id"),
	}
}
