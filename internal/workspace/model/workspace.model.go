package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidKind      = errors.New("invalid kind")
	ErrEmptyContent     = errors.New("content cannot be empty")
	ErrMalformedContent = errors.New("malformed content")
)

// Kind names the entity an editor is mounted on.
type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindFolder    Kind = "folder"
	KindFile      Kind = "file"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindWorkspace, KindFolder, KindFile:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Table is the backing table for the kind.
func (k Kind) Table() string {
	switch k {
	case KindWorkspace:
		return "workspaces"
	case KindFolder:
		return "folders"
	case KindFile:
		return "files"
	}
	return ""
}

// ValidateID rejects anything that is not a UUID before it reaches a query.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

func NewID() string {
	return uuid.NewString()
}

type User struct {
	ID        string  `json:"id"`
	FullName  *string `json:"fullName"`
	AvatarURL *string `json:"avatarUrl"`
	Email     *string `json:"email"`
}

type Workspace struct {
	ID             string          `json:"id"`
	CreatedAt      time.Time       `json:"createdAt"`
	WorkspaceOwner string          `json:"workspaceOwner"`
	Title          string          `json:"title"`
	IconID         string          `json:"iconId"`
	Data           json.RawMessage `json:"data"`
	InTrash        *string         `json:"inTrash"`
	Logo           *string         `json:"logo"`
	BannerURL      *string         `json:"bannerUrl"`
}

type Folder struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"createdAt"`
	Title       string          `json:"title"`
	IconID      string          `json:"iconId"`
	Data        json.RawMessage `json:"data"`
	InTrash     *string         `json:"inTrash"`
	BannerURL   *string         `json:"bannerUrl"`
	WorkspaceID string          `json:"workspaceId"`
}

type File struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"createdAt"`
	Title       string          `json:"title"`
	IconID      string          `json:"iconId"`
	Data        json.RawMessage `json:"data"`
	InTrash     *string         `json:"inTrash"`
	BannerURL   *string         `json:"bannerUrl"`
	WorkspaceID string          `json:"workspaceId"`
	FolderID    string          `json:"folderId"`
}

type CreateWorkspaceRequest struct {
	Title  string  `json:"title"`
	IconID string  `json:"iconId"`
	Logo   *string `json:"logo"`
}

type CreateFolderRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	IconID      string `json:"iconId"`
}

type CreateFileRequest struct {
	FolderID string `json:"folderId"`
	Title    string `json:"title"`
	IconID   string `json:"iconId"`
}

// UpdateRequest carries the optional metadata fields of an update. Nil fields
// are left untouched.
type UpdateRequest struct {
	Title  *string `json:"title"`
	IconID *string `json:"iconId"`
	Logo   *string `json:"logo"`
}

type TrashRequest struct {
	FolderID string `json:"folderId"`
	Message  string `json:"message"`
}

type ContentResponse struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type SaveContentRequest struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

type CollaboratorsRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	UserIDs     []string `json:"userIds"`
}

type BannerResponse struct {
	BannerURL string `json:"bannerUrl"`
}

type CreatedResponse struct {
	ID string `json:"id"`
}

// Profile is the presence-facing view of a user.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}
