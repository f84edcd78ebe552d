package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quillsync/internal/syncengine"
	"quillsync/internal/workspace/model"
)

// RESTStore loads and saves documents and resolves profiles over the
// server's HTTP API.
type RESTStore struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewRESTStore(baseURL, token string) *RESTStore {
	return &RESTStore{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *RESTStore) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	target := s.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return syncengine.ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *RESTStore) Load(ctx context.Context, documentID string) (json.RawMessage, error) {
	var resp model.ContentResponse
	if err := s.do(ctx, http.MethodGet, "/api/content", url.Values{"id": {documentID}}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Content, nil
}

func (s *RESTStore) Save(ctx context.Context, documentID string, content json.RawMessage) error {
	return s.do(ctx, http.MethodPost, "/api/content/save", nil, model.SaveContentRequest{ID: documentID, Content: content}, nil)
}

func (s *RESTStore) Profile(ctx context.Context, userID string) (syncengine.PeerRecord, error) {
	var p model.Profile
	if err := s.do(ctx, http.MethodGet, "/api/users/profile", url.Values{"userId": {userID}}, nil, &p); err != nil {
		return syncengine.PeerRecord{}, err
	}
	return syncengine.PeerRecord{ID: p.ID, Email: p.Email, AvatarURL: p.AvatarURL}, nil
}
