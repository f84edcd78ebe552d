package profile

import (
	"context"

	"quillsync/internal/cache"
	"quillsync/internal/workspace/model"
	"quillsync/internal/workspace/repository"
	"quillsync/pkg/logger"
)

// Service resolves the presence profile a peer tracks after subscribing.
type Service struct {
	Repo  *repository.WorkspaceRepository
	Cache *cache.ProfileCache
	// AvatarURL turns a stored avatar key into a fetchable URL. Nil keeps
	// the stored value.
	AvatarURL func(key string) string
}

func NewService(repo *repository.WorkspaceRepository, profileCache *cache.ProfileCache, avatarURL func(string) string) *Service {
	return &Service{Repo: repo, Cache: profileCache, AvatarURL: avatarURL}
}

// Profile returns model.ErrNotFound for unknown users. Cache failures are
// logged and fall through to the repository.
func (s *Service) Profile(ctx context.Context, userID string) (model.Profile, error) {
	if err := model.ValidateID(userID); err != nil {
		return model.Profile{}, err
	}
	if s.Cache != nil {
		p, ok, err := s.Cache.Get(ctx, userID)
		if err != nil {
			logger.Sugar.Warnf("Profile cache read for %s failed: %v", userID, err)
		} else if ok {
			return p, nil
		}
	}

	u, err := s.Repo.GetUser(ctx, userID)
	if err != nil {
		return model.Profile{}, err
	}
	p := model.Profile{ID: u.ID}
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
		if s.AvatarURL != nil {
			p.AvatarURL = s.AvatarURL(p.AvatarURL)
		}
	}

	if s.Cache != nil {
		if err := s.Cache.Set(ctx, p); err != nil {
			logger.Sugar.Warnf("Profile cache write for %s failed: %v", userID, err)
		}
	}
	return p, nil
}
