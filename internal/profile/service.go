// Package profile reads and edits the application profile attached to a user.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/store"
)

const maxNicknameLength = 64

var (
	ErrEmptyNickname   = errors.New("nickname must not be empty")
	ErrNicknameTooLong = fmt.Errorf("nickname must be at most %d characters", maxNicknameLength)
	ErrEmptyAvatar     = errors.New("avatar reference must not be empty")
	ErrEmptyUpdate     = errors.New("nothing to update")
)

// Repository is the persistence the service relies on.
type Repository interface {
	GetProfile(ctx context.Context, userID string) (*store.ProfileRecord, error)
	UpsertProfile(ctx context.Context, p *store.ProfileRecord) error
	DeleteProfile(ctx context.Context, userID string) error
}

// Update lists the fields to change. Nil fields are left as they are.
type Update struct {
	Nickname  *string
	AvatarRef *string
}

// Service implements profile reads and writes.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// FetchProfileByID returns the profile of id. A missing row is
// identity.NoProfile with a nil error.
func (s *Service) FetchProfileByID(ctx context.Context, id string) (identity.Profile, error) {
	rec, err := s.repo.GetProfile(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return identity.NoProfile, nil
	}
	if err != nil {
		return identity.NoProfile, fmt.Errorf("fetching profile: %w", err)
	}
	return toProfile(rec), nil
}

// Upsert applies u to the profile of userID, creating the row if needed.
func (s *Service) Upsert(ctx context.Context, userID string, u Update) (identity.Profile, error) {
	if u.Nickname == nil && u.AvatarRef == nil {
		return identity.NoProfile, ErrEmptyUpdate
	}

	var nickname, avatar string
	if u.Nickname != nil {
		n, err := normalizeNickname(*u.Nickname)
		if err != nil {
			return identity.NoProfile, err
		}
		nickname = n
	}
	if u.AvatarRef != nil {
		avatar = strings.TrimSpace(*u.AvatarRef)
		if avatar == "" {
			return identity.NoProfile, ErrEmptyAvatar
		}
	}

	now := s.now()
	rec, err := s.repo.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = &store.ProfileRecord{UserID: userID, CreatedAt: now}
	case err != nil:
		return identity.NoProfile, fmt.Errorf("loading profile: %w", err)
	}

	if u.Nickname != nil {
		rec.Nickname = nickname
	}
	if u.AvatarRef != nil {
		rec.AvatarRef = avatar
	}
	rec.UpdatedAt = now

	if err := s.repo.UpsertProfile(ctx, rec); err != nil {
		return identity.NoProfile, fmt.Errorf("saving profile: %w", err)
	}
	return toProfile(rec), nil
}

func (s *Service) UpdateNickname(ctx context.Context, userID, nickname string) (identity.Profile, error) {
	return s.Upsert(ctx, userID, Update{Nickname: &nickname})
}

func (s *Service) UpdateAvatar(ctx context.Context, userID, avatarRef string) (identity.Profile, error) {
	return s.Upsert(ctx, userID, Update{AvatarRef: &avatarRef})
}

// Delete removes the profile row. Deleting a missing row is not an error.
func (s *Service) Delete(ctx context.Context, userID string) error {
	if err := s.repo.DeleteProfile(ctx, userID); err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return nil
}

func normalizeNickname(n string) (string, error) {
	n = strings.TrimSpace(n)
	if n == "" {
		return "", ErrEmptyNickname
	}
	if utf8.RuneCountInString(n) > maxNicknameLength {
		return "", ErrNicknameTooLong
	}
	return n, nil
}

func toProfile(rec *store.ProfileRecord) identity.Profile {
	return identity.Profile{
		Kind:      identity.Present,
		UserID:    rec.UserID,
		Nickname:  rec.Nickname,
		AvatarRef: rec.AvatarRef,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
