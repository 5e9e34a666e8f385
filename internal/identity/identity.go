// Package identity resolves display names and avatars for durable user ids.
// Profiles are joined to party client ids for presentation only; routing and
// session membership never consult this package.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrProfileNotFound    = errors.New("identity: profile not found")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
)

const profileCacheSize = 1024

// Profile is the presentation record for a durable user id.
type Profile struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store is the persistence boundary for profiles and credentials.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	UpsertProfile(ctx context.Context, profile Profile) error
	CredentialHash(ctx context.Context, userID string) (string, error)
	SetCredentialHash(ctx context.Context, userID, hash string) error
}

// Service fronts the store with an LRU so hot profiles (everyone in a busy
// party) do not hit the database per roster render.
type Service struct {
	store Store
	cache *lru.Cache[string, Profile]
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) (*Service, error) {
	cache, err := lru.New[string, Profile](profileCacheSize)
	if err != nil {
		return nil, fmt.Errorf("identity: init cache: %w", err)
	}
	return &Service{store: store, cache: cache, log: log}, nil
}

// Profile returns the profile for userID, from cache when possible.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	if p, ok := s.cache.Get(userID); ok {
		return &p, nil
	}
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache.Add(userID, *p)
	return p, nil
}

// SaveProfile upserts and refreshes the cache entry.
func (s *Service) SaveProfile(ctx context.Context, profile Profile) error {
	if profile.UserID == "" {
		return fmt.Errorf("identity: user id is required")
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now()
	}
	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return err
	}
	s.cache.Add(profile.UserID, profile)
	return nil
}

// SetPassword stores a bcrypt hash for the user.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.store.SetCredentialHash(ctx, userID, hash)
}

// VerifyPassword checks password against the stored hash.
func (s *Service) VerifyPassword(ctx context.Context, userID, password string) error {
	hash, err := s.store.CredentialHash(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword hashes a password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
