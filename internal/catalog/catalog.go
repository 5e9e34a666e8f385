// Package catalog is the content/episode lookup collaborator consumed by
// the watch-party relay. It only describes what a party is watching; it has
// no say over session membership.
package catalog

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("catalog: not found")

// Content is a movie or a series.
type Content struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // "movie" | "series"
	Title     string    `json:"title"`
	Year      int       `json:"year,omitempty"`
	Genres    []string  `json:"genres,omitempty"`
	Plot      string    `json:"plot,omitempty"`
	Rating    float64   `json:"rating,omitempty"`
	PosterURL string    `json:"posterUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Episode is one episode of a series content.
type Episode struct {
	ID              string `json:"id"`
	ContentID       string `json:"contentId"`
	Season          int    `json:"season"`
	Episode         int    `json:"episode"`
	Title           string `json:"title"`
	DurationSeconds int64  `json:"durationSeconds,omitempty"`
}

// Store is the persistence boundary for catalog lookups.
type Store interface {
	GetContent(ctx context.Context, id string) (*Content, error)
	GetEpisode(ctx context.Context, id string) (*Episode, error)
	ListContents(ctx context.Context, limit, offset int) ([]Content, error)
}

// Service answers content/episode lookups for the HTTP surface and the hub.
type Service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log}
}

func (s *Service) Content(ctx context.Context, id string) (*Content, error) {
	return s.store.GetContent(ctx, id)
}

func (s *Service) Episode(ctx context.Context, id string) (*Episode, error) {
	return s.store.GetEpisode(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]Content, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListContents(ctx, limit, offset)
}

// HasContent implements the hub's ref check. Lookup failures other than
// not-found are logged and treated as present: the catalog must never take
// the relay down with it.
func (s *Service) HasContent(ctx context.Context, id string) bool {
	_, err := s.store.GetContent(ctx, id)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	s.log.Warn("catalog content lookup failed", zap.String("content_id", id), zap.Error(err))
	return true
}

// HasEpisode mirrors HasContent for episode refs.
func (s *Service) HasEpisode(ctx context.Context, id string) bool {
	_, err := s.store.GetEpisode(ctx, id)
	if err == nil {
		return true
	}
	if errors.Is(err, ErrNotFound) {
		return false
	}
	s.log.Warn("catalog episode lookup failed", zap.String("episode_id", id), zap.Error(err))
	return true
}
