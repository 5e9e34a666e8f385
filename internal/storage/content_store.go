package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amir17x/xraynama/internal/catalog"
)

// SaveContents upserts catalog entries in one transaction.
func (s *Store) SaveContents(ctx context.Context, contents []catalog.Content) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO contents (id, type, title, year, genres, plot, rating, poster_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type,
			title=excluded.title,
			year=excluded.year,
			genres=excluded.genres,
			plot=excluded.plot,
			rating=excluded.rating,
			poster_url=excluded.poster_url
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range contents {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = stmt.ExecContext(ctx,
			c.ID,
			c.Type,
			c.Title,
			nullInt(c.Year),
			nullString(strings.Join(c.Genres, ",")),
			nullString(c.Plot),
			nullFloat(c.Rating),
			nullString(c.PosterURL),
			createdAt.Unix(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SaveEpisodes upserts episodes for a series.
func (s *Store) SaveEpisodes(ctx context.Context, episodes []catalog.Episode) (err error) {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(`
		INSERT INTO episodes (id, content_id, season, episode, title, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content_id=excluded.content_id,
			season=excluded.season,
			episode=excluded.episode,
			title=excluded.title,
			duration_seconds=excluded.duration_seconds
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range episodes {
		_, err = stmt.ExecContext(ctx, e.ID, e.ContentID, e.Season, e.Episode, nullString(e.Title), e.DurationSeconds)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) GetContent(ctx context.Context, id string) (*catalog.Content, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, title, year, genres, plot, rating, poster_url, created_at
		FROM contents WHERE id = ?
	`, id)
	return scanContent(row)
}

func (s *Store) GetEpisode(ctx context.Context, id string) (*catalog.Episode, error) {
	var (
		e        catalog.Episode
		title    sql.NullString
		duration sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content_id, season, episode, title, duration_seconds
		FROM episodes WHERE id = ?
	`, id).Scan(&e.ID, &e.ContentID, &e.Season, &e.Episode, &title, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Title = title.String
	e.DurationSeconds = duration.Int64
	return &e, nil
}

func (s *Store) ListContents(ctx context.Context, limit, offset int) ([]catalog.Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, title, year, genres, plot, rating, poster_url, created_at
		FROM contents
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (*catalog.Content, error) {
	var (
		c         catalog.Content
		year      sql.NullInt64
		genres    sql.NullString
		plot      sql.NullString
		rating    sql.NullFloat64
		posterURL sql.NullString
		createdAt int64
	)
	err := row.Scan(&c.ID, &c.Type, &c.Title, &year, &genres, &plot, &rating, &posterURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Year = int(year.Int64)
	if genres.String != "" {
		c.Genres = strings.Split(genres.String, ",")
	}
	c.Plot = plot.String
	c.Rating = rating.Float64
	c.PosterURL = posterURL.String
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

func nullInt(value int) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullFloat(value float64) any {
	if value == 0 {
		return nil
	}
	return value
}
