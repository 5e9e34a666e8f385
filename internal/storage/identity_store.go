package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/amir17x/xraynama/internal/identity"
)

func (s *Store) GetProfile(ctx context.Context, userID string) (*identity.Profile, error) {
	var (
		p         identity.Profile
		avatarURL sql.NullString
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar_url, created_at
		FROM profiles WHERE user_id = ?
	`, userID).Scan(&p.UserID, &p.DisplayName, &avatarURL, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AvatarURL = avatarURL.String
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, profile identity.Profile) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}
	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name=excluded.display_name,
			avatar_url=excluded.avatar_url
	`, profile.UserID, profile.DisplayName, nullString(profile.AvatarURL), createdAt.Unix())
	return err
}

func (s *Store) CredentialHash(ctx context.Context, userID string) (string, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT password_hash FROM profiles WHERE user_id = ?
	`, userID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", identity.ErrProfileNotFound
	}
	if err != nil {
		return "", err
	}
	if !hash.Valid || hash.String == "" {
		return "", identity.ErrInvalidCredentials
	}
	return hash.String, nil
}

func (s *Store) SetCredentialHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET password_hash = ? WHERE user_id = ?
	`, hash, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrProfileNotFound
	}
	return nil
}
