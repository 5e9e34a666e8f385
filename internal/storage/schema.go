package storage

import "fmt"

const schemaContents = `
CREATE TABLE IF NOT EXISTS contents (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('movie', 'series')),
	title TEXT NOT NULL,
	year INTEGER CHECK (year IS NULL OR (year >= 1800 AND year <= 3000)),
	genres TEXT,
	plot TEXT,
	rating REAL CHECK (rating IS NULL OR (rating >= 0 AND rating <= 10)),
	poster_url TEXT,
	created_at INTEGER NOT NULL
);`

const schemaContentsIndexes = `
CREATE INDEX IF NOT EXISTS idx_contents_title ON contents(title);
CREATE INDEX IF NOT EXISTS idx_contents_type ON contents(type);
`

const schemaEpisodes = `
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	content_id TEXT NOT NULL,
	season INTEGER NOT NULL CHECK (season >= 0),
	episode INTEGER NOT NULL CHECK (episode >= 0),
	title TEXT,
	duration_seconds INTEGER,
	FOREIGN KEY (content_id) REFERENCES contents(id) ON DELETE CASCADE
);`

const schemaChatMessages = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id TEXT PRIMARY KEY,
	session_code TEXT NOT NULL,
	sender_client_id TEXT NOT NULL,
	text TEXT NOT NULL,
	sent_at INTEGER NOT NULL
);`

const schemaProfiles = `
CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	avatar_url TEXT,
	password_hash TEXT,
	created_at INTEGER NOT NULL
);`

const schemaEpisodesIndexes = `
CREATE INDEX IF NOT EXISTS idx_episodes_content_id ON episodes(content_id, season, episode);`

const schemaChatMessagesIndexes = `
CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_code, sent_at DESC);`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY
);`

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			schemaContents,
			schemaContentsIndexes,
			schemaEpisodes,
			schemaChatMessages,
			schemaProfiles,
		},
	},
	{
		version: 2,
		statements: []string{
			schemaEpisodesIndexes,
			schemaChatMessagesIndexes,
		},
	},
}

// EnsureSchema applies any pending migrations.
func (s *Store) EnsureSchema() error {
	return s.MigrateSchema()
}

func (s *Store) MigrateSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	if _, err := s.db.Exec(schemaMigrations); err != nil {
		return err
	}

	applied := map[int]bool{}
	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return err
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("storage: migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
