package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amir17x/xraynama/internal/party"
)

// SaveMessage mirrors a relayed chat line into the durable history.
func (s *Store) SaveMessage(ctx context.Context, msg party.ChatMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_code, sender_client_id, text, sent_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, msg.ID, msg.SessionCode, msg.SenderClientID, msg.Text, msg.SentAt)
	return err
}

// RecentMessages returns up to limit of the newest messages for a session,
// oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionCode string, limit int) ([]party.ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("storage: missing database connection")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_code, sender_client_id, text, sent_at
		FROM chat_messages
		WHERE session_code = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?
	`, sessionCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []party.ChatMessage
	for rows.Next() {
		var m party.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionCode, &m.SenderClientID, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Flip newest-first to oldest-first for replay.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PruneMessages deletes history older than cutoff (unix millis) so the
// table does not grow without bound across dead party codes.
func (s *Store) PruneMessages(ctx context.Context, cutoff int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("storage: missing database connection")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ChatRetentionLoop prunes history older than retention on every interval
// tick until ctx is canceled.
func (s *Store) ChatRetentionLoop(ctx context.Context, interval, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention).UnixMilli()
			pruned, err := s.PruneMessages(ctx, cutoff)
			if err != nil {
				log.Warn("chat history prune failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				log.Info("chat history pruned", zap.Int64("messages", pruned))
			}
		}
	}
}
