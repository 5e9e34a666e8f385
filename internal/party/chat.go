package party

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// chatHistorySize bounds the per-session in-memory tail late joiners get.
const chatHistorySize = 50

// ChatMessage is a relayed chat line. The id and timestamp are always
// assigned server-side; client clock skew never affects ordering.
type ChatMessage struct {
	ID             string `json:"id"`
	SessionCode    string `json:"sessionCode,omitempty"`
	SenderClientID string `json:"clientId"`
	Text           string `json:"message"`
	SentAt         int64  `json:"timestamp"`
}

// ChatStore is an optional durable history collaborator. Without one,
// history is best-effort and lost with the session.
type ChatStore interface {
	SaveMessage(ctx context.Context, msg ChatMessage) error
	RecentMessages(ctx context.Context, sessionCode string, limit int) ([]ChatMessage, error)
}

// chatRing is a fixed-capacity ring buffer of the newest messages.
type chatRing struct {
	buf   []ChatMessage
	start int
	n     int
}

func newChatRing(capacity int) *chatRing {
	return &chatRing{buf: make([]ChatMessage, capacity)}
}

func (r *chatRing) append(msg ChatMessage) {
	if len(r.buf) == 0 {
		return
	}
	end := (r.start + r.n) % len(r.buf)
	r.buf[end] = msg
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// recent returns up to limit messages, oldest first.
func (r *chatRing) recent(limit int) []ChatMessage {
	if limit > r.n {
		limit = r.n
	}
	if limit <= 0 {
		return nil
	}
	out := make([]ChatMessage, 0, limit)
	for i := r.n - limit; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// PostChat records a validated chat line and enqueues it to every member
// except the sender. Ordering follows server receipt order because the
// append and the broadcast happen under the session lock.
func (s *Session) PostChat(senderID, text string, now time.Time) (ChatMessage, []*Client) {
	msg := ChatMessage{
		ID:             uuid.NewString(),
		SessionCode:    s.Code,
		SenderClientID: senderID,
		Text:           text,
		SentAt:         now.UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.append(msg)
	s.lastActivity = now

	failed := s.broadcastLocked(ChatEnvelope{
		Type:      TypeChat,
		ClientID:  msg.SenderClientID,
		Message:   msg.Text,
		Timestamp: msg.SentAt,
	}, senderID)
	return msg, failed
}

// RecentChat returns the in-memory tail, oldest first.
func (s *Session) RecentChat(limit int) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.recent(limit)
}

// mirrorChat persists a message to the durable store off the hot path.
// Failures are logged and dropped; the relay never blocks on storage.
func mirrorChat(store ChatStore, msg ChatMessage, log *zap.Logger) {
	if store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.SaveMessage(ctx, msg); err != nil {
			log.Warn("chat history write failed",
				zap.String("party_code", msg.SessionCode),
				zap.Error(err))
		}
	}()
}
