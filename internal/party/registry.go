package party

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSessionNotEmpty rejects removal of a session that still has members.
var ErrSessionNotEmpty = errors.New("session not empty")

const (
	// DefaultIdleTimeout is how long an empty session survives before the
	// reaper may destroy it.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultDestroyGrace extends the idle timeout so a rapid
	// disconnect/reconnect blip does not tear a party down.
	DefaultDestroyGrace = 30 * time.Second

	sweepInterval = 15 * time.Second
)

// RegistryConfig tunes session expiry. Zero values fall back to defaults.
type RegistryConfig struct {
	IdleTimeout  time.Duration
	DestroyGrace time.Duration
}

// Registry owns the party-code -> session map and the session lifecycle.
// It is the only component that creates or destroys sessions; per-session
// mutation is serialized by the session's own lock, which callers reach
// exclusively through the *Session the registry hands out.
type Registry struct {
	log          *zap.Logger
	idleTimeout  time.Duration
	destroyGrace time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRegistry creates a registry and starts its expiry reaper. Call Close
// to stop the reaper.
func NewRegistry(log *zap.Logger, cfg RegistryConfig) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.DestroyGrace <= 0 {
		cfg.DestroyGrace = DefaultDestroyGrace
	}
	r := &Registry{
		log:          log,
		idleTimeout:  cfg.IdleTimeout,
		destroyGrace: cfg.DestroyGrace,
		sessions:     make(map[string]*Session),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go r.reap()
	return r
}

// GetOrCreate returns the session for code, creating it on first use.
// Content refs are recorded on creation and left untouched afterwards.
func (r *Registry) GetOrCreate(code, contentID, episodeID string) *Session {
	code = NormalizePartyCode(code)

	r.mu.RLock()
	sess, ok := r.sessions[code]
	r.mu.RUnlock()
	if ok && sess.State() != LifecycleDestroyed {
		return sess
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[code]; ok && sess.State() != LifecycleDestroyed {
		return sess
	}
	sess = newSession(code, contentID, episodeID, time.Now())
	r.sessions[code] = sess
	r.log.Info("session created",
		zap.String("party_code", code),
		zap.String("content_id", contentID))
	return sess
}

// Get returns the session for code or ErrSessionNotFound.
func (r *Registry) Get(code string) (*Session, error) {
	code = NormalizePartyCode(code)
	r.mu.RLock()
	sess, ok := r.sessions[code]
	r.mu.RUnlock()
	if !ok || sess.State() == LifecycleDestroyed {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Touch refreshes a session's activity clock. Unknown codes are a no-op.
func (r *Registry) Touch(code string) {
	if sess, err := r.Get(code); err == nil {
		sess.touch(time.Now())
	}
}

// Remove destroys the session for code if it has no members.
func (r *Registry) Remove(code string) error {
	code = NormalizePartyCode(code)
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[code]
	if !ok {
		return ErrSessionNotFound
	}
	if !sess.destroyIfEmpty() {
		return ErrSessionNotEmpty
	}
	delete(r.sessions, code)
	r.log.Info("session removed", zap.String("party_code", code))
	return nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close stops the reaper.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Registry) reap() {
	defer close(r.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stop:
			return
		}
	}
}

// sweep destroys sessions that stayed empty past the idle timeout plus the
// reconnect grace window.
func (r *Registry) sweep(now time.Time) {
	ttl := r.idleTimeout + r.destroyGrace

	r.mu.Lock()
	defer r.mu.Unlock()
	for code, sess := range r.sessions {
		if sess.expire(now, ttl) {
			delete(r.sessions, code)
			r.log.Info("idle session destroyed",
				zap.String("party_code", code),
				zap.Duration("idle_for", now.Sub(sess.CreatedAt)))
		}
	}
}
