package party

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Lifecycle is the membership state of a session. A session is created
// EMPTY, becomes ACTIVE on the first join, returns to EMPTY when the last
// member leaves, and is DESTROYED by the registry reaper once it has stayed
// EMPTY past the idle timeout.
type Lifecycle int

const (
	LifecycleEmpty Lifecycle = iota
	LifecycleActive
	LifecycleDestroyed
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleEmpty:
		return "empty"
	case LifecycleActive:
		return "active"
	case LifecycleDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Session is one watch party: a roster of live connections plus the
// authoritative playback state and the recent chat tail. All mutation goes
// through methods that hold s.mu; the registry hands out sessions but never
// touches their internals.
type Session struct {
	Code      string
	ContentID string
	EpisodeID string
	CreatedAt time.Time

	mu           sync.Mutex
	members      map[string]*Client
	state        PlaybackState
	history      *chatRing
	lifecycle    Lifecycle
	lastActivity time.Time
	emptySince   time.Time
}

func newSession(code, contentID, episodeID string, now time.Time) *Session {
	return &Session{
		Code:         code,
		ContentID:    contentID,
		EpisodeID:    episodeID,
		CreatedAt:    now,
		members:      make(map[string]*Client),
		history:      newChatRing(chatHistorySize),
		lifecycle:    LifecycleEmpty,
		lastActivity: now,
		emptySince:   now,
	}
}

// JoinResult reports the outcome of adding a member.
type JoinResult struct {
	Roster []string
	// Replaced is a previous connection bound to the same client id,
	// displaced by this join (the reconnect path). The hub closes it.
	Replaced *Client
	// Failed are members whose send queue rejected the roster broadcast.
	Failed []*Client
}

// Join adds c to the roster and enqueues the joined response to c and a
// user-joined roster broadcast to every member, including c. The joined
// response carries the live playback snapshot and the chat tail.
func (s *Session) Join(c *Client, now time.Time) (JoinResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lifecycle == LifecycleDestroyed {
		return JoinResult{}, ErrSessionNotFound
	}

	res := JoinResult{}
	if old, ok := s.members[c.ID]; ok && old != c {
		res.Replaced = old
	}
	s.members[c.ID] = c
	s.lifecycle = LifecycleActive
	s.lastActivity = now

	res.Roster = s.rosterLocked()
	snap := s.state.snapshot(now)

	joined, err := json.Marshal(JoinedEnvelope{
		Type:     TypeJoined,
		ClientID: c.ID,
		Clients:  res.Roster,
		State:    &snap,
		History:  s.history.recent(chatHistorySize),
	})
	if err == nil && !c.enqueue(joined) {
		res.Failed = append(res.Failed, c)
	}

	res.Failed = append(res.Failed, s.broadcastLocked(RosterEnvelope{
		Type:     TypeUserJoined,
		ClientID: c.ID,
		Clients:  res.Roster,
	}, "")...)
	return res, nil
}

// LeaveResult reports the outcome of removing a member.
type LeaveResult struct {
	WasMember bool
	Empty     bool
	Roster    []string
	Failed    []*Client
}

// Leave removes the member and enqueues a user-left roster broadcast to the
// remaining members. When the roster reaches zero the session transitions
// back to EMPTY and starts its idle clock.
func (s *Session) Leave(c *Client, now time.Time) LeaveResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A replaced connection must not evict its successor.
	if cur, ok := s.members[c.ID]; !ok || cur != c {
		return LeaveResult{}
	}
	delete(s.members, c.ID)
	s.lastActivity = now

	res := LeaveResult{WasMember: true, Roster: s.rosterLocked()}
	if len(s.members) == 0 {
		s.lifecycle = LifecycleEmpty
		s.emptySince = now
		res.Empty = true
		return res
	}

	res.Failed = s.broadcastLocked(RosterEnvelope{
		Type:     TypeUserLeft,
		ClientID: c.ID,
		Clients:  res.Roster,
	}, "")
	return res
}

// Roster returns the sorted client ids currently in the session.
func (s *Session) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

func (s *Session) rosterLocked() []string {
	roster := make([]string, 0, len(s.members))
	for id := range s.members {
		roster = append(roster, id)
	}
	sort.Strings(roster)
	return roster
}

// MemberCount returns the number of live connections.
func (s *Session) MemberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// State returns the lifecycle state.
func (s *Session) State() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// destroyIfEmpty marks the session DESTROYED if it has no members. Used by
// the registry's explicit Remove path.
func (s *Session) destroyIfEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.members) != 0 {
		return false
	}
	s.lifecycle = LifecycleDestroyed
	return true
}

// expire reports whether the reaper may destroy the session: zero members
// and empty for longer than ttl. Marks the session DESTROYED on success so
// a racing join fails over to a fresh session.
func (s *Session) expire(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != LifecycleEmpty || len(s.members) != 0 {
		return false
	}
	if now.Sub(s.emptySince) < ttl {
		return false
	}
	s.lifecycle = LifecycleDestroyed
	return true
}

// broadcastLocked marshals env once and enqueues it to every member except
// the named one. Callers hold s.mu, so every member observes session events
// in the same server receipt order. Members whose queue rejects the frame
// are returned for the hub to disconnect; delivery to the rest proceeds.
func (s *Session) broadcastLocked(env any, except string) []*Client {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	var failed []*Client
	for id, member := range s.members {
		if id == except {
			continue
		}
		if !member.enqueue(data) {
			failed = append(failed, member)
		}
	}
	return failed
}
