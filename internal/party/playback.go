package party

import "time"

// PlaybackState is the authoritative play/pause/position checkpoint for a
// session. It is not a live clock: the position a client should display is
// PositionSeconds plus the wall time elapsed since UpdatedAt while playing.
type PlaybackState struct {
	IsPlaying       bool
	PositionSeconds float64
	UpdatedAt       time.Time
	SourceClientID  string
}

// EstimatedPosition extrapolates the checkpoint to now.
func (p PlaybackState) EstimatedPosition(now time.Time) float64 {
	if !p.IsPlaying {
		return p.PositionSeconds
	}
	elapsed := now.Sub(p.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return p.PositionSeconds + elapsed
}

func (p PlaybackState) snapshot(now time.Time) StateSnapshot {
	return StateSnapshot{
		IsPlaying:   p.IsPlaying,
		CurrentTime: p.EstimatedPosition(now),
		Timestamp:   now.UnixMilli(),
		ClientID:    p.SourceClientID,
	}
}

// UpdatePlayerState reconciles an inbound player-state update against the
// authoritative state. Conflicts between racing clients resolve
// last-write-wins on the server receipt stamp: an update stamped earlier
// than the current state is stale (e.g. delayed delivery) and is dropped so
// it cannot revert a newer checkpoint. Accepted updates are rebroadcast to
// every member except the sender, stamped with the receipt time.
func (s *Session) UpdatePlayerState(senderID string, isPlaying bool, currentTime float64, receivedAt time.Time) (StateSnapshot, bool, []*Client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if receivedAt.Before(s.state.UpdatedAt) {
		return StateSnapshot{}, false, nil
	}

	s.state = PlaybackState{
		IsPlaying:       isPlaying,
		PositionSeconds: currentTime,
		UpdatedAt:       receivedAt,
		SourceClientID:  senderID,
	}
	s.lastActivity = receivedAt

	snap := StateSnapshot{
		IsPlaying:   isPlaying,
		CurrentTime: currentTime,
		Timestamp:   receivedAt.UnixMilli(),
		ClientID:    senderID,
	}
	failed := s.broadcastLocked(PlayerStateEnvelope{
		Type:        TypePlayerState,
		ClientID:    senderID,
		IsPlaying:   snap.IsPlaying,
		CurrentTime: snap.CurrentTime,
		Timestamp:   snap.Timestamp,
	}, senderID)
	return snap, true, failed
}

// PlaybackSnapshot returns the live-estimated state, for surfaces outside
// the join path (tests, HTTP debug).
func (s *Session) PlaybackSnapshot(now time.Time) StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.snapshot(now)
}
