package party

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Error envelope codes surfaced to clients. A rejected message never
// affects the session or any other member.
const (
	errCodeValidation      = "validation-error"
	errCodeSessionNotFound = "session-not-found"
	errCodeNotJoined       = "not-joined"
	errCodeRateLimited     = "rate-limited"
)

// route classifies one inbound frame and dispatches it. Malformed or
// unrecognized envelopes are dropped with a diagnostic and an error reply
// to the sender only.
func (h *Hub) route(c *Client, data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		h.log.Debug("envelope rejected",
			zap.String("client_id", c.ID),
			zap.Error(err))
		c.sendError(errCodeValidation, err.Error())
		return
	}

	switch env := env.(type) {
	case *JoinPartyEnvelope:
		h.handleJoin(c, env)

	case *ChatEnvelope:
		if !h.allow(c) {
			return
		}
		h.handleChat(c, env)

	case *PlayerStateEnvelope:
		if !h.allow(c) {
			return
		}
		h.handlePlayerState(c, env)
	}
}

func (h *Hub) allow(c *Client) bool {
	if c.ID == "" {
		return true
	}
	ok, wait := h.limiter.Allow(c.ID)
	if !ok {
		h.log.Debug("message rate limited",
			zap.String("client_id", c.ID),
			zap.Duration("retry_in", wait))
		c.sendError(errCodeRateLimited, "slow down")
	}
	return ok
}

// handleJoin binds the connection to a session. A client belongs to at most
// one session: joining implicitly leaves any prior one, with a user-left
// broadcast to that session's remaining members.
func (h *Hub) handleJoin(c *Client, env *JoinPartyEnvelope) {
	now := time.Now()

	if h.catalog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if env.ContentID != "" && !h.catalog.HasContent(ctx, env.ContentID) {
			c.sendError(errCodeValidation, "unknown content ref")
			return
		}
		if env.EpisodeID != "" && !h.catalog.HasEpisode(ctx, env.EpisodeID) {
			c.sendError(errCodeValidation, "unknown episode ref")
			return
		}
	}

	clientID, ok := c.bindID(env.ClientID)
	if !ok {
		c.sendError(errCodeValidation, "clientId cannot change on rejoin")
		return
	}

	if prev := c.detachSession(); prev != nil {
		res := prev.Leave(c, now)
		h.dropSlow(res.Failed)
	}

	// GetOrCreate can hand back a session the reaper destroyed between the
	// lookup and the join; retry against a fresh record once.
	var res JoinResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		sess := h.registry.GetOrCreate(env.PartyCode, env.ContentID, env.EpisodeID)
		res, err = sess.Join(c, now)
		if err == nil {
			c.setSession(sess)
			break
		}
	}
	if err != nil {
		h.log.Warn("join failed",
			zap.String("party_code", env.PartyCode),
			zap.String("client_id", clientID),
			zap.Error(err))
		c.sendError(errCodeSessionNotFound, "invalid or expired party code")
		return
	}

	// After joining, liveness shifts from the join grace to ping/pong.
	_ = c.conn.SetReadDeadline(now.Add(pongTimeout))

	if res.Replaced != nil {
		h.log.Info("connection replaced by rejoin",
			zap.String("party_code", env.PartyCode),
			zap.String("client_id", clientID))
		_ = res.Replaced.conn.Close()
	}
	h.dropSlow(res.Failed)

	h.log.Info("member joined",
		zap.String("party_code", env.PartyCode),
		zap.String("client_id", clientID),
		zap.Int("members", len(res.Roster)))
}

func (h *Hub) handleChat(c *Client, env *ChatEnvelope) {
	sess := c.currentSession()
	if sess == nil {
		c.sendError(errCodeNotJoined, "join a party before sending chat")
		return
	}

	msg, failed := sess.PostChat(c.ID, env.Message, time.Now())
	h.dropSlow(failed)
	mirrorChat(h.chatStore, msg, h.log)

	h.log.Debug("chat relayed",
		zap.String("party_code", sess.Code),
		zap.String("client_id", c.ID),
		zap.String("message_id", msg.ID))
}

func (h *Hub) handlePlayerState(c *Client, env *PlayerStateEnvelope) {
	sess := c.currentSession()
	if sess == nil {
		c.sendError(errCodeNotJoined, "join a party before sending player state")
		return
	}

	snap, applied, failed := sess.UpdatePlayerState(c.ID, env.IsPlaying, env.CurrentTime, time.Now())
	h.dropSlow(failed)
	if !applied {
		h.log.Debug("stale player-state dropped",
			zap.String("party_code", sess.Code),
			zap.String("client_id", c.ID))
		return
	}

	h.log.Debug("player state reconciled",
		zap.String("party_code", sess.Code),
		zap.String("client_id", c.ID),
		zap.Bool("is_playing", snap.IsPlaying),
		zap.Float64("current_time", snap.CurrentTime))
}
