package party

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Wire envelope types. Every message on the socket is a JSON object tagged
// on "type"; anything outside this set is rejected at the boundary.
const (
	TypeJoinParty   = "join-party"
	TypeJoined      = "joined"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeChat        = "chat"
	TypePlayerState = "player-state"
	TypeError       = "error"
)

const (
	MaxPartyCodeLength = 10
	MinPartyCodeLength = 4
	MaxClientIDLength  = 64
	MaxChatLength      = 500
)

var (
	ErrValidation      = errors.New("validation error")
	ErrSessionNotFound = errors.New("session not found")
)

// JoinPartyEnvelope is the first message a client must send after connecting.
type JoinPartyEnvelope struct {
	Type      string `json:"type"`
	PartyCode string `json:"partyCode"`
	ClientID  string `json:"clientId,omitempty"`
	ContentID string `json:"contentId,omitempty"`
	EpisodeID string `json:"episodeId,omitempty"`
}

// ChatEnvelope carries chat text. The server assigns the timestamp on
// rebroadcast; a client-supplied timestamp is ignored.
type ChatEnvelope struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// PlayerStateEnvelope carries a play/pause/seek checkpoint.
type PlayerStateEnvelope struct {
	Type        string  `json:"type"`
	ClientID    string  `json:"clientId,omitempty"`
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
	Timestamp   int64   `json:"timestamp,omitempty"`
}

// JoinedEnvelope is the server's direct response to a valid join. It carries
// the full roster, the current authoritative playback state, and the recent
// chat tail so a joiner never starts from a default view.
type JoinedEnvelope struct {
	Type     string         `json:"type"`
	ClientID string         `json:"clientId"`
	Clients  []string       `json:"clients"`
	State    *StateSnapshot `json:"state,omitempty"`
	History  []ChatMessage  `json:"history,omitempty"`
}

// RosterEnvelope announces a membership change to every member. The full
// roster is repeated each time so any client can recover a correct view
// after a missed event instead of drifting from a patch sequence.
type RosterEnvelope struct {
	Type     string   `json:"type"`
	ClientID string   `json:"clientId"`
	Clients  []string `json:"clients"`
}

// ErrorEnvelope notifies the sender of a rejected message. It is never
// broadcast.
type ErrorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateSnapshot is the wire form of the authoritative playback state.
type StateSnapshot struct {
	IsPlaying   bool    `json:"isPlaying"`
	CurrentTime float64 `json:"currentTime"`
	Timestamp   int64   `json:"timestamp"`
	ClientID    string  `json:"clientId,omitempty"`
}

// DecodeEnvelope parses a raw inbound frame into one of the closed set of
// client->server variants. It returns *JoinPartyEnvelope, *ChatEnvelope or
// *PlayerStateEnvelope; everything else is an ErrValidation.
func DecodeEnvelope(data []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrValidation, err)
	}

	switch head.Type {
	case TypeJoinParty:
		var env JoinPartyEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: malformed join-party: %v", ErrValidation, err)
		}
		if err := env.validate(); err != nil {
			return nil, err
		}
		return &env, nil

	case TypeChat:
		var env ChatEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: malformed chat: %v", ErrValidation, err)
		}
		if err := env.validate(); err != nil {
			return nil, err
		}
		return &env, nil

	case TypePlayerState:
		var env PlayerStateEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("%w: malformed player-state: %v", ErrValidation, err)
		}
		if err := env.validate(); err != nil {
			return nil, err
		}
		return &env, nil

	case "":
		return nil, fmt.Errorf("%w: envelope type is required", ErrValidation)

	default:
		return nil, fmt.Errorf("%w: unknown envelope type %q", ErrValidation, head.Type)
	}
}

func (e *JoinPartyEnvelope) validate() error {
	e.PartyCode = NormalizePartyCode(e.PartyCode)
	if e.PartyCode == "" {
		return fmt.Errorf("%w: party code is required", ErrValidation)
	}
	if len(e.PartyCode) < MinPartyCodeLength || len(e.PartyCode) > MaxPartyCodeLength {
		return fmt.Errorf("%w: party code must be %d-%d characters", ErrValidation, MinPartyCodeLength, MaxPartyCodeLength)
	}
	for _, r := range e.PartyCode {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("%w: party code must be alphanumeric", ErrValidation)
		}
	}
	e.ClientID = capBytes(sanitizeString(e.ClientID), MaxClientIDLength)
	return nil
}

func (e *ChatEnvelope) validate() error {
	e.Message = sanitizeString(e.Message)
	if e.Message == "" {
		return fmt.Errorf("%w: chat message is empty", ErrValidation)
	}
	// Oversize text is a rejection, not a silent cut: the sender must learn
	// the message never reached anyone.
	if len(e.Message) > MaxChatLength {
		return fmt.Errorf("%w: chat message exceeds %d bytes", ErrValidation, MaxChatLength)
	}
	return nil
}

func (e *PlayerStateEnvelope) validate() error {
	if e.CurrentTime < 0 {
		return fmt.Errorf("%w: currentTime cannot be negative", ErrValidation)
	}
	return nil
}

// NormalizePartyCode upper-cases and trims a human-entered party code.
func NormalizePartyCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// sanitizeString strips control characters, trims whitespace and repairs
// invalid UTF-8.
func sanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == 0 || (r < 32 && r != '\t' && r != '\n' && r != '\r') {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return s
}

// capBytes bounds the byte length without splitting a rune.
func capBytes(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for i := maxLen; i > 0 && i > maxLen-4; i-- {
		if utf8.ValidString(s[:i]) {
			return strings.TrimSpace(s[:i])
		}
	}
	return strings.TrimSpace(s[:maxLen])
}
