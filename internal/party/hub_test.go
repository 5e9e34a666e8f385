package party

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func newTestHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()

	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(cfg.Log, RegistryConfig{})
		t.Cleanup(cfg.Registry.Close)
	}
	hub := NewHub(cfg)
	t.Cleanup(hub.Close)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// readEnvelope reads one frame and returns its type tag plus the raw bytes.
func readEnvelope(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return head.Type, data
}

func expectType(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	typ, data := readEnvelope(t, conn)
	if typ != want {
		t.Fatalf("frame type = %q, want %q (frame: %s)", typ, want, data)
	}
	return data
}

func joinParty(t *testing.T, conn *websocket.Conn, code, clientID string) JoinedEnvelope {
	t.Helper()
	sendEnvelope(t, conn, JoinPartyEnvelope{Type: TypeJoinParty, PartyCode: code, ClientID: clientID})
	var joined JoinedEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeJoined), &joined); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	// Every member, the joiner included, gets the roster broadcast.
	expectType(t, conn, TypeUserJoined)
	return joined
}

func TestHubWatchPartyFlow(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	// First member opens the party.
	a := dialWS(t, url)
	joined := joinParty(t, a, "AB12", "u1")
	if joined.ClientID != "u1" {
		t.Fatalf("joined clientId = %q, want u1", joined.ClientID)
	}
	if len(joined.Clients) != 1 || joined.Clients[0] != "u1" {
		t.Fatalf("joined roster = %v, want [u1]", joined.Clients)
	}

	// Second member joins; both sides see the two-member roster.
	b := dialWS(t, url)
	joinedB := joinParty(t, b, "AB12", "u2")
	if len(joinedB.Clients) != 2 {
		t.Fatalf("joined roster = %v, want two members", joinedB.Clients)
	}
	var roster RosterEnvelope
	if err := json.Unmarshal(expectType(t, a, TypeUserJoined), &roster); err != nil {
		t.Fatalf("unmarshal user-joined: %v", err)
	}
	if roster.ClientID != "u2" || len(roster.Clients) != 2 {
		t.Fatalf("unexpected user-joined at a: %+v", roster)
	}

	// A play event reaches the other member, stamped server-side, and is
	// not echoed to its sender.
	before := time.Now().UnixMilli()
	sendEnvelope(t, a, PlayerStateEnvelope{Type: TypePlayerState, IsPlaying: true, CurrentTime: 30})
	var ps PlayerStateEnvelope
	if err := json.Unmarshal(expectType(t, b, TypePlayerState), &ps); err != nil {
		t.Fatalf("unmarshal player-state: %v", err)
	}
	if ps.ClientID != "u1" || !ps.IsPlaying || ps.CurrentTime != 30 {
		t.Fatalf("unexpected player-state at b: %+v", ps)
	}
	if ps.Timestamp < before {
		t.Fatalf("player-state timestamp %d predates send %d", ps.Timestamp, before)
	}

	// Chat relays the same way. The next frame a sees must be b's chat,
	// proving a never received its own player-state.
	sendEnvelope(t, b, ChatEnvelope{Type: TypeChat, Message: "nice scene"})
	var chat ChatEnvelope
	if err := json.Unmarshal(expectType(t, a, TypeChat), &chat); err != nil {
		t.Fatalf("unmarshal chat: %v", err)
	}
	if chat.ClientID != "u2" || chat.Message != "nice scene" || chat.Timestamp == 0 {
		t.Fatalf("unexpected chat at a: %+v", chat)
	}

	// Disconnect drops the member and announces it to the survivors.
	_ = a.Close()
	if err := json.Unmarshal(expectType(t, b, TypeUserLeft), &roster); err != nil {
		t.Fatalf("unmarshal user-left: %v", err)
	}
	if roster.ClientID != "u1" || len(roster.Clients) != 1 || roster.Clients[0] != "u2" {
		t.Fatalf("unexpected user-left at b: %+v", roster)
	}
}

func TestHubLateJoinerGetsSnapshotAndHistory(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	a := dialWS(t, url)
	joinParty(t, a, "CD34", "u1")
	sendEnvelope(t, a, ChatEnvelope{Type: TypeChat, Message: "hello"})
	time.Sleep(2 * minMessageInterval)
	sendEnvelope(t, a, PlayerStateEnvelope{Type: TypePlayerState, IsPlaying: true, CurrentTime: 12})
	time.Sleep(100 * time.Millisecond)

	b := dialWS(t, url)
	joined := joinParty(t, b, "CD34", "u2")
	if joined.State == nil || !joined.State.IsPlaying {
		t.Fatalf("late joiner state = %+v, want the playing checkpoint", joined.State)
	}
	if joined.State.CurrentTime < 12 {
		t.Fatalf("late joiner currentTime = %v, want >= 12", joined.State.CurrentTime)
	}
	if len(joined.History) != 1 || joined.History[0].Text != "hello" {
		t.Fatalf("late joiner history = %+v, want the one chat line", joined.History)
	}
}

func TestHubRejectsBeforeJoin(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	conn := dialWS(t, url)
	sendEnvelope(t, conn, ChatEnvelope{Type: TypeChat, Message: "too early"})

	var env ErrorEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeError), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Code != errCodeNotJoined {
		t.Fatalf("error code = %q, want %q", env.Code, errCodeNotJoined)
	}
}

func TestHubRejectsMalformed(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	conn := dialWS(t, url)
	joinParty(t, conn, "EF56", "u1")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"takeover"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeError), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Code != errCodeValidation {
		t.Fatalf("error code = %q, want %q", env.Code, errCodeValidation)
	}

	// The rejected frame does not affect the connection.
	time.Sleep(2 * minMessageInterval)
	sendEnvelope(t, conn, PlayerStateEnvelope{Type: TypePlayerState, CurrentTime: 5})
	if _, _, err := conn.NextReader(); err == nil {
		// No reply expected for a lone member's accepted update; the read
		// should idle out instead of surfacing a close. A frame here would
		// be a protocol violation.
		t.Fatalf("unexpected frame after accepted update")
	}
}

func TestHubRejectsOversizeChat(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	a := dialWS(t, url)
	joinParty(t, a, "QR45", "u1")
	b := dialWS(t, url)
	joinParty(t, b, "QR45", "u2")
	expectType(t, a, TypeUserJoined)

	// The sender learns the oversize message was dropped.
	sendEnvelope(t, a, ChatEnvelope{Type: TypeChat, Message: strings.Repeat("x", MaxChatLength+100)})
	var env ErrorEnvelope
	if err := json.Unmarshal(expectType(t, a, TypeError), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Code != errCodeValidation {
		t.Fatalf("error code = %q, want %q", env.Code, errCodeValidation)
	}

	// Nothing was relayed: the peer's next frame is the follow-up chat, not
	// a truncated copy of the rejected one.
	time.Sleep(2 * minMessageInterval)
	sendEnvelope(t, a, ChatEnvelope{Type: TypeChat, Message: "short"})
	var chat ChatEnvelope
	if err := json.Unmarshal(expectType(t, b, TypeChat), &chat); err != nil {
		t.Fatalf("unmarshal chat: %v", err)
	}
	if chat.Message != "short" {
		t.Fatalf("peer received %q, want the follow-up only", chat.Message)
	}
}

func TestHubJoinGraceTimeout(t *testing.T) {
	_, url := newTestHub(t, HubConfig{JoinGrace: 100 * time.Millisecond})

	conn := dialWS(t, url)
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived without joining")
	}
}

func TestHubRejoinReplacesConnection(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	first := dialWS(t, url)
	joinParty(t, first, "GH78", "u1")

	second := dialWS(t, url)
	joined := joinParty(t, second, "GH78", "u1")
	if len(joined.Clients) != 1 || joined.Clients[0] != "u1" {
		t.Fatalf("rejoin roster = %v, want [u1]", joined.Clients)
	}

	// The displaced connection is closed by the server.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	// The surviving connection stays joined: a chat from a third member
	// reaches it.
	third := dialWS(t, url)
	joinParty(t, third, "GH78", "u2")
	expectType(t, second, TypeUserJoined)
	sendEnvelope(t, third, ChatEnvelope{Type: TypeChat, Message: "still here?"})
	var chat ChatEnvelope
	if err := json.Unmarshal(expectType(t, second, TypeChat), &chat); err != nil {
		t.Fatalf("unmarshal chat: %v", err)
	}
	if chat.Message != "still here?" {
		t.Fatalf("chat = %+v", chat)
	}
}

type recordingChatStore struct {
	mu    sync.Mutex
	saved []ChatMessage
}

func (s *recordingChatStore) SaveMessage(_ context.Context, msg ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, msg)
	return nil
}

func (s *recordingChatStore) RecentMessages(context.Context, string, int) ([]ChatMessage, error) {
	return nil, nil
}

func (s *recordingChatStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestHubMirrorsChatToStore(t *testing.T) {
	store := &recordingChatStore{}
	_, url := newTestHub(t, HubConfig{ChatStore: store})

	conn := dialWS(t, url)
	joinParty(t, conn, "IJ90", "u1")
	sendEnvelope(t, conn, ChatEnvelope{Type: TypeChat, Message: "persist me"})

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("chat never reached the durable store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	store.mu.Lock()
	msg := store.saved[0]
	store.mu.Unlock()
	if msg.SessionCode != "IJ90" || msg.SenderClientID != "u1" || msg.Text != "persist me" {
		t.Fatalf("unexpected stored message: %+v", msg)
	}
}

type fakeCatalog struct {
	contents map[string]bool
	episodes map[string]bool
}

func (c *fakeCatalog) HasContent(_ context.Context, id string) bool { return c.contents[id] }
func (c *fakeCatalog) HasEpisode(_ context.Context, id string) bool { return c.episodes[id] }

func TestHubValidatesContentRefs(t *testing.T) {
	cat := &fakeCatalog{contents: map[string]bool{"movie-1": true}}
	_, url := newTestHub(t, HubConfig{Catalog: cat})

	conn := dialWS(t, url)
	sendEnvelope(t, conn, JoinPartyEnvelope{Type: TypeJoinParty, PartyCode: "KL12", ClientID: "u1", ContentID: "missing"})
	var env ErrorEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeError), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Code != errCodeValidation {
		t.Fatalf("error code = %q, want %q", env.Code, errCodeValidation)
	}

	// A known ref joins fine on the same connection.
	sendEnvelope(t, conn, JoinPartyEnvelope{Type: TypeJoinParty, PartyCode: "KL12", ClientID: "u1", ContentID: "movie-1"})
	expectType(t, conn, TypeJoined)
}

func TestHubClientIDFixedPerConnection(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	conn := dialWS(t, url)
	joinParty(t, conn, "ST67", "u1")

	// Changing the id on a rejoin is rejected and the member stays put.
	sendEnvelope(t, conn, JoinPartyEnvelope{Type: TypeJoinParty, PartyCode: "ST67", ClientID: "u2"})
	var env ErrorEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeError), &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if env.Code != errCodeValidation {
		t.Fatalf("error code = %q, want %q", env.Code, errCodeValidation)
	}

	// Repeating or omitting the id still allows moving to another party.
	sendEnvelope(t, conn, JoinPartyEnvelope{Type: TypeJoinParty, PartyCode: "UV89"})
	var joined JoinedEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeJoined), &joined); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	if joined.ClientID != "u1" {
		t.Fatalf("rejoin clientId = %q, want the bound u1", joined.ClientID)
	}
}

func TestHubGeneratesClientID(t *testing.T) {
	_, url := newTestHub(t, HubConfig{})

	conn := dialWS(t, url)
	sendEnvelope(t, conn, JoinPartyEnvelope{Type: TypeJoinParty, PartyCode: "MN34"})
	var joined JoinedEnvelope
	if err := json.Unmarshal(expectType(t, conn, TypeJoined), &joined); err != nil {
		t.Fatalf("unmarshal joined: %v", err)
	}
	if joined.ClientID == "" {
		t.Fatalf("server did not assign a client id")
	}
	if len(joined.Clients) != 1 || joined.Clients[0] != joined.ClientID {
		t.Fatalf("roster %v does not match assigned id %q", joined.Clients, joined.ClientID)
	}
}
