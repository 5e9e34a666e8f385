package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amir17x/xraynama/internal/catalog"
	"github.com/amir17x/xraynama/internal/identity"
	"github.com/amir17x/xraynama/internal/party"
)

type fakeCatalogStore struct {
	contents map[string]*catalog.Content
	episodes map[string]*catalog.Episode
}

func (s *fakeCatalogStore) GetContent(_ context.Context, id string) (*catalog.Content, error) {
	if c, ok := s.contents[id]; ok {
		return c, nil
	}
	return nil, catalog.ErrNotFound
}

func (s *fakeCatalogStore) GetEpisode(_ context.Context, id string) (*catalog.Episode, error) {
	if e, ok := s.episodes[id]; ok {
		return e, nil
	}
	return nil, catalog.ErrNotFound
}

func (s *fakeCatalogStore) ListContents(_ context.Context, limit, offset int) ([]catalog.Content, error) {
	out := make([]catalog.Content, 0, len(s.contents))
	for _, c := range s.contents {
		out = append(out, *c)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestServer(t *testing.T, withCatalog bool) (*Server, *httptest.Server) {
	t.Helper()

	log := zap.NewNop()
	reg := party.NewRegistry(log, party.RegistryConfig{})
	t.Cleanup(reg.Close)
	hub := party.NewHub(party.HubConfig{Registry: reg, Log: log})
	t.Cleanup(hub.Close)

	cfg := Config{
		Addr:     "127.0.0.1:0",
		Hub:      hub,
		Registry: reg,
		Log:      log,
	}
	if withCatalog {
		cfg.Catalog = catalog.NewService(&fakeCatalogStore{
			contents: map[string]*catalog.Content{
				"movie-1": {ID: "movie-1", Type: "movie", Title: "First"},
			},
			episodes: map[string]*catalog.Episode{
				"ep-1": {ID: "ep-1", ContentID: "series-1", Season: 1, Episode: 1},
			},
		}, log)
	}

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)
	return s, srv
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %d, want 200", resp.StatusCode)
	}
}

func TestContentEndpoints(t *testing.T) {
	_, srv := newTestServer(t, true)

	resp, err := http.Get(srv.URL + "/catalog/contents")
	if err != nil {
		t.Fatalf("GET contents error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET contents status = %d, want 200", resp.StatusCode)
	}
	var list []catalog.Content
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "movie-1" {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp, err = http.Get(srv.URL + "/catalog/contents/movie-1")
	if err != nil {
		t.Fatalf("GET content error = %v", err)
	}
	defer resp.Body.Close()
	var content catalog.Content
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if content.Title != "First" {
		t.Fatalf("content title = %q, want First", content.Title)
	}

	resp, err = http.Get(srv.URL + "/catalog/contents/none")
	if err != nil {
		t.Fatalf("GET missing content error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET missing content status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/catalog/episodes/ep-1")
	if err != nil {
		t.Fatalf("GET episode error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET episode status = %d, want 200", resp.StatusCode)
	}
}

func TestCatalogNotConfigured(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/catalog/contents")
	if err != nil {
		t.Fatalf("GET contents error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPartyChatEndpoint(t *testing.T) {
	_, srv := newTestServer(t, false)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	// Open a party over the websocket and say something.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()
	join, _ := json.Marshal(party.JoinPartyEnvelope{Type: party.TypeJoinParty, PartyCode: "AB12", ClientID: "u1"})
	if err := conn.WriteMessage(websocket.TextMessage, join); err != nil {
		t.Fatalf("write join: %v", err)
	}
	// joined + user-joined
	for i := 0; i < 2; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
	}
	chat, _ := json.Marshal(party.ChatEnvelope{Type: party.TypeChat, Message: "for the record"})
	if err := conn.WriteMessage(websocket.TextMessage, chat); err != nil {
		t.Fatalf("write chat: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(srv.URL + "/parties/ab12/chat")
	if err != nil {
		t.Fatalf("GET chat error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET chat status = %d, want 200", resp.StatusCode)
	}
	var msgs []party.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "for the record" {
		t.Fatalf("unexpected history: %+v", msgs)
	}

	resp, err = http.Get(srv.URL + "/parties/ZZ99/chat")
	if err != nil {
		t.Fatalf("GET unknown party error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown party status = %d, want 404", resp.StatusCode)
	}
}

type fakeIdentityStore struct {
	profiles map[string]identity.Profile
}

func (s *fakeIdentityStore) GetProfile(_ context.Context, userID string) (*identity.Profile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return nil, identity.ErrProfileNotFound
	}
	return &p, nil
}

func (s *fakeIdentityStore) UpsertProfile(_ context.Context, profile identity.Profile) error {
	s.profiles[profile.UserID] = profile
	return nil
}

func (s *fakeIdentityStore) CredentialHash(context.Context, string) (string, error) {
	return "", identity.ErrInvalidCredentials
}

func (s *fakeIdentityStore) SetCredentialHash(context.Context, string, string) error {
	return nil
}

func TestProfileEndpoint(t *testing.T) {
	log := zap.NewNop()
	reg := party.NewRegistry(log, party.RegistryConfig{})
	t.Cleanup(reg.Close)
	hub := party.NewHub(party.HubConfig{Registry: reg, Log: log})
	t.Cleanup(hub.Close)

	idSvc, err := identity.NewService(&fakeIdentityStore{profiles: map[string]identity.Profile{
		"user-1": {UserID: "user-1", DisplayName: "Amir", AvatarURL: "https://example.test/a.png"},
	}}, log)
	if err != nil {
		t.Fatalf("identity.NewService() error = %v", err)
	}

	s, err := New(Config{Addr: "127.0.0.1:0", Hub: hub, Registry: reg, Identity: idSvc, Log: log})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/profiles/user-1")
	if err != nil {
		t.Fatalf("GET profile error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET profile status = %d, want 200", resp.StatusCode)
	}
	var profile identity.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.DisplayName != "Amir" || profile.AvatarURL != "https://example.test/a.png" {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	resp, err = http.Get(srv.URL + "/profiles/nobody")
	if err != nil {
		t.Fatalf("GET missing profile error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET missing profile status = %d, want 404", resp.StatusCode)
	}
}

func TestProfileNotConfigured(t *testing.T) {
	_, srv := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/profiles/user-1")
	if err != nil {
		t.Fatalf("GET profile error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	log := zap.NewNop()
	reg := party.NewRegistry(log, party.RegistryConfig{})
	t.Cleanup(reg.Close)
	hub := party.NewHub(party.HubConfig{Registry: reg, Log: log})
	t.Cleanup(hub.Close)

	s, err := New(Config{Addr: "127.0.0.1:0", Hub: hub, Registry: reg, Log: log, CORSEnabled: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv := httptest.NewServer(s.http.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
