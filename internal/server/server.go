package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amir17x/xraynama/internal/catalog"
	"github.com/amir17x/xraynama/internal/identity"
	"github.com/amir17x/xraynama/internal/party"
)

const jsonContentType = "application/json; charset=utf-8"

type Config struct {
	Addr        string
	Hub         *party.Hub
	Registry    *party.Registry
	Catalog     *catalog.Service  // optional
	ChatHistory party.ChatStore   // optional
	Identity    *identity.Service // optional
	Log         *zap.Logger
	CORSEnabled bool
}

type Server struct {
	addr     string
	hub      *party.Hub
	reg      *party.Registry
	catalog  *catalog.Service
	history  party.ChatStore
	identity *identity.Service
	log      *zap.Logger
	http     *http.Server
}

func New(cfg Config) (*Server, error) {
	if cfg.Hub == nil || cfg.Registry == nil {
		return nil, errors.New("server: hub and registry are required")
	}

	s := &Server{
		addr:     cfg.Addr,
		hub:      cfg.Hub,
		reg:      cfg.Registry,
		catalog:  cfg.Catalog,
		history:  cfg.ChatHistory,
		identity: cfg.Identity,
		log:      cfg.Log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/catalog/contents", s.handleContentList)
	mux.HandleFunc("/catalog/contents/", s.handleContent)
	mux.HandleFunc("/catalog/episodes/", s.handleEpisode)
	mux.HandleFunc("/parties/", s.handleParties)
	mux.HandleFunc("/profiles/", s.handleProfile)

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           logMiddleware(mux, cfg.Log, cfg.CORSEnabled),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Start() error { return s.http.ListenAndServe() }

func (s *Server) Close() error {
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleContentList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		http.Error(w, "catalog not configured", http.StatusNotFound)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	contents, err := s.catalog.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	if contents == nil {
		contents = []catalog.Content{}
	}
	writeJSON(w, contents)
}

// Routes under /catalog/contents/{id}
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		http.Error(w, "catalog not configured", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/catalog/contents/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	content, err := s.catalog.Content(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, content)
}

// Routes under /catalog/episodes/{id}
func (s *Server) handleEpisode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.catalog == nil {
		http.Error(w, "catalog not configured", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/catalog/episodes/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	episode, err := s.catalog.Episode(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, episode)
}

// Routes under /parties/{code}/chat — recent chat history for a party.
func (s *Server) handleParties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/parties/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "chat" {
		http.NotFound(w, r)
		return
	}
	code := party.NormalizePartyCode(parts[0])

	if s.history == nil {
		// No durable store wired: serve the live session's in-memory tail.
		sess, err := s.reg.Get(code)
		if err != nil {
			http.Error(w, "invalid or expired party code", http.StatusNotFound)
			return
		}
		msgs := sess.RecentChat(50)
		if msgs == nil {
			msgs = []party.ChatMessage{}
		}
		writeJSON(w, msgs)
		return
	}

	msgs, err := s.history.RecentMessages(r.Context(), code, 50)
	if err != nil {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []party.ChatMessage{}
	}
	writeJSON(w, msgs)
}

// Routes under /profiles/{id} — read-only presentation lookup (display
// name, avatar). Never consulted for session membership.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.identity == nil {
		http.Error(w, "identity not configured", http.StatusNotFound)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/profiles/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	profile, err := s.identity.Profile(r.Context(), id)
	if errors.Is(err, identity.ErrProfileNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "identity unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, profile)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	_ = json.NewEncoder(w).Encode(v)
}
