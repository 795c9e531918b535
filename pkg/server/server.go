package server

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/m-mizutani/vervet/pkg/adapter"
	"github.com/m-mizutani/vervet/pkg/model"
	"github.com/m-mizutani/vervet/pkg/repository"
	"github.com/m-mizutani/vervet/pkg/usecase/conversation"
	"github.com/m-mizutani/vervet/pkg/usecase/intent"
	"github.com/m-mizutani/vervet/pkg/utils/logging"
)

// NewInput bundles the dependencies of the HTTP surface
type NewInput struct {
	Repo          repository.Repository
	Conversations *conversation.UseCase
	Intents       *intent.UseCase
	Storage       adapter.Storage
	Profiles      map[string]*model.DomainProfile
	DefaultDomain string
	Limiter       *Limiter
}

// Server exposes the chat, call registration and voice websocket endpoints
type Server struct {
	repo          repository.Repository
	conversations *conversation.UseCase
	intents       *intent.UseCase
	storage       adapter.Storage
	profiles      map[string]*model.DomainProfile
	defaultDomain string
	limiter       *Limiter
	upgrader      websocket.Upgrader
}

// New creates a Server. Limiter defaults to 30 requests per 60 seconds when
// unset; DefaultDomain falls back to "generic".
func New(input NewInput) *Server {
	s := &Server{
		repo:          input.Repo,
		conversations: input.Conversations,
		intents:       input.Intents,
		storage:       input.Storage,
		profiles:      input.Profiles,
		defaultDomain: input.DefaultDomain,
		limiter:       input.Limiter,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if s.limiter == nil {
		s.limiter = NewLimiter(DefaultRateLimit, DefaultRateWindow)
	}
	if s.defaultDomain == "" {
		s.defaultDomain = "generic"
	}
	if s.profiles == nil {
		s.profiles, _ = model.LoadProfiles("")
	}

	return s
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("OPTIONS /chat", s.handlePreflight)
	mux.HandleFunc("POST /calls/register", s.handleRegisterCall)
	mux.HandleFunc("OPTIONS /calls/register", s.handlePreflight)
	mux.HandleFunc("GET /calls/{call_id}/transcript", s.handleTranscript)
	mux.HandleFunc("GET /voice/{call_id}", s.handleVoice)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	w.WriteHeader(http.StatusNoContent)
}

// profile resolves a requested domain key, falling back to the configured
// default and finally to whatever profile exists
func (s *Server) profile(domain string) *model.DomainProfile {
	if p, ok := s.profiles[domain]; ok {
		return p
	}
	if p, ok := s.profiles[s.defaultDomain]; ok {
		return p
	}
	for _, p := range s.profiles {
		return p
	}
	return nil
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
}

func respondJSON(w http.ResponseWriter, code int, body any) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Default().Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

// clientKey derives the rate-limit key from the request origin
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
