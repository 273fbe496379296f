// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gatewaycore/llmcore/internal/config"
	"github.com/gatewaycore/llmcore/internal/metrics"
	"github.com/gatewaycore/llmcore/internal/router"
	"github.com/gatewaycore/llmcore/internal/store"
	"github.com/gatewaycore/llmcore/internal/streaming"
	syncpkg "github.com/gatewaycore/llmcore/internal/sync"
)

// Server holds the HTTP router and every dependency handlers need: the
// provider router, the streaming manager, the conversation store, the
// metrics registry, and one sync.Engine per conversation under active
// collaboration.
type Server struct {
	chiRouter chi.Router
	cfg       *config.Config

	rtr     *router.Router
	manager *streaming.Manager
	store   *store.ConversationStore
	metrics *metrics.Registry

	deviceID string

	syncMu        sync.Mutex
	syncEngines   map[string]*syncpkg.Engine
	lastSyncStats map[string]syncpkg.Statistics
}

// New wires up routes and middleware and returns a Server ready to use
// as an http.Handler.
func New(cfg *config.Config, rtr *router.Router, manager *streaming.Manager, st *store.ConversationStore, reg *metrics.Registry, deviceID string) *Server {
	s := &Server{
		cfg:           cfg,
		rtr:           rtr,
		manager:       manager,
		store:         st,
		metrics:       reg,
		deviceID:      deviceID,
		syncEngines:   make(map[string]*syncpkg.Engine),
		lastSyncStats: make(map[string]syncpkg.Statistics),
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", s.handleListModels)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Post("/v1/sync/changes", s.handleSyncChange)
	r.Handle("/metrics", s.metrics.Handler())

	s.chiRouter = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.chiRouter.ServeHTTP(w, r)
}

// engineFor returns the sync.Engine for a conversation, creating and
// joining one on first use.
func (s *Server) engineFor(conversationID string) *syncpkg.Engine {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	e, ok := s.syncEngines[conversationID]
	if !ok {
		e = syncpkg.New(s.deviceID, conversationID, nil)
		e.Join()
		s.syncEngines[conversationID] = e
	}
	return e
}

// recordSyncDelta publishes the counters a conversation's sync.Engine has
// accumulated since the last call, for this conversation.
func (s *Server) recordSyncDelta(conversationID string, cur syncpkg.Statistics) {
	s.syncMu.Lock()
	prev := s.lastSyncStats[conversationID]
	s.lastSyncStats[conversationID] = cur
	s.syncMu.Unlock()

	s.metrics.ObserveSyncStatistics(prev, cur)
}
