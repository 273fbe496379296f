package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gatewaycore/llmcore/internal/message"
	"github.com/gatewaycore/llmcore/internal/stream"
	syncpkg "github.com/gatewaycore/llmcore/internal/sync"
)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// handleHealth is a basic liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleListModels aggregates every provider's catalog through the
// router. A per-provider failure doesn't fail the whole request — it's
// reported alongside the models that did load.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, errs := s.rtr.ListModels(r.Context())

	errStrs := make(map[string]string, len(errs))
	for provider, err := range errs {
		errStrs[provider] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"models": models,
		"errors": errStrs,
	})
}

// chatCompletionRequest is this gateway's request shape: a model id, one
// user turn, and the conversation it belongs to. An empty conversation_id
// starts a new conversation.
type chatCompletionRequest struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	Message        string `json:"message"`
	Stream         bool   `json:"stream"`
}

// handleChatCompletions handles POST /v1/chat/completions: it resolves
// or creates the target conversation, then dispatches to the streaming
// manager's Send or Stream depending on req.Stream.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" || req.Message == "" {
		writeJSONError(w, http.StatusBadRequest, "model and message are required")
		return
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
		conv := message.NewConversation(req.ConversationID, "", message.ModelDescriptor{ID: req.Model}, time.Now())
		if err := s.store.Create(conv); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "creating conversation: "+err.Error())
			return
		}
	}

	w.Header().Set("X-LLMCore-Conversation-ID", req.ConversationID)
	w.Header().Set("X-LLMCore-Model", req.Model)

	if req.Stream {
		s.metrics.StreamStarted()
		defer s.metrics.StreamEnded()

		snaps, err := s.manager.Stream(r.Context(), req.ConversationID, req.Model, req.Message)
		if err != nil {
			s.metrics.RecordRequest(req.Model, "error")
			writeJSONError(w, http.StatusBadGateway, "stream error: "+err.Error())
			return
		}
		if err := stream.Write(w, uuid.NewString(), req.Model, snaps); err != nil {
			log.Printf("stream write error: %v", err)
		}
		s.metrics.RecordRequest(req.Model, "success")
		return
	}

	reply, err := s.manager.Send(r.Context(), req.ConversationID, req.Model, req.Message)
	if err != nil {
		s.metrics.RecordRequest(req.Model, "error")
		writeJSONError(w, http.StatusBadGateway, "provider error: "+err.Error())
		return
	}
	s.metrics.RecordRequest(req.Model, "success")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"conversation_id": req.ConversationID,
		"message":         reply,
	})
}

// handleSyncChange handles POST /v1/sync/changes: one incoming
// syncpkg.Change, processed synchronously against that conversation's
// sync.Engine and returned with its resulting status.
func (s *Server) handleSyncChange(w http.ResponseWriter, r *http.Request) {
	var change syncpkg.Change
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid change: "+err.Error())
		return
	}
	if change.ConversationID == "" {
		writeJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	engine := s.engineFor(change.ConversationID)
	status, err := engine.ProcessChange(change)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "processing change: "+err.Error())
		return
	}
	s.recordSyncDelta(change.ConversationID, engine.Statistics())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status.String()})
}
