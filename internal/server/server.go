// Package server exposes the HTTP surface: chat turns, conversation
// inspection, scenario CRUD, and the SGR converter.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"supportagent/internal/config"
	"supportagent/internal/llm"
	"supportagent/internal/memory"
	"supportagent/internal/pipeline"
	"supportagent/internal/scenario"
	"supportagent/internal/sgr"
	"supportagent/internal/tools"
)

const pipelineVersionHeader = "X-Agent-Pipeline-Version"

// Server wires the pipelines and registries behind the HTTP API.
type Server struct {
	settings  config.Settings
	runtime   *config.Runtime
	store     memory.Store
	scenarios *scenario.Registry
	tools     *tools.Registry
	pipelines map[string]pipeline.Pipeline
	converter *sgr.Converter

	// Per-conversation locks keep turns serial so message_index and
	// history order stay deterministic.
	convLocks sync.Map

	httpServer *http.Server
	mux        *http.ServeMux
}

func New(settings config.Settings, runtime *config.Runtime, store memory.Store, scenarios *scenario.Registry, toolReg *tools.Registry, pipelines map[string]pipeline.Pipeline, converter *sgr.Converter) *Server {
	return &Server{
		settings:  settings,
		runtime:   runtime,
		store:     store,
		scenarios: scenarios,
		tools:     toolReg,
		pipelines: pipelines,
		converter: converter,
	}
}

// BuildMux creates and caches the mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /summary", s.handleSummary)
	mux.HandleFunc("GET /scenarios", s.handleListScenarios)
	mux.HandleFunc("POST /scenarios", s.handleAddScenario)
	mux.HandleFunc("DELETE /scenarios/{name}", s.handleDeleteScenario)
	mux.HandleFunc("PATCH /scenarios/{name}", s.handlePatchScenario)
	mux.HandleFunc("POST /sgr/convert", s.handleSGRConvert)

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.settings.ListenAddr,
		Handler: s.BuildMux(),
	}

	slog.Info("server starting", "addr", s.settings.ListenAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	versions := make([]string, 0, len(s.pipelines))
	for v := range s.pipelines {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	writeJSON(w, http.StatusOK, map[string]any{
		"default_pipeline_version":    s.defaultVersion(r.Context()),
		"supported_pipeline_versions": versions,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tools.Specs())
}

// defaultVersion is the pipeline used when the request carries no
// recognized header: the runtime override if valid, else the static
// configuration value.
func (s *Server) defaultVersion(ctx context.Context) string {
	v := s.runtime.PipelineVersion(ctx)
	if _, ok := s.pipelines[v]; ok {
		return v
	}
	return "0.1"
}

func (s *Server) resolvePipeline(r *http.Request) (pipeline.Pipeline, string) {
	if v := strings.TrimSpace(r.Header.Get(pipelineVersionHeader)); v != "" {
		if p, ok := s.pipelines[v]; ok {
			return p, v
		}
	}
	v := s.defaultVersion(r.Context())
	return s.pipelines[v], v
}

func (s *Server) lockConversation(id string) *sync.Mutex {
	mu, _ := s.convLocks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation_id and message are required"})
		return
	}

	p, version := s.resolvePipeline(r)
	if p == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no pipeline configured"})
		return
	}

	mu := s.lockConversation(req.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	resp, err := p.HandleChat(r.Context(), req)
	if err != nil {
		slog.Error("chat turn failed", "conversation_id", req.ConversationID, "version", version, "error", err)
		writeJSON(w, llmStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	history := s.store.GetHistory(r.Context(), id)
	if history == nil {
		history = []memory.HistoryItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"history":         history,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"summary":         s.store.GetSummary(r.Context(), id),
	})
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	all := s.scenarios.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*scenario.Definition, 0, len(names))
	for _, name := range names {
		out = append(out, all[name])
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddScenario(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	def, err := scenario.ParseDefinition(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.scenarios.Add(def)
	writeJSON(w, http.StatusOK, map[string]string{"name": def.Name, "status": "ok"})
}

func (s *Server) handleDeleteScenario(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.scenarios.Remove(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "scenario not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
}

func (s *Server) handlePatchScenario(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
		return
	}
	if !s.scenarios.SetEnabled(name, *body.Enabled) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "scenario not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "ok"})
}

func (s *Server) handleSGRConvert(w http.ResponseWriter, r *http.Request) {
	var req sgr.ConvertRequest
	req.Strict = true
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	res, err := s.converter.Convert(r.Context(), req, s.tools.Specs())
	if err != nil {
		var cerr *sgr.ConvertError
		if errors.As(err, &cerr) {
			// Upstream LLM failures keep their transport status; genuine
			// conversion failures are unprocessable input.
			if kind := llm.KindOf(cerr); kind != llm.KindOther {
				writeJSON(w, llmStatus(cerr), map[string]string{"error": cerr.Error()})
				return
			}
			writeJSON(w, http.StatusUnprocessableEntity, cerr)
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// llmStatus maps upstream error kinds to transport status codes.
func llmStatus(err error) int {
	switch llm.KindOf(err) {
	case llm.KindRateLimit:
		return http.StatusTooManyRequests
	case llm.KindAuth:
		return http.StatusUnauthorized
	case llm.KindTimeout:
		return http.StatusGatewayTimeout
	case llm.KindNetwork, llm.KindStatus:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func conversationID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation_id is required"})
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
