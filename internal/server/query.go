package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quilora/quilora-go/internal/logging"
	"github.com/quilora/quilora-go/internal/pipeline"
	"github.com/quilora/quilora-go/internal/store"
)

// handleQuery handles POST /api/query. A JSON body with "stream": false (or
// omitted) yields a single JSON response; "stream": true yields an SSE
// stream of sources, fragment, and done/error events.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query is required"})
		return
	}
	if req.TopK < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "top_k must be positive"})
		return
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "min_score must be between 0 and 1"})
		return
	}
	opts := pipeline.Options{TopK: req.TopK, MinScore: req.MinScore}

	if req.Stream {
		s.streamQuery(w, r, req.Query, opts)
		return
	}

	start := time.Now()
	out, err := s.answerer.Answer(r.Context(), req.Query, opts)
	if err != nil {
		s.metrics.observeQuery("error", time.Since(start))
		writeError(w, err)
		return
	}
	s.metrics.observeQuery("ok", time.Since(start))
	s.recordHistory(r, req.Query, out.Answer, len(out.Sources), out.InsufficientContext, out.Timing)

	writeJSON(w, http.StatusOK, out)
}

// streamQuery answers the question over Server-Sent Events.
func (s *Server) streamQuery(w http.ResponseWriter, r *http.Request, question string, opts pipeline.Options) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.metrics.queryActiveStreams.Inc()
	defer s.metrics.queryActiveStreams.Dec()

	start := time.Now()
	outcome := "ok"
	var answer strings.Builder
	var sourceCount int
	var insufficient bool
	var timing pipeline.Timing

	for ev := range s.answerer.AnswerStream(r.Context(), question, opts) {
		switch ev.Type {
		case pipeline.EventSources:
			sourceCount = len(ev.Sources)
			insufficient = ev.InsufficientContext
			writeSSE(w, flusher, "sources", map[string]any{
				"sources":              ev.Sources,
				"insufficient_context": ev.InsufficientContext,
			})
		case pipeline.EventFragment:
			answer.WriteString(ev.Fragment)
			writeSSE(w, flusher, "fragment", map[string]string{"text": ev.Fragment})
		case pipeline.EventDone:
			timing = ev.Timing
			writeSSE(w, flusher, "done", map[string]any{"timing": ev.Timing})
		case pipeline.EventError:
			outcome = "error"
			writeSSE(w, flusher, "error", map[string]string{
				"kind":    string(ev.Kind),
				"message": ev.Message,
			})
		}
	}

	s.metrics.observeQuery(outcome, time.Since(start))
	if outcome == "ok" && r.Context().Err() == nil {
		s.recordHistory(r, question, answer.String(), sourceCount, insufficient, timing)
	}
}

// writeSSE emits one SSE event frame and flushes it to the client.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// recordHistory persists an answered query when history is enabled.
func (s *Server) recordHistory(r *http.Request, question, answer string, sources int, insufficient bool, timing pipeline.Timing) {
	if s.history == nil {
		return
	}
	rec := store.Record{
		Query:               question,
		Answer:              answer,
		SourceCount:         sources,
		InsufficientContext: insufficient,
		EmbeddingMS:         timing.EmbeddingMS,
		SearchMS:            timing.SearchMS,
		GenerationMS:        timing.GenerationMS,
		TotalMS:             timing.TotalMS,
	}
	if err := s.history.Append(r.Context(), rec); err != nil {
		logging.FromContext(r.Context()).Warn("history: append failed", "error", err)
	}
}

// handleHistory handles GET /api/history, returning the most recent
// answered queries newest-first. Returns 404 when history is disabled.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "history is disabled"})
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
	}

	recs, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	resp := historyResponse{Queries: make([]historyEntry, 0, len(recs))}
	for _, rec := range recs {
		resp.Queries = append(resp.Queries, historyEntry{
			Query:               rec.Query,
			Answer:              rec.Answer,
			SourceCount:         rec.SourceCount,
			InsufficientContext: rec.InsufficientContext,
			TotalMS:             rec.TotalMS,
			CreatedAt:           rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
