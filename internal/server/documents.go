package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quilora/quilora-go/internal/extract"
	"github.com/quilora/quilora-go/internal/logging"
	"github.com/quilora/quilora-go/internal/rag"
)

// handleIndex handles POST /api/documents. The document ID is optional;
// when omitted it is derived from the content so re-posting the same text
// replaces the earlier copy instead of duplicating it.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = extract.DocumentID(req.Text)
	}

	doc := rag.Document{ID: id, Text: req.Text, Metadata: req.Metadata}
	chunks, err := s.indexer.Index(r.Context(), doc)
	if err != nil {
		writeError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("document indexed", "document_id", id, "chunks", chunks)
	writeJSON(w, http.StatusOK, indexResponse{ID: id, Chunks: chunks})
}

// handleDelete handles DELETE /api/documents/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "document id is required"})
		return
	}

	deleted, err := s.indexer.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleteCount(deleted)})
}

// handleDeleteAll handles DELETE /api/documents, removing every indexed chunk.
func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.indexer.Clear(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	logging.FromContext(r.Context()).Info("index cleared", "deleted", deleted)
	writeJSON(w, http.StatusOK, deleteResponse{Deleted: deleteCount(deleted)})
}
