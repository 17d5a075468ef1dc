package api

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/prudhvinik1/tasksync/internal/engine"
)

// handleGetChildVersion serves the version whose parent is the one named in
// the URL. 404 means the caller is either caught up or can start a fresh
// chain; 410 means the requested point is older history and the caller must
// reinitialize from a snapshot.
func (s *Server) handleGetChildVersion(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r)
	parentVersionID, err := uuid.Parse(chi.URLParam(r, "parentVersionID"))
	if err != nil {
		http.Error(w, "invalid parent version id", http.StatusBadRequest)
		return
	}

	child, err := s.engine.GetChildVersion(r.Context(), clientID, parentVersionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", ContentTypeHistorySegment)
	w.Header().Set(HeaderVersionID, child.VersionID.String())
	w.Header().Set(HeaderParentVersionID, child.ParentVersionID.String())
	w.WriteHeader(http.StatusOK)
	w.Write(child.HistorySegment)
}

// handleAddVersion appends the request body as a new version on top of the
// parent named in the URL. On conflict the response is 409 with the actual
// head in X-Parent-Version-Id so the client can catch up and retry.
func (s *Server) handleAddVersion(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r)
	parentVersionID, err := uuid.Parse(chi.URLParam(r, "parentVersionID"))
	if err != nil {
		http.Error(w, "invalid parent version id", http.StatusBadRequest)
		return
	}

	historySegment, ok := s.readPayload(w, r, ContentTypeHistorySegment)
	if !ok {
		return
	}

	res, err := s.engine.AddVersion(r.Context(), clientID, parentVersionID, historySegment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Conflict {
		w.Header().Set(HeaderParentVersionID, res.ExpectedParentVersionID.String())
		w.WriteHeader(http.StatusConflict)
		return
	}

	w.Header().Set(HeaderVersionID, res.VersionID.String())
	if res.Urgency != engine.UrgencyNone {
		w.Header().Set(HeaderSnapshotRequest, "urgency="+res.Urgency.String())
	}
	w.WriteHeader(http.StatusOK)
}

// handleAddSnapshot stores the request body as a snapshot at the version
// named in the URL. A snapshot that is not at the current head is answered
// with 409 and discarded.
func (s *Server) handleAddSnapshot(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r)
	versionID, err := uuid.Parse(chi.URLParam(r, "versionID"))
	if err != nil {
		http.Error(w, "invalid version id", http.StatusBadRequest)
		return
	}

	data, ok := s.readPayload(w, r, ContentTypeSnapshot)
	if !ok {
		return
	}

	accepted, err := s.engine.AddSnapshot(r.Context(), clientID, versionID, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !accepted {
		http.Error(w, "snapshot version is not the current head", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetSnapshot serves the client's latest snapshot, if any.
func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	clientID := clientIDFrom(r)

	versionID, data, err := s.engine.GetSnapshot(r.Context(), clientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", ContentTypeSnapshot)
	w.Header().Set(HeaderVersionID, versionID.String())
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// readPayload validates the content type and reads the capped request body.
// It writes the error response itself and reports ok=false on failure.
func (s *Server) readPayload(w http.ResponseWriter, r *http.Request, contentType string) ([]byte, bool) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != contentType {
		http.Error(w, "expected content type "+contentType, http.StatusBadRequest)
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	if len(body) == 0 {
		http.Error(w, "empty payload", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// writeError maps engine errors onto protocol status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrNoSuchClient),
		errors.Is(err, engine.ErrNoSuchVersion),
		errors.Is(err, engine.ErrNoSuchSnapshot):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrVersionGone):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		s.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
