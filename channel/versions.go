package channel

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/agent-foundry/foundry-core/platform/fault"
	"github.com/agent-foundry/foundry-core/platform/session"
)

// WithVersions mounts the graph-version management endpoints.
func WithVersions(store session.VersionStore) ServerOption {
	return func(s *Server) { s.versions = store }
}

// commitBody is the inbound shape for commit and restore.
type commitBody struct {
	Actor    string          `json:"actor"`
	Message  string          `json:"message,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

func (s *Server) mountVersions(r chi.Router) {
	r.Route("/graphs/{graphID}/versions", func(r chi.Router) {
		r.Get("/", s.listVersions)
		r.Post("/", s.commitVersion)
		r.Get("/{version}", s.getVersion)
		r.Post("/{version}/restore", s.restoreVersion)
	})
}

func (s *Server) parseVersionRef(r *http.Request) (graphID string, version int, err error) {
	graphID = chi.URLParam(r, "graphID")
	version, convErr := strconv.Atoi(chi.URLParam(r, "version"))
	if convErr != nil || version <= 0 {
		return "", 0, fault.New(fault.KindArgumentValidation, "version must be a positive integer")
	}
	return graphID, version, nil
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	versions, err := s.versions.ListVersions(r.Context(), chi.URLParam(r, "graphID"), limit)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) commitVersion(w http.ResponseWriter, r *http.Request) {
	var body commitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "", fault.Wrap(fault.KindArgumentValidation, err, "decoding request body"))
		return
	}
	if body.Actor == "" || len(body.Snapshot) == 0 {
		s.writeError(w, "", fault.New(fault.KindArgumentValidation, "actor and snapshot are required"))
		return
	}
	v, err := s.versions.Commit(r.Context(), chi.URLParam(r, "graphID"), body.Snapshot, body.Message, body.Actor)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	graphID, version, err := s.parseVersionRef(r)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	blob, err := s.versions.Get(r.Context(), graphID, version)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) restoreVersion(w http.ResponseWriter, r *http.Request) {
	graphID, version, err := s.parseVersionRef(r)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	var body commitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, "", fault.Wrap(fault.KindArgumentValidation, err, "decoding request body"))
		return
	}
	if body.Actor == "" {
		s.writeError(w, "", fault.New(fault.KindArgumentValidation, "actor is required"))
		return
	}
	v, err := s.versions.Restore(r.Context(), graphID, version, body.Actor)
	if err != nil {
		s.writeError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
