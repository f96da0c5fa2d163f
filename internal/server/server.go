// Package server exposes the repository engine over HTTP.
//
// Routes follow the v1 layout: coordinate path segments arrive as raw
// strings and are handed to the engine, which normalizes and validates them
// against the schema. Responses are JSON except for blob fetches, which
// stream. Errors map to {"error": {"code", "message"}} payloads.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/depotd/depot"
	"github.com/depotd/depot/internal/admin"
	"github.com/depotd/depot/internal/auth"
)

// Server wires the engine, auth verifier and admin mirror behind a router.
type Server struct {
	repo     *depot.Repository
	verifier *auth.Verifier
	mirror   *admin.Mirror
	log      *slog.Logger
}

// Config carries the server's collaborators. Verifier and Mirror are
// optional; without a verifier only anonymous reads are possible.
type Config struct {
	Repo     *depot.Repository
	Verifier *auth.Verifier
	Mirror   *admin.Mirror
	Logger   *slog.Logger
}

// New builds a server. A nil logger falls back to slog.Default.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		repo:     cfg.Repo,
		verifier: cfg.Verifier,
		mirror:   cfg.Mirror,
		log:      log,
	}
}

// Handler returns the HTTP handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/{namespace}/{name}/{version}/{variant}/blob", s.handlePublish).Methods(http.MethodPut)
	r.HandleFunc("/v1/{namespace}/{name}/{version}/{variant}/blob", s.handleFetch).Methods(http.MethodGet)
	r.HandleFunc("/v1/{namespace}/{name}/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/v1/{namespace}/{name}/versions", s.handleVersions).Methods(http.MethodGet)
	r.HandleFunc("/v1/{namespace}/{name}/tags/{tag}", s.handleSetTag).Methods(http.MethodPut)
	r.HandleFunc("/v1/{namespace}/{name}/tags/{tag}", s.handleGetTag).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/schema", s.handleSchema).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/admin/config", s.handleAdminConfig).Methods(http.MethodGet)

	var h http.Handler = r
	h = corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// principal resolves the caller from the Authorization header. Requests
// without credentials fall back to anonymous read access, matching the
// repository's public-read posture.
func (s *Server) principal(r *http.Request, requiredScope string) (depot.Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		if requiredScope == auth.ScopeRead {
			return auth.Anonymous(), nil
		}
		return depot.Principal{}, &depot.Error{Code: depot.CodeUnauthorized, Message: "missing authorization"}
	}

	if s.verifier == nil {
		return depot.Principal{}, &depot.Error{Code: depot.CodeUnauthorized, Message: "authentication not configured"}
	}

	p, err := s.verifier.Verify(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return depot.Principal{}, &depot.Error{Code: depot.CodeUnauthorized, Message: "invalid token", Err: err}
	}
	if !p.HasScope(requiredScope) {
		return depot.Principal{}, &depot.Error{Code: depot.CodeForbidden, Message: "insufficient permissions"}
	}
	return p, nil
}

func coordinateFrom(r *http.Request) depot.Coordinate {
	vars := mux.Vars(r)
	return depot.Coordinate{
		Namespace: vars["namespace"],
		Name:      vars["name"],
		Version:   vars["version"],
		Variant:   vars["variant"],
	}
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r, auth.ScopeWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := s.repo.Schema().Limits.MaxRequestBodyBytes
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, &depot.Error{Code: depot.CodeBlobTooLarge, Message: "request body too large"})
			return
		}
		s.writeError(w, r, err)
		return
	}

	record, err := s.repo.Publish(r.Context(), coordinateFrom(r), p, body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"ok":     true,
		"digest": record.BlobDigest,
		"size":   record.BlobSize,
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r, auth.ScopeRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	record, rc, err := s.repo.Fetch(r.Context(), coordinateFrom(r), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", record.BlobSize))
	w.Header().Set("Docker-Content-Digest", record.BlobDigest)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", record.Name+"-"+record.Version+".tar.gz"))

	if _, err := io.Copy(w, rc); err != nil {
		s.log.ErrorContext(r.Context(), "blob stream interrupted",
			"digest", record.BlobDigest, "error", err)
	}
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r, auth.ScopeRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	entry, err := s.repo.ResolveLatest(r.Context(), vars["namespace"], vars["name"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r, auth.ScopeRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	entries, err := s.repo.ListVersions(r.Context(), vars["namespace"], vars["name"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"namespace": vars["namespace"],
		"name":      vars["name"],
		"versions":  entries,
	})
}

type setTagRequest struct {
	TargetVersion string `json:"target_version"`
	TargetVariant string `json:"target_variant"`
}

func (s *Server) handleSetTag(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r, auth.ScopeWrite)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req setTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &depot.Error{Code: depot.CodeInvalidRequest, Message: "invalid JSON body"})
		return
	}
	if req.TargetVersion == "" || req.TargetVariant == "" {
		s.writeError(w, r, &depot.Error{Code: depot.CodeInvalidRequest, Message: "target_version and target_variant are required"})
		return
	}

	vars := mux.Vars(r)
	_, err = s.repo.SetTag(r.Context(), vars["namespace"], vars["name"], vars["tag"],
		req.TargetVersion, req.TargetVariant, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleGetTag(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r, auth.ScopeRead)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	record, err := s.repo.ResolveTag(r.Context(), vars["namespace"], vars["name"], vars["tag"], p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(s.repo.Schema().Document())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r, auth.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.repo.Stats())
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	if _, err := s.principal(r, auth.ScopeAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.mirror == nil {
		s.writeError(w, r, &depot.Error{Code: depot.CodeNotFound, Message: "admin mirror not configured"})
		return
	}

	snapshot, err := s.mirror.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// statusFor maps error codes to HTTP status classes.
func statusFor(code depot.Code) int {
	switch code {
	case depot.CodeValidation, depot.CodeInvalidRequest:
		return http.StatusBadRequest
	case depot.CodeUnauthorized:
		return http.StatusUnauthorized
	case depot.CodeForbidden:
		return http.StatusForbidden
	case depot.CodeNotFound, depot.CodeBlobNotFound, depot.CodeTargetNotFound:
		return http.StatusNotFound
	case depot.CodeAlreadyExists:
		return http.StatusConflict
	case depot.CodeBlobTooLarge:
		return http.StatusRequestEntityTooLarge
	case depot.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := depot.CodeOf(err)
	status := statusFor(code)

	if status >= 500 {
		s.log.ErrorContext(r.Context(), "request failed",
			"code", string(code), "error", err)
	}

	s.writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    string(code),
			"message": depot.MessageOf(err),
		},
	})
}
