package server

import (
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/health"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/vector"
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps error kinds to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case kberr.HasKind(err, kberr.InvalidInput), kberr.HasKind(err, kberr.ConfigError):
		status = http.StatusBadRequest
	case kberr.HasKind(err, kberr.NotFound):
		status = http.StatusNotFound
	case kberr.HasKind(err, kberr.DuplicateName):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return kberr.New(kberr.InvalidInput, "invalid request body: %v", err)
	}
	return nil
}

// handleHealth reports service-wide health: backend status plus the worst
// project status.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	backend := vector.Health{Status: vector.StatusUnhealthy}
	if store, err := s.mgr.Store(); err == nil {
		backend = store.Health(r.Context())
	}

	status := backend.Status
	projects := s.monitor.AllProjectsHealth()
	for _, snap := range projects {
		if snap.Status == health.StatusUnhealthy {
			status = health.StatusUnhealthy
			break
		}
		if snap.Status == health.StatusDegraded && status == vector.StatusHealthy {
			status = health.StatusDegraded
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"backend":        backend,
		"projects":       projects,
	})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// handleAllStats returns health snapshots for every tracked project.
func (s *Service) handleAllStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"projects": s.monitor.AllProjectsHealth(),
	})
}
