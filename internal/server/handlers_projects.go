package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ragserve/internal/kb"
	"github.com/thebtf/ragserve/internal/kberr"
	"github.com/thebtf/ragserve/internal/project"
	"github.com/thebtf/ragserve/internal/search"
)

type createProjectRequest struct {
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	EmbeddingModel string         `json:"embedding_model"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Service) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	proj, err := s.mgr.Create(r.Context(), req.Name, req.Description,
		req.EmbeddingModel, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (s *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.mgr.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Service) handleGetProject(w http.ResponseWriter, r *http.Request) {
	proj, err := s.mgr.Get(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

type updateProjectRequest struct {
	Name           *string        `json:"name"`
	Description    *string        `json:"description"`
	EmbeddingModel *string        `json:"embedding_model"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Service) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req updateProjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	proj, err := s.mgr.Update(r.Context(), projectID, project.Update{
		Name:           req.Name,
		Description:    req.Description,
		EmbeddingModel: req.EmbeddingModel,
		Metadata:       req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// A model change invalidates the cached facade's embedder.
	if req.EmbeddingModel != nil {
		s.dropKB(projectID)
	}
	writeJSON(w, http.StatusOK, proj)
}

func (s *Service) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	deleted, err := s.mgr.Delete(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.dropKB(projectID)
	s.monitor.ResetMetrics(projectID)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Service) handleProjectHealth(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.mgr.Get(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.monitor.ProjectHealth(projectID))
}

func (s *Service) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	instance, err := s.kbFor(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instance.GetStats())
}

type ingestRequest struct {
	Documents []kb.Document `json:"documents"`
	Paths     []string      `json:"paths"`
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Documents) == 0 && len(req.Paths) == 0 {
		writeError(w, kberr.New(kberr.InvalidInput, "documents or paths required"))
		return
	}

	instance, err := s.kbFor(ctx, chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}

	total := 0
	if len(req.Documents) > 0 {
		n, err := instance.Ingest(ctx, req.Documents)
		if err != nil {
			writeError(w, err)
			return
		}
		total += n
	}
	if len(req.Paths) > 0 {
		n, err := instance.IngestPaths(ctx, req.Paths)
		if err != nil {
			writeError(w, err)
			return
		}
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]int{"chunks": total})
}

type queryRequest struct {
	Text    string         `json:"text"`
	Mode    string         `json:"mode"`
	TopK    int            `json:"top_k"`
	Alpha   *float64       `json:"alpha"`
	Filter  map[string]any `json:"filter"`
	NoCache bool           `json:"no_cache"`
	MMR     bool           `json:"mmr"`
	Lambda  float64        `json:"lambda"`
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	instance, err := s.kbFor(ctx, chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}

	mode := s.defaultMode()
	if req.Mode != "" {
		mode = search.Mode(req.Mode)
	}

	results, err := instance.Query(ctx, req.Text, kb.QueryOptions{
		Mode:    mode,
		TopK:    req.TopK,
		Alpha:   req.Alpha,
		Filter:  req.Filter,
		NoCache: req.NoCache,
		MMR:     req.MMR,
		Lambda:  req.Lambda,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Service) handleClearCache(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if _, err := s.mgr.Get(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	s.mgr.ClearCache(projectID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Service) handleReindex(w http.ResponseWriter, r *http.Request) {
	instance, err := s.kbFor(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, err)
		return
	}

	stats, err := instance.RebuildIndex(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type exportRequest struct {
	Path string `json:"path"`
}

func (s *Service) handleExportProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req exportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, kberr.New(kberr.InvalidInput, "path required"))
		return
	}

	if err := s.mgr.Export(r.Context(), projectID, req.Path); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("project", projectID).Str("path", req.Path).Msg("Exported project bundle")
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}

type importRequest struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Overwrite bool   `json:"overwrite"`
}

func (s *Service) handleImportProject(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, kberr.New(kberr.InvalidInput, "path required"))
		return
	}

	proj, err := s.mgr.Import(r.Context(), req.Path, req.Name, req.Overwrite)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}
