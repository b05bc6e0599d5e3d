package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/engine"
)

// Server exposes backup and restore operations over a small polling API.
// Jobs run in background goroutines; clients poll the progress endpoints.
type Server struct {
	router chi.Router
	orch   *engine.Orchestrator
	repo   *catalog.Repository
	logger zerolog.Logger
}

func NewServer(orch *engine.Orchestrator, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		orch:   orch,
		repo:   orch.Repository(),
		logger: logger,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/backups", s.handleListBackups)
		r.Post("/backups", s.handleCreateBackup)
		r.Get("/backups/{id}", s.handleGetBackup)
		r.Get("/backups/{id}/progress", s.handleBackupProgress)
		r.Get("/backups/{id}/logs", s.handleBackupLogs)
		r.Post("/backups/{id}/restore", s.handleCreateRestore)
		r.Get("/restores", s.handleListRestores)
		r.Get("/restores/{id}", s.handleGetRestore)
		r.Get("/restores/{id}/progress", s.handleRestoreProgress)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	jobs, err := s.repo.ListBackupJobs(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

type createBackupRequest struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	IncludeMedia *bool  `json:"include_media"`
	Compress     *bool  `json:"compress"`
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		req.Name = "manual"
	}

	kind := catalog.BackupKind(req.Kind)
	switch kind {
	case "":
		kind = catalog.KindFull
	case catalog.KindFull, catalog.KindDatabase, catalog.KindMedia:
	default:
		writeError(w, http.StatusBadRequest, "unknown backup kind: "+req.Kind)
		return
	}

	job := &catalog.BackupJob{
		Name:          req.Name,
		Kind:          kind,
		IncludeMedia:  req.IncludeMedia == nil || *req.IncludeMedia,
		Compress:      req.Compress == nil || *req.Compress,
		PreserveOrder: true,
	}
	if err := s.repo.CreateBackupJob(job); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Encode the accepted job before handing it to the worker goroutine,
	// which starts mutating status and progress right away.
	writeJSON(w, http.StatusAccepted, job)

	go func() {
		if err := s.orch.RunBackup(context.Background(), job); err != nil {
			s.logger.Error().Err(err).Str("job", job.ID.String()).Msg("background backup failed")
		}
	}()
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findBackup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleBackupProgress(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findBackup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              job.Status,
		"progress_percentage": job.Progress,
		"current_operation":   job.CurrentOperation,
		"error_message":       job.ErrorMessage,
	})
}

func (s *Server) handleBackupLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findBackup(w, r)
	if !ok {
		return
	}
	logs, err := s.repo.LogEntries(job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

type createRestoreRequest struct {
	Mode            string   `json:"mode"`
	RestoreDatabase *bool    `json:"restore_database"`
	RestoreMedia    *bool    `json:"restore_media"`
	RestoreStatic   bool     `json:"restore_static"`
	IncludeTables   []string `json:"include_tables"`
	ExcludeTables   []string `json:"exclude_tables"`
	Verify          bool     `json:"verify"`
	SkipPreBackup   bool     `json:"skip_pre_backup"`
}

func (s *Server) handleCreateRestore(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findBackup(w, r)
	if !ok {
		return
	}

	var req createRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Mode == "" {
		req.Mode = string(catalog.ModeFullReplace)
	}

	rj, err := catalog.NewRestoreJob(job.ID, catalog.RestoreMode(req.Mode),
		req.RestoreDatabase == nil || *req.RestoreDatabase,
		req.RestoreMedia == nil || *req.RestoreMedia,
		req.RestoreStatic,
		req.IncludeTables, req.ExcludeTables)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidRestore) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.repo.CreateRestoreJob(rj); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Same ordering as backup creation: respond first, then let the
	// worker goroutine take over the record.
	writeJSON(w, http.StatusAccepted, rj)

	opts := engine.RestoreOptions{Verify: req.Verify, SkipPreBackup: req.SkipPreBackup}
	go func() {
		if err := s.orch.RunRestore(context.Background(), rj, opts); err != nil {
			s.logger.Error().Err(err).Str("restore", rj.ID.String()).Msg("background restore failed")
		}
	}()
}

func (s *Server) handleListRestores(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	jobs, err := s.repo.ListRestoreJobs(limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleGetRestore(w http.ResponseWriter, r *http.Request) {
	rj, ok := s.findRestore(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rj)
}

func (s *Server) handleRestoreProgress(w http.ResponseWriter, r *http.Request) {
	rj, ok := s.findRestore(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              rj.Status,
		"progress_percentage": rj.Progress,
		"current_operation":   rj.CurrentOperation,
		"error_message":       rj.ErrorMessage,
	})
}

func (s *Server) findBackup(w http.ResponseWriter, r *http.Request) (*catalog.BackupJob, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid backup id")
		return nil, false
	}
	job, err := s.repo.FindBackupJob(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "backup not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return job, true
}

func (s *Server) findRestore(w http.ResponseWriter, r *http.Request) (*catalog.RestoreJob, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid restore id")
		return nil, false
	}
	rj, err := s.repo.FindRestoreJob(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "restore not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return rj, true
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
