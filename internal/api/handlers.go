package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
)

const maxRunsLimit = 500

type schedulerStatus struct {
	discovery.Status
	Running bool `json:"running"`
}

type runAccepted struct {
	JobID string `json:"job_id"`
	RunID string `json:"run_id"`
}

type cancelResponse struct {
	RunID     string `json:"run_id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) getScheduler(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.Status()
	if cfg, err := s.scheduler.Config(r.Context()); err == nil {
		status.Config = cfg
	} else {
		s.logger.Warn("load scheduler config failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, schedulerStatus{Status: status, Running: s.scheduler.Running()})
}

func (s *Server) updateSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	var update discovery.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if update.RunHour == nil && update.DailyCap == nil {
		writeError(w, http.StatusBadRequest, "run_hour or daily_cap required")
		return
	}
	cfg, err := s.scheduler.UpdateConfig(r.Context(), update)
	if err != nil {
		s.logger.Error("update scheduler config failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update config")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) startScheduler(w http.ResponseWriter, r *http.Request) {
	if s.scheduler.Running() {
		writeError(w, http.StatusConflict, "scheduler already running")
		return
	}
	if err := s.scheduler.Start(r.Context(), s.cfg.Scheduler.TickInterval); err != nil {
		s.logger.Error("start scheduler failed", zap.Error(err))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) stopScheduler(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []discovery.Job
		err  error
	)
	if r.URL.Query().Get("active") == "true" {
		jobs, err = s.store.ListActiveJobs(r.Context())
	} else {
		jobs, err = s.store.ListJobs(r.Context())
	}
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []discovery.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var spec discovery.JobSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	id, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate job id failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	job, err := discovery.NewJob(spec, id, s.clock.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("area", job.Area),
		zap.String("specialty", job.Specialty),
	)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.storeError(w, err, "job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	runID, err := s.scheduler.RunJobNow(r.Context(), jobID)
	if err != nil {
		s.storeError(w, err, "job")
		return
	}
	writeJSON(w, http.StatusAccepted, runAccepted{JobID: jobID, RunID: runID})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	limit, err := parseLimit(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.storeError(w, err, "job")
		return
	}
	runs, err := s.store.ListRuns(r.Context(), jobID, limit)
	if err != nil {
		s.storeError(w, err, "runs")
		return
	}
	if runs == nil {
		runs = []discovery.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "runs": runs})
}

func (s *Server) listVendors(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		s.storeError(w, err, "job")
		return
	}
	vendors, err := s.store.ListStagedVendors(r.Context(), jobID)
	if err != nil {
		s.storeError(w, err, "vendors")
		return
	}
	if status := strings.TrimSpace(r.URL.Query().Get("website")); status != "" {
		filtered := vendors[:0]
		for _, v := range vendors {
			if string(v.WebsiteVerified) == status {
				filtered = append(filtered, v)
			}
		}
		vendors = filtered
	}
	if vendors == nil {
		vendors = []discovery.StagedVendor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "vendors": vendors})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "run_id"))
	if err != nil {
		s.storeError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	ok, err := s.scheduler.CancelRun(r.Context(), runID)
	if err != nil {
		s.storeError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{RunID: runID, Cancelled: ok})
}

// storeError maps store failures onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, discovery.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("store request failed", zap.String("resource", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	return limit, nil
}
