// Package wsapi exposes the crawl engine over HTTP: the REST control
// surface plus a WebSocket hub that fans out a job's Event stream to
// subscribers.
package wsapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kbcrawl/kbcrawl/internal/config"
	"github.com/kbcrawl/kbcrawl/internal/crawl"
	"github.com/kbcrawl/kbcrawl/internal/model"
)

// Server wires the Coordinator to net/http routes.
type Server struct {
	coordinator *crawl.Coordinator
	defaults    config.Defaults
	hub         *Hub
	mux         *http.ServeMux
	log         zerolog.Logger
}

// New builds a Server with all routes registered.
func New(coordinator *crawl.Coordinator, defaults config.Defaults, logger zerolog.Logger) *Server {
	s := &Server{
		coordinator: coordinator,
		defaults:    defaults,
		hub:         NewHub(logger),
		mux:         http.NewServeMux(),
		log:         logger,
	}
	s.hub.SetStatusLookup(coordinator.Status)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/kb/start-crawl", s.handleStartCrawl)
	s.mux.HandleFunc("GET /api/kb/status/{job}", s.handleJobStatus)
	s.mux.HandleFunc("GET /api/kb/status/{job}/kb/{kb}", s.handleKBStatus)
	s.mux.HandleFunc("GET /api/kb/results/{job}", s.handleJobResults)
	s.mux.HandleFunc("GET /api/kb/results/{job}/kb/{kb}/pages", s.handleKBPages)
	s.mux.HandleFunc("POST /api/kb/jobs/{job}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/kb/validate", s.handleValidate)
	s.mux.HandleFunc("GET /api/kb/ws/{job}", s.handleWebSocket)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleStartCrawl(w http.ResponseWriter, r *http.Request) {
	var cfg model.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	cfg = config.ApplyDefaults(cfg, s.defaults)
	if err := config.ValidateJobConfig(cfg, s.defaults); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID := uuid.NewString()
	events, err := s.coordinator.StartJob(jobID, cfg)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	go s.hub.Pump(jobID, events)

	s.log.Info().Str("job_id", jobID).Str("base_domain", cfg.BaseDomain).Int("kbs", len(cfg.KBs)).Msg("crawl job started")

	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	status, ok := s.coordinator.Status(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleKBStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	kbID := r.PathValue("kb")
	status, ok := s.coordinator.KBStatus(jobID, kbID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job or knowledge base not found")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	result, ok := s.coordinator.Status(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	switch result.State {
	case model.JobRunning:
		s.writeJSON(w, http.StatusAccepted, result)
	case model.JobPending:
		s.writeError(w, http.StatusBadRequest, "job has not started")
	case model.JobFailed:
		s.writeError(w, http.StatusBadRequest, "job failed: "+result.Error)
	default:
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleKBPages(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	kbID := r.PathValue("kb")
	kb, ok := s.coordinator.KBStatus(jobID, kbID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job or knowledge base not found")
		return
	}

	q := r.URL.Query()
	includeContent := q.Get("include_content") == "true"

	var depthFilter *int
	if v := q.Get("depth"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			depthFilter = &d
		}
	}
	statusFilter := model.PageStatus(q.Get("status"))

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	var filtered []model.PageResult
	for _, p := range kb.Pages {
		if depthFilter != nil && p.Depth != *depthFilter {
			continue
		}
		if statusFilter != "" && p.Status != statusFilter {
			continue
		}
		if !includeContent {
			p.MainText = ""
		}
		filtered = append(filtered, p)
	}

	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := filtered[offset:end]

	s.writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"pages":  page,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	status, ok := s.coordinator.Status(jobID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if status.State != model.JobRunning {
		s.writeError(w, http.StatusBadRequest, "job is not running")
		return
	}
	s.coordinator.Cancel(jobID)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var cfg model.JobConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"valid": false, "errors": []string{"invalid request body: " + err.Error()}, "warnings": []string{}})
		return
	}
	cfg = config.ApplyDefaults(cfg, s.defaults)

	errs := []string{}
	if err := config.ValidateJobConfig(cfg, s.defaults); err != nil {
		errs = append(errs, err.Error())
	}
	warnings := config.Warnings(cfg)
	if warnings == nil {
		warnings = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"valid": len(errs) == 0, "errors": errs, "warnings": warnings})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job")
	s.hub.ServeWS(w, r, jobID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("encode response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
