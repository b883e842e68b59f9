package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"beatflo/internal/artifact"
	"beatflo/internal/config"
	"beatflo/internal/history"
	"beatflo/internal/models"
	"beatflo/internal/pipeline"
	"beatflo/internal/ratelimit"
	"beatflo/internal/registry"
	"beatflo/internal/telemetry"
)

// Server wires HTTP handlers for the media pipeline API.
type Server struct {
	cfg       config.Config
	reg       *registry.Registry
	pipe      *pipeline.Service
	artifacts *artifact.Server
	limiter   *ratelimit.TokenBucket
	hist      *history.Store
}

// New constructs the API server. limiter and hist may be nil when Redis or
// Postgres are not configured.
func New(cfg config.Config, reg *registry.Registry, pipe *pipeline.Service, artifacts *artifact.Server, limiter *ratelimit.TokenBucket, hist *history.Store) *Server {
	return &Server{
		cfg:       cfg,
		reg:       reg,
		pipe:      pipe,
		artifacts: artifacts,
		limiter:   limiter,
		hist:      hist,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/download", s.handleStartDownload)
		r.Get("/download-progress/{id}", s.progressHandler(models.KindDownload))
		r.Get("/download-file/{id}", s.artifactHandler(models.KindDownload))
		r.Get("/download-thumbnail/{id}", s.handleThumbnail)

		r.Post("/bulk-download", s.handleStartBulk)
		r.Get("/bulk-download-progress/{id}", s.progressHandler(models.KindBulk))
		r.Get("/bulk-download-file/{id}", s.artifactHandler(models.KindBulk))

		r.Post("/mixset", s.handleStartMixset)
		r.Get("/mixset-progress/{id}", s.progressHandler(models.KindMixset))
		r.Get("/mixset-file/{id}", s.artifactHandler(models.KindMixset))

		r.Post("/waveform", s.handleStartWaveform)
		r.Get("/waveform-progress/{id}", s.progressHandler(models.KindWaveform))
		r.Get("/waveform-result/{id}", s.handleWaveformResult)

		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/history", s.handleHistory)
	})
	return r
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req pipeline.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if !pipeline.ValidOutputFormat(req.OutputFormat) {
		http.Error(w, "outputFormat must be one of mp3, mp4, webm", http.StatusBadRequest)
		return
	}
	if req.CustomFilename != "" {
		req.Title = req.CustomFilename
	}
	if !s.allow(w, r) {
		return
	}

	id := s.pipe.StartDownload(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"downloadId": id})
}

func (s *Server) handleStartBulk(w http.ResponseWriter, r *http.Request) {
	var req pipeline.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.Videos) == 0 {
		http.Error(w, "videos is required", http.StatusBadRequest)
		return
	}
	for _, v := range req.Videos {
		if v.URL == "" {
			http.Error(w, "every video needs a url", http.StatusBadRequest)
			return
		}
	}
	if !pipeline.ValidOutputFormat(req.OutputFormat) {
		http.Error(w, "outputFormat must be one of mp3, mp4, webm", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r) {
		return
	}

	id := s.pipe.StartBulk(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"bulkId": id})
}

func (s *Server) handleStartMixset(w http.ResponseWriter, r *http.Request) {
	var req pipeline.MixsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	// Fewer than 2 tracks never starts a job.
	if len(req.Tracks) < 2 {
		http.Error(w, "a mixset needs at least 2 tracks", http.StatusBadRequest)
		return
	}
	for _, t := range req.Tracks {
		if t.URL == "" {
			http.Error(w, "every track needs a url", http.StatusBadRequest)
			return
		}
	}
	if req.CrossfadeDuration <= 0 {
		http.Error(w, "crossfadeDuration must be positive", http.StatusBadRequest)
		return
	}
	if !s.allow(w, r) {
		return
	}

	id := s.pipe.StartMixset(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"mixsetId": id})
}

func (s *Server) handleStartWaveform(w http.ResponseWriter, r *http.Request) {
	var req pipeline.WaveformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.URL == "" && req.VideoID == "" {
		http.Error(w, "url or videoId is required", http.StatusBadRequest)
		return
	}

	// A cached result short-circuits the whole pipeline.
	if wf, ok := s.pipe.CachedWaveform(r.Context(), req); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"cached":   true,
			"peaks":    wf.Peaks,
			"duration": wf.Duration,
			"fallback": wf.Fallback,
		})
		return
	}
	if !s.allow(w, r) {
		return
	}

	id := s.pipe.StartWaveform(req)
	writeJSON(w, http.StatusAccepted, map[string]string{"waveformId": id})
}

func (s *Server) handleWaveformResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.reg.Get(models.KindWaveform, id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if job.Status != models.StatusCompleted {
		http.Error(w, "waveform not ready", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, models.Waveform{
		Peaks:    job.Peaks,
		Duration: job.Duration,
		Fallback: job.Fallback,
	})
}

func (s *Server) progressHandler(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, ok := s.reg.Get(kind, id)
		if !ok {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) artifactHandler(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.artifacts.Serve(w, r, kind, chi.URLParam(r, "id"))
	}
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	s.artifacts.ServeThumbnail(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.pipe.Cancel(id) {
		http.Error(w, "no running job with this id", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		http.Error(w, "history is not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := s.hist.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// allow applies per-client-IP admission control to job-start endpoints.
// Without Redis configured, requests are always admitted.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+clientIP(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
