package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/config"
	"github.com/JakeFAU/refcrawler/internal/crawler"
	jobid "github.com/JakeFAU/refcrawler/internal/id/uuid"
	"github.com/JakeFAU/refcrawler/internal/metrics"
)

// JobQueue accepts crawl jobs and interrupts running ones.
type JobQueue interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
	Cancel(jobID string) bool
}

// Server wires HTTP handlers to the job queue and job store.
type Server struct {
	router   chi.Router
	jobStore crawler.JobStore
	queue    JobQueue
	idGen    crawler.IDGenerator
	clock    crawler.Clock
	cfg      config.Config
	logger   *zap.Logger
	ready    atomic.Bool
}

const enqueueTimeout = 5 * time.Second

// NewServer constructs a Server with middleware and routes. The server
// reports ready until SetReady(false) is called.
func NewServer(
	jobStore crawler.JobStore,
	queue JobQueue,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobStore: jobStore,
		queue:    queue,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/crawls", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/", s.submitCrawl)
		r.Post("/standard", s.submitStandardCrawl)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/status", s.getJobStatus)
			r.Get("/result", s.getJobResult)
			r.Post("/cancel", s.cancelJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady toggles the readiness endpoint, e.g. while draining on shutdown.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	URL      string  `json:"url"`
	Mode     *string `json:"mode"`
	MaxDepth *int    `json:"max_depth"`
	TTLDays  *int    `json:"ttl_days"`
}

type standardCrawlRequest struct {
	Name string `json:"name"`
}

func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toCrawlRequest(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.submit(w, r, params)
}

func (s *Server) submitStandardCrawl(w http.ResponseWriter, r *http.Request) {
	var req standardCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "missing crawl name")
		return
	}
	template, ok := s.cfg.StandardCrawls[req.Name]
	if !ok {
		s.writeError(w, http.StatusNotFound, "standard crawl template not found")
		return
	}
	mode, err := crawler.ParseMode(string(template.Mode))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	template.Mode = mode
	s.submit(w, r, template)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, params crawler.CrawlRequest) {
	jobID, err := s.enqueueJob(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		case errors.Is(err, crawler.ErrQueueClosed):
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("enqueue crawl failed", zap.String("url", params.URL), zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}
	s.logger.Info("crawl submitted",
		zap.String("job_id", jobID),
		zap.String("url", params.URL),
		zap.String("mode", string(params.Mode)),
		zap.Int("max_depth", params.MaxDepth),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(crawler.JobStatusQueued),
	})
}

func (s *Server) toCrawlRequest(req crawlRequest) (crawler.CrawlRequest, error) {
	if req.URL == "" {
		return crawler.CrawlRequest{}, errors.New("url required")
	}
	if err := crawler.ValidateRootURL(req.URL); err != nil {
		return crawler.CrawlRequest{}, err
	}
	defaults := s.cfg.DefaultRequest()
	mode, err := crawler.ParseMode(valueOrDefault(req.Mode, string(defaults.Mode)))
	if err != nil {
		return crawler.CrawlRequest{}, err
	}
	params := crawler.CrawlRequest{
		URL:      req.URL,
		Mode:     mode,
		MaxDepth: valueOrDefault(req.MaxDepth, defaults.MaxDepth),
		TTLDays:  valueOrDefault(req.TTLDays, defaults.TTLDays),
	}
	if params.MaxDepth < 0 {
		return crawler.CrawlRequest{}, errors.New("max_depth must be >= 0")
	}
	if params.TTLDays < 0 {
		return crawler.CrawlRequest{}, errors.New("ttl_days must be >= 0")
	}
	return params, nil
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func (s *Server) enqueueJob(ctx context.Context, params crawler.CrawlRequest) (string, error) {
	jobID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:         jobID,
		Status:     crawler.JobStatusQueued,
		Submitted:  now,
		Parameters: params,
		Counters:   crawler.JobCounters{},
	}
	if err := s.jobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := crawler.QueueItem{
		JobID:     jobID,
		Params:    params,
		Submitted: now.Unix(),
	}
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		_ = s.jobStore.UpdateJobStatus(ctx, jobID, crawler.JobStatusFailed, "enqueue failed", crawler.JobCounters{})
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveJob(string(crawler.JobStatusQueued))
	return jobID, nil
}

// jobID extracts and validates the job_id path parameter, writing a 400 when
// it is not a UUID.
func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "job_id")
	if !jobid.Valid(id) {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return "", false
	}
	return id, true
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobStore.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	result, err := s.jobStore.GetResult(r.Context(), id)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, result)
	case errors.Is(err, crawler.ErrResultNotReady):
		status := http.StatusAccepted
		if isTerminal(result.Job.Status) {
			status = http.StatusConflict
		}
		s.writeJSON(w, status, result)
	default:
		s.writeStoreError(w, err)
	}
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobStore.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if isTerminal(job.Status) {
		s.writeJSON(w, http.StatusConflict, map[string]string{
			"job_id": id,
			"status": string(job.Status),
			"error":  "job already finished",
		})
		return
	}
	if err := s.jobStore.UpdateJobStatus(
		r.Context(),
		id,
		crawler.JobStatusCanceled,
		"canceled via API",
		job.Counters,
	); err != nil {
		s.writeStoreError(w, err)
		return
	}
	interrupted := s.queue.Cancel(id)
	s.logger.Info("crawl canceled", zap.String("job_id", id), zap.Bool("interrupted", interrupted))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"job_id":      id,
		"status":      string(crawler.JobStatusCanceled),
		"interrupted": interrupted,
	})
}

func isTerminal(status crawler.JobStatus) bool {
	switch status {
	case crawler.JobStatusSucceeded, crawler.JobStatusFailed, crawler.JobStatusCanceled:
		return true
	default:
		return false
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, crawler.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job store failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "job store unavailable")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the request ID middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
