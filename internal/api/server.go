// Package api exposes the HTTP interface for the screenshot service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/crstnmac/browser-pool-sub001/internal/handlers"
	"github.com/crstnmac/browser-pool-sub001/internal/jobs"
	"github.com/crstnmac/browser-pool-sub001/internal/metrics"
	"github.com/crstnmac/browser-pool-sub001/internal/quota"
	"github.com/crstnmac/browser-pool-sub001/internal/safeurl"
	"github.com/crstnmac/browser-pool-sub001/internal/screenshot"
)

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router    chi.Router
	accounts  screenshot.AccountStore
	validator *safeurl.Validator
	enforcer  *quota.Enforcer
	capturer  *handlers.Capturer
	manager   *jobs.Manager
	broker    jobs.Broker
	tracker   *JobTracker
	logger    *zap.Logger
}

// Deps bundles the Server's collaborators. Broker may be nil when
// dispatch is disabled.
type Deps struct {
	Accounts  screenshot.AccountStore
	Validator *safeurl.Validator
	Enforcer  *quota.Enforcer
	Capturer  *handlers.Capturer
	Manager   *jobs.Manager
	Broker    jobs.Broker
	Tracker   *JobTracker
	Logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		accounts:  deps.Accounts,
		validator: deps.Validator,
		enforcer:  deps.Enforcer,
		capturer:  deps.Capturer,
		manager:   deps.Manager,
		broker:    deps.Broker,
		tracker:   deps.Tracker,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(90 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/screenshots", s.createScreenshot)
		r.Get("/jobs/{job_id}", s.getJobStatus)
		r.Get("/queues/{queue}/failed", s.listFailedJobs)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	dispatch := "active"
	if s.manager.Disabled() {
		dispatch = "disabled"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"dispatch": dispatch,
	})
}

type screenshotRequest struct {
	URL      string `json:"url"`
	FullPage bool   `json:"full_page"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type screenshotAccepted struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type screenshotCompleted struct {
	ImageURL   string `json:"image_url"`
	CapturedAt string `json:"captured_at"`
	DurationMs int64  `json:"duration_ms"`
}

// createScreenshot admits one capture: URL safety, rate limit, and quota
// checks gate admission, then the work is queued. When dispatch is
// disabled the capture runs inline so the endpoint stays usable without a
// broker.
func (s *Server) createScreenshot(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	if verdict := s.validator.Validate(r.Context(), req.URL); !verdict.Allowed {
		writeError(w, http.StatusUnprocessableEntity, "url rejected: "+verdict.Reason)
		return
	}

	if !s.enforcer.AllowRate(account) {
		metrics.ObserveQuotaDenial("rate")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	remaining, err := s.enforcer.HasRemaining(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota check failed")
		return
	}
	if !remaining {
		metrics.ObserveQuotaDenial("quota")
		writeError(w, http.StatusTooManyRequests, "monthly quota exhausted")
		return
	}

	payload := jobs.ScreenshotPayload{
		AccountID: account.ID,
		URL:       req.URL,
		FullPage:  req.FullPage,
		Width:     req.Width,
		Height:    req.Height,
	}
	job, err := s.manager.Enqueue(r.Context(), jobs.QueueScreenshot, payload, jobs.EnqueueOptions{})
	if err == nil {
		s.tracker.Track(job)
		writeJSON(w, http.StatusAccepted, screenshotAccepted{JobID: job.ID, Status: string(job.Status)})
		return
	}
	if !errors.Is(err, jobs.ErrDispatchDisabled) {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	// No broker: capture synchronously rather than refuse service.
	result, err := s.capturer.Capture(r.Context(), screenshot.CaptureRequest{
		AccountID: account.ID,
		URL:       req.URL,
		FullPage:  req.FullPage,
		Width:     req.Width,
		Height:    req.Height,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "capture failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, screenshotCompleted{
		ImageURL:   result.ImageURI,
		CapturedAt: result.CapturedAt.UTC().Format(time.RFC3339),
		DurationMs: result.Duration.Milliseconds(),
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	status, ok := s.tracker.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// listFailedJobs surfaces the broker's failure retention list for
// operator inspection.
func (s *Server) listFailedJobs(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "job dispatch is disabled")
		return
	}
	queue := jobs.QueueName(chi.URLParam(r, "queue"))
	valid := false
	for _, known := range jobs.Queues {
		if queue == known {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, http.StatusNotFound, "unknown queue")
		return
	}
	failed, err := s.broker.FailedJobs(r.Context(), queue)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": queue, "jobs": failed})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
