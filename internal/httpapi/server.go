// Package httpapi wires the scheduler, store and notification manager to the
// HTTP and WebSocket endpoints.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/time/rate"

	"github.com/voiceforge/voice-service/internal/config"
	"github.com/voiceforge/voice-service/internal/job"
	"github.com/voiceforge/voice-service/internal/notify"
	"github.com/voiceforge/voice-service/internal/pool"
	"github.com/voiceforge/voice-service/internal/queue"
	"github.com/voiceforge/voice-service/internal/scheduler"
	"github.com/voiceforge/voice-service/internal/store"
)

const (
	processLimitPerSecond = 100
	processLimitBurst     = 200
)

// Server exposes the service endpoints.
type Server struct {
	scheduler *scheduler.Scheduler
	store     *store.Store
	notifier  *notify.Manager
	cfg       *config.Config
	limiter   *rate.Limiter
	startedAt time.Time
	log       *logger.Logger
}

// NewServer wires a Server from its collaborators.
func NewServer(
	sched *scheduler.Scheduler,
	st *store.Store,
	notifier *notify.Manager,
	cfg *config.Config,
	log *logger.Logger,
) *Server {
	return &Server{
		scheduler: sched,
		store:     st,
		notifier:  notifier,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(processLimitPerSecond), processLimitBurst),
		startedAt: time.Now(),
		log:       log,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /convert", s.withMiddleware(s.handleSubmit(job.KindConversion)))
	mux.HandleFunc("POST /clone", s.withMiddleware(s.handleSubmit(job.KindCloning)))
	mux.HandleFunc("POST /extract", s.withMiddleware(s.handleSubmit(job.KindExtraction)))

	mux.HandleFunc("GET /jobs/{id}/status", s.withMiddleware(s.handleStatus))
	mux.HandleFunc("GET /jobs/{id}/result", s.withMiddleware(s.handleResult))
	mux.HandleFunc("DELETE /jobs/{id}", s.withMiddleware(s.handleCancel))

	mux.HandleFunc("GET /queue/status", s.withMiddleware(s.handleQueueStatus))
	mux.HandleFunc("GET /system/stats", s.withMiddleware(s.handleSystemStats))
	mux.HandleFunc("POST /system/scale", s.withMiddleware(s.handleScale))
	mux.HandleFunc("GET /health", s.withMiddleware(s.handleHealth))

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// withMiddleware layers CORS and the process-wide throttle over a handler.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)

			return
		}

		if !s.limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)

			return
		}

		next(w, r)
	}
}

// clientKey identifies a client for the per-client fixed-window limit.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

type submitRequest struct {
	InputPath  string                `json:"input_path"`
	OutputPath string                `json:"output_path,omitempty"`
	SampleRate int                   `json:"sample_rate,omitempty"`
	Priority   string                `json:"priority,omitempty"`
	SessionID  string                `json:"session_id,omitempty"`
	Conversion *job.ConversionParams `json:"conversion,omitempty"`
	Cloning    *job.CloningParams    `json:"cloning,omitempty"`
	Extraction *job.ExtractionParams `json:"extraction,omitempty"`
}

type submitResponse struct {
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	QueuePosition int     `json:"queue_position"`
	EstimatedWait float64 `json:"estimated_wait_seconds"`
}

func (s *Server) handleSubmit(kind job.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Per-client fixed-window limit via the shared store; fails open
		// when the store is unreachable.
		allowed := s.store.CheckRateLimit(
			r.Context(),
			clientKey(r),
			s.cfg.RateLimit.Requests,
			s.cfg.RateLimitWindow(),
		)
		if !allowed {
			http.Error(w, "Rate limit exceeded. Please try again later.",
				http.StatusTooManyRequests)

			return
		}

		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)

			return
		}

		priority, err := job.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		params := job.Params{
			InputPath:  req.InputPath,
			OutputPath: req.OutputPath,
			SampleRate: req.SampleRate,
			Conversion: req.Conversion,
			Cloning:    req.Cloning,
			Extraction: req.Extraction,
		}

		submitted, position, wait, err := s.scheduler.Submit(
			r.Context(), kind, priority, params, req.SessionID)
		if err != nil {
			s.writeSubmitError(w, err)

			return
		}

		s.writeJSON(w, http.StatusAccepted, submitResponse{
			JobID:         submitted.ID,
			Status:        string(submitted.Status),
			QueuePosition: position,
			EstimatedWait: wait.Seconds(),
		})
	}
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		http.Error(w, "Server busy, please try again later.", http.StatusServiceUnavailable)
	case errors.Is(err, queue.ErrDuplicateJob):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

type statusResponse struct {
	JobID       string     `json:"job_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	Message     string     `json:"message,omitempty"`
	Error       string     `json:"error,omitempty"`
	ResultPath  string     `json:"result_path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toStatusResponse(j *job.Job) statusResponse {
	resp := statusResponse{
		JobID:      j.ID,
		Kind:       string(j.Kind),
		Status:     string(j.Status),
		Progress:   j.Progress,
		Message:    j.Message,
		Error:      j.Error,
		ResultPath: j.ResultPath,
		CreatedAt:  j.CreatedAt,
	}

	if !j.StartedAt.IsZero() {
		resp.StartedAt = &j.StartedAt
	}

	if !j.CompletedAt.IsZero() {
		resp.CompletedAt = &j.CompletedAt
	}

	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.scheduler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)

		return
	}

	s.writeJSON(w, http.StatusOK, toStatusResponse(j))
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	j, err := s.scheduler.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)

		return
	}

	if j.Status != job.StatusCompleted || j.ResultPath == "" {
		http.Error(w, "Result not available", http.StatusNotFound)

		return
	}

	if _, err := os.Stat(j.ResultPath); err != nil {
		http.Error(w, "Result file missing", http.StatusNotFound)

		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	http.ServeFile(w, r, j.ResultPath)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.scheduler.Cancel(r.Context(), id)

	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
	case errors.Is(err, queue.ErrJobTerminal):
		http.Error(w, "Job already finished", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{
			"job_id": id,
			"status": string(job.StatusCancelled),
		})
	}
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.scheduler.QueueSnapshot()
	entries := make([]statusResponse, 0, len(snapshot))

	for _, j := range snapshot {
		entries = append(entries, toStatusResponse(j))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"queued": entries,
		"count":  len(entries),
	})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	status := s.scheduler.SystemStatus(r.Context())
	status["connections"] = s.notifier.ConnectionStats()
	status["uptime_seconds"] = time.Since(s.startedAt).Seconds()

	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request) {
	workers, err := strconv.Atoi(r.URL.Query().Get("workers"))
	if err != nil {
		http.Error(w, "Missing or invalid workers parameter", http.StatusBadRequest)

		return
	}

	size, err := s.scheduler.ScalePool(workers)
	if err != nil {
		if errors.Is(err, pool.ErrInvalidWorkerCount) {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}

		http.Error(w, err.Error(), http.StatusConflict)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"workers": size})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Failed to encode response: %v", err)
	}
}
