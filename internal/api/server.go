// Package api exposes the operator HTTP interface of the orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/metrics"
	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/orchestrator"
	"github.com/openpolicy/civicsync/internal/ratelimit"
	"github.com/openpolicy/civicsync/internal/registry"
	"github.com/openpolicy/civicsync/internal/resilience"
	"github.com/openpolicy/civicsync/internal/rollout"
	"github.com/openpolicy/civicsync/internal/store"
)

// Request headers identifying the caller to the API limiter.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderCallerRole = "X-Caller-Role"
)

const defaultIssueLimit = 50

// Server wires HTTP handlers to the orchestrator.
type Server struct {
	router chi.Router
	state  *orchestrator.State
	ctx    context.Context

	// background rollouts started through the API
	wg sync.WaitGroup
}

// NewServer builds the router. ctx bounds rollouts started through the API;
// they outlive the request that triggered them.
func NewServer(ctx context.Context, state *orchestrator.State) *Server {
	s := &Server{state: state, ctx: ctx}

	origins := state.Config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := state.Config.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderAPIKey, HeaderCallerRole},
		ExposedHeaders: []string{"Retry-After", "X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimitMiddleware(state.APILimiter))
		r.Use(timeoutMiddleware(timeout))

		r.Get("/status", s.status)
		r.Get("/runs", s.listRuns)
		r.Get("/deadletters", s.listDeadLetters)

		r.Route("/jurisdictions", func(r chi.Router) {
			r.Get("/", s.listJurisdictions)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/disable", s.disableJurisdiction)
				r.Post("/enable", s.enableJurisdiction)
				r.Get("/issues", s.recentIssues)
			})
		})

		r.Route("/rollouts/{name}", func(r chi.Router) {
			r.Post("/", s.triggerRollout)
			r.Get("/", s.rolloutStatus)
		})

		r.Post("/scheduler/start", s.startScheduler)
		r.Post("/scheduler/stop", s.stopScheduler)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until rollouts started through the API have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Scheduler     string            `json:"scheduler"`
	QueueDepth    int               `json:"queue_depth"`
	InFlight      []model.ScrapeJob `json:"in_flight"`
	Jurisdictions int               `json:"jurisdictions"`
	Circuits      map[string]string `json:"circuits,omitempty"` // source domains whose breaker is not closed
	Snapshot      *SnapshotResponse `json:"snapshot,omitempty"`
}

// SnapshotResponse carries run health over the lookback window.
type SnapshotResponse struct {
	RunsTotal       int     `json:"runs_total"`
	RunsSucceeded   int     `json:"runs_succeeded"`
	RunsFailed      int     `json:"runs_failed"`
	FailRate        float64 `json:"fail_rate"`
	RecordsAccepted int     `json:"records_accepted"`
	RecordsRejected int     `json:"records_rejected"`
	DeadLetters     int     `json:"dead_letters"`
	Lookback        string  `json:"lookback"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Scheduler:     "stopped",
		QueueDepth:    s.state.QueueDepth(),
		InFlight:      s.state.InFlight(),
		Jurisdictions: s.state.Registry.Len(),
	}
	if s.state.SchedulerRunning() {
		resp.Scheduler = "running"
	}
	if resp.InFlight == nil {
		resp.InFlight = []model.ScrapeJob{}
	}
	for domain, st := range s.state.Breakers.States() {
		if st == resilience.CircuitClosed {
			continue
		}
		if resp.Circuits == nil {
			resp.Circuits = make(map[string]string)
		}
		resp.Circuits[domain] = st.String()
	}

	snap, err := s.state.Status(r.Context())
	if err != nil {
		zap.L().Warn("api: status snapshot failed", zap.String("component", "api"), zap.Error(err))
	} else {
		resp.Snapshot = &SnapshotResponse{
			RunsTotal:       snap.RunsTotal,
			RunsSucceeded:   snap.RunsSucceeded,
			RunsFailed:      snap.RunsFailed,
			FailRate:        snap.FailRate,
			RecordsAccepted: snap.RecordsAccepted,
			RecordsRejected: snap.RecordsRejected,
			DeadLetters:     snap.DeadLetters,
			Lookback:        snap.Lookback.String(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listJurisdictions(w http.ResponseWriter, r *http.Request) {
	var tier *model.Tier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, err := model.ParseTier(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tier = &t
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurisdictions": s.state.Registry.List(tier)})
}

func (s *Server) disableJurisdiction(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) enableJurisdiction(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	var err error
	if enabled {
		err = s.state.EnableJurisdiction(id)
	} else {
		err = s.state.DisableJurisdiction(id)
	}
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func (s *Server) recentIssues(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "limit", defaultIssueLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	issues, err := s.state.RecentIssues(r.Context(), id, limit)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if issues == nil {
		issues = []model.QualityIssue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurisdiction_id": id, "issues": issues})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	runs, err := s.state.Store.ListRuns(r.Context(), store.RunFilter{
		JurisdictionID: q.Get("jurisdiction"),
		Status:         model.RunStatus(q.Get("status")),
		Limit:          limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []model.ScrapingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	entries, err := s.state.Store.ListDeadLetters(r.Context(), resilience.DeadLetterFilter{
		JurisdictionID: q.Get("jurisdiction"),
		ErrorType:      q.Get("error_type"),
		Limit:          limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if entries == nil {
		entries = []model.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

type rolloutRequest struct {
	Phases []model.RolloutPhase `json:"phases"`
}

func (s *Server) triggerRollout(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req rolloutRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.Phases != nil {
			if err := rollout.ValidatePhases(req.Phases); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
	}
	if s.state.Rollouts.Running(name) {
		writeError(w, http.StatusConflict, "rollout already running")
		return
	}

	log := zap.L().With(zap.String("component", "api"), zap.String("rollout", name))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		phases, err := s.state.TriggerRollout(s.ctx, name, req.Phases)
		switch {
		case errors.Is(err, rollout.ErrAlreadyRunning):
			log.Warn("rollout already running")
			return
		case err != nil:
			log.Error("rollout failed", zap.Error(err))
			return
		}
		log.Info("rollout complete", zap.Int("phases", len(phases)))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"rollout": name, "status": "accepted"})
}

func (s *Server) rolloutStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	phases, err := s.state.Rollouts.Status(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load rollout")
		return
	}
	if len(phases) == 0 && !s.state.Rollouts.Running(name) {
		writeError(w, http.StatusNotFound, "rollout not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rollout": name,
		"running": s.state.Rollouts.Running(name),
		"phases":  phases,
	})
}

func (s *Server) startScheduler(w http.ResponseWriter, _ *http.Request) {
	started := s.state.StartScheduler(s.ctx)
	writeJSON(w, http.StatusOK, map[string]any{"scheduler": "running", "changed": started})
}

func (s *Server) stopScheduler(w http.ResponseWriter, _ *http.Request) {
	stopped := s.state.StopScheduler()
	writeJSON(w, http.StatusOK, map[string]any{"scheduler": "stopped", "changed": stopped})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New(key + " must be a positive integer")
	}
	return n, nil
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "jurisdiction not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// clientKey identifies the caller: the API key when present, else the
// remote IP.
func clientKey(r *http.Request) string {
	if key := r.Header.Get(HeaderAPIKey); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func callerRole(r *http.Request) string {
	if role := r.Header.Get(HeaderCallerRole); role != "" {
		return role
	}
	return ratelimit.RoleAnonymous
}

func rateLimitMiddleware(limiter *ratelimit.SlidingWindow) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, role := clientKey(r), callerRole(r)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit(role)))

			_, err := limiter.Acquire(key, role)
			var rejected *ratelimit.Rejected
			if errors.As(err, &rejected) {
				metrics.ObserveAPIRejection(role)
				secs := int(rejected.RetryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(limiter.Remaining(key, role)))
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

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

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.ObserveAPIRequest(r.Method, ww.status)

		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		zap.L().Debug("request completed",
			zap.String("component", "api"),
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zap.L().Error("panic recovered",
					zap.String("component", "api"),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":"request timed out"}`)
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.String("component", "api"), zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
