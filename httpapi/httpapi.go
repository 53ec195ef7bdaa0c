// Package httpapi exposes a Router over HTTP for pipelines that run in
// other processes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ineyio/quotarouter"
)

// Service is the part of *quotarouter.Router served over HTTP.
type Service interface {
	RouteAndExecute(ctx context.Context, req quotarouter.Request) (quotarouter.Output, error)
	DiscoverModels(ctx context.Context) (quotarouter.CatalogSnapshot, error)
	QuotaSnapshot(ctx context.Context, id quotarouter.ModelID) (quotarouter.QuotaSnapshot, error)
	QuotaSnapshots(ctx context.Context) ([]quotarouter.QuotaSnapshot, error)
	AggressiveMode(ctx context.Context) (quotarouter.AggressiveModeState, error)
	SetAggressiveMode(ctx context.Context, enabled bool, source string) error
	RecordFeedback(ctx context.Context, task string, model quotarouter.ModelID, quality float64) error
	ScanTasks(ctx context.Context, declared []quotarouter.TaskDecl) (quotarouter.ScanResult, error)
	FrequentErrors(ctx context.Context, topN int) ([]quotarouter.ErrorCount, error)
}

var _ Service = (*quotarouter.Router)(nil)

const defaultTopErrors = 5

// Handler serves the router API.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// New creates the HTTP handler with its routes mounted.
func New(svc Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{svc: svc, logger: logger.Named("http")}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Routes
	r.Get("/health", h.health)
	r.Post("/route", h.route)
	r.Post("/discover", h.discover)
	r.Get("/quota", h.quota)
	r.Get("/quota/*", h.quotaModel)
	r.Get("/aggressive", h.aggressive)
	r.Post("/aggressive", h.setAggressive)
	r.Post("/feedback", h.feedback)
	r.Post("/scan", h.scan)
	r.Get("/errors", h.frequentErrors)

	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) {
	var req quotarouter.Request
	if !decode(w, r, &req) {
		return
	}
	out, err := h.svc.RouteAndExecute(r.Context(), req)
	if err != nil && out.Routing.Model == "" {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// Served, but bookkeeping failed afterwards.
		h.logger.Error("route bookkeeping failed",
			zap.String("request_id", out.Routing.RequestID),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) discover(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.DiscoverModels(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) quota(w http.ResponseWriter, r *http.Request) {
	if model := r.URL.Query().Get("model"); model != "" {
		h.writeSnapshot(w, r, quotarouter.ModelID(model))
		return
	}
	snaps, err := h.svc.QuotaSnapshots(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// quotaModel takes the rest of the path as the id; openrouter ids carry slashes.
func (h *Handler) quotaModel(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, quotarouter.ModelID(chi.URLParam(r, "*")))
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request, id quotarouter.ModelID) {
	if !id.Valid() {
		h.fail(w, r, fmt.Errorf("%w: model id must be provider:model", quotarouter.ErrInvalidRequest))
		return
	}
	snap, err := h.svc.QuotaSnapshot(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) aggressive(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.AggressiveMode(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type aggressiveRequest struct {
	Enabled *bool  `json:"enabled"`
	Source  string `json:"source"`
}

func (h *Handler) setAggressive(w http.ResponseWriter, r *http.Request) {
	var req aggressiveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.fail(w, r, fmt.Errorf("%w: enabled is required", quotarouter.ErrInvalidRequest))
		return
	}
	if req.Source == "" {
		req.Source = "http"
	}
	if err := h.svc.SetAggressiveMode(r.Context(), *req.Enabled, req.Source); err != nil {
		h.fail(w, r, err)
		return
	}
	h.aggressive(w, r)
}

type feedbackRequest struct {
	Task    string              `json:"task"`
	Model   quotarouter.ModelID `json:"model"`
	Quality float64             `json:"quality"`
}

func (h *Handler) feedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.RecordFeedback(r.Context(), req.Task, req.Model, req.Quality); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type scanRequest struct {
	Tasks []quotarouter.TaskDecl `json:"tasks"`
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	res, err := h.svc.ScanTasks(r.Context(), req.Tasks)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) frequentErrors(w http.ResponseWriter, r *http.Request) {
	top := defaultTopErrors
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.fail(w, r, fmt.Errorf("%w: top must be a positive integer", quotarouter.ErrInvalidRequest))
			return
		}
		top = n
	}
	counts, err := h.svc.FrequentErrors(r.Context(), top)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

type errorResponse struct {
	Error      string                 `json:"error"`
	Kind       quotarouter.ErrorKind  `json:"kind,omitempty"`
	RetryAfter string                 `json:"retry_after,omitempty"`
	Attempts   []attemptFailureReport `json:"attempts,omitempty"`
}

type attemptFailureReport struct {
	Model quotarouter.ModelID      `json:"model"`
	State quotarouter.AttemptState `json:"state"`
	Kind  quotarouter.ErrorKind    `json:"kind"`
	Error string                   `json:"error,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: quotarouter.KindOf(err)}

	var rerr *quotarouter.RoutingError
	if errors.As(err, &rerr) {
		for _, f := range rerr.Failures {
			rep := attemptFailureReport{Model: f.Model, State: f.State, Kind: f.Kind}
			if f.Err != nil {
				rep.Error = f.Err.Error()
			}
			resp.Attempts = append(resp.Attempts, rep)
		}
		if d := rerr.RetryAfter(); d > 0 {
			resp.RetryAfter = d.String()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, quotarouter.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, quotarouter.ErrAggressiveModeDisabled):
		return http.StatusConflict
	case errors.Is(err, quotarouter.ErrAllCandidatesExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("invalid JSON body: %v", err),
			Kind:  quotarouter.KindProviderRejected,
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server wraps an http.Server with graceful shutdown.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.srv.Addr))
		serverErrors <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed", zap.Error(err))
			return s.srv.Close()
		}
		s.logger.Info("server stopped")
		return nil
	}
}
