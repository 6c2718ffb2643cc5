// Package httpapi serves train, status and forecast over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/auth"
	"github.com/fractal-lba/profitcast/internal/metrics"
	"github.com/fractal-lba/profitcast/internal/training"
)

// Service is the core the HTTP layer drives.
type Service interface {
	Train(ctx context.Context, alg api.Algorithm, horizonDays int) (*api.TrainResult, error)
	Status(ctx context.Context) api.StatusResult
	Forecast(ctx context.Context, daysAhead int) (*api.ForecastResult, error)
}

// Options configures request defaults and protection.
type Options struct {
	DefaultAlgorithm   api.Algorithm
	DefaultHorizonDays int
	DefaultDays        int
	MaxDays            int
	TrainTimeout       time.Duration

	ForecastRPS   float64
	ForecastBurst int
	TrainRPS      float64
	TrainBurst    int

	MetricsUser     string
	MetricsPassword string

	Auth auth.GatewayConfig
}

// Server holds handler state.
type Server struct {
	svc      Service
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	forecast *rate.Limiter
	train    *rate.Limiter
}

// NewServer creates a Server. A zero RPS disables that limiter.
func NewServer(svc Service, opts Options, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DefaultAlgorithm == "" {
		opts.DefaultAlgorithm = api.AlgorithmBagged
	}
	if opts.DefaultHorizonDays < 1 {
		opts.DefaultHorizonDays = 30
	}
	if opts.DefaultDays < 1 {
		opts.DefaultDays = 30
	}
	if opts.MaxDays < opts.DefaultDays {
		opts.MaxDays = opts.DefaultDays
	}
	s := &Server{svc: svc, opts: opts, metrics: m, logger: logger.Named("http")}
	if opts.ForecastRPS > 0 {
		s.forecast = rate.NewLimiter(rate.Limit(opts.ForecastRPS), max(opts.ForecastBurst, 1))
	}
	if opts.TrainRPS > 0 {
		s.train = rate.NewLimiter(rate.Limit(opts.TrainRPS), max(opts.TrainBurst, 1))
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.logRequests)

	r.Get("/health", handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metricsHandler())
	}

	gw := s.opts.Auth
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(gw))
		r.With(auth.RequireScope(gw, gw.TrainScope), limit(s.train)).Post("/model/train", s.handleTrain)
		r.With(auth.RequireScope(gw, gw.ReadScope)).Get("/model/status", s.handleStatus)
		r.With(auth.RequireScope(gw, gw.ReadScope), limit(s.forecast)).Get("/profit/forecast", s.handleForecast)
	})
	return r
}

type trainRequest struct {
	Algorithm   string `json:"algorithm"`
	HorizonDays *int   `json:"horizon_days"`
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
			return
		}
	}

	alg := s.opts.DefaultAlgorithm
	if req.Algorithm != "" {
		alg, err = api.ParseAlgorithm(req.Algorithm)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	horizon := s.opts.DefaultHorizonDays
	if req.HorizonDays != nil {
		horizon = *req.HorizonDays
	}

	trigger := "http"
	if subject, ok := auth.Subject(r.Context()); ok {
		trigger += ":" + subject
	}
	ctx := training.WithTrigger(r.Context(), trigger)
	if s.opts.TrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TrainTimeout)
		defer cancel()
	}

	res, err := s.svc.Train(ctx, alg, horizon)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status(r.Context()))
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	days := s.opts.DefaultDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "days must be a positive integer")
			return
		}
		days = min(n, s.opts.MaxDays)
	}

	res, err := s.svc.Forecast(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	if s.opts.MetricsUser == "" {
		return handler
	}

	user, pass := []byte(s.opts.MetricsUser), []byte(s.opts.MetricsPassword)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), user) != 1 || subtle.ConstantTimeCompare([]byte(p), pass) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// limit rejects requests once l is exhausted. A nil limiter admits all.
func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "10")
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeServiceError maps core errors onto status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *api.InsufficientDataError
	var alignment *api.FeatureAlignmentError

	switch {
	case errors.Is(err, api.ErrModelNotTrained):
		writeJSON(w, http.StatusConflict, map[string]any{
			"trained": false,
			"code":    "MODEL_NOT_TRAINED",
			"error":   "model not trained yet",
		})
	case errors.Is(err, api.ErrTrainingInProgress):
		writeError(w, http.StatusConflict, "TRAINING_IN_PROGRESS", err.Error())
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status":   "error",
			"code":     "INSUFFICIENT_DATA",
			"message":  err.Error(),
			"raw_rows": insufficient.RawRows,
			"samples":  insufficient.Samples,
			"required": insufficient.Required,
		})
	case errors.As(err, &alignment):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"status":  "error",
			"code":    "FEATURE_ALIGNMENT",
			"message": err.Error(),
			"missing": alignment.Missing,
		})
	case errors.Is(err, api.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, api.ErrUpstream):
		s.logger.Error("upstream failure", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "upstream dependency failed")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
	default:
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
