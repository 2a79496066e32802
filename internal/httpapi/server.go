// Package httpapi exposes the aggregated metrics over HTTP: one endpoint
// per metric lookup and a health endpoint reporting per-source breaker and
// limiter state. Inbound requests are rate limited per client address.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"usdfc-telemetry/internal/aggregator"
	"usdfc-telemetry/internal/config"
	"usdfc-telemetry/internal/ratelimit"
)

// metricResponse is the JSON envelope for metric lookups.
type metricResponse struct {
	Metric     string    `json:"metric"`
	Code       string    `json:"code"`
	Provenance string    `json:"provenance,omitempty"`
	Source     string    `json:"source,omitempty"`
	StoredAt   time.Time `json:"stored_at,omitempty"`
	Error      string    `json:"error,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Server serves the telemetry API.
type Server struct {
	agg     *aggregator.Aggregator
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
	cfg     config.ServerConfig

	httpServer *http.Server
}

// New constructs the API server.
func New(cfg config.ServerConfig, agg *aggregator.Aggregator, logger zerolog.Logger) *Server {
	s := &Server{
		agg:     agg,
		limiter: ratelimit.NewKeyed(cfg.RatePerSec, cfg.RateBurst),
		logger:  logger.With().Str("component", "httpapi").Logger(),
		cfg:     cfg,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/metrics/{id}", s.handleMetric)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.throttle(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("http api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// throttle rejects clients that exceed the per-address token bucket.
func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Acquire(clientScope(r)) {
			writeJSON(w, http.StatusTooManyRequests, metricResponse{
				Code:  string(aggregator.CodeRateLimited),
				Error: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientScope(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	metricID := r.PathValue("id")

	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	res, err := s.agg.Fetch(r.Context(), metricID, params)
	if err != nil {
		s.writeError(w, metricID, err)
		return
	}

	resp := metricResponse{
		Metric:     metricID,
		Code:       string(res.Code()),
		Provenance: string(res.Provenance),
		Source:     res.Source,
		StoredAt:   res.StoredAt,
		Data:       res.Value,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, metricID string, err error) {
	if errors.Is(err, aggregator.ErrUnknownMetric) {
		writeJSON(w, http.StatusNotFound, metricResponse{Metric: metricID, Error: err.Error()})
		return
	}

	code := aggregator.Classify(err)
	status := http.StatusInternalServerError
	switch code {
	case aggregator.CodeRateLimited:
		status = http.StatusTooManyRequests
	case aggregator.CodeSourceUnavailable:
		status = http.StatusServiceUnavailable
	case aggregator.CodeDecodeError:
		status = http.StatusBadGateway
	}

	s.logger.Error().Err(err).Str("metric", metricID).Str("code", string(code)).Msg("metric request failed")
	writeJSON(w, status, metricResponse{Metric: metricID, Code: string(code), Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": s.agg.Health(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
