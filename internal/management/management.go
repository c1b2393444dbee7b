// Package management provides the HTTP API of a running fortknox instance.
//
// Endpoints:
//
//	GET  /status                          - health, engine, policies
//	GET  /metrics                         - Prometheus exposition
//	GET  /metrics/snapshot                - JSON counters
//	POST /items                           - ingest raw text or HTML for an item
//	POST /sanitize                        - sanitize items {"ids":[...]}
//	POST /compile                         - compile a report
//	GET  /reports/:fingerprint/:engine    - read a stored report
//
// Failures are returned as {"error_code": ..., "reasons": [...]} and never
// carry item text.
package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fortknox/internal/compile"
	"fortknox/internal/content"
	"fortknox/internal/logger"
	"fortknox/internal/metrics"
)

// Ingester accepts raw item text from outside.
type Ingester interface {
	Put(id, kind, raw string, r content.Restrictions)
}

// Status is the static part of the /status response.
type Status struct {
	EngineID  string   `json:"engine_id"`
	Offline   bool     `json:"offline"`
	Policies  []string `json:"policies"`
	Store     string   `json:"store"`
	LeaseMode string   `json:"lease_mode"`
	TestMode  bool     `json:"test_mode"`
}

// Options configures a Server.
type Options struct {
	BindAddress string
	Port        int
	Token       string  // bearer token; empty = no auth
	RateLimit   float64 // compile requests per second; 0 = unlimited
	RateBurst   int
	Status      Status
}

// Deps are the services behind the API.
type Deps struct {
	Compile   *compile.Service
	Sanitizer *content.Sanitizer
	Items     Ingester // nil disables POST /items
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

// Server is the management API server.
type Server struct {
	opts      Options
	startTime time.Time
	compile   *compile.Service
	sanitizer *content.Sanitizer
	items     Ingester
	metrics   *metrics.Metrics
	limiter   *rate.Limiter // nil = unlimited
	validate  *validator.Validate
	log       *logger.Logger
}

// New creates a management server.
func New(opts Options, d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	s := &Server{
		opts:      opts,
		startTime: time.Now(),
		compile:   d.Compile,
		sanitizer: d.Sanitizer,
		items:     d.Items,
		metrics:   d.Metrics,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       d.Log,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	if opts.Token != "" {
		s.log.Info("startup", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog(), s.auth())

	r.GET("/status", s.handleStatus)
	r.GET("/metrics/snapshot", s.handleSnapshot)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}
	r.POST("/items", s.handleItem)
	r.POST("/sanitize", s.handleSanitize)
	r.POST("/compile", s.rateLimit(), s.handleCompile)
	r.GET("/reports/:fingerprint/:engine", s.handleReport)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Code: codeNotFound})
	})
	return r
}

// ListenAndServe serves the API until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(s.opts.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("listen", "management API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
