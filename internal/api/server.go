package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"gryffen/internal/config"
	"gryffen/internal/database"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
	"gryffen/internal/monitoring"
	"gryffen/internal/security"
)

// HealthChecker is the database as the readiness probe sees it.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options are the server's dependencies. Only Config is required.
type Options struct {
	Config *config.Config
	Log    logger.Logger
	// DB and Schema back /api/ready. A nil DB makes the server never ready.
	DB      HealthChecker
	Schema  database.StatusReader
	Metrics *monitoring.Metrics
	// Issuer enables the token-protected /api/v1 routes.
	Issuer  *security.TokenIssuer
	Version string
}

// Server is the HTTP API.
type Server struct {
	config  *config.Config
	log     logger.Logger
	router  *gin.Engine
	db      HealthChecker
	schema  database.StatusReader
	metrics *monitoring.Metrics
	issuer  *security.TokenIssuer
	version string
	started time.Time

	httpServer *http.Server
}

// NewServer builds the router. It does not listen.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConfigMissing, "server configuration is required")
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = monitoring.NewMetrics()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	if opts.Config.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:  opts.Config,
		log:     opts.Log,
		router:  gin.New(),
		db:      opts.DB,
		schema:  opts.Schema,
		metrics: opts.Metrics,
		issuer:  opts.Issuer,
		version: opts.Version,
		started: time.Now(),
	}
	s.metrics.SetBuildInfo(s.version, s.config.App.Environment)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(RequestID())
	s.router.Use(Recovery(s.log))
	s.router.Use(AccessLog(s.log))
	s.router.Use(CORS(s.config.CORS))
	if s.config.RateLimit.RequestsPerSecond > 0 {
		s.router.Use(NewRateLimiter(s.config.RateLimit).Middleware())
	}
	s.router.Use(s.metrics.MetricsMiddleware())
	s.router.Use(ErrorHandler(s.log))

	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/health", s.health)
		api.GET("/ready", s.ready)
		api.POST("/echo", s.echo)

		api.GET("/openapi.json", openAPIDocument)
		api.GET("/docs", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, "/api/docs/index.html")
		})
		api.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler,
			ginSwagger.URL("/api/openapi.json"),
			ginSwagger.DocExpansion("list"),
		))
	}

	if s.issuer != nil {
		v1 := api.Group("/v1")
		v1.Use(security.TokenAuth(s.issuer, security.ScopeAccess))
		{
			v1.GET("/config", s.configView)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		_ = c.Error(apperrors.Newf(apperrors.ErrCodeNotFound, "no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.App.Addr())
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to listen", err).
			WithContext("addr", s.config.App.Addr())
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains in-flight requests
// for at most the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API server listening", "addr", ln.Addr().String(), "environment", s.config.App.Environment)
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "server failed", err)
	case <-ctx.Done():
	}

	s.log.Info("Shutting down API server", "timeout", s.config.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.App.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.httpServer.Close()
		return apperrors.NewAppError(apperrors.ErrCodeTimeout, "server shutdown did not finish in time", err)
	}
	<-errCh
	s.log.Info("API server stopped")
	return nil
}
