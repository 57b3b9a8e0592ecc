package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestID reuses a well-formed incoming request id or mints one, and
// makes it available to handlers, loggers and error responses.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(string(logger.RequestIDKey), id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIDKey, id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// AccessLog writes one entry per request.
func AccessLog(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogHTTPRequest(log, logger.HTTPRequestInfo{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			StatusCode: c.Writer.Status(),
			Latency:    time.Since(start),
			ClientIP:   c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			BodySize:   c.Writer.Size(),
			RequestID:  c.GetString(string(logger.RequestIDKey)),
		})
	}
}

// Recovery turns panics into a 500 error response.
func Recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithContext(c.Request.Context()).Error("Panic recovered",
			"error", recovered,
			"stack", string(debug.Stack()),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		writeError(c, apperrors.Newf(apperrors.ErrCodeInternal, "internal server error"))
	})
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		appErr := apperrors.WrapError(c.Errors.Last().Err, apperrors.ErrCodeInternal, "internal server error")
		if appErr.HTTPStatus() >= http.StatusInternalServerError {
			log.WithContext(c.Request.Context()).Error("Request failed", "path", c.Request.URL.Path, "error", appErr)
		}
		writeError(c, appErr)
	}
}

func writeError(c *gin.Context, err *apperrors.AppError) {
	if id := c.GetString(string(logger.RequestIDKey)); id != "" && err.RequestID == "" {
		err = err.WithRequestID(id)
	}
	c.AbortWithStatusJSON(err.HTTPStatus(), apperrors.NewErrorResponse(err, c.Request.URL.Path))
}

// CORS allows the configured front-end origins with credentials.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientLimiter
	lastSweep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter from the rate limit settings.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(cfg.RequestsPerSecond),
		burst:   burst,
		idle:    3 * time.Minute,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether key may make a request now.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for k, cl := range l.clients {
			if now.Sub(cl.lastSeen) > l.idle {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	cl, ok := l.clients[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429. Health probes are
// never limited.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/api/health", "/api/ready", "/metrics":
			c.Next()
			return
		}
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			writeError(c, apperrors.Newf(apperrors.ErrCodeRateLimit, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}
