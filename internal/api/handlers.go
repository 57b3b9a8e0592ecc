package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"gryffen/internal/database"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/security"
)

// Response is the envelope of successful responses.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HealthStatus is the body of /api/health.
type HealthStatus struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Uptime  string    `json:"uptime"`
	Time    time.Time `json:"time"`
}

// ReadyStatus is the body of /api/ready.
type ReadyStatus struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// EchoMessage is echoed back unchanged.
type EchoMessage struct {
	Message string `json:"message" binding:"required"`
}

// health godoc
// @Summary Liveness probe
// @Tags monitoring
// @Produce json
// @Success 200 {object} HealthStatus
// @Router /health [get]
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthStatus{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Time:    time.Now().UTC(),
	})
}

// ready godoc
// @Summary Readiness probe: database reachable and schema at head
// @Tags monitoring
// @Produce json
// @Success 200 {object} ReadyStatus
// @Failure 503 {object} ReadyStatus
// @Router /ready [get]
func (s *Server) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := ReadyStatus{Ready: true, Checks: map[string]string{}}
	fail := func(check string, err error) {
		status.Ready = false
		status.Checks[check] = err.Error()
	}

	switch {
	case s.db == nil:
		fail("database", apperrors.Newf(apperrors.ErrCodeDBConnection, "database not configured"))
	default:
		if err := s.db.HealthCheck(ctx); err != nil {
			fail("database", err)
		} else {
			status.Checks["database"] = "ok"
		}
	}

	if status.Ready {
		switch {
		case s.schema == nil:
			fail("schema", apperrors.Newf(apperrors.ErrCodeMigrationFailed, "schema reader not configured"))
		default:
			if err := database.CheckAtHead(ctx, s.schema); err != nil {
				fail("schema", err)
			} else {
				status.Checks["schema"] = "ok"
			}
		}
	}
	s.metrics.SetSchemaAtHead(status.Checks["schema"] == "ok")

	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// echo godoc
// @Summary Echo a message back
// @Tags echo
// @Accept json
// @Produce json
// @Param message body EchoMessage true "message to echo"
// @Success 200 {object} EchoMessage
// @Failure 400 {object} errors.ErrorResponse
// @Router /echo [post]
func (s *Server) echo(c *gin.Context) {
	var msg EchoMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		_ = c.Error(apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	c.JSON(http.StatusOK, msg)
}

// configView godoc
// @Summary Effective configuration with secrets redacted
// @Tags config
// @Security BearerAuth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} errors.ErrorResponse
// @Router /v1/config [get]
func (s *Server) configView(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    s.config,
		Message: "requested by " + c.GetString(security.ContextSubject),
	})
}
