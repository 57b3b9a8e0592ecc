package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gryffen/internal/config"
	"gryffen/internal/database"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/monitoring"
	"gryffen/internal/security"
	"gryffen/internal/testutils"
)

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }

type fakeSchema struct {
	status database.Status
	err    error
}

func (f fakeSchema) Status(context.Context) (database.Status, error) { return f.status, f.err }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(config.Options{Lookup: config.MapLookup(testutils.ValidEnv())})
	require.NoError(t, err)
	return cfg
}

func newTestServer(t *testing.T, mutate func(*Options)) (*Server, *testutils.HTTPTestHelper, *testutils.TestSuite) {
	t.Helper()
	suite := testutils.NewTestSuite(t, nil)
	opts := Options{
		Config:  testConfig(t),
		Log:     suite.Logger,
		DB:      fakeDB{},
		Schema:  fakeSchema{status: database.Status{Version: 3, Head: 3}},
		Metrics: monitoring.NewMetrics(),
		Version: "1.2.3",
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s, testutils.NewHTTPTestHelper(t, s.Handler()), suite
}

func TestNewServerRequiresConfig(t *testing.T) {
	_, err := NewServer(Options{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigMissing))
}

func TestHealth(t *testing.T) {
	_, h, _ := newTestServer(t, nil)

	var body HealthStatus
	resp := h.GET("/api/health", nil).AssertStatus(http.StatusOK)
	require.NoError(t, resp.GetJSON(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "1.2.3", body.Version)
}

func TestReady(t *testing.T) {
	tests := []struct {
		name      string
		db        HealthChecker
		schema    database.StatusReader
		wantCode  int
		wantCheck string
	}{
		{
			name:     "database and schema ok",
			db:       fakeDB{},
			schema:   fakeSchema{status: database.Status{Version: 3, Head: 3}},
			wantCode: http.StatusOK,
		},
		{
			name:      "database down",
			db:        fakeDB{err: errors.New("connection refused")},
			schema:    fakeSchema{status: database.Status{Version: 3, Head: 3}},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: "database",
		},
		{
			name:      "no database",
			schema:    fakeSchema{status: database.Status{Version: 3, Head: 3}},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: "database",
		},
		{
			name:      "schema behind",
			db:        fakeDB{},
			schema:    fakeSchema{status: database.Status{Version: 2, Head: 3}},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: "schema",
		},
		{
			name:      "schema dirty",
			db:        fakeDB{},
			schema:    fakeSchema{status: database.Status{Version: 3, Head: 3, Dirty: true}},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: "schema",
		},
		{
			name:      "schema unreadable",
			db:        fakeDB{},
			schema:    fakeSchema{err: errors.New("table missing")},
			wantCode:  http.StatusServiceUnavailable,
			wantCheck: "schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h, _ := newTestServer(t, func(o *Options) {
				o.DB = tt.db
				o.Schema = tt.schema
			})

			var body ReadyStatus
			resp := h.GET("/api/ready", nil).AssertStatus(tt.wantCode)
			require.NoError(t, resp.GetJSON(&body))
			assert.Equal(t, tt.wantCode == http.StatusOK, body.Ready)
			if tt.wantCheck != "" {
				assert.NotEqual(t, "ok", body.Checks[tt.wantCheck])
				assert.NotEmpty(t, body.Checks[tt.wantCheck])
			}
		})
	}
}

func TestEcho(t *testing.T) {
	_, h, _ := newTestServer(t, nil)

	var body EchoMessage
	resp := h.POST("/api/echo", EchoMessage{Message: "hello"}, nil).AssertStatus(http.StatusOK)
	require.NoError(t, resp.GetJSON(&body))
	assert.Equal(t, "hello", body.Message)

	var errBody apperrors.ErrorResponse
	resp = h.POST("/api/echo", map[string]string{}, nil).AssertStatus(http.StatusBadRequest)
	require.NoError(t, resp.GetJSON(&errBody))
	assert.False(t, errBody.Success)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, errBody.Error.Code)
	assert.Equal(t, "/api/echo", errBody.Path)
	assert.NotEmpty(t, errBody.Error.RequestID)
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	_, h, _ := newTestServer(t, nil)

	var body apperrors.ErrorResponse
	resp := h.GET("/api/nope", nil).AssertStatus(http.StatusNotFound)
	require.NoError(t, resp.GetJSON(&body))
	assert.Equal(t, apperrors.ErrCodeNotFound, body.Error.Code)
}

func TestRequestID(t *testing.T) {
	_, h, suite := newTestServer(t, nil)

	resp := h.GET("/api/health", nil)
	minted := resp.Headers.Get(RequestIDHeader)
	assert.Len(t, minted, 36)

	const incoming = "0b6f1c1e-3d0e-4c47-9f0c-6f2f7b0b8a11"
	resp = h.GET("/api/health", map[string]string{RequestIDHeader: incoming})
	assert.Equal(t, incoming, resp.Headers.Get(RequestIDHeader))
	assert.Contains(t, suite.Logs.String(), incoming)

	resp = h.GET("/api/health", map[string]string{RequestIDHeader: "not a uuid"})
	assert.NotEqual(t, "not a uuid", resp.Headers.Get(RequestIDHeader))
}

func TestDocs(t *testing.T) {
	_, h, _ := newTestServer(t, nil)

	resp := h.GET("/api/docs", nil).AssertStatus(http.StatusMovedPermanently)
	assert.Equal(t, "/api/docs/index.html", resp.Headers.Get("Location"))

	h.GET("/api/docs/index.html", nil).AssertStatus(http.StatusOK)

	var doc map[string]interface{}
	resp = h.GET("/api/openapi.json", nil).AssertStatus(http.StatusOK)
	require.NoError(t, resp.GetJSON(&doc))
	paths, ok := doc["paths"].(map[string]interface{})
	require.True(t, ok)
	for _, p := range []string{"/health", "/ready", "/echo", "/v1/config"} {
		assert.Contains(t, paths, p)
	}
}

func TestMetrics(t *testing.T) {
	_, h, _ := newTestServer(t, nil)

	h.GET("/api/health", nil).AssertStatus(http.StatusOK)
	h.GET("/metrics", nil).
		AssertStatus(http.StatusOK).
		AssertContains(`http_requests_total{endpoint="/api/health",method="GET",status="200"} 1`).
		AssertContains(`gryffen_build_info{environment="dev",version="1.2.3"} 1`)
}

func TestCORS(t *testing.T) {
	_, h, _ := newTestServer(t, nil)

	const origin = "https://app.gryffen.test"
	resp := h.GET("/api/health", map[string]string{"Origin": origin}).AssertStatus(http.StatusOK)
	assert.Equal(t, origin, resp.Headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Headers.Get("Access-Control-Allow-Credentials"))

	resp = h.Request(http.MethodOptions, "/api/echo", nil, map[string]string{
		"Origin":                        origin,
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, origin, resp.Headers.Get("Access-Control-Allow-Origin"))

	resp = h.GET("/api/health", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, resp.Headers.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	_, h, _ := newTestServer(t, func(o *Options) {
		o.Config.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	})

	msg := EchoMessage{Message: "hi"}
	h.POST("/api/echo", msg, nil).AssertStatus(http.StatusOK)
	h.POST("/api/echo", msg, nil).AssertStatus(http.StatusOK)

	var body apperrors.ErrorResponse
	resp := h.POST("/api/echo", msg, nil).AssertStatus(http.StatusTooManyRequests)
	require.NoError(t, resp.GetJSON(&body))
	assert.Equal(t, apperrors.ErrCodeRateLimit, body.Error.Code)
	assert.Equal(t, "1", resp.Headers.Get("Retry-After"))

	h.GET("/api/health", nil).AssertStatus(http.StatusOK)
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	l := NewRateLimiter(config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	now = now.Add(10 * time.Minute)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.Len(t, l.clients, 1)
}

func TestConfigView(t *testing.T) {
	cfg := testConfig(t)
	keys, err := security.NewKeys(cfg.Security)
	require.NoError(t, err)
	issuer, err := security.NewTokenIssuer(cfg.Security, cfg.App.NeverExpire, keys.Signing)
	require.NoError(t, err)

	_, h, _ := newTestServer(t, func(o *Options) {
		o.Config = cfg
		o.Issuer = issuer
	})

	h.GET("/api/v1/config", nil).AssertStatus(http.StatusUnauthorized)
	h.GET("/api/v1/config", map[string]string{"Authorization": "Bearer garbage"}).
		AssertStatus(http.StatusUnauthorized)

	token, _, err := issuer.Issue("operator@gryffen.test", security.ScopeAccess, false)
	require.NoError(t, err)
	resp := h.GET("/api/v1/config", map[string]string{"Authorization": "Bearer " + token}).
		AssertStatus(http.StatusOK).
		AssertContains("operator@gryffen.test")

	env := testutils.ValidEnv()
	for _, name := range []string{"GRYFFEN_SECRET_KEY", "DB_PASS", "ALPACA_API_KEY", "ALPACA_API_SECRET"} {
		assert.NotContains(t, string(resp.Body), env[name], name)
	}
}

func TestConfigViewAbsentWithoutIssuer(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	h.GET("/api/v1/config", nil).AssertStatus(http.StatusNotFound)
}

func TestRecoveryReturnsJSON(t *testing.T) {
	s, h, suite := newTestServer(t, nil)
	s.router.GET("/api/boom", func(*gin.Context) { panic("boom") })

	var body apperrors.ErrorResponse
	resp := h.GET("/api/boom", nil).AssertStatus(http.StatusInternalServerError)
	require.NoError(t, resp.GetJSON(&body))
	assert.Equal(t, apperrors.ErrCodeInternal, body.Error.Code)
	assert.Contains(t, suite.Logs.String(), "Panic recovered")
}

func TestServeShutsDownGracefully(t *testing.T) {
	s, _, _ := newTestServer(t, func(o *Options) {
		o.Config.App.ShutdownTimeout = 2 * time.Second
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := fmt.Sprintf("http://%s/api/health", ln.Addr().String())
	testutils.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, "server never became healthy")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get(url)
	assert.Error(t, err)
}
