package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gryffen/internal/logger"
)

// TestConfig tunes a TestSuite.
type TestConfig struct {
	LogLevel logger.LogLevel
}

func DefaultTestConfig() *TestConfig {
	return &TestConfig{LogLevel: logger.LevelDebug}
}

// TestSuite bundles a temp dir and a logger that writes into a buffer.
type TestSuite struct {
	T       *testing.T
	Config  *TestConfig
	Logger  logger.Logger
	Logs    *SafeBuffer
	TempDir string
	Cleanup []func()
}

func NewTestSuite(t *testing.T, config *TestConfig) *TestSuite {
	t.Helper()
	if config == nil {
		config = DefaultTestConfig()
	}

	logs := &SafeBuffer{}
	testLogger := logger.NewLogger(logger.Config{
		Level:  config.LogLevel,
		Format: logger.FormatJSON,
		Writer: logs,
	})

	return &TestSuite{
		T:       t,
		Config:  config,
		Logger:  testLogger,
		Logs:    logs,
		TempDir: t.TempDir(),
	}
}

func (s *TestSuite) AddCleanup(cleanup func()) {
	s.Cleanup = append(s.Cleanup, cleanup)
}

// TearDown runs cleanups in reverse registration order.
func (s *TestSuite) TearDown() {
	for i := len(s.Cleanup) - 1; i >= 0; i-- {
		s.Cleanup[i]()
	}
}

// CreateTempFile writes content under the suite temp dir, creating parents.
func (s *TestSuite) CreateTempFile(name, content string) string {
	filePath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(s.T, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

func (s *TestSuite) CreateTempDir(name string) string {
	dirPath := filepath.Join(s.TempDir, name)
	require.NoError(s.T, os.MkdirAll(dirPath, 0755))
	return dirPath
}

// SafeBuffer is a bytes.Buffer safe for concurrent writers.
type SafeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ValidEnv returns a complete, valid environment for the service.
// Callers copy and mutate it.
func ValidEnv() map[string]string {
	return map[string]string{
		"GRYFFEN_SECRET_KEY":          "test-secret-key-0123456789",
		"HASH_ITERATION":              "100000",
		"NUM_BENCHMARK":               "1000000",
		"UNIX_TIMESTAMP_NEVER_EXPIRE": "32503680000",
		"FRONT_END_BASE_URL":          "https://app.gryffen.test",
		"EMAIL_FROM":                  "noreply@gryffen.test",
		"ACCESS_TOKEN_HASH_ALGO":      "HS256",
		"ACCESS_TOKEN_EXPIRE_MINUTES": "30",
		"OAUTH_TOKEN_EXPIRE_MINUTES":  "60",
		"DB_HOST":                     "db",
		"DB_PORT":                     "3306",
		"DB_USER":                     "admin",
		"DB_PASS":                     "db-password-xyz",
		"DB_NAME":                     "gryffen-backend",
		"FINNHUB_API_KEY":             "finnhub-key-abc",
		"FINNHUB_WEBSOCKET_URI":       "wss://ws.finnhub.io",
		"TD_API_CONSUMER_KEY":         "td-consumer-key",
		"TD_API_AUTH_URL":             "https://auth.tdameritrade.test/auth",
		"TD_API_BASE_URL":             "https://api.tdameritrade.test/v1",
		"TD_API_ORDERS_URL":           "https://api.tdameritrade.test/v1/orders",
		"TD_API_REDIRECT_URL":         "https://app.gryffen.test/td/callback",
		"ALPACA_API_KEY":              "alpaca-key",
		"ALPACA_API_SECRET":           "alpaca-secret",
		"ALPACA_BASE_URL":             "https://paper-api.alpaca.markets",
	}
}

// Without returns a copy of env with keys removed.
func Without(env map[string]string, keys ...string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// With returns a copy of env with kv pairs set.
func With(env map[string]string, kv ...string) map[string]string {
	out := Without(env)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// HTTPTestHelper drives a gin router without a listener.
type HTTPTestHelper struct {
	Router http.Handler
	T      *testing.T
}

func NewHTTPTestHelper(t *testing.T, router http.Handler) *HTTPTestHelper {
	gin.SetMode(gin.TestMode)
	return &HTTPTestHelper{Router: router, T: t}
}

func (h *HTTPTestHelper) GET(path string, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil, headers)
}

func (h *HTTPTestHelper) POST(path string, body interface{}, headers map[string]string) *HTTPResponse {
	return h.Request(http.MethodPost, path, body, headers)
}

func (h *HTTPTestHelper) Request(method, path string, body interface{}, headers map[string]string) *HTTPResponse {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		require.NoError(h.T, err)
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req := httptest.NewRequest(method, path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)

	return &HTTPResponse{
		StatusCode: w.Code,
		Body:       w.Body.Bytes(),
		Headers:    w.Header(),
		t:          h.T,
	}
}

type HTTPResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

func (r *HTTPResponse) AssertStatus(expectedStatus int) *HTTPResponse {
	assert.Equal(r.t, expectedStatus, r.StatusCode, string(r.Body))
	return r
}

func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	assert.Contains(r.t, string(r.Body), substring)
	return r
}

func (r *HTTPResponse) GetJSON(target interface{}) error {
	return json.Unmarshal(r.Body, target)
}

// WaitForCondition polls condition every 5ms until it holds or timeout passes.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("Timeout waiting for condition: %s", message)
		case <-ticker.C:
		}
	}
}

func Eventually(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()
	WaitForCondition(t, condition, timeout, message)
}

// SetEnv sets a process variable for the duration of the test.
func SetEnv(t *testing.T, key, value string) {
	t.Helper()
	t.Setenv(key, value)
}

// GetAvailablePort asks the kernel for a free TCP port.
func GetAvailablePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}
