package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(t *testing.T, level LogLevel) (Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cfg := DefaultConfig
	cfg.Level = level
	cfg.Writer = buf
	return NewLogger(cfg), buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"NOTSET", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"WARNING", LevelWarn, false},
		{"warn", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"FATAL", LevelFatal, false},
		{"verbose", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoggerWritesKeyValueFields(t *testing.T) {
	log, buf := newBufferLogger(t, LevelInfo)

	log.Info("service state changed", "service", "db", "state", "healthy")
	log.Debug("suppressed")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "service state changed", entries[0]["msg"])
	assert.Equal(t, "db", entries[0]["service"])
	assert.Equal(t, "healthy", entries[0]["state"])
}

func TestLoggerContextRequestID(t *testing.T) {
	log, buf := newBufferLogger(t, LevelInfo)

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-42")
	log.WithContext(ctx).WithError(errors.New("boom")).Warn("request failed")

	entries := decodeLines(t, buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-42", entries[0]["request_id"])
	assert.Equal(t, "boom", entries[0]["error"])
}

func TestSetLevelIsSharedWithDerivedLoggers(t *testing.T) {
	log, buf := newBufferLogger(t, LevelInfo)
	child := log.WithField("component", "pipeline")

	log.SetLevel("DEBUG")
	child.Debug("now visible")

	assert.Equal(t, LevelDebug, child.GetLevel())
	assert.Contains(t, buf.String(), "now visible")
}

func TestRedactHookScrubsMessagesAndFields(t *testing.T) {
	log, buf := newBufferLogger(t, LevelInfo)
	hook := NewRedactHook("s3cr3t-key", "", "hunter2")
	log.AddHook(hook)

	log.WithError(errors.New("auth with hunter2 failed")).
		Info("connecting with key s3cr3t-key", "dsn", "admin:hunter2@tcp(db:3306)/gryffen")

	out := buf.String()
	assert.NotContains(t, out, "s3cr3t-key")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, Redacted)
	assert.Equal(t, "x "+Redacted, hook.Scrub("x hunter2"))
}

func TestRedactHookPrefersLongestValue(t *testing.T) {
	hook := NewRedactHook("abc", "abcdef")
	assert.Equal(t, Redacted+"!", hook.Scrub("abcdef!"))
}

func TestLogHTTPRequestLevels(t *testing.T) {
	log, buf := newBufferLogger(t, LevelInfo)

	LogHTTPRequest(log, HTTPRequestInfo{Method: "GET", Path: "/api/health", StatusCode: 200})
	LogHTTPRequest(log, HTTPRequestInfo{Method: "GET", Path: "/api/ready", StatusCode: 503, RequestID: "r1"})

	entries := decodeLines(t, buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "info", entries[0]["level"])
	assert.Equal(t, "error", entries[1]["level"])
	assert.Equal(t, "r1", entries[1]["request_id"])
}
