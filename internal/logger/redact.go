package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Redacted replaces any registered secret value in log output.
const Redacted = "[REDACTED]"

// RedactHook scrubs secret values out of entry messages and string fields
// before formatters see them.
type RedactHook struct {
	mu     sync.RWMutex
	values []string
}

// NewRedactHook registers the given values. Empty strings are ignored.
func NewRedactHook(values ...string) *RedactHook {
	h := &RedactHook{}
	h.Add(values...)
	return h
}

// Add registers more values. Longer values are replaced first so that a
// secret containing another secret is scrubbed whole.
func (h *RedactHook) Add(values ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, v := range values {
		if v == "" {
			continue
		}
		h.values = append(h.values, v)
	}
	sort.Slice(h.values, func(i, j int) bool { return len(h.values[i]) > len(h.values[j]) })
}

func (h *RedactHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RedactHook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.values) == 0 {
		return nil
	}
	entry.Message = h.scrub(entry.Message)
	for k, v := range entry.Data {
		switch val := v.(type) {
		case string:
			entry.Data[k] = h.scrub(val)
		case error:
			entry.Data[k] = h.scrub(val.Error())
		case fmt.Stringer:
			entry.Data[k] = h.scrub(val.String())
		}
	}
	return nil
}

// Scrub is exported for callers that format text outside logrus.
func (h *RedactHook) Scrub(s string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.scrub(s)
}

func (h *RedactHook) scrub(s string) string {
	for _, v := range h.values {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}
