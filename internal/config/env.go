package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LookupFunc resolves one variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// MapLookup resolves variables from m.
func MapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// Layered resolves from the first source that has a value.
func Layered(sources ...LookupFunc) LookupFunc {
	return func(key string) (string, bool) {
		for _, src := range sources {
			if src == nil {
				continue
			}
			if v, ok := src(key); ok {
				return v, true
			}
		}
		return "", false
	}
}

// ReadEnvFiles parses files of KEY=VALUE assignments. Later files win.
// Missing files are skipped when optional is true.
func ReadEnvFiles(optional bool, filenames ...string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, name := range filenames {
		values, err := godotenv.Read(name)
		if err != nil {
			if optional && os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read env file %s: %w", name, err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}
	return merged, nil
}

// Problem is one missing or malformed variable.
type Problem struct {
	Var     string
	Missing bool
	Reason  string
}

func (p Problem) String() string {
	if p.Missing {
		if p.Reason != "" {
			return fmt.Sprintf("%s is not set (%s)", p.Var, p.Reason)
		}
		return fmt.Sprintf("%s is not set", p.Var)
	}
	return fmt.Sprintf("%s: %s", p.Var, p.Reason)
}

// EnvManager reads typed values and records every problem instead of
// stopping at the first one.
type EnvManager struct {
	lookup   LookupFunc
	prefix   string
	problems []Problem
}

// NewEnvManager reads through lookup, defaulting to the process environment.
// Prefixed getters (GetString and friends) prepend prefix to the upper-cased key.
func NewEnvManager(lookup LookupFunc, prefix string) *EnvManager {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if prefix == "" {
		prefix = "GRYFFEN_"
	}
	return &EnvManager{lookup: lookup, prefix: prefix}
}

// Raw returns the trimmed value of name. Blank counts as unset.
func (em *EnvManager) Raw(name string) (string, bool) {
	v, ok := em.lookup(name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (em *EnvManager) Problems() []Problem {
	return em.problems
}

func (em *EnvManager) addProblem(name, format string, args ...interface{}) {
	em.problems = append(em.problems, Problem{Var: name, Reason: fmt.Sprintf(format, args...)})
}

func (em *EnvManager) key(key string) string {
	return em.prefix + strings.ToUpper(key)
}

// GetString gets a prefixed string variable.
func (em *EnvManager) GetString(key string, defaultValue string) string {
	if v, ok := em.Raw(em.key(key)); ok {
		return v
	}
	return defaultValue
}

func (em *EnvManager) GetInt(key string, defaultValue int) int {
	return em.Int(em.key(key), defaultValue)
}

func (em *EnvManager) GetFloat(key string, defaultValue float64) float64 {
	name := em.key(key)
	v, ok := em.Raw(name)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		em.addProblem(name, "%q is not a number", v)
		return defaultValue
	}
	return f
}

func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	return em.Bool(em.key(key), defaultValue)
}

func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	name := em.key(key)
	v, ok := em.Raw(name)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		em.addProblem(name, "%q is not a duration", v)
		return defaultValue
	}
	return d
}

// String gets an unprefixed variable.
func (em *EnvManager) String(name string) string {
	v, _ := em.Raw(name)
	return v
}

// Secret gets an unprefixed variable as a Secret.
func (em *EnvManager) Secret(name string) Secret {
	v, _ := em.Raw(name)
	return NewSecret(v)
}

// Int gets an unprefixed integer variable.
func (em *EnvManager) Int(name string, defaultValue int) int {
	v, ok := em.Raw(name)
	if !ok {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		em.addProblem(name, "%q is not an integer", v)
		return defaultValue
	}
	return i
}

func (em *EnvManager) Int64(name string, defaultValue int64) int64 {
	v, ok := em.Raw(name)
	if !ok {
		return defaultValue
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		em.addProblem(name, "%q is not an integer", v)
		return defaultValue
	}
	return i
}

// Bool accepts 1/0, true/false, yes/no and on/off in any case.
func (em *EnvManager) Bool(name string, defaultValue bool) bool {
	v, ok := em.Raw(name)
	if !ok {
		return defaultValue
	}
	b, err := ParseBool(v)
	if err != nil {
		em.addProblem(name, "%v", err)
		return defaultValue
	}
	return b
}

// List splits a comma separated variable, dropping blanks.
func (em *EnvManager) List(name string) []string {
	v, ok := em.Raw(name)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseBool is strconv.ParseBool plus yes/no and on/off.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes", "on":
		return true, nil
	case "0", "f", "false", "n", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", v)
}

// ValidateRequired records a missing problem for every unset name.
func (em *EnvManager) ValidateRequired(required []string, reason string) {
	for _, name := range required {
		if _, ok := em.Raw(name); !ok {
			em.problems = append(em.problems, Problem{Var: name, Missing: true, Reason: reason})
		}
	}
}
