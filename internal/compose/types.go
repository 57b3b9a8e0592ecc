// Package compose reads the subset of the compose file format the local
// stack uses: services, their dependencies, health checks, restart
// policies and environment.
package compose

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// Dependency conditions.
const (
	ConditionStarted   = "service_started"
	ConditionHealthy   = "service_healthy"
	ConditionCompleted = "service_completed_successfully"
)

// Restart policies.
const (
	RestartNo            = "no"
	RestartAlways        = "always"
	RestartUnlessStopped = "unless-stopped"
	RestartOnFailure     = "on-failure"
)

// Project is a merged set of compose files.
type Project struct {
	Name       string                 `yaml:"name,omitempty"`
	WorkingDir string                 `yaml:"-"`
	Services   map[string]*Service    `yaml:"services"`
	Volumes    map[string]interface{} `yaml:"volumes,omitempty"`
}

// ServiceNames returns the service names sorted.
func (p *Project) ServiceNames() []string {
	names := make([]string, 0, len(p.Services))
	for name := range p.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Service is one entry under services.
type Service struct {
	Name        string            `yaml:"-"`
	Image       string            `yaml:"image,omitempty"`
	Build       *Build            `yaml:"build,omitempty"`
	Command     Command           `yaml:"command,omitempty"`
	Entrypoint  Command           `yaml:"entrypoint,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Environment Environment       `yaml:"environment,omitempty"`
	EnvFile     StringList        `yaml:"env_file,omitempty"`
	Ports       []string          `yaml:"ports,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Restart     string            `yaml:"restart,omitempty"`
	DependsOn   DependsOn         `yaml:"depends_on,omitempty"`
	Healthcheck *Healthcheck      `yaml:"healthcheck,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// HasHealthcheck reports whether a usable health test is configured.
func (s *Service) HasHealthcheck() bool {
	return s.Healthcheck != nil && !s.Healthcheck.Disable && len(s.Healthcheck.Test) > 0 &&
		s.Healthcheck.Test[0] != "NONE"
}

// RestartPolicy splits "on-failure:3" into its name and retry limit.
func (s *Service) RestartPolicy() (string, int) {
	policy := s.Restart
	if policy == "" {
		return RestartNo, 0
	}
	if name, limit, ok := strings.Cut(policy, ":"); ok {
		n, _ := strconv.Atoi(limit)
		return name, n
	}
	return policy, 0
}

// LongRunning reports whether the restart policy keeps the service up.
func (s *Service) LongRunning() bool {
	policy, _ := s.RestartPolicy()
	return policy == RestartAlways || policy == RestartUnlessStopped
}

// Build is the build section.
type Build struct {
	Context    string            `yaml:"context,omitempty"`
	Dockerfile string            `yaml:"dockerfile,omitempty"`
	Target     string            `yaml:"target,omitempty"`
	Args       map[string]string `yaml:"args,omitempty"`
}

// UnmarshalYAML accepts the short string form (the context path).
func (b *Build) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		b.Context = value.Value
		return nil
	}
	type plain Build
	return value.Decode((*plain)(b))
}

// Dependency is one depends_on entry in long form.
type Dependency struct {
	Condition string `yaml:"condition"`
	Restart   bool   `yaml:"restart,omitempty"`
}

// DependsOn maps dependency names to their condition.
type DependsOn map[string]Dependency

// UnmarshalYAML accepts both the list and the map form. List entries wait
// for service_started.
func (d *DependsOn) UnmarshalYAML(value *yaml.Node) error {
	out := make(DependsOn)
	switch value.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		for _, name := range names {
			out[name] = Dependency{Condition: ConditionStarted}
		}
	case yaml.MappingNode:
		var m map[string]Dependency
		if err := value.Decode(&m); err != nil {
			return err
		}
		for name, dep := range m {
			if dep.Condition == "" {
				dep.Condition = ConditionStarted
			}
			out[name] = dep
		}
	default:
		return fmt.Errorf("line %d: depends_on must be a list or a map", value.Line)
	}
	*d = out
	return nil
}

// Names returns the dependency names sorted.
func (d DependsOn) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Healthcheck is the healthcheck section.
type Healthcheck struct {
	Test        HealthTest `yaml:"test,omitempty"`
	Interval    Duration   `yaml:"interval,omitempty"`
	Timeout     Duration   `yaml:"timeout,omitempty"`
	StartPeriod Duration   `yaml:"start_period,omitempty"`
	Retries     int        `yaml:"retries,omitempty"`
	Disable     bool       `yaml:"disable,omitempty"`
}

// Compose defaults for unset healthcheck fields.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 30 * time.Second
	DefaultRetries  = 3
)

// Effective fills unset fields with the compose defaults.
func (h Healthcheck) Effective() Healthcheck {
	if h.Interval == 0 {
		h.Interval = Duration(DefaultInterval)
	}
	if h.Timeout == 0 {
		h.Timeout = Duration(DefaultTimeout)
	}
	if h.Retries == 0 {
		h.Retries = DefaultRetries
	}
	return h
}

// Budget is the longest a dependent waits: start_period + interval × retries.
func (h Healthcheck) Budget() time.Duration {
	e := h.Effective()
	return e.StartPeriod.Std() + e.Interval.Std()*time.Duration(e.Retries)
}

// HealthTest is a health test command. The first element is NONE, CMD or
// CMD-SHELL; the string form means CMD-SHELL.
type HealthTest []string

func (t *HealthTest) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*t = HealthTest{"CMD-SHELL", value.Value}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return fmt.Errorf("line %d: healthcheck test must be a string or a list", value.Line)
	}
	*t = items
	return nil
}

// Duration is a time.Duration written the compose way ("10s", "1m30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, value.Value)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Command is a command line. The string form is split like a shell would,
// honouring single and double quotes.
type Command []string

func (c *Command) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		args, err := SplitCommand(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*c = args
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := value.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", value.Line)
}

// SplitCommand splits s into words with shell quoting and escapes, the way
// compose does for string commands. Shell operators are rejected: they need
// a CMD-SHELL test or an explicit "sh -c".
func SplitCommand(s string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("cannot split %q: %w", s, err)
	}
	if parser.Position >= 0 {
		return nil, fmt.Errorf("cannot split %q: shell operator at offset %d", s, parser.Position)
	}
	return args, nil
}

// StringList accepts a single string or a list.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*l = StringList{value.Value}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Environment accepts both the map and the KEY=VALUE list form.
type Environment map[string]string

func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	out := make(Environment)
	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			key, val := value.Content[i], value.Content[i+1]
			if val.Tag == "!!null" {
				out[key.Value] = ""
				continue
			}
			out[key.Value] = val.Value
		}
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		for _, item := range items {
			k, v, _ := strings.Cut(item, "=")
			out[k] = v
		}
	default:
		return fmt.Errorf("line %d: environment must be a map or a list", value.Line)
	}
	*e = out
	return nil
}
