package compose

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "gryffen/internal/errors"
)

// DefaultFile is read when no file is given.
const DefaultFile = "docker-compose.yml"

// Options selects the files of a project.
type Options struct {
	// ProjectDir resolves relative file and env_file paths. Defaults to
	// the directory of the first file.
	ProjectDir string
	// Files are merged in order. Defaults to DefaultFile.
	Files []string
	// Name overrides the project name, which otherwise is the name key of
	// the files or the base name of ProjectDir.
	Name string
	// Lookup resolves ${VAR} references. Defaults to the process environment
	// layered over the .env file of the project directory.
	Lookup func(string) (string, bool)
}

// Load reads, merges and validates the files of a project.
func Load(opts Options) (*Project, error) {
	files := opts.Files
	if len(files) == 0 {
		files = []string{DefaultFile}
	}
	projectDir := opts.ProjectDir
	if projectDir == "" {
		projectDir = filepath.Dir(files[0])
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = defaultLookup(projectDir)
	}

	var project *Project
	for _, file := range files {
		path := file
		if !filepath.IsAbs(path) && opts.ProjectDir != "" {
			path = filepath.Join(projectDir, file)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeComposeInvalid, "failed to read compose file", err).
				WithContext("file", path)
		}
		overlay, err := Parse([]byte(Interpolate(string(data), lookup)))
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeComposeInvalid, "failed to parse compose file", err).
				WithContext("file", path)
		}
		if project == nil {
			project = overlay
		} else {
			Merge(project, overlay)
		}
	}

	abs, err := filepath.Abs(projectDir)
	if err == nil {
		projectDir = abs
	}
	project.WorkingDir = projectDir
	switch {
	case opts.Name != "":
		project.Name = opts.Name
	case project.Name == "":
		project.Name = filepath.Base(projectDir)
	}

	if err := Validate(project); err != nil {
		return nil, err
	}
	return project, nil
}

func defaultLookup(projectDir string) func(string) (string, bool) {
	dotenv, err := godotenv.Read(filepath.Join(projectDir, ".env"))
	if err != nil {
		dotenv = map[string]string{}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

// Interpolate expands $VAR, ${VAR}, ${VAR:-default} and ${VAR-default}.
// $$ is a literal dollar sign.
func Interpolate(s string, lookup func(string) (string, bool)) string {
	return os.Expand(s, func(expr string) string {
		if expr == "$" {
			return "$"
		}
		if name, def, ok := strings.Cut(expr, ":-"); ok {
			if v, found := lookup(name); found && v != "" {
				return v
			}
			return def
		}
		if name, def, ok := strings.Cut(expr, "-"); ok {
			if v, found := lookup(name); found {
				return v
			}
			return def
		}
		v, _ := lookup(expr)
		return v
	})
}

// Parse decodes one compose document.
func Parse(data []byte) (*Project, error) {
	var project Project
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&project); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty compose file")
		}
		return nil, err
	}
	if project.Services == nil {
		project.Services = make(map[string]*Service)
	}
	for name, svc := range project.Services {
		if svc == nil {
			svc = &Service{}
			project.Services[name] = svc
		}
		svc.Name = name
	}
	return &project, nil
}

// Merge applies overlay on top of base: scalars are replaced when set,
// maps are merged key by key and lists of ports and volumes are appended
// without duplicates.
func Merge(base, overlay *Project) {
	if overlay.Name != "" {
		base.Name = overlay.Name
	}
	if overlay.Volumes != nil {
		if base.Volumes == nil {
			base.Volumes = make(map[string]interface{})
		}
		for k, v := range overlay.Volumes {
			base.Volumes[k] = v
		}
	}
	for name, over := range overlay.Services {
		cur, ok := base.Services[name]
		if !ok {
			base.Services[name] = over
			continue
		}
		mergeService(cur, over)
	}
}

func mergeService(cur, over *Service) {
	if over.Image != "" {
		cur.Image = over.Image
	}
	if over.Build != nil {
		if cur.Build == nil {
			cur.Build = &Build{}
		}
		mergeBuild(cur.Build, over.Build)
	}
	if over.Command != nil {
		cur.Command = over.Command
	}
	if over.Entrypoint != nil {
		cur.Entrypoint = over.Entrypoint
	}
	if over.WorkingDir != "" {
		cur.WorkingDir = over.WorkingDir
	}
	if over.Restart != "" {
		cur.Restart = over.Restart
	}
	if over.Environment != nil {
		if cur.Environment == nil {
			cur.Environment = make(Environment)
		}
		for k, v := range over.Environment {
			cur.Environment[k] = v
		}
	}
	if over.Labels != nil {
		if cur.Labels == nil {
			cur.Labels = make(map[string]string)
		}
		for k, v := range over.Labels {
			cur.Labels[k] = v
		}
	}
	if over.DependsOn != nil {
		if cur.DependsOn == nil {
			cur.DependsOn = make(DependsOn)
		}
		for k, v := range over.DependsOn {
			cur.DependsOn[k] = v
		}
	}
	if over.EnvFile != nil {
		cur.EnvFile = over.EnvFile
	}
	cur.Ports = appendUnique(cur.Ports, over.Ports...)
	cur.Volumes = appendUnique(cur.Volumes, over.Volumes...)
	if over.Healthcheck != nil {
		if cur.Healthcheck == nil {
			cur.Healthcheck = &Healthcheck{}
		}
		mergeHealthcheck(cur.Healthcheck, over.Healthcheck)
	}
}

func mergeBuild(cur, over *Build) {
	if over.Context != "" {
		cur.Context = over.Context
	}
	if over.Dockerfile != "" {
		cur.Dockerfile = over.Dockerfile
	}
	if over.Target != "" {
		cur.Target = over.Target
	}
	if over.Args != nil {
		if cur.Args == nil {
			cur.Args = make(map[string]string)
		}
		for k, v := range over.Args {
			cur.Args[k] = v
		}
	}
}

func mergeHealthcheck(cur, over *Healthcheck) {
	if over.Test != nil {
		cur.Test = over.Test
	}
	if over.Interval != 0 {
		cur.Interval = over.Interval
	}
	if over.Timeout != 0 {
		cur.Timeout = over.Timeout
	}
	if over.StartPeriod != 0 {
		cur.StartPeriod = over.StartPeriod
	}
	if over.Retries != 0 {
		cur.Retries = over.Retries
	}
	if over.Disable {
		cur.Disable = true
	}
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[v] = true
	}
	for _, v := range items {
		if !seen[v] {
			seen[v] = true
			list = append(list, v)
		}
	}
	return list
}

// EnvFilePaths resolves the env_file entries of svc against the project dir.
func (p *Project) EnvFilePaths(svc *Service) []string {
	paths := make([]string, 0, len(svc.EnvFile))
	for _, f := range svc.EnvFile {
		if !filepath.IsAbs(f) {
			f = filepath.Join(p.WorkingDir, f)
		}
		paths = append(paths, f)
	}
	return paths
}

// ResolveEnvironment returns the variables a service sees: env_file
// entries in order, then environment entries on top.
func (p *Project) ResolveEnvironment(svc *Service) (map[string]string, error) {
	env := make(map[string]string)
	for _, path := range p.EnvFilePaths(svc) {
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, apperrors.NewAppError(apperrors.ErrCodeComposeInvalid, "failed to read env_file", err).
				WithContext("service", svc.Name).WithContext("file", path)
		}
		for k, v := range values {
			env[k] = v
		}
	}
	for k, v := range svc.Environment {
		env[k] = v
	}
	return env, nil
}

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Render marshals the merged project back to YAML.
func (p *Project) Render() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(buf.String(), "\n") + "\n"), nil
}
