package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// ErrImageNotFound is returned by ImageBuilder.Digest when the registry
// has no image for the reference.
var ErrImageNotFound = errors.New("image not found")

// BuildRequest describes one image build.
type BuildRequest struct {
	Context    string
	Dockerfile string
	Target     string
	Tags       []string
	Labels     map[string]string
}

// ImageBuilder builds and publishes container images.
//
//go:generate mockgen -destination=mocks/mock_image_builder.go -package=mocks gryffen/internal/deploy ImageBuilder
type ImageBuilder interface {
	Build(ctx context.Context, req BuildRequest) error
	Push(ctx context.Context, ref string) error
	// Digest returns the registry digest (sha256:...) of ref.
	Digest(ctx context.Context, ref string) (string, error)
}

// DockerBuilder drives the docker CLI.
type DockerBuilder struct {
	Runner CommandRunner
	Binary string
	Retry  RetryPolicy
	Log    logger.Logger
}

func (b *DockerBuilder) binary() string {
	if b.Binary == "" {
		return "docker"
	}
	return b.Binary
}

// Build refuses contexts that would ship a .env file, then runs docker build.
func (b *DockerBuilder) Build(ctx context.Context, req BuildRequest) error {
	if err := CheckBuildContext(req.Context); err != nil {
		return err
	}

	args := []string{"build"}
	if req.Dockerfile != "" {
		args = append(args, "-f", req.Dockerfile)
	}
	if req.Target != "" {
		args = append(args, "--target", req.Target)
	}
	for _, tag := range req.Tags {
		args = append(args, "-t", tag)
	}
	for _, k := range sortedKeys(req.Labels) {
		args = append(args, "--label", k+"="+req.Labels[k])
	}
	args = append(args, req.Context)

	if _, err := b.Runner.Run(ctx, Command{Name: b.binary(), Args: args}); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeBuildFailed, "image build failed", err).
			WithContext("target", req.Target)
	}
	return nil
}

func (b *DockerBuilder) Push(ctx context.Context, ref string) error {
	_, err := runRetry(ctx, b.Runner, b.Retry, b.Log, Command{Name: b.binary(), Args: []string{"push", ref}})
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodePushFailed, "image push failed", err).
			WithContext("image", ref)
	}
	return nil
}

func (b *DockerBuilder) Digest(ctx context.Context, ref string) (string, error) {
	res, err := b.Runner.Run(ctx, Command{
		Name: b.binary(),
		Args: []string{"buildx", "imagetools", "inspect", ref, "--format", "{{.Manifest.Digest}}"},
	})
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isUnauthorized(cmdErr.Stderr) {
			return "", apperrors.NewAppError(apperrors.ErrCodeAuthFailed, "registry refused the digest lookup", err).
				WithContext("image", ref)
		}
		if errors.As(err, &cmdErr) && isNotFound(cmdErr.Stderr) {
			return "", fmt.Errorf("%w: %s", ErrImageNotFound, ref)
		}
		return "", apperrors.NewAppError(apperrors.ErrCodePushFailed, "failed to resolve image digest", err).
			WithContext("image", ref)
	}
	digest := strings.TrimSpace(res.Stdout)
	if !strings.HasPrefix(digest, "sha256:") {
		return "", apperrors.Newf(apperrors.ErrCodePushFailed, "unexpected digest %q for %s", digest, ref)
	}
	return digest, nil
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "not found") || strings.Contains(s, "manifest unknown")
}

func isUnauthorized(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"unauthorized", "denied", "forbidden", "authentication required"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// CheckBuildContext fails with BUILD_FAILED when dir holds a .env file that
// .dockerignore does not exclude.
func CheckBuildContext(dir string) error {
	ignore, err := ReadDockerignore(filepath.Join(dir, ".dockerignore"))
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeBuildFailed, "failed to read .dockerignore", err)
	}

	var leaked []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			// An exception pattern can re-include files below an
			// excluded directory, so only prune when there is none.
			if d.Name() == ".git" || (!ignore.HasExceptions() && ignore.Matches(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isEnvFile(d.Name()) && !ignore.Matches(rel) {
			leaked = append(leaked, rel)
		}
		return nil
	})
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeBuildFailed, "failed to scan build context", err)
	}
	if len(leaked) > 0 {
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBuildFailed,
			"build context contains env files not excluded by .dockerignore",
			strings.Join(leaked, ", "), nil).WithContext("files", leaked)
	}
	return nil
}

func isEnvFile(name string) bool {
	return name == ".env" || strings.HasPrefix(name, ".env.")
}

// Dockerignore holds the exclusion patterns of a .dockerignore file, matched
// the way docker matches them when it sends the build context.
type Dockerignore struct {
	matcher *patternmatcher.PatternMatcher
}

// ReadDockerignore parses path. A missing file ignores nothing.
func ReadDockerignore(path string) (*Dockerignore, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return newDockerignore(nil)
		}
		return nil, err
	}
	defer f.Close()
	return readDockerignore(f)
}

// ParseDockerignore parses .dockerignore content.
func ParseDockerignore(content string) (*Dockerignore, error) {
	return readDockerignore(strings.NewReader(content))
}

func readDockerignore(r io.Reader) (*Dockerignore, error) {
	patterns, err := ignorefile.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return newDockerignore(patterns)
}

func newDockerignore(patterns []string) (*Dockerignore, error) {
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("invalid .dockerignore pattern: %w", err)
	}
	return &Dockerignore{matcher: pm}, nil
}

// Matches reports whether rel (slash separated, relative to the context)
// is excluded, either itself or through one of its parent directories.
// Later patterns win.
func (d *Dockerignore) Matches(rel string) bool {
	ok, err := d.matcher.MatchesOrParentMatches(rel)
	return err == nil && ok
}

// HasExceptions reports whether any pattern starts with "!".
func (d *Dockerignore) HasExceptions() bool {
	return d.matcher.Exclusions()
}
