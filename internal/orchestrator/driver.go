package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"gryffen/internal/compose"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// Process is a started service.
type Process interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	// It may be called from several goroutines.
	Wait() (int, error)
	// Stop asks the process to exit and kills it when ctx expires.
	Stop(ctx context.Context) error
}

// Driver starts services and runs their health tests.
type Driver interface {
	Start(ctx context.Context, project *compose.Project, svc *compose.Service, env map[string]string) (Process, error)
	Probe(ctx context.Context, project *compose.Project, svc *compose.Service, env map[string]string) error
}

// ExecDriver runs each service's entrypoint and command as a local process.
type ExecDriver struct {
	Stdout io.Writer
	Stderr io.Writer
	Log    logger.Logger
}

func (d *ExecDriver) Start(ctx context.Context, project *compose.Project, svc *compose.Service, env map[string]string) (Process, error) {
	argv := append(append([]string{}, svc.Entrypoint...), svc.Command...)
	if len(argv) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeComposeInvalid,
			"service %q has no entrypoint or command to run locally", svc.Name)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workingDir(project, svc)
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = newPrefixWriter(d.Stdout, svc.Name)
	cmd.Stderr = newPrefixWriter(d.Stderr, svc.Name)

	return startProcess(cmd, svc.Name)
}

// Probe runs the health test on the host. CMD-SHELL goes through sh -c.
func (d *ExecDriver) Probe(ctx context.Context, project *compose.Project, svc *compose.Service, env map[string]string) error {
	argv, err := testArgv(svc)
	if err != nil || argv == nil {
		return err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workingDir(project, svc)
	cmd.Env = mergeEnv(os.Environ(), env)
	return runProbe(ctx, cmd)
}

// DockerDriver runs each service as a container attached to a project
// network, so services reach each other by name as under compose.
type DockerDriver struct {
	Binary string
	// Build builds services that declare a build section before starting.
	Build  bool
	Stdout io.Writer
	Stderr io.Writer
	Log    logger.Logger

	networkOnce sync.Once
	networkErr  error
}

func (d *DockerDriver) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// ContainerName is the name of a service container.
func ContainerName(project *compose.Project, svc *compose.Service) string {
	return project.Name + "-" + svc.Name
}

func (d *DockerDriver) network(project *compose.Project) string {
	return project.Name + "_default"
}

func (d *DockerDriver) ensureNetwork(ctx context.Context, project *compose.Project) error {
	d.networkOnce.Do(func() {
		name := d.network(project)
		if _, err := d.run(ctx, "network", "inspect", name); err == nil {
			return
		}
		if out, err := d.run(ctx, "network", "create", name); err != nil {
			d.networkErr = fmt.Errorf("failed to create network %s: %w: %s", name, err, out)
		}
	})
	return d.networkErr
}

func (d *DockerDriver) Start(ctx context.Context, project *compose.Project, svc *compose.Service, env map[string]string) (Process, error) {
	if svc.Image == "" && svc.Build == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeComposeInvalid, "service %q has neither image nor build", svc.Name)
	}
	if err := d.ensureNetwork(ctx, project); err != nil {
		return nil, err
	}

	image := svc.Image
	if svc.Build != nil && (d.Build || image == "") {
		if image == "" {
			image = project.Name + "-" + svc.Name
		}
		args := []string{"build", "-t", image}
		if svc.Build.Target != "" {
			args = append(args, "--target", svc.Build.Target)
		}
		if svc.Build.Dockerfile != "" {
			args = append(args, "-f", filepath.Join(project.WorkingDir, svc.Build.Context, svc.Build.Dockerfile))
		}
		args = append(args, filepath.Join(project.WorkingDir, svc.Build.Context))
		if out, err := d.run(ctx, args...); err != nil {
			return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBuildFailed,
				"failed to build "+svc.Name, tail(out), err)
		}
	}

	name := ContainerName(project, svc)
	d.run(ctx, "rm", "-f", name)

	args := DockerRunArgs(project, svc, image, env)
	cmd := exec.Command(d.binary(), args...)
	// Values travel through the docker client's environment; the run
	// arguments carry names only.
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.Stdout = newPrefixWriter(d.Stdout, svc.Name)
	cmd.Stderr = newPrefixWriter(d.Stderr, svc.Name)

	proc, err := startProcess(cmd, svc.Name)
	if err != nil {
		return nil, err
	}
	return &containerProcess{localProcess: proc, driver: d, name: name}, nil
}

// DockerRunArgs renders the docker run arguments of a service.
func DockerRunArgs(project *compose.Project, svc *compose.Service, image string, env map[string]string) []string {
	args := []string{
		"run", "--rm",
		"--name", ContainerName(project, svc),
		"--network", project.Name + "_default",
		"--network-alias", svc.Name,
	}
	for _, kv := range compose.EnvList(env) {
		k, _, _ := strings.Cut(kv, "=")
		args = append(args, "-e", k)
	}
	for _, p := range svc.Ports {
		args = append(args, "-p", p)
	}
	for _, v := range svc.Volumes {
		src, dst, ok := strings.Cut(v, ":")
		if ok && (strings.HasPrefix(src, ".") || strings.HasPrefix(src, "/")) {
			if !filepath.IsAbs(src) {
				src = filepath.Join(project.WorkingDir, src)
			}
			v = src + ":" + dst
		}
		args = append(args, "-v", v)
	}
	if svc.WorkingDir != "" {
		args = append(args, "-w", svc.WorkingDir)
	}
	var rest []string
	if len(svc.Entrypoint) > 0 {
		args = append(args, "--entrypoint", svc.Entrypoint[0])
		rest = append(rest, svc.Entrypoint[1:]...)
	}
	args = append(args, image)
	args = append(args, rest...)
	return append(args, svc.Command...)
}

// Probe runs the health test inside the container.
func (d *DockerDriver) Probe(ctx context.Context, project *compose.Project, svc *compose.Service, env map[string]string) error {
	argv, err := testArgv(svc)
	if err != nil || argv == nil {
		return err
	}
	args := append([]string{"exec", ContainerName(project, svc)}, argv...)
	return runProbe(ctx, exec.CommandContext(ctx, d.binary(), args...))
}

func (d *DockerDriver) run(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

type containerProcess struct {
	*localProcess
	driver *DockerDriver
	name   string
}

func (p *containerProcess) Stop(ctx context.Context) error {
	timeout := 10
	if deadline, ok := ctx.Deadline(); ok {
		timeout = int(time.Until(deadline).Seconds())
		if timeout < 1 {
			timeout = 1
		}
	}
	if out, err := p.driver.run(ctx, "stop", "-t", fmt.Sprint(timeout), p.name); err != nil {
		p.driver.logger().Warn("docker stop failed", "container", p.name, "error", err, "output", tail(out))
		return p.localProcess.Stop(ctx)
	}
	_, err := p.Wait()
	return err
}

func (d *DockerDriver) logger() logger.Logger {
	if d.Log == nil {
		return logger.Discard()
	}
	return d.Log
}

// localProcess adapts exec.Cmd to Process.
type localProcess struct {
	cmd      *exec.Cmd
	name     string
	done     chan struct{}
	exitCode int
	err      error
}

func startProcess(cmd *exec.Cmd, name string) (*localProcess, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}
	p := &localProcess{cmd: cmd, name: name, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.exitCode = exitErr.ExitCode()
		default:
			p.exitCode = -1
			p.err = err
		}
		close(p.done)
	}()
	return p, nil
}

func (p *localProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *localProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

// Stop sends SIGTERM and kills the process when ctx expires first.
func (p *localProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		if err := p.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill %s: %w", p.name, err)
		}
		<-p.done
		return nil
	}
}

func testArgv(svc *compose.Service) ([]string, error) {
	if !svc.HasHealthcheck() {
		return nil, nil
	}
	test := svc.Healthcheck.Test
	switch test[0] {
	case "CMD":
		if len(test) < 2 {
			return nil, fmt.Errorf("service %q: empty CMD health test", svc.Name)
		}
		return test[1:], nil
	case "CMD-SHELL":
		if len(test) < 2 {
			return nil, fmt.Errorf("service %q: empty CMD-SHELL health test", svc.Name)
		}
		return []string{"sh", "-c", strings.Join(test[1:], " ")}, nil
	}
	return nil, fmt.Errorf("service %q: unsupported health test %q", svc.Name, test[0])
}

func runProbe(ctx context.Context, cmd *exec.Cmd) error {
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("health test timed out: %w", ctx.Err())
		}
		return fmt.Errorf("health test failed: %w: %s", err, tail(out.String()))
	}
	return nil
}

func workingDir(project *compose.Project, svc *compose.Service) string {
	if svc.WorkingDir == "" {
		return project.WorkingDir
	}
	if filepath.IsAbs(svc.WorkingDir) {
		return svc.WorkingDir
	}
	return filepath.Join(project.WorkingDir, svc.WorkingDir)
}

func mergeEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := env[k]; !override {
			out = append(out, kv)
		}
	}
	return append(out, compose.EnvList(env)...)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		return "..." + s[len(s)-512:]
	}
	return s
}

// prefixWriter writes complete lines to w as "name | line".
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

var outputMu sync.Mutex

func newPrefixWriter(w io.Writer, name string) io.Writer {
	if w == nil {
		return io.Discard
	}
	return &prefixWriter{mu: &outputMu, w: w, prefix: name + " | "}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if _, err := fmt.Fprintf(p.w, "%s%s\n", p.prefix, p.buf[:i]); err != nil {
			return len(b), err
		}
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}
