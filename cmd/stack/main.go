package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"gryffen/internal/cli"
	"gryffen/internal/compose"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
	"gryffen/internal/orchestrator"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	env := cli.OSEnv()
	// compose layers the process environment over the project's .env itself
	env.Lookup = nil
	code := run(ctx, os.Args[1:], env, nil)
	stop()
	os.Exit(code)
}

// Inspector returns the runtime state of a service container, or "" when
// there is none.
type Inspector func(ctx context.Context, container string) string

func run(ctx context.Context, args []string, env cli.Env, inspect Inspector) int {
	log := cli.BootstrapLogger(env.Stderr)
	if inspect == nil {
		inspect = dockerInspect
	}
	root := newRootCmd(env, log, inspect)
	root.SetArgs(args)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)
	return cli.Execute(ctx, root, log)
}

type app struct {
	env     cli.Env
	log     logger.Logger
	inspect Inspector

	projectDir string
	files      []string
	name       string
	lookup     func(string) (string, bool)
}

func newRootCmd(env cli.Env, log logger.Logger, inspect Inspector) *cobra.Command {
	a := &app{env: env, log: log, inspect: inspect, lookup: env.Lookup}

	root := &cobra.Command{
		Use:   "stack",
		Short: "Run the local compose project: db, migrator, api",
		Long: `Reads docker-compose files and runs their services in dependency order.

A service starts only when every depends_on condition holds: service_healthy
after passing health probes, service_completed_successfully after a clean exit.`,
	}
	root.PersistentFlags().StringVar(&a.projectDir, "project-directory", ".", "directory relative paths resolve against")
	root.PersistentFlags().StringSliceVarP(&a.files, "file", "f", nil, "compose files, merged in order")
	root.PersistentFlags().StringVarP(&a.name, "project-name", "p", "", "project name")

	root.AddCommand(a.upCmd(), a.psCmd(), a.configCmd(), a.lintCmd())
	return root
}

func (a *app) load() (*compose.Project, error) {
	return compose.Load(compose.Options{
		ProjectDir: a.projectDir,
		Files:      a.files,
		Name:       a.name,
		Lookup:     a.lookup,
	})
}

func (a *app) upCmd() *cobra.Command {
	var (
		driverName  string
		build       bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start every service and supervise them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := a.load()
			if err != nil {
				return err
			}

			var driver orchestrator.Driver
			switch driverName {
			case "docker":
				driver = &orchestrator.DockerDriver{Build: build, Stdout: a.env.Stdout, Stderr: a.env.Stderr, Log: a.log}
			case "exec":
				driver = &orchestrator.ExecDriver{Stdout: a.env.Stdout, Stderr: a.env.Stderr, Log: a.log}
			default:
				return apperrors.Newf(apperrors.ErrCodeInvalidInput, "unknown driver %q, use docker or exec", driverName)
			}

			reg := prometheus.NewRegistry()
			o, err := orchestrator.New(project, orchestrator.Options{
				Driver:  driver,
				Log:     a.log,
				Metrics: orchestrator.NewMetrics(reg),
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if metricsAddr != "" {
				stop := serveMetrics(metricsAddr, reg, a.log)
				defer stop()
			}

			runErr := make(chan error, 1)
			go func() { runErr <- o.Run(ctx) }()

			go func() {
				if err := o.WaitReady(ctx); err != nil {
					if !errors.Is(err, context.Canceled) {
						a.log.Error("Stack did not become ready", "error", err)
					}
					return
				}
				a.log.Info("Stack ready")
				_ = writeStatuses(a.env.Stdout, o.Snapshot())
			}()

			err = <-runErr
			_ = writeStatuses(a.env.Stdout, o.Snapshot())
			return err
		},
	}
	cmd.Flags().StringVar(&driverName, "driver", "docker", "docker or exec")
	cmd.Flags().BoolVar(&build, "build", false, "build images of services with a build section")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve service state metrics on this address")
	return cmd
}

func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Metrics listener failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func writeStatuses(w io.Writer, statuses []orchestrator.ServiceStatus) error {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, []string{
			st.Name,
			string(st.State),
			fmt.Sprintf("%d", st.Restarts),
			st.Message,
		})
	}
	return cli.Table(w, []string{"Service", "State", "Restarts", "Message"}, rows)
}

func (a *app) psCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List services in start order with their gates and container state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, err := a.load()
			if err != nil {
				return err
			}
			return cli.Table(a.env.Stdout,
				[]string{"Service", "Kind", "Waits for", "Restart", "Health budget", "State"},
				psRows(cmd.Context(), project, a.inspect))
		},
	}
}

func psRows(ctx context.Context, project *compose.Project, inspect Inspector) [][]string {
	var rows [][]string
	for _, name := range compose.StartOrder(project) {
		svc := project.Services[name]

		kind := "service"
		if compose.OneShot(project, name) {
			kind = "one-shot"
		}

		var gates []string
		for _, dep := range svc.DependsOn.Names() {
			gates = append(gates, dep+":"+svc.DependsOn[dep].Condition)
		}

		policy, _ := svc.RestartPolicy()
		budget := "-"
		if svc.HasHealthcheck() {
			budget = svc.Healthcheck.Budget().String()
		}

		state := inspect(ctx, orchestrator.ContainerName(project, svc))
		if state == "" {
			state = "absent"
		}
		rows = append(rows, []string{name, kind, strings.Join(gates, ", "), policy, budget, state})
	}
	return rows
}

func dockerInspect(ctx context.Context, container string) string {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "--format",
		"{{.State.Status}}{{if .State.Health}} ({{.State.Health.Status}}){{end}}", container).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (a *app) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the merged, interpolated project",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			project, err := a.load()
			if err != nil {
				return err
			}
			out, err := project.Render()
			if err != nil {
				return apperrors.NewAppError(apperrors.ErrCodeInternal, "failed to render project", err)
			}
			_, err = a.env.Stdout.Write(out)
			return err
		},
	}
}

func (a *app) lintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint",
		Short: "Validate the project and report risky start ordering",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			project, err := a.load()
			if err != nil {
				return err
			}
			findings := compose.Lint(project)
			for _, f := range findings {
				fmt.Fprintln(a.env.Stdout, f.String())
			}
			if compose.HasErrors(findings) {
				return apperrors.Newf(apperrors.ErrCodeComposeInvalid, "%d lint finding(s)", len(findings))
			}
			fmt.Fprintf(a.env.Stdout, "%s: ok\n", project.Name)
			return nil
		},
	}
}
