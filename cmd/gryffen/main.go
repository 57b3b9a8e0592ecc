package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gryffen/internal/api"
	"gryffen/internal/cli"
	"gryffen/internal/config"
	"gryffen/internal/database"
	"gryffen/internal/database/migrations"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
	"gryffen/internal/monitoring"
	"gryffen/internal/security"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], cli.OSEnv())
	stop()
	os.Exit(code)
}

// run is main without the process: it returns the exit status instead of
// exiting so tests can drive the binary end to end.
func run(ctx context.Context, args []string, env cli.Env) int {
	boot := cli.BootstrapLogger(env.Stderr)
	root := newRootCmd(env, boot)
	root.SetArgs(args)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)
	return cli.Execute(ctx, root, boot)
}

func newRootCmd(env cli.Env, boot logger.Logger) *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:     "gryffen",
		Short:   "Gryffen API server",
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(env, envFiles, boot)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, env)
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files read below the real environment")

	root.AddCommand(newHealthcheckCmd(env))
	root.AddCommand(newTokenCmd(env, boot, &envFiles))
	return root
}

func serve(ctx context.Context, cfg *config.Config, env cli.Env) error {
	log, _ := cli.NewLogger(cfg, env.Stdout)
	log.Info("Starting Gryffen", "version", version, "environment", cfg.App.Environment, "reload", cfg.App.Reload)

	keys, err := security.NewKeys(cfg.Security)
	if err != nil {
		return err
	}
	issuer, err := security.NewTokenIssuer(cfg.Security, cfg.App.NeverExpire, keys.Signing)
	if err != nil {
		return err
	}

	db, err := database.NewConnection(ctx, database.FromSettings(cfg.Database), log)
	if err != nil {
		return err
	}
	defer db.Close()

	schema, err := database.NewSchemaReader(db.DB, migrations.FS)
	if err != nil {
		return err
	}

	metrics := monitoring.NewMetrics()
	db.SetMonitorCallback(func(stats *database.PoolStats) {
		metrics.SetDBConnections(stats.OpenConnections, stats.InUse)
	})

	monitorCfg := database.DefaultMonitorConfig()
	monitorCfg.StatusFunc = func(s database.Status) { metrics.SetSchemaAtHead(s.AtHead()) }
	monitorCfg.NotificationFunc = func(msg string) { log.Error("Schema monitor alert", "message", msg) }
	monitor := database.NewMonitor(schema, db, monitorCfg, log)
	if err := monitor.Start(ctx); err != nil {
		return err
	}
	defer monitor.Stop()

	server, err := api.NewServer(api.Options{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Schema:  schema,
		Metrics: metrics,
		Issuer:  issuer,
		Version: version,
	})
	if err != nil {
		return err
	}
	return server.ListenAndServe(ctx)
}

// newHealthcheckCmd probes a running server. The prod image has no shell or
// curl, so its HEALTHCHECK runs this.
func newHealthcheckCmd(env cli.Env) *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when the server's health endpoint answers 200",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid health url", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return apperrors.NewAppError(apperrors.ErrCodeDependencyUnhealthy, "health endpoint unreachable", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apperrors.Newf(apperrors.ErrCodeDependencyUnhealthy, "health endpoint answered %d", resp.StatusCode)
			}
			fmt.Fprintln(env.Stdout, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://127.0.0.1:8000/api/health", "health endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

func newTokenCmd(env cli.Env, boot logger.Logger, envFiles *[]string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Operator tokens for the /api/v1 routes",
	}

	var (
		subject   string
		permanent bool
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cli.LoadConfig(env, *envFiles, boot)
			if err != nil {
				return err
			}
			keys, err := security.NewKeys(cfg.Security)
			if err != nil {
				return err
			}
			issuer, err := security.NewTokenIssuer(cfg.Security, cfg.App.NeverExpire, keys.Signing)
			if err != nil {
				return err
			}
			token, claims, err := issuer.Issue(subject, security.ScopeAccess, permanent)
			if err != nil {
				return err
			}
			boot.Info("Token issued", "subject", subject, "expires", time.Unix(claims.Expires, 0).UTC().Format(time.RFC3339))
			fmt.Fprintln(env.Stdout, token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "who the token is for")
	issue.Flags().BoolVar(&permanent, "permanent", false, "never expires")
	_ = issue.MarkFlagRequired("subject")

	cmd.AddCommand(issue)
	return cmd
}
