package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gryffen/internal/cli"
	"gryffen/internal/config"
	"gryffen/internal/deploy"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
	"gryffen/internal/security"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], cli.OSEnv(), deps{})
	stop()
	os.Exit(code)
}

// deps replaces the external collaborators in tests.
type deps struct {
	runner deploy.CommandRunner
	locker deploy.Locker
}

func run(ctx context.Context, args []string, env cli.Env, d deps) int {
	log := cli.BootstrapLogger(env.Stderr)
	redact := logger.NewRedactHook()
	log.AddHook(redact)

	a := &app{env: env, log: log, redact: redact, deps: d}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)
	return cli.Execute(ctx, root, log)
}

type app struct {
	env    cli.Env
	log    logger.Logger
	redact *logger.RedactHook
	deps   deps

	settingsPath string
	githubOutput string
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deploy",
		Short: "Build, provision secrets and deploy Gryffen to Cloud Run",
		Long: `Runs the release pipeline: build, push, lock, authenticate, provision secrets,
render the manifest and deploy. Settings come from deploy.yaml and DEPLOY_*
variables; the application environment comes from the process environment
layered over the env_files the settings name.`,
	}
	root.PersistentFlags().StringVar(&a.settingsPath, "settings", "", "deploy settings file (default ./deploy.yaml)")
	root.PersistentFlags().StringVar(&a.githubOutput, "github-output", "", "file receiving url=... (default $GITHUB_OUTPUT)")

	root.AddCommand(a.releaseCmd(), a.planCmd(), a.secretsCmd())
	return root
}

// pipeline assembles the pipeline from the settings. The returned func
// releases what it opened.
func (a *app) pipeline(ctx context.Context) (*deploy.Pipeline, func(), error) {
	s, err := deploy.LoadSettings(a.settingsPath)
	if err != nil {
		a.log.Error("deploy settings error", "error", err)
		return nil, nil, err
	}

	lookup, err := deploy.AppLookup(s, a.env.Lookup)
	if err != nil {
		return nil, nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to read env files", err)
	}
	_, secrets := config.Split(lookup)
	for _, secret := range secrets {
		a.redact.Add(secret.Reveal())
	}

	runner := a.deps.runner
	if runner == nil {
		runner = &deploy.ExecRunner{Log: a.log}
	}

	store, err := a.secretStore(s, lookup, runner)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {}
	locker := a.deps.locker
	if locker == nil {
		locker = deploy.NewLocker(ctx, s.Redis, a.log)
		if c, ok := locker.(io.Closer); ok {
			cleanup = func() { _ = c.Close() }
		}
	}

	githubOutput := a.githubOutput
	if githubOutput == "" && a.env.Lookup != nil {
		githubOutput, _ = a.env.Lookup("GITHUB_OUTPUT")
	}

	return &deploy.Pipeline{
		Settings: s,
		Builder:  &deploy.DockerBuilder{Runner: runner, Log: a.log},
		Auth: &deploy.GCloudAuthenticator{
			Runner:            runner,
			CredentialFile:    s.CredentialFile,
			ServiceAccountKey: secrets["SERVICE_ACCOUNT_KEY"],
			Project:           s.Project,
			Log:               a.log,
		},
		Secrets:      store,
		Platform:     &deploy.CloudRunPlatform{Runner: runner, Project: s.Project, Log: a.log},
		Locker:       locker,
		Log:          a.log,
		Metrics:      deploy.NewMetrics(nil),
		Redact:       a.redact,
		Stdout:       a.env.Stdout,
		GitHubOutput: githubOutput,
	}, cleanup, nil
}

func (a *app) secretStore(s *deploy.Settings, lookup config.LookupFunc, runner deploy.CommandRunner) (deploy.SecretStore, error) {
	if s.SecretStore == deploy.StoreGCloud {
		return &deploy.GCloudSecretStore{Runner: runner, Project: s.Project, Log: a.log}, nil
	}

	cfg, err := cli.LoadConfig(cli.Env{Lookup: lookup}, nil, a.log)
	if err != nil {
		return nil, err
	}
	keys, err := security.NewKeys(cfg.Security)
	if err != nil {
		return nil, err
	}
	vault, err := security.NewVault(s.Vault, keys.Vault)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeSecretStore, "failed to open vault", err)
	}
	a.log.Info("Using local vault secret store", "storage", s.Vault.StorageType, "path", s.Vault.StoragePath)
	return &deploy.VaultSecretStore{Vault: vault}, nil
}

func (a *app) releaseCmd() *cobra.Command {
	var (
		commit     string
		reportJSON string
	)
	cmd := &cobra.Command{
		Use:   "release --commit SHA",
		Short: "Run every pipeline stage for a commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, cleanup, err := a.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(cmd.Context(), p.Settings.Timeout)
			defer cancel()

			report, err := p.Release(ctx, deploy.ReleaseRequest{Commit: commit, Lookup: a.env.Lookup})
			if report != nil {
				_ = writeReport(a.env.Stderr, report)
				if reportJSON != "" {
					if werr := writeJSON(reportJSON, report); werr != nil {
						a.log.Warn("Failed to write report", "path", reportJSON, "error", werr)
					}
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "commit to release, used as the image tag")
	cmd.Flags().StringVar(&reportJSON, "report", "", "also write the stage report as JSON to this file")
	_ = cmd.MarkFlagRequired("commit")
	return cmd
}

func writeReport(w io.Writer, report *deploy.Report) error {
	rows := make([][]string, 0, len(report.Stages))
	for _, st := range report.Stages {
		duration := ""
		if d := st.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{st.Name, string(st.Status), duration, st.Message})
	}
	return cli.Table(w, []string{"Stage", "Status", "Duration", "Detail"}, rows)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (a *app) planCmd() *cobra.Command {
	var commit string
	cmd := &cobra.Command{
		Use:   "plan --commit SHA",
		Short: "Show what a release would do, without side effects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, cleanup, err := a.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := p.Plan(cmd.Context(), deploy.ReleaseRequest{Commit: commit, Lookup: a.env.Lookup})
			if err != nil {
				return err
			}
			if err := writePlan(a.env.Stdout, plan); err != nil {
				return err
			}
			if len(plan.Problems) > 0 {
				return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidManifest, "release would be rejected",
					strings.Join(plan.Problems, "; "), nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&commit, "commit", "", "commit to plan")
	_ = cmd.MarkFlagRequired("commit")
	return cmd
}

func writePlan(w io.Writer, plan *deploy.Plan) error {
	m := plan.Manifest
	built := "no, a release builds it"
	if plan.ImageBuilt {
		built = "yes"
	}
	live := "not deployed"
	if plan.Live != nil {
		live = plan.Live.Image
	}
	deployAction := "skip, live service is unchanged"
	if plan.WouldDeploy {
		deployAction = "deploy"
	}

	fmt.Fprintf(w, "service:  %s (%s)\n", m.Service, m.Region)
	fmt.Fprintf(w, "image:    %s\n", m.Image)
	fmt.Fprintf(w, "built:    %s\n", built)
	fmt.Fprintf(w, "live:     %s\n", live)
	fmt.Fprintf(w, "config:   %s\n", m.Labels[deploy.LabelConfig])
	fmt.Fprintf(w, "action:   %s\n\n", deployAction)

	rows := make([][]string, 0, len(plan.Secrets))
	for _, s := range plan.Secrets {
		rows = append(rows, []string{s.Env, s.Name, s.Version, s.Action})
	}
	if err := cli.Table(w, []string{"Variable", "Secret", "Version", "Action"}, rows); err != nil {
		return err
	}

	fmt.Fprintf(w, "\ngcloud %s\n", strings.Join(m.Args(), " "))
	for _, p := range plan.Problems {
		fmt.Fprintf(w, "problem: %s\n", p)
	}
	return nil
}

func (a *app) secretsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "secrets",
		Short: "Provision every secret variable without deploying",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, cleanup, err := a.pipeline(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			results, err := p.ProvisionSecrets(cmd.Context(), a.env.Lookup)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Env, r.Name, r.Version, r.Action})
			}
			return cli.Table(a.env.Stdout, []string{"Variable", "Secret", "Version", "Action"}, rows)
		},
	}
}
