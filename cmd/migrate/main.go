package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"gryffen/internal/cli"
	"gryffen/internal/database"
	"gryffen/internal/database/migrations"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

const defaultDir = "internal/database/migrations"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], cli.OSEnv())
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, env cli.Env) int {
	boot := cli.BootstrapLogger(env.Stderr)
	root := newRootCmd(env, boot)
	root.SetArgs(args)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)
	return cli.Execute(ctx, root, boot)
}

type app struct {
	env      cli.Env
	boot     logger.Logger
	envFiles []string
	dir      string
	dirSet   bool
}

func newRootCmd(env cli.Env, boot logger.Logger) *cobra.Command {
	a := &app{env: env, boot: boot}

	root := &cobra.Command{
		Use:   "migrate",
		Short: "Gryffen schema migrations",
		Long: `Applies the versioned schema revisions to the database named by the DB_* variables.

Revisions are embedded in the binary. Pass --dir to use a directory instead,
which is also where "revision" writes new files.`,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.dirSet = cmd.Flags().Changed("dir")
		},
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "dotenv files read below the real environment")
	root.PersistentFlags().StringVar(&a.dir, "dir", defaultDir, "migrations directory")

	root.AddCommand(
		a.upgradeCmd(),
		a.downgradeCmd(),
		a.revisionCmd(),
		a.currentCmd(),
		a.historyCmd(),
		a.forceCmd(),
	)
	return root
}

func (a *app) source() fs.FS {
	if a.dirSet {
		return os.DirFS(a.dir)
	}
	return migrations.FS
}

func (a *app) dbConfig() (*database.Config, logger.Logger, error) {
	cfg, err := cli.LoadConfig(a.env, a.envFiles, a.boot)
	if err != nil {
		return nil, nil, err
	}
	log, _ := cli.NewLogger(cfg, a.env.Stderr)
	dbCfg := database.FromSettings(cfg.Database)
	dbCfg.MultiStatements = true
	return dbCfg, log, nil
}

// withMigrator opens the database, runs fn and closes everything.
func (a *app) withMigrator(ctx context.Context, fn func(*database.Migrator, logger.Logger) error) error {
	dbCfg, log, err := a.dbConfig()
	if err != nil {
		return err
	}
	db, err := database.NewConnection(ctx, dbCfg, log)
	if err != nil {
		return err
	}
	m, err := database.NewMySQLMigrator(db, a.source(), log)
	if err != nil {
		db.Close()
		return err
	}
	defer m.Close()
	return fn(m, log)
}

func (a *app) upgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [head|REVISION]",
		Short: "Apply pending revisions up to head or REVISION",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := database.Head
			if len(args) == 1 {
				target = args[0]
			}
			return a.withMigrator(cmd.Context(), func(m *database.Migrator, _ logger.Logger) error {
				applied, err := m.Upgrade(target)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.env.Stdout, "applied %d revision(s)\n", applied)
				return nil
			})
		},
	}
}

func (a *app) downgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "downgrade base|REVISION|-N",
		Short: "Revert revisions down to base, REVISION or N steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMigrator(cmd.Context(), func(m *database.Migrator, _ logger.Logger) error {
				reverted, err := m.Downgrade(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(a.env.Stdout, "reverted %d revision(s)\n", reverted)
				return nil
			})
		},
	}
}

func (a *app) revisionCmd() *cobra.Command {
	var (
		message      string
		autogenerate bool
	)
	cmd := &cobra.Command{
		Use:   "revision -m MESSAGE",
		Short: "Write a new revision",
		Long: `Writes the next up/down pair into --dir.

With --autogenerate the live database is compared with a scratch schema built
from every existing revision and the difference becomes the new revision.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !autogenerate {
				rev, files, err := database.WriteRevision(a.dir, message, "", "")
				if err != nil {
					return err
				}
				a.printRevision(rev, files)
				return nil
			}

			dbCfg, log, err := a.dbConfig()
			if err != nil {
				return err
			}
			gen := &database.Autogenerator{Config: dbCfg, Dir: a.dir, Log: log}
			res, err := gen.Run(cmd.Context(), message)
			if err != nil {
				return err
			}
			if res.Revision == nil {
				fmt.Fprintln(a.env.Stdout, "no schema changes detected")
				return nil
			}
			a.printRevision(*res.Revision, res.Files)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "revision message")
	cmd.Flags().BoolVar(&autogenerate, "autogenerate", false, "diff the live database against the revisions")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func (a *app) printRevision(rev database.Revision, files []string) {
	fmt.Fprintf(a.env.Stdout, "created revision %s (%s)\n", rev.ID(), rev.Name)
	for _, f := range files {
		fmt.Fprintf(a.env.Stdout, "  %s\n", f)
	}
}

func (a *app) currentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the revision the database is at",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(cmd.Context(), func(m *database.Migrator, _ logger.Logger) error {
				status, err := m.Current()
				if err != nil {
					return err
				}
				fmt.Fprintln(a.env.Stdout, describeStatus(status))
				return nil
			})
		},
	}
}

func describeStatus(s database.Status) string {
	label := database.Base
	if !s.Empty {
		label = fmt.Sprintf("%06d", s.Version)
	}
	switch {
	case s.Dirty:
		label += " (dirty)"
	case s.AtHead():
		label += " (head)"
	default:
		label += fmt.Sprintf(" (head is %06d)", s.Head)
	}
	return label
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List every revision, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withMigrator(cmd.Context(), func(m *database.Migrator, _ logger.Logger) error {
				entries, err := m.History()
				if err != nil {
					return err
				}
				return cli.Table(a.env.Stdout, []string{"Revision", "Name", "Applied", "Current"}, historyRows(entries))
			})
		},
	}
}

func historyRows(entries []database.HistoryEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		current := ""
		if e.Current {
			current = "*"
		}
		rows = append(rows, []string{e.ID(), e.Name, strconv.FormatBool(e.Applied), current})
	}
	return rows
}

func (a *app) forceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force VERSION",
		Short: "Record VERSION as applied without running anything (-1 clears)",
		Long:  "Clears a dirty state after the failed revision was repaired by hand.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version < -1 {
				return apperrors.Newf(apperrors.ErrCodeInvalidInput, "invalid version %q", args[0])
			}
			return a.withMigrator(cmd.Context(), func(m *database.Migrator, _ logger.Logger) error {
				return m.Force(version)
			})
		},
	}
}
