// Package cli holds what the operator binaries share: how they load the
// configuration, build their logger and turn errors into exit statuses.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// Env is everything a command reads from or writes to the outside world.
type Env struct {
	Lookup config.LookupFunc
	Stdout io.Writer
	Stderr io.Writer
}

// OSEnv is the real process environment.
func OSEnv() Env {
	return Env{Lookup: os.LookupEnv, Stdout: os.Stdout, Stderr: os.Stderr}
}

// BootstrapLogger is used until the logging settings are known.
func BootstrapLogger(w io.Writer) logger.Logger {
	return logger.NewLogger(logger.Config{
		Level:     logger.LevelInfo,
		Format:    logger.FormatJSON,
		Writer:    w,
		Timestamp: true,
	})
}

// NewLogger builds the logger the settings describe and registers every
// configured secret with a redaction hook.
func NewLogger(cfg *config.Config, w io.Writer) (logger.Logger, *logger.RedactHook) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logger.LevelInfo
	}
	lc := logger.DefaultConfig
	lc.Level = level
	lc.Format = logger.LogFormat(cfg.Logging.Format)
	if cfg.Logging.File != "" {
		lc.Output = "file"
		lc.Filename = cfg.Logging.File
	} else {
		lc.Writer = w
	}

	log := logger.NewLogger(lc)
	redact := logger.NewRedactHook(cfg.SecretValues()...)
	log.AddHook(redact)
	return log, redact
}

// LoadConfig loads and validates the configuration. Every problem is logged
// under a single "configuration error" entry.
func LoadConfig(env Env, envFiles []string, log logger.Logger) (*config.Config, error) {
	cfg, err := config.Load(config.Options{EnvFiles: envFiles, Lookup: env.Lookup})
	if err != nil {
		fields := []interface{}{"error", err}
		if appErr := apperrors.GetAppError(err); appErr != nil {
			fields = append(fields, "code", appErr.Code, "problems", appErr.Details)
		}
		log.Error("configuration error", fields...)
		return nil, err
	}
	return cfg, nil
}

// Execute runs root and maps its error to an exit status. Errors that
// LoadConfig already reported are not logged twice.
func Execute(ctx context.Context, root *cobra.Command, log logger.Logger) int {
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid flags", err).
			WithContext("usage", cmd.UseLine())
	})

	err := root.ExecuteContext(ctx)
	if err == nil {
		return apperrors.ExitOK
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeConfigMissing) && !apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid) {
		log.Error("Command failed", "error", err)
	}
	if !apperrors.IsAppError(err) {
		fmt.Fprintln(root.ErrOrStderr(), err)
	}
	return apperrors.ExitCode(err)
}

// Table writes rows under header as an aligned text table.
func Table(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(toAny(header)...)
	for _, row := range rows {
		if err := table.Append(toAny(row)...); err != nil {
			return err
		}
	}
	return table.Render()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
