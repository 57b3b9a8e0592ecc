package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"gryffen/internal/cli"
	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], cli.OSEnv())
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, env cli.Env) int {
	log := cli.BootstrapLogger(env.Stderr)
	a := &app{env: env, log: log}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(env.Stdout)
	root.SetErr(env.Stderr)
	return cli.Execute(ctx, root, log)
}

type app struct {
	env      cli.Env
	log      logger.Logger
	envFiles []string
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the Gryffen environment",
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", []string{".env"}, "env files below the process environment")
	root.AddCommand(a.checkCmd(), a.splitCmd())
	return root
}

// lookup layers the env files below the process environment, the same way
// config.Load does.
func (a *app) lookup() (config.LookupFunc, error) {
	values, err := config.ReadEnvFiles(true, a.envFiles...)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to read env files", err)
	}
	base := a.env.Lookup
	if base == nil {
		base = os.LookupEnv
	}
	return config.Layered(base, config.MapLookup(values)), nil
}

func (a *app) checkCmd() *cobra.Command {
	var (
		probe   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print every variable with its effective value and validate the set",
		Long: `Prints the resolved catalog, secrets redacted, then validates it. With
--probe the configured market data and broker endpoints are contacted too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lookup, err := a.lookup()
			if err != nil {
				return err
			}
			if err := writeAssignments(a.env.Stdout, config.Resolve(lookup)); err != nil {
				return err
			}

			cfg, err := cli.LoadConfig(cli.Env{Lookup: lookup}, nil, a.log)
			if err != nil {
				return err
			}
			if !probe {
				fmt.Fprintln(a.env.Stdout, "configuration ok")
				return nil
			}

			redact := logger.NewRedactHook(cfg.SecretValues()...)
			results := runProbes(cmd.Context(), probesFor(cfg, timeout))
			var failed []string
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				outcome := r.detail
				if r.err != nil {
					outcome = "failed: " + redact.Scrub(r.err.Error())
					failed = append(failed, r.name)
				}
				rows = append(rows, []string{r.name, r.target, outcome})
			}
			if err := cli.Table(a.env.Stdout, []string{"Dependency", "Target", "Result"}, rows); err != nil {
				return err
			}
			if len(failed) > 0 {
				return apperrors.Newf(apperrors.ErrCodeDependencyUnhealthy, "probe failed: %v", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", false, "contact the configured Finnhub and Alpaca endpoints")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-probe timeout")
	return cmd
}

func writeAssignments(w io.Writer, assignments []config.Assignment) error {
	rows := make([][]string, 0, len(assignments))
	for _, as := range assignments {
		rows = append(rows, []string{as.Var.Group, as.Var.Name, as.Var.Kind.String(), as.Display()})
	}
	return cli.Table(w, []string{"Group", "Variable", "Kind", "Value"}, rows)
}

func (a *app) splitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "split",
		Short: "Show which variables travel as plain env vars and which as secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lookup, err := a.lookup()
			if err != nil {
				return err
			}
			plain, secrets := config.Split(lookup)

			rows := make([][]string, 0, len(plain))
			for _, name := range sortedKeys(plain) {
				rows = append(rows, []string{name, plain[name]})
			}
			fmt.Fprintln(a.env.Stdout, "plain:")
			if err := cli.Table(a.env.Stdout, []string{"Variable", "Value"}, rows); err != nil {
				return err
			}

			rows = rows[:0]
			for _, name := range sortedKeys(secrets) {
				rows = append(rows, []string{name, secrets[name].String()})
			}
			fmt.Fprintln(a.env.Stdout, "\nsecrets:")
			return cli.Table(a.env.Stdout, []string{"Variable", "Value"}, rows)
		},
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// probe contacts one external dependency.
type probe struct {
	name   string
	target string
	check  func(ctx context.Context) (string, error)
}

type probeResult struct {
	name   string
	target string
	detail string
	err    error
}

func probesFor(cfg *config.Config, timeout time.Duration) []probe {
	var probes []probe
	if cfg.Finnhub.Enabled {
		fh := cfg.Finnhub
		probes = append(probes, probe{
			name:   config.GroupFinnhub,
			target: fh.WebsocketURI,
			check: func(ctx context.Context) (string, error) {
				return probeWebsocket(ctx, fh.WebsocketURI, fh.APIKey.Reveal(), timeout)
			},
		})
	}
	if cfg.Alpaca.Enabled {
		ac := cfg.Alpaca
		probes = append(probes, probe{
			name:   config.GroupAlpaca,
			target: ac.BaseURL,
			check: func(ctx context.Context) (string, error) {
				return probeAlpaca(ac, timeout)
			},
		})
	}
	return probes
}

func runProbes(ctx context.Context, probes []probe) []probeResult {
	results := make([]probeResult, 0, len(probes))
	for _, p := range probes {
		detail, err := p.check(ctx)
		results = append(results, probeResult{name: p.name, target: p.target, detail: detail, err: err})
	}
	return results
}

// probeWebsocket completes a websocket handshake with token as the query
// parameter Finnhub authenticates with.
func probeWebsocket(ctx context.Context, uri, token string, timeout time.Duration) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return "", fmt.Errorf("handshake rejected with %s", resp.Status)
		}
		return "", err
	}
	defer conn.Close()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return "handshake ok", nil
}

func probeAlpaca(cfg config.AlpacaConfig, timeout time.Duration) (string, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:     cfg.APIKey.Reveal(),
		APISecret:  cfg.APISecret.Reveal(),
		BaseURL:    cfg.BaseURL,
		RetryLimit: 1,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	account, err := client.GetAccount()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("account %v", account.Status), nil
}
