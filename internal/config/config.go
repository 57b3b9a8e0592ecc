package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "gryffen/internal/errors"
)

// Config is the validated configuration assembled once at startup.
type Config struct {
	App          AppConfig          `json:"app"`
	Security     SecurityConfig     `json:"security"`
	Database     DatabaseConfig     `json:"database"`
	Notification NotificationConfig `json:"notification"`
	Finnhub      FinnhubConfig      `json:"finnhub"`
	TD           TDConfig           `json:"td"`
	Alpaca       AlpacaConfig       `json:"alpaca"`
	Logging      LoggingConfig      `json:"logging"`
	CORS         CORSConfig         `json:"cors"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
}

type AppConfig struct {
	Environment     string        `json:"environment"`
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Reload          bool          `json:"reload"`
	NumBenchmark    int64         `json:"num_benchmark"`
	NeverExpire     int64         `json:"never_expire"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// Addr is the listen address.
func (a AppConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a AppConfig) IsProduction() bool {
	return a.Environment == "production"
}

type SecurityConfig struct {
	SecretKey         Secret        `json:"secret_key"`
	HashIterations    int           `json:"hash_iterations"`
	AccessTokenAlgo   string        `json:"access_token_algo"`
	AccessTokenExpire time.Duration `json:"access_token_expire"`
	OAuthTokenExpire  time.Duration `json:"oauth_token_expire"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password Secret `json:"password"`
	Name     string `json:"name"`

	MaxOpen         int           `json:"max_open"`
	MaxIdle         int           `json:"max_idle"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
}

// Addr is host:port of the database server.
func (d DatabaseConfig) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

type NotificationConfig struct {
	FrontEndBaseURL    string `json:"front_end_base_url"`
	EmailFrom          string `json:"email_from"`
	ServiceAccountJSON Secret `json:"service_account_json"`
	ServiceAccountKey  Secret `json:"service_account_key"`
}

// ActivationURL builds the link mailed to new users.
func (n NotificationConfig) ActivationURL(code string) string {
	return strings.TrimRight(n.FrontEndBaseURL, "/") + "/activation?code=" + code
}

type FinnhubConfig struct {
	Enabled      bool   `json:"enabled"`
	APIKey       Secret `json:"api_key"`
	WebsocketURI string `json:"websocket_uri"`
}

type TDConfig struct {
	Enabled     bool   `json:"enabled"`
	ConsumerKey Secret `json:"consumer_key"`
	AuthURL     string `json:"auth_url"`
	BaseURL     string `json:"base_url"`
	OrdersURL   string `json:"orders_url"`
	RedirectURL string `json:"redirect_url"`
}

type AlpacaConfig struct {
	Enabled   bool   `json:"enabled"`
	APIKey    Secret `json:"api_key"`
	APISecret Secret `json:"api_secret"`
	BaseURL   string `json:"base_url"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file,omitempty"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// DefaultCORSOrigins are the local front-end dev servers.
var DefaultCORSOrigins = []string{
	"http://localhost",
	"http://localhost:8080",
	"http://localhost:3000",
	"http://localhost:5173",
}

// Options controls where Load reads from.
type Options struct {
	// EnvFiles are read with godotenv and sit below Lookup, so real
	// environment variables always win. Missing files are skipped.
	EnvFiles []string
	// Lookup defaults to os.LookupEnv.
	Lookup LookupFunc
	// Now is used for time-relative checks. Defaults to time.Now.
	Now func() time.Time
}

// Load resolves every catalog variable, parses and validates the result
// and returns either a complete Config or one AppError listing every problem.
func Load(opts Options) (*Config, error) {
	fileValues, err := ReadEnvFiles(true, opts.EnvFiles...)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "configuration error", err)
	}
	em := NewEnvManager(Layered(lookupOrEnv(opts.Lookup), MapLookup(fileValues)), "GRYFFEN_")

	checkPresence(em)
	cfg := build(em)

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	problems := firstPerVar(append(em.Problems(), NewValidator(cfg).WithClock(now).Problems()...))
	if len(problems) > 0 {
		return nil, problemsError(problems)
	}
	return cfg, nil
}

func lookupOrEnv(lookup LookupFunc) LookupFunc {
	if lookup != nil {
		return lookup
	}
	return os.LookupEnv
}

// firstPerVar keeps the first problem reported for each variable, so an
// unset variable is not also reported as out of range.
func firstPerVar(problems []Problem) []Problem {
	seen := make(map[string]bool, len(problems))
	var out []Problem
	for _, p := range problems {
		if seen[p.Var] {
			continue
		}
		seen[p.Var] = true
		out = append(out, p)
	}
	return out
}

// checkPresence records required variables that are unset, and partially
// configured optional groups.
func checkPresence(em *EnvManager) {
	var required []string
	for _, v := range catalog {
		if v.Required {
			required = append(required, v.Name)
		}
	}
	em.ValidateRequired(required, "")

	for group := range optionalGroups {
		members := GroupMembers(group)
		set := 0
		for _, name := range members {
			if _, ok := em.Raw(name); ok {
				set++
			}
		}
		if set > 0 && set < len(members) {
			em.ValidateRequired(members, "required when any "+group+" variable is set")
		}
	}
}

func groupEnabled(em *EnvManager, group string) bool {
	for _, name := range GroupMembers(group) {
		if _, ok := em.Raw(name); !ok {
			return false
		}
	}
	return true
}

func build(em *EnvManager) *Config {
	cfg := &Config{}

	cfg.App = AppConfig{
		Environment:     em.GetString("environment", "dev"),
		Host:            em.GetString("host", "127.0.0.1"),
		Port:            em.GetInt("port", 8000),
		Reload:          em.GetBool("reload", false),
		NumBenchmark:    em.Int64("NUM_BENCHMARK", 0),
		NeverExpire:     em.Int64("UNIX_TIMESTAMP_NEVER_EXPIRE", 0),
		ShutdownTimeout: em.GetDuration("shutdown_timeout", 10*time.Second),
	}

	cfg.Security = SecurityConfig{
		SecretKey:         em.Secret("GRYFFEN_SECRET_KEY"),
		HashIterations:    em.Int("HASH_ITERATION", 0),
		AccessTokenAlgo:   em.String("ACCESS_TOKEN_HASH_ALGO"),
		AccessTokenExpire: time.Duration(em.Int("ACCESS_TOKEN_EXPIRE_MINUTES", 0)) * time.Minute,
		OAuthTokenExpire:  time.Duration(em.Int("OAUTH_TOKEN_EXPIRE_MINUTES", 0)) * time.Minute,
	}

	cfg.Database = DatabaseConfig{
		Host:            em.String("DB_HOST"),
		Port:            em.Int("DB_PORT", 0),
		User:            em.String("DB_USER"),
		Password:        em.Secret("DB_PASS"),
		Name:            em.String("DB_NAME"),
		MaxOpen:         em.GetInt("db_max_open", 25),
		MaxIdle:         em.GetInt("db_max_idle", 5),
		ConnMaxLifetime: em.GetDuration("db_conn_max_lifetime", time.Hour),
		ConnectTimeout:  em.GetDuration("db_connect_timeout", 5*time.Second),
	}

	cfg.Notification = NotificationConfig{
		FrontEndBaseURL:    em.String("FRONT_END_BASE_URL"),
		EmailFrom:          em.String("EMAIL_FROM"),
		ServiceAccountJSON: em.Secret("SERVICE_ACCOUNT_JSON"),
		ServiceAccountKey:  em.Secret("SERVICE_ACCOUNT_KEY"),
	}

	cfg.Finnhub = FinnhubConfig{
		Enabled:      groupEnabled(em, GroupFinnhub),
		APIKey:       em.Secret("FINNHUB_API_KEY"),
		WebsocketURI: em.String("FINNHUB_WEBSOCKET_URI"),
	}

	cfg.TD = TDConfig{
		Enabled:     groupEnabled(em, GroupTD),
		ConsumerKey: em.Secret("TD_API_CONSUMER_KEY"),
		AuthURL:     em.String("TD_API_AUTH_URL"),
		BaseURL:     em.String("TD_API_BASE_URL"),
		OrdersURL:   em.String("TD_API_ORDERS_URL"),
		RedirectURL: em.String("TD_API_REDIRECT_URL"),
	}

	cfg.Alpaca = AlpacaConfig{
		Enabled:   groupEnabled(em, GroupAlpaca),
		APIKey:    em.Secret("ALPACA_API_KEY"),
		APISecret: em.Secret("ALPACA_API_SECRET"),
		BaseURL:   em.String("ALPACA_BASE_URL"),
	}

	cfg.Logging = LoggingConfig{
		Level:  em.GetString("log_level", "INFO"),
		Format: em.GetString("log_format", "json"),
		File:   em.GetString("log_file", ""),
	}

	origins := append([]string{}, DefaultCORSOrigins...)
	if u, err := url.Parse(cfg.Notification.FrontEndBaseURL); err == nil && u.Scheme != "" && u.Host != "" {
		origins = append(origins, u.Scheme+"://"+u.Host)
	}
	origins = append(origins, em.List("GRYFFEN_CORS_ORIGINS")...)
	cfg.CORS = CORSConfig{AllowedOrigins: dedupe(origins)}

	cfg.RateLimit = RateLimitConfig{
		RequestsPerSecond: em.GetFloat("rate_limit", 0),
		Burst:             em.GetInt("rate_burst", 20),
	}

	return cfg
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// SecretValues returns every set secret, for log redaction.
func (c *Config) SecretValues() []string {
	var out []string
	for _, s := range []Secret{
		c.Security.SecretKey,
		c.Database.Password,
		c.Notification.ServiceAccountJSON,
		c.Notification.ServiceAccountKey,
		c.Finnhub.APIKey,
		c.TD.ConsumerKey,
		c.Alpaca.APIKey,
		c.Alpaca.APISecret,
	} {
		if s.IsSet() {
			out = append(out, s.Reveal())
		}
	}
	return out
}

func problemsError(problems []Problem) *apperrors.AppError {
	code := apperrors.ErrCodeConfigInvalid
	var missing, lines []string
	for _, p := range problems {
		if p.Missing {
			code = apperrors.ErrCodeConfigMissing
			missing = append(missing, p.Var)
		}
		lines = append(lines, p.String())
	}
	err := apperrors.NewAppErrorWithDetails(code, "configuration error", strings.Join(lines, "; "), nil)
	if len(missing) > 0 {
		err.WithContext("missing", missing)
	}
	return err.WithContext("problems", problems)
}
