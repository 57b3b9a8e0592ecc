package config

import (
	"encoding/json"
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gryffen/internal/logger"
)

var validEnvironments = []string{"dev", "staging", "production"}

// Validator checks a built Config section by section.
type Validator struct {
	config   *Config
	now      func() time.Time
	problems []Problem
}

func NewValidator(config *Config) *Validator {
	return &Validator{config: config, now: time.Now}
}

// WithClock overrides the clock used for the never-expire check.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate returns an error listing every problem, or nil.
func (v *Validator) Validate() error {
	problems := v.Problems()
	if len(problems) == 0 {
		return nil
	}
	lines := make([]string, len(problems))
	for i, p := range problems {
		lines[i] = p.String()
	}
	return fmt.Errorf("configuration validation failed:\n%s", strings.Join(lines, "\n"))
}

// Problems runs every section check.
func (v *Validator) Problems() []Problem {
	v.problems = nil
	v.validateApp()
	v.validateSecurity()
	v.validateDatabase()
	v.validateNotification()
	v.validateFinnhub()
	v.validateTD()
	v.validateAlpaca()
	v.validateLogging()
	v.validateCORS()
	v.validateRateLimit()
	return v.problems
}

func (v *Validator) fail(name, format string, args ...interface{}) {
	v.problems = append(v.problems, Problem{Var: name, Reason: fmt.Sprintf(format, args...)})
}

func (v *Validator) validateApp() {
	app := v.config.App

	valid := false
	for _, env := range validEnvironments {
		if app.Environment == env {
			valid = true
			break
		}
	}
	if !valid {
		v.fail("GRYFFEN_ENVIRONMENT", "invalid environment %q, expected one of %v", app.Environment, validEnvironments)
	}
	if app.Port <= 0 || app.Port > 65535 {
		v.fail("GRYFFEN_PORT", "invalid port %d", app.Port)
	}
	if app.NumBenchmark <= 0 {
		v.fail("NUM_BENCHMARK", "must be a positive integer")
	}
	if app.NeverExpire <= v.now().Unix() {
		v.fail("UNIX_TIMESTAMP_NEVER_EXPIRE", "%d is not in the future", app.NeverExpire)
	}
	if app.ShutdownTimeout <= 0 {
		v.fail("GRYFFEN_SHUTDOWN_TIMEOUT", "must be positive")
	}
}

func (v *Validator) validateSecurity() {
	sec := v.config.Security

	if !sec.SecretKey.IsSet() {
		v.fail("GRYFFEN_SECRET_KEY", "must not be empty")
	}
	if sec.HashIterations <= 0 {
		v.fail("HASH_ITERATION", "must be a positive integer")
	}
	if sec.AccessTokenAlgo != "" {
		method := jwt.GetSigningMethod(sec.AccessTokenAlgo)
		if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
			v.fail("ACCESS_TOKEN_HASH_ALGO", "%q is not a supported HMAC algorithm (HS256, HS384, HS512)", sec.AccessTokenAlgo)
		}
	}
	if sec.AccessTokenExpire <= 0 {
		v.fail("ACCESS_TOKEN_EXPIRE_MINUTES", "must be a positive integer")
	}
	if sec.OAuthTokenExpire <= 0 {
		v.fail("OAUTH_TOKEN_EXPIRE_MINUTES", "must be a positive integer")
	}
}

func (v *Validator) validateDatabase() {
	db := v.config.Database

	if db.Port <= 0 || db.Port > 65535 {
		v.fail("DB_PORT", "invalid port %d", db.Port)
	}
	if strings.ContainsAny(db.Name, "`/") {
		v.fail("DB_NAME", "%q contains characters not allowed in a database name", db.Name)
	}
	if db.MaxOpen <= 0 {
		v.fail("GRYFFEN_DB_MAX_OPEN", "must be positive")
	}
	if db.MaxIdle > db.MaxOpen {
		v.fail("GRYFFEN_DB_MAX_IDLE", "%d exceeds max open connections %d", db.MaxIdle, db.MaxOpen)
	}
}

func (v *Validator) validateNotification() {
	n := v.config.Notification

	v.checkURL("FRONT_END_BASE_URL", n.FrontEndBaseURL, "http", "https")
	if n.EmailFrom != "" {
		if _, err := mail.ParseAddress(n.EmailFrom); err != nil {
			v.fail("EMAIL_FROM", "%q is not an e-mail address", n.EmailFrom)
		}
	}
	if n.ServiceAccountJSON.IsSet() {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(n.ServiceAccountJSON.Reveal()), &obj); err != nil {
			v.fail("SERVICE_ACCOUNT_JSON", "is not a JSON object")
		}
	}
}

func (v *Validator) validateFinnhub() {
	if !v.config.Finnhub.Enabled {
		return
	}
	v.checkURL("FINNHUB_WEBSOCKET_URI", v.config.Finnhub.WebsocketURI, "ws", "wss")
}

func (v *Validator) validateTD() {
	td := v.config.TD
	if !td.Enabled {
		return
	}
	v.checkURL("TD_API_AUTH_URL", td.AuthURL, "http", "https")
	v.checkURL("TD_API_BASE_URL", td.BaseURL, "http", "https")
	v.checkURL("TD_API_ORDERS_URL", td.OrdersURL, "http", "https")
	v.checkURL("TD_API_REDIRECT_URL", td.RedirectURL, "http", "https")
}

func (v *Validator) validateAlpaca() {
	if !v.config.Alpaca.Enabled {
		return
	}
	v.checkURL("ALPACA_BASE_URL", v.config.Alpaca.BaseURL, "http", "https")
}

func (v *Validator) validateLogging() {
	if _, err := logger.ParseLevel(v.config.Logging.Level); err != nil {
		v.fail("GRYFFEN_LOG_LEVEL", "%v", err)
	}
	switch v.config.Logging.Format {
	case "json", "text":
	default:
		v.fail("GRYFFEN_LOG_FORMAT", "%q is not json or text", v.config.Logging.Format)
	}
}

func (v *Validator) validateCORS() {
	for _, origin := range v.config.CORS.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			v.fail("GRYFFEN_CORS_ORIGINS", "%q is not an origin", origin)
		}
	}
}

func (v *Validator) validateRateLimit() {
	rl := v.config.RateLimit
	switch {
	case math.IsNaN(rl.RequestsPerSecond) || math.IsInf(rl.RequestsPerSecond, 0):
		v.fail("GRYFFEN_RATE_LIMIT", "must be a finite number")
	case rl.RequestsPerSecond < 0:
		v.fail("GRYFFEN_RATE_LIMIT", "must not be negative")
	case rl.RequestsPerSecond > 0 && rl.Burst < 1:
		// a zero bucket rejects every request
		v.fail("GRYFFEN_RATE_BURST", "must be at least 1 when GRYFFEN_RATE_LIMIT is set")
	}
}

func (v *Validator) checkURL(name, raw string, schemes ...string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		v.fail(name, "%q is not an absolute URL", raw)
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	v.fail(name, "scheme %q is not one of %v", u.Scheme, schemes)
}
