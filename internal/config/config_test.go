package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/testutils"
)

var fixedNow = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func load(t *testing.T, env map[string]string, files ...string) (*Config, error) {
	t.Helper()
	return Load(Options{Lookup: MapLookup(env), EnvFiles: files, Now: fixedNow})
}

func TestLoadValidEnvironment(t *testing.T) {
	cfg, err := load(t, testutils.ValidEnv())
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.App.Environment)
	assert.Equal(t, "127.0.0.1:8000", cfg.App.Addr())
	assert.False(t, cfg.App.Reload)
	assert.Equal(t, int64(1000000), cfg.App.NumBenchmark)
	assert.Equal(t, 100000, cfg.Security.HashIterations)
	assert.Equal(t, 30*time.Minute, cfg.Security.AccessTokenExpire)
	assert.Equal(t, time.Hour, cfg.Security.OAuthTokenExpire)
	assert.Equal(t, "db:3306", cfg.Database.Addr())
	assert.Equal(t, "db-password-xyz", cfg.Database.Password.Reveal())
	assert.True(t, cfg.Finnhub.Enabled)
	assert.True(t, cfg.TD.Enabled)
	assert.True(t, cfg.Alpaca.Enabled)
	assert.Contains(t, cfg.CORS.AllowedOrigins, "http://localhost:5173")
	assert.Contains(t, cfg.CORS.AllowedOrigins, "https://app.gryffen.test")
	assert.Equal(t, "https://app.gryffen.test/activation?code=abc", cfg.Notification.ActivationURL("abc"))
}

func TestLoadFailsForEveryRequiredVariable(t *testing.T) {
	for _, v := range Catalog() {
		if !v.Required {
			continue
		}
		t.Run(v.Name, func(t *testing.T) {
			_, err := load(t, testutils.Without(testutils.ValidEnv(), v.Name))
			require.Error(t, err)

			appErr := apperrors.GetAppError(err)
			require.NotNil(t, appErr)
			assert.Equal(t, apperrors.ErrCodeConfigMissing, appErr.Code)
			assert.Equal(t, apperrors.ExitConfig, appErr.ExitCode())
			assert.Equal(t, []string{v.Name}, appErr.Context["missing"])
			assert.Contains(t, err.Error(), v.Name)
		})
	}
}

func TestLoadReportsAllProblemsAtOnce(t *testing.T) {
	env := testutils.With(testutils.Without(testutils.ValidEnv(), "GRYFFEN_SECRET_KEY", "DB_HOST"),
		"DB_PORT", "not-a-port",
		"ACCESS_TOKEN_HASH_ALGO", "RS256",
	)
	_, err := load(t, env)
	require.Error(t, err)

	msg := err.Error()
	for _, name := range []string{"GRYFFEN_SECRET_KEY", "DB_HOST", "DB_PORT", "ACCESS_TOKEN_HASH_ALGO"} {
		assert.Contains(t, msg, name)
	}
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigMissing))
}

func TestLoadMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"hash iteration not a number", "HASH_ITERATION", "many"},
		{"hash iteration zero", "HASH_ITERATION", "0"},
		{"benchmark negative", "NUM_BENCHMARK", "-5"},
		{"never expire in the past", "UNIX_TIMESTAMP_NEVER_EXPIRE", "1000"},
		{"db port out of range", "DB_PORT", "70000"},
		{"reload not boolean", "GRYFFEN_RELOAD", "maybe"},
		{"unsupported algorithm", "ACCESS_TOKEN_HASH_ALGO", "none"},
		{"front end not a url", "FRONT_END_BASE_URL", "app.gryffen"},
		{"websocket scheme", "FINNHUB_WEBSOCKET_URI", "https://ws.finnhub.io"},
		{"bad email", "EMAIL_FROM", "not-an-address"},
		{"service account not json", "SERVICE_ACCOUNT_JSON", "{nope"},
		{"bad environment", "GRYFFEN_ENVIRONMENT", "qa"},
		{"bad log level", "GRYFFEN_LOG_LEVEL", "LOUD"},
		{"rate limit negative", "GRYFFEN_RATE_LIMIT", "-1"},
		{"rate limit not a number", "GRYFFEN_RATE_LIMIT", "NaN"},
		{"rate limit infinite", "GRYFFEN_RATE_LIMIT", "+Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, testutils.With(testutils.ValidEnv(), tt.key, tt.val))
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid), err.Error())
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestRateBurstMustAdmitRequests(t *testing.T) {
	for _, burst := range []string{"0", "-3"} {
		_, err := load(t, testutils.With(testutils.ValidEnv(), "GRYFFEN_RATE_LIMIT", "5", "GRYFFEN_RATE_BURST", burst))
		require.Error(t, err, burst)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigInvalid))
		assert.Contains(t, err.Error(), "GRYFFEN_RATE_BURST")
	}

	cfg, err := load(t, testutils.With(testutils.ValidEnv(), "GRYFFEN_RATE_BURST", "0"))
	require.NoError(t, err, "burst is unused while the limiter is off")
	assert.Zero(t, cfg.RateLimit.RequestsPerSecond)

	cfg, err = load(t, testutils.With(testutils.ValidEnv(), "GRYFFEN_RATE_LIMIT", "5", "GRYFFEN_RATE_BURST", "1"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.RateLimit.Burst)
}

func TestOptionalGroupsAreAllOrNone(t *testing.T) {
	env := testutils.Without(testutils.ValidEnv(),
		"FINNHUB_API_KEY", "FINNHUB_WEBSOCKET_URI",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_BASE_URL",
	)
	cfg, err := load(t, env)
	require.NoError(t, err)
	assert.False(t, cfg.Finnhub.Enabled)
	assert.False(t, cfg.Alpaca.Enabled)
	assert.True(t, cfg.TD.Enabled)

	_, err = load(t, testutils.Without(testutils.ValidEnv(), "TD_API_ORDERS_URL"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TD_API_ORDERS_URL is not set (required when any td variable is set)")
}

func TestBlankValueCountsAsMissing(t *testing.T) {
	_, err := load(t, testutils.With(testutils.ValidEnv(), "GRYFFEN_SECRET_KEY", "   "))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigMissing))
}

func TestEnvFileSitsBelowRealEnvironment(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	defer suite.TearDown()

	envFile := suite.CreateTempFile(".env", "GRYFFEN_SECRET_KEY=from-file\nGRYFFEN_PORT=9000\nGRYFFEN_RELOAD=yes\n")
	env := testutils.Without(testutils.ValidEnv(), "GRYFFEN_SECRET_KEY")
	env["GRYFFEN_PORT"] = "8100"

	cfg, err := load(t, env, envFile, suite.TempDir+"/missing.env")
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Security.SecretKey.Reveal())
	assert.Equal(t, 8100, cfg.App.Port)
	assert.True(t, cfg.App.Reload)
}

func TestLoadFromProcessEnvironment(t *testing.T) {
	for k, v := range testutils.ValidEnv() {
		testutils.SetEnv(t, k, v)
	}
	testutils.SetEnv(t, "GRYFFEN_ENVIRONMENT", "production")

	cfg, err := Load(Options{})
	require.NoError(t, err)
	assert.True(t, cfg.App.IsProduction())
}

func TestSecretValuesCoversEverySecretVariable(t *testing.T) {
	cfg, err := load(t, testutils.With(testutils.ValidEnv(),
		"SERVICE_ACCOUNT_JSON", `{"type":"service_account"}`,
		"SERVICE_ACCOUNT_KEY", "sa-key"))
	require.NoError(t, err)

	values := cfg.SecretValues()
	assert.Len(t, values, len(Names(KindSecret)))
	assert.Contains(t, values, "alpaca-secret")
	assert.NotContains(t, values, "admin")
}

func TestValidatorValidateJoinsProblems(t *testing.T) {
	cfg, err := load(t, testutils.ValidEnv())
	require.NoError(t, err)
	require.NoError(t, NewValidator(cfg).WithClock(fixedNow).Validate())

	cfg.Database.MaxIdle = 50
	cfg.App.Port = 0
	err = NewValidator(cfg).WithClock(fixedNow).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GRYFFEN_DB_MAX_IDLE")
	assert.Contains(t, err.Error(), "GRYFFEN_PORT")
}
