package compose

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/testutils"
)

const gapProject = `
services:
  db:
    image: mysql:8.0
    healthcheck:
      test: mysqladmin ping
      interval: 10s
      timeout: 5s
      retries: 40
  migrator:
    image: app
    command: migrate upgrade head
    restart: "no"
    depends_on:
      db:
        condition: service_healthy
  api:
    image: app
    restart: always
    depends_on:
      db:
        condition: service_healthy
`

func mustParse(t *testing.T, doc string) *Project {
	t.Helper()
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

func TestParseForms(t *testing.T) {
	p := mustParse(t, `
services:
  a:
    command: sh -c 'echo "hello world"'
    environment:
      - A=1
      - EMPTY=
    env_file: .env
    depends_on: [b]
    build: ./svc
  b:
    command: ["sleep", "1"]
    environment:
      PORT: 8000
      FLAG: true
      UNSET:
    env_file: [one.env, two.env]
    healthcheck:
      test: ["CMD", "true"]
      interval: 1m30s
      start_period: 2s
`)

	a := p.Services["a"]
	assert.Equal(t, "a", a.Name)
	assert.Equal(t, Command{"sh", "-c", `echo "hello world"`}, a.Command)
	assert.Equal(t, Environment{"A": "1", "EMPTY": ""}, a.Environment)
	assert.Equal(t, StringList{".env"}, a.EnvFile)
	assert.Equal(t, DependsOn{"b": {Condition: ConditionStarted}}, a.DependsOn)
	assert.Equal(t, "./svc", a.Build.Context)

	b := p.Services["b"]
	assert.Equal(t, Environment{"PORT": "8000", "FLAG": "true", "UNSET": ""}, b.Environment)
	assert.Equal(t, StringList{"one.env", "two.env"}, b.EnvFile)
	assert.Equal(t, 90*time.Second, b.Healthcheck.Interval.Std())
	assert.True(t, b.HasHealthcheck())

	hc := b.Healthcheck.Effective()
	assert.Equal(t, DefaultTimeout, hc.Timeout.Std())
	assert.Equal(t, DefaultRetries, hc.Retries)
	assert.Equal(t, 2*time.Second+3*90*time.Second, b.Healthcheck.Budget())
}

func TestHealthTestStringMeansShell(t *testing.T) {
	p := mustParse(t, gapProject)
	assert.Equal(t, HealthTest{"CMD-SHELL", "mysqladmin ping"}, p.Services["db"].Healthcheck.Test)
	assert.Equal(t, 400*time.Second, p.Services["db"].Healthcheck.Budget())
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`a 'b c' "d 'e'"  f`, []string{"a", "b c", "d 'e'", "f"}},
		{`migrate upgrade\ head`, []string{"migrate", "upgrade head"}},
		{`echo "say \"hi\""`, []string{"echo", `say "hi"`}},
		{`sh -c 'a && b'`, []string{"sh", "-c", "a && b"}},
		{`echo $DB_HOST`, []string{"echo", "$DB_HOST"}},
		{``, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			args, err := SplitCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, args)
		})
	}

	for _, bad := range []string{`a "b`, `a \`, `migrate && gryffen`} {
		_, err := SplitCommand(bad)
		assert.Error(t, err, bad)
	}
}

func TestMerge(t *testing.T) {
	base := mustParse(t, `
services:
  api:
    image: app:prod
    restart: always
    environment:
      A: "1"
      B: "2"
    ports: ["8007:8000"]
    build:
      context: .
      target: prod
`)
	overlay := mustParse(t, `
services:
  api:
    image: app:dev
    environment:
      B: "20"
      C: "3"
    ports: ["8007:8000", "2345:2345"]
    build:
      target: dev
    volumes: [".:/src"]
  tools:
    image: busybox
`)
	Merge(base, overlay)

	api := base.Services["api"]
	assert.Equal(t, "app:dev", api.Image)
	assert.Equal(t, RestartAlways, api.Restart)
	assert.Equal(t, Environment{"A": "1", "B": "20", "C": "3"}, api.Environment)
	assert.Equal(t, []string{"8007:8000", "2345:2345"}, api.Ports)
	assert.Equal(t, &Build{Context: ".", Target: "dev"}, api.Build)
	assert.Equal(t, []string{".:/src"}, api.Volumes)
	assert.Contains(t, base.Services, "tools")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown dependency", `
services:
  a:
    depends_on: [ghost]
`, `depends on undefined service "ghost"`},
		{"self dependency", `
services:
  a:
    depends_on: [a]
`, "depends on itself"},
		{"cycle", `
services:
  a:
    depends_on: [b]
  b:
    depends_on: [c]
  c:
    depends_on: [a]
`, "dependency cycle: a -> b -> c -> a"},
		{"invalid condition", `
services:
  a:
    depends_on:
      b:
        condition: service_ready
  b: {}
`, `invalid condition "service_ready"`},
		{"healthy without healthcheck", `
services:
  a:
    depends_on:
      b:
        condition: service_healthy
  b: {}
`, "has no healthcheck"},
		{"completion of restarting service", `
services:
  a:
    depends_on:
      b:
        condition: service_completed_successfully
  b:
    restart: always
`, "never completes"},
		{"unknown restart", `
services:
  a:
    restart: sometimes
`, `unknown restart policy "sometimes"`},
		{"bad test", `
services:
  a:
    healthcheck:
      test: ["HTTP", "/health"]
`, "must start with NONE, CMD or CMD-SHELL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(mustParse(t, tt.doc))
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeComposeInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStartOrder(t *testing.T) {
	p := mustParse(t, gapProject)
	assert.Equal(t, []string{"db", "api", "migrator"}, StartOrder(p))

	p.Services["api"].DependsOn["migrator"] = Dependency{Condition: ConditionCompleted}
	assert.Equal(t, []string{"db", "migrator", "api"}, StartOrder(p))
}

func TestLintFindsOrderingGap(t *testing.T) {
	p := mustParse(t, gapProject)
	require.NoError(t, Validate(p))

	findings := Lint(p)
	require.Len(t, findings, 1)
	assert.Equal(t, RuleOrderingGap, findings[0].Rule)
	assert.Equal(t, "api", findings[0].Service)
	assert.True(t, HasErrors(findings))

	p.Services["api"].DependsOn["migrator"] = Dependency{Condition: ConditionCompleted}
	assert.Empty(t, Lint(p))
}

func TestLintWarnings(t *testing.T) {
	p := mustParse(t, `
services:
  db:
    healthcheck:
      test: ["CMD", "true"]
  api:
    env_file: missing.env
    depends_on: [db]
`)
	p.WorkingDir = t.TempDir()

	findings := Lint(p)
	require.Len(t, findings, 2)
	assert.Equal(t, RuleWeakCondition, findings[0].Rule)
	assert.Equal(t, RuleMissingEnvFile, findings[1].Rule)
	assert.False(t, HasErrors(findings))
}

func TestInterpolate(t *testing.T) {
	lookup := func(key string) (string, bool) {
		v, ok := map[string]string{"SET": "x", "EMPTY": ""}[key]
		return v, ok
	}
	assert.Equal(t, "x x", Interpolate("$SET ${SET}", lookup))
	assert.Equal(t, "d", Interpolate("${EMPTY:-d}", lookup))
	assert.Equal(t, "", Interpolate("${EMPTY-d}", lookup))
	assert.Equal(t, "d", Interpolate("${MISSING-d}", lookup))
	assert.Equal(t, "$HOME", Interpolate("$$HOME", lookup))
}

func TestShippedComposeFiles(t *testing.T) {
	root := filepath.Join("..", "..")
	lookup := func(string) (string, bool) { return "", false }

	for _, files := range [][]string{
		{"docker-compose.yml"},
		{"docker-compose.yml", "docker-compose.dev.yml"},
	} {
		p, err := Load(Options{ProjectDir: root, Files: files, Lookup: lookup})
		require.NoError(t, err, files)
		assert.Equal(t, "gryffen", p.Name)
		assert.False(t, HasErrors(Lint(p)), "%v: %v", files, Lint(p))
		assert.Equal(t, []string{"db", "migrator", "api"}, StartOrder(p))

		api := p.Services["api"]
		assert.Equal(t, ConditionHealthy, api.DependsOn["db"].Condition)
		assert.Equal(t, ConditionCompleted, api.DependsOn["migrator"].Condition)
		assert.Equal(t, RestartAlways, api.Restart)
		assert.Contains(t, api.Ports, "8007:8000")

		db := p.Services["db"].Healthcheck
		assert.Equal(t, 10*time.Second, db.Interval.Std())
		assert.Equal(t, 5*time.Second, db.Timeout.Std())
		assert.Equal(t, 40, db.Retries)
		assert.Equal(t, "gryffen-local", p.Services["db"].Environment["MYSQL_PASSWORD"])
	}

	dev, err := Load(Options{ProjectDir: root, Files: []string{"docker-compose.yml", "docker-compose.dev.yml"}, Lookup: lookup})
	require.NoError(t, err)
	assert.Equal(t, "true", dev.Services["api"].Environment["GRYFFEN_RELOAD"])
	assert.Equal(t, "dev", dev.Services["api"].Build.Target)
}

func TestResolveEnvironment(t *testing.T) {
	suite := testutils.NewTestSuite(t, nil)
	suite.CreateTempFile(".env", "A=from-file\nB=from-file\n")

	p := mustParse(t, `
services:
  api:
    env_file: .env
    environment:
      B: override
`)
	p.WorkingDir = suite.TempDir

	env, err := p.ResolveEnvironment(p.Services["api"])
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "from-file", "B": "override"}, env)
	assert.Equal(t, []string{"A=from-file", "B=override"}, EnvList(env))
}

func TestRenderRoundTrip(t *testing.T) {
	p := mustParse(t, gapProject)
	out, err := p.Render()
	require.NoError(t, err)

	again := mustParse(t, string(out))
	assert.Equal(t, p.Services["db"].Healthcheck, again.Services["db"].Healthcheck)
	assert.Equal(t, p.Services["migrator"].Command, again.Services["migrator"].Command)
	assert.Equal(t, p.Services["api"].DependsOn, again.Services["api"].DependsOn)
}
