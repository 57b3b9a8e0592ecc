package orchestrator

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gryffen/internal/compose"
)

func TestDockerRunArgs(t *testing.T) {
	project := &compose.Project{Name: "gryffen", WorkingDir: "/src/gryffen"}
	svc := &compose.Service{
		Name:       "api",
		Entrypoint: compose.Command{"air", "-c", ".air.toml"},
		Command:    compose.Command{"serve"},
		Ports:      []string{"8007:8000"},
		Volumes:    []string{".:/src", "gryffen-db-data:/var/lib/mysql"},
	}
	env := map[string]string{"GRYFFEN_RELOAD": "true", "DB_PASS": "hunter2"}

	args := DockerRunArgs(project, svc, "gryffen:dev", env)
	assert.Equal(t, []string{
		"run", "--rm",
		"--name", "gryffen-api",
		"--network", "gryffen_default",
		"--network-alias", "api",
		"-e", "DB_PASS",
		"-e", "GRYFFEN_RELOAD",
		"-p", "8007:8000",
		"-v", "/src/gryffen:/src",
		"-v", "gryffen-db-data:/var/lib/mysql",
		"--entrypoint", "air",
		"gryffen:dev", "-c", ".air.toml", "serve",
	}, args)
	assert.NotContains(t, strings.Join(args, " "), "hunter2")
}

func TestTestArgv(t *testing.T) {
	tests := []struct {
		name string
		hc   *compose.Healthcheck
		want []string
	}{
		{"none configured", nil, nil},
		{"disabled", &compose.Healthcheck{Test: compose.HealthTest{"NONE"}}, nil},
		{"cmd", &compose.Healthcheck{Test: compose.HealthTest{"CMD", "mysqladmin", "ping"}}, []string{"mysqladmin", "ping"}},
		{"shell", &compose.Healthcheck{Test: compose.HealthTest{"CMD-SHELL", "curl -f localhost"}}, []string{"sh", "-c", "curl -f localhost"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testArgv(&compose.Service{Name: "svc", Healthcheck: tt.hc})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := testArgv(&compose.Service{Name: "svc", Healthcheck: &compose.Healthcheck{Test: compose.HealthTest{"CMD"}}})
	assert.Error(t, err)
}

func TestPrefixWriter(t *testing.T) {
	var buf bytes.Buffer
	w := newPrefixWriter(&buf, "db")
	_, _ = w.Write([]byte("ready for\nconn"))
	_, _ = w.Write([]byte("ections\n"))
	assert.Equal(t, "db | ready for\ndb | connections\n", buf.String())
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"PATH=/bin", "HOME=/root"}, map[string]string{"HOME": "/app", "X": "1"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/app", "X=1"}, got)
}

func TestExecDriver(t *testing.T) {
	project := &compose.Project{Name: "test", WorkingDir: t.TempDir()}
	var out bytes.Buffer
	d := &ExecDriver{Stdout: &out}

	t.Run("exit code", func(t *testing.T) {
		svc := &compose.Service{Name: "task", Command: compose.Command{"sh", "-c", "echo $GREETING; exit 3"}}
		proc, err := d.Start(context.Background(), project, svc, map[string]string{"GREETING": "hello"})
		require.NoError(t, err)
		assert.Positive(t, proc.PID())
		code, err := proc.Wait()
		require.NoError(t, err)
		assert.Equal(t, 3, code)
		assert.Contains(t, out.String(), "task | hello")
	})

	t.Run("stop", func(t *testing.T) {
		svc := &compose.Service{Name: "sleeper", Command: compose.Command{"sleep", "30"}}
		proc, err := d.Start(context.Background(), project, svc, nil)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		start := time.Now()
		require.NoError(t, proc.Stop(ctx))
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("nothing to run", func(t *testing.T) {
		_, err := d.Start(context.Background(), project, &compose.Service{Name: "db", Image: "mysql"}, nil)
		assert.Error(t, err)
	})

	t.Run("probe", func(t *testing.T) {
		svc := &compose.Service{Name: "api", Healthcheck: &compose.Healthcheck{Test: compose.HealthTest{"CMD-SHELL", "test \"$READY\" = yes"}}}
		assert.NoError(t, d.Probe(context.Background(), project, svc, map[string]string{"READY": "yes"}))
		assert.Error(t, d.Probe(context.Background(), project, svc, map[string]string{"READY": "no"}))
	})
}
