package deploy

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gryffen/internal/errors"
)

func testSettings() *Settings {
	return &Settings{
		Project:              "gryffen-prod",
		Region:               "us-central1",
		Service:              "gryffen-api",
		Registry:             "us-docker.pkg.dev/gryffen-prod/images",
		Image:                "gryffen",
		BuildContext:         ".",
		Dockerfile:           "Dockerfile",
		Target:               "prod",
		AllowUnauthenticated: true,
		SecretPrefix:         "gryffen-",
		SecretStore:          StoreGCloud,
		LockKey:              "gryffen:deploy",
		LockTTL:              15 * time.Minute,
	}
}

func testManifest() *Manifest {
	return RenderManifest(ManifestInput{
		Settings:    testSettings(),
		ImageDigest: "sha256:0123abcd",
		Commit:      "9F2c1e7",
		Plain: map[string]string{
			"DB_HOST":            "db",
			"FRONT_END_BASE_URL": "https://app.gryffen.test",
			"GRYFFEN_HOST":       "127.0.0.1",
		},
		Secrets: []ProvisionResult{
			{Env: "DB_PASS", Name: "gryffen-db-pass", Version: "3", Action: ActionReused},
			{Env: "GRYFFEN_SECRET_KEY", Name: "gryffen-gryffen-secret-key", Version: "1", Action: ActionCreated},
			{Env: "SERVICE_ACCOUNT_KEY", Name: "gryffen-service-account-key", Version: "1", Action: ActionCreated},
		},
	})
}

func TestRenderManifest(t *testing.T) {
	m := testManifest()

	assert.Equal(t, "us-docker.pkg.dev/gryffen-prod/images/gryffen@sha256:0123abcd", m.Image)
	assert.Equal(t, ContainerPort, m.Port)
	assert.Equal(t, "0.0.0.0", m.EnvVars["GRYFFEN_HOST"])
	assert.Equal(t, "8000", m.EnvVars["GRYFFEN_PORT"])
	assert.NotContains(t, m.Secrets, "SERVICE_ACCOUNT_KEY")
	assert.Equal(t, SecretRef{Name: "gryffen-db-pass", Version: "3"}, m.Secrets["DB_PASS"])
	assert.Equal(t, "9f2c1e7", m.Labels[LabelCommit])
	assert.Equal(t, m.ConfigDigest(), m.Labels[LabelConfig])
	assert.NoError(t, m.Validate([]string{"db-password", "root-secret"}))
}

func TestManifestArgs(t *testing.T) {
	m := testManifest()
	want := []string{
		"run", "deploy", "gryffen-api",
		"--image", "us-docker.pkg.dev/gryffen-prod/images/gryffen@sha256:0123abcd",
		"--region", "us-central1",
		"--project", "gryffen-prod",
		"--port", "8000",
		"--allow-unauthenticated",
		"--set-env-vars", "DB_HOST=db,FRONT_END_BASE_URL=https://app.gryffen.test,GRYFFEN_HOST=0.0.0.0,GRYFFEN_PORT=8000",
		"--set-secrets", "DB_PASS=gryffen-db-pass:3,GRYFFEN_SECRET_KEY=gryffen-gryffen-secret-key:1",
		"--labels", "gryffen-commit=9f2c1e7,gryffen-config=" + m.ConfigDigest(),
		"--quiet",
	}
	if diff := cmp.Diff(want, m.Args()); diff != "" {
		t.Errorf("Args() mismatch (-want +got):\n%s", diff)
	}
}

func TestManifestArgsAlternateDelimiter(t *testing.T) {
	m := testManifest()
	m.EnvVars["GRYFFEN_CORS_ORIGINS"] = "https://a.test,https://b.test"

	args := m.Args()
	var envFlag string
	for i, a := range args {
		if a == "--set-env-vars" {
			envFlag = args[i+1]
		}
	}
	require.True(t, strings.HasPrefix(envFlag, "^@^"), envFlag)
	assert.Contains(t, envFlag, "GRYFFEN_CORS_ORIGINS=https://a.test,https://b.test@")
}

func TestConfigDigestIsStable(t *testing.T) {
	a, b := testManifest(), testManifest()
	assert.Equal(t, a.ConfigDigest(), b.ConfigDigest())
	assert.Len(t, a.ConfigDigest(), 32)

	b.EnvVars["DB_HOST"] = "db2"
	assert.NotEqual(t, a.ConfigDigest(), b.ConfigDigest())

	// The commit label does not feed the digest.
	c := RenderManifest(ManifestInput{
		Settings:    testSettings(),
		ImageDigest: "sha256:0123abcd",
		Commit:      "other",
		Plain:       map[string]string{"DB_HOST": "db", "FRONT_END_BASE_URL": "https://app.gryffen.test"},
		Secrets:     []ProvisionResult{{Env: "DB_PASS", Name: "gryffen-db-pass", Version: "3"}, {Env: "GRYFFEN_SECRET_KEY", Name: "gryffen-gryffen-secret-key", Version: "1"}},
	})
	assert.Equal(t, a.ConfigDigest(), c.ConfigDigest())
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *Manifest)
		secrets []string
		want    string
	}{
		{"bad service name", func(m *Manifest) { m.Service = "Gryffen_API" }, nil, "invalid service name"},
		{"no region", func(m *Manifest) { m.Region = "" }, nil, "region is required"},
		{"tag instead of digest", func(m *Manifest) { m.Image = "reg/gryffen:latest" }, nil, "not pinned by digest"},
		{"secret as env var", func(m *Manifest) { m.EnvVars["DB_PASS"] = "x" }, nil, "DB_PASS is both an env var and a secret"},
		{"catalog secret as plain", func(m *Manifest) { m.EnvVars["ALPACA_API_KEY"] = "x" }, nil, "ALPACA_API_KEY is a secret"},
		{"plain as secret", func(m *Manifest) { m.Secrets["DB_HOST"] = SecretRef{Name: "n", Version: "1"} }, nil, "DB_HOST is plain"},
		{"incomplete ref", func(m *Manifest) { m.Secrets["DB_PASS"] = SecretRef{Name: "n"} }, nil, "incomplete reference"},
		{"secret value leaked", func(m *Manifest) { m.EnvVars["EMAIL_FROM"] = "pw-123@x.test" }, []string{"pw-123"}, "EMAIL_FROM carries a secret value"},
		{"bad env name", func(m *Manifest) { m.EnvVars["1BAD"] = "x" }, nil, "invalid env var name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testManifest()
			tt.mutate(m)
			err := m.Validate(tt.secrets)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidManifest))
			assert.Contains(t, err.Error(), tt.want)
			for _, s := range tt.secrets {
				assert.NotContains(t, err.Error(), s)
			}
		})
	}
}

func TestSecretsNeverRenderedIntoArgs(t *testing.T) {
	m := testManifest()
	joined := strings.Join(m.Args(), " ")
	assert.Contains(t, joined, "DB_PASS=gryffen-db-pass:3")
	assert.NotContains(t, joined, "SERVICE_ACCOUNT")
}

func TestLabelValue(t *testing.T) {
	assert.Equal(t, "abc-def", labelValue("ABC/def"))
	assert.Len(t, labelValue(strings.Repeat("a", 80)), 63)
}
