package deploy_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"gryffen/internal/config"
	"gryffen/internal/deploy"
	"gryffen/internal/deploy/mocks"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
	"gryffen/internal/security"
	"gryffen/internal/testutils"
)

const commit = "4be1c0ffee"

type fakeAuth struct {
	err      error
	loginErr error
	hosts    []string
}

func (a *fakeAuth) Authenticate(ctx context.Context) error { return a.err }

func (a *fakeAuth) LoginRegistry(ctx context.Context, host string) error {
	a.hosts = append(a.hosts, host)
	return a.loginErr
}

// registry and cloud are stateful fakes behind the gomock mocks, so that
// consecutive releases observe what earlier ones did.
type registry struct {
	pushed map[string]string
	builds int
}

type cloud struct {
	live    *deploy.ServiceState
	deploys []*deploy.Manifest
}

type fixture struct {
	pipeline *deploy.Pipeline
	builder  *mocks.MockImageBuilder
	platform *mocks.MockPlatform
	registry *registry
	cloud    *cloud
	suite    *testutils.TestSuite
	stdout   *bytes.Buffer
	output   string
	reg      *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	suite := testutils.NewTestSuite(t, nil)
	redact := logger.NewRedactHook()
	suite.Logger.AddHook(redact)

	vault, err := security.NewVaultWithStorage(security.NewMemoryRecordStore(), make([]byte, security.KeyLength))
	require.NoError(t, err)

	f := &fixture{
		builder:  mocks.NewMockImageBuilder(ctrl),
		platform: mocks.NewMockPlatform(ctrl),
		registry: &registry{pushed: map[string]string{}},
		cloud:    &cloud{},
		suite:    suite,
		stdout:   &bytes.Buffer{},
		output:   filepath.Join(suite.TempDir, "github_output"),
		reg:      prometheus.NewRegistry(),
	}

	settings := &deploy.Settings{
		Project:              "gryffen-prod",
		Region:               "us-central1",
		Service:              "gryffen-api",
		Registry:             "us-docker.pkg.dev/gryffen-prod/images",
		Image:                "gryffen",
		BuildContext:         suite.CreateTempDir("src"),
		Dockerfile:           "Dockerfile",
		Target:               "prod",
		AllowUnauthenticated: true,
		SecretPrefix:         "gryffen-",
		SecretStore:          deploy.StoreVault,
		LockKey:              "gryffen:deploy",
		LockTTL:              time.Minute,
	}
	f.pipeline = &deploy.Pipeline{
		Settings:     settings,
		Builder:      f.builder,
		Auth:         &fakeAuth{},
		Secrets:      &deploy.VaultSecretStore{Vault: vault},
		Platform:     f.platform,
		Locker:       deploy.NewMemoryLocker(),
		Log:          suite.Logger,
		Metrics:      deploy.NewMetrics(f.reg),
		Redact:       redact,
		Stdout:       f.stdout,
		GitHubOutput: f.output,
	}

	f.builder.EXPECT().Digest(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ref string) (string, error) {
			if d, ok := f.registry.pushed[ref]; ok {
				return d, nil
			}
			return "", fmt.Errorf("%w: %s", deploy.ErrImageNotFound, ref)
		}).AnyTimes()
	f.platform.EXPECT().Describe(gomock.Any(), "gryffen-api", "us-central1").DoAndReturn(
		func(ctx context.Context, service, region string) (*deploy.ServiceState, error) {
			if f.cloud.live == nil {
				return nil, fmt.Errorf("%w: %s", deploy.ErrServiceNotFound, service)
			}
			return f.cloud.live, nil
		}).AnyTimes()
	return f
}

func (f *fixture) expectBuild() {
	f.builder.EXPECT().Build(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req deploy.BuildRequest) error {
			f.registry.builds++
			return nil
		})
	f.builder.EXPECT().Push(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, ref string) error {
			f.registry.pushed[ref] = "sha256:5eed"
			return nil
		})
}

func (f *fixture) expectDeploy() {
	f.platform.EXPECT().Deploy(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, m *deploy.Manifest) (string, error) {
			f.cloud.deploys = append(f.cloud.deploys, m)
			f.cloud.live = &deploy.ServiceState{
				URL:    "https://gryffen-api-xyz.a.run.app",
				Image:  m.Image,
				Labels: m.Labels,
			}
			return f.cloud.live.URL, nil
		})
}

func release(f *fixture, env map[string]string) (*deploy.Report, error) {
	return f.pipeline.Release(context.Background(), deploy.ReleaseRequest{
		Commit: commit,
		Lookup: config.MapLookup(env),
	})
}

func statuses(r *deploy.Report) map[string]deploy.StageStatus {
	out := map[string]deploy.StageStatus{}
	for _, s := range r.Stages {
		out[s.Name] = s.Status
	}
	return out
}

func TestReleaseTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	f.expectDeploy()
	env := testutils.ValidEnv()

	first, err := release(f, env)
	require.NoError(t, err)
	second, err := release(f, env)
	require.NoError(t, err)

	assert.Equal(t, "sha256:5eed", first.ImageDigest)
	assert.Equal(t, first.ImageDigest, second.ImageDigest)
	assert.Equal(t, first.ConfigDigest, second.ConfigDigest)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.False(t, first.DeploySkipped)
	assert.True(t, second.DeploySkipped)
	assert.Equal(t, first.URL, second.URL)

	assert.Equal(t, 1, f.registry.builds)
	assert.Len(t, f.cloud.deploys, 1)
	assert.Equal(t, deploy.StageSkipped, second.Stage(deploy.StageBuild).Status)
	assert.Equal(t, deploy.StageSkipped, second.Stage(deploy.StageDeploy).Status)
	assert.Equal(t, deploy.StageSucceeded, second.Stage(deploy.StagePublish).Status)

	for _, s := range first.Secrets {
		assert.Equal(t, deploy.ActionCreated, s.Action, s.Env)
	}
	for _, s := range second.Secrets {
		assert.Equal(t, deploy.ActionReused, s.Action, s.Env)
		assert.Equal(t, "1", s.Version)
	}

	assert.Equal(t, float64(1), counterValue(t, f.reg, "gryffen_pipeline_releases_total", "outcome", "unchanged"))
	assert.Equal(t, float64(1), counterValue(t, f.reg, "gryffen_pipeline_releases_total", "outcome", "deployed"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestReleaseSecretsStayOutOfManifestArgsAndLogs(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	f.expectDeploy()
	env := testutils.With(testutils.ValidEnv(), "SERVICE_ACCOUNT_KEY", "sa-key-material-42")

	report, err := release(f, env)
	require.NoError(t, err)
	require.Len(t, f.cloud.deploys, 1)
	m := f.cloud.deploys[0]

	args := strings.Join(m.Args(), " ")
	for name, value := range env {
		v, _ := config.Lookup(name)
		if v.Kind != config.KindSecret {
			continue
		}
		assert.NotContains(t, args, value, name)
		assert.NotContains(t, f.suite.Logs.String(), value, name)
		for k, ev := range m.EnvVars {
			assert.NotContains(t, ev, value, k)
		}
	}
	assert.Contains(t, args, "DB_PASS=gryffen-db-pass:1")
	assert.NotContains(t, args, "SERVICE_ACCOUNT_KEY", "deploy-only secrets are not injected")
	for _, s := range report.Secrets {
		assert.NotEqual(t, "SERVICE_ACCOUNT_KEY", s.Env)
	}
}

func TestReleasePublishesURL(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	f.expectDeploy()

	_, err := release(f, testutils.ValidEnv())
	require.NoError(t, err)

	assert.Equal(t, "https://gryffen-api-xyz.a.run.app\n", f.stdout.String())
	data, err := os.ReadFile(f.output)
	require.NoError(t, err)
	assert.Equal(t, "url=https://gryffen-api-xyz.a.run.app\n", string(data))
}

func TestReleaseBuildFailureStopsEverything(t *testing.T) {
	f := newFixture(t)
	f.builder.EXPECT().Build(gomock.Any(), gomock.Any()).
		Return(apperrors.Newf(apperrors.ErrCodeBuildFailed, "image build failed"))

	report, err := release(f, testutils.ValidEnv())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBuildFailed))
	assert.Empty(t, f.registry.pushed, "nothing is pushed")
	assert.Empty(t, f.cloud.deploys)

	assert.Equal(t, map[string]deploy.StageStatus{
		deploy.StageConfig:   deploy.StageSucceeded,
		deploy.StageBuild:    deploy.StageFailed,
		deploy.StageLock:     deploy.StageSkipped,
		deploy.StageAuth:     deploy.StageSkipped,
		deploy.StageSecrets:  deploy.StageSkipped,
		deploy.StageManifest: deploy.StageSkipped,
		deploy.StageDeploy:   deploy.StageSkipped,
		deploy.StagePublish:  deploy.StageSkipped,
	}, statuses(report))
}

func TestReleaseLogsInToRegistryHost(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	f.expectDeploy()
	auth := &fakeAuth{}
	f.pipeline.Auth = auth

	_, err := release(f, testutils.ValidEnv())
	require.NoError(t, err)
	assert.Equal(t, []string{"us-docker.pkg.dev"}, auth.hosts)
}

func TestReleaseRegistryRefusalStopsEverything(t *testing.T) {
	f := newFixture(t)
	f.pipeline.Auth = &fakeAuth{loginErr: apperrors.Newf(apperrors.ErrCodeAuthFailed, "unauthorized")}

	report, err := release(f, testutils.ValidEnv())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthFailed))
	assert.Equal(t, 0, f.registry.builds)
	assert.Empty(t, f.cloud.deploys)
	assert.Equal(t, deploy.StageFailed, report.Stage(deploy.StageBuild).Status)
	assert.Equal(t, deploy.StageSkipped, report.Stage(deploy.StageLock).Status)
	assert.Equal(t, deploy.StageSkipped, report.Stage(deploy.StageDeploy).Status)
}

func TestReleaseConfigFailure(t *testing.T) {
	f := newFixture(t)

	report, err := release(f, testutils.Without(testutils.ValidEnv(), "GRYFFEN_SECRET_KEY"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConfigMissing))
	assert.Equal(t, deploy.StageFailed, report.Stage(deploy.StageConfig).Status)
	assert.Equal(t, deploy.StageSkipped, report.Stage(deploy.StageBuild).Status)
}

func TestReleaseFailsFastWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()

	held, err := f.pipeline.Locker.Acquire(context.Background(), "gryffen:deploy", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	report, err := release(f, testutils.ValidEnv())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeployLocked))
	assert.Equal(t, apperrors.ExitTempFail, apperrors.ExitCode(err))
	assert.Equal(t, deploy.StageFailed, report.Stage(deploy.StageLock).Status)
	assert.Equal(t, deploy.StageSkipped, report.Stage(deploy.StageSecrets).Status)
	assert.Empty(t, f.cloud.deploys)
}

func TestReleaseReleasesLockAfterFailure(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	f.pipeline.Auth = &fakeAuth{err: apperrors.Newf(apperrors.ErrCodeAuthFailed, "no credentials")}

	_, err := release(f, testutils.ValidEnv())
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthFailed))

	l, err := f.pipeline.Locker.Acquire(context.Background(), "gryffen:deploy", time.Minute)
	require.NoError(t, err, "the lock must be released when a later stage fails")
	require.NoError(t, l.Release(context.Background()))
}

func TestReleaseDeployRejectedIsNotRolledBack(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	previous := &deploy.ServiceState{
		URL:    "https://gryffen-api-xyz.a.run.app",
		Image:  "us-docker.pkg.dev/gryffen-prod/images/gryffen@sha256:01d",
		Labels: map[string]string{deploy.LabelConfig: "old"},
	}
	f.cloud.live = previous
	f.platform.EXPECT().Deploy(gomock.Any(), gomock.Any()).Return("",
		apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDeployRejected, "deploy rejected",
			"the previous revision is still serving", errors.New("container failed to start"))).Times(1)

	report, err := release(f, testutils.ValidEnv())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeDeployRejected))
	assert.Same(t, previous, f.cloud.live, "live service is untouched")
	assert.Equal(t, deploy.StageFailed, report.Stage(deploy.StageDeploy).Status)
	assert.Equal(t, deploy.StageSkipped, report.Stage(deploy.StagePublish).Status)
	assert.Empty(t, f.stdout.String())
}

func TestReleaseUpdatesChangedSecret(t *testing.T) {
	f := newFixture(t)
	f.expectBuild()
	f.expectDeploy()
	f.expectDeploy()

	_, err := release(f, testutils.ValidEnv())
	require.NoError(t, err)
	report, err := release(f, testutils.With(testutils.ValidEnv(), "DB_PASS", "rotated-password"))
	require.NoError(t, err)

	assert.False(t, report.DeploySkipped)
	require.Len(t, f.cloud.deploys, 2)
	assert.Equal(t, deploy.SecretRef{Name: "gryffen-db-pass", Version: "2"}, f.cloud.deploys[1].Secrets["DB_PASS"])
	assert.NotEqual(t, f.cloud.deploys[0].Labels[deploy.LabelConfig], f.cloud.deploys[1].Labels[deploy.LabelConfig])
}

func TestPlanHasNoSideEffects(t *testing.T) {
	f := newFixture(t)

	plan, err := f.pipeline.Plan(context.Background(), deploy.ReleaseRequest{
		Commit: commit,
		Lookup: config.MapLookup(testutils.ValidEnv()),
	})
	require.NoError(t, err)

	assert.False(t, plan.ImageBuilt)
	assert.True(t, plan.WouldDeploy)
	assert.Empty(t, plan.Problems)
	assert.Equal(t, "us-docker.pkg.dev/gryffen-prod/images/gryffen:"+commit, plan.Manifest.Image)
	for _, s := range plan.Secrets {
		assert.Equal(t, deploy.ActionCreated, s.Action, s.Env)
	}
	assert.Equal(t, 0, f.registry.builds)
	assert.Empty(t, f.cloud.deploys)

	names, err := f.pipeline.Secrets.(*deploy.VaultSecretStore).Vault.Names()
	require.NoError(t, err)
	assert.Empty(t, names, "plan must not write secrets")
}

func TestProvisionSecrets(t *testing.T) {
	f := newFixture(t)
	results, err := f.pipeline.ProvisionSecrets(context.Background(), config.MapLookup(testutils.ValidEnv()))
	require.NoError(t, err)

	var envs []string
	for _, r := range results {
		envs = append(envs, r.Env)
	}
	assert.Equal(t, []string{
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "DB_PASS", "FINNHUB_API_KEY", "GRYFFEN_SECRET_KEY", "TD_API_CONSUMER_KEY",
	}, envs)
}

func TestProvisionWithMockStore(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		expect func(s *mocks.MockSecretStore)
		want   deploy.ProvisionResult
		code   apperrors.ErrorCode
	}{
		{
			name: "created",
			expect: func(s *mocks.MockSecretStore) {
				s.EXPECT().Create(ctx, "gryffen-db-pass", []byte("pw")).Return("1", nil)
			},
			want: deploy.ProvisionResult{Name: "gryffen-db-pass", Version: "1", Action: deploy.ActionCreated},
		},
		{
			name: "exists and unchanged",
			expect: func(s *mocks.MockSecretStore) {
				s.EXPECT().Create(ctx, "gryffen-db-pass", []byte("pw")).Return("", deploy.ErrSecretExists)
				s.EXPECT().Latest(ctx, "gryffen-db-pass").Return(deploy.SecretVersion{Version: "7", Payload: []byte("pw")}, nil)
			},
			want: deploy.ProvisionResult{Name: "gryffen-db-pass", Version: "7", Action: deploy.ActionReused},
		},
		{
			name: "exists and changed",
			expect: func(s *mocks.MockSecretStore) {
				s.EXPECT().Create(ctx, "gryffen-db-pass", []byte("pw")).Return("", deploy.ErrSecretExists)
				s.EXPECT().Latest(ctx, "gryffen-db-pass").Return(deploy.SecretVersion{Version: "7", Payload: []byte("old")}, nil)
				s.EXPECT().AddVersion(ctx, "gryffen-db-pass", []byte("pw")).Return("8", nil)
			},
			want: deploy.ProvisionResult{Name: "gryffen-db-pass", Version: "8", Action: deploy.ActionUpdated},
		},
		{
			name: "exists without versions",
			expect: func(s *mocks.MockSecretStore) {
				s.EXPECT().Create(ctx, "gryffen-db-pass", []byte("pw")).Return("", deploy.ErrSecretExists)
				s.EXPECT().Latest(ctx, "gryffen-db-pass").Return(deploy.SecretVersion{}, deploy.ErrSecretNotFound)
				s.EXPECT().AddVersion(ctx, "gryffen-db-pass", []byte("pw")).Return("1", nil)
			},
			want: deploy.ProvisionResult{Name: "gryffen-db-pass", Version: "1", Action: deploy.ActionUpdated},
		},
		{
			name: "store failure",
			expect: func(s *mocks.MockSecretStore) {
				s.EXPECT().Create(ctx, "gryffen-db-pass", []byte("pw")).Return("", errors.New("quota exceeded"))
			},
			want: deploy.ProvisionResult{Name: "gryffen-db-pass"},
			code: apperrors.ErrCodeSecretStore,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mocks.NewMockSecretStore(gomock.NewController(t))
			tt.expect(store)

			got, err := deploy.Provision(ctx, store, "gryffen-db-pass", []byte("pw"))
			if tt.code != "" {
				assert.True(t, apperrors.HasCode(err, tt.code))
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
