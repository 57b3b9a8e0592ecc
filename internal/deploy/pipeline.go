package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// StageStatus is the state of one pipeline stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// Stage names in execution order.
const (
	StageConfig   = "config"
	StageBuild    = "build"
	StageLock     = "lock"
	StageAuth     = "authenticate"
	StageSecrets  = "secrets"
	StageManifest = "manifest"
	StageDeploy   = "deploy"
	StagePublish  = "publish"
)

// Stages lists every stage in order.
var Stages = []string{
	StageConfig, StageBuild, StageLock, StageAuth, StageSecrets, StageManifest, StageDeploy, StagePublish,
}

// StageResult records one stage of a run.
type StageResult struct {
	Name     string      `json:"name"`
	Status   StageStatus `json:"status"`
	Started  time.Time   `json:"started,omitempty"`
	Finished time.Time   `json:"finished,omitempty"`
	Message  string      `json:"message,omitempty"`
	Err      error       `json:"-"`
}

func (r StageResult) Duration() time.Duration {
	if r.Started.IsZero() || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Report is the outcome of a release.
type Report struct {
	RunID         string            `json:"run_id"`
	Commit        string            `json:"commit"`
	Image         string            `json:"image"`
	ImageDigest   string            `json:"image_digest"`
	ConfigDigest  string            `json:"config_digest"`
	URL           string            `json:"url"`
	DeploySkipped bool              `json:"deploy_skipped"`
	Secrets       []ProvisionResult `json:"secrets"`
	Stages        []StageResult     `json:"stages"`
}

// Stage returns the result of the named stage.
func (r *Report) Stage(name string) StageResult {
	for _, s := range r.Stages {
		if s.Name == name {
			return s
		}
	}
	return StageResult{Name: name}
}

// Pipeline builds the image and deploys it as strictly ordered stages. A
// failed stage aborts every later one. A failed deploy is reported and
// never rolled back.
type Pipeline struct {
	Settings *Settings
	Builder  ImageBuilder
	Auth     Authenticator
	Secrets  SecretStore
	Platform Platform
	Locker   Locker
	Log      logger.Logger
	Metrics  *Metrics
	// Redact, when set, learns every secret value before anything is logged.
	Redact *logger.RedactHook
	// Stdout receives the service URL.
	Stdout io.Writer
	// GitHubOutput is the $GITHUB_OUTPUT file, if any.
	GitHubOutput string
}

// ReleaseRequest selects what to release.
type ReleaseRequest struct {
	Commit string
	// Lookup resolves the application environment. Settings.EnvFiles sit
	// below it.
	Lookup config.LookupFunc
}

type release struct {
	p      *Pipeline
	report *Report
	log    logger.Logger
	failed string
}

// Release runs every stage for req.Commit.
func (p *Pipeline) Release(ctx context.Context, req ReleaseRequest) (*Report, error) {
	if req.Commit == "" {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput, "commit is required")
	}
	if p.Log == nil {
		p.Log = logger.Discard()
	}
	if p.Metrics == nil {
		p.Metrics = NewMetrics(nil)
	}

	report := &Report{RunID: uuid.NewString(), Commit: req.Commit}
	for _, name := range Stages {
		report.Stages = append(report.Stages, StageResult{Name: name, Status: StagePending})
	}
	r := &release{
		p:      p,
		report: report,
		log:    p.Log.WithFields(map[string]interface{}{"run_id": report.RunID, "commit": req.Commit}),
	}
	r.log.Info("Starting release", "service", p.Settings.Service, "region", p.Settings.Region)

	err := r.run(ctx, req)
	outcome := "deployed"
	switch {
	case err != nil:
		outcome = "failed"
		r.log.Error("Release failed", "stage", r.failed, "error", err)
	case report.DeploySkipped:
		outcome = "unchanged"
		r.log.Info("Release unchanged, deploy skipped", "url", report.URL)
	default:
		r.log.Info("Release deployed", "url", report.URL)
	}
	p.Metrics.releases.WithLabelValues(outcome).Inc()
	return report, err
}

func (r *release) run(ctx context.Context, req ReleaseRequest) error {
	p := r.p
	var (
		plain        map[string]string
		secrets      map[string]config.Secret
		secretValues []string
		manifest     *Manifest
	)

	err := r.stage(StageConfig, func() (bool, string, error) {
		lookup, err := AppLookup(p.Settings, req.Lookup)
		if err != nil {
			return false, "", apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to read env files", err)
		}
		cfg, err := config.Load(config.Options{Lookup: lookup})
		if err != nil {
			return false, "", err
		}
		secretValues = cfg.SecretValues()
		if p.Redact != nil {
			p.Redact.Add(secretValues...)
		}
		plain, secrets = config.Split(lookup)
		for name := range DeployOnly {
			delete(secrets, name)
		}
		return false, fmt.Sprintf("%d plain, %d secret", len(plain), len(secrets)), nil
	})
	if err != nil {
		return err
	}

	ref := p.Settings.ImageRef(req.Commit)
	err = r.stage(StageBuild, func() (bool, string, error) {
		if err := p.Auth.LoginRegistry(ctx, p.Settings.RegistryHost()); err != nil {
			return false, "", err
		}
		digest, err := p.Builder.Digest(ctx, ref)
		if err == nil {
			r.report.ImageDigest = digest
			return true, "image already in registry", nil
		}
		if !errors.Is(err, ErrImageNotFound) {
			return false, "", err
		}

		buildCtx := p.Settings.BuildContext
		if err := p.Builder.Build(ctx, BuildRequest{
			Context:    buildCtx,
			Dockerfile: filepath.Join(buildCtx, p.Settings.Dockerfile),
			Target:     p.Settings.Target,
			Tags:       []string{ref},
			Labels:     map[string]string{"org.opencontainers.image.revision": req.Commit},
		}); err != nil {
			return false, "", err
		}
		if err := p.Builder.Push(ctx, ref); err != nil {
			return false, "", err
		}
		digest, err = p.Builder.Digest(ctx, ref)
		if err != nil {
			return false, "", apperrors.WrapError(err, apperrors.ErrCodePushFailed, "pushed image has no digest")
		}
		r.report.ImageDigest = digest
		return false, "pushed " + ref, nil
	})
	if err != nil {
		return err
	}
	r.report.Image = p.Settings.ImageRepository() + "@" + r.report.ImageDigest

	var lock Lock
	err = r.stage(StageLock, func() (bool, string, error) {
		l, err := p.Locker.Acquire(ctx, p.Settings.LockKey, p.Settings.LockTTL)
		if err != nil {
			return false, "", err
		}
		lock = l
		return false, "holding " + p.Settings.LockKey, nil
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("Failed to release deploy lock", "error", err)
		}
	}()

	err = r.stage(StageAuth, func() (bool, string, error) {
		return false, "", p.Auth.Authenticate(ctx)
	})
	if err != nil {
		return err
	}

	err = r.stage(StageSecrets, func() (bool, string, error) {
		results, err := ProvisionAll(ctx, p.Secrets, p.Settings.SecretPrefix, secrets)
		r.report.Secrets = results
		if err != nil {
			return false, "", err
		}
		counts := map[string]int{}
		for _, res := range results {
			counts[res.Action]++
			r.log.Info("Secret provisioned", "env", res.Env, "secret", res.Ref(), "action", res.Action)
		}
		return false, fmt.Sprintf("%d created, %d updated, %d reused",
			counts[ActionCreated], counts[ActionUpdated], counts[ActionReused]), nil
	})
	if err != nil {
		return err
	}

	err = r.stage(StageManifest, func() (bool, string, error) {
		manifest = RenderManifest(ManifestInput{
			Settings:    p.Settings,
			ImageDigest: r.report.ImageDigest,
			Commit:      req.Commit,
			Plain:       plain,
			Secrets:     r.report.Secrets,
		})
		if err := manifest.Validate(secretValues); err != nil {
			return false, "", err
		}
		r.report.ConfigDigest = manifest.ConfigDigest()
		return false, "config " + r.report.ConfigDigest, nil
	})
	if err != nil {
		return err
	}

	err = r.stage(StageDeploy, func() (bool, string, error) {
		live, err := p.Platform.Describe(ctx, manifest.Service, manifest.Region)
		if err != nil && !errors.Is(err, ErrServiceNotFound) {
			return false, "", err
		}
		if live.Unchanged(manifest) {
			r.report.URL = live.URL
			r.report.DeploySkipped = true
			return true, "live service already runs this image and config", nil
		}
		url, err := p.Platform.Deploy(ctx, manifest)
		if err != nil {
			return false, "", err
		}
		r.report.URL = url
		return false, "deployed " + manifest.Image, nil
	})
	if err != nil {
		return err
	}

	return r.stage(StagePublish, func() (bool, string, error) {
		return false, "", PublishURL(r.p.Stdout, r.p.GitHubOutput, r.report.URL)
	})
}

// stage runs fn as the named stage. fn reports whether the stage was
// skipped, a summary, and its error. After a failure every later stage is
// marked skipped.
func (r *release) stage(name string, fn func() (bool, string, error)) error {
	idx := -1
	for i := range r.report.Stages {
		if r.report.Stages[i].Name == name {
			idx = i
		}
	}
	res := &r.report.Stages[idx]
	res.Status = StageRunning
	res.Started = time.Now()
	r.log.Info("Stage started", "stage", name)

	skipped, msg, err := fn()
	res.Finished = time.Now()
	res.Message = msg

	switch {
	case err != nil:
		res.Status = StageFailed
		res.Err = err
		res.Message = err.Error()
		r.failed = name
		for i := idx + 1; i < len(r.report.Stages); i++ {
			r.report.Stages[i].Status = StageSkipped
			r.report.Stages[i].Message = "not run: " + name + " failed"
		}
	case skipped:
		res.Status = StageSkipped
	default:
		res.Status = StageSucceeded
	}
	r.p.Metrics.observeStage(*res)
	r.log.Info("Stage finished", "stage", name, "status", string(res.Status),
		"duration", res.Duration().Round(time.Millisecond).String(), "message", res.Message)
	return err
}

// AppLookup layers the settings' env files below lookup, which defaults to
// the process environment.
func AppLookup(s *Settings, lookup config.LookupFunc) (config.LookupFunc, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	fileValues, err := config.ReadEnvFiles(false, s.EnvFiles...)
	if err != nil {
		return nil, err
	}
	return config.Layered(lookup, config.MapLookup(fileValues)), nil
}

// PlannedSecret is a secret as a release would provision it.
type PlannedSecret struct {
	Env     string
	Name    string
	Version string
	Action  string
}

// Plan is what a release would do, computed without side effects.
type Plan struct {
	Manifest    *Manifest
	ImageBuilt  bool
	Secrets     []PlannedSecret
	Live        *ServiceState
	WouldDeploy bool
	Problems    []string
}

// Plan renders the release of commit without building, writing secrets or
// deploying. It assumes credentials are already active.
func (p *Pipeline) Plan(ctx context.Context, req ReleaseRequest) (*Plan, error) {
	lookup, err := AppLookup(p.Settings, req.Lookup)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to read env files", err)
	}
	cfg, err := config.Load(config.Options{Lookup: lookup})
	if err != nil {
		return nil, err
	}
	if p.Redact != nil {
		p.Redact.Add(cfg.SecretValues()...)
	}
	plain, secrets := config.Split(lookup)
	for name := range DeployOnly {
		delete(secrets, name)
	}

	plan := &Plan{}
	ref := p.Settings.ImageRef(req.Commit)
	in := ManifestInput{Settings: p.Settings, Commit: req.Commit, Plain: plain}
	digest, err := p.Builder.Digest(ctx, ref)
	switch {
	case err == nil:
		plan.ImageBuilt = true
		in.ImageDigest = digest
	case errors.Is(err, ErrImageNotFound):
		in.Image = ref
	default:
		return nil, err
	}

	for _, env := range sortedKeys(secrets) {
		ps := PlannedSecret{Env: env, Name: SecretName(p.Settings.SecretPrefix, env)}
		latest, err := p.Secrets.Latest(ctx, ps.Name)
		switch {
		case errors.Is(err, ErrSecretNotFound):
			ps.Action, ps.Version = ActionCreated, "1"
		case err != nil:
			return nil, secretError("failed to read latest secret version", ps.Name, err)
		case bytes.Equal(latest.Payload, []byte(secrets[env].Reveal())):
			ps.Action, ps.Version = ActionReused, latest.Version
		default:
			ps.Action, ps.Version = ActionUpdated, "next"
		}
		plan.Secrets = append(plan.Secrets, ps)
		in.Secrets = append(in.Secrets, ProvisionResult{Env: env, Name: ps.Name, Version: ps.Version, Action: ps.Action})
	}

	plan.Manifest = RenderManifest(in)
	if plan.ImageBuilt {
		plan.Problems = append(plan.Manifest.targetProblems(), plan.Manifest.RoutingProblems(cfg.SecretValues())...)
	} else {
		plan.Problems = plan.Manifest.RoutingProblems(cfg.SecretValues())
	}

	live, err := p.Platform.Describe(ctx, plan.Manifest.Service, plan.Manifest.Region)
	if err != nil && !errors.Is(err, ErrServiceNotFound) {
		return nil, err
	}
	plan.Live = live
	plan.WouldDeploy = !plan.ImageBuilt || !live.Unchanged(plan.Manifest)
	return plan, nil
}

// ProvisionSecrets runs only the secret stage, for `deploy secrets`.
func (p *Pipeline) ProvisionSecrets(ctx context.Context, lookup config.LookupFunc) ([]ProvisionResult, error) {
	layered, err := AppLookup(p.Settings, lookup)
	if err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to read env files", err)
	}
	cfg, err := config.Load(config.Options{Lookup: layered})
	if err != nil {
		return nil, err
	}
	if p.Redact != nil {
		p.Redact.Add(cfg.SecretValues()...)
	}
	_, secrets := config.Split(layered)
	for name := range DeployOnly {
		delete(secrets, name)
	}
	return ProvisionAll(ctx, p.Secrets, p.Settings.SecretPrefix, secrets)
}
