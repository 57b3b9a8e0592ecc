package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
	"gryffen/internal/security"
)

// ErrSecretExists is returned by SecretStore.Create for existing secrets.
var ErrSecretExists = errors.New("secret already exists")

// ErrSecretNotFound is returned by SecretStore.Latest for unknown secrets.
var ErrSecretNotFound = errors.New("secret not found")

// SecretVersion is one stored version of a secret.
type SecretVersion struct {
	Version string
	Payload []byte
}

// SecretStore is a versioned secret manager.
//
//go:generate mockgen -destination=mocks/mock_secret_store.go -package=mocks gryffen/internal/deploy SecretStore
type SecretStore interface {
	// Create makes the secret with payload as its first version.
	Create(ctx context.Context, name string, payload []byte) (string, error)
	Latest(ctx context.Context, name string) (SecretVersion, error)
	AddVersion(ctx context.Context, name string, payload []byte) (string, error)
}

// Provision actions.
const (
	ActionCreated = "created"
	ActionReused  = "reused"
	ActionUpdated = "updated"
)

// ProvisionResult reports what Provision did for one secret.
type ProvisionResult struct {
	Env     string
	Name    string
	Version string
	Action  string
}

// Ref is the Cloud Run secret reference, NAME:version.
func (r ProvisionResult) Ref() string {
	return r.Name + ":" + r.Version
}

// Provision makes the latest version of name hold payload. It creates the
// secret, or on "already exists" reuses the latest version when the payload
// is unchanged and adds a version otherwise.
func Provision(ctx context.Context, store SecretStore, name string, payload []byte) (ProvisionResult, error) {
	res := ProvisionResult{Name: name}

	version, err := store.Create(ctx, name, payload)
	if err == nil {
		res.Version, res.Action = version, ActionCreated
		return res, nil
	}
	if !errors.Is(err, ErrSecretExists) {
		return res, secretError("failed to create secret", name, err)
	}

	latest, err := store.Latest(ctx, name)
	switch {
	case err == nil && bytes.Equal(latest.Payload, payload):
		res.Version, res.Action = latest.Version, ActionReused
		return res, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return res, secretError("failed to read latest secret version", name, err)
	}

	version, err = store.AddVersion(ctx, name, payload)
	if err != nil {
		return res, secretError("failed to add secret version", name, err)
	}
	res.Version, res.Action = version, ActionUpdated
	return res, nil
}

// ProvisionAll provisions every secret, in name order.
func ProvisionAll(ctx context.Context, store SecretStore, prefix string, secrets map[string]config.Secret) ([]ProvisionResult, error) {
	envs := make([]string, 0, len(secrets))
	for env := range secrets {
		envs = append(envs, env)
	}
	sort.Strings(envs)

	results := make([]ProvisionResult, 0, len(envs))
	for _, env := range envs {
		res, err := Provision(ctx, store, SecretName(prefix, env), []byte(secrets[env].Reveal()))
		if err != nil {
			return results, err
		}
		res.Env = env
		results = append(results, res)
	}
	return results, nil
}

// SecretName maps an environment variable to its secret manager name:
// DB_PASS with prefix "gryffen-" becomes gryffen-db-pass.
func SecretName(prefix, env string) string {
	return prefix + strings.ToLower(strings.ReplaceAll(env, "_", "-"))
}

func secretError(msg, name string, cause error) error {
	return apperrors.NewAppError(apperrors.ErrCodeSecretStore, msg, cause).WithContext("secret", name)
}

// GCloudSecretStore stores secrets in Google Secret Manager through gcloud.
// Payloads are passed on stdin.
type GCloudSecretStore struct {
	Runner  CommandRunner
	Project string
	Binary  string
	Retry   RetryPolicy
	Log     logger.Logger
}

func (s *GCloudSecretStore) gcloud(args ...string) Command {
	name := s.Binary
	if name == "" {
		name = "gcloud"
	}
	if s.Project != "" {
		args = append(args, "--project", s.Project)
	}
	return Command{Name: name, Args: append(args, "--quiet")}
}

func (s *GCloudSecretStore) Create(ctx context.Context, name string, payload []byte) (string, error) {
	cmd := s.gcloud("secrets", "create", name, "--replication-policy=automatic", "--data-file=-")
	cmd.Stdin = payload
	_, err := runRetry(ctx, s.Runner, s.Retry, s.Log, cmd)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "already exists") {
			return "", fmt.Errorf("%w: %s", ErrSecretExists, name)
		}
		return "", err
	}
	return "1", nil
}

func (s *GCloudSecretStore) Latest(ctx context.Context, name string) (SecretVersion, error) {
	res, err := runRetry(ctx, s.Runner, s.Retry, s.Log,
		s.gcloud("secrets", "versions", "describe", "latest", "--secret", name, "--format=value(name)"))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isNotFound(cmdErr.Stderr) {
			return SecretVersion{}, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return SecretVersion{}, err
	}
	version := versionFromResource(res.Stdout)

	res, err = runRetry(ctx, s.Runner, s.Retry, s.Log,
		s.gcloud("secrets", "versions", "access", version, "--secret", name))
	if err != nil {
		return SecretVersion{}, err
	}
	return SecretVersion{Version: version, Payload: []byte(res.Stdout)}, nil
}

func (s *GCloudSecretStore) AddVersion(ctx context.Context, name string, payload []byte) (string, error) {
	cmd := s.gcloud("secrets", "versions", "add", name, "--data-file=-", "--format=value(name)")
	cmd.Stdin = payload
	res, err := runRetry(ctx, s.Runner, s.Retry, s.Log, cmd)
	if err != nil {
		return "", err
	}
	return versionFromResource(res.Stdout), nil
}

// versionFromResource takes the version number off
// projects/p/secrets/s/versions/3.
func versionFromResource(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// VaultSecretStore keeps secrets in a local encrypted vault, for dry runs
// and rehearsals.
type VaultSecretStore struct {
	Vault *security.Vault
}

func (s *VaultSecretStore) Create(ctx context.Context, name string, payload []byte) (string, error) {
	v, err := s.Vault.Create(name, payload)
	if err != nil {
		if errors.Is(err, security.ErrSecretExists) {
			return "", fmt.Errorf("%w: %s", ErrSecretExists, name)
		}
		return "", err
	}
	return strconv.Itoa(v.Version), nil
}

func (s *VaultSecretStore) Latest(ctx context.Context, name string) (SecretVersion, error) {
	v, err := s.Vault.Latest(name)
	if err != nil {
		if errors.Is(err, security.ErrSecretNotFound) {
			return SecretVersion{}, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return SecretVersion{}, err
	}
	return SecretVersion{Version: strconv.Itoa(v.Version), Payload: v.Payload}, nil
}

func (s *VaultSecretStore) AddVersion(ctx context.Context, name string, payload []byte) (string, error) {
	v, err := s.Vault.AddVersion(name, payload)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(v.Version), nil
}

// writeTempSecret writes payload to a private temporary file for tools
// that only take credentials from disk. The caller removes it.
func writeTempSecret(pattern string, payload []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Chmod(0600); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if _, err := f.Write(payload); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
