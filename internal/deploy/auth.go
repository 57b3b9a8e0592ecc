package deploy

import (
	"context"
	"os"
	"strings"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// Authenticator obtains short-lived cloud credentials for the deploy stage
// and hands them to docker for the image registry.
type Authenticator interface {
	Authenticate(ctx context.Context) error
	LoginRegistry(ctx context.Context, host string) error
}

// GCloudAuthenticator logs gcloud in. It prefers a workload identity
// federation credential file; a service account key is the fallback for
// runs outside CI.
type GCloudAuthenticator struct {
	Runner CommandRunner
	Binary string
	// CredentialFile is the external account file written by the CI
	// identity step. Defaults to GOOGLE_APPLICATION_CREDENTIALS.
	CredentialFile    string
	ServiceAccountKey config.Secret
	Project           string
	Log               logger.Logger
}

func (a *GCloudAuthenticator) cmd(args ...string) Command {
	name := a.Binary
	if name == "" {
		name = "gcloud"
	}
	return Command{Name: name, Args: args}
}

func (a *GCloudAuthenticator) Authenticate(ctx context.Context) error {
	credFile := a.CredentialFile
	if credFile == "" {
		credFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}

	switch {
	case credFile != "":
		if _, err := a.Runner.Run(ctx, a.cmd("auth", "login", "--cred-file="+credFile, "--quiet")); err != nil {
			return authError("federated login failed", err)
		}
	case a.ServiceAccountKey.IsSet():
		path, err := writeTempSecret("gryffen-sa-*.json", []byte(a.ServiceAccountKey.Reveal()))
		if err != nil {
			return authError("failed to stage service account key", err)
		}
		defer os.Remove(path)
		if _, err := a.Runner.Run(ctx, a.cmd("auth", "activate-service-account", "--key-file="+path, "--quiet")); err != nil {
			return authError("service account login failed", err)
		}
	default:
		return apperrors.Newf(apperrors.ErrCodeAuthFailed,
			"no credentials: set GOOGLE_APPLICATION_CREDENTIALS or SERVICE_ACCOUNT_KEY")
	}

	if a.Project != "" {
		if _, err := a.Runner.Run(ctx, a.cmd("config", "set", "project", a.Project, "--quiet")); err != nil {
			return authError("failed to select project", err)
		}
	}

	res, err := a.Runner.Run(ctx, a.cmd("auth", "print-access-token", "--quiet"))
	if err != nil {
		return authError("credentials do not yield an access token", err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		return apperrors.Newf(apperrors.ErrCodeAuthFailed, "empty access token")
	}
	return nil
}

// LoginRegistry authenticates and registers gcloud as the docker credential
// helper for host.
func (a *GCloudAuthenticator) LoginRegistry(ctx context.Context, host string) error {
	if host == "" {
		return apperrors.Newf(apperrors.ErrCodeAuthFailed, "no registry host to log in to")
	}
	if err := a.Authenticate(ctx); err != nil {
		return err
	}
	if _, err := a.Runner.Run(ctx, a.cmd("auth", "configure-docker", host, "--quiet")); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeAuthFailed, "failed to configure docker for the registry", err).
			WithContext("registry", host)
	}
	return nil
}

func authError(msg string, cause error) error {
	return apperrors.NewAppError(apperrors.ErrCodeAuthFailed, msg, cause)
}
