package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/logger"
)

// ErrServiceNotFound is returned by Platform.Describe before the first deploy.
var ErrServiceNotFound = errors.New("service not found")

// ServiceState is the live state of a deployed service.
type ServiceState struct {
	URL    string
	Image  string
	Labels map[string]string
}

// Unchanged reports whether the live service already runs m.
func (s *ServiceState) Unchanged(m *Manifest) bool {
	return s != nil && s.Image == m.Image && s.Labels[LabelConfig] == m.Labels[LabelConfig]
}

// Platform deploys manifests.
//
//go:generate mockgen -destination=mocks/mock_platform.go -package=mocks gryffen/internal/deploy Platform
type Platform interface {
	Describe(ctx context.Context, service, region string) (*ServiceState, error)
	// Deploy rolls out m and returns the service URL. A failed deploy
	// leaves the previous revision serving.
	Deploy(ctx context.Context, m *Manifest) (string, error)
}

// CloudRunPlatform deploys to Cloud Run with gcloud.
type CloudRunPlatform struct {
	Runner  CommandRunner
	Project string
	Binary  string
	Retry   RetryPolicy
	Log     logger.Logger
}

func (p *CloudRunPlatform) binary() string {
	if p.Binary == "" {
		return "gcloud"
	}
	return p.Binary
}

// cloudRunService is the part of `gcloud run services describe --format json`
// the pipeline reads.
type cloudRunService struct {
	Metadata struct {
		Labels map[string]string `json:"labels"`
	} `json:"metadata"`
	Spec struct {
		Template struct {
			Spec struct {
				Containers []struct {
					Image string `json:"image"`
				} `json:"containers"`
			} `json:"spec"`
		} `json:"template"`
	} `json:"spec"`
	Status struct {
		URL string `json:"url"`
	} `json:"status"`
}

func (p *CloudRunPlatform) Describe(ctx context.Context, service, region string) (*ServiceState, error) {
	args := []string{"run", "services", "describe", service, "--region", region, "--format", "json"}
	if p.Project != "" {
		args = append(args, "--project", p.Project)
	}
	res, err := runRetry(ctx, p.Runner, p.Retry, p.Log, Command{Name: p.binary(), Args: args})
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && isNotFound(cmdErr.Stderr) {
			return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, service)
		}
		return nil, apperrors.NewAppError(apperrors.ErrCodeDeployRejected, "failed to describe service", err).
			WithContext("service", service)
	}
	return parseServiceState([]byte(res.Stdout))
}

func parseServiceState(data []byte) (*ServiceState, error) {
	var svc cloudRunService
	if err := json.Unmarshal(data, &svc); err != nil {
		return nil, fmt.Errorf("failed to parse service description: %w", err)
	}
	state := &ServiceState{URL: svc.Status.URL, Labels: svc.Metadata.Labels}
	if c := svc.Spec.Template.Spec.Containers; len(c) > 0 {
		state.Image = c[0].Image
	}
	if state.Labels == nil {
		state.Labels = map[string]string{}
	}
	return state, nil
}

func (p *CloudRunPlatform) Deploy(ctx context.Context, m *Manifest) (string, error) {
	args := m.Args()
	args = append(args, "--format", "json")
	res, err := p.Runner.Run(ctx, Command{Name: p.binary(), Args: args})
	if err != nil {
		return "", apperrors.NewAppErrorWithDetails(apperrors.ErrCodeDeployRejected, "deploy rejected",
			"the previous revision is still serving; inspect it with `gcloud run revisions list --service "+
				m.Service+" --region "+m.Region+"` and fix forward", err).
			WithContext("service", m.Service)
	}
	state, err := parseServiceState([]byte(res.Stdout))
	if err != nil || state.URL == "" {
		state, err = p.Describe(ctx, m.Service, m.Region)
		if err != nil {
			return "", err
		}
	}
	return state.URL, nil
}
