package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gryffen/internal/config"
	apperrors "gryffen/internal/errors"
)

// Service labels written on every deploy.
const (
	LabelCommit = "gryffen-commit"
	LabelConfig = "gryffen-config"
)

// ContainerPort is the port the server listens on inside the container.
const ContainerPort = 8000

// DeployOnly names secrets the pipeline itself consumes. They are never
// injected into the service.
var DeployOnly = map[string]bool{
	"SERVICE_ACCOUNT_JSON": true,
	"SERVICE_ACCOUNT_KEY":  true,
}

// SecretRef points an environment variable at a secret version.
type SecretRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (r SecretRef) String() string {
	return r.Name + ":" + r.Version
}

// Manifest is the rendered desired state of the Cloud Run service.
type Manifest struct {
	Service              string               `json:"service"`
	Region               string               `json:"region"`
	Project              string               `json:"project,omitempty"`
	Image                string               `json:"image"`
	Port                 int                  `json:"port"`
	AllowUnauthenticated bool                 `json:"allow_unauthenticated"`
	EnvVars              map[string]string    `json:"env_vars"`
	Secrets              map[string]SecretRef `json:"secrets"`
	Labels               map[string]string    `json:"-"`
}

// ManifestInput is what RenderManifest needs.
type ManifestInput struct {
	Settings    *Settings
	ImageDigest string
	Commit      string
	Plain       map[string]string
	Secrets     []ProvisionResult
	// Image overrides the digest reference, for plans of unbuilt images.
	Image string
}

// RenderManifest builds the manifest: plain values become env vars and
// provisioned secrets become NAME:version references.
func RenderManifest(in ManifestInput) *Manifest {
	s := in.Settings
	m := &Manifest{
		Service:              s.Service,
		Region:               s.Region,
		Project:              s.Project,
		Image:                in.Image,
		Port:                 ContainerPort,
		AllowUnauthenticated: s.AllowUnauthenticated,
		EnvVars:              make(map[string]string, len(in.Plain)+2),
		Secrets:              make(map[string]SecretRef, len(in.Secrets)),
	}
	if m.Image == "" {
		m.Image = s.ImageRepository() + "@" + in.ImageDigest
	}
	for k, v := range in.Plain {
		m.EnvVars[k] = v
	}
	m.EnvVars["GRYFFEN_HOST"] = "0.0.0.0"
	m.EnvVars["GRYFFEN_PORT"] = strconv.Itoa(ContainerPort)
	for _, r := range in.Secrets {
		if DeployOnly[r.Env] {
			continue
		}
		m.Secrets[r.Env] = SecretRef{Name: r.Name, Version: r.Version}
	}
	m.Labels = map[string]string{
		LabelCommit: labelValue(in.Commit),
		LabelConfig: m.ConfigDigest(),
	}
	return m
}

var (
	serviceNameRE = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,47}[a-z0-9])?$`)
	envNameRE     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Validate checks the manifest before it reaches the platform. Plain and
// secret variables must be disjoint, each must have the kind the catalog
// gives it, and no secret value may appear among the env values.
func (m *Manifest) Validate(secretValues []string) error {
	return manifestError(append(m.targetProblems(), m.RoutingProblems(secretValues)...))
}

func (m *Manifest) targetProblems() []string {
	var problems []string
	if !serviceNameRE.MatchString(m.Service) {
		problems = append(problems, fmt.Sprintf("invalid service name %q", m.Service))
	}
	if m.Region == "" {
		problems = append(problems, "region is required")
	}
	if !strings.Contains(m.Image, "@sha256:") {
		problems = append(problems, fmt.Sprintf("image %q is not pinned by digest", m.Image))
	}
	if m.Port <= 0 || m.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", m.Port))
	}
	return problems
}

// RoutingProblems checks only how variables are routed.
func (m *Manifest) RoutingProblems(secretValues []string) []string {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for _, name := range sortedKeys(m.EnvVars) {
		if !envNameRE.MatchString(name) {
			fail("invalid env var name %q", name)
		}
		if _, dup := m.Secrets[name]; dup {
			fail("%s is both an env var and a secret", name)
		}
		if v, ok := config.Lookup(name); ok && v.Kind == config.KindSecret {
			fail("%s is a secret and must not be an env var", name)
		}
	}
	for _, name := range sortedKeys(m.Secrets) {
		ref := m.Secrets[name]
		if v, ok := config.Lookup(name); ok && v.Kind != config.KindSecret {
			fail("%s is plain and must not be a secret", name)
		}
		if ref.Name == "" || ref.Version == "" {
			fail("secret %s has an incomplete reference %q", name, ref.String())
		}
	}

	for _, secret := range secretValues {
		if secret == "" {
			continue
		}
		for _, name := range sortedKeys(m.EnvVars) {
			if strings.Contains(m.EnvVars[name], secret) {
				fail("env var %s carries a secret value", name)
			}
		}
	}
	return problems
}

func manifestError(problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidManifest, "invalid manifest",
		strings.Join(problems, "; "), nil).WithContext("problems", problems)
}

// ConfigDigest hashes the canonical JSON of the manifest, labels excluded.
// Map keys marshal sorted, so equal manifests always hash equal.
func (m *Manifest) ConfigDigest() string {
	data, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:32]
}

// Args renders the gcloud run deploy arguments. Secrets appear only as
// NAME:version references.
func (m *Manifest) Args() []string {
	args := []string{"run", "deploy", m.Service, "--image", m.Image, "--region", m.Region}
	if m.Project != "" {
		args = append(args, "--project", m.Project)
	}
	args = append(args, "--port", strconv.Itoa(m.Port))
	if m.AllowUnauthenticated {
		args = append(args, "--allow-unauthenticated")
	} else {
		args = append(args, "--no-allow-unauthenticated")
	}

	if len(m.EnvVars) > 0 {
		pairs := make([]string, 0, len(m.EnvVars))
		for _, k := range sortedKeys(m.EnvVars) {
			pairs = append(pairs, k+"="+m.EnvVars[k])
		}
		args = append(args, "--set-env-vars", joinList(pairs))
	}
	if len(m.Secrets) > 0 {
		refs := make([]string, 0, len(m.Secrets))
		for _, k := range sortedKeys(m.Secrets) {
			refs = append(refs, k+"="+m.Secrets[k].String())
		}
		args = append(args, "--set-secrets", joinList(refs))
	}
	if len(m.Labels) > 0 {
		labels := make([]string, 0, len(m.Labels))
		for _, k := range sortedKeys(m.Labels) {
			labels = append(labels, k+"="+m.Labels[k])
		}
		args = append(args, "--labels", strings.Join(labels, ","))
	}
	return append(args, "--quiet")
}

// joinList joins gcloud list flags. Values containing a comma switch to
// gcloud's alternate delimiter syntax, ^D^a=1Db=2.
func joinList(items []string) string {
	joined := strings.Join(items, ",")
	if !strings.Contains(strings.Join(items, ""), ",") {
		return joined
	}
	for _, d := range []string{"@", "|", "#", "~", ";"} {
		if !strings.Contains(joined, d) {
			return "^" + d + "^" + strings.Join(items, d)
		}
	}
	return joined
}

// labelValue fits s into a Cloud Run label value.
func labelValue(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
