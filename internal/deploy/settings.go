package deploy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "gryffen/internal/errors"
	"gryffen/internal/security"
)

// Settings are the deploy tool's own settings, read from deploy.yaml and
// DEPLOY_* environment variables (DEPLOY_REDIS_ADDR for redis.addr).
type Settings struct {
	Project              string        `mapstructure:"project"`
	Region               string        `mapstructure:"region"`
	Service              string        `mapstructure:"service"`
	Registry             string        `mapstructure:"registry"`
	Image                string        `mapstructure:"image"`
	BuildContext         string        `mapstructure:"build_context"`
	Dockerfile           string        `mapstructure:"dockerfile"`
	Target               string        `mapstructure:"target"`
	AllowUnauthenticated bool          `mapstructure:"allow_unauthenticated"`
	SecretPrefix         string        `mapstructure:"secret_prefix"`
	SecretStore          string        `mapstructure:"secret_store"`
	CredentialFile       string        `mapstructure:"credential_file"`
	EnvFiles             []string      `mapstructure:"env_files"`
	LockKey              string        `mapstructure:"lock_key"`
	LockTTL              time.Duration `mapstructure:"lock_ttl"`
	Timeout              time.Duration `mapstructure:"timeout"`

	Redis RedisConfig          `mapstructure:"redis"`
	Vault security.VaultConfig `mapstructure:"vault"`
}

// Secret store backends.
const (
	StoreGCloud = "gcloud"
	StoreVault  = "vault"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("project", "")
	v.SetDefault("region", "us-central1")
	v.SetDefault("service", "gryffen-api")
	v.SetDefault("registry", "")
	v.SetDefault("image", "gryffen")
	v.SetDefault("build_context", ".")
	v.SetDefault("dockerfile", "Dockerfile")
	v.SetDefault("target", "prod")
	v.SetDefault("allow_unauthenticated", true)
	v.SetDefault("secret_prefix", "gryffen-")
	v.SetDefault("secret_store", StoreGCloud)
	v.SetDefault("credential_file", "")
	v.SetDefault("env_files", []string{})
	v.SetDefault("lock_key", "gryffen:deploy")
	v.SetDefault("lock_ttl", 15*time.Minute)
	v.SetDefault("timeout", 20*time.Minute)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("vault.storage_type", "file")
	v.SetDefault("vault.storage_path", ".gryffen/vault")
}

// LoadSettings reads path, or deploy.yaml in the working directory when
// path is empty. A missing default file is not an error.
func LoadSettings(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("deploy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("deploy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to read deploy settings", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "failed to decode deploy settings", err)
	}
	return &s, s.Validate()
}

// Validate reports every missing or invalid setting at once.
func (s *Settings) Validate() error {
	var problems []string
	for name, value := range map[string]string{
		"project": s.Project, "region": s.Region, "service": s.Service,
		"registry": s.Registry, "image": s.Image,
	} {
		if value == "" {
			problems = append(problems, name+" is required")
		}
	}
	switch s.SecretStore {
	case StoreGCloud, StoreVault:
	default:
		problems = append(problems, fmt.Sprintf("secret_store must be %s or %s", StoreGCloud, StoreVault))
	}
	if s.LockTTL <= 0 {
		problems = append(problems, "lock_ttl must be positive")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeConfigInvalid, "invalid deploy settings",
		strings.Join(problems, "; "), nil).WithContext("problems", problems)
}

// ImageRepository is registry/image without tag or digest.
func (s *Settings) ImageRepository() string {
	return strings.TrimRight(s.Registry, "/") + "/" + s.Image
}

// RegistryHost is the host part of Registry, the name docker logs in to.
func (s *Settings) RegistryHost() string {
	host, _, _ := strings.Cut(strings.TrimPrefix(s.Registry, "https://"), "/")
	return host
}

// ImageRef tags the image with the commit.
func (s *Settings) ImageRef(commit string) string {
	return s.ImageRepository() + ":" + commit
}
