// Package config loads server configuration: scalars from SHIPGATE_
// environment variables and the recipe table from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/shipgate/shipgate-server/internal/domain"
)

// Config is the full server configuration.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"DB_PATH" envDefault:"shipgate.db"`

	// RecipeFile is the YAML recipe table mapping service and recipe to
	// engine pipelines.
	RecipeFile string `env:"RECIPE_FILE" envDefault:"recipes.yaml"`

	// FlagsFile enables the watched runtime flag file when set.
	FlagsFile string `env:"FLAGS_FILE"`

	EngineBaseURL      string        `env:"ENGINE_BASE_URL"`
	EngineTokenURL     string        `env:"ENGINE_TOKEN_URL"`
	EngineClientID     string        `env:"ENGINE_CLIENT_ID"`
	EngineClientSecret string        `env:"ENGINE_CLIENT_SECRET"`
	EngineAudience     string        `env:"ENGINE_AUDIENCE"`
	TokenRefreshBuffer time.Duration `env:"TOKEN_REFRESH_BUFFER" envDefault:"30s"`

	// KillSwitch and DemoMode are the defaults used when no flags file
	// is configured.
	KillSwitch bool `env:"KILL_SWITCH"`
	DemoMode   bool `env:"DEMO_MODE"`

	JWTSecret      string `env:"JWT_SECRET,required"`
	CallbackSecret string `env:"CALLBACK_SECRET,required"`

	ReadRateLimit   int           `env:"READ_RATE_LIMIT" envDefault:"120"`
	MutateRateLimit int           `env:"MUTATE_RATE_LIMIT" envDefault:"30"`
	RateWindow      time.Duration `env:"RATE_WINDOW" envDefault:"1m"`

	DeployQuota     int `env:"DEPLOY_QUOTA" envDefault:"50"`
	RollbackQuota   int `env:"ROLLBACK_QUOTA" envDefault:"20"`
	BuildQuota      int `env:"BUILD_QUOTA" envDefault:"200"`
	CapabilityQuota int `env:"CAPABILITY_QUOTA" envDefault:"100"`

	AutoRollback bool `env:"AUTO_ROLLBACK" envDefault:"true"`

	// WorkflowEngine selects the auto-rollback backend: sync,
	// goworkflows, or dbos.
	WorkflowEngine  string `env:"WORKFLOW_ENGINE" envDefault:"sync"`
	DBOSDatabaseURL string `env:"DBOS_DATABASE_URL"`
}

// Load parses environment variables with the SHIPGATE_ prefix.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SHIPGATE_"}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// QuotaLimits builds the per-action daily limits from the config.
func (c Config) QuotaLimits() map[domain.ActionKind]int {
	return map[domain.ActionKind]int{
		domain.ActionDeploy:           c.DeployQuota,
		domain.ActionRollback:         c.RollbackQuota,
		domain.ActionBuildRegister:    c.BuildQuota,
		domain.ActionUploadCapability: c.CapabilityQuota,
	}
}

type recipeFile struct {
	Services map[string]map[string]struct {
		DeployPipeline   string `yaml:"deploy_pipeline"`
		RollbackPipeline string `yaml:"rollback_pipeline"`
	} `yaml:"services"`
}

// LoadRecipeTable reads the YAML recipe table. Recipe names are
// validated against the known enum so a typo fails at startup rather
// than at the first submission.
func LoadRecipeTable(path string) (domain.RecipeTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe file: %w", err)
	}

	var parsed recipeFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse recipe file: %w", err)
	}

	table := make(domain.RecipeTable, len(parsed.Services))
	for service, recipes := range parsed.Services {
		table[service] = make(map[domain.Recipe]domain.PipelinePair, len(recipes))
		for name, pair := range recipes {
			recipe, err := domain.ParseRecipe(name)
			if err != nil {
				return nil, fmt.Errorf("service %q: %w", service, err)
			}
			if pair.DeployPipeline == "" {
				return nil, fmt.Errorf("service %q recipe %q: deploy_pipeline is required", service, name)
			}
			table[service][recipe] = domain.PipelinePair{
				DeployPipelineID:   pair.DeployPipeline,
				RollbackPipelineID: pair.RollbackPipeline,
			}
		}
	}
	return table, nil
}
