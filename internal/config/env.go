package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Env carries the environment contract shared by the CLI and remote flow
// containers. Variables are read unprefixed so the same names work in ECS
// task definitions and local shells.
type Env struct {
	DynamoTableName        string `envconfig:"DYNAMODB_TABLE_NAME"`
	AWSRegion              string `envconfig:"AWS_REGION"`
	ECSMetadataURI         string `envconfig:"ECS_CONTAINER_METADATA_URI_V4"`
	IsProd                 bool   `envconfig:"IS_PROD"`
	ScratchDir             string `envconfig:"SCRATCH_DIR"`
	ArtifactStore          string `envconfig:"ARTIFACT_STORE"`
	DeployAsInlineSubflows bool   `envconfig:"DEPLOY_AS_INLINE_SUBFLOWS"`
	LogLevel               string `envconfig:"KAPTEN_LOG_LEVEL"`
}

// LoadEnv reads the process environment into an Env. ScratchDir falls back
// to a kapten directory under the system temp dir.
func LoadEnv() (*Env, error) {
	env := &Env{}
	if err := envconfig.Process("", env); err != nil {
		return nil, fmt.Errorf("invalid environment variable: %w", err)
	}
	if env.ScratchDir == "" {
		env.ScratchDir = filepath.Join(os.TempDir(), "kapten")
	}
	return env, nil
}
