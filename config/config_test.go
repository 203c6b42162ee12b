package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 4566, cfg.Server.Port)
	assert.Equal(t, "disabled", cfg.IAM.Mode)
	assert.Equal(t, 5, cfg.Workflow.MaxWaitSeconds)
	assert.Equal(t, "./data", cfg.DataDir)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lws.yaml")
	yaml := `
server:
  port: 9500
data_dir: /tmp/lws
iam:
  mode: enforce
chaos:
  queue:
    error_probability: 0.5
    error_code: InternalError
    error_status: 500
bootstrap:
  tables:
    - name: orders
      partition_key: id
      stream_view: NEW_AND_OLD_IMAGES
  queues:
    - name: jobs
      visibility_timeout: 15
  routes:
    - method: GET
      path: /orders/{id}
      function: get-order
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Server.Port)
	assert.Equal(t, "enforce", cfg.IAM.Mode)
	assert.InDelta(t, 0.5, cfg.Chaos["queue"].ErrorProbability, 1e-9)
	require.Len(t, cfg.Bootstrap.Tables, 1)
	assert.Equal(t, "orders", cfg.Bootstrap.Tables[0].Name)
	require.Len(t, cfg.Bootstrap.Routes, 1)
	assert.Equal(t, "/orders/{id}", cfg.Bootstrap.Routes[0].Path)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LWS_SERVER_PORT", "7100")
	t.Setenv("LWS_IAM_MODE", "audit")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.Server.Port)
	assert.Equal(t, "audit", cfg.IAM.Mode)
}

func TestValidateConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 0
	assert.Error(t, ValidateConfig(cfg))

	cfg.Server.Port = 4566
	cfg.DataDir = "./data"
	cfg.IAM.Mode = "bogus"
	assert.Error(t, ValidateConfig(cfg))

	cfg.IAM.Mode = "audit"
	cfg.Bootstrap.Tables = []TableSpec{{Name: "t"}}
	assert.Error(t, ValidateConfig(cfg))

	cfg.Bootstrap.Tables[0].PartitionKey = "id"
	assert.NoError(t, ValidateConfig(cfg))
}
