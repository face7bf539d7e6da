package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixflow.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "X-Owner-ID", cfg.Server.OwnerHeader)
	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 6, cfg.Router.MaxRounds)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[model]
provider = "anthropic"
name = "claude-3-5-sonnet-20241022"

[store]
driver = "sqlite"
path = "/tmp/fixflow-test.db"

[router]
max_rounds = 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "anthropic", cfg.Model.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Router.MaxRounds)
	// Untouched sections keep their defaults.
	assert.Equal(t, "X-Owner-ID", cfg.Server.OwnerHeader)
}

func TestLoadExpandsEnvSecrets(t *testing.T) {
	t.Setenv("TEST_MODEL_KEY", "sk-test-123")
	path := writeConfig(t, `
[model]
api_key = "${TEST_MODEL_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Model.APIKey)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
[model]
provider = "carrier-pigeon"
`))
	assert.ErrorContains(t, err, "unknown model provider")

	_, err = Load(writeConfig(t, `
[store]
driver = "sqlite"
path = ""
`))
	assert.ErrorContains(t, err, "requires a path")

	_, err = Load(writeConfig(t, `
[router]
max_rounds = 0
`))
	assert.ErrorContains(t, err, "max_rounds")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/fixflow.toml")
	assert.Error(t, err)
}
