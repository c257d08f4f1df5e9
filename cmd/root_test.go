package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_ConfigFileValues(t *testing.T) {
	a, factory, _, _ := newTestApp(happyWorker)
	cfgFile := writeTestConfig(t, `
resolver:
  max_rounds: 5
profile:
  dir: /srv/profiles
`)

	_, _, err := executeCommand(t, a, "--config", cfgFile, "apply", "https://jobs.example.com/1", "--profile", "ada")
	require.NoError(t, err)

	cfg := factory.gotCfg
	require.NotNil(t, cfg)
	assert.Equal(t, 5, cfg.Resolver().MaxRounds)
	assert.Equal(t, "/srv/profiles", cfg.Profile().Dir)
	assert.Equal(t, 2, cfg.Engine().MaxAttempts)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.7, cfg.FormMapper().MinConfidence)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	a, factory, _, _ := newTestApp(happyWorker)
	cfgFile := writeTestConfig(t, `
resolver:
  max_rounds: 0
`)

	_, _, err := executeCommand(t, a, "--config", cfgFile, "apply", "https://jobs.example.com/1", "--profile", "ada")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
	assert.Contains(t, err.Error(), "resolver.max_rounds")
	assert.Nil(t, factory.gotCfg, "nothing is built from an invalid config")
}

func TestRootCmd_MissingExplicitConfig(t *testing.T) {
	a, _, _, _ := newTestApp(happyWorker)

	_, _, err := executeCommand(t, a, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestRootCmd_DatabaseURLFlag(t *testing.T) {
	a, _, _, _ := newTestApp(happyWorker)

	_, _, err := executeCommand(t, a, "--database-url", "postgres://localhost/autoapply", "migrate")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/autoapply", a.cfg.Database().URL)
}

func TestRootCmd_EnvFile(t *testing.T) {
	const key = "AUTOAPPLY_ORACLE_MAX_DOM_CHARS"
	require.Empty(t, os.Getenv(key))
	t.Cleanup(func() { os.Unsetenv(key) })

	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(key+"=1234\n"), 0o600))

	a, _, _, _ := newTestApp(happyWorker)
	_, _, err := executeCommand(t, a, "--env-file", envFile, "migrate")
	require.NoError(t, err)
	assert.Equal(t, 1234, a.cfg.Oracle().MaxDOMChars)
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("Missing default file is ignored", func(t *testing.T) {
		t.Chdir(t.TempDir())
		assert.NoError(t, loadEnvFile(""))
	})

	t.Run("Missing explicit file fails", func(t *testing.T) {
		err := loadEnvFile(filepath.Join(t.TempDir(), "absent.env"))
		assert.ErrorContains(t, err, "error reading env file")
	})

	t.Run("Existing environment wins", func(t *testing.T) {
		const key = "AUTOAPPLY_TEST_ENV_PRECEDENCE"
		t.Setenv(key, "from-shell")
		envFile := filepath.Join(t.TempDir(), ".env")
		require.NoError(t, os.WriteFile(envFile, []byte(key+"=from-file\n"), 0o600))

		require.NoError(t, loadEnvFile(envFile))
		assert.Equal(t, "from-shell", os.Getenv(key))
	})
}
