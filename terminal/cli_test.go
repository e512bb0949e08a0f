package terminal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T, root string) {
	t.Helper()
	t.Setenv("ROOT_DIRECTORY", root)
	t.Setenv("BIND_HOST", "127.0.0.1")
	t.Setenv("BIND_PORT", "2121")
	t.Setenv("USERS_FILE", "")
	t.Setenv("AUTH_DISABLED", "1")
	t.Setenv("DATA_PORT_START", "")
	t.Setenv("DATA_PORT_END", "")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("FTPD_BANNER_DELAY", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	root := t.TempDir()
	setRequired(t, root)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, root, cfg.RootDirectory)
	assert.Equal(t, "127.0.0.1", cfg.BindHost)
	assert.Equal(t, 2121, cfg.BindPort)
	assert.True(t, cfg.AuthDisabled)
	assert.Equal(t, DefaultDataPortStart, cfg.DataPortStart)
	assert.Equal(t, DefaultDataPortEnd, cfg.DataPortEnd)
}

func TestLoadConfigRequiresRoot(t *testing.T) {
	setRequired(t, t.TempDir())
	t.Setenv("ROOT_DIRECTORY", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRequiresUsersFileWithAuth(t *testing.T) {
	setRequired(t, t.TempDir())
	t.Setenv("AUTH_DISABLED", "")

	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("USERS_FILE", "/tmp/users.db")
	_, err = LoadConfig()
	assert.NoError(t, err)
}

func TestLoadConfigRejectsBadPort(t *testing.T) {
	setRequired(t, t.TempDir())
	t.Setenv("BIND_PORT", "notaport")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigDataPortOverride(t *testing.T) {
	setRequired(t, t.TempDir())
	t.Setenv("DATA_PORT_START", "20000")
	t.Setenv("DATA_PORT_END", "20009")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.DataPortStart)
	assert.Equal(t, 20009, cfg.DataPortEnd)
}

func TestValidateConfig(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{RootDirectory: root, DataPortStart: 10000, DataPortEnd: 10009}
	assert.NoError(t, ValidateConfig(cfg))

	cfg.RootDirectory = filepath.Join(root, "missing")
	assert.Error(t, ValidateConfig(cfg))

	file := filepath.Join(root, "f")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	cfg.RootDirectory = file
	assert.Error(t, ValidateConfig(cfg))

	cfg.RootDirectory = root
	cfg.DataPortStart = 10010
	assert.Error(t, ValidateConfig(cfg))
}
