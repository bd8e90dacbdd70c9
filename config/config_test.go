package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/credit-ledger/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ledger.TrackingGrants, cfg.TrackingMode())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.toml")
	assert.Error(t, err)
}

func TestLoad_OverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090

[ledger]
grant_tracking = false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver, "unset sections keep defaults")
	assert.Equal(t, "credits.db", cfg.Storage.Path)
	assert.Equal(t, ledger.TrackingLegacyOnly, cfg.TrackingMode())
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad port": `
[server]
port = 0
`,
		"unknown driver": `
[storage]
driver = "postgres"
`,
		"sqlite without path": `
[storage]
driver = "sqlite"
path = ""
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "this is not toml ["))
	assert.Error(t, err)
}
