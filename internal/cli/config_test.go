package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-livesync/livesync"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServeConfig_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
addr: ":9090"
backend: postgres
database_url: postgres://file/db
schema: shop
token_ttl: 15m
ping_interval: 5s
allow_dev_signin: true
collections: [products, partners]
`)

	cfg, err := LoadServeConfig(path, envMap(map[string]string{
		"DATABASE_URL": "postgres://env/db",
		"JWT_SECRET":   "from-env",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "postgres://env/db", cfg.DatabaseURL)
	assert.Equal(t, "from-env", cfg.JWTSecret)
	assert.Equal(t, "shop", cfg.Schema)
	assert.Equal(t, "livesync_", cfg.ChannelPrefix)
	assert.Equal(t, 15*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 5*time.Second, cfg.PingInterval)
	assert.True(t, cfg.AllowDevSignin)
	assert.Equal(t, []string{"products", "partners"}, cfg.Collections)
}

func TestLoadServeConfig_Defaults(t *testing.T) {
	cfg, err := LoadServeConfig("", envMap(map[string]string{"JWT_SECRET": "s"}))
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "livesync.db", cfg.SQLitePath)
	assert.Equal(t, livesync.DefaultCollections, cfg.Collections)
}

func TestLoadServeConfig_Errors(t *testing.T) {
	testCases := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"missing secret", `backend: sqlite`, nil},
		{"postgres without url", `backend: postgres`, map[string]string{"JWT_SECRET": "s"}},
		{"unknown backend", `backend: mongo`, map[string]string{"JWT_SECRET": "s"}},
		{"bad collection", `collections: ["Bad-Name"]`, map[string]string{"JWT_SECRET": "s"}},
		{"no collections", `collections: []`, map[string]string{"JWT_SECRET": "s"}},
		{"malformed yaml", `collections: [`, map[string]string{"JWT_SECRET": "s"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadServeConfig(writeConfig(t, tc.body), envMap(tc.env))
			require.Error(t, err)
		})
	}

	_, err := LoadServeConfig(filepath.Join(t.TempDir(), "missing.yaml"), envMap(nil))
	require.Error(t, err)
}
