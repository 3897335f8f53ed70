package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
service:
  environment: production
server:
  port: 8100
  shutdown_timeout: 5s
database:
  driver: memory
auth:
  jwt_secret: file-secret
identity:
  mode: static
  directory_file: /etc/approvals/directory.yaml
nats:
  enabled: true
`)
	t.Setenv("APPROVALS_SERVER_PORT", "8200")
	t.Setenv("APPROVALS_AUTH_JWT_SECRET", "env-secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Service.Environment)
	assert.Equal(t, "be-plt-approvals", cfg.Service.Name)
	assert.Equal(t, 8200, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 9086, cfg.Server.GRPCPort)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "env-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "static", cfg.Identity.Mode)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, "notifications.approvals", cfg.NATS.SubjectPrefix)

	pg := cfg.Database.Postgres()
	assert.Equal(t, int32(20), pg.MaxConns)
	assert.Equal(t, "approvals", pg.Database)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown driver",
			body: "database:\n  driver: mysql\nauth:\n  skip_auth: true\n",
			want: "database.driver",
		},
		{
			name: "missing jwt secret",
			body: "database:\n  driver: memory\n",
			want: "auth.jwt_secret",
		},
		{
			name: "static identity without file",
			body: "auth:\n  skip_auth: true\nidentity:\n  mode: static\n",
			want: "identity.directory_file",
		},
		{
			name: "unknown identity mode",
			body: "auth:\n  skip_auth: true\nidentity:\n  mode: ldap\n",
			want: "identity.mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
