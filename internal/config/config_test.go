package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sample = `
server:
  http_addr: ":8181"
dependencies:
  postgres_url: postgres://file
  kafka_brokers: [k1:9092, k2:9092]
auth:
  token_secret: file-secret-0123456789
  bcrypt_cost: 10
  session_idle_ttl: 30m
smtp:
  host: mail.local
  from: helpdesk@x.com
  timeout: 3s
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helpdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := writeFile(t, sample)
	t.Setenv("HELPDESK_PG_DSN", "postgres://env")
	t.Setenv("HELPDESK_RATE_LIMIT_BURST", "25")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8181", cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, "postgres://env", cfg.DatabaseURL)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 10, cfg.BcryptCost)
	require.Equal(t, 30*time.Minute, cfg.SessionIdleTTL)
	require.Equal(t, 25, cfg.RateLimitBurst)
	require.Equal(t, "mail.local", cfg.SMTP.Host)
	require.Equal(t, 587, cfg.SMTP.Port)
	require.Equal(t, 3*time.Second, cfg.SMTP.Timeout)
}

func TestLoadMissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("HELPDESK_TOKEN_SECRET", "env-secret-0123456789")
	t.Setenv("HELPDESK_KAFKA_BROKERS", " a:1 , ,b:2 ")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.KafkaBrokers)
	require.Equal(t, "Helpdesk", cfg.Issuer)
}

func TestLoadRejectsBadInput(t *testing.T) {
	_, err := Load(writeFile(t, "server: ["))
	require.Error(t, err)

	_, err = Load(writeFile(t, "auth:\n  session_idle_ttl: soon\n"))
	require.Error(t, err)

	t.Setenv("HELPDESK_TOKEN_SECRET", "")
	_, err = Load("")
	require.ErrorContains(t, err, "HELPDESK_TOKEN_SECRET")

	t.Setenv("HELPDESK_TOKEN_SECRET", "short")
	_, err = Load("")
	require.Error(t, err)
}
