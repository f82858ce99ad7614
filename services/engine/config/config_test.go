package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level: debug
http_port: "8181"
store: SQLite
sqlite_path: /tmp/tbwo.db
kafka_brokers: "k1:9092, k2:9092,"
min_task_timeout: 45s
providers:
  - name: openai
    base_url: https://api.openai.com
    api_key: sk-test
    rpm: 30
    model_rpm:
      gpt-4.1: 5
smtp:
  host: mail.local
  port: 2525
  to: [ops@example.com]
webhook:
  url: https://hooks.local/x
  headers:
    X-Token: abc
blob:
  endpoint: minio:9000
  bucket: out
role_tools:
  Design: [file_read, code_execute]
code_exec:
  allow: [go, node]
  timeout: 90s
`

func TestLoad_ReadsNestedSections(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(sample)))

	cfg := Load(v)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "8181", cfg.HTTPPort)
	assert.Equal(t, StoreSQLite, cfg.Store)
	assert.Equal(t, 45*time.Second, cfg.MinTaskTimeout)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "openai", cfg.Providers[0].Name)
	assert.Equal(t, "sk-test", cfg.Providers[0].APIKey)
	require.NotNil(t, cfg.Providers[0].RPM)
	assert.Equal(t, 30, *cfg.Providers[0].RPM)
	assert.Equal(t, 5, cfg.Providers[0].ModelRPM["gpt-4.1"])
	assert.Equal(t, "mail.local", cfg.SMTP.Host)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, []string{"ops@example.com"}, cfg.SMTP.To)
	assert.Equal(t, "https://hooks.local/x", cfg.Webhook.URL)
	assert.Equal(t, "abc", cfg.Webhook.Headers["x-token"])
	assert.Equal(t, "minio:9000", cfg.Blob.Endpoint)
	assert.Equal(t, "out", cfg.Blob.Bucket)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, []string{"file_read", "code_execute"}, cfg.RoleTools["design"])
	assert.Equal(t, []string{"go", "node"}, cfg.CodeExec.Allow)
	assert.Equal(t, 90*time.Second, cfg.CodeExec.Timeout)
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Load(viper.New())

	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "@every 15s", cfg.WatchdogTick)
	assert.Equal(t, "@every 1m", cfg.WatchdogRecover)
	assert.Empty(t, cfg.Brokers())
	assert.Empty(t, cfg.RoleTools)
}
