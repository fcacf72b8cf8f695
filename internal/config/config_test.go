package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/sunset/classifier"
	"github.com/yairfalse/sunset/types"
)

func TestLoad_ValidYAML(t *testing.T) {
	content := `
rules:
  grace_period_days: 10
  warn_ahead_days: 3
  fallback_owner: platform-team
  retry_budget: 5
  idle_marker_tags: ["lifecycle:idle-since"]
  idle_thresholds:
    vm: {days: 21}
    database: {days: 30, utilization_below: 2.5}

executor:
  max_attempts: 4
  base_backoff: 1s
  max_backoff: 20s

governor:
  workers: 4
  pass_timeout: 5m
  retention_days: 60
  kinds: [vm, database]

store:
  driver: sqlite
  dsn: file:sunset.db

notifier:
  webhook:
    url: https://hooks.example.com/sunset
    timeout: 5s

provider:
  name: aws
  region: eu-west-1
  profile: production

telemetry:
  otlp_endpoint: localhost:4317
  insecure: true

log:
  level: debug
  format: json
`
	cfg, err := Load(writeTempConfig(t, "config.yaml", content))
	require.NoError(t, err)

	rules := cfg.ClassifierRules()
	assert.Equal(t, 10*classifier.Day, rules.GracePeriod)
	assert.Equal(t, 3*classifier.Day, rules.WarnAhead)
	assert.Equal(t, []string{"lifecycle:idle-since"}, rules.IdleMarkerTags)
	assert.Equal(t, 21*classifier.Day, rules.Idle[types.KindVM].After)
	assert.Equal(t, 2.5, rules.Idle[types.KindDatabase].UtilizationBelow)
	_, hasDisk := rules.Idle[types.KindDisk]
	assert.False(t, hasDisk, "explicit thresholds replace the defaults")

	exec := cfg.ExecutorOptions()
	assert.Equal(t, 4, exec.MaxAttempts)
	assert.Equal(t, time.Second, exec.BaseBackoff)
	assert.Equal(t, 20*time.Second, exec.MaxBackoff)
	assert.Equal(t, 10*classifier.Day, exec.GracePeriod)

	gov := cfg.GovernorOptions()
	assert.Equal(t, 4, gov.Workers)
	assert.Equal(t, 5*time.Minute, gov.PassTimeout)
	assert.Equal(t, 60*classifier.Day, gov.Retention)
	assert.Equal(t, 5, gov.RetryBudget)
	assert.Equal(t, "platform-team", gov.FallbackOwner)
	assert.Equal(t, []types.Kind{types.KindVM, types.KindDatabase}, gov.Filter.Kinds)

	assert.Equal(t, "sqlite", string(cfg.SQLStoreConfig().Dialect))
	assert.False(t, cfg.Notifier.Log, "log sink is only implied without other sinks")
	webhook, ok := cfg.WebhookSettings()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, webhook.Timeout)

	prov := cfg.ProviderSettings()
	assert.Equal(t, "eu-west-1", prov.Region)
	assert.Equal(t, "production", prov.Profile)
	assert.Equal(t, 40*classifier.Day, prov.UtilizationLookback, "database threshold plus grace")

	otel := cfg.OTELConfig("1.2.3")
	assert.Equal(t, "sunset", otel.ServiceName)
	assert.Equal(t, "1.2.3", otel.ServiceVersion)
	assert.True(t, otel.Insecure)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ValidTOML(t *testing.T) {
	content := `
[rules]
grace_period_days = 7
dry_run = true

[provider]
name = "static"
fixture_path = "resources.yaml"

[daemon]
interval = "30m"
listen_addr = "127.0.0.1:9100"
`
	cfg, err := Load(writeTempConfig(t, "config.toml", content))
	require.NoError(t, err)
	assert.True(t, cfg.GovernorOptions().DryRun)
	assert.Equal(t, "resources.yaml", cfg.ProviderSettings().Path)
	assert.Equal(t, 30*time.Minute, cfg.Daemon.Interval.Std())
	assert.Equal(t, "127.0.0.1:9100", cfg.Daemon.ListenAddr)
}

func TestLoad_Defaults(t *testing.T) {
	content := `
provider:
  region: us-east-1
`
	cfg, err := Load(writeTempConfig(t, "config.yaml", content))
	require.NoError(t, err)

	assert.Equal(t, classifier.DefaultRules(), cfg.ClassifierRules())
	assert.Equal(t, 3, cfg.GovernorOptions().RetryBudget)
	assert.Equal(t, 8, cfg.GovernorOptions().Workers)
	assert.Equal(t, "bolt", cfg.Store.Driver)
	assert.Equal(t, "./data", cfg.Store.Dir)
	assert.Equal(t, filepath.Join("./data", "wal"), cfg.WAL.Dir)
	assert.True(t, cfg.Notifier.Log)
	require.NotNil(t, cfg.Policy.ProtectProduction)
	assert.True(t, *cfg.Policy.ProtectProduction)
	assert.Equal(t, time.Hour, cfg.Daemon.Interval.Std())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 2*time.Second, cfg.ExecutorOptions().BaseBackoff)
	assert.Equal(t, 21, cfg.Provider.UtilizationLookbackDays)
}

func TestLoad_EmptyFile(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, "config.yaml", "provider: {name: static, fixture_path: x.yaml}\n"))
	require.NoError(t, err)
	assert.Equal(t, "static", cfg.Provider.Name)

	_, err = Load(writeTempConfig(t, "empty.yaml", ""))
	require.Error(t, err, "aws provider needs a region")
	assert.Contains(t, err.Error(), "provider.region")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			file:    "config.yaml",
			content: "rules: [unterminated",
			wantErr: "parse config",
		},
		{
			name:    "malformed toml",
			file:    "config.toml",
			content: "[rules\ngrace_period_days = 7",
			wantErr: "parse config",
		},
		{
			name:    "unknown field",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nrulez: {}\n",
			wantErr: "rulez",
		},
		{
			name:    "bad duration",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\ngovernor: {pass_timeout: soon}\n",
			wantErr: "invalid duration",
		},
		{
			name:    "bare number duration",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\ngovernor: {pass_timeout: 30}\n",
			wantErr: "invalid duration",
		},
		{
			name:    "unknown kind",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nrules: {idle_thresholds: {bucket: {days: 3}}}\n",
			wantErr: "oneof",
		},
		{
			name:    "utilization out of range",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nrules: {idle_thresholds: {database: {days: 3, utilization_below: 150}}}\n",
			wantErr: "utilization_below",
		},
		{
			name:    "sql store without dsn",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nstore: {driver: postgres}\n",
			wantErr: "store.dsn",
		},
		{
			name:    "webhook without url",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nnotifier: {webhook: {timeout: 5s}}\n",
			wantErr: "notifier.webhook.url",
		},
		{
			name:    "static without fixture",
			file:    "config.yaml",
			content: "provider: {name: static}\n",
			wantErr: "provider.fixture_path",
		},
		{
			name:    "backoff inverted",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nexecutor: {base_backoff: 1m, max_backoff: 10s}\n",
			wantErr: "max_backoff",
		},
		{
			name:    "force and dry run",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nrules: {force_delete: true, dry_run: true}\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "utilization lookback shorter than threshold plus grace",
			file:    "config.yaml",
			content: "provider: {region: us-east-1, utilization_lookback_days: 14}\n",
			wantErr: "provider.utilization_lookback_days",
		},
		{
			name:    "bad log level",
			file:    "config.yaml",
			content: "provider: {region: us-east-1}\nlog: {level: loud}\n",
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.Provider.Region = "us-east-1"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "aws", cfg.Provider.Name)
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err)
	return path
}
