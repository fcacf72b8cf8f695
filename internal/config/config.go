// Package config loads sunset configuration from YAML or TOML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/sunset/classifier"
	"github.com/yairfalse/sunset/executor"
	"github.com/yairfalse/sunset/governor"
	"github.com/yairfalse/sunset/notifier"
	"github.com/yairfalse/sunset/providers"
	"github.com/yairfalse/sunset/storage/sqlstore"
	"github.com/yairfalse/sunset/telemetry"
	"github.com/yairfalse/sunset/types"
	"github.com/yairfalse/sunset/wal"
)

// Config is the root configuration structure.
type Config struct {
	Rules     RulesConfig     `yaml:"rules" toml:"rules"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	Governor  GovernorConfig  `yaml:"governor" toml:"governor"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Notifier  NotifierConfig  `yaml:"notifier" toml:"notifier"`
	Policy    PolicyConfig    `yaml:"policy" toml:"policy"`
	Provider  ProviderConfig  `yaml:"provider" toml:"provider"`
	WAL       WALConfig       `yaml:"wal" toml:"wal"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Daemon    DaemonConfig    `yaml:"daemon" toml:"daemon"`
	Log       LogConfig       `yaml:"log" toml:"log"`
}

// RulesConfig holds the classification policy and lifecycle switches.
type RulesConfig struct {
	IdleThresholds  map[string]IdleThreshold `yaml:"idle_thresholds" toml:"idle_thresholds" validate:"dive,keys,oneof=vm disk database other,endkeys"`
	DefaultIdleDays int                      `yaml:"default_idle_days" toml:"default_idle_days" validate:"gte=0"`
	GracePeriodDays int                      `yaml:"grace_period_days" toml:"grace_period_days" validate:"gte=0"`
	// WarnAheadDays defaults to the grace period
	WarnAheadDays  *int     `yaml:"warn_ahead_days" toml:"warn_ahead_days" validate:"omitempty,gte=0"`
	FallbackOwner  string   `yaml:"fallback_owner" toml:"fallback_owner"`
	RetryBudget    int      `yaml:"retry_budget" toml:"retry_budget" validate:"gte=0,lte=100"`
	DryRun         bool     `yaml:"dry_run" toml:"dry_run"`
	ForceDelete    bool     `yaml:"force_delete" toml:"force_delete"`
	IdleMarkerTags []string `yaml:"idle_marker_tags" toml:"idle_marker_tags" validate:"dive,required"`
	ProtectTag     string   `yaml:"protect_tag" toml:"protect_tag"`
}

// IdleThreshold is the idle rule for one resource kind.
type IdleThreshold struct {
	Days             int     `yaml:"days" toml:"days" validate:"gte=1"`
	UtilizationBelow float64 `yaml:"utilization_below" toml:"utilization_below" validate:"gte=0,lte=100"`
}

// ExecutorConfig holds deletion retry and verification settings.
type ExecutorConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts" validate:"gte=0,lte=20"`
	BaseBackoff    Duration `yaml:"base_backoff" toml:"base_backoff" validate:"gte=0"`
	MaxBackoff     Duration `yaml:"max_backoff" toml:"max_backoff" validate:"gte=0"`
	Multiplier     float64  `yaml:"multiplier" toml:"multiplier" validate:"omitempty,gte=1"`
	Jitter         float64  `yaml:"jitter" toml:"jitter" validate:"gte=0,lte=1"`
	VerifyAttempts int      `yaml:"verify_attempts" toml:"verify_attempts" validate:"gte=0"`
	VerifyInterval Duration `yaml:"verify_interval" toml:"verify_interval" validate:"gte=0"`
}

// GovernorConfig holds pass settings.
type GovernorConfig struct {
	Workers       int      `yaml:"workers" toml:"workers" validate:"gte=0,lte=256"`
	PassTimeout   Duration `yaml:"pass_timeout" toml:"pass_timeout" validate:"gte=0"`
	RetentionDays int      `yaml:"retention_days" toml:"retention_days" validate:"gte=0"`
	Kinds         []string `yaml:"kinds" toml:"kinds" validate:"dive,oneof=vm disk database other"`
	IDs           []string `yaml:"ids" toml:"ids" validate:"dive,required"`
	TagPresent    []string `yaml:"tag_present" toml:"tag_present"`
	TagAbsent     []string `yaml:"tag_absent" toml:"tag_absent"`
}

// StoreConfig selects the state store.
type StoreConfig struct {
	Driver       string `yaml:"driver" toml:"driver" validate:"oneof=bolt sqlite postgres"`
	Dir          string `yaml:"dir" toml:"dir" validate:"required_if=Driver bolt"`
	DSN          string `yaml:"dsn" toml:"dsn" validate:"required_unless=Driver bolt"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns" validate:"gte=0"`
}

// NotifierConfig lists notification sinks. Every configured sink must
// accept a notice for it to count as delivered.
type NotifierConfig struct {
	Log     bool           `yaml:"log" toml:"log"`
	Webhook *WebhookConfig `yaml:"webhook" toml:"webhook"`
	SQS     *SQSConfig     `yaml:"sqs" toml:"sqs"`
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL     string            `yaml:"url" toml:"url" validate:"required,url"`
	Headers map[string]string `yaml:"headers" toml:"headers"`
	Timeout Duration          `yaml:"timeout" toml:"timeout" validate:"gte=0"`
}

// SQSConfig configures the SQS sink.
type SQSConfig struct {
	QueueURL string `yaml:"queue_url" toml:"queue_url" validate:"required,url"`
	Region   string `yaml:"region" toml:"region"`
}

// PolicyConfig controls the pre-delete policy guard.
type PolicyConfig struct {
	Dir               string `yaml:"dir" toml:"dir"`
	ProtectProduction *bool  `yaml:"protect_production" toml:"protect_production"`
}

// ProviderConfig selects and tunes the inventory provider.
type ProviderConfig struct {
	Name                    string `yaml:"name" toml:"name" validate:"oneof=aws static"`
	Region                  string `yaml:"region" toml:"region" validate:"required_if=Name aws"`
	Profile                 string `yaml:"profile" toml:"profile"`
	FixturePath             string `yaml:"fixture_path" toml:"fixture_path" validate:"required_if=Name static"`
	UtilizationLookbackDays int    `yaml:"utilization_lookback_days" toml:"utilization_lookback_days" validate:"gte=0,lte=455"`
	SkipFinalSnapshot       bool   `yaml:"skip_final_snapshot" toml:"skip_final_snapshot"`
}

// WALConfig controls the audit journal.
type WALConfig struct {
	Disabled      bool   `yaml:"disabled" toml:"disabled"`
	Dir           string `yaml:"dir" toml:"dir" validate:"required_if=Disabled false"`
	RetentionDays int    `yaml:"retention_days" toml:"retention_days" validate:"gte=0"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name" toml:"service_name"`
	Environment  string  `yaml:"environment" toml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" toml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	Insecure     bool    `yaml:"insecure" toml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate" toml:"sample_rate" validate:"gte=0,lte=1"`
}

// DaemonConfig holds settings for long-running mode.
type DaemonConfig struct {
	Interval        Duration `yaml:"interval" toml:"interval" validate:"gte=0"`
	ListenAddr      string   `yaml:"listen_addr" toml:"listen_addr" validate:"omitempty,hostname_port"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" validate:"gte=0"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=console json"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML or TOML config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	r := &cfg.Rules
	if r.GracePeriodDays == 0 {
		r.GracePeriodDays = int(classifier.DefaultGracePeriod / classifier.Day)
	}
	if r.WarnAheadDays == nil {
		days := r.GracePeriodDays
		r.WarnAheadDays = &days
	}
	if r.RetryBudget == 0 {
		r.RetryBudget = governor.DefaultOptions().RetryBudget
	}
	if r.ProtectTag == "" {
		r.ProtectTag = classifier.DefaultProtectTag
	}
	if r.IdleThresholds == nil {
		r.IdleThresholds = make(map[string]IdleThreshold)
		for kind, rule := range classifier.DefaultRules().Idle {
			r.IdleThresholds[string(kind)] = IdleThreshold{
				Days:             int(rule.After / classifier.Day),
				UtilizationBelow: rule.UtilizationBelow,
			}
		}
	}

	e := &cfg.Executor
	d := executor.DefaultOptions()
	if e.MaxAttempts == 0 {
		e.MaxAttempts = d.MaxAttempts
	}
	if e.BaseBackoff == 0 {
		e.BaseBackoff = Duration(d.BaseBackoff)
	}
	if e.MaxBackoff == 0 {
		e.MaxBackoff = Duration(d.MaxBackoff)
	}
	if e.Multiplier == 0 {
		e.Multiplier = d.Multiplier
	}
	if e.VerifyAttempts == 0 {
		e.VerifyAttempts = d.VerifyAttempts
	}
	if e.VerifyInterval == 0 {
		e.VerifyInterval = Duration(d.VerifyInterval)
	}

	g := &cfg.Governor
	gd := governor.DefaultOptions()
	if g.Workers == 0 {
		g.Workers = gd.Workers
	}
	if g.PassTimeout == 0 {
		g.PassTimeout = Duration(gd.PassTimeout)
	}
	if g.RetentionDays == 0 {
		g.RetentionDays = int(gd.Retention / classifier.Day)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bolt"
	}
	if cfg.Store.Driver == "bolt" && cfg.Store.Dir == "" {
		cfg.Store.Dir = "./data"
	}

	if cfg.Notifier.Webhook == nil && cfg.Notifier.SQS == nil {
		cfg.Notifier.Log = true
	}
	if cfg.Policy.ProtectProduction == nil {
		protect := true
		cfg.Policy.ProtectProduction = &protect
	}

	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "aws"
	}
	if cfg.Provider.UtilizationLookbackDays == 0 {
		cfg.Provider.UtilizationLookbackDays = int(cfg.ClassifierRules().MinUtilizationWindow() / classifier.Day)
	}

	if !cfg.WAL.Disabled && cfg.WAL.Dir == "" {
		cfg.WAL.Dir = filepath.Join(cfg.Store.Dir, "wal")
		if cfg.Store.Dir == "" {
			cfg.WAL.Dir = "./data/wal"
		}
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 90
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "sunset"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Daemon.Interval == 0 {
		cfg.Daemon.Interval = Duration(time.Hour)
	}
	if cfg.Daemon.ListenAddr == "" {
		cfg.Daemon.ListenAddr = ":9090"
	}
	if cfg.Daemon.ShutdownTimeout == 0 {
		cfg.Daemon.ShutdownTimeout = Duration(15 * time.Second)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks struct tags and the rules that span several fields.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return formatValidationError(err)
	}
	if c.Executor.MaxBackoff < c.Executor.BaseBackoff {
		return fmt.Errorf("executor: max_backoff (%s) is shorter than base_backoff (%s)",
			c.Executor.MaxBackoff, c.Executor.BaseBackoff)
	}
	if err := c.ClassifierRules().Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if need := c.ClassifierRules().MinUtilizationWindow(); days(c.Provider.UtilizationLookbackDays) < need {
		return fmt.Errorf("provider.utilization_lookback_days (%d) must cover the database idle threshold plus the grace period (%d days)",
			c.Provider.UtilizationLookbackDays, int(need/classifier.Day))
	}
	if c.Rules.ForceDelete && c.Rules.DryRun {
		return errors.New("rules: force_delete and dry_run are mutually exclusive")
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// ClassifierRules converts the rules section.
func (c *Config) ClassifierRules() classifier.Rules {
	r := c.Rules
	rules := classifier.Rules{
		GracePeriod:    days(r.GracePeriodDays),
		WarnAhead:      days(r.GracePeriodDays),
		Idle:           make(map[types.Kind]classifier.IdleRule, len(r.IdleThresholds)),
		IdleMarkerTags: r.IdleMarkerTags,
		ProtectTag:     r.ProtectTag,
	}
	if r.WarnAheadDays != nil {
		rules.WarnAhead = days(*r.WarnAheadDays)
	}
	for kind, t := range r.IdleThresholds {
		rules.Idle[types.Kind(kind)] = classifier.IdleRule{
			After:            days(t.Days),
			UtilizationBelow: t.UtilizationBelow,
		}
	}
	if r.DefaultIdleDays > 0 {
		rules.DefaultIdle = &classifier.IdleRule{After: days(r.DefaultIdleDays)}
	}
	return rules
}

// ExecutorOptions converts the executor section. The grace period comes
// from the rules so the pre-delete check matches the governor.
func (c *Config) ExecutorOptions() executor.Options {
	e := c.Executor
	return executor.Options{
		MaxAttempts:    e.MaxAttempts,
		BaseBackoff:    e.BaseBackoff.Std(),
		MaxBackoff:     e.MaxBackoff.Std(),
		Multiplier:     e.Multiplier,
		Jitter:         e.Jitter,
		VerifyAttempts: e.VerifyAttempts,
		VerifyInterval: e.VerifyInterval.Std(),
		GracePeriod:    days(c.Rules.GracePeriodDays),
	}
}

// GovernorOptions converts the governor section and lifecycle switches.
func (c *Config) GovernorOptions() governor.Options {
	g := c.Governor
	filter := types.ResourceFilter{
		IDs:        g.IDs,
		TagPresent: g.TagPresent,
		TagAbsent:  g.TagAbsent,
	}
	for _, k := range g.Kinds {
		filter.Kinds = append(filter.Kinds, types.Kind(k))
	}
	return governor.Options{
		Workers:       g.Workers,
		PassTimeout:   g.PassTimeout.Std(),
		Retention:     days(g.RetentionDays),
		RetryBudget:   c.Rules.RetryBudget,
		DryRun:        c.Rules.DryRun,
		ForceDelete:   c.Rules.ForceDelete,
		FallbackOwner: c.Rules.FallbackOwner,
		Filter:        filter,
	}
}

// ProviderSettings converts the provider section.
func (c *Config) ProviderSettings() providers.ProviderConfig {
	p := c.Provider
	return providers.ProviderConfig{
		Region:              p.Region,
		Profile:             p.Profile,
		Path:                p.FixturePath,
		UtilizationLookback: days(p.UtilizationLookbackDays),
		SkipFinalSnapshot:   p.SkipFinalSnapshot,
	}
}

// SQLStoreConfig converts the store section for the SQL drivers.
func (c *Config) SQLStoreConfig() sqlstore.Config {
	return sqlstore.Config{
		Dialect:      sqlstore.Dialect(c.Store.Driver),
		DSN:          c.Store.DSN,
		MaxOpenConns: c.Store.MaxOpenConns,
	}
}

// WebhookSettings converts the webhook sink, or returns false when unset.
func (c *Config) WebhookSettings() (notifier.WebhookConfig, bool) {
	w := c.Notifier.Webhook
	if w == nil {
		return notifier.WebhookConfig{}, false
	}
	return notifier.WebhookConfig{URL: w.URL, Headers: w.Headers, Timeout: w.Timeout.Std()}, true
}

// JournalConfig converts the wal section.
func (c *Config) JournalConfig() wal.Config {
	return wal.Config{Dir: c.WAL.Dir, RetentionDays: c.WAL.RetentionDays}
}

// OTELConfig converts the telemetry section.
func (c *Config) OTELConfig(version string) telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		OTLPEndpoint:   t.OTLPEndpoint,
		Insecure:       t.Insecure,
		SampleRate:     t.SampleRate,
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * classifier.Day
}
