// Package config loads the service configuration with viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. RMM_HTTP_ADDR.
const EnvPrefix = "RMM"

// Dedup strategies accepted by alerting.dedup.strategy.
const (
	DedupNone   = "none"
	DedupWindow = "window"
)

// Config is the top-level service configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Actions    ActionsConfig    `mapstructure:"actions"`
	Sampler    SamplerConfig    `mapstructure:"sampler"`
	SeedFile   string           `mapstructure:"seed_file"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig configures the optional JetStream transport. An empty URL runs
// everything in-process.
type NATSConfig struct {
	URL                string        `mapstructure:"url"`
	MaxReconnects      int           `mapstructure:"max_reconnects"`
	ReconnectWait      time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	QueueGroup         string        `mapstructure:"queue_group"`
	StreamMaxAge       time.Duration `mapstructure:"stream_max_age"`
	AckWait            time.Duration `mapstructure:"ack_wait"`
	MaxDeliver         int           `mapstructure:"max_deliver"`
	SubscribeTelemetry bool          `mapstructure:"subscribe_telemetry"`
}

// Enabled reports whether a NATS server is configured.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

type StorageConfig struct {
	Path              string        `mapstructure:"path"`
	SampleRetention   time.Duration `mapstructure:"sample_retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
}

// EvaluationConfig sizes the background worker pool.
type EvaluationConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

type WorkflowConfig struct {
	MaxConcurrency      int  `mapstructure:"max_concurrency"`
	AllowUnknownActions bool `mapstructure:"allow_unknown_actions"`
}

type AlertingConfig struct {
	DispatchTimeout time.Duration    `mapstructure:"dispatch_timeout"`
	DefaultChannels []string         `mapstructure:"default_channels"`
	Dedup           DedupConfig      `mapstructure:"dedup"`
	Email           []EmailConfig    `mapstructure:"email"`
	Webhooks        []WebhookConfig  `mapstructure:"webhooks"`
	Shoutrrr        []ShoutrrrConfig `mapstructure:"shoutrrr"`
	MQTT            []MQTTConfig     `mapstructure:"mqtt"`
}

type DedupConfig struct {
	Strategy string        `mapstructure:"strategy"`
	Window   time.Duration `mapstructure:"window"`
}

type EmailConfig struct {
	Name     string   `mapstructure:"name"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type WebhookConfig struct {
	Name          string            `mapstructure:"name"`
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	RatePerSecond float64           `mapstructure:"rate_per_second"`
	Burst         int               `mapstructure:"burst"`
}

type ShoutrrrConfig struct {
	Name string   `mapstructure:"name"`
	URLs []string `mapstructure:"urls"`
}

type MQTTConfig struct {
	Name     string `mapstructure:"name"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
	Retain   bool   `mapstructure:"retain"`
}

type ActionsConfig struct {
	AllowLocalScripts bool          `mapstructure:"allow_local_scripts"`
	DockerEnabled     bool          `mapstructure:"docker_enabled"`
	NotifyTimeout     time.Duration `mapstructure:"notify_timeout"`
	Ticket            TicketConfig  `mapstructure:"ticket"`
}

type TicketConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// SamplerConfig configures the local host sampler.
type SamplerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	DeviceID string `mapstructure:"device_id"`
	DiskPath string `mapstructure:"disk_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "rmm-automation")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.queue_group", "rmm_automation")
	v.SetDefault("nats.stream_max_age", 24*time.Hour)
	v.SetDefault("nats.ack_wait", 30*time.Second)
	v.SetDefault("nats.max_deliver", 3)
	v.SetDefault("nats.subscribe_telemetry", true)

	v.SetDefault("storage.path", "rmm.db")
	v.SetDefault("storage.sample_retention", 7*24*time.Hour)
	v.SetDefault("storage.retention_schedule", "@hourly")

	v.SetDefault("evaluation.workers", 4)
	v.SetDefault("evaluation.queue_size", 1024)
	v.SetDefault("evaluation.task_timeout", time.Minute)

	v.SetDefault("workflow.max_concurrency", 8)
	v.SetDefault("workflow.allow_unknown_actions", true)

	v.SetDefault("alerting.dispatch_timeout", 10*time.Second)
	v.SetDefault("alerting.default_channels", []string{"log"})
	v.SetDefault("alerting.dedup.strategy", DedupNone)
	v.SetDefault("alerting.dedup.window", 5*time.Minute)

	v.SetDefault("actions.allow_local_scripts", false)
	v.SetDefault("actions.docker_enabled", false)
	v.SetDefault("actions.notify_timeout", 10*time.Second)
	v.SetDefault("actions.ticket.url", "")
	v.SetDefault("actions.ticket.timeout", 10*time.Second)

	v.SetDefault("sampler.enabled", false)
	v.SetDefault("sampler.schedule", "@every 1m")
	v.SetDefault("sampler.device_id", "")
	v.SetDefault("sampler.disk_path", "/")

	v.SetDefault("seed_file", "")
}

// New returns a viper instance with defaults, environment overrides and, when
// found, the config file. An empty path searches ./config and . for config.yaml.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is New followed by Decode.
func Load(path string) (*Config, *viper.Viper, error) {
	v, err := New(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("config: http.addr is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	if c.Evaluation.Workers <= 0 {
		return fmt.Errorf("config: evaluation.workers must be positive")
	}
	if c.Evaluation.QueueSize <= 0 {
		return fmt.Errorf("config: evaluation.queue_size must be positive")
	}
	if c.Alerting.DispatchTimeout <= 0 {
		return fmt.Errorf("config: alerting.dispatch_timeout must be positive")
	}

	switch c.Alerting.Dedup.Strategy {
	case DedupNone, "":
	case DedupWindow:
		if c.Alerting.Dedup.Window <= 0 {
			return fmt.Errorf("config: alerting.dedup.window must be positive for the window strategy")
		}
	default:
		return fmt.Errorf("config: alerting.dedup.strategy must be %s or %s; got %q", DedupNone, DedupWindow, c.Alerting.Dedup.Strategy)
	}

	names := map[string]bool{"log": true}
	register := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("config: alerting.%s entries need a name", kind)
		}
		if names[name] {
			return fmt.Errorf("config: duplicate notification channel %q", name)
		}
		names[name] = true
		return nil
	}
	for _, e := range c.Alerting.Email {
		if err := register("email", e.Name); err != nil {
			return err
		}
	}
	for _, w := range c.Alerting.Webhooks {
		if err := register("webhooks", w.Name); err != nil {
			return err
		}
	}
	for _, s := range c.Alerting.Shoutrrr {
		if err := register("shoutrrr", s.Name); err != nil {
			return err
		}
	}
	for _, m := range c.Alerting.MQTT {
		if err := register("mqtt", m.Name); err != nil {
			return err
		}
		if m.QoS < 0 || m.QoS > 2 {
			return fmt.Errorf("config: alerting.mqtt %q: qos must be 0, 1 or 2", m.Name)
		}
	}
	for _, name := range c.Alerting.DefaultChannels {
		if !names[name] {
			return fmt.Errorf("config: default channel %q is not configured", name)
		}
	}

	if c.NATS.Enabled() && c.NATS.MaxDeliver <= 0 {
		return fmt.Errorf("config: nats.max_deliver must be positive")
	}
	if c.Sampler.Enabled {
		if c.Sampler.DeviceID == "" {
			return fmt.Errorf("config: sampler.device_id is required when the sampler is enabled")
		}
		if c.Sampler.Schedule == "" {
			return fmt.Errorf("config: sampler.schedule is required when the sampler is enabled")
		}
	}
	if c.Storage.SampleRetention > 0 && c.Storage.RetentionSchedule == "" {
		return fmt.Errorf("config: storage.retention_schedule is required when sample_retention is set")
	}
	return nil
}
