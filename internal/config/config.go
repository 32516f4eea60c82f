package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "scamprobe.yml"

// MaxTaskDeadline caps orchestrator.task_deadline.
const MaxTaskDeadline = 120 * time.Second

// Config models scamprobe.yml.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Redis        RedisConfig        `yaml:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Progress     ProgressConfig     `yaml:"progress"`
	Extract      ExtractConfig      `yaml:"extract"`
	Tools        ToolsConfig        `yaml:"tools"`
	LLM          LLMConfig          `yaml:"llm"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Log          LogConfig          `yaml:"log"`
	Webhooks     []WebhookConfig    `yaml:"webhooks,omitempty"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	// APIKeys accepts keys issued with "scamprobe apikey create" in the
	// X-Api-Key header.
	APIKeys bool `yaml:"api_keys"`
}

type StorageConfig struct {
	Workspace string `yaml:"workspace"`
}

type QueueConfig struct {
	// Backend is memory or redis.
	Backend      string        `yaml:"backend"`
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	// StaleAfter is how long a running task may go without an update
	// before recovery puts it back on the queue.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type OrchestratorConfig struct {
	PerTaskConcurrency int           `yaml:"per_task_concurrency"`
	GlobalConcurrency  int           `yaml:"global_concurrency"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	TaskDeadline       time.Duration `yaml:"task_deadline"`
	ReasonerTimeout    time.Duration `yaml:"reasoner_timeout"`
	Retention          time.Duration `yaml:"retention"`
	PurgeSchedule      string        `yaml:"purge_schedule"`
}

type ProgressConfig struct {
	Heartbeat        time.Duration `yaml:"heartbeat"`
	HistorySize      int           `yaml:"history_size"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
}

type ExtractConfig struct {
	DefaultRegion string `yaml:"default_region"`
}

type ToolsConfig struct {
	// Enabled lists tool names; empty enables every tool.
	Enabled          []string               `yaml:"enabled,omitempty"`
	WebSearch        WebSearchConfig        `yaml:"web_search"`
	DomainReputation DomainReputationConfig `yaml:"domain_reputation"`
	CacheTTL         time.Duration          `yaml:"cache_ttl"`
}

type WebSearchConfig struct {
	Endpoint      string        `yaml:"endpoint,omitempty"`
	APIKey        string        `yaml:"api_key,omitempty"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

type DomainReputationConfig struct {
	TLSProbe    bool          `yaml:"tls_probe"`
	NewCertDays int           `yaml:"new_cert_days"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"api_key,omitempty"`
	BaseURL     string  `yaml:"base_url,omitempty"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Enabled reports whether an LLM is configured; without one the heuristic
// and keyword classifiers answer alone.
func (c LLMConfig) Enabled() bool {
	return c.Provider != "" && c.Provider != "none" && c.APIKey != ""
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Tool names known to the config; kept in step with internal/tools.
var knownTools = map[string]bool{
	"scam_record":       true,
	"domain_reputation": true,
	"web_search":        true,
	"number_format":     true,
	"business_registry": true,
}

// longestRoute is the most tools any entity type routes to.
const longestRoute = 4

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("config.redis.addr is required for the redis queue backend")
		}
	default:
		return fmt.Errorf("config.queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	if c.Queue.Workers <= 0 {
		return errors.New("config.queue.workers must be positive")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("config.queue.max_attempts must be at least 1")
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		return errors.New("config.queue.backoff_max must be at least backoff_base")
	}
	if c.Queue.ProbeTimeout <= 0 {
		return errors.New("config.queue.probe_timeout must be positive")
	}
	o := c.Orchestrator
	if o.PerTaskConcurrency <= 0 || o.GlobalConcurrency <= 0 {
		return errors.New("config.orchestrator concurrency limits must be positive")
	}
	if o.ToolTimeout <= 0 || o.ReasonerTimeout <= 0 {
		return errors.New("config.orchestrator timeouts must be positive")
	}
	if err := c.ValidateDeadline(c.routeLen()); err != nil {
		return err
	}
	if o.Retention <= 0 {
		return errors.New("config.orchestrator.retention must be positive")
	}
	if strings.TrimSpace(o.PurgeSchedule) == "" {
		return errors.New("config.orchestrator.purge_schedule is required")
	}
	if c.Progress.Heartbeat <= 0 {
		return errors.New("config.progress.heartbeat must be positive")
	}
	if c.Progress.HistorySize <= 0 || c.Progress.SubscriberBuffer <= 0 {
		return errors.New("config.progress history_size and subscriber_buffer must be positive")
	}
	if len(c.Extract.DefaultRegion) != 2 {
		return fmt.Errorf("config.extract.default_region must be a two-letter region, got %q", c.Extract.DefaultRegion)
	}
	for _, name := range c.Tools.Enabled {
		if !knownTools[name] {
			return fmt.Errorf("config.tools.enabled has unknown tool %s", name)
		}
	}
	switch c.LLM.Provider {
	case "", "none", "openai":
	default:
		return fmt.Errorf("config.llm.provider %s is not supported", c.LLM.Provider)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ValidateDeadline checks that the task deadline leaves room for a route of
// routeLen sequential tool timeouts and stays under MaxTaskDeadline.
func (c *Config) ValidateDeadline(routeLen int) error {
	o := c.Orchestrator
	if routeLen < 1 {
		routeLen = 1
	}
	if o.TaskDeadline > MaxTaskDeadline {
		return fmt.Errorf("config.orchestrator.task_deadline %s exceeds %s", o.TaskDeadline, MaxTaskDeadline)
	}
	if min := o.ToolTimeout * time.Duration(routeLen); o.TaskDeadline <= min {
		return fmt.Errorf("config.orchestrator.task_deadline %s must exceed tool_timeout x %d (%s)", o.TaskDeadline, routeLen, min)
	}
	return nil
}

func (c *Config) routeLen() int {
	if len(c.Tools.Enabled) == 0 || len(c.Tools.Enabled) > longestRoute {
		return longestRoute
	}
	return len(c.Tools.Enabled)
}

// ToolEnabled reports whether name is switched on.
func (c *Config) ToolEnabled(name string) bool {
	if len(c.Tools.Enabled) == 0 {
		return true
	}
	for _, n := range c.Tools.Enabled {
		if n == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config over the defaults. A missing file yields
// the defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Storage.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Workspace == "" {
		cfg.Storage.Workspace = workspace
	}
	return cfg, nil
}

// FromYAML parses config from raw YAML bytes on top of the defaults and
// validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Overlay applies the keys set in v (flags or SCAMPROBE_* environment
// variables) and revalidates.
func (c *Config) Overlay(v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	str("server.addr", &c.Server.Addr)
	str("server.jwt_secret", &c.Server.JWTSecret)
	if v.IsSet("server.api_keys") {
		c.Server.APIKeys = v.GetBool("server.api_keys")
	}
	str("queue.backend", &c.Queue.Backend)
	num("queue.workers", &c.Queue.Workers)
	str("redis.addr", &c.Redis.Addr)
	str("redis.password", &c.Redis.Password)
	num("redis.db", &c.Redis.DB)
	dur("orchestrator.tool_timeout", &c.Orchestrator.ToolTimeout)
	dur("orchestrator.task_deadline", &c.Orchestrator.TaskDeadline)
	str("tools.web_search.endpoint", &c.Tools.WebSearch.Endpoint)
	str("tools.web_search.api_key", &c.Tools.WebSearch.APIKey)
	str("llm.provider", &c.LLM.Provider)
	str("llm.api_key", &c.LLM.APIKey)
	str("llm.base_url", &c.LLM.BaseURL)
	str("llm.model", &c.LLM.Model)
	str("log.level", &c.Log.Level)
	if v.IsSet("log.pretty") {
		c.Log.Pretty = v.GetBool("log.pretty")
	}
	if v.IsSet("telemetry.enabled") {
		c.Telemetry.Enabled = v.GetBool("telemetry.enabled")
	}
	return c.Validate()
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v1
  api_keys: false

queue:
  backend: memory
  workers: 4
  max_attempts: 3
  backoff_base: 2s
  backoff_max: 30s
  probe_timeout: 200ms
  heartbeat: 5s
  stale_after: 2m

redis:
  addr: ""
  db: 0

orchestrator:
  per_task_concurrency: 4
  global_concurrency: 32
  tool_timeout: 5s
  task_deadline: 60s
  reasoner_timeout: 15s
  retention: 24h
  purge_schedule: "@every 10m"

progress:
  heartbeat: 15s
  history_size: 64
  subscriber_buffer: 32

extract:
  default_region: US

tools:
  cache_ttl: 1h
  web_search:
    rate_per_second: 2
    burst: 4
    cache_ttl: 6h
  domain_reputation:
    tls_probe: true
    new_cert_days: 30
    cache_ttl: 6h

llm:
  provider: openai
  model: gpt-4o-mini
  temperature: 0.1
  max_tokens: 600

telemetry:
  enabled: false
  service_name: scamprobe

log:
  level: info
  pretty: false
`
