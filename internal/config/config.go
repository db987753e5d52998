package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"crmflow/internal/digest"
	"crmflow/internal/domain"
	"crmflow/internal/webhook"
)

// Config models crmflow.yml.
type Config struct {
	Server struct {
		Addr       string `yaml:"addr"`
		JWTSecret  string `yaml:"jwt_secret"`
		DevHeaders bool   `yaml:"dev_headers"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Tracing struct {
		Enabled bool   `yaml:"enabled"`
		Output  string `yaml:"output"`
	} `yaml:"tracing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Discovery ProviderConfig  `yaml:"discovery"`
	LLM       ProviderConfig  `yaml:"llm"`
	SMTP      SMTPConfig      `yaml:"smtp"`

	Automations []domain.AutomationConfig `yaml:"automations"`
	Digests     []DigestConfig            `yaml:"digests"`
	Webhooks    WebhookConfig             `yaml:"webhooks"`
}

type SchedulerConfig struct {
	StopTimeout time.Duration `yaml:"stop_timeout"`
	AbortGrace  time.Duration `yaml:"abort_grace"`
	Heartbeat   time.Duration `yaml:"heartbeat"`
	// StaleAfter is how old a heartbeat (or an in-flight proposal) must be
	// before the startup sweep treats it as abandoned.
	StaleAfter time.Duration `yaml:"stale_after"`
}

type ProviderConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DigestConfig schedules one digest job.
type DigestConfig struct {
	digest.Job `yaml:",inline"`
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	Interval time.Duration  `yaml:"interval"`
	Timeout  time.Duration  `yaml:"timeout"`
	Hooks    []webhook.Hook `yaml:"hooks"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crmflow.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config over the defaults and validates it.
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

// Load reads path (or the workspace default when path is empty), falls back
// to Default when that file does not exist, then applies CRMFLOW_* overrides
// from the environment.
func Load(path, workspace string, v *viper.Viper) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = Path(workspace)
	}
	cfg, err := FromFile(path)
	if err != nil {
		if !os.IsNotExist(err) || explicit {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		cfg = Default()
	}
	if cfg.Database.Path == "" && workspace != "" {
		cfg.Database.Path = filepath.Join(workspace, ".crmflow", "crmflow.db")
	}
	ApplyEnv(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewViper returns a viper instance bound to the CRMFLOW_ environment prefix,
// so CRMFLOW_SMTP_HOST resolves the key smtp.host.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CRMFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyEnv overlays non-empty environment values on cfg.
func ApplyEnv(cfg *Config, v *viper.Viper) {
	if v == nil {
		v = NewViper()
	}
	set := func(dst *string, key string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}
	set(&cfg.Server.Addr, "addr")
	set(&cfg.Server.JWTSecret, "jwt_secret")
	set(&cfg.Database.Path, "db_path")
	set(&cfg.Log.Level, "log.level")
	set(&cfg.Log.Format, "log.format")

	set(&cfg.SMTP.Host, "smtp.host")
	set(&cfg.SMTP.Username, "smtp.username")
	set(&cfg.SMTP.Password, "smtp.password")
	set(&cfg.SMTP.From, "smtp.from")
	if port := v.GetInt("smtp.port"); port > 0 {
		cfg.SMTP.Port = port
	}

	set(&cfg.Discovery.URL, "discovery.url")
	set(&cfg.Discovery.APIKey, "discovery.api_key")
	set(&cfg.LLM.URL, "llm.url")
	set(&cfg.LLM.APIKey, "llm.api_key")
	set(&cfg.LLM.Model, "llm.model")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json")
	}
	for name, d := range map[string]time.Duration{
		"stop_timeout": c.Scheduler.StopTimeout,
		"abort_grace":  c.Scheduler.AbortGrace,
		"heartbeat":    c.Scheduler.Heartbeat,
		"stale_after":  c.Scheduler.StaleAfter,
	} {
		if d < 0 {
			return fmt.Errorf("config.scheduler.%s must not be negative", name)
		}
	}
	if c.SMTP.Port < 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("config.smtp.port %d out of range", c.SMTP.Port)
	}

	jobs := map[string]string{}
	claim := func(kind, name string) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s with empty name", kind)
		}
		if prev, ok := jobs[name]; ok {
			return fmt.Errorf("%s %s: name already used by a %s", kind, name, prev)
		}
		jobs[name] = kind
		return nil
	}

	for _, a := range c.Automations {
		if err := claim("automation", a.Name); err != nil {
			return err
		}
		if a.TenantID == "" {
			return fmt.Errorf("automation %s: tenant_id is required", a.Name)
		}
		if a.Enabled && a.Interval <= 0 {
			return fmt.Errorf("automation %s: interval must be positive", a.Name)
		}
		if len(a.Targets) == 0 {
			return fmt.Errorf("automation %s: at least one target is required", a.Name)
		}
		for i, t := range a.Targets {
			if t.EntityType == "" {
				return fmt.Errorf("automation %s target %d: entity_type is required", a.Name, i)
			}
			if t.Operation != "" && !t.Operation.Valid() {
				return fmt.Errorf("automation %s target %d: unknown operation %q", a.Name, i, t.Operation)
			}
			if t.Limit < 0 {
				return fmt.Errorf("automation %s target %d: limit must not be negative", a.Name, i)
			}
		}
	}

	for _, d := range c.Digests {
		if err := claim("digest", d.Name); err != nil {
			return err
		}
		if d.TenantID == "" {
			return fmt.Errorf("digest %s: tenant_id is required", d.Name)
		}
		if len(d.Recipients) == 0 {
			return fmt.Errorf("digest %s: at least one recipient is required", d.Name)
		}
		if d.Enabled && d.Interval <= 0 {
			return fmt.Errorf("digest %s: interval must be positive", d.Name)
		}
	}

	if len(c.Webhooks.Hooks) > 0 && c.Webhooks.Interval <= 0 {
		return fmt.Errorf("config.webhooks.interval must be positive")
	}
	hooks := map[string]bool{}
	for _, h := range c.Webhooks.Hooks {
		if strings.TrimSpace(h.Name) == "" {
			return fmt.Errorf("webhook with empty name")
		}
		if hooks[h.Name] {
			return fmt.Errorf("webhook %s defined twice", h.Name)
		}
		hooks[h.Name] = true
		u, err := url.Parse(h.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook %s: url must be an http(s) URL", h.Name)
		}
	}
	return nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  dev_headers: false

log:
  level: info
  format: text

tracing:
  enabled: false

scheduler:
  stop_timeout: 30s
  abort_grace: 5s
  heartbeat: 15s
  stale_after: 2m

discovery:
  timeout: 30s

llm:
  model: gpt-4o-mini
  timeout: 60s

smtp:
  port: 587
  timeout: 30s

webhooks:
  interval: 10s
  timeout: 5s
`
