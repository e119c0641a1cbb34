package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"proposalflow/internal/domain"
)

const FileName = "proposalflow.yml"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config models proposalflow.yml.
type Config struct {
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Coordination struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		KeyPrefix     string `yaml:"key_prefix"`
	} `yaml:"coordination"`
	Timeouts struct {
		Validation    Duration                  `yaml:"validation"`
		Clarification Duration                  `yaml:"clarification"`
		LeadReview    Duration                  `yaml:"lead_review"`
		Processing    map[domain.Status]Duration `yaml:"processing"`
		Call          Duration                  `yaml:"call"`
	} `yaml:"timeouts"`
	Locks struct {
		TTL   Duration `yaml:"ttl"`
		Grace Duration `yaml:"grace"`
	} `yaml:"locks"`
	Dedup struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"dedup"`
	Threads struct {
		TTL Duration `yaml:"ttl"`
	} `yaml:"threads"`
	Retry struct {
		Max  int      `yaml:"max"`
		Base Duration `yaml:"base"`
		Cap  Duration `yaml:"cap"`
	} `yaml:"retry"`
	Queue struct {
		AgingPerMinute  float64                          `yaml:"aging_per_minute"`
		Weights         map[domain.PriorityClass]float64 `yaml:"weights"`
		DeadlineBoost   float64                          `yaml:"deadline_boost"`
		DeadlineWindow  Duration                         `yaml:"deadline_window"`
		RecheckInterval Duration                         `yaml:"recheck_interval"`
	} `yaml:"queue"`
	Worker struct {
		Concurrency      int      `yaml:"concurrency"`
		PollInterval     Duration `yaml:"poll_interval"`
		MaxStepsPerVisit int      `yaml:"max_steps_per_visit"`
		HeartbeatTTL     Duration `yaml:"heartbeat_ttl"`
	} `yaml:"worker"`
	Recovery struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"recovery"`
	Validation struct {
		MaxConcurrentDispatch int `yaml:"max_concurrent_dispatch"`
		CandidatesPerQuestion int `yaml:"candidates_per_question"`
	} `yaml:"validation"`
	Notify struct {
		Mode          string  `yaml:"mode"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
		EscalationTo  string  `yaml:"escalation_to"`
	} `yaml:"notify"`
	Collaborators struct {
		Endpoint string `yaml:"endpoint"`
		Token    string `yaml:"token"`
	} `yaml:"collaborators"`
	Storage struct {
		S3Bucket string `yaml:"s3_bucket"`
		S3Prefix string `yaml:"s3_prefix"`
		Region   string `yaml:"region"`
	} `yaml:"storage"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("config.store.dsn is required for postgres")
	}
	switch c.Coordination.Backend {
	case "sql":
	case "redis":
		if c.Coordination.RedisAddr == "" {
			return fmt.Errorf("config.coordination.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("config.coordination.backend must be sql or redis")
	}
	positive := map[string]Duration{
		"timeouts.validation":    c.Timeouts.Validation,
		"timeouts.clarification": c.Timeouts.Clarification,
		"timeouts.lead_review":   c.Timeouts.LeadReview,
		"timeouts.call":          c.Timeouts.Call,
		"locks.ttl":              c.Locks.TTL,
		"dedup.ttl":              c.Dedup.TTL,
		"threads.ttl":            c.Threads.TTL,
		"retry.base":             c.Retry.Base,
		"retry.cap":              c.Retry.Cap,
		"worker.poll_interval":   c.Worker.PollInterval,
		"worker.heartbeat_ttl":   c.Worker.HeartbeatTTL,
		"recovery.interval":      c.Recovery.Interval,
		"queue.recheck_interval": c.Queue.RecheckInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	if c.Locks.Grace < 0 {
		return fmt.Errorf("config.locks.grace must not be negative")
	}
	if c.Retry.Cap < c.Retry.Base {
		return fmt.Errorf("config.retry.cap must be >= retry.base")
	}
	if c.Retry.Max < 1 {
		return fmt.Errorf("config.retry.max must be >= 1")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config.worker.concurrency must be >= 1")
	}
	if c.Worker.MaxStepsPerVisit < 1 {
		return fmt.Errorf("config.worker.max_steps_per_visit must be >= 1")
	}
	if c.Worker.HeartbeatTTL <= c.Recovery.Interval {
		return fmt.Errorf("config.worker.heartbeat_ttl must exceed recovery.interval")
	}
	for status, d := range c.Timeouts.Processing {
		if !status.Active() {
			return fmt.Errorf("config.timeouts.processing has non-active status %s", status)
		}
		if d <= 0 {
			return fmt.Errorf("processing timeout for %s must be positive", status)
		}
	}
	for class := range c.Queue.Weights {
		switch class {
		case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		default:
			return fmt.Errorf("config.queue.weights has unknown priority %s", class)
		}
	}
	if c.Queue.AgingPerMinute < 0 {
		return fmt.Errorf("config.queue.aging_per_minute must not be negative")
	}
	switch c.Notify.Mode {
	case "log", "http":
	default:
		return fmt.Errorf("config.notify.mode must be log or http")
	}
	if c.Notify.Mode == "http" && c.Collaborators.Endpoint == "" {
		return fmt.Errorf("config.collaborators.endpoint is required for notify.mode http")
	}
	if c.Notify.RatePerSecond < 0 || c.Notify.Burst < 0 {
		return fmt.Errorf("config.notify rate and burst must not be negative")
	}
	if c.Validation.MaxConcurrentDispatch < 1 {
		return fmt.Errorf("config.validation.max_concurrent_dispatch must be >= 1")
	}
	if c.Validation.CandidatesPerQuestion < 1 {
		return fmt.Errorf("config.validation.candidates_per_question must be >= 1")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	return nil
}

// ProcessingTimeout returns the longest time a project may stay in status before
// it is escalated. Zero means no limit.
func (c *Config) ProcessingTimeout(status domain.Status) time.Duration {
	return c.Timeouts.Processing[status].D()
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with pf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data
// keep their default values.
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

const defaultTemplate = `store:
  driver: sqlite
  dsn: ""

coordination:
  backend: sql
  redis_addr: ""
  redis_db: 0
  key_prefix: ""

timeouts:
  validation: 72h
  clarification: 72h
  lead_review: 48h
  call: 2m
  processing:
    analyzing: 1h
    requirements_ready: 2h
    planning: 2h
    draft_ready: 1h
    generating: 1h
    final_ready: 1h

locks:
  ttl: 5m
  grace: 30s

dedup:
  ttl: 48h

threads:
  ttl: 168h

retry:
  max: 3
  base: 60s
  cap: 30m

queue:
  aging_per_minute: 0.1
  weights:
    high: 100
    medium: 50
    low: 10
  deadline_boost: 50
  deadline_window: 72h
  recheck_interval: 5m

worker:
  concurrency: 4
  poll_interval: 2s
  max_steps_per_visit: 8
  heartbeat_ttl: 15m

recovery:
  interval: 5m

validation:
  max_concurrent_dispatch: 10
  candidates_per_question: 1

notify:
  mode: log
  rate_per_second: 5
  burst: 10
  escalation_to: ""

collaborators:
  endpoint: ""
  token: ""

storage:
  s3_bucket: ""
  s3_prefix: proposals/
  region: ""

logging:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  jwt_secret: ""
`
