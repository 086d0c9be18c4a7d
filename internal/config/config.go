// Copyright 2025 James Ross
// Package config loads the process-wide DistributedConfig from environment
// variables (with an optional YAML overlay), validates it once at startup,
// and is treated as read-only for the remainder of the process.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Redis holds connection settings for the broker/result store.
type Redis struct {
	URL                string        `mapstructure:"url"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// ScalingConfig is the per-worker-type autoscaling policy (spec §3).
type ScalingConfig struct {
	MinWorkers         int           `mapstructure:"min_workers"`
	MaxWorkers         int           `mapstructure:"max_workers"`
	ScaleUpThreshold   int           `mapstructure:"scale_up_threshold"`
	ScaleDownThreshold int           `mapstructure:"scale_down_threshold"`
	CooldownSeconds    float64       `mapstructure:"cooldown_seconds"`
	Cooldown           time.Duration `mapstructure:"-"`
}

// WorkerTypeConfig is the full per-type configuration: its queue, heartbeat
// namespace, and scaling policy.
type WorkerTypeConfig struct {
	Name                string        `mapstructure:"name"`
	JobQueueName        string        `mapstructure:"job_queue_name"`
	HeartbeatKeyPattern string        `mapstructure:"heartbeat_key_pattern"`
	Scaling             ScalingConfig `mapstructure:"scaling"`
	Enabled             bool          `mapstructure:"enabled"`
	MaxQueueLength      int64         `mapstructure:"max_queue_length"`
}

// CircuitBreaker configures the runtime façade's breaker.
type CircuitBreaker struct {
	MaxFails int           `mapstructure:"max_fails"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// Observability configures logging/metrics/tracing.
type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TracingEndpoint     string        `mapstructure:"tracing_endpoint"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Producer configures the optional synthetic load generator (cmd/meshcore
// -role producer): a periodic "status" ping per enabled worker type, useful
// for exercising the broker/pool/scaling pipeline without a real frontend.
type Producer struct {
	RatePerSecond float64 `mapstructure:"rate_per_second"`
}

// OrchestratorSettings carries the connection details for whichever
// backend cfg.Orchestrator selects. Only the selected backend's fields
// need to be populated.
type OrchestratorSettings struct {
	KubernetesNamespace  string            `mapstructure:"kubernetes_namespace"`
	ContainerdAddress    string            `mapstructure:"containerd_address"`
	ContainerdNamespace  string            `mapstructure:"containerd_namespace"`
	FlyAppName           string            `mapstructure:"fly_app_name"`
	FlyAPIToken          string            `mapstructure:"fly_api_token"`
	WorkerImages         map[string]string `mapstructure:"worker_images"`
}

// Admin configures the C5 admin HTTP API: stats/peek/dlq/scale/circuit
// endpoints used by operators and frontends, per SPEC_FULL.md's ambient
// admin-surface section.
type Admin struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	RequireAuth        bool          `mapstructure:"require_auth"`
	JWTSecret          string        `mapstructure:"jwt_secret"`
	RateLimitEnabled   bool          `mapstructure:"rate_limit_enabled"`
	RateLimitPerSecond float64       `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int           `mapstructure:"rate_limit_burst"`
	CORSEnabled        bool          `mapstructure:"cors_enabled"`
	CORSAllowOrigins   []string      `mapstructure:"cors_allow_origins"`
	AuditEnabled       bool          `mapstructure:"audit_enabled"`
	AuditLogPath       string        `mapstructure:"audit_log_path"`
	AuditMaxSizeMB     int           `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups    int           `mapstructure:"audit_max_backups"`
}

// Orchestrator selects the backend driving scale_to.
type Orchestrator string

const (
	OrchestratorDockerAPI   Orchestrator = "docker-api"
	OrchestratorKubernetes  Orchestrator = "kubernetes"
	OrchestratorFly         Orchestrator = "fly"
)

// Config is the DistributedConfig of spec.md §3: a map of worker type name
// to its configuration, plus global settings. Loaded once at startup and
// never mutated afterward.
type Config struct {
	Redis           Redis                       `mapstructure:"redis"`
	WorkerTypes     map[string]WorkerTypeConfig `mapstructure:"-"`
	Orchestrator    Orchestrator                `mapstructure:"orchestrator"`
	CheckInterval   time.Duration               `mapstructure:"check_interval"`
	HealthTimeout   time.Duration               `mapstructure:"worker_health_timeout"`
	ReclaimInterval time.Duration               `mapstructure:"reclaim_interval"`
	VisibilityTimeout time.Duration             `mapstructure:"visibility_timeout"`
	CircuitBreaker  CircuitBreaker              `mapstructure:"circuit_breaker"`
	Observability   Observability               `mapstructure:"observability"`
	Admin           Admin                       `mapstructure:"admin"`
	OrchestratorSettings OrchestratorSettings   `mapstructure:"orchestrator_settings"`
	Producer        Producer                    `mapstructure:"producer"`
}

func defaultWorkerType(name string) WorkerTypeConfig {
	return WorkerTypeConfig{
		Name:                name,
		JobQueueName:        name + ":jobs",
		HeartbeatKeyPattern: "worker:heartbeat:" + name + ":%s",
		Enabled:             true,
		MaxQueueLength:      10000,
		Scaling: ScalingConfig{
			MinWorkers:         0,
			MaxWorkers:         5,
			ScaleUpThreshold:   5,
			ScaleDownThreshold: 1,
			CooldownSeconds:    60,
			Cooldown:           60 * time.Second,
		},
	}
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			URL:                "redis://localhost:6379/0",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		WorkerTypes:       map[string]WorkerTypeConfig{"browser": defaultWorkerType("browser")},
		Orchestrator:      OrchestratorDockerAPI,
		CheckInterval:     30 * time.Second,
		HealthTimeout:      90 * time.Second,
		ReclaimInterval:   15 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		CircuitBreaker: CircuitBreaker{
			MaxFails: 3,
			Cooldown: 30 * time.Second,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
		},
		Admin: Admin{
			ListenAddr:         ":8090",
			ReadTimeout:        5 * time.Second,
			WriteTimeout:       10 * time.Second,
			RequireAuth:        false,
			RateLimitEnabled:   true,
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
			CORSEnabled:        true,
			CORSAllowOrigins:   []string{"*"},
			AuditEnabled:       true,
			AuditLogPath:       "admin-audit.log",
			AuditMaxSizeMB:     50,
			AuditMaxBackups:    5,
		},
		OrchestratorSettings: OrchestratorSettings{
			KubernetesNamespace: "default",
			ContainerdAddress:   "/run/containerd/containerd.sock",
			ContainerdNamespace: "meshcore",
			WorkerImages:        map[string]string{},
		},
		Producer: Producer{RatePerSecond: 1},
	}
}

// Load reads configuration from an optional YAML file at path, overlaid
// with environment variables (REDIS_URL, ORCHESTRATOR, CHECK_INTERVAL,
// WORKER_HEALTH_TIMEOUT, METRICS_PORT, CUSTOM_WORKER_TYPES, and per-type
// <TYPE>_MIN_WORKERS etc., per spec.md §6).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.url", def.Redis.URL)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)
	v.SetDefault("orchestrator", string(def.Orchestrator))
	v.SetDefault("check_interval", def.CheckInterval)
	v.SetDefault("worker_health_timeout", def.HealthTimeout)
	v.SetDefault("reclaim_interval", def.ReclaimInterval)
	v.SetDefault("visibility_timeout", def.VisibilityTimeout)
	v.SetDefault("circuit_breaker.max_fails", def.CircuitBreaker.MaxFails)
	v.SetDefault("circuit_breaker.cooldown", def.CircuitBreaker.Cooldown)
	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)
	v.SetDefault("admin.listen_addr", def.Admin.ListenAddr)
	v.SetDefault("admin.read_timeout", def.Admin.ReadTimeout)
	v.SetDefault("admin.write_timeout", def.Admin.WriteTimeout)
	v.SetDefault("admin.require_auth", def.Admin.RequireAuth)
	v.SetDefault("admin.rate_limit_enabled", def.Admin.RateLimitEnabled)
	v.SetDefault("admin.rate_limit_per_second", def.Admin.RateLimitPerSecond)
	v.SetDefault("admin.rate_limit_burst", def.Admin.RateLimitBurst)
	v.SetDefault("admin.cors_enabled", def.Admin.CORSEnabled)
	v.SetDefault("admin.cors_allow_origins", def.Admin.CORSAllowOrigins)
	v.SetDefault("admin.audit_enabled", def.Admin.AuditEnabled)
	v.SetDefault("admin.audit_log_path", def.Admin.AuditLogPath)
	v.SetDefault("admin.audit_max_size_mb", def.Admin.AuditMaxSizeMB)
	v.SetDefault("admin.audit_max_backups", def.Admin.AuditMaxBackups)
	v.SetDefault("orchestrator_settings.kubernetes_namespace", def.OrchestratorSettings.KubernetesNamespace)
	v.SetDefault("orchestrator_settings.containerd_address", def.OrchestratorSettings.ContainerdAddress)
	v.SetDefault("orchestrator_settings.containerd_namespace", def.OrchestratorSettings.ContainerdNamespace)
	v.SetDefault("orchestrator_settings.fly_app_name", def.OrchestratorSettings.FlyAppName)
	v.SetDefault("producer.rate_per_second", def.Producer.RatePerSecond)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// Explicit binds so AutomaticEnv picks up REDIS_URL, ORCHESTRATOR, etc.
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("orchestrator", "ORCHESTRATOR")
	_ = v.BindEnv("check_interval", "CHECK_INTERVAL")
	_ = v.BindEnv("worker_health_timeout", "WORKER_HEALTH_TIMEOUT")
	_ = v.BindEnv("observability.metrics_port", "METRICS_PORT")
	_ = v.BindEnv("admin.listen_addr", "ADMIN_LISTEN_ADDR")
	_ = v.BindEnv("admin.jwt_secret", "ADMIN_JWT_SECRET")
	_ = v.BindEnv("orchestrator_settings.fly_api_token", "FLY_API_TOKEN")

	cfg := defaultConfig()
	cfg.Redis.URL = v.GetString("redis.url")
	cfg.Redis.PoolSizeMultiplier = v.GetInt("redis.pool_size_multiplier")
	cfg.Redis.MinIdleConns = v.GetInt("redis.min_idle_conns")
	cfg.Redis.DialTimeout = v.GetDuration("redis.dial_timeout")
	cfg.Redis.ReadTimeout = v.GetDuration("redis.read_timeout")
	cfg.Redis.WriteTimeout = v.GetDuration("redis.write_timeout")
	cfg.Redis.MaxRetries = v.GetInt("redis.max_retries")
	cfg.Orchestrator = Orchestrator(v.GetString("orchestrator"))
	cfg.CheckInterval = v.GetDuration("check_interval")
	cfg.HealthTimeout = v.GetDuration("worker_health_timeout")
	cfg.ReclaimInterval = v.GetDuration("reclaim_interval")
	cfg.VisibilityTimeout = v.GetDuration("visibility_timeout")
	cfg.CircuitBreaker.MaxFails = v.GetInt("circuit_breaker.max_fails")
	cfg.CircuitBreaker.Cooldown = v.GetDuration("circuit_breaker.cooldown")
	cfg.Observability.MetricsPort = v.GetInt("observability.metrics_port")
	cfg.Observability.LogLevel = v.GetString("observability.log_level")
	cfg.Observability.TracingEnabled = v.GetBool("observability.tracing_enabled")
	cfg.Observability.TracingEndpoint = v.GetString("observability.tracing_endpoint")
	cfg.Observability.QueueSampleInterval = v.GetDuration("observability.queue_sample_interval")
	cfg.Admin.ListenAddr = v.GetString("admin.listen_addr")
	cfg.Admin.ReadTimeout = v.GetDuration("admin.read_timeout")
	cfg.Admin.WriteTimeout = v.GetDuration("admin.write_timeout")
	cfg.Admin.RequireAuth = v.GetBool("admin.require_auth")
	cfg.Admin.JWTSecret = v.GetString("admin.jwt_secret")
	cfg.Admin.RateLimitEnabled = v.GetBool("admin.rate_limit_enabled")
	cfg.Admin.RateLimitPerSecond = v.GetFloat64("admin.rate_limit_per_second")
	cfg.Admin.RateLimitBurst = v.GetInt("admin.rate_limit_burst")
	cfg.Admin.CORSEnabled = v.GetBool("admin.cors_enabled")
	cfg.Admin.CORSAllowOrigins = v.GetStringSlice("admin.cors_allow_origins")
	cfg.Admin.AuditEnabled = v.GetBool("admin.audit_enabled")
	cfg.Admin.AuditLogPath = v.GetString("admin.audit_log_path")
	cfg.Admin.AuditMaxSizeMB = v.GetInt("admin.audit_max_size_mb")
	cfg.Admin.AuditMaxBackups = v.GetInt("admin.audit_max_backups")
	cfg.OrchestratorSettings.KubernetesNamespace = v.GetString("orchestrator_settings.kubernetes_namespace")
	cfg.OrchestratorSettings.ContainerdAddress = v.GetString("orchestrator_settings.containerd_address")
	cfg.OrchestratorSettings.ContainerdNamespace = v.GetString("orchestrator_settings.containerd_namespace")
	cfg.OrchestratorSettings.FlyAppName = v.GetString("orchestrator_settings.fly_app_name")
	cfg.OrchestratorSettings.FlyAPIToken = v.GetString("orchestrator_settings.fly_api_token")
	if images := v.GetStringMapString("orchestrator_settings.worker_images"); len(images) > 0 {
		cfg.OrchestratorSettings.WorkerImages = images
	}
	cfg.Producer.RatePerSecond = v.GetFloat64("producer.rate_per_second")

	applyWorkerTypeEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// workerImageManifest is the on-disk shape of an operator-maintained image
// manifest: worker type name -> container image reference. Kept as a
// separate YAML file rather than folded into the main config so image tags
// can be bumped by a deploy pipeline without touching config.yaml.
type workerImageManifest struct {
	Images map[string]string `yaml:"images"`
}

// LoadWorkerImageManifest reads a YAML worker-image manifest from path and
// merges it into cfg.OrchestratorSettings.WorkerImages, manifest entries
// winning over any already present. A missing file is not an error; it
// simply leaves WorkerImages untouched.
func LoadWorkerImageManifest(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read worker image manifest: %w", err)
	}
	var manifest workerImageManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse worker image manifest %s: %w", path, err)
	}
	if cfg.OrchestratorSettings.WorkerImages == nil {
		cfg.OrchestratorSettings.WorkerImages = make(map[string]string, len(manifest.Images))
	}
	for name, image := range manifest.Images {
		cfg.OrchestratorSettings.WorkerImages[name] = image
	}
	return nil
}

// applyWorkerTypeEnv expands CUSTOM_WORKER_TYPES and applies
// <TYPE>_MIN_WORKERS / _MAX_WORKERS / _SCALE_UP_THRESHOLD /
// _SCALE_DOWN_THRESHOLD / _COOLDOWN overrides, per spec.md §6.
func applyWorkerTypeEnv(cfg *Config) {
	if extra := os.Getenv("CUSTOM_WORKER_TYPES"); extra != "" {
		for _, name := range strings.Split(extra, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, ok := cfg.WorkerTypes[name]; !ok {
				cfg.WorkerTypes[name] = defaultWorkerType(name)
			}
		}
	}

	for name, wt := range cfg.WorkerTypes {
		prefix := strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "MIN_WORKERS"); v != "" {
			wt.Scaling.MinWorkers = atoiOr(v, wt.Scaling.MinWorkers)
		}
		if v := os.Getenv(prefix + "MAX_WORKERS"); v != "" {
			wt.Scaling.MaxWorkers = atoiOr(v, wt.Scaling.MaxWorkers)
		}
		if v := os.Getenv(prefix + "SCALE_UP_THRESHOLD"); v != "" {
			wt.Scaling.ScaleUpThreshold = atoiOr(v, wt.Scaling.ScaleUpThreshold)
		}
		if v := os.Getenv(prefix + "SCALE_DOWN_THRESHOLD"); v != "" {
			wt.Scaling.ScaleDownThreshold = atoiOr(v, wt.Scaling.ScaleDownThreshold)
		}
		if v := os.Getenv(prefix + "COOLDOWN"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				wt.Scaling.CooldownSeconds = d.Seconds()
				wt.Scaling.Cooldown = d
			}
		}
		if wt.Scaling.Cooldown == 0 && wt.Scaling.CooldownSeconds > 0 {
			wt.Scaling.Cooldown = time.Duration(wt.Scaling.CooldownSeconds * float64(time.Second))
		}
		cfg.WorkerTypes[name] = wt
	}
}

func atoiOr(s string, fallback int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fallback
	}
	return n
}

// Validate checks DistributedConfig invariants: 0 <= min <= max,
// down <= up thresholds, non-empty queue routing.
func Validate(cfg *Config) error {
	if cfg.Redis.URL == "" {
		return fmt.Errorf("redis.url must be set")
	}
	if len(cfg.WorkerTypes) == 0 {
		return fmt.Errorf("at least one worker type must be configured")
	}
	for name, wt := range cfg.WorkerTypes {
		s := wt.Scaling
		if s.MinWorkers < 0 || s.MinWorkers > s.MaxWorkers {
			return fmt.Errorf("worker type %q: 0 <= min_workers(%d) <= max_workers(%d) violated", name, s.MinWorkers, s.MaxWorkers)
		}
		if s.ScaleDownThreshold > s.ScaleUpThreshold {
			return fmt.Errorf("worker type %q: scale_down_threshold(%d) must be <= scale_up_threshold(%d)", name, s.ScaleDownThreshold, s.ScaleUpThreshold)
		}
		if wt.JobQueueName == "" {
			return fmt.Errorf("worker type %q: job_queue_name must be set", name)
		}
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	switch cfg.Orchestrator {
	case OrchestratorDockerAPI, OrchestratorKubernetes, OrchestratorFly:
	default:
		return fmt.Errorf("orchestrator must be one of docker-api|kubernetes|fly, got %q", cfg.Orchestrator)
	}
	if cfg.Admin.RequireAuth && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwt_secret must be set when admin.require_auth is true")
	}
	return nil
}
