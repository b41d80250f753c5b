// Package config loads daemon settings from an optional YAML file, WORKQ_ environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Execution unit runtimes.
const (
	RuntimeProcess = "process"
	RuntimeInProc  = "inproc"
	RuntimeDocker  = "docker"
)

// Config holds all configuration values for the daemon.
type Config struct {
	QueueName   string
	Backend     string
	RedisURL    string
	DatabaseURL string

	MaxConcurrentJobs int
	CPULoadThreshold  float64
	RAMLoadThreshold  float64
	JobTimeout        time.Duration
	WorkerIdleTimeout time.Duration
	PollInterval      time.Duration
	PopTimeout        time.Duration
	StoreBackoff      time.Duration
	StatusTTL         time.Duration
	SessionTTL        time.Duration
	RecoverOnStartup  bool

	CrashWindow           time.Duration
	MaxConsecutiveCrashes int
	CrashBackoff          time.Duration

	// Runtime selects how execution units are launched.
	Runtime string
	// UnitPath is the execution unit binary for the process runtime.
	UnitPath string
	// JobCommand is run by a unit for every job, with the job JSON on its stdin.
	JobCommand  []string
	DockerImage string
	RuntimeEnv  map[string]string

	HTTPPort         int
	MetricsPort      int
	APIToken         string
	EnqueueRateLimit float64
	EnqueueBurst     int

	// OTELEndpoint is the OTLP gRPC collector; empty disables tracing.
	OTELEndpoint     string
	TraceSampleRatio float64
	LogLevel         string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue_name", "default")
	v.SetDefault("backend", BackendRedis)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("database_url", "")

	v.SetDefault("max_concurrent_jobs", runtime.NumCPU())
	v.SetDefault("cpu_load_threshold", 80.0)
	v.SetDefault("ram_load_threshold", 85.0)
	v.SetDefault("job_timeout", 30*time.Minute)
	v.SetDefault("worker_idle_timeout", 5*time.Minute)
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("pop_timeout", time.Second)
	v.SetDefault("store_backoff", 5*time.Second)
	v.SetDefault("status_ttl", 24*time.Hour)
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("recover_on_startup", true)

	v.SetDefault("crash_window", time.Minute)
	v.SetDefault("max_consecutive_crashes", 5)
	v.SetDefault("crash_backoff", time.Second)

	v.SetDefault("runtime", RuntimeProcess)
	v.SetDefault("unit_path", "workq-unit")
	v.SetDefault("job_command", []string{})
	v.SetDefault("docker_image", "")
	v.SetDefault("runtime_env", map[string]string{})

	v.SetDefault("http_port", 6161)
	v.SetDefault("metrics_port", 6162)
	v.SetDefault("api_token", "")
	v.SetDefault("enqueue_rate_limit", 50.0)
	v.SetDefault("enqueue_burst", 100)

	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("trace_sample_ratio", 1.0)
	v.SetDefault("log_level", "info")
}

// Load reads configuration. path may be empty, in which case only the
// environment and defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		QueueName:   v.GetString("queue_name"),
		Backend:     strings.ToLower(v.GetString("backend")),
		RedisURL:    v.GetString("redis_url"),
		DatabaseURL: v.GetString("database_url"),

		MaxConcurrentJobs: v.GetInt("max_concurrent_jobs"),
		CPULoadThreshold:  v.GetFloat64("cpu_load_threshold"),
		RAMLoadThreshold:  v.GetFloat64("ram_load_threshold"),
		JobTimeout:        v.GetDuration("job_timeout"),
		WorkerIdleTimeout: v.GetDuration("worker_idle_timeout"),
		PollInterval:      v.GetDuration("poll_interval"),
		PopTimeout:        v.GetDuration("pop_timeout"),
		StoreBackoff:      v.GetDuration("store_backoff"),
		StatusTTL:         v.GetDuration("status_ttl"),
		SessionTTL:        v.GetDuration("session_ttl"),
		RecoverOnStartup:  v.GetBool("recover_on_startup"),

		CrashWindow:           v.GetDuration("crash_window"),
		MaxConsecutiveCrashes: v.GetInt("max_consecutive_crashes"),
		CrashBackoff:          v.GetDuration("crash_backoff"),

		Runtime:     strings.ToLower(v.GetString("runtime")),
		UnitPath:    v.GetString("unit_path"),
		JobCommand:  v.GetStringSlice("job_command"),
		DockerImage: v.GetString("docker_image"),
		RuntimeEnv:  v.GetStringMapString("runtime_env"),

		HTTPPort:         v.GetInt("http_port"),
		MetricsPort:      v.GetInt("metrics_port"),
		APIToken:         v.GetString("api_token"),
		EnqueueRateLimit: v.GetFloat64("enqueue_rate_limit"),
		EnqueueBurst:     v.GetInt("enqueue_burst"),

		OTELEndpoint:     v.GetString("otel_endpoint"),
		TraceSampleRatio: v.GetFloat64("trace_sample_ratio"),
		LogLevel:         v.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var errs []error

	if c.QueueName == "" {
		errs = append(errs, errors.New("queue_name is required"))
	}
	switch c.Backend {
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis_url is required (env: WORKQ_REDIS_URL)"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("database_url is required (env: WORKQ_DATABASE_URL)"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid backend %q (must be %s or %s)", c.Backend, BackendRedis, BackendPostgres))
	}

	switch c.Runtime {
	case RuntimeProcess:
		if c.UnitPath == "" {
			errs = append(errs, errors.New("unit_path is required for the process runtime"))
		}
		if len(c.JobCommand) == 0 {
			errs = append(errs, errors.New("job_command is required for the process runtime (env: WORKQ_JOB_COMMAND)"))
		}
	case RuntimeInProc:
		if len(c.JobCommand) == 0 {
			errs = append(errs, errors.New("job_command is required for the inproc runtime (env: WORKQ_JOB_COMMAND)"))
		}
	case RuntimeDocker:
		if c.DockerImage == "" {
			errs = append(errs, errors.New("docker_image is required for the docker runtime"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid runtime %q (must be %s, %s or %s)", c.Runtime, RuntimeProcess, RuntimeInProc, RuntimeDocker))
	}

	if c.MaxConcurrentJobs <= 0 {
		errs = append(errs, errors.New("max_concurrent_jobs must be positive"))
	}
	if c.CPULoadThreshold <= 0 || c.RAMLoadThreshold <= 0 {
		errs = append(errs, errors.New("load thresholds must be positive"))
	}
	if c.JobTimeout <= 0 || c.WorkerIdleTimeout <= 0 || c.PollInterval <= 0 || c.PopTimeout <= 0 {
		errs = append(errs, errors.New("timeouts and intervals must be positive"))
	}
	if c.StatusTTL <= 0 {
		errs = append(errs, errors.New("status_ttl must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session_ttl must be positive"))
	}
	if c.EnqueueRateLimit <= 0 || c.EnqueueBurst <= 0 {
		errs = append(errs, errors.New("enqueue rate limit and burst must be positive"))
	}

	return errors.Join(errs...)
}
