package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Server
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`

	// Jobs
	JobsDir  string `yaml:"jobs_dir"`
	SimcPath string `yaml:"simc_path"`
	Mode     string `yaml:"mode"`
	Workers  int    `yaml:"workers"`

	// Simulation bounds appended to every profile
	MaxTime    int `yaml:"max_time"`
	Iterations int `yaml:"iterations"`

	MaxProfileBytes int           `yaml:"max_profile_bytes"`
	PollInterval    time.Duration `yaml:"poll_interval"`

	// Retention
	OutputTTL     time.Duration `yaml:"output_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ExpiredRetention is how long ids of swept jobs poll as expired
	ExpiredRetention time.Duration `yaml:"expired_retention"`
	// TempInputTTL is the age at which a blocking-run input counts as leftover
	TempInputTTL time.Duration `yaml:"temp_input_ttl"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Addr:             "127.0.0.1:3000",
		StaticDir:        "frontend",
		JobsDir:          "files",
		SimcPath:         "simc",
		Mode:             "async",
		Workers:          runtime.NumCPU(),
		MaxTime:          300,
		Iterations:       10000,
		MaxProfileBytes:  1 << 20,
		PollInterval:     2 * time.Second,
		OutputTTL:        24 * time.Hour,
		SweepInterval:    10 * time.Minute,
		ExpiredRetention: 7 * 24 * time.Hour,
		TempInputTTL:     6 * time.Hour,
		ShutdownTimeout:  30 * time.Second,
		LogLevel:         "info",
	}
}

// Load loads configuration from .env, an optional YAML file and environment
// variables, in that order of increasing precedence. An empty path falls
// back to QUICKSIM_CONFIG.
func Load(path string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("QUICKSIM_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Addr = getEnv("SERVER_ADDR", c.Addr)
	c.StaticDir = getEnv("QUICKSIM_STATIC_DIR", c.StaticDir)
	c.JobsDir = getEnv("QUICKSIM_JOBS_DIR", c.JobsDir)
	c.SimcPath = getEnv("SIMC_PATH", c.SimcPath)
	c.Mode = getEnv("QUICKSIM_MODE", c.Mode)
	c.LogLevel = getEnv("QUICKSIM_LOG_LEVEL", c.LogLevel)

	var errs []error
	c.Workers = getEnvInt("QUICKSIM_WORKERS", c.Workers, &errs)
	c.MaxTime = getEnvInt("QUICKSIM_MAX_TIME", c.MaxTime, &errs)
	c.Iterations = getEnvInt("QUICKSIM_ITERATIONS", c.Iterations, &errs)
	c.MaxProfileBytes = getEnvInt("QUICKSIM_MAX_PROFILE_BYTES", c.MaxProfileBytes, &errs)
	c.PollInterval = getEnvDuration("QUICKSIM_POLL_INTERVAL", c.PollInterval, &errs)
	c.OutputTTL = getEnvDuration("QUICKSIM_OUTPUT_TTL", c.OutputTTL, &errs)
	c.SweepInterval = getEnvDuration("QUICKSIM_SWEEP_INTERVAL", c.SweepInterval, &errs)
	c.ExpiredRetention = getEnvDuration("QUICKSIM_EXPIRED_RETENTION", c.ExpiredRetention, &errs)
	c.TempInputTTL = getEnvDuration("QUICKSIM_TEMP_INPUT_TTL", c.TempInputTTL, &errs)
	c.ShutdownTimeout = getEnvDuration("QUICKSIM_SHUTDOWN_TIMEOUT", c.ShutdownTimeout, &errs)
	return errors.Join(errs...)
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Mode != "async" && c.Mode != "blocking" {
		errs = append(errs, fmt.Errorf("mode must be async or blocking, got %q", c.Mode))
	}
	if c.JobsDir == "" {
		errs = append(errs, errors.New("jobs_dir must not be empty"))
	}
	if c.SimcPath == "" {
		errs = append(errs, errors.New("simc_path must not be empty"))
	}
	if c.MaxTime <= 0 {
		errs = append(errs, fmt.Errorf("max_time must be positive, got %d", c.MaxTime))
	}
	if c.Iterations <= 0 {
		errs = append(errs, fmt.Errorf("iterations must be positive, got %d", c.Iterations))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.MaxProfileBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_profile_bytes must be positive, got %d", c.MaxProfileBytes))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.ExpiredRetention <= 0 {
		errs = append(errs, errors.New("expired_retention must be positive"))
	}
	if c.TempInputTTL <= 0 {
		errs = append(errs, errors.New("temp_input_ttl must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
