// Package config loads reconciler settings from an optional YAML file, then applies
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/curtailx/curtailx/pkg/difficulty"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/utils"
	"gopkg.in/yaml.v3"
)

// Difficulty backends
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Config is the top-level configuration.
type Config struct {
	Database   Database   `yaml:"database"`
	Redis      Redis      `yaml:"redis"`
	Difficulty Difficulty `yaml:"difficulty"`
	Reconcile  Reconcile  `yaml:"reconcile"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Database struct {
	URL      string `yaml:"url"`
	MinConns int32  `yaml:"min_conns"`
	MaxConns int32  `yaml:"max_conns"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Difficulty configures the difficulty cache and its HTTP source.
type Difficulty struct {
	Endpoints    []string      `yaml:"endpoints"`
	Default      float64       `yaml:"default"`
	Backend      string        `yaml:"backend"`
	RPS          float64       `yaml:"rps"`
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	// Static maps YYYY-MM-DD to a difficulty and replaces the HTTP source when set.
	Static map[string]float64 `yaml:"static"`
}

// Reconcile configures the batch orchestrator and the scheduled run.
type Reconcile struct {
	BatchSize       int           `yaml:"batch_size"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	FixAttempts     int           `yaml:"fix_attempts"`
	FixInitialDelay time.Duration `yaml:"fix_initial_delay"`
	CheckpointPath  string        `yaml:"checkpoint_path"`
	MaxStorePause   time.Duration `yaml:"max_store_pause"`
	LookbackDays    int           `yaml:"lookback_days"`
	// Schedule is a six-field cron spec (seconds first); empty disables the scheduled run.
	Schedule string   `yaml:"schedule"`
	Variants []string `yaml:"variants"`
}

type Server struct {
	Addr          string `yaml:"addr"`
	AdminToken    string `yaml:"admin_token"`
	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
	SessionSecret string `yaml:"session_secret"`
}

type Logging struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Database: Database{MinConns: 1, MaxConns: 10},
		Redis:    Redis{Host: "localhost", Port: 6379},
		Difficulty: Difficulty{
			Default:      difficulty.DefaultDifficulty,
			Backend:      BackendPostgres,
			RPS:          2,
			Attempts:     5,
			InitialDelay: 5 * time.Second,
			Multiplier:   2,
		},
		Reconcile: Reconcile{
			BatchSize:       5,
			MaxConcurrency:  3,
			FixAttempts:     3,
			FixInitialDelay: time.Second,
			CheckpointPath:  "reconcile_checkpoint.json",
			MaxStorePause:   10 * time.Minute,
			LookbackDays:    7,
			Schedule:        "0 0 2 * * *",
		},
		Server: Server{
			Addr:      ":3000",
			AdminUser: "admin",
		},
		Logging: Logging{Level: "info", Encoding: "json"},
	}
}

// Load reads the YAML file at path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, faults.InvalidParameter("load_config", "read %s: %v", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, faults.InvalidParameter("load_config", "parse %s: %v", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets well-known environment variables win over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.Database.URL = utils.Env("POSTGRES_URL", cfg.Database.URL)

	cfg.Redis.Host = utils.Env("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = utils.EnvInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = utils.Env("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = utils.EnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.Enabled = utils.EnvBool("REDIS_ENABLED", cfg.Redis.Enabled)

	if v := utils.Env("DIFFICULTY_URL", ""); v != "" {
		cfg.Difficulty.Endpoints = utils.Dedup(strings.Split(v, ","))
	}

	cfg.Difficulty.Default = utils.EnvFloat("DIFFICULTY_DEFAULT", cfg.Difficulty.Default)

	cfg.Reconcile.CheckpointPath = utils.Env("CHECKPOINT_PATH", cfg.Reconcile.CheckpointPath)
	cfg.Reconcile.BatchSize = utils.EnvInt("BATCH_SIZE", cfg.Reconcile.BatchSize)
	cfg.Reconcile.MaxConcurrency = utils.EnvInt("MAX_CONCURRENCY", cfg.Reconcile.MaxConcurrency)
	cfg.Reconcile.MaxStorePause = utils.EnvDuration("MAX_STORE_PAUSE", cfg.Reconcile.MaxStorePause)

	cfg.Server.Addr = utils.Env("ADDR", cfg.Server.Addr)
	cfg.Server.AdminToken = utils.Env("ADMIN_TOKEN", cfg.Server.AdminToken)
	cfg.Server.AdminPassword = utils.Env("ADMIN_PASSWORD", cfg.Server.AdminPassword)
	cfg.Server.SessionSecret = utils.Env("SESSION_SECRET", cfg.Server.SessionSecret)

	cfg.Logging.Level = utils.Env("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Encoding = utils.Env("LOG_ENCODING", cfg.Logging.Encoding)
}

// Validate rejects settings the reconciler cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Reconcile.BatchSize < 1 {
		problems = append(problems, "reconcile.batch_size must be >= 1")
	}
	if c.Reconcile.MaxConcurrency < 1 {
		problems = append(problems, "reconcile.max_concurrency must be >= 1")
	}
	if c.Reconcile.FixAttempts < 1 {
		problems = append(problems, "reconcile.fix_attempts must be >= 1")
	}
	if c.Reconcile.FixInitialDelay <= 0 {
		problems = append(problems, "reconcile.fix_initial_delay must be > 0")
	}
	if c.Reconcile.LookbackDays < 0 {
		problems = append(problems, "reconcile.lookback_days must be >= 0")
	}
	if c.Difficulty.Default <= 0 {
		problems = append(problems, "difficulty.default must be > 0")
	}
	if c.Difficulty.Attempts < 1 {
		problems = append(problems, "difficulty.attempts must be >= 1")
	}
	if c.Difficulty.InitialDelay <= 0 {
		problems = append(problems, "difficulty.initial_delay must be > 0")
	}
	if c.Difficulty.Multiplier < 1 {
		problems = append(problems, "difficulty.multiplier must be >= 1")
	}
	switch c.Difficulty.Backend {
	case BackendPostgres, BackendNone:
	case BackendRedis:
		if !c.Redis.Enabled {
			problems = append(problems, "difficulty.backend=redis requires redis.enabled")
		}
	default:
		problems = append(problems, fmt.Sprintf("difficulty.backend %q is not one of postgres, redis, none", c.Difficulty.Backend))
	}
	if c.Database.MaxConns < c.Database.MinConns {
		problems = append(problems, "database.max_conns must be >= database.min_conns")
	}

	if len(problems) > 0 {
		return faults.InvalidParameter("validate_config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// RequireDatabase reports a missing database URL.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return faults.InvalidParameter("validate_config", "database.url (or POSTGRES_URL) is required")
	}
	return nil
}
