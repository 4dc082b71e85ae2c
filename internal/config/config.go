package config

import (
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// WorkerConfig controls admission and bounded execution of synthesis jobs.
type WorkerConfig struct {
	MaxConcurrentJobs int `yaml:"maxConcurrentJobs"`
	PollIntervalMs    int `yaml:"pollIntervalMs"`
	// QueueCapacity bounds the admission queue. Zero means unbounded.
	QueueCapacity     int `yaml:"queueCapacity"`
	ShutdownTimeoutMs int `yaml:"shutdownTimeoutMs"`
}

// SynthConfig describes the external renderer invoked for each job.
type SynthConfig struct {
	Command           string   `yaml:"command"`
	Args              []string `yaml:"args"`
	WorkDir           string   `yaml:"workDir"`
	ResultDir         string   `yaml:"resultDir"`
	TimeoutMs         int      `yaml:"timeoutMs"`
	DownloadTimeoutMs int      `yaml:"downloadTimeoutMs"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

// RetentionConfig controls expiry of terminal jobs nobody collected and of
// history rows, so neither grows without bound.
type RetentionConfig struct {
	Enabled                bool `yaml:"enabled"`
	CleanupIntervalMinutes int  `yaml:"cleanupIntervalMinutes"`
	TerminalEntryMinutes   int  `yaml:"terminalEntryMinutes"`
	HistoryDays            int  `yaml:"historyDays"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Worker    WorkerConfig    `yaml:"worker"`
	Synth     SynthConfig     `yaml:"synth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.ApplyDefaults()
	return &cfg
}

// ApplyDefaults fills zero values with the defaults the service was
// originally deployed with (port 8383, four concurrent jobs).
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8383
	}
	if c.Worker.MaxConcurrentJobs <= 0 {
		c.Worker.MaxConcurrentJobs = 4
	}
	if c.Worker.PollIntervalMs <= 0 {
		c.Worker.PollIntervalMs = 1000
	}
	if c.Worker.QueueCapacity < 0 {
		c.Worker.QueueCapacity = 0
	}
	if c.Worker.ShutdownTimeoutMs <= 0 {
		c.Worker.ShutdownTimeoutMs = 30000
	}
	if c.Synth.WorkDir == "" {
		c.Synth.WorkDir = os.TempDir()
	}
	if c.Synth.ResultDir == "" {
		c.Synth.ResultDir = "result"
	}
	if c.Synth.TimeoutMs <= 0 {
		c.Synth.TimeoutMs = 1800000
	}
	if c.Synth.DownloadTimeoutMs <= 0 {
		c.Synth.DownloadTimeoutMs = 120000
	}
	if c.Retention.CleanupIntervalMinutes <= 0 {
		c.Retention.CleanupIntervalMinutes = 60
	}
}

// SlogLevel maps the configured level name onto a slog.Level, defaulting
// to info for unknown or empty values.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
