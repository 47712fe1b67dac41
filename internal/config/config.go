// Package config loads mindmap settings from defaults, an optional
// mindmap.yaml, MINDMAP_ environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iksnae/mindmap/internal"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override, with dots in
	// keys replaced by underscores: MINDMAP_SERVER_ADDR.
	EnvPrefix = "MINDMAP"
	// FileName is the config file name looked up without its extension
	FileName = "mindmap"
)

// Config is the full mindmap configuration
type Config struct {
	Workspace string        `mapstructure:"workspace" yaml:"workspace"`
	DataDir   string        `mapstructure:"data_dir" yaml:"data_dir"`
	Database  string        `mapstructure:"database" yaml:"database"`
	TraceFile string        `mapstructure:"trace_file" yaml:"trace_file"`
	Session   SessionConfig `mapstructure:"session" yaml:"session"`
	Logger    LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig  `mapstructure:"server" yaml:"server"`
	Git       GitConfig     `mapstructure:"git" yaml:"git"`
	Engine    EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Ingest    IngestConfig  `mapstructure:"ingest" yaml:"ingest"`
}

// SessionConfig describes root sessions created by serve
type SessionConfig struct {
	Prompt string `mapstructure:"prompt" yaml:"prompt"`
}

// LoggerConfig holds logging and log rotation settings
type LoggerConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig configures the HTTP and websocket surface
type ServerConfig struct {
	Addr              string  `mapstructure:"addr" yaml:"addr"`
	ReadLimit         int64   `mapstructure:"read_limit" yaml:"read_limit"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second" yaml:"messages_per_second"`
}

// GitConfig configures the versioned workspace store
type GitConfig struct {
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	NotesRef    string        `mapstructure:"notes_ref" yaml:"notes_ref"`
	AuthorName  string        `mapstructure:"author_name" yaml:"author_name"`
	AuthorEmail string        `mapstructure:"author_email" yaml:"author_email"`
}

// EngineConfig configures the reasoning engine subprocess
type EngineConfig struct {
	Command     string        `mapstructure:"command" yaml:"command"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// IngestConfig tunes the reasoning log watcher
type IngestConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	Debounce    time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("data_dir", internal.DefaultDataDir)
	v.SetDefault("database", "")
	v.SetDefault("trace_file", internal.DefaultTraceFile)

	v.SetDefault("session.prompt", "")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)
	v.SetDefault("logger.compress", false)

	v.SetDefault("server.addr", "127.0.0.1:8765")
	v.SetDefault("server.read_limit", 64*1024)
	v.SetDefault("server.messages_per_second", 20.0)

	v.SetDefault("git.timeout", 30*time.Second)
	v.SetDefault("git.notes_ref", "mindmap")
	v.SetDefault("git.author_name", "mindmap")
	v.SetDefault("git.author_email", "mindmap@localhost")

	v.SetDefault("engine.command", "")
	v.SetDefault("engine.timeout", 5*time.Minute)
	v.SetDefault("engine.max_attempts", 3)
	v.SetDefault("engine.retry_delay", 2*time.Second)

	v.SetDefault("ingest.settle_delay", 150*time.Millisecond)
	v.SetDefault("ingest.debounce", 50*time.Millisecond)
}

// NewViper returns a viper instance with defaults and environment
// overrides wired. When file is empty mindmap.yaml is searched in the
// current directory and then $HOME/.config/mindmap.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "mindmap"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// FromViper unmarshals and validates the configuration
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration made of defaults only
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := FromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate checks the configuration for sane values
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must not be empty")
	}
	if c.TraceFile == "" {
		return fmt.Errorf("trace_file must not be empty")
	}
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if c.Server.ReadLimit <= 0 {
		return fmt.Errorf("server.read_limit must be positive")
	}
	if c.Server.MessagesPerSecond <= 0 {
		return fmt.Errorf("server.messages_per_second must be positive")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("engine.max_attempts must be a positive integer")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be a positive duration")
	}
	if c.Git.Timeout <= 0 {
		return fmt.Errorf("git.timeout must be a positive duration")
	}
	if c.Git.NotesRef == "" {
		return fmt.Errorf("git.notes_ref must not be empty")
	}
	return nil
}

// LogOptions converts the logger section for internal.InitLogger
func (c LoggerConfig) LogOptions() internal.LogOptions {
	return internal.LogOptions{
		Level:      c.Level,
		Format:     c.Format,
		LogFile:    c.LogFile,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
	}
}

// Paths resolves the workspace relative locations
func (c *Config) Paths() (internal.WorkspacePaths, error) {
	return internal.DetectWorkspacePaths(c.Workspace, c.DataDir, c.Database, c.TraceFile)
}
