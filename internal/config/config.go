package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dispatch-agent/utils"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the config file.
const (
	EnvServer            = "DISPATCH_SERVER"
	EnvName              = "DISPATCH_NAME"
	EnvToken             = "DISPATCH_TOKEN"
	EnvWorkspacesPath    = "DISPATCH_WORKSPACES_PATH"
	EnvLogLevel          = "DISPATCH_LOG_LEVEL"
	EnvHeartbeatInterval = "DISPATCH_HEARTBEAT_INTERVAL"
)

// Config is the resolved agent configuration. Intervals and timeouts are
// whole seconds.
type Config struct {
	Server               string `yaml:"server"`
	Name                 string `yaml:"name"`
	Token                string `yaml:"token"`
	WorkspacesPath       string `yaml:"workspaces_path"`
	LogLevel             string `yaml:"log_level"`
	LogFile              string `yaml:"log_file"`
	HeartbeatInterval    int    `yaml:"heartbeat_interval"`
	ReconnectInterval    int    `yaml:"reconnect_interval"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	TaskTimeout          int    `yaml:"task_timeout"`
	TaskHeartbeat        int    `yaml:"task_heartbeat_interval"`
	Shell                string `yaml:"shell"`
	StatusAddr           string `yaml:"status_addr"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Name:                 utils.Hostname(),
		WorkspacesPath:       "./workspaces",
		LogLevel:             "INFO",
		HeartbeatInterval:    30,
		ReconnectInterval:    5,
		MaxReconnectAttempts: -1,
		TaskTimeout:          3600,
		TaskHeartbeat:        30,
	}
}

// LoadEnvFile loads variables from a .env file into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML file at path, expanding ${VAR} references, fills in
// defaults and applies DISPATCH_* environment overrides. The result is not
// validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() error {
	for key, dst := range map[string]*string{
		EnvServer:         &c.Server,
		EnvName:           &c.Name,
		EnvToken:          &c.Token,
		EnvWorkspacesPath: &c.WorkspacesPath,
		EnvLogLevel:       &c.LogLevel,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv(EnvHeartbeatInterval); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", EnvHeartbeatInterval, v, err)
		}
		c.HeartbeatInterval = n
	}
	return nil
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	} else if u, err := url.Parse(c.Server); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("server must be a ws:// or wss:// url, got %q", c.Server))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.WorkspacesPath == "" {
		errs = append(errs, errors.New("workspaces_path is required"))
	}
	for key, v := range map[string]int{
		"heartbeat_interval":      c.HeartbeatInterval,
		"reconnect_interval":      c.ReconnectInterval,
		"task_timeout":            c.TaskTimeout,
		"task_heartbeat_interval": c.TaskHeartbeat,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, v))
		}
	}
	if c.MaxReconnectAttempts < -1 {
		errs = append(errs, fmt.Errorf("max_reconnect_attempts must be -1 (unlimited) or more, got %d", c.MaxReconnectAttempts))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseLevel maps a log_level value to a slog level. TRACE has no slog
// equivalent and logs at debug.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log_level %q", s)
	}
}

func (c *Config) HeartbeatEvery() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *Config) ReconnectEvery() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Second
}

func (c *Config) TaskHeartbeatEvery() time.Duration {
	return time.Duration(c.TaskHeartbeat) * time.Second
}

func (c *Config) DefaultTaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeout) * time.Second
}
