// Package config resolves server settings from defaults, an optional YAML
// file and the environment. Command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/criteo/newman-server/internal/orchestrator"
	"gopkg.in/yaml.v3"
)

// Environment variables read by FromEnv.
const (
	EnvPort            = "NEWMAN_SERVER_PORT"
	EnvReportsFolder   = "NEWMAN_SERVER_REPORTS_FOLDER"
	EnvTimeout         = "NEWMAN_SERVER_TIMEOUT"
	EnvShutdownTimeout = "NEWMAN_SERVER_SHUTDOWN_TIMEOUT"
)

// Config holds everything the server needs to start.
type Config struct {
	Port          int    `yaml:"port"`
	ReportsFolder string `yaml:"temp_reports_folder"`
	// TimeoutMS is the default run timeout in milliseconds.
	TimeoutMS       int64         `yaml:"timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	Structured      bool          `yaml:"structured"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Port:            8080,
		ReportsFolder:   "./temp_reports",
		TimeoutMS:       300000,
		ShutdownTimeout: 10 * time.Second,
	}
}

// RunTimeout returns the default run timeout as a duration.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.ReportsFolder) == "" {
		errs = append(errs, errors.New("temp reports folder must not be empty"))
	}
	if _, ok := orchestrator.TimeoutFromMillis(c.TimeoutMS); !ok {
		errs = append(errs, fmt.Errorf("timeout must be between 1 and %d ms, got %d", orchestrator.MaxTimeoutMillis, c.TimeoutMS))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown timeout must not be negative, got %s", c.ShutdownTimeout))
	}
	return errors.Join(errs...)
}

// Load reads path over base. Unknown keys are rejected. An empty path
// returns base unchanged.
func Load(path string, base Config) (Config, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, base)
}

// Parse decodes a YAML document over base.
func Parse(data []byte, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// FromEnv applies environment overrides on top of cfg.
func FromEnv(cfg Config) (Config, error) {
	var err error
	if cfg.Port, err = envInt(EnvPort, cfg.Port); err != nil {
		return Config{}, err
	}
	cfg.ReportsFolder = envString(EnvReportsFolder, cfg.ReportsFolder)
	timeout, err := envInt(EnvTimeout, int(cfg.TimeoutMS))
	if err != nil {
		return Config{}, err
	}
	cfg.TimeoutMS = int64(timeout)
	if cfg.ShutdownTimeout, err = envDuration(EnvShutdownTimeout, cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve applies defaults, the optional file and the environment in order.
func Resolve(path string) (Config, error) {
	cfg, err := Load(path, Default())
	if err != nil {
		return Config{}, err
	}
	return FromEnv(cfg)
}
