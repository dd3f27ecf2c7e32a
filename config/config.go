// Package config loads rconvert.yaml and turns it into dispatcher options.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/guseggert/rconvert/converter"
	"github.com/guseggert/rconvert/dispatch"
	"github.com/guseggert/rconvert/internal/files"
	"github.com/guseggert/rconvert/internal/logging"
	inet "github.com/guseggert/rconvert/internal/net"
)

// FileName is the name Find looks for.
const FileName = "rconvert.yaml"

type Config struct {
	// MaxWorkers is the number of concurrent worker processes. Zero converts in-process.
	MaxWorkers int    `yaml:"max_workers"`
	Host       string `yaml:"host"`
	// ServerPorts and ClientPorts are inclusive ranges such as "5000-6000".
	ServerPorts    string        `yaml:"server_ports"`
	ClientPorts    string        `yaml:"client_ports"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// AcquireTimeout bounds the wait for a worker slot. Zero waits indefinitely.
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	RedirectStreams bool          `yaml:"redirect_streams"`
	SecureChannel   bool          `yaml:"secure_channel"`
	BaseMemoryMB    int64         `yaml:"base_memory_mb"`
	LogLevel        string        `yaml:"log_level"`
	WorkerLogLevel  string        `yaml:"worker_log_level"`

	Settings converter.Settings `yaml:"settings"`
}

func Default() *Config {
	return &Config{
		MaxWorkers:      0,
		Host:            "127.0.0.1",
		ServerPorts:     "5000-6000",
		ClientPorts:     "7000-8000",
		StartupTimeout:  dispatch.DefaultStartupTimeout,
		RedirectStreams: true,
		BaseMemoryMB:    dispatch.DefaultBaseMemoryMB,
		LogLevel:        "info",
		WorkerLogLevel:  "info",
	}
}

// Load reads the config at path on top of the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(b []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	err := dec.Decode(cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find looks for FileName in dir and its parents, and returns "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

// Validate reports every problem with c at once.
func (c *Config) Validate() error {
	var errs error
	if c.MaxWorkers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers))
	}
	if c.BaseMemoryMB < 0 {
		errs = multierr.Append(errs, fmt.Errorf("base_memory_mb must not be negative, got %d", c.BaseMemoryMB))
	}
	if c.StartupTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("startup_timeout must be positive, got %s", c.StartupTimeout))
	}
	if c.AcquireTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("acquire_timeout must not be negative, got %s", c.AcquireTimeout))
	}
	server, serverErr := inet.ParsePortRange(c.ServerPorts)
	errs = multierr.Append(errs, wrap("server_ports", serverErr))
	client, clientErr := inet.ParsePortRange(c.ClientPorts)
	errs = multierr.Append(errs, wrap("client_ports", clientErr))
	if serverErr == nil && clientErr == nil && server.Overlaps(client) {
		errs = multierr.Append(errs, fmt.Errorf("server_ports %s overlap client_ports %s", server, client))
	}
	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

func wrap(field string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", field, err)
}

// DispatchOptions returns the dispatcher options c describes, logging to log.
func (c *Config) DispatchOptions(log *zap.SugaredLogger) ([]dispatch.Option, error) {
	server, err := inet.ParsePortRange(c.ServerPorts)
	if err != nil {
		return nil, err
	}
	client, err := inet.ParsePortRange(c.ClientPorts)
	if err != nil {
		return nil, err
	}
	return []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithMaxWorkers(c.MaxWorkers),
		dispatch.WithHost(c.Host),
		dispatch.WithServerPorts(server.Low, server.High),
		dispatch.WithClientPorts(client.Low, client.High),
		dispatch.WithStartupTimeout(c.StartupTimeout),
		dispatch.WithAcquireTimeout(c.AcquireTimeout),
		dispatch.WithRedirectStreams(c.RedirectStreams),
		dispatch.WithSecureChannel(c.SecureChannel),
		dispatch.WithBaseMemoryMB(c.BaseMemoryMB),
		dispatch.WithWorkerLogLevel(c.WorkerLogLevel),
	}, nil
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	return logging.New(c.LogLevel)
}
