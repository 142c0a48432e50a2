// Package config loads and persists the server's startup options. The file
// format is the line-based key=value layout of ~/.safechat-server.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"
)

const (
	// FileName is the config file created in the user's home directory.
	FileName = ".safechat-server"

	header = "Config file for SafeChat-Server"
)

// Config holds the server's startup options.
type Config struct {
	Port           int
	MaxConnections int
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	MaxFrameSize   int
	MetricsAddr    string // empty disables the metrics endpoint
	LogLevel       string // debug, info, warn, error
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           5000,
		MaxConnections: 64,
		IdleTimeout:    30 * time.Second,
		SweepInterval:  time.Second,
		MaxFrameSize:   1 << 20,
		MetricsAddr:    ":9090",
		LogLevel:       "info",
	}
}

// DefaultPath returns $HOME/.safechat-server.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, FileName), nil
}

// Load reads path on top of Default(). A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := cfg.parse(f); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) parse(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		key, value, ok := strings.Cut(line, "=")
		if line == "" || !ok {
			continue
		}
		if err := c.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return sc.Err()
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "port":
		c.Port, err = strconv.Atoi(value)
	case "max_sockets":
		c.MaxConnections, err = strconv.Atoi(value)
	case "idle_timeout":
		c.IdleTimeout, err = time.ParseDuration(value)
	case "sweep_interval":
		c.SweepInterval, err = time.ParseDuration(value)
	case "max_frame_size":
		c.MaxFrameSize, err = strconv.Atoi(value)
	case "metrics_addr":
		c.MetricsAddr = value
	case "log_level":
		c.LogLevel = value
	default:
		// Unknown keys are kept out of the struct but do not fail startup.
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

// Validate checks the ranges the server relies on.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port number %d", c.Port)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("invalid number of max sockets %d", c.MaxConnections)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("invalid idle timeout %v", c.IdleTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid sweep interval %v", c.SweepInterval)
	}
	if c.MaxFrameSize < 1 {
		return fmt.Errorf("invalid max frame size %d", c.MaxFrameSize)
	}
	return nil
}

// Save writes the configuration to path, replacing any previous file
// atomically so a crash never leaves a half-written config behind.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(c.marshal())); err != nil {
		return fmt.Errorf("can't write %s: %w", path, err)
	}
	return nil
}

func (c Config) marshal() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n\n", header)
	fmt.Fprintf(&b, "port=%d\n", c.Port)
	fmt.Fprintf(&b, "max_sockets=%d\n", c.MaxConnections)
	fmt.Fprintf(&b, "idle_timeout=%s\n", c.IdleTimeout)
	fmt.Fprintf(&b, "sweep_interval=%s\n", c.SweepInterval)
	fmt.Fprintf(&b, "max_frame_size=%d\n", c.MaxFrameSize)
	fmt.Fprintf(&b, "metrics_addr=%s\n", c.MetricsAddr)
	fmt.Fprintf(&b, "log_level=%s\n", c.LogLevel)
	return b.Bytes()
}
