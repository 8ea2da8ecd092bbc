// Package config loads the process configuration: secrets from the
// environment, tunables from an optional YAML file. The rate-limiter
// toggle reloads when the file changes; everything else is fixed at
// startup.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// File holds the YAML-tunable settings.
type File struct {
	HTTPAddr         string        `yaml:"http_addr"`
	RelayAddr        string        `yaml:"relay_addr"`
	RedisAddr        string        `yaml:"redis_addr"`
	MaxChunkSize     int           `yaml:"max_chunk_size"`
	DriverTick       time.Duration `yaml:"driver_tick"`
	OutboundQueue    int           `yaml:"outbound_queue"`
	RateLimitEnabled bool          `yaml:"rate_limit_enabled"`
}

// Config is the resolved process configuration.
type Config struct {
	File

	DatabasePassword string
	JWTKey           string

	rateLimit atomic.Bool
}

func defaults() File {
	return File{
		HTTPAddr:      ":7878",
		RelayAddr:     ":7879",
		RedisAddr:     "database:6379",
		MaxChunkSize:  70000,
		DriverTick:    100 * time.Millisecond,
		OutboundQueue: 1024,
	}
}

// Load reads the environment and, when path is non-empty, the YAML
// file at path. A missing JWT_KEY is fatal to the caller.
func Load(path string) (*Config, error) {
	cfg := &Config{File: defaults()}

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DatabasePassword = os.Getenv("DATABASE_PASSWORD")
	cfg.JWTKey = os.Getenv("JWT_KEY")
	if cfg.JWTKey == "" {
		return nil, fmt.Errorf("JWT_KEY is not set")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}

	cfg.rateLimit.Store(cfg.RateLimitEnabled)
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c.File); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// RateLimitEnabledNow reports the current rate-limiter toggle.
func (c *Config) RateLimitEnabledNow() bool {
	return c.rateLimit.Load()
}

// Watch re-reads the YAML file whenever it changes and applies the
// reloadable settings. It returns the watcher so the caller can close
// it on shutdown; an empty path disables watching.
func (c *Config) Watch(path string, logger *logrus.Logger) (*fsnotify.Watcher, error) {
	if path == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				var f File
				data, err := os.ReadFile(path)
				if err != nil {
					logger.WithError(err).Warn("Config reload failed")
					continue
				}
				if err := yaml.Unmarshal(data, &f); err != nil {
					logger.WithError(err).Warn("Config reload failed")
					continue
				}
				c.rateLimit.Store(f.RateLimitEnabled)
				logger.WithField("rate_limit_enabled", f.RateLimitEnabled).Info("Config reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("Config watcher error")
			}
		}
	}()

	return watcher, nil
}
