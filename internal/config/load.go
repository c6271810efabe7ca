package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	SocketDir      string `yaml:"socket_dir"`
	RegistryDB     string `yaml:"registry_db"`
	LogDir         string `yaml:"log_dir"`
	DefaultChannel string `yaml:"default_channel"`

	HeartbeatInterval   string `yaml:"heartbeat_interval"`
	HeartbeatStaleAfter string `yaml:"heartbeat_stale_after"`
	IdleTimeout         string `yaml:"idle_timeout"`
	ArchiveAfter        string `yaml:"archive_after"`
	ManagerInterval     string `yaml:"manager_interval"`
	InjectSettle        string `yaml:"inject_settle"`

	Buffer struct {
		Size     int    `yaml:"size"`
		Interval string `yaml:"interval"`
	} `yaml:"buffer"`

	Filter struct {
		MinVisibleChars int      `yaml:"min_visible_chars"`
		NoiseTokens     []string `yaml:"noise_tokens"`
		Redact          *bool    `yaml:"redact"`
	} `yaml:"filter"`

	Binary struct {
		Name        string   `yaml:"name"`
		SearchPaths []string `yaml:"search_paths"`
	} `yaml:"binary"`
}

// Load builds a Config from defaults, the optional YAML file at path, and
// TERMRELAY_* environment overrides, in that order. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.applyYAML(data); err != nil {
				return Config{}, fmt.Errorf("config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyYAML(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	setString(&c.SocketDir, expandHome(fc.SocketDir))
	setString(&c.RegistryDBPath, expandHome(fc.RegistryDB))
	setString(&c.LogDir, expandHome(fc.LogDir))
	setString(&c.DefaultChannel, fc.DefaultChannel)
	setString(&c.BinaryName, fc.Binary.Name)
	if len(fc.Binary.SearchPaths) > 0 {
		c.BinarySearchPaths = fc.Binary.SearchPaths
	}
	if fc.Buffer.Size > 0 {
		c.BufferSize = fc.Buffer.Size
	}
	if fc.Filter.MinVisibleChars > 0 {
		c.MinVisibleChars = fc.Filter.MinVisibleChars
	}
	if fc.Filter.NoiseTokens != nil {
		c.NoiseTokens = fc.Filter.NoiseTokens
	}
	if fc.Filter.Redact != nil {
		c.RedactOutput = *fc.Filter.Redact
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"heartbeat_interval", fc.HeartbeatInterval, &c.HeartbeatInterval},
		{"heartbeat_stale_after", fc.HeartbeatStaleAfter, &c.HeartbeatStaleAfter},
		{"idle_timeout", fc.IdleTimeout, &c.IdleTimeout},
		{"archive_after", fc.ArchiveAfter, &c.ArchiveAfter},
		{"manager_interval", fc.ManagerInterval, &c.ManagerInterval},
		{"inject_settle", fc.InjectSettle, &c.InjectSettle},
		{"buffer.interval", fc.Buffer.Interval, &c.BufferInterval},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.SocketDir, os.Getenv("TERMRELAY_SOCKET_DIR"))
	setString(&c.RegistryDBPath, os.Getenv("TERMRELAY_REGISTRY_DB"))
	setString(&c.LogDir, os.Getenv("TERMRELAY_LOG_DIR"))
	setString(&c.DefaultChannel, os.Getenv("TERMRELAY_CHANNEL"))
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
