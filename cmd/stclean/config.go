package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the stclean configuration file (~/.config/stclean/config.yaml).
// Values only apply when the matching flag was not set on the command line.
type Config struct {
	Marker        string   `yaml:"marker"`
	ManifestNames []string `yaml:"manifest_names"`
	Jobs          *int     `yaml:"jobs"`
	DryRun        *bool    `yaml:"dry_run"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "stclean", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfig fills options from cfg where the flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config, o *options) {
	if cfg.Marker != "" && !c.IsSet("marker") {
		o.marker = cfg.Marker
	}
	if len(cfg.ManifestNames) > 0 && !c.IsSet("manifest") {
		o.manifestNames = cfg.ManifestNames
	}
	if cfg.Jobs != nil && !c.IsSet("jobs") {
		o.jobs = *cfg.Jobs
	}
	if cfg.DryRun != nil && !c.IsSet("dry-run") {
		o.dryRun = *cfg.DryRun
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		o.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		o.logFormat = cfg.LogFormat
	}
}
