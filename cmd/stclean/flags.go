package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stclean/internal/keys"
	"github.com/samcharles93/stclean/internal/manifest"
)

const envConfigPath = "STCLEAN_CONFIG"

type options struct {
	configPath    string
	marker        string
	manifestNames []string
	jobs          int
	dryRun        bool
	quiet         bool
	logLevel      string
	logFormat     string
	debug         bool
}

func cleanFlags(o *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "marker",
			Usage:       "substring to strip from every tensor key",
			Value:       keys.DefaultMarker,
			Destination: &o.marker,
		},
		&cli.StringSliceFlag{
			Name:        "manifest",
			Aliases:     []string{"index"},
			Usage:       "index filename(s) to look for next to the shards, first match wins",
			Value:       manifest.DefaultNames,
			Destination: &o.manifestNames,
		},
		&cli.IntFlag{
			Name:        "jobs",
			Aliases:     []string{"j"},
			Usage:       "number of shards to rewrite concurrently",
			Value:       1,
			Destination: &o.jobs,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Aliases:     []string{"n"},
			Usage:       "report what would change without writing any file",
			Destination: &o.dryRun,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "do not print the per-file summary table",
			Destination: &o.quiet,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (defaults to the user config dir)",
			Sources:     cli.EnvVars(envConfigPath),
			Destination: &o.configPath,
		},
	}
}

func loggingFlags(o *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &o.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &o.logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &o.debug,
		},
	}
}
