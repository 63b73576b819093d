package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stclean/internal/clean"
	"github.com/samcharles93/stclean/internal/keys"
	"github.com/samcharles93/stclean/internal/logger"
)

func newApp(stdout, stderr io.Writer) *cli.Command {
	o := &options{}
	return &cli.Command{
		Name:      "stclean",
		Usage:     "Strip checkpoint-wrapper fragments from safetensors tensor keys",
		ArgsUsage: "<file.safetensors | model-dir>",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     append(cleanFlags(o), loggingFlags(o)...),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := LoadConfig(o.configPath)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			applyConfig(cmd, cfg, o)

			level := o.logLevel
			if o.debug {
				level = "debug"
			}
			log, err := logger.ForFormat(cmd.Root().ErrWriter, o.logFormat, logger.ParseLevel(level))
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if strings.EqualFold(o.logFormat, "json") {
				log = log.With("run", uuid.NewString())
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runClean(ctx, cmd, o)
		},
		Commands: []*cli.Command{
			versionCmd(),
		},
	}
}

func runClean(ctx context.Context, cmd *cli.Command, o *options) error {
	if cmd.NArg() != 1 {
		return cli.Exit("error: expected exactly one path (a .safetensors file or a directory)", 1)
	}
	target := cmd.Args().First()
	log := logger.FromContext(ctx)

	c := clean.New(clean.Options{
		Normalizer:    keys.Normalizer{Marker: o.marker},
		ManifestNames: o.manifestNames,
		Jobs:          o.jobs,
		DryRun:        o.dryRun,
	}, log)

	// Run only fails on path resolution (missing or unsupported target).
	rep, err := c.Run(target)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	out := cmd.Root().Writer
	if !o.quiet && len(rep.Shards) > 0 {
		if err := renderSummary(out, rep); err != nil {
			log.Warn("failed to render summary", "error", err)
		}
	}
	if n := rep.Failed(); n > 0 {
		log.Warn("some files could not be processed", "failed", n)
	}
	_, _ = fmt.Fprintln(out, "Processing complete!")
	return nil
}
