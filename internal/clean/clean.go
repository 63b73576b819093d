// Package clean strips wrapper fragments from tensor keys across the shards
// of a safetensors model and keeps the shard index in step.
package clean

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/stclean/internal/keys"
	"github.com/samcharles93/stclean/internal/logger"
	"github.com/samcharles93/stclean/internal/manifest"
	"github.com/samcharles93/stclean/internal/safetensors"
)

var (
	ErrPathNotFound    = errors.New("clean: path does not exist")
	ErrUnsupportedPath = errors.New("clean: path must be a .safetensors file or a directory")
)

type Mode string

const (
	ModeFile      Mode = "file"
	ModeDirectory Mode = "directory"
)

type Options struct {
	Normalizer keys.Normalizer
	// ManifestNames are tried in order next to the shards. Defaults to
	// manifest.DefaultNames.
	ManifestNames []string
	// Jobs bounds concurrent shard rewrites. Values below 1 mean 1.
	Jobs int
	// DryRun reports what would change without writing anything.
	DryRun bool
}

// ShardResult is the outcome of rewriting one shard. Err is set when the
// shard could not be read or written; the shard is then left untouched.
type ShardResult struct {
	Path       string
	Renames    []keys.Rename
	Collisions []string
	Modified   bool
	Err        error
}

// Changed reports whether any key in the shard needs (or needed) renaming.
func (r ShardResult) Changed() bool { return len(r.Renames) > 0 }

// Report summarizes one Run.
type Report struct {
	Target          string
	Mode            Mode
	DryRun          bool
	Shards          []ShardResult
	Manifest        *manifest.Result
	ManifestErr     error
	ManifestMissing bool
}

// ShardsChanged reports whether any shard was modified, or in a dry run,
// would have been.
func (r Report) ShardsChanged() bool {
	for _, s := range r.Shards {
		if s.Modified || (r.DryRun && s.Err == nil && s.Changed()) {
			return true
		}
	}
	return false
}

// Failed counts per-file failures, including the manifest.
func (r Report) Failed() int {
	n := 0
	for _, s := range r.Shards {
		if s.Err != nil {
			n++
		}
	}
	if r.ManifestErr != nil {
		n++
	}
	return n
}

type Cleaner struct {
	opts Options
	log  logger.Logger
}

func New(opts Options, log logger.Logger) *Cleaner {
	if len(opts.ManifestNames) == 0 {
		opts.ManifestNames = manifest.DefaultNames
	}
	if opts.Jobs < 1 {
		opts.Jobs = 1
	}
	if log == nil {
		log = logger.Default()
	}
	return &Cleaner{opts: opts, log: log}
}

// IsShard reports whether path names a safetensors file.
func IsShard(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), safetensors.Ext)
}

// Run cleans path, which is either a single shard or a directory of shards.
// Only a missing or unsupported path is returned as an error; per-file
// failures are recorded in the Report.
func (c *Cleaner) Run(path string) (Report, error) {
	rep := Report{Target: path, DryRun: c.opts.DryRun}

	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rep, fmt.Errorf("%w: %s", ErrPathNotFound, path)
		}
		return rep, fmt.Errorf("clean: stat %s: %w", path, err)
	}

	switch {
	case st.Mode().IsRegular() && IsShard(path):
		rep.Mode = ModeFile
		rep.Shards = []ShardResult{c.RewriteShard(path)}
		// Other shards may have been cleaned by an earlier run, so the
		// manifest is checked regardless of this shard's outcome.
		c.rewriteManifest(&rep, filepath.Dir(path))
	case st.IsDir():
		rep.Mode = ModeDirectory
		shards, err := FindShards(path)
		if err != nil {
			return rep, fmt.Errorf("clean: list %s: %w", path, err)
		}
		if len(shards) == 0 {
			c.log.Info("no safetensors files found", "path", path)
			return rep, nil
		}
		c.log.Info("found safetensors files", "path", path, "count", len(shards))
		rep.Shards = c.rewriteShards(shards)
		if rep.ShardsChanged() {
			c.rewriteManifest(&rep, path)
		}
	default:
		return rep, fmt.Errorf("%w: %s", ErrUnsupportedPath, path)
	}
	return rep, nil
}

// FindShards lists the safetensors files directly inside dir, sorted.
func FindShards(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !IsShard(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// rewriteShards runs RewriteShard over paths with at most Jobs in flight and
// returns once every shard has finished.
func (c *Cleaner) rewriteShards(paths []string) []ShardResult {
	results := make([]ShardResult, len(paths))
	var g errgroup.Group
	g.SetLimit(c.opts.Jobs)
	for i, p := range paths {
		g.Go(func() error {
			results[i] = c.RewriteShard(p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Cleaner) rewriteManifest(rep *Report, dir string) {
	path, ok := manifest.Find(dir, c.opts.ManifestNames)
	if !ok {
		rep.ManifestMissing = true
		c.log.Info("no manifest found to update", "dir", dir, "names", strings.Join(c.opts.ManifestNames, ","))
		return
	}

	log := c.log.With("path", path)
	res, err := manifest.Rewrite(path, c.opts.Normalizer, c.opts.DryRun)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			rep.ManifestMissing = true
			log.Info("manifest not found")
			return
		}
		rep.ManifestErr = err
		log.Error("manifest rewrite failed", "error", err)
		return
	}
	rep.Manifest = &res
	for _, r := range res.Renames {
		log.Debug("index rename", "from", r.From, "to", r.To)
	}
	switch {
	case res.Modified:
		log.Info("updated manifest", "renamed", len(res.Renames))
	case len(res.Renames) > 0:
		log.Info("manifest would be updated", "renamed", len(res.Renames))
	default:
		log.Info("no manifest entries needed modification")
	}
}
