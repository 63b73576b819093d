package clean

import (
	"path/filepath"

	"github.com/samcharles93/stclean/internal/keys"
	"github.com/samcharles93/stclean/internal/safetensors"
)

// RewriteShard normalizes the tensor keys of one safetensors file in place.
// Payloads, dtypes, shapes and metadata are carried over unchanged. If no key
// needs renaming the file is not touched.
//
// Names are visited in sorted order. Two keys that normalize to the same
// name keep only the later tensor; the clash is logged and listed in
// Collisions but not treated as an error.
func (c *Cleaner) RewriteShard(path string) ShardResult {
	res := ShardResult{Path: path}
	log := c.log.With("path", path)
	log.Debug("processing shard")

	fail := func(err error) ShardResult {
		res.Err = err
		res.Modified = false
		log.Error("shard rewrite failed", "error", err)
		return res
	}

	// Rewrite the link target so a symlinked shard stays a symlink.
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fail(err)
	}

	if !c.opts.DryRun {
		unlock, err := safetensors.Lock(target)
		if err != nil {
			return fail(err)
		}
		defer func() { _ = unlock() }()
	}

	sf, err := safetensors.Open(target)
	if err != nil {
		return fail(err)
	}
	defer func() { _ = sf.Close() }()

	names := sf.Names()
	renamed := make(map[string]string, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		nk, changed := c.opts.Normalizer.Changed(name)
		renamed[name] = nk
		if changed {
			res.Renames = append(res.Renames, keys.Rename{From: name, To: nk})
			log.Debug("renaming", "from", name, "to", nk)
		}
		if seen[nk] {
			res.Collisions = append(res.Collisions, nk)
			log.Warn("normalized key collision, keeping later tensor", "key", nk, "from", name)
		}
		seen[nk] = true
	}

	if !res.Changed() {
		log.Info("no keys needed modification")
		return res
	}

	if c.opts.DryRun {
		log.Info("shard would be updated", "renamed", len(res.Renames))
		return res
	}

	entries := make(map[string]safetensors.Entry, len(names))
	for _, name := range names {
		data, info, err := sf.ReadTensor(name)
		if err != nil {
			return fail(err)
		}
		nk := renamed[name]
		entries[nk] = safetensors.Entry{Name: nk, DType: info.DType, Shape: info.Shape, Data: data}
	}

	// The payloads are heap copies, so the mapping can go before the
	// replacement is renamed over it.
	if err := sf.Close(); err != nil {
		return fail(err)
	}

	list := make([]safetensors.Entry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	if err := safetensors.Write(target, list, sf.Metadata); err != nil {
		return fail(err)
	}

	res.Modified = true
	log.Info("updated shard", "renamed", len(res.Renames))
	return res
}
