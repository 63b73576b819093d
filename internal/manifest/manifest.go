// Package manifest reads and rewrites sharded safetensors index documents
// (the JSON file mapping each tensor key to the shard that stores it).
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/stclean/internal/fsutil"
	"github.com/samcharles93/stclean/internal/keys"
)

// WeightMapField is the top-level field holding the key -> shard mapping.
const WeightMapField = "weight_map"

// DefaultNames are the index filenames looked for next to the shards, in
// order. The first is the Hugging Face convention.
var DefaultNames = []string{"model.safetensors.index.json", "model.index.json"}

// ErrNotFound is returned by Rewrite when the manifest file does not exist.
var ErrNotFound = errors.New("manifest: not found")

// Document is a parsed manifest. Fields other than the weight map are kept
// as raw JSON and written back unchanged.
type Document struct {
	Path   string
	fields map[string]json.RawMessage
}

// Result describes the outcome of a Rewrite.
type Result struct {
	Path     string
	Modified bool
	Renames  []keys.Rename
}

// Load reads and parses the manifest at path.
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("manifest: %s: document is not an object", path)
	}
	return &Document{Path: path, fields: fields}, nil
}

// Field returns the raw value of a top-level field.
func (d *Document) Field(name string) (json.RawMessage, bool) {
	v, ok := d.fields[name]
	return v, ok
}

// WeightMap returns the key -> shard mapping. ok is false when the document
// has no weight map.
func (d *Document) WeightMap() (m map[string]string, ok bool, err error) {
	raw, ok := d.fields[WeightMapField]
	if !ok {
		return nil, false, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, true, fmt.Errorf("manifest: %s: invalid %s: %w", d.Path, WeightMapField, err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, true, nil
}

// SetWeightMap replaces the weight map, leaving all other fields as they are.
func (d *Document) SetWeightMap(m map[string]string) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest: encode %s: %w", WeightMapField, err)
	}
	d.fields[WeightMapField] = raw
	return nil
}

// Encode renders the document with sorted keys and two-space indentation.
func (d *Document) Encode(w *bufio.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.fields); err != nil {
		return fmt.Errorf("manifest: encode %s: %w", d.Path, err)
	}
	return nil
}

// Save atomically writes the document back to its path.
func (d *Document) Save() error {
	if err := fsutil.WriteAtomic(d.Path, d.Encode); err != nil {
		return fmt.Errorf("manifest: write %s: %w", d.Path, err)
	}
	return nil
}

// Find returns the first of names present as a regular file in dir.
func Find(dir string, names []string) (string, bool) {
	for _, name := range names {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// NormalizeWeightMap applies n to every key of m. Keys are visited in sorted
// order; when two keys collapse to the same normalized key the later one
// wins.
func NormalizeWeightMap(m map[string]string, n keys.Normalizer) (map[string]string, []keys.Rename) {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]string, len(m))
	var renames []keys.Rename
	for _, k := range names {
		nk, changed := n.Changed(k)
		if changed {
			renames = append(renames, keys.Rename{From: k, To: nk})
		}
		out[nk] = m[k]
	}
	return out, renames
}

// Rewrite normalizes the weight map keys of the manifest at path and writes
// the document back if any key changed. With dryRun set the file is never
// written. A missing file yields ErrNotFound.
func Rewrite(path string, n keys.Normalizer, dryRun bool) (Result, error) {
	res := Result{Path: path}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return res, err
	}

	doc, err := Load(path)
	if err != nil {
		return res, err
	}
	wm, ok, err := doc.WeightMap()
	if err != nil || !ok {
		return res, err
	}

	normalized, renames := NormalizeWeightMap(wm, n)
	if len(renames) == 0 {
		return res, nil
	}
	res.Renames = renames
	if dryRun {
		return res, nil
	}
	if err := doc.SetWeightMap(normalized); err != nil {
		return res, err
	}
	if err := doc.Save(); err != nil {
		return res, err
	}
	res.Modified = true
	return res, nil
}
