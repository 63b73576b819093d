package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/stclean/internal/keys"
)

func writeManifest(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultNames[0])
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestRewriteStripsMarker(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, t.TempDir(),
		`{"weight_map": {"layer.0._checkpoint_wrapped_module.bias": "shard1.bin"}}`)

	res, err := Rewrite(path, keys.Default(), false)
	require.NoError(t, err)
	assert.True(t, res.Modified)
	assert.Equal(t, []keys.Rename{{From: "layer.0._checkpoint_wrapped_module.bias", To: "layer.0.bias"}}, res.Renames)

	want := map[string]any{
		"weight_map": map[string]any{"layer.0.bias": "shard1.bin"},
	}
	if diff := cmp.Diff(want, readJSON(t, path)); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestRewritePreservesOtherFields(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, t.TempDir(), `{
  "metadata": {"total_size": 123456, "format": "pt", "tags": ["a", "<b>"]},
  "extra": null,
  "weight_map": {
    "model.embed.weight": "model-00001-of-00002.safetensors",
    "model.layers.0._checkpoint_wrapped_module.mlp.weight": "model-00002-of-00002.safetensors"
  }
}`)
	before := readJSON(t, path)

	res, err := Rewrite(path, keys.Default(), false)
	require.NoError(t, err)
	require.True(t, res.Modified)

	after := readJSON(t, path)
	assert.Equal(t, before["metadata"], after["metadata"])
	assert.Contains(t, after, "extra")
	assert.Nil(t, after["extra"])

	wantMap := map[string]any{
		"model.embed.weight":        "model-00001-of-00002.safetensors",
		"model.layers.0.mlp.weight": "model-00002-of-00002.safetensors",
	}
	if diff := cmp.Diff(wantMap, after["weight_map"]); diff != "" {
		t.Fatalf("weight_map mismatch (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<b>", "html characters must not be escaped")
}

func TestRewriteDeterministicOutput(t *testing.T) {
	t.Parallel()
	body := `{"weight_map": {"b._checkpoint_wrapped_module.w": "s2", "a.w": "s1"}, "metadata": {"x": 1}}`
	p1 := writeManifest(t, t.TempDir(), body)
	p2 := writeManifest(t, t.TempDir(), body)

	_, err := Rewrite(p1, keys.Default(), false)
	require.NoError(t, err)
	_, err = Rewrite(p2, keys.Default(), false)
	require.NoError(t, err)

	b1, err := os.ReadFile(p1)
	require.NoError(t, err)
	b2, err := os.ReadFile(p2)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestRewriteNoChangeLeavesFileUntouched(t *testing.T) {
	t.Parallel()
	body := `{"weight_map":{"a.weight":"s1.safetensors"},   "metadata":{}}`
	path := writeManifest(t, t.TempDir(), body)

	res, err := Rewrite(path, keys.Default(), false)
	require.NoError(t, err)
	assert.False(t, res.Modified)
	assert.Empty(t, res.Renames)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestRewriteWithoutWeightMap(t *testing.T) {
	t.Parallel()
	body := `{"metadata": {"layer._checkpoint_wrapped_module": "x"}}`
	path := writeManifest(t, t.TempDir(), body)

	res, err := Rewrite(path, keys.Default(), false)
	require.NoError(t, err)
	assert.False(t, res.Modified)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestRewriteMissing(t *testing.T) {
	t.Parallel()
	_, err := Rewrite(filepath.Join(t.TempDir(), DefaultNames[0]), keys.Default(), false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRewriteCorrupt(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, t.TempDir(), `{"weight_map": {`)
	res, err := Rewrite(path, keys.Default(), false)
	assert.Error(t, err)
	assert.False(t, res.Modified)
}

func TestRewriteWeightMapWrongType(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, t.TempDir(), `{"weight_map": ["a", "b"]}`)
	res, err := Rewrite(path, keys.Default(), false)
	assert.Error(t, err)
	assert.False(t, res.Modified)
}

func TestRewriteNotAnObject(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, t.TempDir(), `null`)
	_, err := Rewrite(path, keys.Default(), false)
	assert.Error(t, err)
}

func TestRewriteDryRun(t *testing.T) {
	t.Parallel()
	body := `{"weight_map": {"a._checkpoint_wrapped_module.w": "s1"}}`
	path := writeManifest(t, t.TempDir(), body)

	res, err := Rewrite(path, keys.Default(), true)
	require.NoError(t, err)
	assert.False(t, res.Modified)
	assert.Len(t, res.Renames, 1)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
}

func TestNormalizeWeightMapCollisionLastWins(t *testing.T) {
	t.Parallel()
	in := map[string]string{
		"a._checkpoint_wrapped_module.w": "s1",
		"a.w":                            "s2",
	}
	out, renames := NormalizeWeightMap(in, keys.Default())

	// "a._..." sorts before "a.w", so the already-normalized key wins.
	assert.Equal(t, map[string]string{"a.w": "s2"}, out)
	assert.Len(t, renames, 1)
}

func TestNormalizeWeightMapNoDuplicateForms(t *testing.T) {
	t.Parallel()
	in := map[string]string{
		"l.0._checkpoint_wrapped_module.w": "s1",
		"l.1._checkpoint_wrapped_module.w": "s2",
		"l.2.w":                            "s2",
	}
	out, _ := NormalizeWeightMap(in, keys.Default())
	for k := range out {
		assert.Equal(t, keys.Normalize(k), k)
	}
	assert.Equal(t, map[string]string{"l.0.w": "s1", "l.1.w": "s2", "l.2.w": "s2"}, out)
}

func TestFindPrefersFirstName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, ok := Find(dir, DefaultNames)
	assert.False(t, ok)

	legacy := filepath.Join(dir, "model.index.json")
	require.NoError(t, os.WriteFile(legacy, []byte(`{}`), 0o644))
	got, ok := Find(dir, DefaultNames)
	require.True(t, ok)
	assert.Equal(t, legacy, got)

	hf := filepath.Join(dir, "model.safetensors.index.json")
	require.NoError(t, os.WriteFile(hf, []byte(`{}`), 0o644))
	got, ok = Find(dir, DefaultNames)
	require.True(t, ok)
	assert.Equal(t, hf, got)
}

func TestDocumentField(t *testing.T) {
	t.Parallel()
	path := writeManifest(t, t.TempDir(), `{"metadata": {"total_size": 10}}`)
	doc, err := Load(path)
	require.NoError(t, err)

	raw, ok := doc.Field("metadata")
	require.True(t, ok)
	assert.JSONEq(t, `{"total_size": 10}`, string(raw))

	_, ok, err = doc.WeightMap()
	require.NoError(t, err)
	assert.False(t, ok)
}
