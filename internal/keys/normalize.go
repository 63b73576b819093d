package keys

import "strings"

// DefaultMarker is the fragment activation-checkpoint wrappers splice into
// parameter names.
const DefaultMarker = "._checkpoint_wrapped_module"

// Rename records one key that changed under normalization.
type Rename struct {
	From string
	To   string
}

// Normalizer strips Marker from tensor keys.
type Normalizer struct {
	Marker string
}

// Default returns a Normalizer for DefaultMarker.
func Default() Normalizer {
	return Normalizer{Marker: DefaultMarker}
}

// Normalize strips DefaultMarker from key.
func Normalize(key string) string {
	return Default().Normalize(key)
}

// Normalize removes every occurrence of the marker from key. Removal repeats
// until none is left, so the result never contains the marker even when
// removing one occurrence splices a new one together.
func (n Normalizer) Normalize(key string) string {
	if n.Marker == "" {
		return key
	}
	for strings.Contains(key, n.Marker) {
		key = strings.ReplaceAll(key, n.Marker, "")
	}
	return key
}

// Changed returns the normalized key and whether it differs from key.
func (n Normalizer) Changed(key string) (string, bool) {
	out := n.Normalize(key)
	return out, out != key
}
