package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/stclean/internal/fsutil"
)

// Entry is one named tensor to be written.
type Entry struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}

type writeHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// EncodeHeader builds the length-prefixed header for entries laid out in
// sorted-name order. The JSON is space-padded to an 8-byte boundary.
func EncodeHeader(entries []Entry, metadata map[string]string) ([]byte, []Entry, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for i, e := range sorted {
		if e.Name == metadataKey {
			return nil, nil, fmt.Errorf("safetensors: reserved tensor name %q", e.Name)
		}
		if i > 0 && sorted[i-1].Name == e.Name {
			return nil, nil, fmt.Errorf("safetensors: duplicate tensor name %q", e.Name)
		}
		shape := e.Shape
		if shape == nil {
			shape = []int64{}
		}
		end := off + int64(len(e.Data))
		header[e.Name] = writeHeader{DType: e.DType, Shape: shape, DataOffsets: [2]int64{off, end}}
		off = end
	}

	js, err := json.Marshal(header)
	if err != nil {
		return nil, nil, fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(js)%8 != 0 {
		js = append(js, ' ')
	}

	out := make([]byte, 8, 8+len(js))
	binary.LittleEndian.PutUint64(out, uint64(len(js)))
	return append(out, js...), sorted, nil
}

// Write replaces path with a container holding entries and metadata.
// The content is staged in a temp file next to path and renamed over it
// only after a complete, synced write, so a failed write leaves the
// original untouched.
func Write(path string, entries []Entry, metadata map[string]string) error {
	header, sorted, err := EncodeHeader(entries, metadata)
	if err != nil {
		return err
	}
	err = fsutil.WriteAtomic(path, func(w *bufio.Writer) error {
		if _, err := w.Write(header); err != nil {
			return err
		}
		for _, e := range sorted {
			if _, err := w.Write(e.Data); err != nil {
				return fmt.Errorf("safetensors: write tensor %q: %w", e.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}
	return nil
}
