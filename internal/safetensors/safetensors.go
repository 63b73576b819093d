package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/goccy/go-json"
)

const (
	// Ext is the file suffix shards are recognized by.
	Ext = ".safetensors"

	metadataKey = "__metadata__"

	// Real-world headers are a few KB to a few MB.
	maxHeaderSize = 256 << 20 // 256 MiB
)

// ErrInvalidHeader is returned for files whose header cannot describe a
// valid container.
var ErrInvalidHeader = errors.New("safetensors: invalid header")

// TensorInfo describes one tensor. Start/End are absolute file offsets
// (End is exclusive).
type TensorInfo struct {
	DType string
	Shape []int64
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is a read-only, memory-mapped view of a single safetensors file.
type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string

	f    *os.File
	data mmap.MMap
}

// Open maps path and parses its header.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() < 8 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: file too small: %s", ErrInvalidHeader, path)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("safetensors: mmap %s: %w", path, err)
	}

	sf := &File{Path: path, f: f, data: data}
	if err := sf.parseHeader(); err != nil {
		_ = sf.Close()
		return nil, err
	}
	return sf, nil
}

func (sf *File) parseHeader() error {
	sz := int64(len(sf.data))
	headerLenU64 := binary.LittleEndian.Uint64(sf.data[:8])
	if headerLenU64 > maxHeaderSize {
		return fmt.Errorf("%w: header too large (%d bytes): %s", ErrInvalidHeader, headerLenU64, sf.Path)
	}
	headerLen := int64(headerLenU64)
	if 8+headerLen > sz {
		return fmt.Errorf("%w: header exceeds file size: %s", ErrInvalidHeader, sf.Path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(sf.data[8:8+headerLen], &raw); err != nil {
		return fmt.Errorf("%w: parse header: %v", ErrInvalidHeader, err)
	}

	sf.DataStart = 8 + headerLen
	sf.Metadata = map[string]string{}
	if msg, ok := raw[metadataKey]; ok {
		delete(raw, metadataKey)
		if err := json.Unmarshal(msg, &sf.Metadata); err != nil {
			return fmt.Errorf("%w: parse metadata: %v", ErrInvalidHeader, err)
		}
		if sf.Metadata == nil {
			sf.Metadata = map[string]string{}
		}
	}

	sf.Tensors = make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("%w: parse tensor %q: %v", ErrInvalidHeader, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return fmt.Errorf("%w: tensor %q: invalid data_offsets", ErrInvalidHeader, name)
		}
		startRel, endRel := th.DataOffsets[0], th.DataOffsets[1]
		if startRel < 0 || endRel < startRel {
			return fmt.Errorf("%w: tensor %q: invalid offsets", ErrInvalidHeader, name)
		}
		startAbs := sf.DataStart + startRel
		endAbs := sf.DataStart + endRel
		if endAbs > sz {
			return fmt.Errorf("%w: tensor %q: out-of-bounds data range", ErrInvalidHeader, name)
		}
		nElem, err := numElements(th.Shape)
		if err != nil {
			return fmt.Errorf("%w: tensor %q: %v", ErrInvalidHeader, name, err)
		}
		if elem, ok := dtypeSize(th.DType); ok && nElem*elem != endRel-startRel {
			return fmt.Errorf("%w: tensor %q: dtype/shape mismatch (want %d bytes, have %d)",
				ErrInvalidHeader, name, nElem*elem, endRel-startRel)
		}
		shape := th.Shape
		if shape == nil {
			shape = []int64{}
		}
		sf.Tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: shape,
			Start: startAbs,
			End:   endAbs,
		}
	}
	return nil
}

// Close unmaps and closes the file. It is safe to call more than once.
func (sf *File) Close() error {
	if sf == nil {
		return nil
	}
	var first error
	if sf.data != nil {
		first = sf.data.Unmap()
		sf.data = nil
	}
	if sf.f != nil {
		if err := sf.f.Close(); err != nil && first == nil {
			first = err
		}
		sf.f = nil
	}
	return first
}

func (sf *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := sf.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (sf *File) Names() []string {
	out := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReadTensor copies the raw tensor bytes out of the mapping, so the result
// stays valid after Close.
func (sf *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	if sf.data == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file closed")
	}
	t, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	buf := make([]byte, t.Size())
	copy(buf, sf.data[t.Start:t.End])
	return buf, t, nil
}

func numElements(shape []int64) (int64, error) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > (1<<62)/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func dtypeSize(dtype string) (int64, bool) {
	switch dtype {
	case "BOOL", "U8", "I8", "F8_E4M3", "F8_E5M2":
		return 1, true
	case "U16", "I16", "F16", "BF16":
		return 2, true
	case "U32", "I32", "F32":
		return 4, true
	case "U64", "I64", "F64":
		return 8, true
	default:
		return 0, false
	}
}
