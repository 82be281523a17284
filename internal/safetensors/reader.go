package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// File layout: [header_len:u64][header_json][tensor_data...]

const metadataKey = "__metadata__"

// maxHeaderSize bounds the JSON header so a corrupt length cannot trigger a huge allocation.
const maxHeaderSize = 100 << 20

var ErrInvalidHeader = errors.New("safetensors: invalid header")

type TensorMeta struct {
	Dtype   string   `json:"dtype"`
	Shape   []int64  `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

type Tensor struct {
	Name string
	TensorMeta
	Data []byte
}

// File holds every tensor of a single safetensors file in header order.
type File struct {
	Metadata map[string]string

	tensors []*Tensor
	index   map[string]int
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := decompressReader(path, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sf, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sf, nil
}

func Read(r io.Reader) (*File, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if n == 0 || n > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, n)
	}

	hdr := make([]byte, n)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	raw := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(bytes.TrimRight(hdr, " "), raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read tensor data: %w", err)
	}

	f := &File{index: make(map[string]int, raw.Len())}
	for pair := raw.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == metadataKey {
			if err := json.Unmarshal(pair.Value, &f.Metadata); err != nil {
				return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidHeader, err)
			}
			continue
		}

		var meta TensorMeta
		if err := json.Unmarshal(pair.Value, &meta); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidHeader, pair.Key, err)
		}

		if err := checkBounds(pair.Key, meta, int64(len(body))); err != nil {
			return nil, err
		}

		begin, end := meta.Offsets[0], meta.Offsets[1]
		f.index[pair.Key] = len(f.tensors)
		f.tensors = append(f.tensors, &Tensor{Name: pair.Key, TensorMeta: meta, Data: body[begin:end]})
	}

	return f, nil
}

func checkBounds(name string, meta TensorMeta, size int64) error {
	width, err := dtypeSize(meta.Dtype)
	if err != nil {
		return fmt.Errorf("tensor %q: %w", name, err)
	}

	begin, end := meta.Offsets[0], meta.Offsets[1]
	if begin < 0 || end < begin || end > size {
		return fmt.Errorf("%w: tensor %q offsets [%d, %d) outside data of %d bytes", ErrInvalidHeader, name, begin, end, size)
	}

	n, ok := numel(meta.Shape)
	if !ok || n > math.MaxInt64/width {
		return fmt.Errorf("%w: tensor %q has invalid shape %v", ErrInvalidHeader, name, meta.Shape)
	}
	if want := n * width; end-begin != want {
		return fmt.Errorf("%w: tensor %q has %d bytes, shape %v needs %d", ErrInvalidHeader, name, end-begin, meta.Shape, want)
	}
	return nil
}

// numel reports false for negative dimensions or an element count that
// overflows int64.
func numel(shape []int64) (int64, bool) {
	n := int64(1)
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt64/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Names returns tensor names in header order.
func (f *File) Names() []string {
	names := make([]string, len(f.tensors))
	for i, t := range f.tensors {
		names[i] = t.Name
	}
	return names
}

func (f *File) Tensor(name string) (*Tensor, bool) {
	i, ok := f.index[name]
	if !ok {
		return nil, false
	}
	return f.tensors[i], true
}

func (f *File) Tensors() []*Tensor {
	return slices.Clone(f.tensors)
}

func (f *File) Len() int { return len(f.tensors) }
