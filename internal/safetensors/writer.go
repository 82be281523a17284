package safetensors

import (
	"bufio"
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/exp/maps"
	"gonum.org/v1/gonum/mat"
)

// NewTensor serializes m row-major in the requested dtype.
func NewTensor(name string, m *mat.Dense, dtype string) (*Tensor, error) {
	rows, cols := m.Dims()
	b, err := encode(rawData(m), dtype)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", name, err)
	}
	return &Tensor{
		Name: name,
		TensorMeta: TensorMeta{
			Dtype:   normalizeDtype(dtype),
			Shape:   []int64{int64(rows), int64(cols)},
			Offsets: [2]int64{0, int64(len(b))},
		},
		Data: b,
	}, nil
}

// WriteMatrices stores dense matrices under their keys in one dtype.
func WriteMatrices(path string, tensors map[string]*mat.Dense, dtype string, metadata map[string]string) error {
	keys := maps.Keys(tensors)
	slices.Sort(keys)

	ts := make([]*Tensor, 0, len(keys))
	for _, key := range keys {
		t, err := NewTensor(key, tensors[key], dtype)
		if err != nil {
			return err
		}
		ts = append(ts, t)
	}
	return Write(path, ts, metadata)
}

// Write stores tensors sorted by name. A .zst or .lz4 suffix on path
// compresses the whole file.
func Write(path string, tensors []*Tensor, metadata map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	cw, err := compressWriter(path, bw)
	if err != nil {
		return err
	}

	if err := Encode(cw, tensors, metadata); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := cw.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func Encode(w io.Writer, tensors []*Tensor, metadata map[string]string) error {
	ts := slices.Clone(tensors)
	slices.SortFunc(ts, func(a, b *Tensor) int { return cmp.Compare(a.Name, b.Name) })

	header := make(map[string]any, len(ts)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, t := range ts {
		if _, ok := header[t.Name]; ok {
			return fmt.Errorf("duplicate tensor name '%s'", t.Name)
		}
		width, err := dtypeSize(t.Dtype)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		n, ok := numel(t.Shape)
		if !ok || n > math.MaxInt64/width {
			return fmt.Errorf("tensor %q has invalid shape %v", t.Name, t.Shape)
		}
		if want := n * width; int64(len(t.Data)) != want {
			return fmt.Errorf("tensor %q has %d bytes, shape %v needs %d", t.Name, len(t.Data), t.Shape, want)
		}

		header[t.Name] = TensorMeta{
			Dtype:   normalizeDtype(t.Dtype),
			Shape:   t.Shape,
			Offsets: [2]int64{offset, offset + int64(len(t.Data))},
		}
		offset += int64(len(t.Data))
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// data section starts 8-byte aligned
	if pad := (8 - len(hb)%8) % 8; pad > 0 {
		hb = append(hb, bytes.Repeat([]byte{' '}, pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(hb))); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, t := range ts {
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
	}
	return nil
}

// rawData returns the matrix values row-major, copying when the matrix is a view.
func rawData(m *mat.Dense) []float64 {
	raw := m.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data[:raw.Rows*raw.Cols]
	}
	out := make([]float64, 0, raw.Rows*raw.Cols)
	for i := 0; i < raw.Rows; i++ {
		out = append(out, raw.Data[i*raw.Stride:i*raw.Stride+raw.Cols]...)
	}
	return out
}
