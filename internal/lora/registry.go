package lora

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/zeebo/xxh3"
	"gonum.org/v1/gonum/mat"
)

// Param is a direct handle to one module's mutable weight. Weight is nil for
// modules that exist without a weight tensor (norms, modules with only a bias).
type Param struct {
	Path   string
	Weight *mat.Dense
}

// Registry maps canonical module paths such as "layers.0.attention.to_q" to
// their parameters. Indexed children are plain path segments.
type Registry struct {
	params map[string]*Param
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{params: make(map[string]*Param)}
}

// RegistryFromTensors registers every "<path>.weight" matrix under <path>.
// Names in others (biases, 1-D tensors) register their module without a
// weight unless the module already has one.
func RegistryFromTensors(tensors map[string]*mat.Dense, others ...string) (*Registry, error) {
	r := NewRegistry()

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		module, ok := strings.CutSuffix(name, ".weight")
		if !ok {
			continue
		}
		if _, err := r.Register(module, tensors[name]); err != nil {
			return nil, err
		}
	}

	rest := append(slices.Clone(others), nonWeights(tensors)...)
	slices.Sort(rest)
	for _, name := range rest {
		i := strings.LastIndexByte(name, '.')
		if i <= 0 {
			continue
		}
		if _, ok := r.params[name[:i]]; !ok {
			if _, err := r.Register(name[:i], nil); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func nonWeights(tensors map[string]*mat.Dense) []string {
	var names []string
	for name := range tensors {
		if !strings.HasSuffix(name, ".weight") {
			names = append(names, name)
		}
	}
	return names
}

func (r *Registry) Register(path string, weight *mat.Dense) (*Param, error) {
	if path == "" {
		return nil, fmt.Errorf("lora: empty module path")
	}
	if _, ok := r.params[path]; ok {
		return nil, fmt.Errorf("lora: module %q registered twice", path)
	}
	p := &Param{Path: path, Weight: weight}
	r.params[path] = p
	r.order = append(r.order, path)
	return p, nil
}

func (r *Registry) Lookup(path string) (*Param, error) {
	p, ok := r.params[path]
	if !ok {
		return nil, &ModulePathError{Path: path}
	}
	return p, nil
}

// Paths returns module paths in registration order.
func (r *Registry) Paths() []string {
	return slices.Clone(r.order)
}

func (r *Registry) Len() int { return len(r.order) }

// Tensors returns the live weights keyed "<path>.weight". The matrices are
// shared with the registry, not copied.
func (r *Registry) Tensors() map[string]*mat.Dense {
	out := make(map[string]*mat.Dense, len(r.params))
	for path, p := range r.params {
		if p.Weight != nil {
			out[path+".weight"] = p.Weight
		}
	}
	return out
}

// Checksum fingerprints every weight bit pattern. Two registries with the
// same paths and bit-identical weights have the same checksum.
func (r *Registry) Checksum() uint64 {
	paths := slices.Clone(r.order)
	slices.Sort(paths)

	h := xxh3.New()
	var b [8]byte
	for _, path := range paths {
		p := r.params[path]
		h.Write([]byte(path))
		if p.Weight == nil {
			continue
		}
		rows, cols := p.Weight.Dims()
		binary.LittleEndian.PutUint64(b[:], uint64(rows)<<32|uint64(cols))
		h.Write(b[:])
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				binary.LittleEndian.PutUint64(b[:], math.Float64bits(p.Weight.At(i, j)))
				h.Write(b[:])
			}
		}
	}
	return h.Sum64()
}
