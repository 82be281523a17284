package lora

import (
	"errors"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/lorax/internal/logutil"
	"github.com/qrv0/lorax/internal/safetensors"
)

// WeightSet is a flat key to matrix mapping that keeps file order.
type WeightSet = orderedmap.OrderedMap[string, *mat.Dense]

func NewWeightSet() *WeightSet {
	return orderedmap.New[string, *mat.Dense]()
}

var (
	downMarkers = []string{"lora_A", "lora_down"}
	upMarkers   = []string{"lora_B", "lora_up"}

	// stripped from adapter keys before module paths are matched
	knownPrefixes = []string{"base_model.model.", StoragePrefix, RuntimePrefix}
)

// Pair is the low-rank factorization of one module's weight update:
// Down is [rank, in], Up is [out, rank].
type Pair struct {
	Module string
	Down   *mat.Dense
	Up     *mat.Dense
}

func (p *Pair) Rank() int {
	r, _ := p.Down.Dims()
	return r
}

type Adapter struct {
	Source string
	Rank   int

	// Pairs holds the complete pairs in the order their first tensor appears.
	Pairs []*Pair

	// Unpaired lists module paths that only carry one of the two factors,
	// followed by keys whose role marker is not a dotted path segment.
	Unpaired []string
}

// EffectiveScale returns scale * alpha / rank. A zero alpha means alpha
// equals the rank, which makes the result equal to scale.
func (a *Adapter) EffectiveScale(scale, alpha float64) float64 {
	if alpha == 0 {
		alpha = float64(a.Rank)
	}
	return scale * (alpha / float64(a.Rank))
}

func isLoRAKey(key string) bool {
	return containsAny(key, downMarkers) || containsAny(key, upMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// splitRole returns the module path in front of a dotted role marker.
func splitRole(key string, markers []string) (string, bool) {
	for _, m := range markers {
		if module, _, ok := strings.Cut(key, "."+m+"."); ok {
			return module, true
		}
	}
	return "", false
}

func normalizeKey(key string) string {
	for {
		trimmed := key
		for _, prefix := range knownPrefixes {
			trimmed = strings.TrimPrefix(trimmed, prefix)
		}
		if trimmed == key {
			return key
		}
		key = trimmed
	}
}

// ReadAdapter loads the LoRA factors of a safetensors file. Tensors without a
// role marker (alpha scalars, metadata tensors) are ignored.
func ReadAdapter(path string) (*Adapter, error) {
	f, err := safetensors.Open(path)
	if errors.Is(err, safetensors.ErrInvalidHeader) {
		return nil, &FormatError{Source: path, Reason: err.Error()}
	} else if err != nil {
		return nil, err
	}

	ws := NewWeightSet()
	for _, t := range f.Tensors() {
		if !isLoRAKey(t.Name) {
			logutil.Trace("ignoring adapter tensor", "name", t.Name, "shape", t.Shape)
			continue
		}
		m, err := t.Matrix()
		if err != nil {
			return nil, &FormatError{Source: path, Reason: err.Error()}
		}
		ws.Set(t.Name, m)
	}
	return Parse(path, ws)
}

// Parse groups a weight set into complete down/up pairs keyed by module path.
func Parse(source string, ws *WeightSet) (*Adapter, error) {
	a := &Adapter{Source: source}
	for kv := ws.Oldest(); kv != nil; kv = kv.Next() {
		if containsAny(kv.Key, downMarkers) && kv.Value != nil {
			a.Rank, _ = kv.Value.Dims()
			break
		}
	}
	if a.Rank <= 0 {
		return nil, &FormatError{Source: source, Reason: "could not determine LoRA rank: no lora_A or lora_down tensor"}
	}

	pairs := orderedmap.New[string, *Pair]()
	get := func(module string) *Pair {
		p, ok := pairs.Get(module)
		if !ok {
			p = &Pair{Module: module}
			pairs.Set(module, p)
		}
		return p
	}

	var malformed []string
	for kv := ws.Oldest(); kv != nil; kv = kv.Next() {
		key := normalizeKey(kv.Key)
		if module, ok := splitRole(key, downMarkers); ok {
			get(module).Down = kv.Value
		} else if module, ok := splitRole(key, upMarkers); ok {
			get(module).Up = kv.Value
		} else if isLoRAKey(key) {
			logutil.Trace("lora key without module path", "source", source, "key", kv.Key)
			malformed = append(malformed, key)
		}
	}

	for kv := pairs.Oldest(); kv != nil; kv = kv.Next() {
		p := kv.Value
		if p.Down == nil || p.Up == nil {
			a.Unpaired = append(a.Unpaired, p.Module)
			continue
		}
		if r := p.Rank(); r != a.Rank {
			return nil, &FormatError{Source: source, Reason: fmt.Sprintf("module %s has rank %d, adapter rank is %d", p.Module, r, a.Rank)}
		}
		a.Pairs = append(a.Pairs, p)
	}
	a.Unpaired = append(a.Unpaired, malformed...)

	return a, nil
}
