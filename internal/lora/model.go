package lora

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/lorax/internal/logutil"
)

type options struct {
	alpha          float64
	replace        bool
	skipWeightless bool
}

type Option func(*options)

// WithAlpha sets the LoRA alpha. Zero keeps the alpha == rank convention.
func WithAlpha(alpha float64) Option {
	return func(o *options) { o.alpha = alpha }
}

// WithReplace unloads an active adapter before merging instead of failing
// with ErrAdapterActive.
func WithReplace() Option {
	return func(o *options) { o.replace = true }
}

// WithSkipWeightless skips pairs whose module has no weight tensor. Unknown
// module paths still abort the merge.
func WithSkipWeightless() Option {
	return func(o *options) { o.skipWeightless = true }
}

// Model owns a parameter registry and at most one merged adapter.
type Model struct {
	mu       sync.Mutex
	registry *Registry
	active   *Handle
}

func NewModel(r *Registry) *Model {
	return &Model{registry: r}
}

func (m *Model) Registry() *Registry { return m.registry }

// Active returns the merged adapter, or nil.
func (m *Model) Active() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

type applied struct {
	param  *Param
	weight *mat.Dense
	delta  *mat.Dense
	// before is the weight prior to the add. It is only kept until the merge
	// completes so a rollback restores the exact bits.
	before *mat.Dense
}

// Handle represents an adapter that is currently merged into a model. It
// keeps the exact deltas that were added so Unload can subtract them again.
type Handle struct {
	ID      string
	Adapter *Adapter
	// Scale is the effective scale, scale * alpha / rank.
	Scale float64

	applied []applied
	skipped []string
}

// Modules returns the merged module paths in merge order.
func (h *Handle) Modules() []string {
	out := make([]string, len(h.applied))
	for i, a := range h.applied {
		out[i] = a.param.Path
	}
	return out
}

// Skipped returns modules left untouched because they have no weight.
func (h *Handle) Skipped() []string { return h.skipped }

// Delta returns a copy of the delta added to module.
func (h *Handle) Delta(module string) (*mat.Dense, bool) {
	for _, a := range h.applied {
		if a.param.Path == module {
			return mat.DenseCopyOf(a.delta), true
		}
	}
	return nil, false
}

// LoadAdapter reads the adapter at path and merges it with Merge.
func (m *Model) LoadAdapter(path string, scale float64, opts ...Option) (*Handle, error) {
	a, err := ReadAdapter(path)
	if err != nil {
		return nil, err
	}
	return m.Merge(a, scale, opts...)
}

// Merge adds (up @ down) * scale * alpha / rank to the weight of every
// complete pair's module. If any pair fails, the deltas already added are
// subtracted again and an *ApplyError is returned.
func (m *Model) Merge(a *Adapter, scale float64, opts ...Option) (*Handle, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if !o.replace {
			return nil, ErrAdapterActive
		}
		if err := m.unload(m.active); err != nil {
			return nil, err
		}
	}

	h := &Handle{
		ID:      uuid.NewString(),
		Adapter: a,
		Scale:   a.EffectiveScale(scale, o.alpha),
	}

	for _, p := range a.Pairs {
		param, delta, err := m.delta(p, h.Scale)
		if errors.Is(err, ErrNoWeight) && o.skipWeightless {
			slog.Debug("skipping module without weight", "module", p.Module)
			h.skipped = append(h.skipped, p.Module)
			continue
		}
		if err != nil {
			rollback(h.applied)
			slog.Warn("adapter merge rolled back", "source", a.Source, "module", p.Module, "modules", len(h.applied), "error", err)
			return nil, &ApplyError{Module: p.Module, RolledBack: len(h.applied), Err: err}
		}

		before := mat.DenseCopyOf(param.Weight)
		param.Weight.Add(param.Weight, delta)
		h.applied = append(h.applied, applied{param: param, weight: param.Weight, delta: delta, before: before})
		logutil.Trace("merged lora pair", "module", p.Module, "rank", p.Rank())
	}

	for i := range h.applied {
		h.applied[i].before = nil
	}

	if len(a.Unpaired) > 0 {
		slog.Debug("ignoring incomplete lora pairs", "source", a.Source, "modules", a.Unpaired)
	}
	slog.Info("merged adapter", "id", h.ID, "source", a.Source, "rank", a.Rank, "scale", h.Scale,
		"modules", len(h.applied), "skipped", len(h.skipped), "unpaired", len(a.Unpaired))

	m.active = h
	return h, nil
}

func (m *Model) delta(p *Pair, scale float64) (*Param, *mat.Dense, error) {
	param, err := m.registry.Lookup(p.Module)
	if err != nil {
		return nil, nil, err
	}
	if param.Weight == nil {
		return nil, nil, fmt.Errorf("module %s: %w", p.Module, ErrNoWeight)
	}

	rows, cols := param.Weight.Dims()
	upRows, upCols := p.Up.Dims()
	downRows, downCols := p.Down.Dims()
	if upCols != downRows || upRows != rows || downCols != cols {
		return nil, nil, &ShapeError{
			Module: p.Module,
			Weight: [2]int{rows, cols},
			Up:     [2]int{upRows, upCols},
			Down:   [2]int{downRows, downCols},
		}
	}

	var delta mat.Dense
	delta.Mul(p.Up, p.Down)
	delta.Scale(scale, &delta)
	return param, &delta, nil
}

// rollback undoes applied in reverse order. Entries that still hold the
// weight from before the add are restored from it; the rest have the delta
// subtracted.
func rollback(applied []applied) {
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if a.before != nil {
			a.weight.Copy(a.before)
			continue
		}
		a.weight.Sub(a.weight, a.delta)
	}
}

// Unload subtracts the deltas recorded in h. It is a no-op when no adapter is
// merged. A nil h unloads whichever adapter is active.
func (m *Model) Unload(h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	if h != nil && h != m.active {
		return ErrHandleMismatch
	}
	return m.unload(m.active)
}

func (m *Model) unload(h *Handle) error {
	for _, a := range h.applied {
		p, err := m.registry.Lookup(a.param.Path)
		if err != nil || p != a.param || p.Weight != a.weight {
			return fmt.Errorf("%w: %s", ErrModelChanged, a.param.Path)
		}
		rows, cols := p.Weight.Dims()
		if dr, dc := a.delta.Dims(); dr != rows || dc != cols {
			return fmt.Errorf("%w: %s is %dx%d, delta is %dx%d", ErrModelChanged, a.param.Path, rows, cols, dr, dc)
		}
	}

	rollback(h.applied)
	slog.Info("unloaded adapter", "id", h.ID, "source", h.Adapter.Source, "modules", len(h.applied))

	h.applied = nil
	m.active = nil
	return nil
}
