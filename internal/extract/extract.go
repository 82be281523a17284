// Package extract recovers LoRA factors from the difference between a tuned
// checkpoint and its base.
package extract

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/lorax/internal/lora"
)

var ErrUnchanged = errors.New("extract: weights are identical")

type Config struct {
	Rank int
	// Tolerance is the largest absolute difference still treated as unchanged.
	Tolerance float64
	// Prefix is prepended to every produced key, usually lora.RuntimePrefix.
	Prefix string
}

// Result describes one extracted module. Residual is the relative Frobenius
// error of up @ down against tuned - base.
type Result struct {
	Module   string
	Rank     int
	Residual float64
}

// Extract returns down (rank x cols) and up (rows x rank) such that
// up @ down is the best rank-r approximation of tuned - base. The singular
// values are folded into up. When rank exceeds min(rows, cols) the extra
// factor rows and columns are zero.
func Extract(base, tuned *mat.Dense, rank int) (down, up *mat.Dense, err error) {
	rows, cols := base.Dims()
	if tr, tc := tuned.Dims(); tr != rows || tc != cols {
		return nil, nil, fmt.Errorf("extract: base is %dx%d, tuned is %dx%d", rows, cols, tr, tc)
	}
	if rank <= 0 {
		return nil, nil, fmt.Errorf("extract: rank must be positive, got %d", rank)
	}

	var diff mat.Dense
	diff.Sub(tuned, base)

	var svd mat.SVD
	if !svd.Factorize(&diff, mat.SVDThin) {
		return nil, nil, fmt.Errorf("extract: svd factorization failed")
	}
	s := svd.Values(nil)
	r := min(rank, len(s))

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	up = mat.NewDense(rows, rank, nil)
	up.Slice(0, rows, 0, r).(*mat.Dense).Mul(u.Slice(0, rows, 0, r), mat.NewDiagDense(r, s[:r]))
	down = mat.NewDense(rank, cols, nil)
	down.Slice(0, r, 0, cols).(*mat.Dense).Copy(v.Slice(0, cols, 0, r).T())
	return down, up, nil
}

func residual(base, tuned, down, up *mat.Dense) float64 {
	var diff, approx mat.Dense
	diff.Sub(tuned, base)
	approx.Mul(up, down)
	norm := mat.Norm(&diff, 2)
	if norm == 0 {
		return 0
	}
	approx.Sub(&diff, &approx)
	return mat.Norm(&approx, 2) / norm
}

func changed(base, tuned *mat.Dense, tol float64) bool {
	rows, cols := base.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if math.Abs(tuned.At(i, j)-base.At(i, j)) > tol {
				return true
			}
		}
	}
	return false
}

// ExtractAll extracts a pair for every "<module>.weight" present in both maps
// with the same shape and at least one element that changed. Pairs are
// returned keyed "<prefix><module>.lora_A.weight" (down) and
// "<prefix><module>.lora_B.weight" (up), ready for lora.Parse.
func ExtractAll(base, tuned map[string]*mat.Dense, cfg Config) (map[string]*mat.Dense, []Result, error) {
	names := maps.Keys(tuned)
	slices.Sort(names)

	var modules []string
	for _, name := range names {
		module, ok := strings.CutSuffix(name, ".weight")
		if !ok {
			continue
		}
		b, ok := base[name]
		if !ok {
			slog.Debug("tuned weight missing from base", "name", name)
			continue
		}
		br, bc := b.Dims()
		if tr, tc := tuned[name].Dims(); tr != br || tc != bc {
			slog.Warn("shape changed, skipping", "name", name, "base", [2]int{br, bc}, "tuned", [2]int{tr, tc})
			continue
		}
		if !changed(b, tuned[name], cfg.Tolerance) {
			continue
		}
		modules = append(modules, module)
	}
	if len(modules) == 0 {
		return nil, nil, ErrUnchanged
	}

	type pair struct{ down, up *mat.Dense }
	pairs := make([]pair, len(modules))
	results := make([]Result, len(modules))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, module := range modules {
		g.Go(func() error {
			b, t := base[module+".weight"], tuned[module+".weight"]
			down, up, err := Extract(b, t, cfg.Rank)
			if err != nil {
				return fmt.Errorf("%s: %w", module, err)
			}
			r, _ := down.Dims()
			pairs[i] = pair{down: down, up: up}
			results[i] = Result{Module: module, Rank: r, Residual: residual(b, t, down, up)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make(map[string]*mat.Dense, 2*len(modules))
	for i, module := range modules {
		key := cfg.Prefix + module
		out[key+".lora_A.weight"] = pairs[i].down
		out[key+".lora_B.weight"] = pairs[i].up
		slog.Debug("extracted", "module", module, "rank", results[i].Rank, "residual", results[i].Residual)
	}
	return out, results, nil
}

// Adapter extracts every changed module and parses the result as an adapter.
func Adapter(source string, base, tuned map[string]*mat.Dense, cfg Config) (*lora.Adapter, []Result, error) {
	out, results, err := ExtractAll(base, tuned, cfg)
	if err != nil {
		return nil, nil, err
	}

	ws := lora.NewWeightSet()
	keys := maps.Keys(out)
	slices.Sort(keys)
	for _, k := range keys {
		ws.Set(k, out[k])
	}
	a, err := lora.Parse(source, ws)
	if err != nil {
		return nil, nil, err
	}
	return a, results, nil
}
