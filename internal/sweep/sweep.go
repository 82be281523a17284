// Package sweep runs a sequence of adapters against one model, merging and
// unloading each in turn.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/qrv0/lorax/internal/logutil"
	"github.com/qrv0/lorax/internal/lora"
)

type Policy int

const (
	// Abort stops at the first failing job.
	Abort Policy = iota
	// Skip records the failure and moves on to the next job.
	Skip
)

func (p Policy) String() string {
	switch p {
	case Abort:
		return "abort"
	case Skip:
		return "skip"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names printed by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "abort":
		return Abort, nil
	case "skip":
		return Skip, nil
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

// Job is one merge. Adapter is used when set, otherwise Path is read.
type Job struct {
	Path    string
	Adapter *lora.Adapter
	Scale   float64
	Options []lora.Option
}

func (j Job) String() string {
	name := j.Path
	if j.Adapter != nil {
		name = j.Adapter.Source
	}
	return fmt.Sprintf("%s@%g", name, j.Scale)
}

type Result struct {
	Job Job
	Err error
	// Modules is the number of merged modules.
	Modules int
	// MaxDelta is the largest absolute element added to any weight.
	MaxDelta float64
	// Restored reports whether the weights after unloading are bit-identical
	// to the weights before merging. Float rounding in w + d - d can leave it
	// false without any error.
	Restored bool
}

// UseFunc is called while the job's adapter is merged.
type UseFunc func(ctx context.Context, h *lora.Handle) error

// Run executes jobs in order. Each merged adapter is unloaded before the next
// job starts, whether use failed or not. Results are returned for every job
// that was attempted; the error is ctx.Err() on cancellation or the failing
// job's error under Abort.
func Run(ctx context.Context, m *lora.Model, jobs []Job, use UseFunc, policy Policy) ([]Result, error) {
	results := make([]Result, 0, len(jobs))
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			slog.Info("sweep cancelled", "completed", i, "jobs", len(jobs))
			return results, err
		}

		res := runOne(ctx, m, job, use)
		results = append(results, res)
		if res.Err == nil {
			slog.Info("sweep job done", "job", job, "modules", res.Modules, "max_delta", res.MaxDelta)
			continue
		}

		slog.Warn("sweep job failed", "job", job, "policy", policy, "error", res.Err)
		if policy == Abort {
			return results, fmt.Errorf("job %d (%s): %w", i, job, res.Err)
		}
	}
	return results, nil
}

func runOne(ctx context.Context, m *lora.Model, job Job, use UseFunc) Result {
	res := Result{Job: job}
	before := m.Registry().Checksum()

	var h *lora.Handle
	if job.Adapter != nil {
		h, res.Err = m.Merge(job.Adapter, job.Scale, job.Options...)
	} else {
		h, res.Err = m.LoadAdapter(job.Path, job.Scale, job.Options...)
	}
	if res.Err != nil {
		res.Restored = m.Registry().Checksum() == before
		return res
	}

	res.Modules = len(h.Modules())
	res.MaxDelta = maxDelta(h)

	var errs []error
	if use != nil {
		if err := use(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.Unload(h); err != nil {
		errs = append(errs, err)
	}

	after := m.Registry().Checksum()
	res.Restored = after == before
	if !res.Restored {
		slog.Debug("weights not bit-identical after unload", "job", job, "before", before, "after", after)
	}
	logutil.Trace("sweep checksum", "job", job, "before", before, "after", after)

	res.Err = errors.Join(errs...)
	return res
}

func maxDelta(h *lora.Handle) float64 {
	var out float64
	for _, module := range h.Modules() {
		d, ok := h.Delta(module)
		if !ok {
			continue
		}
		for _, v := range d.RawMatrix().Data {
			out = math.Max(out, math.Abs(v))
		}
	}
	return out
}
