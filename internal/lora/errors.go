package lora

import (
	"errors"
	"fmt"
)

var (
	// ErrAdapterActive is returned when merging into a model that already
	// carries a merged adapter.
	ErrAdapterActive = errors.New("lora: an adapter is already merged into this model")

	// ErrHandleMismatch is returned by Unload for a handle that is not the
	// model's active adapter.
	ErrHandleMismatch = errors.New("lora: handle is not the active adapter of this model")

	// ErrModelChanged is returned by Unload when a recorded parameter is no
	// longer registered under its path with the shape it had at merge time.
	ErrModelChanged = errors.New("lora: model parameters changed since merge")

	// ErrNoWeight is returned for a module registered without a weight.
	ErrNoWeight = errors.New("lora: module has no weight tensor")
)

// FormatError reports an adapter weight set that cannot be merged at all.
// No model state has been touched when it is returned.
type FormatError struct {
	Source string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Source == "" {
		return "lora: invalid adapter: " + e.Reason
	}
	return fmt.Sprintf("lora: invalid adapter %s: %s", e.Source, e.Reason)
}

// ModulePathError reports a module path that is not present in the registry.
type ModulePathError struct {
	Path string
}

func (e *ModulePathError) Error() string {
	return fmt.Sprintf("unknown module path %q", e.Path)
}

type ShapeError struct {
	Module string
	Weight [2]int
	Up     [2]int
	Down   [2]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("module %s: up %dx%d @ down %dx%d does not produce weight shape %dx%d",
		e.Module, e.Up[0], e.Up[1], e.Down[0], e.Down[1], e.Weight[0], e.Weight[1])
}

// ApplyError wraps the failure that aborted a merge. Every delta applied
// before the failure has already been subtracted again.
type ApplyError struct {
	Module     string
	RolledBack int
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("lora: merge failed at %s (rolled back %d modules): %v", e.Module, e.RolledBack, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
