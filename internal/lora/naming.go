package lora

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

const (
	// RuntimePrefix names weights as the in-memory transformer sees them.
	RuntimePrefix = "transformer."
	// StoragePrefix names weights in distributed adapter files.
	StoragePrefix = "diffusion_model."

	peftPrefix = "base_model.model."
)

// ToStorageNaming rewrites a leading "transformer." to "diffusion_model." on
// every key. Other keys pass through unchanged.
func ToStorageNaming[V any](m map[string]V) (map[string]V, error) {
	return rename(m, RuntimePrefix, StoragePrefix)
}

// ToRuntimeNaming is the inverse of ToStorageNaming.
func ToRuntimeNaming[V any](m map[string]V) (map[string]V, error) {
	return rename(m, StoragePrefix, RuntimePrefix)
}

func rename[V any](m map[string]V, from, to string) (map[string]V, error) {
	out := make(map[string]V, len(m))
	for k, v := range m {
		n := k
		if rest, ok := strings.CutPrefix(k, from); ok {
			n = to + rest
		}
		if _, ok := out[n]; ok {
			return nil, fmt.Errorf("lora: key %q collides after renaming %q to %q", n, from, to)
		}
		out[n] = v
	}
	return out, nil
}

// ExportTrained prepares trained adapter parameters for saving: only lora_
// tensors are kept, the PEFT wrapper prefix is dropped, keys are moved to the
// storage naming and every matrix is copied.
func ExportTrained(params map[string]*mat.Dense) (map[string]*mat.Dense, error) {
	out := make(map[string]*mat.Dense)
	for name, m := range params {
		if !strings.Contains(name, "lora_") {
			continue
		}
		key := strings.TrimPrefix(name, peftPrefix)
		if _, ok := out[key]; ok {
			return nil, fmt.Errorf("lora: key %q collides after removing %q", key, peftPrefix)
		}
		out[key] = mat.DenseCopyOf(m)
	}
	return ToStorageNaming(out)
}
