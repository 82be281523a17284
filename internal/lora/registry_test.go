package lora

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRegistryFromTensors(t *testing.T) {
	tensors := map[string]*mat.Dense{
		"layers.0.attention.to_q.weight": mat.NewDense(2, 2, nil),
		"layers.0.attention.to_k.weight": mat.NewDense(2, 2, nil),
		"layers.0.attention.to_k.bias":   mat.NewDense(1, 2, nil),
		"layers.0.norm.scale":            mat.NewDense(1, 2, nil),
	}

	r, err := RegistryFromTensors(tensors, "layers.0.attention.to_out.0.bias", "final_norm")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"layers.0.attention.to_k",
		"layers.0.attention.to_q",
		"layers.0.attention.to_out.0",
		"layers.0.norm",
	}, r.Paths())

	p, err := r.Lookup("layers.0.attention.to_k")
	require.NoError(t, err)
	assert.Same(t, tensors["layers.0.attention.to_k.weight"], p.Weight)

	p, err = r.Lookup("layers.0.attention.to_out.0")
	require.NoError(t, err)
	assert.Nil(t, p.Weight)

	_, err = r.Lookup("layers.0.attention.to_v")
	var pathErr *ModulePathError
	require.True(t, errors.As(err, &pathErr))
	assert.Equal(t, "layers.0.attention.to_v", pathErr.Path)

	assert.Len(t, r.Tensors(), 2)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register("", nil)
	assert.Error(t, err)

	_, err = r.Register("a", mat.NewDense(1, 1, nil))
	require.NoError(t, err)
	_, err = r.Register("a", nil)
	assert.Error(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryChecksum(t *testing.T) {
	build := func(v float64) *Registry {
		r := NewRegistry()
		r.Register("b", mat.NewDense(2, 2, []float64{1, 2, 3, v}))
		r.Register("a", mat.NewDense(1, 3, []float64{4, 5, 6}))
		r.Register("c", nil)
		return r
	}

	first, second := build(4), build(4)
	assert.Equal(t, first.Checksum(), second.Checksum())

	other := build(4.000000001)
	assert.NotEqual(t, first.Checksum(), other.Checksum())

	p, _ := first.Lookup("b")
	p.Weight.Set(1, 1, 4.000000001)
	assert.Equal(t, other.Checksum(), first.Checksum())
}
