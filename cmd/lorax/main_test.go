package main

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/lorax/internal/safetensors"
)

func fill(rows, cols int, v float64) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			m.Set(i, j, v)
		}
	}
	return m
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeBase writes a 4x4 zero weight plus a 1-D bias of ones.
func writeBase(t *testing.T, path string) []byte {
	t.Helper()
	w, err := safetensors.NewTensor("layers.0.attention.to_q.weight", mat.NewDense(4, 4, nil), safetensors.F32)
	if err != nil {
		t.Fatal(err)
	}
	bias := make([]byte, 16)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(bias[i*4:], math.Float32bits(1))
	}
	b := &safetensors.Tensor{
		Name:       "layers.0.attention.to_q.bias",
		TensorMeta: safetensors.TensorMeta{Dtype: safetensors.F32, Shape: []int64{4}},
		Data:       bias,
	}
	if err := safetensors.Write(path, []*safetensors.Tensor{w, b}, map[string]string{"format": "pt"}); err != nil {
		t.Fatal(err)
	}
	return bias
}

func writeAdapter(t *testing.T, path string) {
	t.Helper()
	err := safetensors.WriteMatrices(path, map[string]*mat.Dense{
		"diffusion_model.layers.0.attention.to_q.lora_A.weight": fill(2, 4, 1),
		"diffusion_model.layers.0.attention.to_q.lora_B.weight": fill(4, 2, 1),
		"diffusion_model.layers.0.attention.to_k.lora_A.weight": fill(2, 4, 1),
	}, safetensors.F16, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.safetensors")
	adapter := filepath.Join(dir, "adapter.safetensors")
	out := filepath.Join(dir, "merged.safetensors.zst")
	bias := writeBase(t, base)
	writeAdapter(t, adapter)

	stdout, err := run(t, "merge", "--base", base, "--adapter", adapter, "--out", out, "--scale", "1", "--dtype", "BF16")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "merged 1 modules") || !strings.Contains(stdout, "ignored 1 incomplete pairs") {
		t.Errorf("unexpected output %q", stdout)
	}

	f, err := safetensors.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	w, ok := f.Tensor("layers.0.attention.to_q.weight")
	if !ok {
		t.Fatal("merged weight missing")
	}
	if w.Dtype != safetensors.BF16 {
		t.Errorf("dtype %s want BF16", w.Dtype)
	}
	m, err := w.Matrix()
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(m, fill(4, 4, 2)) {
		t.Errorf("merged weight %v", mat.Formatted(m))
	}

	b, ok := f.Tensor("layers.0.attention.to_q.bias")
	if !ok || !bytes.Equal(b.Data, bias) {
		t.Error("bias not copied unchanged")
	}
	if f.Metadata["format"] != "pt" || f.Metadata["lora_rank"] != "2" {
		t.Errorf("metadata %v", f.Metadata)
	}

	stdout, err = run(t, "checksum", "--verify", out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, "checksum verify: OK") {
		t.Errorf("unexpected output %q", stdout)
	}
}

func TestMergeCommandMissingFlags(t *testing.T) {
	if _, err := run(t, "merge", "--base", "x"); err == nil {
		t.Fatal("expected error for missing flags")
	}
}

func TestChecksumCommand(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.safetensors")
	b := filepath.Join(dir, "b.safetensors.lz4")
	writeBase(t, a)
	writeBase(t, b)

	outA, err := run(t, "checksum", a)
	if err != nil {
		t.Fatal(err)
	}
	outB, err := run(t, "checksum", b)
	if err != nil {
		t.Fatal(err)
	}
	if outA[:16] != outB[:16] {
		t.Errorf("fingerprints differ: %q %q", outA, outB)
	}

	if _, err := run(t, "checksum", "--verify", a); err == nil {
		t.Error("expected error for a file without checksum index")
	}
}

func TestRenameCommand(t *testing.T) {
	dir := t.TempDir()
	adapter := filepath.Join(dir, "adapter.safetensors")
	out := filepath.Join(dir, "runtime.safetensors")
	writeAdapter(t, adapter)

	if _, err := run(t, "rename", "--in", adapter, "--out", out, "--to", "runtime"); err != nil {
		t.Fatal(err)
	}
	f, err := safetensors.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range f.Names() {
		if !strings.HasPrefix(name, "transformer.") {
			t.Errorf("%s not in runtime naming", name)
		}
	}
	if f.Len() != 3 {
		t.Errorf("got %d tensors want 3", f.Len())
	}

	if _, err := run(t, "rename", "--in", adapter, "--out", out, "--to", "disk"); err == nil {
		t.Error("expected error for unknown naming")
	}
}

func TestSweepCommand(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.safetensors")
	adapter := filepath.Join(dir, "adapter.safetensors")
	writeBase(t, base)
	writeAdapter(t, adapter)

	stdout, err := run(t, "sweep", "--base", base, "--adapter", adapter, "--scale", "1,0.5,-2")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(stdout, "true"); got != 3 {
		t.Errorf("expected 3 restored jobs:\n%s", stdout)
	}
}

func TestExtractCommand(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.safetensors")
	tuned := filepath.Join(dir, "tuned.safetensors")
	out := filepath.Join(dir, "extracted.safetensors")

	writeBase(t, base)
	if err := safetensors.WriteMatrices(tuned, map[string]*mat.Dense{
		"layers.0.attention.to_q.weight": fill(4, 4, 2),
	}, safetensors.F32, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, "extract", "--base", base, "--tuned", tuned, "--out", out, "--rank", "2"); err != nil {
		t.Fatal(err)
	}
	f, err := safetensors.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := f.Tensor("diffusion_model.layers.0.attention.to_q.lora_A.weight"); !ok {
		t.Errorf("extracted names %v", f.Names())
	}
	if f.Metadata["lora_rank"] != "2" {
		t.Errorf("metadata %v", f.Metadata)
	}
}
