package safetensors

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
)

func TestOpenDirShards(t *testing.T) {
	dir := t.TempDir()
	one := mat.NewDense(1, 1, []float64{1})
	if err := WriteMatrices(filepath.Join(dir, "model-00001-of-00002.safetensors"), map[string]*mat.Dense{"a.weight": one}, F32, nil); err != nil {
		t.Fatal(err)
	}
	if err := WriteMatrices(filepath.Join(dir, "model-00002-of-00002.safetensors.zst"), map[string]*mat.Dense{"b.weight": one}, F16, nil); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files want 2", len(files))
	}

	tensors, skipped, err := Matrices(files)
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 0 {
		t.Errorf("unexpected skipped tensors %v", skipped)
	}
	var names []string
	for _, f := range files {
		names = append(names, f.Names()...)
	}
	if diff := cmp.Diff([]string{"a.weight", "b.weight"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if tensors["b.weight"].At(0, 0) != 1 {
		t.Errorf("b.weight got %v", tensors["b.weight"].At(0, 0))
	}
}

func TestOpenDirDuplicate(t *testing.T) {
	dir := t.TempDir()
	one := mat.NewDense(1, 1, []float64{1})
	for _, name := range []string{"a.safetensors", "b.safetensors"} {
		if err := WriteMatrices(filepath.Join(dir, name), map[string]*mat.Dense{"w.weight": one}, F32, nil); err != nil {
			t.Fatal(err)
		}
	}

	_, err := OpenDir(dir)
	if err == nil || !strings.Contains(err.Error(), "duplicate tensor name") {
		t.Fatalf("got %v want duplicate error", err)
	}
}

func TestOpenDirEmpty(t *testing.T) {
	if _, err := OpenDir(t.TempDir()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
