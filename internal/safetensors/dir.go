package safetensors

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Load opens a single file or every *.safetensors shard of a directory.
func Load(path string) ([]*File, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		f, err := Open(path)
		if err != nil {
			return nil, err
		}
		return []*File{f}, nil
	}
	return OpenDir(path)
}

// OpenDir reads sharded checkpoints (model-00001-of-00003.safetensors, ...)
// concurrently. Shards are returned in file name order.
func OpenDir(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		for _, suffix := range []string{".safetensors", ".safetensors.zst", ".safetensors.lz4"} {
			if strings.HasSuffix(name, suffix) {
				paths = append(paths, filepath.Join(dir, name))
				break
			}
		}
	}
	slices.Sort(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no safetensors files found in %s", dir)
	}

	files := make([]*File, len(paths))
	var g errgroup.Group
	for i, p := range paths {
		g.Go(func() error {
			f, err := Open(p)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]string)
	for i, f := range files {
		for _, name := range f.Names() {
			if prev, ok := seen[name]; ok {
				return nil, fmt.Errorf("duplicate tensor name '%s' was found in %s and %s", name, prev, paths[i])
			}
			seen[name] = paths[i]
		}
	}
	return files, nil
}

// Matrices decodes every two dimensional floating point tensor across files.
// Tensors of other ranks or dtypes are returned by name in skipped.
func Matrices(files []*File) (tensors map[string]*mat.Dense, skipped []string, err error) {
	tensors = make(map[string]*mat.Dense)
	for _, f := range files {
		for _, t := range f.tensors {
			if len(t.Shape) != 2 || !isFloat(t.Dtype) {
				skipped = append(skipped, t.Name)
				continue
			}
			m, err := t.Matrix()
			if err != nil {
				return nil, nil, err
			}
			tensors[t.Name] = m
		}
	}
	return tensors, skipped, nil
}
