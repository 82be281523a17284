package main

import (
	"log/slog"
	"maps"

	"github.com/qrv0/lorax/internal/lora"
	"github.com/qrv0/lorax/internal/safetensors"
)

// loadModel reads a checkpoint file or shard directory into a model. Tensors
// that are not matrices register their module without a weight.
func loadModel(path string) (*lora.Model, []*safetensors.File, error) {
	files, err := safetensors.Load(path)
	if err != nil {
		return nil, nil, err
	}
	tensors, skipped, err := safetensors.Matrices(files)
	if err != nil {
		return nil, nil, err
	}
	reg, err := lora.RegistryFromTensors(tensors, skipped...)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("loaded base", "path", path, "files", len(files), "modules", reg.Len(), "non_matrix", len(skipped))
	return lora.NewModel(reg), files, nil
}

// saveModel writes every tensor of files to out. Registry weights replace
// their tensor in dtype; all other tensors are copied unchanged. A positive
// chunk stores a checksum index in the metadata.
func saveModel(out string, m *lora.Model, files []*safetensors.File, dtype string, chunk int, metadata map[string]string) error {
	weights := m.Registry().Tensors()
	meta := make(map[string]string)

	var tensors []*safetensors.Tensor
	for _, f := range files {
		maps.Copy(meta, f.Metadata)
		for _, t := range f.Tensors() {
			w, ok := weights[t.Name]
			if !ok {
				tensors = append(tensors, t)
				continue
			}
			nt, err := safetensors.NewTensor(t.Name, w, dtype)
			if err != nil {
				return err
			}
			tensors = append(tensors, nt)
		}
	}
	maps.Copy(meta, metadata)
	delete(meta, checksumKey)
	if chunk > 0 {
		idx, err := buildIndex(tensors, chunk)
		if err != nil {
			return err
		}
		meta[checksumKey] = idx
	}

	if err := safetensors.Write(out, tensors, meta); err != nil {
		return err
	}
	slog.Info("wrote weights", "path", out, "tensors", len(tensors), "dtype", dtype)
	return nil
}
