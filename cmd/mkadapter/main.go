package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/qrv0/lorax/internal/envconfig"
	"github.com/qrv0/lorax/internal/logutil"
	"github.com/qrv0/lorax/internal/lora"
	"github.com/qrv0/lorax/internal/safetensors"
)

// Writes a toy base checkpoint and a matching adapter for trying out lorax.
func main() {
	out := flag.String("out", "toy", "output directory")
	layers := flag.Int("layers", 2, "transformer layers")
	rows := flag.Int("rows", 8, "weight rows")
	cols := flag.Int("cols", 16, "weight cols")
	rank := flag.Int("rank", 4, "adapter rank")
	naming := flag.String("naming", "storage", "adapter key naming: storage or runtime")
	flag.Parse()

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	prefix := lora.StoragePrefix
	if *naming == "runtime" {
		prefix = lora.RuntimePrefix
	}

	base := make(map[string]*mat.Dense)
	adapter := make(map[string]*mat.Dense)
	for l := 0; l < *layers; l++ {
		for _, proj := range []string{"to_q", "to_k", "to_v"} {
			module := fmt.Sprintf("layers.%d.attention.%s", l, proj)
			seed := float64(l*3 + len(proj))
			base[module+".weight"] = wave(*rows, *cols, seed, 0.1)
			adapter[prefix+module+".lora_A.weight"] = wave(*rank, *cols, seed+1, 0.01)
			adapter[prefix+module+".lora_B.weight"] = wave(*rows, *rank, seed+2, 0.01)
		}
	}

	basePath := filepath.Join(*out, "base.safetensors")
	adapterPath := filepath.Join(*out, "adapter.safetensors")
	if err := safetensors.WriteMatrices(basePath, base, envconfig.Dtype, map[string]string{"format": "pt"}); err != nil {
		fmt.Fprintln(os.Stderr, "mkadapter: write base:", err)
		os.Exit(1)
	}
	meta := map[string]string{"lora_rank": fmt.Sprint(*rank), "lora_alpha": fmt.Sprint(*rank)}
	if err := safetensors.WriteMatrices(adapterPath, adapter, envconfig.Dtype, meta); err != nil {
		fmt.Fprintln(os.Stderr, "mkadapter: write adapter:", err)
		os.Exit(1)
	}
	slog.Info("wrote toy checkpoint", "base", basePath, "adapter", adapterPath, "modules", len(base), "rank", *rank)
}

func wave(rows, cols int, seed, amp float64) *mat.Dense {
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			n := float64(i*cols + j)
			m.Set(i, j, math.Sin(n+seed)*amp+0.01*float64(int(n)%7))
		}
	}
	return m
}
