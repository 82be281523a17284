package lora

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseMarkerWithoutModule(t *testing.T) {
	ws := NewWeightSet()
	ws.Set("blocks.0.attn.to_q.lora_A.weight", ints(2, 4, 1))
	ws.Set("blocks.0.attn.to_q.lora_B.weight", ints(4, 2, 1))
	ws.Set("diffusion_model.blocks.1.attn.to_q.lora_A", ints(2, 4, 2))
	ws.Set("blocks.2.attn.to_q.lora_down.weight", ints(2, 4, 3))

	a, err := Parse("markers", ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Pairs) != 1 || a.Pairs[0].Module != "blocks.0.attn.to_q" {
		t.Errorf("pairs got %v", a.Pairs)
	}
	want := []string{"blocks.2.attn.to_q", "blocks.1.attn.to_q.lora_A"}
	if diff := cmp.Diff(want, a.Unpaired); diff != "" {
		t.Errorf("unpaired mismatch (-want +got):\n%s", diff)
	}
}

func TestReadAdapterInvalidShape(t *testing.T) {
	header := `{"x.lora_A.weight":{"dtype":"F32","shape":[-2,-2],"data_offsets":[0,16]}}`
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.WriteString(header)
	buf.Write(make([]byte, 16))

	path := filepath.Join(t.TempDir(), "adapter.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := ReadAdapter(path)
	var formatErr *FormatError
	if !errors.As(err, &formatErr) {
		t.Fatalf("got %v want *FormatError", err)
	}
}
