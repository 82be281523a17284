package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

const (
	F32  = "F32"
	F16  = "F16"
	BF16 = "BF16"
	F64  = "F64"
)

func dtypeSize(dtype string) (int64, error) {
	switch normalizeDtype(dtype) {
	case F64:
		return 8, nil
	case F32:
		return 4, nil
	case F16, BF16:
		return 2, nil
	case "I64", "U64":
		return 8, nil
	case "I32", "U32":
		return 4, nil
	case "I16", "U16":
		return 2, nil
	case "I8", "U8", "BOOL", "F8_E4M3", "F8_E5M2":
		return 1, nil
	default:
		return 0, fmt.Errorf("unknown data type: %s", dtype)
	}
}

func isFloat(dtype string) bool {
	switch normalizeDtype(dtype) {
	case F32, F16, BF16, F64:
		return true
	}
	return false
}

func normalizeDtype(dtype string) string {
	switch s := strings.ToUpper(dtype); s {
	case "FLOAT32":
		return F32
	case "FLOAT16":
		return F16
	case "BFLOAT16":
		return BF16
	case "FLOAT64":
		return F64
	default:
		return s
	}
}

// Float32s decodes a floating point tensor into host memory.
func (t *Tensor) Float32s() ([]float32, error) {
	switch normalizeDtype(t.Dtype) {
	case F32:
		f32s := make([]float32, len(t.Data)/4)
		for i := range f32s {
			f32s[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return f32s, nil
	case F16:
		f32s := make([]float32, len(t.Data)/2)
		for i := range f32s {
			f32s[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
		return f32s, nil
	case BF16:
		return bfloat16.DecodeFloat32(t.Data), nil
	case F64:
		f32s := make([]float32, len(t.Data)/8)
		for i := range f32s {
			f32s[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:])))
		}
		return f32s, nil
	default:
		return nil, fmt.Errorf("tensor %q: unsupported data type %s", t.Name, t.Dtype)
	}
}

// Matrix decodes a two dimensional tensor into a row-major dense matrix.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("tensor %q: expected 2 dimensions, got shape %v", t.Name, t.Shape)
	}

	rows, cols := int(t.Shape[0]), int(t.Shape[1])
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("tensor %q: empty shape %v", t.Name, t.Shape)
	}
	width, err := dtypeSize(t.Dtype)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	if n, ok := numel(t.Shape); !ok || n > math.MaxInt64/width || int64(len(t.Data)) != n*width {
		return nil, fmt.Errorf("tensor %q: %d bytes do not match shape %v", t.Name, len(t.Data), t.Shape)
	}

	data := make([]float64, rows*cols)
	if normalizeDtype(t.Dtype) == F64 {
		for i := range data {
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:]))
		}
		return mat.NewDense(rows, cols, data), nil
	}

	f32s, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	for i, v := range f32s {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

// encode serializes values row-major in the requested dtype.
func encode(values []float64, dtype string) ([]byte, error) {
	switch normalizeDtype(dtype) {
	case F64:
		b := make([]byte, 8*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return b, nil
	case F32:
		b := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(float32(v)))
		}
		return b, nil
	case F16:
		b := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return b, nil
	case BF16:
		f32s := make([]float32, len(values))
		for i, v := range values {
			f32s[i] = float32(v)
		}
		return bfloat16.EncodeFloat32(f32s), nil
	default:
		return nil, fmt.Errorf("unsupported output data type: %s", dtype)
	}
}
