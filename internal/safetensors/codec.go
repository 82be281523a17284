package safetensors

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
)

type compression uint8

const (
	compNone compression = iota
	compZSTD
	compLZ4
)

// compressionFor picks the codec from the file suffix: .zst or .lz4, raw otherwise.
func compressionFor(path string) compression {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return compZSTD
	case strings.HasSuffix(path, ".lz4"):
		return compLZ4
	default:
		return compNone
	}
}

func decompressReader(path string, r io.Reader) (io.Reader, error) {
	switch compressionFor(path) {
	case compZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		// decoded eagerly so the decoder goroutines can be released
		defer dec.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, dec); err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return &buf, nil
	case compLZ4:
		return lz4.NewReader(r), nil
	default:
		return r, nil
	}
}

func compressWriter(path string, w io.Writer) (io.WriteCloser, error) {
	switch compressionFor(path) {
	case compZSTD:
		return zstd.NewWriter(w)
	case compLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
