// Package compression has the record batch codecs: Nop, which is always
// available, and Gzip.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// https://kafka.apache.org/documentation/#recordbatch
const (
	None = iota
	Gzip
	Snappy
	Lz4
	Zstd
)

var names = map[int16]string{
	None:   "none",
	Gzip:   "gzip",
	Snappy: "snappy",
	Lz4:    "lz4",
	Zstd:   "zstd",
}

// Codec compresses and decompresses batch records.
type Codec interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
	Type() int16
}

// Nop implements the batch.Compressor and batch.Decompressor. Use it to
// marshal and unmarshal uncompressed record batches.
type Nop struct{}

func (*Nop) Compress(b []byte) ([]byte, error)   { return b, nil }
func (*Nop) Decompress(b []byte) ([]byte, error) { return b, nil }
func (*Nop) Type() int16                         { return None }

type Gzipper struct {
	Level int // gzip.DefaultCompression if 0
}

func (g *Gzipper) Compress(b []byte) ([]byte, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	buf := new(bytes.Buffer)
	w, err := gzip.NewWriterLevel(buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (*Gzipper) Decompress(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (*Gzipper) Type() int16 { return Gzip }

// ForType returns the codec for the batch compression attribute. Codecs kcli
// does not implement return an error naming them.
func ForType(typ int16) (Codec, error) {
	switch typ {
	case None:
		return &Nop{}, nil
	case Gzip:
		return &Gzipper{}, nil
	}
	name, ok := names[typ]
	if !ok {
		name = fmt.Sprintf("type %d", typ)
	}
	return nil, fmt.Errorf("unsupported compression codec %s", name)
}

// ForName returns the codec for the configuration value ("none" or "gzip").
func ForName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return &Nop{}, nil
	case "gzip":
		return &Gzipper{}, nil
	}
	return nil, fmt.Errorf("unsupported compression codec %q", name)
}
