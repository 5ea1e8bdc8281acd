package compression

import (
	"bytes"
	"testing"
)

func TestUnitGzip(t *testing.T) {
	in := bytes.Repeat([]byte("kafka "), 1000)
	c := &Gzipper{}
	b, err := c.Compress(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) >= len(in) {
		t.Fatal(len(b))
	}
	out, err := c.Decompress(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("round trip mismatch")
	}
}

func TestUnitForType(t *testing.T) {
	for _, typ := range []int16{None, Gzip} {
		c, err := ForType(typ)
		if err != nil {
			t.Fatal(err)
		}
		if c.Type() != typ {
			t.Fatal(c.Type(), typ)
		}
	}
	if _, err := ForType(Lz4); err == nil {
		t.Fatal("expected error for lz4")
	}
}

func TestUnitForName(t *testing.T) {
	if c, err := ForName("GZIP"); err != nil || c.Type() != Gzip {
		t.Fatal(c, err)
	}
	if c, err := ForName(""); err != nil || c.Type() != None {
		t.Fatal(c, err)
	}
	if _, err := ForName("snappy"); err == nil {
		t.Fatal("expected error")
	}
}
