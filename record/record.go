// Package record implements functions for marshaling and unmarshaling
// individual Kafka records (the entries inside a v2 record batch).
package record

import (
	"errors"
	"fmt"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/varint"
)

var ErrCorrupt = fmt.Errorf("%w: corrupt record", kcli.ErrCodec)

type Header struct {
	Key   string
	Value []byte // nil is null
}

// Record in wire format. A nil Key or Value is written as null (-1 length),
// which is not the same as empty.
type Record struct {
	Attributes     int8 // unused by kafka
	TimestampDelta int64
	OffsetDelta    int64
	Key            []byte
	Value          []byte
	Headers        []Header
}

func New(key, value []byte) *Record {
	return &Record{Key: key, Value: value}
}

func nullableLen(b []byte) int64 {
	if b == nil {
		return -1
	}
	return int64(len(b))
}

func (r *Record) bodySize() int {
	n := 1 // attributes
	n += varint.Len(r.TimestampDelta)
	n += varint.Len(r.OffsetDelta)
	n += varint.Len(nullableLen(r.Key)) + len(r.Key)
	n += varint.Len(nullableLen(r.Value)) + len(r.Value)
	n += varint.Len(int64(len(r.Headers)))
	for _, h := range r.Headers {
		n += varint.Len(int64(len(h.Key))) + len(h.Key)
		n += varint.Len(nullableLen(h.Value)) + len(h.Value)
	}
	return n
}

// Size of the marshaled record, including the length prefix.
func (r *Record) Size() int {
	n := r.bodySize()
	return varint.Len(int64(n)) + n
}

// AppendTo appends the length prefixed record to dst.
func (r *Record) AppendTo(dst []byte) []byte {
	dst = varint.AppendZigZag64(dst, int64(r.bodySize()))
	dst = append(dst, byte(r.Attributes))
	dst = varint.AppendZigZag64(dst, r.TimestampDelta)
	dst = varint.AppendZigZag64(dst, r.OffsetDelta)
	dst = varint.AppendZigZag64(dst, nullableLen(r.Key))
	dst = append(dst, r.Key...)
	dst = varint.AppendZigZag64(dst, nullableLen(r.Value))
	dst = append(dst, r.Value...)
	dst = varint.AppendZigZag64(dst, int64(len(r.Headers)))
	for _, h := range r.Headers {
		dst = varint.AppendZigZag64(dst, int64(len(h.Key)))
		dst = append(dst, h.Key...)
		dst = varint.AppendZigZag64(dst, nullableLen(h.Value))
		dst = append(dst, h.Value...)
	}
	return dst
}

func (r *Record) Marshal() []byte {
	return r.AppendTo(make([]byte, 0, r.Size()))
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) varint() (int64, error) {
	x, n, err := varint.DecodeZigZag64(r.b[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return x, nil
}

// bytes reads a varint length and that many bytes. Length -1 is nil. Returned
// slices alias the input.
func (r *reader) bytes() ([]byte, error) {
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	switch {
	case n == -1:
		return nil, nil
	case n < -1:
		return nil, fmt.Errorf("invalid length %d", n)
	case n > int64(len(r.b)-r.off):
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(r.b)-r.off)
	}
	b := r.b[r.off : r.off+int(n) : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// Unmarshal a single length prefixed record. Key, Value, and header values
// share memory with b.
func Unmarshal(b []byte) (*Record, error) {
	rec, err := unmarshal(b)
	if err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	return rec, nil
}

func unmarshal(b []byte) (*Record, error) {
	r := &reader{b: b}
	length, err := r.varint()
	if err != nil {
		return nil, err
	}
	if length < 1 || length > int64(len(b)-r.off) {
		return nil, fmt.Errorf("record length %d, have %d bytes", length, len(b)-r.off)
	}
	r.b = b[:r.off+int(length)]
	if r.off >= len(r.b) {
		return nil, varint.ErrTruncated
	}
	rec := &Record{Attributes: int8(r.b[r.off])}
	r.off++
	if rec.TimestampDelta, err = r.varint(); err != nil {
		return nil, err
	}
	if rec.OffsetDelta, err = r.varint(); err != nil {
		return nil, err
	}
	if rec.Key, err = r.bytes(); err != nil {
		return nil, err
	}
	if rec.Value, err = r.bytes(); err != nil {
		return nil, err
	}
	n, err := r.varint()
	if err != nil {
		return nil, err
	}
	if n < 0 || n > int64(len(r.b)-r.off) {
		return nil, fmt.Errorf("invalid header count %d", n)
	}
	for i := 0; i < int(n); i++ {
		k, err := r.bytes()
		if err != nil {
			return nil, err
		}
		v, err := r.bytes()
		if err != nil {
			return nil, err
		}
		rec.Headers = append(rec.Headers, Header{Key: string(k), Value: v})
	}
	return rec, nil
}
