// Package varint implements the ZigZag varint encoding used inside Kafka
// records. It is the protobuf encoding, which encoding/binary implements; this
// package adds bounds checked decoding that reports errors instead of zero
// lengths.
package varint

import (
	"encoding/binary"
	"errors"
)

var (
	ErrTruncated = errors.New("varint truncated")
	ErrOverflow  = errors.New("varint overflows 64 bits")
)

// AppendZigZag64 appends x to dst.
func AppendZigZag64(dst []byte, x int64) []byte {
	return binary.AppendVarint(dst, x)
}

// EncodeZigZag64 returns x encoded in a new slice.
func EncodeZigZag64(x int64) []byte {
	return binary.AppendVarint(nil, x)
}

// DecodeZigZag64 returns the decoded value and the number of bytes read.
func DecodeZigZag64(buf []byte) (int64, int, error) {
	x, n := binary.Varint(buf)
	switch {
	case n == 0:
		return 0, 0, ErrTruncated
	case n < 0:
		return 0, 0, ErrOverflow
	}
	return x, n, nil
}

// Len is the encoded size of x.
func Len(x int64) int {
	ux := uint64(x<<1) ^ uint64(x>>63)
	n := 1
	for ux >= 0x80 {
		ux >>= 7
		n++
	}
	return n
}
