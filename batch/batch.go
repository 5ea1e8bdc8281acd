/*
Package batch implements functions for building, marshaling, and unmarshaling
Kafka record batches (magic 2).

Producing

Call NewBuilder and Add records to it. Call Builder.Build, optionally Compress
the batch, and Marshal it into the record set of a produce request.

Fetching

Fetch results carry a RecordSet. Call its Batches method to get byte slices
with individual batches, Unmarshal each, Decompress if needed, then call
Batch.Records. Control batches (transaction markers) carry no user records.
*/
package batch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"reflect"
	"time"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/compression"
	"github.com/kcli-dev/kcli/record"
	"github.com/kcli-dev/kcli/varint"
	"github.com/kcli-dev/kcli/wire"
)

const (
	// HeaderSize is the size of the marshaled batch header.
	HeaderSize = 61
	// lengthOffset is the number of header bytes not counted in BatchLengthBytes.
	lengthOffset = 12
	crcOffset    = 17
	crcStart     = 21
)

type Compressor interface {
	Compress([]byte) ([]byte, error)
	Type() int16
}

type Decompressor interface {
	Decompress([]byte) ([]byte, error)
	Type() int16
}

func NewBuilder(now time.Time) *Builder {
	return &Builder{t: now}
}

// Builder is used for building record batches. There is no limit on the number
// of records (up to the user). Not safe for concurrent use.
type Builder struct {
	t       time.Time
	records []*record.Record
	times   []time.Time
	size    int
}

// Add records to the batch, timestamped with the time the builder was
// created.
func (b *Builder) Add(records ...*record.Record) {
	for _, r := range records {
		b.AddAt(b.t, r)
	}
}

// AddAt adds a record with its own timestamp.
func (b *Builder) AddAt(t time.Time, r *record.Record) {
	b.records = append(b.records, r)
	b.times = append(b.times, t)
	if r != nil {
		b.size += r.Size()
	}
}

func (b *Builder) AddStrings(values ...string) *Builder {
	for _, s := range values {
		b.Add(record.New(nil, []byte(s)))
	}
	return b
}

// NumRecords that have been added to the builder.
func (b *Builder) NumRecords() int {
	return len(b.records)
}

// Size estimates the uncompressed size of the marshaled batch. Timestamp and
// offset deltas are not known until Build, so records are counted with the
// deltas they had when added.
func (b *Builder) Size() int {
	return HeaderSize + b.size + 2*binary.MaxVarintLen32*len(b.records)
}

var (
	ErrEmpty     = errors.New("empty batch")
	ErrNilRecord = errors.New("nil record in batch")
)

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Build a record batch (marshal individual records and set batch metadata).
// Returns ErrEmpty if batch has no records, ErrNilRecord if any of the
// records is nil. Record OffsetDelta and TimestampDelta are set here.
// FirstTimestamp is the earliest record timestamp, MaxTimestamp the latest.
// Marshaled records are not compressed (call Batch.Compress).
func (b *Builder) Build() (*Batch, error) {
	if len(b.records) == 0 {
		return nil, ErrEmpty
	}
	first, max := millis(b.times[0]), millis(b.times[0])
	for _, t := range b.times {
		ms := millis(t)
		if ms < first {
			first = ms
		}
		if ms > max {
			max = ms
		}
	}
	var marshaled []byte
	for i, r := range b.records {
		if r == nil {
			return nil, ErrNilRecord
		}
		r.OffsetDelta = int64(i)
		r.TimestampDelta = millis(b.times[i]) - first
		marshaled = r.AppendTo(marshaled)
	}
	return &Batch{
		BatchLengthBytes: int32(HeaderSize - lengthOffset + len(marshaled)),
		Magic:            2,
		Attributes:       compression.None,
		LastOffsetDelta:  int32(len(b.records) - 1),
		FirstTimestamp:   first,
		MaxTimestamp:     max,
		ProducerId:       -1,
		ProducerEpoch:    -1,
		BaseSequence:     -1,
		NumRecords:       int32(len(b.records)),
		MarshaledRecords: marshaled,
	}, nil
}

var (
	ErrCorruptedBatch = fmt.Errorf("%w: batch crc does not match bytes", kcli.ErrCodec)
	ErrInvalidBatch   = fmt.Errorf("%w: invalid record batch", kcli.ErrCodec)
	crc32c            = crc32.MakeTable(crc32.Castagnoli)
)

// Unmarshal the batch. On error batch is nil. If the crc fails there is no
// way to tell how many records there were in the batch (and to adjust offsets
// accordingly).
func Unmarshal(b []byte) (*Batch, error) {
	if len(b) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than batch header", ErrInvalidBatch, len(b))
	}
	buf := bytes.NewBuffer(b)
	batch := &Batch{}
	if err := wire.Read(buf, reflect.ValueOf(batch)); err != nil {
		return nil, err
	}
	if batch.Magic != 2 {
		return nil, fmt.Errorf("%w: magic %d", ErrInvalidBatch, batch.Magic)
	}
	if int(batch.BatchLengthBytes)+lengthOffset != len(b) {
		return nil, fmt.Errorf("%w: batch length %d, have %d bytes", ErrInvalidBatch, batch.BatchLengthBytes, len(b)-lengthOffset)
	}
	batch.MarshaledRecords = buf.Bytes() // the remainder is the message bodies
	if crc32.Checksum(b[crcStart:], crc32c) != batch.Crc {
		return nil, ErrCorruptedBatch
	}
	return batch, nil
}

// Batch defines Kafka record batch in wire format. Not safe for concurrent use.
type Batch struct {
	BaseOffset           int64
	BatchLengthBytes     int32
	PartitionLeaderEpoch int32
	Magic                int8 // this should be =2
	Crc                  uint32
	Attributes           int16
	LastOffsetDelta      int32
	FirstTimestamp       int64 // ms since epoch
	MaxTimestamp         int64 // ms since epoch
	ProducerId           int64 // -1, no idempotence
	ProducerEpoch        int16
	BaseSequence         int32
	NumRecords           int32
	//
	MarshaledRecords []byte `wire:"omit" json:"-"`
}

func (batch *Batch) CompressionType() int16 {
	return batch.Attributes & 0b111
}

const (
	TimestampCreate    = 0b0000
	TimestampLogAppend = 0b1000
)

func (batch *Batch) TimestampType() int16 {
	return batch.Attributes & 0b1000
}

// IsControl is true for transaction marker batches.
func (batch *Batch) IsControl() bool {
	return batch.Attributes&0b100000 != 0
}

func (batch *Batch) LastOffset() int64 {
	return batch.BaseOffset + int64(batch.LastOffsetDelta)
}

// Marshal batch header and append marshaled records. If you want the batch to
// be compressed call Compress before Marshal. Mutates the batch Crc.
func (batch *Batch) Marshal() RecordSet {
	buf := new(bytes.Buffer)
	if err := wire.Write(buf, reflect.ValueOf(batch)); err != nil {
		panic(err) // only fixed size fields
	}
	buf.Write(batch.MarshaledRecords)
	b := buf.Bytes()
	batch.Crc = crc32.Checksum(b[crcStart:], crc32c)
	binary.BigEndian.PutUint32(b[crcOffset:], batch.Crc)
	return b
}

// Compress batch records with supplied compressor. Mutates batch on success
// only. Call before Marshal. Not idempotent (on success).
func (batch *Batch) Compress(c Compressor) error {
	b, err := c.Compress(batch.MarshaledRecords)
	if err != nil {
		return fmt.Errorf("error compressing batch records: %w", err)
	}
	batch.BatchLengthBytes = int32(HeaderSize - lengthOffset + len(b))
	batch.Attributes = batch.Attributes&^0b111 | c.Type()
	batch.Crc = 0 // invalidate crc
	batch.MarshaledRecords = b
	return nil
}

// Decompress batch with supplied decompressor. Mutates batch. Call after
// Unmarshal and before Records. Not idempotent.
func (batch *Batch) Decompress(d Decompressor) error {
	b, err := d.Decompress(batch.MarshaledRecords)
	if err != nil {
		return fmt.Errorf("error decompressing record batch: %w", err)
	}
	batch.BatchLengthBytes = int32(HeaderSize - lengthOffset + len(b))
	batch.Attributes = batch.Attributes &^ 0b111
	batch.Crc = 0 // invalidate crc
	batch.MarshaledRecords = b
	return nil
}

// Records retrieves individual marshaled records from the batch. If batch
// records are compressed you must call Decompress first.
func (batch *Batch) Records() ([][]byte, error) {
	var records [][]byte
	for b := batch.MarshaledRecords; len(b) > 0; {
		length, n, err := varint.DecodeZigZag64(b)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", record.ErrCorrupt, err)
		}
		if length < 0 || int64(n)+length > int64(len(b)) {
			return nil, fmt.Errorf("%w: record length %d exceeds batch", record.ErrCorrupt, length)
		}
		n += int(length)
		records = append(records, b[0:n])
		b = b[n:]
	}
	return records, nil
}

// RecordSet is composed of 0 or more record batches. Fetch API calls respond
// with record sets. Byte representation of a record set with only one record
// batch is identical to the record batch.
type RecordSet []byte

// Batches returns the batches in the record set. Because Kafka limits response
// byte sizes, the last record batch in the set may be truncated (bytes will be
// missing from the end). In such case the last batch is discarded.
func (b RecordSet) Batches() [][]byte {
	var batches [][]byte
	for len(b) >= lengthOffset {
		length := int32(binary.BigEndian.Uint32(b[8:12]))
		if length <= 0 {
			break
		}
		n := int(length) + lengthOffset
		if len(b) < n {
			break // "incomplete" batch
		}
		batches = append(batches, b[:n])
		b = b[n:]
	}
	return batches
}
