// Package fetcher makes fetch requests for sets of partitions. A "fetcher" is
// different from a "consumer" in that it does no offset management of its
// own: it doesn't advance offsets on successfully reading a fetch response,
// it only reports the offset to fetch next. There are many nuanced error
// scenarios (fetch response successful, 3rd out of 5 returned batches is
// corrupted) and so the logic responsible for advancing and storing offsets
// lives in the consumer.
package fetcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api/Fetch"
	"github.com/kcli-dev/kcli/batch"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/compression"
	"github.com/kcli-dev/kcli/logging"
	"github.com/kcli-dev/kcli/record"
)

const (
	DefaultMaxWait           = 500 * time.Millisecond
	DefaultMaxBytes          = 1 << 20
	DefaultPartitionMaxBytes = 1 << 20
)

type Args struct {
	MinBytes          int32
	MaxBytes          int32 // DefaultMaxBytes if 0
	PartitionMaxBytes int32 // DefaultPartitionMaxBytes if 0
	MaxWait           time.Duration
}

// Record as delivered to the user.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Key       []byte
	Value     []byte
	Headers   []record.Header
}

// Response for one partition. If Err is set Records may still hold the
// records parsed before the error.
type Response struct {
	client.TopicPartition
	FetchOffset    int64
	ErrorCode      int16
	Err            error
	HighWatermark  int64
	LogStartOffset int64
	Records        []*Record
	// NextOffset is the offset to fetch next: one past the last record or
	// batch returned, and never less than FetchOffset.
	NextOffset int64
}

type Fetcher struct {
	cluster *client.Cluster
	args    Args
	log     logrus.FieldLogger
}

func New(cluster *client.Cluster, args Args, log logrus.FieldLogger) *Fetcher {
	if args.MaxBytes == 0 {
		args.MaxBytes = DefaultMaxBytes
	}
	if args.PartitionMaxBytes == 0 {
		args.PartitionMaxBytes = DefaultPartitionMaxBytes
	}
	return &Fetcher{cluster: cluster, args: args, log: logging.OrDiscard(log)}
}

// Fetch records from offsets. One request is made to each partition leader,
// in parallel, waiting at most maxWait for data (args MaxWait if 0). Errors
// are reported per partition; stale leaders trigger a metadata refresh.
// Responses are sorted by topic and partition.
func (f *Fetcher) Fetch(ctx context.Context, offsets map[client.TopicPartition]int64, maxWait time.Duration) []*Response {
	if maxWait <= 0 {
		maxWait = f.args.MaxWait
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	tps := make([]client.TopicPartition, 0, len(offsets))
	for tp := range offsets {
		tps = append(tps, tp)
	}
	groups, errs := f.cluster.ByLeader(tps)
	var mu sync.Mutex
	var out []*Response
	for tp, err := range errs {
		out = append(out, &Response{TopicPartition: tp, FetchOffset: offsets[tp], NextOffset: offsets[tp], Err: err})
	}
	var g errgroup.Group
	for nodeID, group := range groups {
		nodeID, group := nodeID, group
		g.Go(func() error {
			responses := f.fetchFromLeader(ctx, nodeID, group, offsets, maxWait)
			mu.Lock()
			out = append(out, responses...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	refresh := make(map[string]bool)
	for _, r := range out {
		if kcli.NeedsMetadataRefresh(r.Err) {
			refresh[r.Topic] = true
		}
	}
	if len(refresh) > 0 {
		var topics []string
		for t := range refresh {
			topics = append(topics, t)
		}
		if _, err := f.cluster.Metadata.Refresh(ctx, topics); err != nil {
			f.log.WithError(err).Warn("metadata refresh after fetch failed")
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Partition < out[j].Partition
	})
	return out
}

func (f *Fetcher) fetchFromLeader(ctx context.Context, nodeID int32, tps []client.TopicPartition, offsets map[client.TopicPartition]int64, maxWait time.Duration) []*Response {
	failAll := func(err error) []*Response {
		out := make([]*Response, len(tps))
		for i, tp := range tps {
			out[i] = &Response{TopicPartition: tp, FetchOffset: offsets[tp], NextOffset: offsets[tp], Err: err}
		}
		return out
	}
	conn, err := f.cluster.Pool.GetOrConnect(ctx, nodeID)
	if err != nil {
		return failAll(err)
	}
	var po []Fetch.PartitionOffset
	for _, tp := range tps {
		po = append(po, Fetch.PartitionOffset{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Offset:    offsets[tp],
			MaxBytes:  f.args.PartitionMaxBytes,
		})
	}
	args := &Fetch.Args{
		MinBytes:      f.args.MinBytes,
		MaxBytes:      f.args.MaxBytes,
		MaxWaitTimeMs: int32(maxWait / time.Millisecond),
	}
	resp := &Fetch.Response{}
	if err := conn.Call(ctx, Fetch.NewRequest(args, po), resp); err != nil {
		return failAll(fmt.Errorf("error fetching from broker %d: %w", nodeID, err))
	}
	return parseResponse(resp, tps, offsets)
}

func parseResponse(r *Fetch.Response, tps []client.TopicPartition, offsets map[client.TopicPartition]int64) []*Response {
	index := make(map[client.TopicPartition]*Fetch.PartitionResponse)
	for i := range r.TopicResponses {
		t := &(r.TopicResponses[i])
		for j := range t.PartitionResponses {
			p := &(t.PartitionResponses[j])
			index[client.TopicPartition{Topic: t.Topic, Partition: p.Partition}] = p
		}
	}
	out := make([]*Response, 0, len(tps))
	for _, tp := range tps {
		offset := offsets[tp]
		resp := &Response{TopicPartition: tp, FetchOffset: offset, NextOffset: offset}
		out = append(out, resp)
		p, ok := index[tp]
		if !ok {
			resp.Err = fmt.Errorf("%w: no fetch response for %s", kcli.ErrCodec, tp)
			continue
		}
		resp.ErrorCode = p.ErrorCode
		resp.HighWatermark = p.HighWatermark
		resp.LogStartOffset = p.LogStartOffset
		if resp.Err = kcli.ErrorForCode(p.ErrorCode); resp.Err != nil {
			continue
		}
		resp.Records, resp.NextOffset, resp.Err = ParseRecordSet(tp, offset, p.RecordSet)
	}
	return out
}

// ParseRecordSet returns the records in the set with offsets at or past
// offset, in offset order, and the offset to fetch next. Control batches are
// skipped but advance the next offset. A truncated trailing batch is ignored.
// On error the records parsed so far are returned.
func ParseRecordSet(tp client.TopicPartition, offset int64, recordSet []byte) ([]*Record, int64, error) {
	var records []*Record
	next := offset
	for _, raw := range batch.RecordSet(recordSet).Batches() {
		b, err := batch.Unmarshal(raw)
		if err != nil {
			return records, next, err
		}
		if b.IsControl() {
			if last := b.LastOffset() + 1; last > next {
				next = last
			}
			continue
		}
		codec, err := compression.ForType(b.CompressionType())
		if err != nil {
			return records, next, err
		}
		if err := b.Decompress(codec); err != nil {
			return records, next, err
		}
		marshaled, err := b.Records()
		if err != nil {
			return records, next, err
		}
		for _, m := range marshaled {
			r, err := record.Unmarshal(m)
			if err != nil {
				return records, next, err
			}
			o := b.BaseOffset + r.OffsetDelta
			if o < offset {
				continue // batches are returned whole, skip what was consumed
			}
			ts := b.FirstTimestamp + r.TimestampDelta
			if b.TimestampType() == batch.TimestampLogAppend {
				ts = b.MaxTimestamp
			}
			records = append(records, &Record{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				Offset:    o,
				Timestamp: time.UnixMilli(ts),
				Key:       r.Key,
				Value:     r.Value,
				Headers:   r.Headers,
			})
			if o+1 > next {
				next = o + 1
			}
		}
		if last := b.LastOffset() + 1; last > next {
			next = last
		}
	}
	return records, next, nil
}
