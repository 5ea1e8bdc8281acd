package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kcli-dev/kcli"
	metadataapi "github.com/kcli-dev/kcli/api/Metadata"
)

// TopicPartition is used as a map key.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

type PartitionMetadata struct {
	Leader      int32
	Replicas    []int32
	Isr         []int32
	ErrorCode   int16
	RefreshedAt time.Time
}

type TopicMetadata struct {
	ErrorCode   int16
	Partitions  []int32 // sorted
	RefreshedAt time.Time
}

// Snapshot is an immutable view of cluster metadata. Do not modify.
type Snapshot struct {
	ClusterID  string
	Controller int32
	Brokers    map[int32]Broker
	Topics     map[string]TopicMetadata
	Partitions map[TopicPartition]PartitionMetadata
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Controller: -1,
		Brokers:    map[int32]Broker{},
		Topics:     map[string]TopicMetadata{},
		Partitions: map[TopicPartition]PartitionMetadata{},
	}
}

// Leader returns the leader broker of the partition. Errors are *kcli.Error:
// UNKNOWN_TOPIC_OR_PARTITION, a topic level error code, or
// LEADER_NOT_AVAILABLE when the leader is not a known broker.
func (s *Snapshot) Leader(tp TopicPartition) (Broker, error) {
	t, ok := s.Topics[tp.Topic]
	if !ok {
		return Broker{}, &kcli.Error{Code: kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION}
	}
	if t.ErrorCode != kcli.ERR_NONE {
		return Broker{}, &kcli.Error{Code: t.ErrorCode}
	}
	p, ok := s.Partitions[tp]
	if !ok {
		return Broker{}, &kcli.Error{Code: kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION}
	}
	b, ok := s.Brokers[p.Leader]
	if !ok {
		return Broker{}, &kcli.Error{Code: kcli.ERR_LEADER_NOT_AVAILABLE}
	}
	return b, nil
}

// TopicPartitions returns the sorted partition ids of the topic.
func (s *Snapshot) TopicPartitions(topic string) ([]int32, error) {
	t, ok := s.Topics[topic]
	if !ok {
		return nil, &kcli.Error{Code: kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION}
	}
	if t.ErrorCode != kcli.ERR_NONE {
		return nil, &kcli.Error{Code: t.ErrorCode}
	}
	return t.Partitions, nil
}

// Metadata caches cluster metadata. Every refresh publishes a new Snapshot.
// Entries are overwritten by later refreshes, never purged.
type Metadata struct {
	pool     *Pool
	interval time.Duration
	log      logrus.FieldLogger
	mu       sync.Mutex // serializes merges
	snap     atomic.Pointer[Snapshot]
	flight   singleflight.Group
}

func newMetadata(pool *Pool, interval time.Duration, log logrus.FieldLogger) *Metadata {
	m := &Metadata{pool: pool, interval: interval, log: log}
	m.snap.Store(emptySnapshot())
	return m
}

// Snapshot returns the current metadata. Never nil.
func (m *Metadata) Snapshot() *Snapshot {
	return m.snap.Load()
}

func flightKey(topics []string) string {
	if topics == nil {
		return "*"
	}
	sorted := append([]string(nil), topics...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Refresh requests metadata for topics (nil for all topics) and publishes the
// merged snapshot. Concurrent refreshes of the same topic set share one
// request.
func (m *Metadata) Refresh(ctx context.Context, topics []string) (*Snapshot, error) {
	ch := m.flight.DoChan(flightKey(topics), func() (interface{}, error) {
		shared, cancel := m.pool.detach(ctx, metadataAttempts)
		defer cancel()
		resp, err := m.request(shared, topics)
		if err != nil {
			return nil, err
		}
		return m.merge(resp), nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("error refreshing metadata: %w", ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("error refreshing metadata: %w", res.Err)
	}
	m.log.WithFields(logrus.Fields{"topics": topics, "shared": res.Shared}).Debug("metadata refreshed")
	return res.Val.(*Snapshot), nil
}

const metadataAttempts = 3

func (m *Metadata) request(ctx context.Context, topics []string) (*metadataapi.Response, error) {
	var err error
	for i := 0; i < metadataAttempts; i++ {
		conn, e := m.pool.Any(ctx)
		if e != nil {
			return nil, e
		}
		resp := &metadataapi.Response{}
		if err = conn.Call(ctx, metadataapi.NewRequest(topics), resp); err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// the failed connection is closed, Any moves on to another broker
	}
	return nil, err
}

func (m *Metadata) merge(resp *metadataapi.Response) *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	old := m.snap.Load()
	next := &Snapshot{
		ClusterID:  resp.ClusterId,
		Controller: resp.ControllerId,
		Brokers:    make(map[int32]Broker, len(old.Brokers)),
		Topics:     make(map[string]TopicMetadata, len(old.Topics)),
		Partitions: make(map[TopicPartition]PartitionMetadata, len(old.Partitions)),
	}
	for k, v := range old.Brokers {
		next.Brokers[k] = v
	}
	for k, v := range old.Topics {
		next.Topics[k] = v
	}
	for k, v := range old.Partitions {
		next.Partitions[k] = v
	}
	live := make(map[int32]Broker, len(resp.Brokers))
	for _, b := range resp.Brokers {
		live[b.NodeId] = Broker{NodeID: b.NodeId, Host: b.Host, Port: b.Port}
		next.Brokers[b.NodeId] = live[b.NodeId]
	}
	for _, t := range resp.TopicMetadata {
		tm := TopicMetadata{ErrorCode: t.ErrorCode, RefreshedAt: now}
		for _, p := range t.PartitionMetadata {
			tm.Partitions = append(tm.Partitions, p.Partition)
			pm := PartitionMetadata{
				Leader:      p.Leader,
				Replicas:    p.Replicas,
				Isr:         p.Isr,
				ErrorCode:   p.ErrorCode,
				RefreshedAt: now,
			}
			if _, ok := live[p.Leader]; !ok {
				pm.Leader = -1
				pm.ErrorCode = kcli.ERR_LEADER_NOT_AVAILABLE
			}
			next.Partitions[TopicPartition{Topic: t.Topic, Partition: p.Partition}] = pm
		}
		sort.Slice(tm.Partitions, func(i, j int) bool { return tm.Partitions[i] < tm.Partitions[j] })
		next.Topics[t.Topic] = tm
	}
	m.snap.Store(next)
	m.pool.setBrokers(live, resp.ControllerId)
	return next
}

// Leader of the partition in the current snapshot. See Snapshot.Leader.
func (m *Metadata) Leader(tp TopicPartition) (Broker, error) {
	return m.Snapshot().Leader(tp)
}

// Partitions returns the partitions of the topic, refreshing metadata if the
// topic is not cached.
func (m *Metadata) Partitions(ctx context.Context, topic string) ([]int32, error) {
	if _, ok := m.Snapshot().Topics[topic]; !ok {
		if _, err := m.Refresh(ctx, []string{topic}); err != nil {
			return nil, err
		}
	}
	return m.Snapshot().TopicPartitions(topic)
}

// Run refreshes metadata for the cached topics every interval until ctx is
// done. Errors are logged.
func (m *Metadata) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		var topics []string
		for topic := range m.Snapshot().Topics {
			topics = append(topics, topic)
		}
		if _, err := m.Refresh(ctx, topics); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("periodic metadata refresh failed")
		}
	}
}
