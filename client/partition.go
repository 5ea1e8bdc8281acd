package client

import (
	"context"
	"fmt"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api/ListOffsets"
	"github.com/kcli-dev/kcli/transport"
)

// LeaderConn returns a pooled connection to the leader of the partition. If
// the cached metadata has no usable leader it is refreshed once.
func (c *Cluster) LeaderConn(ctx context.Context, tp TopicPartition) (*transport.Conn, Broker, error) {
	leader, err := c.Metadata.Leader(tp)
	if err != nil && kcli.NeedsMetadataRefresh(err) {
		if _, err := c.Metadata.Refresh(ctx, []string{tp.Topic}); err != nil {
			return nil, Broker{}, err
		}
		leader, err = c.Metadata.Leader(tp)
	}
	if err != nil {
		return nil, Broker{}, fmt.Errorf("error getting leader for %s: %w", tp, err)
	}
	conn, err := c.Pool.GetOrConnect(ctx, leader.NodeID)
	if err != nil {
		return nil, leader, fmt.Errorf("error connecting to leader of %s: %w", tp, err)
	}
	return conn, leader, nil
}

// ByLeader groups partitions by the node id of their leader in the current
// metadata. Partitions without a usable leader are returned with the error.
func (c *Cluster) ByLeader(tps []TopicPartition) (map[int32][]TopicPartition, map[TopicPartition]error) {
	snap := c.Metadata.Snapshot()
	groups := make(map[int32][]TopicPartition)
	var errs map[TopicPartition]error
	for _, tp := range tps {
		leader, err := snap.Leader(tp)
		if err != nil {
			if errs == nil {
				errs = make(map[TopicPartition]error)
			}
			errs[tp] = err
			continue
		}
		groups[leader.NodeID] = append(groups[leader.NodeID], tp)
	}
	return groups, errs
}

// ListOffsets returns the offset of each partition of the topic at timestamp
// (ms, or ListOffsets.Oldest or ListOffsets.Newest). Requests go to partition
// leaders. Any broker error fails the call; stale leaders trigger a metadata
// refresh so that the next call can succeed.
func (c *Cluster) ListOffsets(ctx context.Context, topic string, partitions []int32, timestamp int64) (map[int32]int64, error) {
	var tps []TopicPartition
	for _, p := range partitions {
		tps = append(tps, TopicPartition{Topic: topic, Partition: p})
	}
	groups, errs := c.ByLeader(tps)
	for tp, err := range errs {
		if kcli.NeedsMetadataRefresh(err) {
			c.refreshTopic(ctx, topic)
		}
		return nil, fmt.Errorf("error listing offsets for %s: %w", tp, err)
	}
	offsets := make(map[int32]int64, len(partitions))
	for nodeID, group := range groups {
		conn, err := c.Pool.GetOrConnect(ctx, nodeID)
		if err != nil {
			return nil, fmt.Errorf("error listing offsets: %w", err)
		}
		ids := make([]int32, len(group))
		for i, tp := range group {
			ids[i] = tp.Partition
		}
		resp := &ListOffsets.Response{}
		if err := conn.Call(ctx, ListOffsets.NewRequest(topic, ids, timestamp), resp); err != nil {
			return nil, fmt.Errorf("error listing offsets: %w", err)
		}
		for _, id := range ids {
			p := resp.Partition(topic, id)
			if p == nil {
				return nil, fmt.Errorf("%w: no list offsets response for %s/%d", kcli.ErrCodec, topic, id)
			}
			if err := kcli.ErrorForCode(p.ErrorCode); err != nil {
				if kcli.NeedsMetadataRefresh(err) {
					c.refreshTopic(ctx, topic)
				}
				return nil, fmt.Errorf("error listing offsets for %s/%d: %w", topic, id, err)
			}
			offsets[id] = p.Offset
		}
	}
	return offsets, nil
}

func (c *Cluster) refreshTopic(ctx context.Context, topic string) {
	if _, err := c.Metadata.Refresh(ctx, []string{topic}); err != nil {
		c.log.WithError(err).WithField("topic", topic).Warn("metadata refresh failed")
	}
}
