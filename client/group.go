package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/FindCoordinator"
	"github.com/kcli-dev/kcli/api/Heartbeat"
	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/LeaveGroup"
	"github.com/kcli-dev/kcli/api/OffsetCommit"
	"github.com/kcli-dev/kcli/api/OffsetFetch"
	"github.com/kcli-dev/kcli/api/SyncGroup"
	"github.com/kcli-dev/kcli/transport"
)

// https://cwiki.apache.org/confluence/display/KAFKA/Kafka+Client-side+Assignment+Proposal

const coordinatorAttempts = 4

// GroupClient makes calls to the coordinator of one consumer group. The
// coordinator is found with FindCoordinator on first use and again whenever
// a call fails with a transport error, NOT_COORDINATOR or
// COORDINATOR_NOT_AVAILABLE. Safe for concurrent use.
type GroupClient struct {
	cluster *Cluster
	GroupId string
	log     logrus.FieldLogger

	mu          sync.Mutex
	coordinator *Broker
}

func NewGroupClient(cluster *Cluster, groupId string) *GroupClient {
	return &GroupClient{
		cluster: cluster,
		GroupId: groupId,
		log:     cluster.log.WithField("group", groupId),
	}
}

// Coordinator returns the cached coordinator, if any.
func (c *GroupClient) Coordinator() (Broker, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coordinator == nil {
		return Broker{}, false
	}
	return *c.coordinator, true
}

func (c *GroupClient) forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.coordinator = nil
}

func (c *GroupClient) findCoordinator(ctx context.Context) (Broker, error) {
	if b, ok := c.Coordinator(); ok {
		return b, nil
	}
	conn, err := c.cluster.Pool.Any(ctx)
	if err != nil {
		return Broker{}, err
	}
	resp := &FindCoordinator.Response{}
	if err := conn.Call(ctx, FindCoordinator.NewRequest(c.GroupId), resp); err != nil {
		return Broker{}, fmt.Errorf("error making FindCoordinator call: %w", err)
	}
	if err := resp.Err(); err != nil {
		return Broker{}, fmt.Errorf("error response from FindCoordinator call: %w", err)
	}
	b := Broker{NodeID: resp.NodeId, Host: resp.Host, Port: resp.Port}
	c.mu.Lock()
	c.coordinator = &b
	c.mu.Unlock()
	c.log.WithField("coordinator", b.Addr()).Debug("found group coordinator")
	return b, nil
}

func coordinatorError(err error) bool {
	var te interface{ Timeout() bool }
	return kcli.HasCode(err, kcli.ERR_NOT_COORDINATOR) ||
		kcli.HasCode(err, kcli.ERR_COORDINATOR_NOT_AVAILABLE) ||
		kcli.HasCode(err, kcli.ERR_COORDINATOR_LOAD_IN_PROGRESS) ||
		errors.Is(err, transport.ErrConnectionClosed) ||
		errors.Is(err, transport.ErrWrite) ||
		errors.Is(err, transport.ErrConnect) ||
		errors.Is(err, transport.ErrReadTimeout) ||
		errors.As(err, &te)
}

// call sends req to the coordinator. code extracts the top level error code
// from the response. Coordinator errors cause rediscovery and a retry with
// backoff. The returned error wraps *kcli.Error for broker error codes.
func (c *GroupClient) call(ctx context.Context, req func() *api.Request, v interface{}, code func() int16, timeout time.Duration) error {
	b := &backoff.Backoff{Min: 50 * time.Millisecond, Max: time.Second, Jitter: true}
	var err error
	for i := 0; i < coordinatorAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		var coordinator Broker
		if coordinator, err = c.findCoordinator(ctx); err != nil {
			if ctx.Err() != nil || !coordinatorError(err) {
				return err
			}
			continue
		}
		var conn *transport.Conn
		if conn, err = c.cluster.Pool.GetOrConnectEndpoint(ctx, coordinator); err == nil {
			r := req()
			if timeout > 0 {
				err = conn.CallTimeout(ctx, r, v, timeout)
			} else {
				err = conn.Call(ctx, r, v)
			}
			if err == nil {
				err = kcli.ErrorForCode(code())
			}
		}
		if err == nil || ctx.Err() != nil || !coordinatorError(err) {
			return err
		}
		c.log.WithError(err).Debug("group coordinator unavailable, rediscovering")
		c.forget()
	}
	return err
}

type JoinGroupRequest struct {
	MemberId         string // empty on first join
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
	Topics           []string
}

// Join the group with the consumer protocol and the range assignor. The
// broker holds the call until the group rebalance completes.
func (c *GroupClient) Join(ctx context.Context, req *JoinGroupRequest) (*JoinGroup.Response, error) {
	sub := &JoinGroup.Subscription{Version: 0, Topics: req.Topics}
	args := &JoinGroup.Args{
		GroupId:            c.GroupId,
		MemberId:           req.MemberId,
		SessionTimeoutMs:   int32(req.SessionTimeout / time.Millisecond),
		RebalanceTimeoutMs: int32(req.RebalanceTimeout / time.Millisecond),
		ProtocolType:       JoinGroup.ConsumerProtocolType,
		Protocols: []JoinGroup.Protocol{
			{Name: JoinGroup.RangeProtocolName, Metadata: sub.Marshal()},
		},
	}
	resp := &JoinGroup.Response{}
	timeout := req.RebalanceTimeout + c.cluster.Pool.opts.RequestTimeout
	if c.cluster.Pool.opts.RequestTimeout == 0 {
		timeout += kcli.DefaultRequestTimeout
	}
	err := c.call(ctx, func() *api.Request { return JoinGroup.NewRequest(args) }, resp,
		func() int16 { return resp.ErrorCode }, timeout)
	if err != nil {
		return resp, fmt.Errorf("error joining group %s: %w", c.GroupId, err)
	}
	return resp, nil
}

// Sync sends assignments (leader only, nil for followers) and returns the
// assignment of this member.
func (c *GroupClient) Sync(ctx context.Context, memberId string, generationId int32, assignments []SyncGroup.Assignment) (*SyncGroup.MemberAssignment, error) {
	resp := &SyncGroup.Response{}
	err := c.call(ctx, func() *api.Request {
		return SyncGroup.NewRequest(c.GroupId, memberId, generationId, assignments)
	}, resp, func() int16 { return resp.ErrorCode }, 0)
	if err != nil {
		return nil, fmt.Errorf("error syncing group %s: %w", c.GroupId, err)
	}
	a, err := SyncGroup.UnmarshalMemberAssignment(resp.Assignment)
	if err != nil {
		return nil, fmt.Errorf("error parsing member assignment: %w", err)
	}
	return a, nil
}

func (c *GroupClient) Heartbeat(ctx context.Context, memberId string, generationId int32) error {
	resp := &Heartbeat.Response{}
	return c.call(ctx, func() *api.Request {
		return Heartbeat.NewRequest(c.GroupId, memberId, generationId)
	}, resp, func() int16 { return resp.ErrorCode }, 0)
}

func (c *GroupClient) Leave(ctx context.Context, memberId string) error {
	resp := &LeaveGroup.Response{}
	return c.call(ctx, func() *api.Request {
		return LeaveGroup.NewRequest(c.GroupId, memberId)
	}, resp, func() int16 { return resp.ErrorCode }, 0)
}

// FetchOffsets returns the committed offsets for partitions of the topic. A
// partition with nothing committed gets -1. Partition level errors fail the
// call.
func (c *GroupClient) FetchOffsets(ctx context.Context, topic string, partitions []int32) (map[int32]int64, error) {
	resp := &OffsetFetch.Response{}
	err := c.call(ctx, func() *api.Request {
		return OffsetFetch.NewRequest(c.GroupId, topic, partitions)
	}, resp, func() int16 { return resp.ErrorCode }, 0)
	if err != nil {
		return nil, fmt.Errorf("error fetching committed offsets: %w", err)
	}
	offsets := make(map[int32]int64, len(partitions))
	for _, t := range resp.Topics {
		if t.Name != topic {
			continue
		}
		for _, p := range t.Partitions {
			if err := kcli.ErrorForCode(p.ErrorCode); err != nil {
				return nil, fmt.Errorf("error fetching committed offset for %s/%d: %w", topic, p.PartitionIndex, err)
			}
			offsets[p.PartitionIndex] = p.CommittedOffset
		}
	}
	for _, p := range partitions {
		if _, ok := offsets[p]; !ok {
			offsets[p] = -1
		}
	}
	return offsets, nil
}

// CommitArgs identify the group generation the commit is made in. Use
// GenerationId -1 and an empty MemberId to commit outside of membership.
type CommitArgs struct {
	MemberId     string
	GenerationId int32
}

// CommitOffsets commits offsets and returns the per partition result. The
// returned error is for failures of the call as a whole; partitions that
// failed are in the map.
func (c *GroupClient) CommitOffsets(ctx context.Context, args CommitArgs, offsets map[TopicPartition]int64) (map[TopicPartition]error, error) {
	byTopic := make(map[string]map[int32]int64)
	for tp, o := range offsets {
		if byTopic[tp.Topic] == nil {
			byTopic[tp.Topic] = make(map[int32]int64)
		}
		byTopic[tp.Topic][tp.Partition] = o
	}
	resp := &OffsetCommit.Response{}
	req := func() *api.Request {
		return OffsetCommit.NewRequest(&OffsetCommit.Args{
			GroupId:         c.GroupId,
			GenerationId:    args.GenerationId,
			MemberId:        args.MemberId,
			RetentionTimeMs: -1,
		}, byTopic)
	}
	if err := c.call(ctx, req, resp, resp.CoordinatorErrorCode, 0); err != nil {
		return nil, fmt.Errorf("error committing offsets: %w", err)
	}
	errs := resp.Errors()
	results := make(map[TopicPartition]error, len(offsets))
	for tp := range offsets {
		err, ok := errs[tp.Topic][tp.Partition]
		if !ok {
			err = fmt.Errorf("%w: no commit response for partition", kcli.ErrCodec)
		}
		results[tp] = err
	}
	return results, nil
}
