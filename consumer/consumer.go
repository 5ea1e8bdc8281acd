// Package consumer implements a Kafka group consumer. A Consumer joins a
// group through its coordinator, computes range assignments when it is the
// group leader, and fetches records from the partitions it was assigned.
//
// The consumer is driven by the caller: every call to Poll advances the group
// membership state machine, sends a heartbeat when one is due, commits
// offsets when auto commit is due, and runs one fetch cycle. Nothing happens
// in the background, so Poll must be called at least once per heartbeat
// interval for the member to stay in the group. A Consumer is not safe for
// concurrent use.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/SyncGroup"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/fetcher"
	"github.com/kcli-dev/kcli/logging"
)

const (
	DefaultSessionTimeout     = 45 * time.Second
	DefaultHeartbeatInterval  = 3 * time.Second
	DefaultRebalanceTimeout   = 60 * time.Second
	DefaultAutoCommitInterval = 5 * time.Second

	maxMissedHeartbeats = 3
)

type OffsetReset string

const (
	ResetEarliest OffsetReset = "earliest"
	ResetLatest   OffsetReset = "latest"
)

var (
	ErrClosed         = errors.New("consumer closed")
	ErrInvalidOptions = errors.New("invalid consumer options")
	ErrNotAssigned    = errors.New("partition not assigned")
)

// State of group membership.
type State int

const (
	Unjoined State = iota
	Joining
	AwaitingSync
	Assigned
	Heartbeating
	Rebalancing
	Closed
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case AwaitingSync:
		return "awaiting-sync"
	case Assigned:
		return "assigned"
	case Heartbeating:
		return "heartbeating"
	case Rebalancing:
		return "rebalancing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	GroupId           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration // must be shorter than SessionTimeout
	RebalanceTimeout  time.Duration
	// AutoOffsetReset applies to partitions with no committed offset and
	// to OFFSET_OUT_OF_RANGE errors. ResetEarliest if empty.
	AutoOffsetReset    OffsetReset
	EnableAutoCommit   bool
	AutoCommitInterval time.Duration
	FetchMaxWait       time.Duration
	FetchMaxBytes      int32
	Logger             logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.RebalanceTimeout <= 0 {
		o.RebalanceTimeout = DefaultRebalanceTimeout
	}
	if o.AutoOffsetReset == "" {
		o.AutoOffsetReset = ResetEarliest
	}
	if o.AutoCommitInterval <= 0 {
		o.AutoCommitInterval = DefaultAutoCommitInterval
	}
	if o.FetchMaxWait <= 0 {
		o.FetchMaxWait = fetcher.DefaultMaxWait
	}
}

func (o *Options) validate() error {
	switch {
	case o.GroupId == "":
		return fmt.Errorf("%w: empty group id", ErrInvalidOptions)
	case len(o.Topics) == 0:
		return fmt.Errorf("%w: no topics", ErrInvalidOptions)
	case o.HeartbeatInterval >= o.SessionTimeout:
		return fmt.Errorf("%w: heartbeat interval %v not shorter than session timeout %v",
			ErrInvalidOptions, o.HeartbeatInterval, o.SessionTimeout)
	case o.AutoOffsetReset != ResetEarliest && o.AutoOffsetReset != ResetLatest:
		return fmt.Errorf("%w: auto offset reset %q", ErrInvalidOptions, o.AutoOffsetReset)
	}
	return nil
}

// Fetches is the result of one Poll.
type Fetches struct {
	// ByPartition holds records of each partition in offset order.
	ByPartition map[client.TopicPartition][]*fetcher.Record
	Errors      map[client.TopicPartition]error
	// EOF lists partitions whose end was reached in this poll.
	EOF []client.TopicPartition
	// Assigned and Revoked are set by the poll that completed a rebalance.
	Assigned []client.TopicPartition
	Revoked  []client.TopicPartition
}

func newFetches() *Fetches {
	return &Fetches{
		ByPartition: make(map[client.TopicPartition][]*fetcher.Record),
		Errors:      make(map[client.TopicPartition]error),
	}
}

// Records returns all records ordered by topic, partition and offset.
func (f *Fetches) Records() []*fetcher.Record {
	tps := make([]client.TopicPartition, 0, len(f.ByPartition))
	for tp := range f.ByPartition {
		tps = append(tps, tp)
	}
	sortPartitions(tps)
	var out []*fetcher.Record
	for _, tp := range tps {
		out = append(out, f.ByPartition[tp]...)
	}
	return out
}

func (f *Fetches) Len() int {
	n := 0
	for _, records := range f.ByPartition {
		n += len(records)
	}
	return n
}

func sortPartitions(tps []client.TopicPartition) {
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
}

// CommitError lists the partitions whose offsets were not committed.
type CommitError struct {
	Errors map[client.TopicPartition]error
}

func (e *CommitError) Error() string {
	tps := make([]client.TopicPartition, 0, len(e.Errors))
	for tp := range e.Errors {
		tps = append(tps, tp)
	}
	sortPartitions(tps)
	parts := make([]string, len(tps))
	for i, tp := range tps {
		parts[i] = fmt.Sprintf("%s: %v", tp, e.Errors[tp])
	}
	return fmt.Sprintf("commit failed for %d partitions: %s", len(tps), strings.Join(parts, "; "))
}

func (e *CommitError) Unwrap() []error {
	out := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		out = append(out, err)
	}
	return out
}

type Consumer struct {
	cluster *client.Cluster
	group   *client.GroupClient
	fetcher *fetcher.Fetcher
	opts    Options
	log     logrus.FieldLogger

	state        State
	memberId     string
	generationId int32
	assignment   []client.TopicPartition
	offsets      map[client.TopicPartition]int64 // next offset to fetch
	committed    map[client.TopicPartition]int64
	eof          map[client.TopicPartition]bool

	missedHeartbeats int
	nextHeartbeat    time.Time
	nextAutoCommit   time.Time
	// set by the rebalance, reported by the next poll
	assigned, revoked []client.TopicPartition
}

// New returns a consumer in the Unjoined state. The group is joined by the
// first Poll.
func New(cluster *client.Cluster, opts Options) (*Consumer, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	log := logging.OrDiscard(opts.Logger).WithField("group", opts.GroupId)
	return &Consumer{
		cluster: cluster,
		group:   client.NewGroupClient(cluster, opts.GroupId),
		fetcher: fetcher.New(cluster, fetcher.Args{
			MaxBytes: opts.FetchMaxBytes,
			MaxWait:  opts.FetchMaxWait,
		}, log),
		opts:      opts,
		log:       log,
		offsets:   make(map[client.TopicPartition]int64),
		committed: make(map[client.TopicPartition]int64),
		eof:       make(map[client.TopicPartition]bool),
	}, nil
}

func (c *Consumer) State() State { return c.state }

func (c *Consumer) MemberId() string { return c.memberId }

func (c *Consumer) Generation() int32 { return c.generationId }

// Assignment returns the partitions assigned in the current generation.
func (c *Consumer) Assignment() []client.TopicPartition {
	return append([]client.TopicPartition(nil), c.assignment...)
}

// Position returns the next offset that will be fetched from the partition.
func (c *Consumer) Position(tp client.TopicPartition) (int64, bool) {
	o, ok := c.offsets[tp]
	return o, ok
}

// Seek sets the next offset fetched from an assigned partition. The next
// commit, including the one made by Close, stores offset for it.
func (c *Consumer) Seek(tp client.TopicPartition, offset int64) error {
	if c.state == Closed {
		return ErrClosed
	}
	if _, ok := c.offsets[tp]; !ok {
		return fmt.Errorf("%w: %s", ErrNotAssigned, tp)
	}
	c.offsets[tp] = offset
	c.eof[tp] = false
	return nil
}

func (c *Consumer) setState(s State) {
	if c.state != s {
		c.log.WithFields(logrus.Fields{"from": c.state, "to": s}).Debug("consumer state")
	}
	c.state = s
}

// Poll runs one cycle of the consumer. Errors returned are those that stop
// the cycle (join failures, offset lookup failures, cancelled ctx); fetch
// errors are reported per partition in Fetches.Errors.
func (c *Consumer) Poll(ctx context.Context) (*Fetches, error) {
	if c.state == Closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.state == Unjoined || c.state == Rebalancing {
		if err := c.join(ctx); err != nil {
			return nil, err
		}
	}
	if c.state == Assigned {
		if err := c.initOffsets(ctx); err != nil {
			return nil, err
		}
		c.setState(Heartbeating)
	}
	fetches := newFetches()
	fetches.Assigned, fetches.Revoked = c.assigned, c.revoked
	c.assigned, c.revoked = nil, nil

	if !time.Now().Before(c.nextHeartbeat) {
		c.heartbeat(ctx)
		if c.state == Rebalancing {
			return fetches, nil
		}
	}
	if c.opts.EnableAutoCommit && !time.Now().Before(c.nextAutoCommit) {
		c.nextAutoCommit = time.Now().Add(c.opts.AutoCommitInterval)
		if err := c.Commit(ctx); err != nil {
			c.log.WithError(err).Warn("auto commit failed")
		}
	}
	wait := time.Until(c.nextHeartbeat)
	if wait > c.opts.FetchMaxWait {
		wait = c.opts.FetchMaxWait
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if len(c.assignment) == 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return fetches, ctx.Err()
		}
		return fetches, nil
	}
	c.fetch(ctx, wait, fetches)
	return fetches, ctx.Err()
}

// join runs JoinGroup and SyncGroup. Group errors that mean the member must
// start over leave the consumer Rebalancing and are returned.
func (c *Consumer) join(ctx context.Context) error {
	c.setState(Joining)
	resp, err := c.group.Join(ctx, &client.JoinGroupRequest{
		MemberId:         c.memberId,
		SessionTimeout:   c.opts.SessionTimeout,
		RebalanceTimeout: c.opts.RebalanceTimeout,
		Topics:           c.opts.Topics,
	})
	if err != nil {
		return c.rejoinAfter(err)
	}
	c.memberId = resp.MemberId
	c.generationId = resp.GenerationId
	log := c.log.WithFields(logrus.Fields{"member": c.memberId, "generation": c.generationId})
	c.setState(AwaitingSync)
	var assignments []SyncGroup.Assignment
	if resp.IsLeader() {
		assignments, err = c.assign(ctx, resp)
		if err != nil {
			c.setState(Rebalancing)
			return err
		}
		log.WithField("members", len(resp.Members)).Info("elected group leader")
	}
	a, err := c.group.Sync(ctx, c.memberId, c.generationId, assignments)
	if err != nil {
		return c.rejoinAfter(err)
	}
	var tps []client.TopicPartition
	for _, t := range a.Partitions {
		for _, p := range t.Partitions {
			tps = append(tps, client.TopicPartition{Topic: t.Topic, Partition: p})
		}
	}
	sortPartitions(tps)
	c.setAssignment(tps)
	c.missedHeartbeats = 0
	c.nextHeartbeat = time.Now().Add(c.opts.HeartbeatInterval)
	c.setState(Assigned)
	log.WithField("partitions", len(tps)).Info("joined group")
	return nil
}

func (c *Consumer) rejoinAfter(err error) error {
	if kcli.HasCode(err, kcli.ERR_UNKNOWN_MEMBER_ID) || kcli.HasCode(err, kcli.ERR_ILLEGAL_GENERATION) {
		c.memberId = ""
		c.generationId = -1
	}
	c.setState(Rebalancing)
	return err
}

// assign computes the assignments of all members. Partition counts come from
// metadata refreshed for every subscribed topic.
func (c *Consumer) assign(ctx context.Context, resp *JoinGroup.Response) ([]SyncGroup.Assignment, error) {
	ms, err := members(resp.Members)
	if err != nil {
		return nil, err
	}
	var topics []string
	seen := make(map[string]bool)
	for _, m := range ms {
		for _, t := range m.Topics {
			if !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}
	sort.Strings(topics)
	snap, err := c.cluster.Metadata.Refresh(ctx, topics)
	if err != nil {
		return nil, fmt.Errorf("error getting metadata for assignment: %w", err)
	}
	partitions := make(map[string][]int32, len(topics))
	for _, t := range topics {
		ps, err := snap.TopicPartitions(t)
		if err != nil {
			c.log.WithError(err).WithField("topic", t).Warn("topic not assigned")
			continue
		}
		partitions[t] = ps
	}
	return syncAssignments(RangeAssign(ms, partitions)), nil
}

func (c *Consumer) setAssignment(tps []client.TopicPartition) {
	current := make(map[client.TopicPartition]bool, len(tps))
	for _, tp := range tps {
		current[tp] = true
	}
	previous := make(map[client.TopicPartition]bool, len(c.assignment))
	for _, tp := range c.assignment {
		previous[tp] = true
		if !current[tp] {
			c.revoked = append(c.revoked, tp)
			delete(c.offsets, tp)
			delete(c.committed, tp)
			delete(c.eof, tp)
		}
	}
	for _, tp := range tps {
		if !previous[tp] {
			c.assigned = append(c.assigned, tp)
		}
	}
	c.assignment = tps
}
