package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api/ListOffsets"
	"github.com/kcli-dev/kcli/client"
)

func byTopic(tps []client.TopicPartition) map[string][]int32 {
	out := make(map[string][]int32)
	for _, tp := range tps {
		out[tp.Topic] = append(out[tp.Topic], tp.Partition)
	}
	return out
}

func (c *Consumer) resetTimestamp() int64 {
	if c.opts.AutoOffsetReset == ResetLatest {
		return ListOffsets.Newest
	}
	return ListOffsets.Oldest
}

// initOffsets sets the fetch position of newly assigned partitions: the
// committed offset, or the reset policy offset when nothing was committed.
func (c *Consumer) initOffsets(ctx context.Context) error {
	var missing []client.TopicPartition
	for _, tp := range c.assignment {
		if _, ok := c.offsets[tp]; !ok {
			missing = append(missing, tp)
		}
	}
	for topic, partitions := range byTopic(missing) {
		committed, err := c.group.FetchOffsets(ctx, topic, partitions)
		if err != nil {
			return err
		}
		var reset []int32
		for _, p := range partitions {
			tp := client.TopicPartition{Topic: topic, Partition: p}
			if o := committed[p]; o >= 0 {
				c.offsets[tp] = o
				c.committed[tp] = o
				continue
			}
			reset = append(reset, p)
		}
		if len(reset) == 0 {
			continue
		}
		if err := c.resetOffsets(ctx, topic, reset); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) resetOffsets(ctx context.Context, topic string, partitions []int32) error {
	offsets, err := c.cluster.ListOffsets(ctx, topic, partitions, c.resetTimestamp())
	if err != nil {
		return fmt.Errorf("error resetting offsets of %s: %w", topic, err)
	}
	for p, o := range offsets {
		tp := client.TopicPartition{Topic: topic, Partition: p}
		c.offsets[tp] = o
		c.log.WithFields(logrus.Fields{"partition": tp.String(), "offset": o, "reset": c.opts.AutoOffsetReset}).Debug("offset reset")
	}
	return nil
}

// heartbeat keeps the membership alive. Errors that mean the group moved on
// without this member, and too many consecutive failures, move the consumer
// to Rebalancing.
func (c *Consumer) heartbeat(ctx context.Context) {
	c.nextHeartbeat = time.Now().Add(c.opts.HeartbeatInterval)
	err := c.group.Heartbeat(ctx, c.memberId, c.generationId)
	if err == nil {
		c.missedHeartbeats = 0
		return
	}
	log := c.log.WithError(err).WithFields(logrus.Fields{"member": c.memberId, "generation": c.generationId})
	switch {
	case kcli.HasCode(err, kcli.ERR_REBALANCE_IN_PROGRESS):
		log.Info("group is rebalancing")
		c.startRebalance(ctx)
	case kcli.HasCode(err, kcli.ERR_ILLEGAL_GENERATION), kcli.HasCode(err, kcli.ERR_UNKNOWN_MEMBER_ID):
		log.Warn("member no longer in group, rejoining")
		c.memberId = ""
		c.generationId = -1
		c.setState(Rebalancing)
	case ctx.Err() != nil:
	default:
		c.missedHeartbeats++
		log.WithField("missed", c.missedHeartbeats).Warn("heartbeat failed")
		if c.missedHeartbeats >= maxMissedHeartbeats {
			c.startRebalance(ctx)
		}
	}
}

func (c *Consumer) startRebalance(ctx context.Context) {
	if c.opts.EnableAutoCommit {
		if err := c.Commit(ctx); err != nil {
			c.log.WithError(err).Warn("commit before rebalance failed")
		}
	}
	c.setState(Rebalancing)
}

func (c *Consumer) fetch(ctx context.Context, wait time.Duration, fetches *Fetches) {
	offsets := make(map[client.TopicPartition]int64, len(c.assignment))
	for _, tp := range c.assignment {
		if o, ok := c.offsets[tp]; ok {
			offsets[tp] = o
		}
	}
	for _, r := range c.fetcher.Fetch(ctx, offsets, wait) {
		tp := r.TopicPartition
		if len(r.Records) > 0 {
			fetches.ByPartition[tp] = r.Records
			c.eof[tp] = false
		}
		if r.Err != nil {
			if kcli.HasCode(r.Err, kcli.ERR_OFFSET_OUT_OF_RANGE) {
				c.log.WithField("partition", tp.String()).WithField("offset", r.FetchOffset).Warn("offset out of range")
				if err := c.resetOffsets(ctx, tp.Topic, []int32{tp.Partition}); err == nil {
					continue
				}
			}
			if ctx.Err() == nil {
				fetches.Errors[tp] = r.Err
			}
			continue
		}
		if r.NextOffset > c.offsets[tp] {
			c.offsets[tp] = r.NextOffset
		}
		if r.HighWatermark >= 0 && c.offsets[tp] >= r.HighWatermark && !c.eof[tp] {
			c.eof[tp] = true
			fetches.EOF = append(fetches.EOF, tp)
		}
	}
}

// Commit the fetch positions of assigned partitions that changed since the
// last commit. Partitions that failed are listed in a *CommitError.
func (c *Consumer) Commit(ctx context.Context) error {
	if c.state == Closed {
		return ErrClosed
	}
	offsets := make(map[client.TopicPartition]int64)
	for _, tp := range c.assignment {
		o, ok := c.offsets[tp]
		if !ok {
			continue
		}
		if committed, ok := c.committed[tp]; ok && committed == o {
			continue
		}
		offsets[tp] = o
	}
	if len(offsets) == 0 {
		return nil
	}
	results, err := c.group.CommitOffsets(ctx, client.CommitArgs{
		MemberId:     c.memberId,
		GenerationId: c.generationId,
	}, offsets)
	if err != nil {
		return err
	}
	failed := make(map[client.TopicPartition]error)
	for tp, err := range results {
		if err != nil {
			failed[tp] = err
			continue
		}
		c.committed[tp] = offsets[tp]
	}
	if len(failed) > 0 {
		return &CommitError{Errors: failed}
	}
	c.log.WithField("partitions", len(offsets)).Debug("offsets committed")
	return nil
}

// Close commits offsets when auto commit is enabled and leaves the group.
// The consumer can't be used afterwards.
func (c *Consumer) Close(ctx context.Context) error {
	if c.state == Closed {
		return nil
	}
	var errs []error
	if c.memberId != "" {
		if c.opts.EnableAutoCommit && c.state == Heartbeating {
			if err := c.Commit(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := c.group.Leave(ctx, c.memberId); err != nil {
			errs = append(errs, fmt.Errorf("error leaving group: %w", err))
		} else {
			c.log.WithField("member", c.memberId).Info("left group")
		}
	}
	c.setState(Closed)
	c.assignment = nil
	return errors.Join(errs...)
}
