package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/config"
	"github.com/kcli-dev/kcli/consumer"
	"github.com/kcli-dev/kcli/fetcher"
)

func printRecord(log logrus.FieldLogger, n int, r *fetcher.Record) {
	log.Infof("Received message %d:", n)
	log.Infof("  Topic: %s", r.Topic)
	log.Infof("  Partition: %d", r.Partition)
	log.Infof("  Offset: %d", r.Offset)
	log.Infof("  Key: %s", r.Key)
	log.Infof("  Value: %s", r.Value)
}

// rewind moves each partition back to its first unprinted record so the
// commit on close does not skip past it. unprinted is in partition and
// offset order.
func rewind(c *consumer.Consumer, unprinted []*fetcher.Record, log logrus.FieldLogger) {
	seen := make(map[client.TopicPartition]bool)
	for _, r := range unprinted {
		tp := client.TopicPartition{Topic: r.Topic, Partition: r.Partition}
		if seen[tp] {
			continue
		}
		seen[tp] = true
		if err := c.Seek(tp, r.Offset); err != nil {
			log.WithError(err).Warnf("Cannot rewind %s to offset %d", tp, r.Offset)
		}
	}
}

// consume polls until cfg.MessageCount records were printed (0 for no limit)
// or ctx is done, then leaves the group.
func consume(ctx context.Context, cluster *client.Cluster, cfg *config.Config, log logrus.FieldLogger) error {
	c, err := consumer.New(cluster, cfg.ConsumerOptions(log))
	if err != nil {
		return fmt.Errorf("error creating consumer: %w", err)
	}
	log.Infof("Subscribed to topic: %s", cfg.Topic)
	log.Info("Waiting for messages... (Press Ctrl+C to stop)")

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: true}
	count := 0
	limit := cfg.MessageCount
poll:
	for ctx.Err() == nil && (limit == 0 || count < limit) {
		fetches, err := c.Poll(ctx)
		if fetches != nil {
			for _, tp := range fetches.Revoked {
				log.Infof("Partition revoked: %s", tp)
			}
			for _, tp := range fetches.Assigned {
				log.Infof("Partition assigned: %s", tp)
			}
			for tp, ferr := range fetches.Errors {
				log.WithError(ferr).Errorf("Consumer error on %s", tp)
			}
			for _, tp := range fetches.EOF {
				log.Debugf("Reached end of partition %s", tp)
			}
			records := fetches.Records()
			for i, r := range records {
				count++
				printRecord(log, count, r)
				if limit > 0 && count >= limit {
					rewind(c, records[i+1:], log)
					break poll
				}
			}
		}
		switch {
		case err == nil:
			b.Reset()
		case ctx.Err() != nil:
		case errors.Is(err, consumer.ErrClosed):
			return err
		default:
			d := b.Duration()
			log.WithError(err).WithField("retry_in", d).Error("Consumer error")
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		}
	}
	log.Infof("Consumed %d messages", count)

	log.Info("Closing consumer...")
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.Close(closeCtx); err != nil {
		log.WithError(err).Warn("Consumer did not close cleanly")
	}
	return nil
}
