package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/config"
	"github.com/kcli-dev/kcli/producer"
)

const (
	produceInterval = 10 * time.Millisecond
	flushTimeout    = 10 * time.Second
	closeTimeout    = 10 * time.Second
)

func testMessage(n int, t time.Time) string {
	return fmt.Sprintf("Test message %d from Kafka CLI at %d", n, t.Unix())
}

// report logs each delivery as it completes and returns the number of
// failed deliveries once in is closed and drained.
func report(in <-chan *producer.Delivery, log logrus.FieldLogger) (failed int) {
	for d := range in {
		<-d.Done()
		if d.Err != nil {
			failed++
			log.WithError(d.Err).Errorf("Message delivery failed")
			continue
		}
		log.Debugf("Message delivered to topic %s [%d] at offset %d", d.Topic, d.Partition, d.Offset)
	}
	return failed
}

func produce(ctx context.Context, cluster *client.Cluster, cfg *config.Config, log logrus.FieldLogger) error {
	opts, err := cfg.ProducerOptions(log)
	if err != nil {
		return err
	}
	p, err := producer.New(cluster, opts)
	if err != nil {
		return fmt.Errorf("error creating producer: %w", err)
	}
	log.Infof("Producing %d messages to topic %s", cfg.MessageCount, cfg.Topic)

	deliveries := make(chan *producer.Delivery, cfg.MessageCount)
	failed := make(chan int, 1)
	go func() { failed <- report(deliveries, log) }()

	sent := 0
	for i := 0; i < cfg.MessageCount; i++ {
		value := testMessage(i+1, time.Now())
		d, err := p.Send(ctx, &producer.Message{
			Topic:     cfg.Topic,
			Partition: producer.AnyPartition,
			Value:     []byte(value),
		})
		if err != nil {
			log.WithError(err).Errorf("Failed to produce message %d", i+1)
			break
		}
		deliveries <- d
		sent++
		log.Infof("Produced message %d/%d: %s", i+1, cfg.MessageCount, value)
		select {
		case <-ctx.Done():
		case <-time.After(produceInterval):
		}
		if ctx.Err() != nil {
			log.Warn("Interrupted, flushing produced messages")
			break
		}
	}

	log.Info("Flushing messages...")
	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	flushErr := p.Flush(flushCtx)
	cancel()
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	closeErr := p.Close(closeCtx)
	cancel()
	close(deliveries)
	n := <-failed

	switch {
	case flushErr != nil:
		log.WithError(flushErr).Error("Flush did not complete")
	case closeErr != nil:
		log.WithError(closeErr).Warn("Producer did not close cleanly")
	}
	log.Infof("Produced %d messages successfully", sent-n)
	if n > 0 {
		return fmt.Errorf("%d of %d messages were not delivered", n, sent)
	}
	if ctx.Err() != nil {
		return nil
	}
	if sent < cfg.MessageCount {
		return fmt.Errorf("produced %d of %d messages", sent, cfg.MessageCount)
	}
	return nil
}
