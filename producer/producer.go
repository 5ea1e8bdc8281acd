// Package producer implements a batching Kafka producer. Records are
// partitioned, accumulated in per partition batches, and sent by a bounded
// pool of workers, at most one batch in flight per partition so that records
// of a partition are written in the order they were sent. Each record gets a
// Delivery that completes when its batch is acknowledged or fails.
//
// All batch state is owned by a single event loop goroutine. Send, Flush and
// Close talk to it over channels, and so do the workers.
package producer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api/Produce"
	"github.com/kcli-dev/kcli/batch"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/logging"
	"github.com/kcli-dev/kcli/record"
	"github.com/kcli-dev/kcli/transport"
)

const (
	AnyPartition int32 = -1

	DefaultBatchSize    = 16384
	DefaultLinger       = 5 * time.Millisecond
	DefaultRetries      = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

var (
	ErrClosed       = errors.New("producer closed")
	ErrInvalidAcks  = errors.New("acks must be 0, 1 or -1")
	ErrMissingTopic = errors.New("message has no topic")
)

// Message to be produced. A nil Key is a null key.
type Message struct {
	Topic     string
	Partition int32 // AnyPartition for the partitioner to choose
	Key       []byte
	Value     []byte
	Headers   []record.Header
	Timestamp time.Time // now if zero
}

// Delivery is the result of producing one message. Fields are set before Done
// is closed and must not be read before.
type Delivery struct {
	done      chan struct{}
	Topic     string
	Partition int32
	Offset    int64 // -1 with acks=0
	Err       error
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

// Done is closed when the delivery completed, successfully or not.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait for the delivery and return its error.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Options struct {
	Acks         int16         // 0: no, 1: leader only, -1: all ISRs
	BatchSize    int           // bytes; DefaultBatchSize if 0
	Linger       time.Duration // DefaultLinger if 0; negative for no linger
	Retries      int           // resends of a failed batch; 0 for none
	RetryBackoff time.Duration // DefaultRetryBackoff if 0
	// Compressor for record batches, nil for none.
	Compressor batch.Compressor
	// Timeout the broker waits for replication (acks=-1).
	Timeout time.Duration
	Logger  logrus.FieldLogger
}

// FlushError is returned by Flush and Close when the context expired with
// batches outstanding.
type FlushError struct {
	Outstanding []BatchStatus
	Err         error
}

func (e *FlushError) Error() string {
	var parts []string
	for _, s := range e.Outstanding {
		parts = append(parts, fmt.Sprintf("%s/%d %s (%d records)", s.Topic, s.Partition, s.State, s.Records))
	}
	return fmt.Sprintf("flush incomplete, %d batches outstanding [%s]: %v",
		len(e.Outstanding), strings.Join(parts, ", "), e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

type envelope struct {
	tp       client.TopicPartition
	ts       time.Time
	record   *record.Record
	delivery *Delivery
}

type result struct {
	b          *pbatch
	baseOffset int64
	err        error
}

type queue struct {
	batches []*pbatch // head may be InFlight, only the tail may be Filling
}

type Producer struct {
	cluster     *client.Cluster
	opts        Options
	log         logrus.FieldLogger
	partitioner *partitioner
	backoff     *backoff.Backoff
	workers     errgroup.Group
	slots       chan struct{} // one per worker, released before the result is reported
	ctx         context.Context // cancelled on Close, aborts sends in flight
	cancel      context.CancelFunc

	in      chan *envelope
	results chan *result
	flushes chan chan struct{}
	status  chan chan []BatchStatus
	closing chan struct{}
	stopped chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New starts a producer. The cluster should be bootstrapped: the worker pool
// is sized to the number of brokers known at this point.
func New(cluster *client.Cluster, opts Options) (*Producer, error) {
	switch opts.Acks {
	case 0, 1, -1:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidAcks, opts.Acks)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Linger == 0 {
		opts.Linger = DefaultLinger
	}
	if opts.Linger < 0 {
		opts.Linger = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = kcli.DefaultRequestTimeout
	}
	workers := len(cluster.Pool.Brokers())
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Producer{
		cluster:     cluster,
		opts:        opts,
		log:         logging.OrDiscard(opts.Logger),
		partitioner: newPartitioner(),
		backoff: &backoff.Backoff{
			Min:    opts.RetryBackoff,
			Max:    32 * opts.RetryBackoff,
			Factor: 2,
			Jitter: true,
		},
		slots:   make(chan struct{}, workers),
		ctx:     ctx,
		cancel:  cancel,
		in:      make(chan *envelope),
		results: make(chan *result, workers),
		flushes: make(chan chan struct{}),
		status:  make(chan chan []BatchStatus),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	p.log.WithFields(logrus.Fields{"workers": workers, "acks": opts.Acks}).Debug("producer started")
	return p, nil
}

// Send queues msg and returns its Delivery. The error is for messages that
// could not be queued: no topic, unknown partition, or producer closed.
// Send blocks only to resolve topic metadata or while the event loop is busy.
func (p *Producer) Send(ctx context.Context, msg *Message) (*Delivery, error) {
	if msg.Topic == "" {
		return nil, ErrMissingTopic
	}
	select {
	case <-p.closing:
		return nil, ErrClosed
	default:
	}
	partitions, err := p.cluster.Metadata.Partitions(ctx, msg.Topic)
	if err != nil {
		return nil, fmt.Errorf("error getting partitions of %s: %w", msg.Topic, err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topic %s: %w", msg.Topic, &kcli.Error{Code: kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION})
	}
	partition := msg.Partition
	if partition == AnyPartition {
		partition = p.partitioner.partition(msg.Topic, msg.Key, partitions)
	} else if !contains(partitions, partition) {
		return nil, fmt.Errorf("partition %s/%d: %w", msg.Topic, partition, &kcli.Error{Code: kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION})
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	r := record.New(msg.Key, msg.Value)
	r.Headers = msg.Headers
	e := &envelope{
		tp:       client.TopicPartition{Topic: msg.Topic, Partition: partition},
		ts:       ts,
		record:   r,
		delivery: newDelivery(),
	}
	select {
	case p.in <- e:
		return e.delivery, nil
	case <-p.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func contains(partitions []int32, p int32) bool {
	for _, id := range partitions {
		if id == p {
			return true
		}
	}
	return false
}

// Flush seals all batches and blocks until nothing is outstanding. If ctx
// expires first the returned *FlushError lists the outstanding batches.
func (p *Producer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.flushes <- done:
	case <-p.stopped:
		return ErrClosed
	case <-ctx.Done():
		return &FlushError{Err: ctx.Err()}
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	reply := make(chan []BatchStatus, 1)
	select {
	case p.status <- reply:
		return &FlushError{Outstanding: <-reply, Err: ctx.Err()}
	case <-p.stopped:
		return &FlushError{Err: ctx.Err()}
	}
}

// Close flushes, then fails every undelivered record with ErrClosed and stops
// the producer. Sends in flight when ctx expires are aborted and their
// records fail with ErrClosed too. Returns the flush error, if any.
func (p *Producer) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.Flush(ctx)
		close(p.closing)
		p.cancel()
		<-p.stopped
		p.workers.Wait()
		p.log.Debug("producer closed")
	})
	return p.closeErr
}

// run is the event loop. It owns queues and every batch that is not InFlight.
func (p *Producer) run() {
	defer close(p.stopped)
	queues := make(map[client.TopicPartition]*queue)
	var waiters []chan struct{}
	closing := p.closing
	closed := false
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	outstanding := func() int {
		n := 0
		for _, q := range queues {
			n += len(q.batches)
		}
		return n
	}
	pop := func(b *pbatch) {
		q := queues[b.tp]
		q.batches = q.batches[1:]
		if len(q.batches) == 0 {
			delete(queues, b.tp)
		}
	}

	for {
		now := time.Now()
		flushing := len(waiters) > 0 || closed
		// seal
		for _, q := range queues {
			tail := q.batches[len(q.batches)-1]
			if tail.state == Filling && (flushing || !now.Before(tail.lingerUntil)) {
				tail.state = Sealed
			}
		}
		// dispatch
	dispatch:
		for _, q := range queues {
			head := q.batches[0]
			if head.state != Sealed || now.Before(head.notBefore) {
				continue
			}
			select {
			case p.slots <- struct{}{}:
			default:
				break dispatch
			}
			head.state = InFlight
			p.workers.Go(func() error {
				r := p.send(head)
				<-p.slots
				p.results <- r
				return nil
			})
		}
		if outstanding() == 0 {
			for _, w := range waiters {
				close(w)
			}
			waiters = nil
			if closed {
				return
			}
		}
		// wake up for the next linger or backoff deadline
		var wake time.Time
		for _, q := range queues {
			tail, head := q.batches[len(q.batches)-1], q.batches[0]
			if tail.state == Filling && (wake.IsZero() || tail.lingerUntil.Before(wake)) {
				wake = tail.lingerUntil
			}
			if head.state == Sealed && head.notBefore.After(now) && (wake.IsZero() || head.notBefore.Before(wake)) {
				wake = head.notBefore
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if !wake.IsZero() {
			timer.Reset(time.Until(wake))
		}

		select {
		case e := <-p.in:
			if closed {
				b := newBatch(e.tp, e.ts, 0)
				b.add(e.ts, e.record, e.delivery)
				b.complete(-1, ErrClosed)
				continue
			}
			q := queues[e.tp]
			if q == nil {
				q = &queue{}
				queues[e.tp] = q
			}
			var tail *pbatch
			if n := len(q.batches); n > 0 && q.batches[n-1].state == Filling {
				tail = q.batches[n-1]
			}
			if tail != nil && tail.builder.NumRecords() > 0 && tail.builder.Size()+e.record.Size() > p.opts.BatchSize {
				tail.state = Sealed
				tail = nil
			}
			if tail == nil {
				tail = newBatch(e.tp, time.Now(), p.opts.Linger)
				q.batches = append(q.batches, tail)
			}
			tail.add(e.ts, e.record, e.delivery)
			if tail.builder.Size() >= p.opts.BatchSize {
				tail.state = Sealed
			}
		case r := <-p.results:
			p.handle(r, closed, pop)
		case w := <-p.flushes:
			waiters = append(waiters, w)
		case reply := <-p.status:
			var s []BatchStatus
			for _, q := range queues {
				for _, b := range q.batches {
					s = append(s, b.status())
				}
			}
			reply <- s
		case <-closing:
			closing = nil
			closed = true
			for tp, q := range queues {
				var keep []*pbatch
				for _, b := range q.batches {
					if b.state == InFlight {
						keep = append(keep, b)
						continue
					}
					b.complete(-1, ErrClosed)
				}
				if len(keep) == 0 {
					delete(queues, tp)
				} else {
					q.batches = keep
				}
			}
		case <-timer.C:
		}
	}
}

func (p *Producer) handle(r *result, closed bool, pop func(*pbatch)) {
	b := r.b
	log := p.log.WithFields(logrus.Fields{"partition": b.tp.String(), "records": len(b.deliveries)})
	switch {
	case r.err == nil:
		b.complete(r.baseOffset, nil)
		pop(b)
		log.WithField("offset", r.baseOffset).Debug("batch acknowledged")
	case closed || p.ctx.Err() != nil:
		b.complete(-1, fmt.Errorf("%w: %w", ErrClosed, r.err))
		pop(b)
	case retriable(r.err) && b.attempts < p.opts.Retries:
		d := p.backoff.ForAttempt(float64(b.attempts))
		b.attempts++
		b.state = Sealed
		b.notBefore = time.Now().Add(d)
		log.WithError(r.err).WithFields(logrus.Fields{"attempt": b.attempts, "backoff": d}).Warn("produce failed, retrying")
	default:
		b.complete(-1, r.err)
		pop(b)
		log.WithError(r.err).Error("produce failed")
	}
}

// retriable errors may go away after a metadata refresh or a reconnect.
// Handshake failures never do.
func retriable(err error) bool {
	if errors.Is(err, transport.ErrTLSHandshake) {
		return false
	}
	return kcli.IsRetriable(err) || transportError(err)
}

func transportError(err error) bool {
	return errors.Is(err, transport.ErrConnectionClosed) ||
		errors.Is(err, transport.ErrWrite) ||
		errors.Is(err, transport.ErrConnect) ||
		errors.Is(err, transport.ErrConnectTimeout) ||
		errors.Is(err, transport.ErrReadTimeout) ||
		errors.Is(err, transport.ErrResolve) ||
		errors.Is(err, kcli.ErrAllBrokersDown) ||
		errors.Is(err, kcli.ErrCodec)
}

// send one batch to the partition leader. Runs in a worker. After a retriable
// error metadata is refreshed before returning, so that a resend goes to the
// current leader. Refreshes of one topic from several workers collapse into
// one request.
func (p *Producer) send(b *pbatch) *result {
	baseOffset, err := p.produce(b)
	if err != nil && retriable(err) && p.ctx.Err() == nil {
		if _, rerr := p.cluster.Metadata.Refresh(p.ctx, []string{b.tp.Topic}); rerr != nil {
			p.log.WithError(rerr).Warn("metadata refresh after produce error failed")
		}
	}
	return &result{b: b, baseOffset: baseOffset, err: err}
}

func (p *Producer) produce(b *pbatch) (int64, error) {
	if b.recordSet == nil {
		bt, err := b.builder.Build()
		if err != nil {
			return -1, err
		}
		if p.opts.Compressor != nil {
			if err := bt.Compress(p.opts.Compressor); err != nil {
				return -1, err
			}
		}
		b.recordSet = bt.Marshal()
	}
	conn, _, err := p.cluster.LeaderConn(p.ctx, b.tp)
	if err != nil {
		return -1, err
	}
	req := Produce.NewRequest(&Produce.Args{
		Acks:      p.opts.Acks,
		TimeoutMs: int32(p.opts.Timeout / time.Millisecond),
	}, []Produce.TopicData{{
		Topic: b.tp.Topic,
		Data:  []Produce.Data{{Partition: b.tp.Partition, RecordSet: b.recordSet}},
	}})
	if p.opts.Acks == 0 {
		return -1, conn.Call(p.ctx, req, nil)
	}
	resp := &Produce.Response{}
	if err := conn.Call(p.ctx, req, resp); err != nil {
		return -1, err
	}
	pr := resp.Partition(b.tp.Topic, b.tp.Partition)
	if pr == nil {
		return -1, fmt.Errorf("%w: no produce response for %s", kcli.ErrCodec, b.tp)
	}
	if err := kcli.ErrorForCode(pr.ErrorCode); err != nil {
		return -1, fmt.Errorf("error producing to %s: %w", b.tp, err)
	}
	return pr.BaseOffset, nil
}
