package producer

import (
	"fmt"
	"time"

	"github.com/kcli-dev/kcli/batch"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/record"
)

// State of a record batch. Batches move forward only, except that a failed
// send that will be retried takes an InFlight batch back to Sealed.
type State int

const (
	Filling State = iota
	Sealed
	InFlight
	Acknowledged
	Failed
)

func (s State) String() string {
	switch s {
	case Filling:
		return "filling"
	case Sealed:
		return "sealed"
	case InFlight:
		return "in-flight"
	case Acknowledged:
		return "acknowledged"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// pbatch is the records accumulated for one partition and sent in one produce
// request. Owned by the producer event loop, except for the fields set when
// the batch is InFlight (recordSet), which only the sending worker touches.
type pbatch struct {
	tp          client.TopicPartition
	state       State
	builder     *batch.Builder
	deliveries  []*Delivery
	lingerUntil time.Time
	notBefore   time.Time // retry backoff
	attempts    int
	recordSet   []byte
}

func newBatch(tp client.TopicPartition, now time.Time, linger time.Duration) *pbatch {
	return &pbatch{
		tp:          tp,
		builder:     batch.NewBuilder(now),
		lingerUntil: now.Add(linger),
	}
}

func (b *pbatch) add(ts time.Time, r *record.Record, d *Delivery) {
	b.builder.AddAt(ts, r)
	b.deliveries = append(b.deliveries, d)
}

// complete resolves every delivery of the batch.
func (b *pbatch) complete(baseOffset int64, err error) {
	if err != nil {
		b.state = Failed
	} else {
		b.state = Acknowledged
	}
	for i, d := range b.deliveries {
		d.Topic = b.tp.Topic
		d.Partition = b.tp.Partition
		d.Offset = -1
		if err == nil && baseOffset >= 0 {
			d.Offset = baseOffset + int64(i)
		}
		d.Err = err
		close(d.done)
	}
}

// BatchStatus describes an outstanding batch.
type BatchStatus struct {
	Topic     string
	Partition int32
	State     State
	Records   int
}

func (b *pbatch) status() BatchStatus {
	return BatchStatus{
		Topic:     b.tp.Topic,
		Partition: b.tp.Partition,
		State:     b.state,
		Records:   len(b.deliveries),
	}
}
