package Produce

import (
	"github.com/kcli-dev/kcli/api"
)

type Args struct {
	Acks      int16 // 0: no, 1: leader only, -1: all ISRs (as specified by min.insync.replicas)
	TimeoutMs int32
}

// NewRequest for record sets destined to partitions led by a single broker.
func NewRequest(args *Args, data []TopicData) *api.Request {
	return &api.Request{
		ApiKey:     api.Produce,
		ApiVersion: 7,
		Body: Request{
			TransactionalId: "",
			Acks:            args.Acks,
			TimeoutMs:       args.TimeoutMs,
			TopicData:       data,
		},
	}
}

type Request struct {
	TransactionalId string `wire:"nullable"`
	Acks            int16
	TimeoutMs       int32
	TopicData       []TopicData
}

type TopicData struct {
	Topic string
	Data  []Data
}

type Data struct {
	Partition int32
	RecordSet []byte
}
