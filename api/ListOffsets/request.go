package ListOffsets

import (
	"github.com/kcli-dev/kcli/api"
)

const (
	Newest = -1
	Oldest = -2
)

// NewRequest for a set of partitions of a single topic. timestamp is
// milliseconds since epoch, or one of Newest, Oldest.
func NewRequest(topic string, partitions []int32, timestamp int64) *api.Request {
	p := make([]RequestPartition, len(partitions))
	for i, partition := range partitions {
		p[i] = RequestPartition{Partition: partition, Timestamp: timestamp}
	}
	t := []RequestTopic{{Topic: topic, Partitions: p}}
	return &api.Request{
		ApiKey:     api.ListOffsets,
		ApiVersion: 2,
		Body: RequestBody{
			ReplicaId:      -1,
			IsolationLevel: 0,
			Topics:         t,
		},
	}
}

type RequestBody struct {
	ReplicaId      int32
	IsolationLevel int8
	Topics         []RequestTopic
}

type RequestTopic struct {
	Topic      string
	Partitions []RequestPartition
}

type RequestPartition struct {
	Partition int32
	Timestamp int64
}
