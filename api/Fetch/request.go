package Fetch

import (
	"github.com/kcli-dev/kcli/api"
)

type Args struct {
	MinBytes      int32
	MaxBytes      int32
	MaxWaitTimeMs int32
}

// PartitionOffset is a partition and the offset to fetch it from.
type PartitionOffset struct {
	Topic     string
	Partition int32
	Offset    int64
	MaxBytes  int32
}

// NewRequest for any number of partitions led by one broker. Partitions of the
// same topic are grouped under one topic entry, in the order given.
func NewRequest(args *Args, partitions []PartitionOffset) *api.Request {
	var topics []Topic
	index := make(map[string]int)
	for _, po := range partitions {
		i, ok := index[po.Topic]
		if !ok {
			i = len(topics)
			index[po.Topic] = i
			topics = append(topics, Topic{Topic: po.Topic, Partitions: []Partition{}})
		}
		topics[i].Partitions = append(topics[i].Partitions, Partition{
			Partition:         po.Partition,
			FetchOffset:       po.Offset,
			LogStartOffset:    -1,
			PartitionMaxBytes: po.MaxBytes,
		})
	}
	if topics == nil {
		topics = []Topic{}
	}
	return &api.Request{
		ApiKey:     api.Fetch,
		ApiVersion: 6,
		Body: Request{
			ReplicaId:      -1,
			MaxWaitTimeMs:  args.MaxWaitTimeMs,
			MinBytes:       args.MinBytes,
			MaxBytes:       args.MaxBytes,
			IsolationLevel: 0, // read uncommitted
			Topics:         topics,
		},
	}
}

type Request struct {
	ReplicaId      int32
	MaxWaitTimeMs  int32
	MinBytes       int32
	MaxBytes       int32
	IsolationLevel int8
	Topics         []Topic
}

type Topic struct {
	Topic      string
	Partitions []Partition
}

type Partition struct {
	Partition         int32
	FetchOffset       int64
	LogStartOffset    int64 // only used by followers
	PartitionMaxBytes int32
}
