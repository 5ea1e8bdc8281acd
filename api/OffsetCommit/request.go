package OffsetCommit

import (
	"github.com/kcli-dev/kcli/api"
)

type Args struct {
	GroupId         string
	GenerationId    int32 // -1 for commits outside of group membership
	MemberId        string
	RetentionTimeMs int64 // -1 for broker default
}

// NewRequest commits offsets, keyed by topic and partition.
func NewRequest(args *Args, offsets map[string]map[int32]int64) *api.Request {
	topics := []Topic{}
	for topic, partitions := range offsets {
		t := Topic{Name: topic, Partitions: []Partition{}}
		for partition, offset := range partitions {
			t.Partitions = append(t.Partitions, Partition{
				PartitionIndex:  partition,
				CommittedOffset: offset,
			})
		}
		topics = append(topics, t)
	}
	return &api.Request{
		ApiKey:     api.OffsetCommit,
		ApiVersion: 2,
		Body: Request{
			GroupId:         args.GroupId,
			GenerationId:    args.GenerationId,
			MemberId:        args.MemberId,
			RetentionTimeMs: args.RetentionTimeMs,
			Topics:          topics,
		},
	}
}

type Request struct {
	GroupId         string
	GenerationId    int32
	MemberId        string
	RetentionTimeMs int64
	Topics          []Topic
}

type Topic struct {
	Name       string
	Partitions []Partition
}

type Partition struct {
	PartitionIndex    int32
	CommittedOffset   int64
	CommittedMetadata string `wire:"nullable"`
}
