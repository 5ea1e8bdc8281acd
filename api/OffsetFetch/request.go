package OffsetFetch

import (
	"github.com/kcli-dev/kcli/api"
)

// NewRequest for committed offsets of the given partitions of one topic.
func NewRequest(group, topic string, partitions []int32) *api.Request {
	t := Topic{
		Name:             topic,
		PartitionIndexes: partitions,
	}
	return &api.Request{
		ApiKey:     api.OffsetFetch,
		ApiVersion: 3,
		Body: Request{
			GroupId: group,
			Topics:  []Topic{t},
		},
	}
}

type Request struct {
	GroupId string
	Topics  []Topic
}

type Topic struct {
	Name             string
	PartitionIndexes []int32
}
