package Metadata

import (
	"github.com/kcli-dev/kcli/api"
)

// NewRequest for topics. A nil topics slice requests metadata for all topics.
func NewRequest(topics []string) *api.Request {
	return &api.Request{
		ApiKey:     api.Metadata,
		ApiVersion: 5,
		Body: Request{
			Topics:                 topics,
			AllowAutoTopicCreation: false,
		},
	}
}

type Request struct {
	Topics                 []string
	AllowAutoTopicCreation bool
}
