package Heartbeat

import (
	"github.com/kcli-dev/kcli/api"
)

func NewRequest(group, member string, generation int32) *api.Request {
	return &api.Request{
		ApiKey:     api.Heartbeat,
		ApiVersion: 1,
		Body: Request{
			GroupId:      group,
			GenerationId: generation,
			MemberId:     member,
		},
	}
}

type Request struct {
	GroupId      string
	GenerationId int32
	MemberId     string
}

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
}
