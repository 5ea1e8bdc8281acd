package SyncGroup

// https://cwiki.apache.org/confluence/display/KAFKA/Kafka+Client-side+Assignment+Proposal

import (
	"github.com/kcli-dev/kcli/api"
)

func NewRequest(group, member string, generation int32, assignments []Assignment) *api.Request {
	if assignments == nil {
		assignments = []Assignment{}
	}
	return &api.Request{
		ApiKey:     api.SyncGroup,
		ApiVersion: 1,
		Body: Request{
			GroupId:      group,
			GenerationId: generation,
			MemberId:     member,
			Assignments:  assignments,
		},
	}
}

type Request struct {
	GroupId      string
	GenerationId int32
	MemberId     string
	Assignments  []Assignment
}

type Assignment struct {
	MemberId   string
	Assignment []byte
}

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	Assignment     []byte
}
