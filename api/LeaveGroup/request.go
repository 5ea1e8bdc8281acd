package LeaveGroup

import (
	"github.com/kcli-dev/kcli/api"
)

func NewRequest(group, member string) *api.Request {
	return &api.Request{
		ApiKey:     api.LeaveGroup,
		ApiVersion: 1,
		Body: Request{
			GroupId:  group,
			MemberId: member,
		},
	}
}

type Request struct {
	GroupId  string
	MemberId string
}

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
}
