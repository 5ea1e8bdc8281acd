package FindCoordinator

import (
	"github.com/kcli-dev/kcli/api"
)

// Key types. Only group coordinators are looked up; transactions are not
// supported.
const (
	KeyTypeGroup       int8 = 0
	KeyTypeTransaction int8 = 1
)

// NewRequest looks up the coordinator of the consumer group.
func NewRequest(groupId string) *api.Request {
	return &api.Request{
		ApiKey:     api.FindCoordinator,
		ApiVersion: 1,
		Body:       Request{Key: groupId, KeyType: KeyTypeGroup},
	}
}

type Request struct {
	Key     string
	KeyType int8
}
