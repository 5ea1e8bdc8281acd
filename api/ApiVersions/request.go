package ApiVersions

import (
	"github.com/kcli-dev/kcli/api"
)

func NewRequest() *api.Request {
	return &api.Request{
		ApiKey:     api.ApiVersions,
		ApiVersion: 0,
		Body:       struct{}{},
	}
}
