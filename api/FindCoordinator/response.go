package FindCoordinator

import (
	"net"
	"strconv"

	"github.com/kcli-dev/kcli"
)

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	ErrorMessage   string `wire:"nullable"`
	NodeId         int32
	Host           string
	Port           int32
}

func (r *Response) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// Err returns the error carried by the response, with the broker supplied
// message, or nil.
func (r *Response) Err() error {
	if r.ErrorCode == kcli.ERR_NONE {
		return nil
	}
	return &kcli.Error{Code: r.ErrorCode, Message: r.ErrorMessage}
}
