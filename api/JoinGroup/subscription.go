package JoinGroup

import (
	"bytes"
	"reflect"

	"github.com/kcli-dev/kcli/wire"
)

const (
	ConsumerProtocolType = "consumer"
	RangeProtocolName    = "range"
)

// Subscription is the protocol metadata members of a "consumer" group send in
// JoinGroup requests.
type Subscription struct {
	Version  int16
	Topics   []string
	UserData []byte
}

func (s *Subscription) Marshal() []byte {
	buf := new(bytes.Buffer)
	wire.Write(buf, reflect.ValueOf(s))
	return buf.Bytes()
}

func UnmarshalSubscription(b []byte) (*Subscription, error) {
	s := &Subscription{}
	return s, wire.Read(bytes.NewReader(b), reflect.ValueOf(s))
}
