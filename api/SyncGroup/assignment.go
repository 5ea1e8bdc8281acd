package SyncGroup

import (
	"bytes"
	"reflect"

	"github.com/kcli-dev/kcli/wire"
)

// MemberAssignment is the "consumer" protocol assignment blob: the partitions
// a member owns in the current generation.
type MemberAssignment struct {
	Version    int16
	Partitions []TopicPartitions
	UserData   []byte
}

type TopicPartitions struct {
	Topic      string
	Partitions []int32
}

func (a *MemberAssignment) Marshal() []byte {
	buf := new(bytes.Buffer)
	wire.Write(buf, reflect.ValueOf(a))
	return buf.Bytes()
}

// UnmarshalMemberAssignment parses b. Empty b (member got nothing) is a valid
// empty assignment.
func UnmarshalMemberAssignment(b []byte) (*MemberAssignment, error) {
	a := &MemberAssignment{}
	if len(b) == 0 {
		return a, nil
	}
	return a, wire.Read(bytes.NewReader(b), reflect.ValueOf(a))
}
