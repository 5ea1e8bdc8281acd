package OffsetCommit

import "github.com/kcli-dev/kcli"

type Response struct {
	Topics []TopicResponse
}

type TopicResponse struct {
	Name       string
	Partitions []PartitionResponse
}

type PartitionResponse struct {
	PartitionIndex int32
	ErrorCode      int16
}

// CoordinatorErrorCode returns the first partition error code saying the
// broker is not the group coordinator, or ERR_NONE. The response has no top
// level error code, so a commit sent to a stale coordinator fails per
// partition.
func (r *Response) CoordinatorErrorCode() int16 {
	for _, t := range r.Topics {
		for _, p := range t.Partitions {
			switch p.ErrorCode {
			case kcli.ERR_NOT_COORDINATOR, kcli.ERR_COORDINATOR_NOT_AVAILABLE, kcli.ERR_COORDINATOR_LOAD_IN_PROGRESS:
				return p.ErrorCode
			}
		}
	}
	return kcli.ERR_NONE
}

// Errors maps topic to partition to the partition error, nil on success.
func (r *Response) Errors() map[string]map[int32]error {
	out := make(map[string]map[int32]error, len(r.Topics))
	for _, t := range r.Topics {
		if out[t.Name] == nil {
			out[t.Name] = make(map[int32]error, len(t.Partitions))
		}
		for _, p := range t.Partitions {
			out[t.Name][p.PartitionIndex] = kcli.ErrorForCode(p.ErrorCode)
		}
	}
	return out
}
