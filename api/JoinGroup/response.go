package JoinGroup

type Response struct {
	ThrottleTimeMs int32
	ErrorCode      int16
	GenerationId   int32
	ProtocolName   string
	LeaderId       string
	MemberId       string
	Members        []Member
}

type Member struct {
	MemberId string
	Metadata []byte
}

// IsLeader is true when the member is expected to compute and send partition
// assignments for the whole group.
func (r *Response) IsLeader() bool {
	return r.MemberId != "" && r.MemberId == r.LeaderId
}
