package OffsetFetch

type Response struct {
	ThrottleTimeMs int32
	Topics         []TopicResponse
	ErrorCode      int16
}

type TopicResponse struct {
	Name       string
	Partitions []PartitionResponse
}

type PartitionResponse struct {
	PartitionIndex  int32
	CommittedOffset int64 // -1 if nothing committed
	Metadata        string `wire:"nullable"`
	ErrorCode       int16
}
