package Fetch

type Response struct {
	ThrottleTimeMs int32
	TopicResponses []TopicResponse
}

type TopicResponse struct {
	Topic              string
	PartitionResponses []PartitionResponse
}

type PartitionResponse struct {
	Partition           int32
	ErrorCode           int16
	HighWatermark       int64
	LastStableOffset    int64
	LogStartOffset      int64
	AbortedTransactions []AbortedTransaction // nullable
	RecordSet           []byte               // nullable
}

type AbortedTransaction struct {
	ProducerId  int64
	FirstOffset int64
}
