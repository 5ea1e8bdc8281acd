package Produce

// Response layout is the same for v5 and v7.
type Response struct {
	TopicResponses []TopicResponse
	ThrottleTimeMs int32
}

type TopicResponse struct {
	Topic              string
	PartitionResponses []PartitionResponse
}

type PartitionResponse struct {
	Partition      int32
	ErrorCode      int16
	BaseOffset     int64
	LogAppendTime  int64
	LogStartOffset int64
}

// Partition returns the response for the topic partition or nil.
func (r *Response) Partition(topic string, partition int32) *PartitionResponse {
	for i := range r.TopicResponses {
		t := &(r.TopicResponses[i])
		if t.Topic != topic {
			continue
		}
		for j := range t.PartitionResponses {
			if t.PartitionResponses[j].Partition == partition {
				return &(t.PartitionResponses[j])
			}
		}
	}
	return nil
}
