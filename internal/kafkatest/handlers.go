package kafkatest

import (
	"fmt"
	"time"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/ApiVersions"
	"github.com/kcli-dev/kcli/api/Fetch"
	"github.com/kcli-dev/kcli/api/FindCoordinator"
	"github.com/kcli-dev/kcli/api/Heartbeat"
	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/LeaveGroup"
	"github.com/kcli-dev/kcli/api/ListOffsets"
	"github.com/kcli-dev/kcli/api/Metadata"
	"github.com/kcli-dev/kcli/api/OffsetCommit"
	"github.com/kcli-dev/kcli/api/OffsetFetch"
	"github.com/kcli-dev/kcli/api/Produce"
	"github.com/kcli-dev/kcli/api/SyncGroup"
	"github.com/kcli-dev/kcli/batch"
	"github.com/kcli-dev/kcli/compression"
	"github.com/kcli-dev/kcli/record"
)

// handle returns the response body for req, nil when no response is sent, or
// an error when the connection should be dropped.
func (c *Cluster) handle(b *broker, req *api.IncomingRequest) (interface{}, error) {
	switch req.Header.ApiKey {
	case api.ApiVersions:
		return c.apiVersions(), nil
	case api.Metadata:
		r := &Metadata.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.metadata(r), nil
	case api.Produce:
		r := &Produce.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		resp := c.produce(b, r)
		if r.Acks == 0 {
			return nil, nil
		}
		return resp, nil
	case api.Fetch:
		r := &Fetch.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.fetch(b, r), nil
	case api.ListOffsets:
		r := &ListOffsets.RequestBody{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.listOffsets(b, r), nil
	case api.FindCoordinator:
		r := &FindCoordinator.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.findCoordinator(r), nil
	case api.JoinGroup:
		r := &JoinGroup.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.joinGroup(b, r), nil
	case api.SyncGroup:
		r := &SyncGroup.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.syncGroup(b, r), nil
	case api.Heartbeat:
		r := &Heartbeat.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.heartbeat(b, r), nil
	case api.LeaveGroup:
		r := &LeaveGroup.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.leaveGroup(b, r), nil
	case api.OffsetCommit:
		r := &OffsetCommit.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.offsetCommit(b, r), nil
	case api.OffsetFetch:
		r := &OffsetFetch.Request{}
		if err := req.Unmarshal(r); err != nil {
			return nil, err
		}
		return c.offsetFetch(b, r), nil
	}
	return nil, fmt.Errorf("unsupported api key %d", req.Header.ApiKey)
}

func (c *Cluster) apiVersions() *ApiVersions.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	versions := map[int16]int16{
		api.Produce:         c.produceMaxVersion,
		api.Fetch:           6,
		api.ListOffsets:     2,
		api.Metadata:        5,
		api.OffsetCommit:    2,
		api.OffsetFetch:     3,
		api.FindCoordinator: 1,
		api.JoinGroup:       2,
		api.Heartbeat:       1,
		api.LeaveGroup:      1,
		api.SyncGroup:       1,
		api.ApiVersions:     0,
	}
	resp := &ApiVersions.Response{ApiKeys: []ApiVersions.ApiKeyVersion{}}
	for key := int16(0); key <= api.ApiVersions; key++ {
		if v, ok := versions[key]; ok {
			resp.ApiKeys = append(resp.ApiKeys, ApiVersions.ApiKeyVersion{ApiKey: key, MaxVersion: v})
		}
	}
	return resp
}

func (c *Cluster) metadata(r *Metadata.Request) *Metadata.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &Metadata.Response{
		Brokers:       []Metadata.Broker{},
		ClusterId:     "kafkatest",
		ControllerId:  -1,
		TopicMetadata: []Metadata.TopicMetadata{},
	}
	for _, b := range c.brokers {
		if b.stopped {
			continue
		}
		if resp.ControllerId == -1 {
			resp.ControllerId = b.id
		}
		resp.Brokers = append(resp.Brokers, Metadata.Broker{NodeId: b.id, Host: b.host, Port: b.port})
	}
	names := r.Topics
	if names == nil {
		for name := range c.topics {
			names = append(names, name)
		}
	}
	injected := c.takeInjected(api.Metadata)
	for _, name := range names {
		tm := Metadata.TopicMetadata{Topic: name, PartitionMetadata: []Metadata.PartitionMetadata{}}
		ps, ok := c.topics[name]
		switch {
		case injected != 0:
			tm.ErrorCode = injected
		case !ok:
			tm.ErrorCode = kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION
		}
		if tm.ErrorCode == 0 {
			for i, p := range ps {
				pm := Metadata.PartitionMetadata{
					Partition:       int32(i),
					Leader:          p.leader,
					Replicas:        []int32{p.leader},
					Isr:             []int32{p.leader},
					OfflineReplicas: []int32{},
				}
				if b := c.broker(p.leader); b == nil || b.stopped {
					pm.ErrorCode = kcli.ERR_LEADER_NOT_AVAILABLE
					pm.Leader = -1
				}
				tm.PartitionMetadata = append(tm.PartitionMetadata, pm)
			}
		}
		resp.TopicMetadata = append(resp.TopicMetadata, tm)
	}
	return resp
}

// partitionFor returns the partition and an error code for a data request
// received by broker b.
func (c *Cluster) partitionFor(b *broker, topic string, p int32) (*partition, int16) {
	ps, ok := c.topics[topic]
	if !ok || p < 0 || int(p) >= len(ps) {
		return nil, kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION
	}
	if ps[p].leader != b.id {
		return nil, kcli.ERR_NOT_LEADER_FOR_PARTITION
	}
	return ps[p], kcli.ERR_NONE
}

func decodeRecordSet(b []byte) ([]Record, error) {
	var out []Record
	for _, raw := range batch.RecordSet(b).Batches() {
		bt, err := batch.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		codec, err := compression.ForType(bt.CompressionType())
		if err != nil {
			return nil, err
		}
		if err := bt.Decompress(codec); err != nil {
			return nil, err
		}
		records, err := bt.Records()
		if err != nil {
			return nil, err
		}
		for _, rb := range records {
			r, err := record.Unmarshal(rb)
			if err != nil {
				return nil, err
			}
			out = append(out, Record{
				Timestamp: bt.FirstTimestamp + r.TimestampDelta,
				Key:       append([]byte(nil), r.Key...),
				Value:     append([]byte(nil), r.Value...),
				Headers:   r.Headers,
			})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty record set")
	}
	return out, nil
}

func (c *Cluster) produce(b *broker, r *Produce.Request) *Produce.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &Produce.Response{TopicResponses: []Produce.TopicResponse{}}
	injected := c.takeInjected(api.Produce)
	for _, td := range r.TopicData {
		tr := Produce.TopicResponse{Topic: td.Topic, PartitionResponses: []Produce.PartitionResponse{}}
		for _, d := range td.Data {
			pr := Produce.PartitionResponse{Partition: d.Partition, BaseOffset: -1, LogAppendTime: -1}
			part, code := c.partitionFor(b, td.Topic, d.Partition)
			switch {
			case injected != 0:
				pr.ErrorCode = injected
			case code != kcli.ERR_NONE:
				pr.ErrorCode = code
			default:
				records, err := decodeRecordSet(d.RecordSet)
				if err != nil {
					pr.ErrorCode = kcli.ERR_CORRUPT_MESSAGE
					break
				}
				pr.BaseOffset = int64(len(part.records))
				for _, rec := range records {
					rec.Offset = int64(len(part.records))
					part.records = append(part.records, rec)
				}
			}
			tr.PartitionResponses = append(tr.PartitionResponses, pr)
		}
		resp.TopicResponses = append(resp.TopicResponses, tr)
	}
	c.notify()
	return resp
}

// recordSet returns one batch starting at records[0], holding as many records
// as fit in maxBytes but at least one.
func recordSet(records []Record, maxBytes int32) []byte {
	if len(records) == 0 {
		return nil
	}
	builder := batch.NewBuilder(time.UnixMilli(records[0].Timestamp))
	for _, r := range records {
		rec := record.New(r.Key, r.Value)
		rec.Headers = r.Headers
		if builder.NumRecords() > 0 && maxBytes > 0 && builder.Size()+rec.Size() > int(maxBytes) {
			break
		}
		builder.AddAt(time.UnixMilli(r.Timestamp), rec)
	}
	bt, err := builder.Build()
	if err != nil {
		return nil
	}
	bt.BaseOffset = records[0].Offset
	return bt.Marshal()
}

func (c *Cluster) fetchOnce(b *broker, r *Fetch.Request, injected int16) (*Fetch.Response, bool) {
	resp := &Fetch.Response{TopicResponses: []Fetch.TopicResponse{}}
	found := false
	for _, t := range r.Topics {
		tr := Fetch.TopicResponse{Topic: t.Topic, PartitionResponses: []Fetch.PartitionResponse{}}
		for _, p := range t.Partitions {
			pr := Fetch.PartitionResponse{Partition: p.Partition, HighWatermark: -1, LastStableOffset: -1}
			part, code := c.partitionFor(b, t.Topic, p.Partition)
			switch {
			case injected != 0:
				pr.ErrorCode = injected
				found = true
			case code != kcli.ERR_NONE:
				pr.ErrorCode = code
				found = true
			case p.FetchOffset < 0 || p.FetchOffset > int64(len(part.records)):
				pr.ErrorCode = kcli.ERR_OFFSET_OUT_OF_RANGE
				found = true
			default:
				hw := int64(len(part.records))
				pr.HighWatermark, pr.LastStableOffset = hw, hw
				pr.RecordSet = recordSet(part.records[p.FetchOffset:], p.PartitionMaxBytes)
				if pr.RecordSet != nil {
					found = true
				}
			}
			tr.PartitionResponses = append(tr.PartitionResponses, pr)
		}
		resp.TopicResponses = append(resp.TopicResponses, tr)
	}
	return resp, found
}

func (c *Cluster) fetch(b *broker, r *Fetch.Request) *Fetch.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	injected := c.takeInjected(api.Fetch)
	deadline := time.Now().Add(time.Duration(r.MaxWaitTimeMs) * time.Millisecond)
	for {
		resp, found := c.fetchOnce(b, r, injected)
		if found || b.stopped || !c.wait(deadline) {
			return resp
		}
	}
}

func (c *Cluster) listOffsets(b *broker, r *ListOffsets.RequestBody) *ListOffsets.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &ListOffsets.Response{Responses: []ListOffsets.TopicResponse{}}
	injected := c.takeInjected(api.ListOffsets)
	for _, t := range r.Topics {
		tr := ListOffsets.TopicResponse{Topic: t.Topic, Partitions: []ListOffsets.PartitionResponse{}}
		for _, p := range t.Partitions {
			pr := ListOffsets.PartitionResponse{Partition: p.Partition, Timestamp: -1, Offset: -1}
			part, code := c.partitionFor(b, t.Topic, p.Partition)
			switch {
			case injected != 0:
				pr.ErrorCode = injected
			case code != kcli.ERR_NONE:
				pr.ErrorCode = code
			case p.Timestamp == ListOffsets.Oldest:
				pr.Offset = 0
			case p.Timestamp == ListOffsets.Newest:
				pr.Offset = int64(len(part.records))
			default:
				pr.Offset = int64(len(part.records))
				for _, rec := range part.records {
					if rec.Timestamp >= p.Timestamp {
						pr.Offset, pr.Timestamp = rec.Offset, rec.Timestamp
						break
					}
				}
			}
			tr.Partitions = append(tr.Partitions, pr)
		}
		resp.Responses = append(resp.Responses, tr)
	}
	return resp
}

func (c *Cluster) findCoordinator(r *FindCoordinator.Request) *FindCoordinator.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &FindCoordinator.Response{NodeId: -1, Host: "", Port: -1}
	if code := c.takeInjected(api.FindCoordinator); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	b := c.coordinator(r.Key)
	if b.stopped {
		resp.ErrorCode = kcli.ERR_COORDINATOR_NOT_AVAILABLE
		return resp
	}
	resp.NodeId, resp.Host, resp.Port = b.id, b.host, b.port
	return resp
}
