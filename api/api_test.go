package api_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/Fetch"
	"github.com/kcli-dev/kcli/api/Heartbeat"
	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/Metadata"
	"github.com/kcli-dev/kcli/api/Produce"
	"github.com/kcli-dev/kcli/api/SyncGroup"
	"github.com/kcli-dev/kcli/wire"
)

func body(t *testing.T, req *api.Request) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, wire.Write(buf, reflect.ValueOf(req.Body)))
	return buf.Bytes()
}

func TestUnitRequestFrame(t *testing.T) {
	req := Heartbeat.NewRequest("g", "m", 3)
	req.CorrelationId = 7
	req.ClientId = "kcli"
	b, err := req.Bytes()
	require.NoError(t, err)
	in, err := api.ReadRequest(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, api.Heartbeat, in.Header.ApiKey)
	assert.Equal(t, int16(1), in.Header.ApiVersion)
	assert.Equal(t, int32(7), in.Header.CorrelationId)
	assert.Equal(t, "kcli", in.Header.ClientId)
	r := &Heartbeat.Request{}
	require.NoError(t, in.Unmarshal(r))
	assert.Equal(t, Heartbeat.Request{GroupId: "g", GenerationId: 3, MemberId: "m"}, *r)
}

func TestUnitResponseFrame(t *testing.T) {
	b, err := api.ResponseBytes(42, &Heartbeat.Response{ErrorCode: kcli.ERR_REBALANCE_IN_PROGRESS})
	require.NoError(t, err)
	resp, err := api.Read(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, int32(42), resp.CorrelationId())
	r := &Heartbeat.Response{}
	require.NoError(t, resp.Unmarshal(r))
	assert.Equal(t, kcli.ERR_REBALANCE_IN_PROGRESS, r.ErrorCode)
}

func TestUnitReadInvalidFrameSize(t *testing.T) {
	for _, b := range [][]byte{
		{0, 0, 0, 0},
		{0xff, 0xff, 0xff, 0xff},
		{0x7f, 0xff, 0xff, 0xff},
		{0, 0, 0, 2, 0, 1}, // too short for correlation id
	} {
		_, err := api.Read(bytes.NewReader(b))
		if !errors.Is(err, kcli.ErrCodec) {
			t.Fatal(b, err)
		}
	}
}

func TestUnitHeartbeatRequestMatchesKmsg(t *testing.T) {
	req := Heartbeat.NewRequest("group-1", "member-1", 5)
	k := kmsg.NewPtrHeartbeatRequest()
	k.Version = req.ApiVersion
	require.NoError(t, k.ReadFrom(body(t, req)))
	assert.Equal(t, "group-1", k.Group)
	assert.Equal(t, int32(5), k.Generation)
	assert.Equal(t, "member-1", k.MemberID)
}

func TestUnitProduceRequestMatchesKmsg(t *testing.T) {
	data := []Produce.TopicData{{Topic: "t", Data: []Produce.Data{{Partition: 2, RecordSet: []byte{1, 2, 3}}}}}
	req := Produce.NewRequest(&Produce.Args{Acks: -1, TimeoutMs: 1500}, data)
	k := kmsg.NewPtrProduceRequest()
	k.Version = req.ApiVersion
	require.NoError(t, k.ReadFrom(body(t, req)))
	assert.Nil(t, k.TransactionID)
	assert.Equal(t, int16(-1), k.Acks)
	assert.Equal(t, int32(1500), k.TimeoutMillis)
	require.Len(t, k.Topics, 1)
	assert.Equal(t, "t", k.Topics[0].Topic)
	require.Len(t, k.Topics[0].Partitions, 1)
	assert.Equal(t, int32(2), k.Topics[0].Partitions[0].Partition)
	assert.Equal(t, []byte{1, 2, 3}, k.Topics[0].Partitions[0].Records)
}

func TestUnitFetchRequestMatchesKmsg(t *testing.T) {
	req := Fetch.NewRequest(&Fetch.Args{MinBytes: 1, MaxBytes: 1 << 20, MaxWaitTimeMs: 500}, []Fetch.PartitionOffset{
		{Topic: "a", Partition: 0, Offset: 10, MaxBytes: 100},
		{Topic: "b", Partition: 1, Offset: 20, MaxBytes: 100},
		{Topic: "a", Partition: 1, Offset: 30, MaxBytes: 100},
	})
	k := kmsg.NewPtrFetchRequest()
	k.Version = req.ApiVersion
	require.NoError(t, k.ReadFrom(body(t, req)))
	assert.Equal(t, int32(-1), k.ReplicaID)
	assert.Equal(t, int32(500), k.MaxWaitMillis)
	require.Len(t, k.Topics, 2)
	assert.Equal(t, "a", k.Topics[0].Topic)
	require.Len(t, k.Topics[0].Partitions, 2)
	assert.Equal(t, int64(30), k.Topics[0].Partitions[1].FetchOffset)
	assert.Equal(t, "b", k.Topics[1].Topic)
}

func TestUnitFetchResponseFromKmsg(t *testing.T) {
	k := kmsg.NewPtrFetchResponse()
	k.Version = 6
	p := kmsg.NewFetchResponseTopicPartition()
	p.Partition = 3
	p.ErrorCode = kcli.ERR_OFFSET_OUT_OF_RANGE
	p.HighWatermark = 100
	p.RecordBatches = nil
	topic := kmsg.NewFetchResponseTopic()
	topic.Topic = "t"
	topic.Partitions = append(topic.Partitions, p)
	k.Topics = append(k.Topics, topic)
	b := k.AppendTo(nil)
	r := &Fetch.Response{}
	require.NoError(t, wire.Read(bytes.NewReader(b), reflect.ValueOf(r)))
	require.Len(t, r.TopicResponses, 1)
	pr := r.TopicResponses[0].PartitionResponses[0]
	assert.Equal(t, int32(3), pr.Partition)
	assert.Equal(t, kcli.ERR_OFFSET_OUT_OF_RANGE, pr.ErrorCode)
	assert.Equal(t, int64(100), pr.HighWatermark)
	assert.Nil(t, pr.RecordSet)
}

func TestUnitMetadataResponseFromKmsg(t *testing.T) {
	k := kmsg.NewPtrMetadataResponse()
	k.Version = 5
	broker := kmsg.NewMetadataResponseBroker()
	broker.NodeID = 1
	broker.Host = "b1"
	broker.Port = 9093
	k.Brokers = append(k.Brokers, broker)
	k.ControllerID = 1
	b := k.AppendTo(nil)
	r := &Metadata.Response{}
	require.NoError(t, wire.Read(bytes.NewReader(b), reflect.ValueOf(r)))
	require.Len(t, r.Brokers, 1)
	assert.Equal(t, "b1:9093", r.Broker(1).Addr())
	assert.Equal(t, "", r.Brokers[0].Rack)
	assert.Nil(t, r.Broker(2))
}

func TestUnitSubscriptionMatchesKmsg(t *testing.T) {
	s := &JoinGroup.Subscription{Topics: []string{"x", "y"}}
	k := kmsg.NewConsumerMemberMetadata()
	require.NoError(t, k.ReadFrom(s.Marshal()))
	assert.Equal(t, []string{"x", "y"}, k.Topics)
	t2, err := JoinGroup.UnmarshalSubscription(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s.Topics, t2.Topics)
}

func TestUnitMemberAssignmentFromKmsg(t *testing.T) {
	k := kmsg.NewConsumerMemberAssignment()
	at := kmsg.NewConsumerMemberAssignmentTopic()
	at.Topic = "x"
	at.Partitions = []int32{0, 2}
	k.Topics = append(k.Topics, at)
	a, err := SyncGroup.UnmarshalMemberAssignment(k.AppendTo(nil))
	require.NoError(t, err)
	require.Len(t, a.Partitions, 1)
	assert.Equal(t, "x", a.Partitions[0].Topic)
	assert.Equal(t, []int32{0, 2}, a.Partitions[0].Partitions)
	empty, err := SyncGroup.UnmarshalMemberAssignment(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Partitions)
}
