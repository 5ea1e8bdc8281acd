package client

import (
	"context"
	"testing"
	"time"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/SyncGroup"
	"github.com/kcli-dev/kcli/internal/kafkatest"
)

func TestIntegrationGroupClientJoinSyncHeartbeat(t *testing.T) {
	kt, c := newTestCluster(t, 3, kafkatest.WithJoinDelay(200*time.Millisecond))
	kt.CreateTopic("orders", 3)
	g := NewGroupClient(c, "test-group")
	ctx := context.Background()
	resp, err := g.Join(ctx, &JoinGroupRequest{
		SessionTimeout:   10 * time.Second,
		RebalanceTimeout: 10 * time.Second,
		Topics:           []string{"orders"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.GenerationId != 1 || !resp.IsLeader() || len(resp.Members) != 1 {
		t.Fatalf("%+v", resp)
	}
	sub, err := JoinGroup.UnmarshalSubscription(resp.Members[0].Metadata)
	if err != nil || len(sub.Topics) != 1 || sub.Topics[0] != "orders" {
		t.Fatal(sub, err)
	}
	if b, ok := g.Coordinator(); !ok || b.NodeID != kt.Coordinator("test-group") {
		t.Fatal(b, ok)
	}
	assignment := &SyncGroup.MemberAssignment{
		Partitions: []SyncGroup.TopicPartitions{{Topic: "orders", Partitions: []int32{0, 1, 2}}},
	}
	a, err := g.Sync(ctx, resp.MemberId, resp.GenerationId, []SyncGroup.Assignment{
		{MemberId: resp.MemberId, Assignment: assignment.Marshal()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Partitions) != 1 || len(a.Partitions[0].Partitions) != 3 {
		t.Fatalf("%+v", a)
	}
	for i := 0; i < 3; i++ {
		if err := g.Heartbeat(ctx, resp.MemberId, resp.GenerationId); err != nil {
			t.Fatal(err)
		}
	}
	err = g.Heartbeat(ctx, resp.MemberId, resp.GenerationId+1)
	if !kcli.HasCode(err, kcli.ERR_ILLEGAL_GENERATION) {
		t.Fatal(err)
	}
	if err := g.Leave(ctx, resp.MemberId); err != nil {
		t.Fatal(err)
	}
	if members := kt.Members("test-group"); len(members) != 0 {
		t.Fatal(members)
	}
	err = g.Heartbeat(ctx, resp.MemberId, resp.GenerationId)
	if !kcli.HasCode(err, kcli.ERR_UNKNOWN_MEMBER_ID) {
		t.Fatal(err)
	}
}

func TestIntegrationGroupClientRediscovery(t *testing.T) {
	kt, c := newTestCluster(t, 2)
	g := NewGroupClient(c, "test-group")
	ctx := context.Background()
	if _, err := g.FetchOffsets(ctx, "orders", []int32{0}); err != nil {
		t.Fatal(err)
	}
	before := kt.Requests(api.FindCoordinator)
	kt.InjectError(api.OffsetFetch, kcli.ERR_NOT_COORDINATOR, 1)
	if _, err := g.FetchOffsets(ctx, "orders", []int32{0}); err != nil {
		t.Fatal(err)
	}
	if n := kt.Requests(api.FindCoordinator) - before; n != 1 {
		t.Fatal(n)
	}
	// coordinator not available when looking it up is retried too
	g.forget()
	kt.InjectError(api.FindCoordinator, kcli.ERR_COORDINATOR_NOT_AVAILABLE, 2)
	if _, err := g.FetchOffsets(ctx, "orders", []int32{0}); err != nil {
		t.Fatal(err)
	}
	kt.InjectError(api.OffsetFetch, kcli.ERR_GROUP_AUTHORIZATION_FAILED, 1)
	_, err := g.FetchOffsets(ctx, "orders", []int32{0})
	if !kcli.HasCode(err, kcli.ERR_GROUP_AUTHORIZATION_FAILED) {
		t.Fatal(err)
	}
}

func TestIntegrationGroupClientOffsets(t *testing.T) {
	kt, c := newTestCluster(t, 1)
	kt.CreateTopic("orders", 3)
	g := NewGroupClient(c, "test-group")
	ctx := context.Background()
	results, err := g.CommitOffsets(ctx, CommitArgs{GenerationId: -1}, map[TopicPartition]int64{
		{"orders", 0}: 10,
		{"orders", 2}: 7,
	})
	if err != nil {
		t.Fatal(err)
	}
	for tp, err := range results {
		if err != nil {
			t.Fatal(tp, err)
		}
	}
	if o := kt.Committed("test-group", "orders", 0); o != 10 {
		t.Fatal(o)
	}
	offsets, err := g.FetchOffsets(ctx, "orders", []int32{0, 1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if offsets[0] != 10 || offsets[1] != -1 || offsets[2] != 7 {
		t.Fatal(offsets)
	}
	// commits from a member of a generation that does not exist
	results, err = g.CommitOffsets(ctx, CommitArgs{MemberId: "ghost", GenerationId: 5}, map[TopicPartition]int64{
		{"orders", 1}: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := results[TopicPartition{"orders", 1}]; !kcli.HasCode(err, kcli.ERR_UNKNOWN_MEMBER_ID) {
		t.Fatal(err)
	}
}
