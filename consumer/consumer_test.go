package consumer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/SyncGroup"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/internal/kafkatest"
	"github.com/kcli-dev/kcli/transport"
)

func TestUnitRangeAssign(t *testing.T) {
	members := []Member{
		{Id: "c", Topics: []string{"orders", "payments"}},
		{Id: "a", Topics: []string{"payments", "orders"}},
		{Id: "b", Topics: []string{"orders"}},
	}
	partitions := map[string][]int32{
		"orders":   {6, 5, 4, 3, 2, 1, 0},
		"payments": {0, 1},
	}
	want := map[string]Assignment{
		"a": {"orders": {0, 1, 2}, "payments": {0}},
		"b": {"orders": {3, 4}},
		"c": {"orders": {5, 6}, "payments": {1}},
	}
	assert.Equal(t, want, RangeAssign(members, partitions))
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		rnd.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		assert.Equal(t, want, RangeAssign(members, partitions))
	}
}

func TestUnitRangeAssignMoreMembersThanPartitions(t *testing.T) {
	members := []Member{{Id: "m3", Topics: []string{"orders"}}, {Id: "m1", Topics: []string{"orders"}}, {Id: "m2", Topics: []string{"orders"}}}
	got := RangeAssign(members, map[string][]int32{"orders": {0, 1}})
	assert.Equal(t, map[string]Assignment{
		"m1": {"orders": {0}},
		"m2": {"orders": {1}},
		"m3": {},
	}, got)
	// unknown topic gives nothing
	got = RangeAssign([]Member{{Id: "m1", Topics: []string{"missing"}}}, nil)
	assert.Equal(t, map[string]Assignment{"m1": {}}, got)
}

func TestUnitSyncAssignments(t *testing.T) {
	encoded := syncAssignments(map[string]Assignment{
		"b": {"payments": {1}, "orders": {2, 3}},
		"a": {},
	})
	require.Len(t, encoded, 2)
	assert.Equal(t, "a", encoded[0].MemberId)
	a, err := SyncGroup.UnmarshalMemberAssignment(encoded[0].Assignment)
	require.NoError(t, err)
	assert.Empty(t, a.Partitions)
	b, err := SyncGroup.UnmarshalMemberAssignment(encoded[1].Assignment)
	require.NoError(t, err)
	assert.Equal(t, []SyncGroup.TopicPartitions{
		{Topic: "orders", Partitions: []int32{2, 3}},
		{Topic: "payments", Partitions: []int32{1}},
	}, b.Partitions)
}

func TestUnitOptions(t *testing.T) {
	o := Options{GroupId: "g", Topics: []string{"orders"}}
	o.setDefaults()
	require.NoError(t, o.validate())
	assert.Equal(t, DefaultSessionTimeout, o.SessionTimeout)
	assert.Equal(t, ResetEarliest, o.AutoOffsetReset)
	for _, bad := range []Options{
		{Topics: []string{"orders"}},
		{GroupId: "g"},
		{GroupId: "g", Topics: []string{"orders"}, SessionTimeout: time.Second, HeartbeatInterval: time.Second},
		{GroupId: "g", Topics: []string{"orders"}, AutoOffsetReset: "smallest"},
	} {
		_, err := New(nil, bad)
		assert.ErrorIs(t, err, ErrInvalidOptions, "%+v", bad)
	}
}

func TestUnitCommitError(t *testing.T) {
	err := error(&CommitError{Errors: map[client.TopicPartition]error{
		{Topic: "orders", Partition: 1}: &kcli.Error{Code: kcli.ERR_ILLEGAL_GENERATION},
		{Topic: "orders", Partition: 0}: &kcli.Error{Code: kcli.ERR_ILLEGAL_GENERATION},
	}})
	assert.True(t, kcli.HasCode(err, kcli.ERR_ILLEGAL_GENERATION))
	assert.Contains(t, err.Error(), "2 partitions: orders/0")
}

func newTestKafka(t *testing.T, partitions int, opts ...kafkatest.Option) *kafkatest.Cluster {
	t.Helper()
	kt, err := kafkatest.New(3, opts...)
	require.NoError(t, err)
	t.Cleanup(kt.Close)
	kt.CreateTopic("orders", partitions)
	return kt
}

func newTestCluster(t *testing.T, kt *kafkatest.Cluster) *client.Cluster {
	t.Helper()
	c, err := client.NewCluster(client.Options{
		Bootstrap: kt.Addrs(),
		Transport: transport.Options{ClientId: "kcli-test", RequestTimeout: 5 * time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Bootstrap(context.Background(), []string{"orders"}))
	return c
}

func newTestConsumer(t *testing.T, kt *kafkatest.Cluster, opts Options) *Consumer {
	t.Helper()
	if opts.GroupId == "" {
		opts.GroupId = "test-group"
	}
	opts.Topics = []string{"orders"}
	opts.SessionTimeout = 10 * time.Second
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Second
	}
	opts.FetchMaxWait = 200 * time.Millisecond
	c, err := New(newTestCluster(t, kt), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func poll(t *testing.T, c *Consumer) *Fetches {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	f, err := c.Poll(ctx)
	require.NoError(t, err)
	return f
}

// pollN polls until n records were delivered.
func pollN(t *testing.T, c *Consumer, n int) []string {
	t.Helper()
	var values []string
	deadline := time.Now().Add(10 * time.Second)
	for len(values) < n {
		require.True(t, time.Now().Before(deadline), "got %d of %d records", len(values), n)
		for _, r := range poll(t, c).Records() {
			values = append(values, string(r.Value))
		}
	}
	return values
}

func TestIntegrationConsumerEarliest(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Produce("orders", 0, "v0", "v1", "v2", "v3", "v4")
	c := newTestConsumer(t, kt, Options{})
	assert.Equal(t, Unjoined, c.State())
	f := poll(t, c)
	tp := client.TopicPartition{Topic: "orders", Partition: 0}
	records := f.ByPartition[tp]
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, int64(i), r.Offset)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(r.Value))
	}
	assert.Equal(t, []client.TopicPartition{tp}, f.Assigned)
	assert.Equal(t, []client.TopicPartition{tp}, f.EOF)
	assert.Empty(t, f.Errors)
	assert.Equal(t, Heartbeating, c.State())
	assert.Equal(t, int32(1), c.Generation())
	o, ok := c.Position(tp)
	assert.True(t, ok)
	assert.Equal(t, int64(5), o)
	assert.Equal(t, []string{c.MemberId()}, kt.Members("test-group"))
}

func TestIntegrationConsumerPosition(t *testing.T) {
	kt := newTestKafka(t, 2)
	c := newTestConsumer(t, kt, Options{})
	last := map[int32]int64{0: -1, 1: -1}
	position := map[int32]int64{0: 0, 1: 0}
	for round := 0; round < 4; round++ {
		kt.Produce("orders", 0, fmt.Sprintf("a%d", round), fmt.Sprintf("b%d", round))
		kt.Produce("orders", 1, fmt.Sprintf("c%d", round))
		got := 0
		deadline := time.Now().Add(10 * time.Second)
		for got < 3 {
			require.True(t, time.Now().Before(deadline))
			f := poll(t, c)
			for tp, records := range f.ByPartition {
				for _, r := range records {
					assert.Equal(t, last[tp.Partition]+1, r.Offset)
					last[tp.Partition] = r.Offset
					got++
				}
			}
			for p := int32(0); p < 2; p++ {
				o, _ := c.Position(client.TopicPartition{Topic: "orders", Partition: p})
				assert.GreaterOrEqual(t, o, position[p])
				position[p] = o
			}
		}
		for p := int32(0); p < 2; p++ {
			assert.Equal(t, last[p]+1, position[p])
		}
	}
}

func TestIntegrationConsumerLatest(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Produce("orders", 0, "old", "old", "old")
	c := newTestConsumer(t, kt, Options{AutoOffsetReset: ResetLatest})
	f := poll(t, c)
	assert.Zero(t, f.Len())
	o, _ := c.Position(client.TopicPartition{Topic: "orders", Partition: 0})
	assert.Equal(t, int64(3), o)
	kt.Produce("orders", 0, "new")
	assert.Equal(t, []string{"new"}, pollN(t, c, 1))
}

func TestIntegrationConsumerCommitResume(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Produce("orders", 0, "v0", "v1", "v2", "v3", "v4")
	c := newTestConsumer(t, kt, Options{})
	require.Len(t, pollN(t, c, 5), 5)
	require.NoError(t, c.Commit(context.Background()))
	assert.Equal(t, int64(5), kt.Committed("test-group", "orders", 0))
	commits := kt.Requests(api.OffsetCommit)
	require.NoError(t, c.Commit(context.Background()))
	assert.Equal(t, commits, kt.Requests(api.OffsetCommit), "nothing changed, nothing committed")
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, Closed, c.State())
	assert.Empty(t, kt.Members("test-group"))
	_, err := c.Poll(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	kt.Produce("orders", 0, "v5", "v6")
	c2 := newTestConsumer(t, kt, Options{})
	assert.Equal(t, []string{"v5", "v6"}, pollN(t, c2, 2))
}

func TestIntegrationConsumerAutoCommitOnClose(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Produce("orders", 0, "v0", "v1", "v2")
	c := newTestConsumer(t, kt, Options{EnableAutoCommit: true, AutoCommitInterval: time.Hour})
	require.Len(t, pollN(t, c, 3), 3)
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, int64(3), kt.Committed("test-group", "orders", 0))
}

func TestIntegrationConsumerSeekBeforeClose(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Produce("orders", 0, "a", "b", "c", "d", "e")
	c := newTestConsumer(t, kt, Options{EnableAutoCommit: true, AutoCommitInterval: time.Hour})
	require.Len(t, pollN(t, c, 5), 5)
	tp := client.TopicPartition{Topic: "orders", Partition: 0}
	require.NoError(t, c.Seek(tp, 3))
	o, _ := c.Position(tp)
	assert.Equal(t, int64(3), o)
	assert.ErrorIs(t, c.Seek(client.TopicPartition{Topic: "orders", Partition: 9}, 0), ErrNotAssigned)
	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, int64(3), kt.Committed("test-group", "orders", 0))
	assert.ErrorIs(t, c.Seek(tp, 0), ErrClosed)

	c2 := newTestConsumer(t, kt, Options{})
	assert.Equal(t, []string{"d", "e"}, pollN(t, c2, 2))
}

func TestIntegrationConsumerOffsetOutOfRange(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Produce("orders", 0, "v0", "v1")
	cluster := newTestCluster(t, kt)
	g := client.NewGroupClient(cluster, "test-group")
	tp := client.TopicPartition{Topic: "orders", Partition: 0}
	results, err := g.CommitOffsets(context.Background(), client.CommitArgs{GenerationId: -1},
		map[client.TopicPartition]int64{tp: 100})
	require.NoError(t, err)
	require.NoError(t, results[tp])

	c := newTestConsumer(t, kt, Options{})
	assert.Equal(t, []string{"v0", "v1"}, pollN(t, c, 2))
}

func TestIntegrationConsumerHeartbeatRejoin(t *testing.T) {
	kt := newTestKafka(t, 1, kafkatest.WithJoinDelay(300*time.Millisecond))
	c := newTestConsumer(t, kt, Options{HeartbeatInterval: 20 * time.Millisecond})
	poll(t, c)
	member := c.MemberId()
	require.Equal(t, int32(1), c.Generation())

	kt.InjectError(api.Heartbeat, kcli.ERR_ILLEGAL_GENERATION, 1)
	time.Sleep(30 * time.Millisecond)
	poll(t, c)
	assert.Equal(t, Rebalancing, c.State())
	assert.Empty(t, c.MemberId())
	poll(t, c)
	assert.Equal(t, Heartbeating, c.State())
	assert.Equal(t, int32(2), c.Generation())
	assert.NotEqual(t, member, c.MemberId())
	assert.Equal(t, []string{c.MemberId()}, kt.Members("test-group"))

	// failures other than group errors are tolerated up to a limit
	member = c.MemberId()
	kt.InjectError(api.Heartbeat, kcli.ERR_UNKNOWN_SERVER_ERROR, maxMissedHeartbeats)
	for i := 0; i < maxMissedHeartbeats-1; i++ {
		time.Sleep(30 * time.Millisecond)
		poll(t, c)
		assert.Equal(t, Heartbeating, c.State())
	}
	time.Sleep(30 * time.Millisecond)
	poll(t, c)
	assert.Equal(t, Rebalancing, c.State())
	poll(t, c)
	assert.Equal(t, member, c.MemberId())
	assert.Equal(t, int32(3), c.Generation())
}

type assignments struct {
	mu   sync.Mutex
	byId map[int][]client.TopicPartition
}

func (a *assignments) set(id int, tps []client.TopicPartition) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byId[id] = tps
}

func (a *assignments) get(id int) []client.TopicPartition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byId[id]
}

func TestIntegrationConsumerRebalance(t *testing.T) {
	kt := newTestKafka(t, 6, kafkatest.WithJoinDelay(5*time.Second))
	state := &assignments{byId: make(map[int][]client.TopicPartition)}
	stop := make([]chan struct{}, 2)
	done := make([]chan struct{}, 2)
	run := func(id int) {
		c := newTestConsumer(t, kt, Options{HeartbeatInterval: 50 * time.Millisecond})
		stop[id], done[id] = make(chan struct{}), make(chan struct{})
		go func() {
			defer close(done[id])
			for {
				select {
				case <-stop[id]:
					c.Close(context.Background())
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				_, err := c.Poll(ctx)
				cancel()
				if err == nil && c.State() == Heartbeating {
					state.set(id, c.Assignment())
				}
			}
		}()
	}
	run(0)
	require.Eventually(t, func() bool { return len(state.get(0)) == 6 }, 10*time.Second, 10*time.Millisecond)
	run(1)
	require.Eventually(t, func() bool {
		a, b := state.get(0), state.get(1)
		if len(a) != 3 || len(b) != 3 {
			return false
		}
		seen := make(map[client.TopicPartition]bool)
		for _, tp := range append(a, b...) {
			seen[tp] = true
		}
		return len(seen) == 6
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), kt.Generation("test-group"))

	close(stop[1])
	<-done[1]
	require.Eventually(t, func() bool { return len(state.get(0)) == 6 }, 10*time.Second, 10*time.Millisecond)
	close(stop[0])
	<-done[0]
	assert.Empty(t, kt.Members("test-group"))
}

func TestIntegrationConsumerCoordinatorDown(t *testing.T) {
	kt := newTestKafka(t, 1)
	kt.Stop(kt.Coordinator("test-group"))
	c := newTestConsumer(t, kt, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.Poll(ctx)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrClosed))
	assert.Equal(t, Rebalancing, c.State())
}
