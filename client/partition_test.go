package client

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/ListOffsets"
	"github.com/kcli-dev/kcli/internal/kafkatest"
	"github.com/kcli-dev/kcli/transport"
)

func TestIntegrationLeaderConn(t *testing.T) {
	kt, c := newTestCluster(t, 2)
	kt.CreateTopic("orders", 2)
	// not bootstrapped, the first call loads metadata
	conn, leader, err := c.LeaderConn(context.Background(), TopicPartition{"orders", 1})
	if err != nil {
		t.Fatal(err)
	}
	if leader.NodeID != 2 || conn.Addr() != kt.Addr(2) {
		t.Fatal(leader, conn.Addr())
	}
	_, _, err = c.LeaderConn(context.Background(), TopicPartition{"orders", 7})
	if !kcli.HasCode(err, kcli.ERR_UNKNOWN_TOPIC_OR_PARTITION) {
		t.Fatal(err)
	}
}

func TestIntegrationListOffsets(t *testing.T) {
	kt, c := newTestCluster(t, 2)
	kt.CreateTopic("orders", 2)
	kt.Produce("orders", 0, "a", "b", "c")
	kt.Produce("orders", 1, "d")
	if err := c.Bootstrap(context.Background(), []string{"orders"}); err != nil {
		t.Fatal(err)
	}
	oldest, err := c.ListOffsets(context.Background(), "orders", []int32{0, 1}, ListOffsets.Oldest)
	if err != nil {
		t.Fatal(err)
	}
	if oldest[0] != 0 || oldest[1] != 0 {
		t.Fatal(oldest)
	}
	newest, err := c.ListOffsets(context.Background(), "orders", []int32{0, 1}, ListOffsets.Newest)
	if err != nil {
		t.Fatal(err)
	}
	if newest[0] != 3 || newest[1] != 1 {
		t.Fatal(newest)
	}
}

func TestIntegrationListOffsetsStaleLeader(t *testing.T) {
	kt, c := newTestCluster(t, 2)
	kt.CreateTopic("orders", 1)
	if err := c.Bootstrap(context.Background(), []string{"orders"}); err != nil {
		t.Fatal(err)
	}
	kt.SetLeader("orders", 0, 2)
	_, err := c.ListOffsets(context.Background(), "orders", []int32{0}, ListOffsets.Newest)
	if !kcli.HasCode(err, kcli.ERR_NOT_LEADER_FOR_PARTITION) {
		t.Fatal(err)
	}
	// the error refreshed metadata
	if _, err := c.ListOffsets(context.Background(), "orders", []int32{0}, ListOffsets.Newest); err != nil {
		t.Fatal(err)
	}
}

func TestIntegrationListOffsetsRefreshFailureLogged(t *testing.T) {
	kt, err := kafkatest.New(2)
	if err != nil {
		t.Fatal(err)
	}
	defer kt.Close()
	kt.CreateTopic("orders", 1)
	log, hook := logtest.NewNullLogger()
	c, err := NewCluster(Options{
		Bootstrap: kt.Addrs(),
		Transport: transport.Options{ClientId: "kcli-test", RequestTimeout: 100 * time.Millisecond},
		Logger:    log,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Bootstrap(context.Background(), []string{"orders"}); err != nil {
		t.Fatal(err)
	}
	kt.SetLeader("orders", 0, 2)
	kt.SetDelay(api.Metadata, 300*time.Millisecond)
	_, err = c.ListOffsets(context.Background(), "orders", []int32{0}, ListOffsets.Newest)
	if !kcli.HasCode(err, kcli.ERR_NOT_LEADER_FOR_PARTITION) {
		t.Fatal(err)
	}
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "metadata refresh failed" && e.Data["topic"] == "orders" {
			return
		}
	}
	t.Fatal("refresh failure was not logged")
}
