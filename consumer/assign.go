package consumer

import (
	"fmt"
	"sort"

	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/SyncGroup"
)

// Member of a group as seen by the group leader.
type Member struct {
	Id     string
	Topics []string
}

// Assignment maps topics to partitions.
type Assignment map[string][]int32

// RangeAssign implements the range assignor: for each topic the members
// subscribed to it are sorted by id and the sorted partitions are divided
// into contiguous ranges, the first n%m members getting one extra partition.
// The result depends only on the arguments. Members with nothing assigned
// are present with an empty assignment.
func RangeAssign(members []Member, partitions map[string][]int32) map[string]Assignment {
	out := make(map[string]Assignment, len(members))
	subscribers := make(map[string][]string)
	for _, m := range members {
		out[m.Id] = make(Assignment)
		for _, t := range m.Topics {
			subscribers[t] = append(subscribers[t], m.Id)
		}
	}
	for topic, ids := range subscribers {
		ids = dedupe(ids)
		ps := append([]int32(nil), partitions[topic]...)
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
		n, m := len(ps), len(ids)
		start := 0
		for i, id := range ids {
			count := n / m
			if i < n%m {
				count++
			}
			if count > 0 {
				out[id][topic] = ps[start : start+count]
			}
			start += count
		}
	}
	return out
}

func dedupe(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}

// members decodes the subscriptions sent by group members.
func members(joined []JoinGroup.Member) ([]Member, error) {
	out := make([]Member, 0, len(joined))
	for _, m := range joined {
		sub, err := JoinGroup.UnmarshalSubscription(m.Metadata)
		if err != nil {
			return nil, fmt.Errorf("error parsing subscription of member %s: %w", m.MemberId, err)
		}
		out = append(out, Member{Id: m.MemberId, Topics: sub.Topics})
	}
	return out, nil
}

// syncAssignments encodes assignments for the SyncGroup request. Members are
// in id order, topics in name order.
func syncAssignments(assignments map[string]Assignment) []SyncGroup.Assignment {
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]SyncGroup.Assignment, 0, len(ids))
	for _, id := range ids {
		a := &SyncGroup.MemberAssignment{Version: 0, Partitions: []SyncGroup.TopicPartitions{}}
		topics := make([]string, 0, len(assignments[id]))
		for t := range assignments[id] {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		for _, t := range topics {
			a.Partitions = append(a.Partitions, SyncGroup.TopicPartitions{Topic: t, Partitions: assignments[id][t]})
		}
		out = append(out, SyncGroup.Assignment{MemberId: id, Assignment: a.Marshal()})
	}
	return out
}
