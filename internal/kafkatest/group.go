package kafkatest

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/Heartbeat"
	"github.com/kcli-dev/kcli/api/JoinGroup"
	"github.com/kcli-dev/kcli/api/LeaveGroup"
	"github.com/kcli-dev/kcli/api/OffsetCommit"
	"github.com/kcli-dev/kcli/api/OffsetFetch"
	"github.com/kcli-dev/kcli/api/SyncGroup"
)

const (
	groupStable = iota
	groupJoining
	groupSyncing
)

type member struct {
	id       string
	protocol string
	metadata []byte
}

// group is the coordinator side state of a consumer group. A join round
// completes when every member of the current generation has rejoined, or when
// the join delay passes, in which case members that did not rejoin are
// dropped.
type group struct {
	generation   int32
	state        int
	leader       string
	members      map[string]*member
	pending      map[string]*member
	joinDeadline time.Time
	assignments  map[string][]byte
	offsets      map[string]map[int32]int64
}

func (c *Cluster) group(id string) *group {
	g := c.groups[id]
	if g == nil {
		g = &group{
			members: make(map[string]*member),
			offsets: make(map[string]map[int32]int64),
		}
		c.groups[id] = g
	}
	return g
}

func (c *Cluster) startRebalance(g *group) {
	g.state = groupJoining
	g.pending = make(map[string]*member)
	g.joinDeadline = time.Now().Add(c.joinDelay)
	c.notify()
}

func (g *group) rejoined() bool {
	for id := range g.members {
		if _, ok := g.pending[id]; !ok {
			return false
		}
	}
	return true
}

func (c *Cluster) completeJoin(g *group) {
	g.generation++
	g.members = g.pending
	g.pending = nil
	g.assignments = nil
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	g.leader = ""
	if len(ids) > 0 {
		g.leader = ids[0]
	}
	g.state = groupSyncing
	c.notify()
}

func (c *Cluster) joinGroup(b *broker, r *JoinGroup.Request) *JoinGroup.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &JoinGroup.Response{GenerationId: -1, Members: []JoinGroup.Member{}}
	if code := c.takeInjected(api.JoinGroup); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	if c.coordinator(r.GroupId) != b {
		resp.ErrorCode = kcli.ERR_NOT_COORDINATOR
		return resp
	}
	if len(r.Protocols) == 0 {
		resp.ErrorCode = kcli.ERR_INCONSISTENT_GROUP_PROTOCOL
		return resp
	}
	g := c.group(r.GroupId)
	id := r.MemberId
	if id != "" {
		_, known := g.members[id]
		_, joining := g.pending[id]
		if !known && !joining {
			resp.ErrorCode = kcli.ERR_UNKNOWN_MEMBER_ID
			return resp
		}
	} else {
		id = "kcli-" + uuid.NewString()
	}
	if g.state != groupJoining {
		c.startRebalance(g)
	}
	g.pending[id] = &member{id: id, protocol: r.Protocols[0].Name, metadata: r.Protocols[0].Metadata}
	gen := g.generation
	for g.state == groupJoining && g.generation == gen {
		if g.rejoined() || !time.Now().Before(g.joinDeadline) {
			c.completeJoin(g)
			break
		}
		c.wait(g.joinDeadline)
		if b.stopped {
			resp.ErrorCode = kcli.ERR_COORDINATOR_NOT_AVAILABLE
			return resp
		}
	}
	m, ok := g.members[id]
	if !ok {
		resp.ErrorCode = kcli.ERR_UNKNOWN_MEMBER_ID
		return resp
	}
	resp.GenerationId = g.generation
	resp.ProtocolName = m.protocol
	resp.LeaderId = g.leader
	resp.MemberId = id
	if id == g.leader {
		ids := make([]string, 0, len(g.members))
		for id := range g.members {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			resp.Members = append(resp.Members, JoinGroup.Member{MemberId: id, Metadata: g.members[id].metadata})
		}
	}
	return resp
}

// memberCode validates a request made by a group member.
func (c *Cluster) memberCode(b *broker, groupId, memberId string, generation int32) (*group, int16) {
	if c.coordinator(groupId) != b {
		return nil, kcli.ERR_NOT_COORDINATOR
	}
	g := c.groups[groupId]
	if g == nil {
		return nil, kcli.ERR_UNKNOWN_MEMBER_ID
	}
	if _, ok := g.members[memberId]; !ok {
		return g, kcli.ERR_UNKNOWN_MEMBER_ID
	}
	if generation != g.generation {
		return g, kcli.ERR_ILLEGAL_GENERATION
	}
	if g.state == groupJoining {
		return g, kcli.ERR_REBALANCE_IN_PROGRESS
	}
	return g, kcli.ERR_NONE
}

func (c *Cluster) syncGroup(b *broker, r *SyncGroup.Request) *SyncGroup.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &SyncGroup.Response{Assignment: []byte{}}
	if code := c.takeInjected(api.SyncGroup); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	g, code := c.memberCode(b, r.GroupId, r.MemberId, r.GenerationId)
	if code != kcli.ERR_NONE {
		resp.ErrorCode = code
		return resp
	}
	if r.MemberId == g.leader && g.state == groupSyncing {
		g.assignments = make(map[string][]byte)
		for _, a := range r.Assignments {
			g.assignments[a.MemberId] = a.Assignment
		}
		g.state = groupStable
		c.notify()
	}
	deadline := time.Now().Add(c.joinDelay + 10*time.Second)
	for g.state == groupSyncing && g.generation == r.GenerationId {
		if !c.wait(deadline) || b.stopped {
			break
		}
	}
	if g.state != groupStable || g.generation != r.GenerationId {
		resp.ErrorCode = kcli.ERR_REBALANCE_IN_PROGRESS
		return resp
	}
	if a := g.assignments[r.MemberId]; a != nil {
		resp.Assignment = a
	}
	return resp
}

func (c *Cluster) heartbeat(b *broker, r *Heartbeat.Request) *Heartbeat.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code := c.takeInjected(api.Heartbeat); code != 0 {
		return &Heartbeat.Response{ErrorCode: code}
	}
	_, code := c.memberCode(b, r.GroupId, r.MemberId, r.GenerationId)
	return &Heartbeat.Response{ErrorCode: code}
}

func (c *Cluster) leaveGroup(b *broker, r *LeaveGroup.Request) *LeaveGroup.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code := c.takeInjected(api.LeaveGroup); code != 0 {
		return &LeaveGroup.Response{ErrorCode: code}
	}
	if c.coordinator(r.GroupId) != b {
		return &LeaveGroup.Response{ErrorCode: kcli.ERR_NOT_COORDINATOR}
	}
	g := c.groups[r.GroupId]
	if g == nil {
		return &LeaveGroup.Response{ErrorCode: kcli.ERR_UNKNOWN_MEMBER_ID}
	}
	_, known := g.members[r.MemberId]
	_, joining := g.pending[r.MemberId]
	if !known && !joining {
		return &LeaveGroup.Response{ErrorCode: kcli.ERR_UNKNOWN_MEMBER_ID}
	}
	delete(g.members, r.MemberId)
	delete(g.pending, r.MemberId)
	switch {
	case len(g.members) == 0 && len(g.pending) == 0:
		g.state = groupStable
		g.leader = ""
		c.notify()
	case g.state != groupJoining:
		c.startRebalance(g)
	default:
		c.notify()
	}
	return &LeaveGroup.Response{}
}

func (c *Cluster) offsetCommit(b *broker, r *OffsetCommit.Request) *OffsetCommit.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	code := c.takeInjected(api.OffsetCommit)
	var g *group
	switch {
	case code != 0:
	case r.GenerationId == -1:
		if c.coordinator(r.GroupId) != b {
			code = kcli.ERR_NOT_COORDINATOR
		} else {
			g = c.group(r.GroupId)
		}
	default:
		g, code = c.memberCode(b, r.GroupId, r.MemberId, r.GenerationId)
	}
	resp := &OffsetCommit.Response{Topics: []OffsetCommit.TopicResponse{}}
	for _, t := range r.Topics {
		tr := OffsetCommit.TopicResponse{Name: t.Name, Partitions: []OffsetCommit.PartitionResponse{}}
		for _, p := range t.Partitions {
			pr := OffsetCommit.PartitionResponse{PartitionIndex: p.PartitionIndex, ErrorCode: code}
			if code == kcli.ERR_NONE {
				if g.offsets[t.Name] == nil {
					g.offsets[t.Name] = make(map[int32]int64)
				}
				g.offsets[t.Name][p.PartitionIndex] = p.CommittedOffset
			}
			tr.Partitions = append(tr.Partitions, pr)
		}
		resp.Topics = append(resp.Topics, tr)
	}
	return resp
}

func (c *Cluster) offsetFetch(b *broker, r *OffsetFetch.Request) *OffsetFetch.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := &OffsetFetch.Response{Topics: []OffsetFetch.TopicResponse{}}
	if code := c.takeInjected(api.OffsetFetch); code != 0 {
		resp.ErrorCode = code
		return resp
	}
	if c.coordinator(r.GroupId) != b {
		resp.ErrorCode = kcli.ERR_NOT_COORDINATOR
		return resp
	}
	g := c.group(r.GroupId)
	for _, t := range r.Topics {
		tr := OffsetFetch.TopicResponse{Name: t.Name, Partitions: []OffsetFetch.PartitionResponse{}}
		partitions := t.PartitionIndexes
		if partitions == nil {
			for p := range g.offsets[t.Name] {
				partitions = append(partitions, p)
			}
			sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		}
		for _, p := range partitions {
			offset, ok := g.offsets[t.Name][p]
			if !ok {
				offset = -1
			}
			tr.Partitions = append(tr.Partitions, OffsetFetch.PartitionResponse{PartitionIndex: p, CommittedOffset: offset})
		}
		resp.Topics = append(resp.Topics, tr)
	}
	return resp
}
