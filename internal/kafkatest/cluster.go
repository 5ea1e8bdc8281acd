// Package kafkatest runs an in-process fake Kafka cluster for tests. Brokers
// listen on loopback, optionally behind TLS, and speak the same wire codec as
// the client. The cluster keeps topic logs and consumer groups in memory,
// enforces partition leadership and group coordination, counts requests per
// api, and can inject broker error codes and response delays.
package kafkatest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"hash/fnv"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/record"
)

type Option func(*Cluster)

// WithTLS serves every broker behind TLS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(c *Cluster) { c.tls = cfg }
}

// WithProduceMaxVersion makes brokers advertise an older produce api.
func WithProduceMaxVersion(v int16) Option {
	return func(c *Cluster) { c.produceMaxVersion = v }
}

// WithJoinDelay is how long a group waits for known members to rejoin before
// completing a rebalance without them.
func WithJoinDelay(d time.Duration) Option {
	return func(c *Cluster) { c.joinDelay = d }
}

// Record is a record as stored in a partition log.
type Record struct {
	Offset    int64
	Timestamp int64 // ms
	Key       []byte
	Value     []byte
	Headers   []record.Header
}

type partition struct {
	leader  int32
	records []Record
}

type broker struct {
	id      int32
	ln      net.Listener
	host    string
	port    int32
	conns   map[net.Conn]struct{}
	stopped bool
}

func (b *broker) addr() string {
	return net.JoinHostPort(b.host, strconv.Itoa(int(b.port)))
}

type Cluster struct {
	mu                sync.Mutex
	changed           chan struct{}
	brokers           []*broker
	topics            map[string][]*partition
	groups            map[string]*group
	requests          map[int16]int
	injected          map[int16][]int16
	delays            map[int16]time.Duration
	tls               *tls.Config
	produceMaxVersion int16
	joinDelay         time.Duration
	wg                sync.WaitGroup
}

// New starts a cluster of n brokers with node ids 1..n.
func New(n int, opts ...Option) (*Cluster, error) {
	c := &Cluster{
		changed:           make(chan struct{}),
		topics:            make(map[string][]*partition),
		groups:            make(map[string]*group),
		requests:          make(map[int16]int),
		injected:          make(map[int16][]int16),
		delays:            make(map[int16]time.Duration),
		produceMaxVersion: 7,
		joinDelay:         2 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	for i := 1; i <= n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			c.Close()
			return nil, err
		}
		if c.tls != nil {
			ln = tls.NewListener(ln, c.tls)
		}
		a := ln.Addr().(*net.TCPAddr)
		b := &broker{
			id:    int32(i),
			ln:    ln,
			host:  "127.0.0.1",
			port:  int32(a.Port),
			conns: make(map[net.Conn]struct{}),
		}
		c.brokers = append(c.brokers, b)
		c.wg.Add(1)
		go c.accept(b)
	}
	return c, nil
}

func (c *Cluster) accept(b *broker) {
	defer c.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		c.mu.Lock()
		if b.stopped {
			c.mu.Unlock()
			conn.Close()
			continue
		}
		b.conns[conn] = struct{}{}
		c.mu.Unlock()
		c.wg.Add(1)
		go c.serve(b, conn)
	}
}

func (c *Cluster) serve(b *broker, conn net.Conn) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(b.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	for {
		req, err := api.ReadRequest(r)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.requests[req.Header.ApiKey]++
		delay := c.delays[req.Header.ApiKey]
		stopped := b.stopped
		c.mu.Unlock()
		if stopped {
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		resp, err := c.handle(b, req)
		if err != nil {
			return
		}
		if resp == nil {
			continue // produce with acks=0
		}
		out, err := api.ResponseBytes(req.Header.CorrelationId, resp)
		if err != nil {
			return
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

// Close stops all brokers and waits for connection handlers to exit.
func (c *Cluster) Close() {
	c.mu.Lock()
	for _, b := range c.brokers {
		c.stopLocked(b)
	}
	c.notify()
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cluster) stopLocked(b *broker) {
	if b.stopped {
		return
	}
	b.stopped = true
	b.ln.Close()
	for conn := range b.conns {
		conn.Close()
	}
}

// Stop shuts down one broker. Metadata no longer lists it and partitions it
// leads become unavailable.
func (c *Cluster) Stop(nodeId int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.broker(nodeId); b != nil {
		c.stopLocked(b)
		c.notify()
	}
}

// notify wakes every handler waiting for a change. Called with c.mu held.
func (c *Cluster) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// wait releases c.mu until the next change or the deadline, whichever comes
// first. Called with c.mu held. Returns false on deadline.
func (c *Cluster) wait(deadline time.Time) bool {
	ch := c.changed
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	c.mu.Unlock()
	defer c.mu.Lock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

func (c *Cluster) broker(id int32) *broker {
	for _, b := range c.brokers {
		if b.id == id {
			return b
		}
	}
	return nil
}

// Addrs returns host:port of every running broker.
func (c *Cluster) Addrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addrs []string
	for _, b := range c.brokers {
		if !b.stopped {
			addrs = append(addrs, b.addr())
		}
	}
	return addrs
}

// Addr of the broker with the node id.
func (c *Cluster) Addr(nodeId int32) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broker(nodeId).addr()
}

// CreateTopic with partitions led round robin by the brokers.
func (c *Cluster) CreateTopic(name string, partitions int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ps []*partition
	for i := 0; i < partitions; i++ {
		ps = append(ps, &partition{leader: c.brokers[i%len(c.brokers)].id})
	}
	c.topics[name] = ps
	c.notify()
}

// SetLeader moves partition leadership. Clients with cached metadata get
// NOT_LEADER_FOR_PARTITION from the old leader.
func (c *Cluster) SetLeader(topic string, p int32, nodeId int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic][p].leader = nodeId
}

func (c *Cluster) Leader(topic string, p int32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics[topic][p].leader
}

// Produce appends records with the given values directly to the log.
func (c *Cluster) Produce(topic string, p int32, values ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	part := c.topics[topic][p]
	now := time.Now().UnixMilli()
	for _, v := range values {
		part.records = append(part.records, Record{
			Offset:    int64(len(part.records)),
			Timestamp: now,
			Value:     []byte(v),
		})
	}
	c.notify()
}

// Records returns a copy of the partition log.
func (c *Cluster) Records(topic string, p int32) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Record(nil), c.topics[topic][p].records...)
}

// Requests is the number of requests received for the api.
func (c *Cluster) Requests(apiKey int16) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[apiKey]
}

// InjectError makes the next times requests of the api fail with code.
// Partition level errors are used where the response has them.
func (c *Cluster) InjectError(apiKey int16, code int16, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < times; i++ {
		c.injected[apiKey] = append(c.injected[apiKey], code)
	}
}

// SetDelay delays every response of the api.
func (c *Cluster) SetDelay(apiKey int16, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays[apiKey] = d
}

func (c *Cluster) takeInjected(apiKey int16) int16 {
	q := c.injected[apiKey]
	if len(q) == 0 {
		return 0
	}
	c.injected[apiKey] = q[1:]
	return q[0]
}

// coordinator for the group, by hash of the group id.
func (c *Cluster) coordinator(groupId string) *broker {
	h := fnv.New32a()
	h.Write([]byte(groupId))
	return c.brokers[int(h.Sum32())%len(c.brokers)]
}

// Coordinator returns the node id coordinating the group.
func (c *Cluster) Coordinator(groupId string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.coordinator(groupId).id
}

// Committed returns the offset committed by the group, or -1.
func (c *Cluster) Committed(groupId, topic string, p int32) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupId]
	if g == nil {
		return -1
	}
	if o, ok := g.offsets[topic][p]; ok {
		return o
	}
	return -1
}

// Members returns the sorted member ids of the group's current generation.
func (c *Cluster) Members(groupId string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.groups[groupId]
	if g == nil {
		return nil
	}
	var ids []string
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Generation of the group, 0 if it never formed.
func (c *Cluster) Generation(groupId string) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g := c.groups[groupId]; g != nil {
		return g.generation
	}
	return 0
}

func (c *Cluster) String() string {
	return fmt.Sprintf("kafkatest.Cluster%v", c.Addrs())
}
