package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/transport"
)

var (
	ErrPoolClosed    = errors.New("connection pool closed")
	ErrUnknownBroker = errors.New("unknown broker node id")
)

// Broker is the endpoint of a broker as advertised in metadata.
type Broker struct {
	NodeID int32
	Host   string
	Port   int32
}

func (b Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

type brokers struct {
	byID       map[int32]Broker
	controller int32
}

// Pool keeps at most one connection per broker address. The connection map
// and the broker endpoints are immutable values replaced atomically; writers
// serialize on mu. Concurrent dials to one address collapse into one.
type Pool struct {
	bootstrap   []string
	tls         *tls.Config
	opts        transport.Options
	connMaxIdle time.Duration
	log         logrus.FieldLogger

	mu      sync.Mutex
	closed  bool
	conns   atomic.Pointer[map[string]*transport.Conn]
	brokers atomic.Pointer[brokers]
	dials   singleflight.Group
}

func newPool(bootstrap []string, tlsConfig *tls.Config, opts transport.Options, connMaxIdle time.Duration, log logrus.FieldLogger) *Pool {
	p := &Pool{
		bootstrap:   bootstrap,
		tls:         tlsConfig,
		opts:        opts,
		connMaxIdle: connMaxIdle,
		log:         log,
	}
	p.conns.Store(&map[string]*transport.Conn{})
	p.brokers.Store(&brokers{byID: map[int32]Broker{}, controller: -1})
	return p
}

func (p *Pool) usable(c *transport.Conn) bool {
	if c == nil || c.Closed() {
		return false
	}
	return p.connMaxIdle <= 0 || c.Idle() < p.connMaxIdle
}

func (p *Pool) cached(addr string) *transport.Conn {
	if c := (*p.conns.Load())[addr]; p.usable(c) {
		return c
	}
	return nil
}

func (p *Pool) store(addr string, c *transport.Conn) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		c.Close()
		return ErrPoolClosed
	}
	old := *p.conns.Load()
	next := make(map[string]*transport.Conn, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	if prev := next[addr]; prev != nil && prev != c {
		prev.Close()
	}
	next[addr] = c
	p.conns.Store(&next)
	return nil
}

func (p *Pool) connect(ctx context.Context, addr string) (*transport.Conn, error) {
	if c := p.cached(addr); c != nil {
		return c, nil
	}
	ch := p.dials.DoChan(addr, func() (interface{}, error) {
		if c := p.cached(addr); c != nil {
			return c, nil
		}
		shared, cancel := p.detach(ctx, 1)
		defer cancel()
		c, err := transport.Dial(shared, addr, p.tls, p.opts)
		if err != nil {
			return nil, err
		}
		if err := p.store(addr, c); err != nil {
			return nil, err
		}
		p.log.WithField("broker", addr).Debug("connection added to pool")
		return c, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*transport.Conn), nil
	}
}

// detach returns a context for work shared by several callers: it keeps the
// values of ctx but not its cancellation, and is bounded by n dial plus
// request timeouts instead.
func (p *Pool) detach(ctx context.Context, n int) (context.Context, context.CancelFunc) {
	dial, req := p.opts.DialTimeout, p.opts.RequestTimeout
	if dial <= 0 {
		dial = kcli.DefaultDialTimeout
	}
	if req <= 0 {
		req = kcli.DefaultRequestTimeout
	}
	return context.WithTimeout(context.WithoutCancel(ctx), time.Duration(n)*(dial+req))
}

// GetOrConnect returns the pooled connection to the broker with the node id,
// dialing if there is none or the pooled one was closed or idle too long.
func (p *Pool) GetOrConnect(ctx context.Context, nodeID int32) (*transport.Conn, error) {
	b, ok := p.brokers.Load().byID[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBroker, nodeID)
	}
	return p.connect(ctx, b.Addr())
}

// GetOrConnectEndpoint is GetOrConnect for an endpoint that may not be in
// metadata yet (group coordinators). The endpoint is remembered.
func (p *Pool) GetOrConnectEndpoint(ctx context.Context, b Broker) (*transport.Conn, error) {
	p.addBroker(b)
	return p.connect(ctx, b.Addr())
}

// Controller returns the controller broker from the last metadata response.
func (p *Pool) Controller() (Broker, bool) {
	bs := p.brokers.Load()
	b, ok := bs.byID[bs.controller]
	return b, ok
}

// Invalidate closes and forgets the connection to the broker.
func (p *Pool) Invalidate(nodeID int32) {
	b, ok := p.brokers.Load().byID[nodeID]
	if !ok {
		return
	}
	p.invalidateAddr(b.Addr())
}

func (p *Pool) invalidateAddr(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := *p.conns.Load()
	c, ok := old[addr]
	if !ok {
		return
	}
	c.Close()
	next := make(map[string]*transport.Conn, len(old))
	for k, v := range old {
		if k != addr {
			next[k] = v
		}
	}
	p.conns.Store(&next)
}

// Any returns a connection to some broker: a pooled one if there is one,
// else the first bootstrap endpoint that accepts a connection, else the first
// broker known from metadata. Fails with kcli.ErrAllBrokersDown.
func (p *Pool) Any(ctx context.Context) (*transport.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	for _, c := range *p.conns.Load() {
		if p.usable(c) {
			return c, nil
		}
	}
	var lastErr error
	tried := make(map[string]bool)
	try := func(addr string) *transport.Conn {
		if tried[addr] {
			return nil
		}
		tried[addr] = true
		c, err := p.connect(ctx, addr)
		if err != nil {
			p.log.WithError(err).WithField("broker", addr).Debug("broker unavailable")
			lastErr = err
			return nil
		}
		return c
	}
	for _, addr := range p.bootstrap {
		if c := try(addr); c != nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	for _, b := range p.Brokers() {
		if c := try(b.Addr()); c != nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		return nil, kcli.ErrAllBrokersDown
	}
	return nil, fmt.Errorf("%w: %w", kcli.ErrAllBrokersDown, lastErr)
}

// Brokers known from metadata, in node id order.
func (p *Pool) Brokers() []Broker {
	bs := p.brokers.Load()
	out := make([]Broker, 0, len(bs.byID))
	for _, b := range bs.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// setBrokers merges endpoints from a metadata response. Endpoints are
// overwritten, never removed.
func (p *Pool) setBrokers(update map[int32]Broker, controller int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.brokers.Load()
	next := &brokers{byID: make(map[int32]Broker, len(old.byID)+len(update)), controller: controller}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	for k, v := range update {
		next.byID[k] = v
	}
	p.brokers.Store(next)
}

func (p *Pool) addBroker(b Broker) {
	if known, ok := p.brokers.Load().byID[b.NodeID]; ok && known == b {
		return
	}
	p.setBrokers(map[int32]Broker{b.NodeID: b}, p.brokers.Load().controller)
}

// Close all connections. The pool can't be used after Close.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, c := range *p.conns.Load() {
		c.Close()
	}
	p.conns.Store(&map[string]*transport.Conn{})
	return nil
}
