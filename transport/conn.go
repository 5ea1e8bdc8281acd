// Package transport owns a TCP connection to one broker, optionally wrapped in
// a mutual TLS session, and makes synchronous request-response calls over it.
// Any error on a connection closes it; callers reconnect by dialing again.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/api"
	"github.com/kcli-dev/kcli/api/ApiVersions"
	"github.com/kcli-dev/kcli/logging"
)

var (
	ErrResolve          = errors.New("error resolving broker address")
	ErrConnect          = errors.New("error connecting to broker")
	ErrConnectTimeout   = errors.New("timeout connecting to broker")
	ErrTLSHandshake     = errors.New("tls handshake with broker failed")
	ErrWrite            = errors.New("error writing to broker")
	ErrReadTimeout      = errors.New("timeout reading from broker")
	ErrConnectionClosed = errors.New("connection to broker closed")
)

type Options struct {
	ClientId       string
	DialTimeout    time.Duration // kcli.DefaultDialTimeout if 0
	RequestTimeout time.Duration // kcli.DefaultRequestTimeout if 0
	Logger         logrus.FieldLogger
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return kcli.DefaultDialTimeout
}

func (o *Options) requestTimeout() time.Duration {
	if o.RequestTimeout > 0 {
		return o.RequestTimeout
	}
	return kcli.DefaultRequestTimeout
}

// Conn is a connection to a single broker. Calls are serialized: one request
// is in flight at a time. Safe for concurrent use.
type Conn struct {
	mu            sync.Mutex
	conn          net.Conn
	r             *bufio.Reader
	w             *bufio.Writer
	addr          string
	opts          Options
	log           logrus.FieldLogger
	correlationId int32
	versions      *ApiVersions.Response
	opened        time.Time
	lastUsed      time.Time
	closed        bool
}

// Dial connects to addr (host:port). If tlsConfig is not nil the connection
// is wrapped in TLS and the handshake completes before Dial returns. Dial
// then asks the broker for the api versions it supports.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, opts Options) (*Conn, error) {
	log := logging.OrDiscard(opts.Logger).WithField("broker", addr)
	ctx, cancel := context.WithTimeout(ctx, opts.dialTimeout())
	defer cancel()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolve, addr, err)
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrResolve, addr, err)
	}
	var raw net.Conn
	dialer := &net.Dialer{}
	for _, ip := range ips {
		raw, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err == nil {
			break
		}
	}
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w %s: %w", ErrConnectTimeout, addr, err)
		}
		return nil, fmt.Errorf("%w %s: %w", ErrConnect, addr, err)
	}
	if tlsConfig != nil {
		cfg := tlsConfig
		if cfg.ServerName == "" {
			cfg = tlsConfig.Clone()
			cfg.ServerName = host
		}
		tc := tls.Client(raw, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("%w %s: %w", ErrTLSHandshake, addr, err)
		}
		raw = tc
	}
	now := time.Now().UTC()
	c := &Conn{
		conn:     raw,
		r:        bufio.NewReader(raw),
		w:        bufio.NewWriter(raw),
		addr:     addr,
		opts:     opts,
		log:      log,
		opened:   now,
		lastUsed: now,
	}
	versions := &ApiVersions.Response{}
	if err := c.Call(ctx, ApiVersions.NewRequest(), versions); err != nil {
		return nil, fmt.Errorf("error getting api versions from broker: %w", err)
	}
	if err := kcli.ErrorForCode(versions.ErrorCode); err != nil {
		c.Close()
		return nil, fmt.Errorf("error response for api versions call from broker: %w", err)
	}
	c.versions = versions
	log.WithField("tls", tlsConfig != nil).Debug("connected")
	return c, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

func (c *Conn) Addr() string {
	return c.addr
}

// Versions returns the api versions reported by the broker on connect.
func (c *Conn) Versions() *ApiVersions.Response {
	return c.versions
}

// Opened is the time the connection was established.
func (c *Conn) Opened() time.Time {
	return c.opened
}

// Idle returns how long ago the last call completed.
func (c *Conn) Idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsed)
}

// Closed is true once the connection was closed, explicitly or on error.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close the connection. If there is a request in progress blocks until the
// request completes (or fails).
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.close()
}

func (c *Conn) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// Send writes a complete frame.
func (c *Conn) Send(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(b, time.Now().Add(c.opts.requestTimeout()))
}

func (c *Conn) send(b []byte, deadline time.Time) error {
	if c.closed {
		return ErrConnectionClosed
	}
	c.conn.SetWriteDeadline(deadline)
	if _, err := c.w.Write(b); err != nil {
		c.close()
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := c.w.Flush(); err != nil {
		c.close()
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Receive reads one response frame, waiting at most maxWait.
func (c *Conn) Receive(maxWait time.Duration) (*api.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receive(time.Now().Add(maxWait))
}

func (c *Conn) receive(deadline time.Time) (*api.Response, error) {
	if c.closed {
		return nil, ErrConnectionClosed
	}
	c.conn.SetReadDeadline(deadline)
	resp, err := api.Read(c.r)
	if err == nil {
		return resp, nil
	}
	c.close()
	switch {
	case errors.Is(err, kcli.ErrCodec):
		return nil, err
	case isTimeout(err):
		return nil, fmt.Errorf("%w: %w", ErrReadTimeout, err)
	case isClosed(err):
		return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}

// Call sends req and reads the response into v. If v is nil no response is
// read (produce with acks=0). The correlation id and client id of req are set
// here. Cancelling ctx unblocks a call in progress; the connection is then
// closed. Any error closes the connection.
func (c *Conn) Call(ctx context.Context, req *api.Request, v interface{}) error {
	return c.CallTimeout(ctx, req, v, c.opts.requestTimeout())
}

// CallTimeout is Call with a request timeout other than the connection
// default, for calls the broker may hold open (JoinGroup).
func (c *Conn) CallTimeout(ctx context.Context, req *api.Request, v interface{}, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.correlationId++
	req.CorrelationId = c.correlationId
	req.ClientId = c.opts.ClientId
	if req.ApiKey == api.Produce && c.versions != nil && c.versions.MaxVersion(api.Produce) == 5 {
		req.ApiVersion = 5 // same layout, for brokers older than 2.1
	}
	b, err := req.Bytes()
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()
	err = c.roundTrip(b, req, v, deadline)
	c.lastUsed = time.Now().UTC()
	if err != nil {
		c.close()
		if ctx.Err() != nil {
			return fmt.Errorf("%s call to %s interrupted: %w", api.KeyName(req.ApiKey), c.addr, ctx.Err())
		}
		return fmt.Errorf("error making %s call to %s: %w", api.KeyName(req.ApiKey), c.addr, err)
	}
	return nil
}

func (c *Conn) roundTrip(b []byte, req *api.Request, v interface{}, deadline time.Time) error {
	if err := c.send(b, deadline); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	resp, err := c.receive(deadline)
	if err != nil {
		return err
	}
	if id := resp.CorrelationId(); id != req.CorrelationId {
		return fmt.Errorf("%w: correlation id %d, expected %d", kcli.ErrCodec, id, req.CorrelationId)
	}
	if err := resp.Unmarshal(v); err != nil {
		return fmt.Errorf("error unmarshaling %s response: %w", api.KeyName(req.ApiKey), err)
	}
	return nil
}
