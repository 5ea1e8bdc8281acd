package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli/logging"
	"github.com/kcli-dev/kcli/transport"
)

const (
	DefaultMetadataRefreshInterval = 5 * time.Minute
	bootstrapAttempts              = 3
)

var ErrNoBootstrap = errors.New("no bootstrap brokers")

type Options struct {
	Bootstrap []string    // host:port or srv names
	TLS       *tls.Config // nil for plaintext
	Transport transport.Options
	// ConnMaxIdle corresponds to connections.max.idle.ms broker setting.
	// Pooled connections idle longer than this are replaced before use
	// instead of failing on a connection the broker already closed. 0
	// disables the check.
	ConnMaxIdle             time.Duration
	MetadataRefreshInterval time.Duration // DefaultMetadataRefreshInterval if 0
	Logger                  logrus.FieldLogger
}

// Cluster is the context object shared by producers and consumers: the
// connection pool and the metadata cache. Close it when done.
type Cluster struct {
	Pool     *Pool
	Metadata *Metadata
	log      logrus.FieldLogger
	cancel   context.CancelFunc
}

func NewCluster(opts Options) (*Cluster, error) {
	bootstrap := ExpandBootstrap(opts.Bootstrap)
	if len(bootstrap) == 0 {
		return nil, ErrNoBootstrap
	}
	log := logging.OrDiscard(opts.Logger)
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = log
	}
	interval := opts.MetadataRefreshInterval
	if interval == 0 {
		interval = DefaultMetadataRefreshInterval
	}
	pool := newPool(bootstrap, opts.TLS, opts.Transport, opts.ConnMaxIdle, log)
	return &Cluster{
		Pool:     pool,
		Metadata: newMetadata(pool, interval, log),
		log:      log,
	}, nil
}

// Bootstrap loads metadata for topics (nil for all) from the bootstrap
// brokers, retrying with backoff, and starts periodic metadata refresh.
// Handshake failures are not retried.
func (c *Cluster) Bootstrap(ctx context.Context, topics []string) error {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true}
	var err error
	for i := 0; i < bootstrapAttempts; i++ {
		if _, err = c.Metadata.Refresh(ctx, topics); err == nil {
			break
		}
		if errors.Is(err, transport.ErrTLSHandshake) || ctx.Err() != nil {
			return err
		}
		if i == bootstrapAttempts-1 {
			break
		}
		d := b.Duration()
		c.log.WithError(err).WithField("retry_in", d).Warn("bootstrap failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	if err != nil {
		return fmt.Errorf("error bootstrapping cluster metadata: %w", err)
	}
	if c.cancel == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		go c.Metadata.Run(runCtx)
	}
	return nil
}

// Close stops metadata refresh and closes all connections.
func (c *Cluster) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return c.Pool.Close()
}
