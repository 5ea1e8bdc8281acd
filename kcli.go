/*
Package kcli is a small Kafka 2.x client engine with mutual TLS support, and
the command line tool built on top of it. It has no dependency on any other
Kafka client library: requests and responses are marshaled by the wire and api
packages, connections are owned by the transport and client packages.


Project Scope

Non transactional production and group consumption of a bootstrap-discovered
cluster. No idempotent producer, no admin calls, a single pluggable compression
codec (gzip) besides "none".


Layout

	wire, api/...          request and response marshaling
	varint, record, batch  record batch v2 building and parsing
	compression            Nop and Gzip codecs
	transport              framed TCP connection, optionally wrapped in mTLS
	client                 connection pool, metadata cache, group coordinator client
	fetcher                multi partition fetch calls
	producer               batching producer engine
	consumer               group consumer engine
	config, logging, menu  command line tool plumbing (see cmd/kcli)


Design Decisions

1. Focus on record batches. Produce and Fetch calls operate on sets of record
batches. Building and parsing of batches is separate from producing and
fetching.

2. Synchronous calls on a connection. Kafka allows pipelining requests on a
single connection; kcli does not. One request is in flight per connection at a
time which keeps failure handling simple: any error on a connection closes it
and the next call reconnects.

3. Wide use of reflection. API requests and responses are structs marshaled
with reflection. API calls are infrequent. Records inside batches, which are
frequent, are marshaled inline.

4. Shared state is immutable. Cluster metadata and the connection map are
replaced, never modified, so readers never observe a half updated view.
*/
package kcli

import "time"

const (
	// DefaultDialTimeout bounds tcp connect plus tls handshake.
	DefaultDialTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds a single request-response round trip.
	DefaultRequestTimeout = 30 * time.Second
	// MaxFrameBytes is the largest response frame kcli will read.
	MaxFrameBytes = 100 << 20
)

// Version of the command line tool.
const Version = "1.0.0"
