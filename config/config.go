// Package config loads the command line tool configuration from an INI file.
// Keys are looked up in every section of the file, so a file may group them
// under any headings it likes. Values may reference environment variables
// (${VAR}), which keeps key passwords out of the file. Precedence is defaults,
// then the file, then command line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/compression"
	"github.com/kcli-dev/kcli/consumer"
	"github.com/kcli-dev/kcli/fetcher"
	"github.com/kcli-dev/kcli/logging"
	"github.com/kcli-dev/kcli/producer"
	"github.com/kcli-dev/kcli/transport"
)

const DefaultFile = "kafka_cli.ini"

const (
	ProtocolPlaintext = "PLAINTEXT"
	ProtocolSSL       = "SSL"
)

var ErrInvalid = errors.New("invalid configuration")

// FieldError names the configuration key that failed validation.
type FieldError struct {
	Key    string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalid, e.Key, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalid
}

func invalid(key, format string, args ...interface{}) error {
	return &FieldError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

type Config struct {
	Path string // file the config was loaded from, empty for defaults

	Brokers  []string
	Topic    string
	ClientId string

	SecurityProtocol       string
	SSLCALocation          string
	SSLCertificateLocation string
	SSLKeyLocation         string
	SSLKeyPassword         string
	SSLSkipVerify          bool

	ProducerBatchSize    int
	ProducerLinger       time.Duration
	ProducerAcks         int16
	ProducerRetries      int
	ProducerRetryBackoff time.Duration
	ProducerCompression  string

	ConsumerGroupId            string
	ConsumerAutoOffsetReset    string
	ConsumerSessionTimeout     time.Duration
	ConsumerHeartbeatInterval  time.Duration
	ConsumerEnableAutoCommit   bool
	ConsumerAutoCommitInterval time.Duration
	ConsumerFetchMaxWait       time.Duration
	ConsumerFetchMaxBytes      int32

	MetadataRefreshInterval time.Duration
	RequestTimeout          time.Duration
	DialTimeout             time.Duration

	Verbose      bool
	MessageCount int
	LogDir       string
}

func Default() *Config {
	return &Config{
		Brokers:                    []string{"localhost:9092"},
		Topic:                      "test-topic",
		ClientId:                   "kcli-" + uuid.NewString()[:8],
		SecurityProtocol:           ProtocolSSL,
		ProducerBatchSize:          producer.DefaultBatchSize,
		ProducerLinger:             producer.DefaultLinger,
		ProducerAcks:               1,
		ProducerRetries:            producer.DefaultRetries,
		ProducerRetryBackoff:       producer.DefaultRetryBackoff,
		ProducerCompression:        "none",
		ConsumerGroupId:            "kafka-cli-consumer",
		ConsumerAutoOffsetReset:    string(consumer.ResetEarliest),
		ConsumerSessionTimeout:     consumer.DefaultSessionTimeout,
		ConsumerHeartbeatInterval:  consumer.DefaultHeartbeatInterval,
		ConsumerEnableAutoCommit:   true,
		ConsumerAutoCommitInterval: consumer.DefaultAutoCommitInterval,
		ConsumerFetchMaxWait:       fetcher.DefaultMaxWait,
		ConsumerFetchMaxBytes:      1 << 20,
		MetadataRefreshInterval:    client.DefaultMetadataRefreshInterval,
		RequestTimeout:             kcli.DefaultRequestTimeout,
		DialTimeout:                kcli.DefaultDialTimeout,
		MessageCount:               10,
		LogDir:                     "logs",
	}
}

// Load returns the defaults overridden by the keys in the file at path. A
// missing file is not an error: it is logged and the defaults are returned.
// Values that don't parse are reported as *FieldError.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	log = logging.OrDiscard(log)
	c := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Warnf("Cannot open config file '%s', using defaults", path)
		return c, nil
	}
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:              true,
		SpaceBeforeInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("error loading config file %s: %w", path, err)
	}
	f.ValueMapper = os.ExpandEnv
	log.Infof("Loading configuration from: %s", path)
	keys := make(map[string]*ini.Key)
	for _, s := range f.Sections() {
		for _, k := range s.Keys() {
			keys[k.Name()] = k
		}
	}
	if err := c.apply(keys, log); err != nil {
		return nil, err
	}
	c.Path = path
	return c, nil
}

func (c *Config) apply(keys map[string]*ini.Key, log logrus.FieldLogger) error {
	var err error
	str := func(name string, dst *string) {
		if k, ok := keys[name]; ok {
			*dst = strings.TrimSpace(k.String())
		}
	}
	boolean := func(name string, dst *bool) {
		k, ok := keys[name]
		if !ok || err != nil {
			return
		}
		v, perr := k.Bool()
		if perr != nil {
			err = invalid(name, "not a boolean: %q", k.String())
			return
		}
		*dst = v
	}
	integer := func(name string, dst *int) {
		k, ok := keys[name]
		if !ok || err != nil {
			return
		}
		v, perr := k.Int()
		if perr != nil {
			err = invalid(name, "not an integer: %q", k.String())
			return
		}
		*dst = v
	}
	millis := func(name string, dst *time.Duration) {
		ms := -1
		integer(name, &ms)
		if _, ok := keys[name]; ok && err == nil {
			if ms < 0 {
				err = invalid(name, "must not be negative")
				return
			}
			*dst = time.Duration(ms) * time.Millisecond
		}
	}

	var brokers string
	str("brokers", &brokers)
	if brokers != "" {
		c.Brokers = nil
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Brokers = append(c.Brokers, b)
			}
		}
	}
	str("topic", &c.Topic)
	str("client_id", &c.ClientId)
	str("security_protocol", &c.SecurityProtocol)
	c.SecurityProtocol = strings.ToUpper(c.SecurityProtocol)
	str("ssl_ca_location", &c.SSLCALocation)
	str("ssl_certificate_location", &c.SSLCertificateLocation)
	str("ssl_key_location", &c.SSLKeyLocation)
	str("ssl_key_password", &c.SSLKeyPassword)
	boolean("ssl_skip_certificate_verify", &c.SSLSkipVerify)

	integer("producer_batch_size", &c.ProducerBatchSize)
	millis("producer_linger_ms", &c.ProducerLinger)
	if k, ok := keys["producer_ack"]; ok && err == nil {
		switch v := strings.ToLower(strings.TrimSpace(k.String())); v {
		case "0":
			c.ProducerAcks = 0
		case "1":
			c.ProducerAcks = 1
		case "-1", "all":
			c.ProducerAcks = -1
		default:
			err = invalid("producer_ack", "must be 0, 1, -1 or all, got %q", v)
		}
	}
	integer("producer_retries", &c.ProducerRetries)
	millis("producer_retry_backoff_ms", &c.ProducerRetryBackoff)
	str("producer_compression", &c.ProducerCompression)

	str("consumer_group_id", &c.ConsumerGroupId)
	str("consumer_auto_offset_reset", &c.ConsumerAutoOffsetReset)
	c.ConsumerAutoOffsetReset = strings.ToLower(c.ConsumerAutoOffsetReset)
	millis("consumer_session_timeout_ms", &c.ConsumerSessionTimeout)
	millis("consumer_heartbeat_interval_ms", &c.ConsumerHeartbeatInterval)
	boolean("consumer_enable_auto_commit", &c.ConsumerEnableAutoCommit)
	millis("consumer_auto_commit_interval_ms", &c.ConsumerAutoCommitInterval)
	millis("consumer_fetch_max_wait_ms", &c.ConsumerFetchMaxWait)
	fetchMaxBytes := int(c.ConsumerFetchMaxBytes)
	integer("consumer_fetch_max_bytes", &fetchMaxBytes)
	c.ConsumerFetchMaxBytes = int32(fetchMaxBytes)

	millis("metadata_refresh_interval_ms", &c.MetadataRefreshInterval)
	millis("request_timeout_ms", &c.RequestTimeout)
	millis("dial_timeout_ms", &c.DialTimeout)

	boolean("verbose", &c.Verbose)
	integer("message_count", &c.MessageCount)
	str("log_dir", &c.LogDir)

	for name := range keys {
		if !known[name] {
			log.WithField("key", name).Warn("unknown configuration key ignored")
		}
	}
	return err
}

var known = map[string]bool{
	"brokers": true, "topic": true, "client_id": true, "security_protocol": true,
	"ssl_ca_location": true, "ssl_certificate_location": true, "ssl_key_location": true,
	"ssl_key_password": true, "ssl_skip_certificate_verify": true,
	"producer_batch_size": true, "producer_linger_ms": true, "producer_ack": true,
	"producer_retries": true, "producer_retry_backoff_ms": true, "producer_compression": true,
	"consumer_group_id": true, "consumer_auto_offset_reset": true,
	"consumer_session_timeout_ms": true, "consumer_heartbeat_interval_ms": true,
	"consumer_enable_auto_commit": true, "consumer_auto_commit_interval_ms": true,
	"consumer_fetch_max_wait_ms": true, "consumer_fetch_max_bytes": true,
	"metadata_refresh_interval_ms": true, "request_timeout_ms": true, "dial_timeout_ms": true,
	"verbose": true, "message_count": true, "log_dir": true,
}

// Validate checks the configuration before any network activity.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return invalid("brokers", "no brokers")
	}
	if c.Topic == "" {
		return invalid("topic", "empty topic")
	}
	switch c.SecurityProtocol {
	case ProtocolSSL:
		for _, f := range []struct{ key, value string }{
			{"ssl_ca_location", c.SSLCALocation},
			{"ssl_certificate_location", c.SSLCertificateLocation},
			{"ssl_key_location", c.SSLKeyLocation},
		} {
			if f.value == "" {
				return invalid(f.key, "mTLS is enabled but %s is not set", f.key)
			}
		}
	case ProtocolPlaintext:
	default:
		return invalid("security_protocol", "must be %s or %s, got %q", ProtocolPlaintext, ProtocolSSL, c.SecurityProtocol)
	}
	if c.ProducerBatchSize <= 0 {
		return invalid("producer_batch_size", "must be positive")
	}
	if c.ProducerRetries < 0 {
		return invalid("producer_retries", "must not be negative")
	}
	if _, err := compression.ForName(c.ProducerCompression); err != nil {
		return invalid("producer_compression", "must be none or gzip, got %q", c.ProducerCompression)
	}
	if c.ConsumerGroupId == "" {
		return invalid("consumer_group_id", "empty group id")
	}
	switch consumer.OffsetReset(c.ConsumerAutoOffsetReset) {
	case consumer.ResetEarliest, consumer.ResetLatest:
	default:
		return invalid("consumer_auto_offset_reset", "must be earliest or latest, got %q", c.ConsumerAutoOffsetReset)
	}
	if c.ConsumerSessionTimeout <= 0 {
		return invalid("consumer_session_timeout_ms", "must be positive")
	}
	if c.ConsumerHeartbeatInterval <= 0 || c.ConsumerHeartbeatInterval >= c.ConsumerSessionTimeout {
		return invalid("consumer_heartbeat_interval_ms", "must be positive and shorter than consumer_session_timeout_ms (%d)",
			c.ConsumerSessionTimeout.Milliseconds())
	}
	if c.ConsumerFetchMaxBytes <= 0 {
		return invalid("consumer_fetch_max_bytes", "must be positive")
	}
	if c.MessageCount < 0 {
		return invalid("message_count", "must not be negative")
	}
	return nil
}

func orNotSet(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}

// Log writes the configuration at CONFIG level. The key password is masked.
func (c *Config) Log(log logrus.FieldLogger) {
	l := logging.Config(log)
	password := "(not set)"
	if c.SSLKeyPassword != "" {
		password = "***"
	}
	l.Info("=== Configuration ===")
	l.Infof("Config File: %s", orNotSet(c.Path))
	l.Infof("Brokers: %s", strings.Join(c.Brokers, ","))
	l.Infof("Topic: %s", c.Topic)
	l.Infof("Client Id: %s", c.ClientId)
	l.Infof("Security Protocol: %s", c.SecurityProtocol)
	l.Infof("CA Location: %s", orNotSet(c.SSLCALocation))
	l.Infof("Certificate Location: %s", orNotSet(c.SSLCertificateLocation))
	l.Infof("Key Location: %s", orNotSet(c.SSLKeyLocation))
	l.Infof("Key Password: %s", password)
	l.Infof("Skip Certificate Verify: %t", c.SSLSkipVerify)
	l.Infof("Producer: batch_size=%d linger=%v acks=%d retries=%d retry_backoff=%v compression=%s",
		c.ProducerBatchSize, c.ProducerLinger, c.ProducerAcks, c.ProducerRetries, c.ProducerRetryBackoff, c.ProducerCompression)
	l.Infof("Consumer: group=%s auto_offset_reset=%s session_timeout=%v heartbeat=%v",
		c.ConsumerGroupId, c.ConsumerAutoOffsetReset, c.ConsumerSessionTimeout, c.ConsumerHeartbeatInterval)
	l.Infof("Auto Commit: %t (every %v)", c.ConsumerEnableAutoCommit, c.ConsumerAutoCommitInterval)
	l.Infof("Message Count: %d", c.MessageCount)
	l.Infof("Verbose: %t", c.Verbose)
	l.Info("=====================")
}

// TLSIdentity returns the mTLS identity, or nil for PLAINTEXT.
func (c *Config) TLSIdentity() *transport.TLSIdentity {
	if c.SecurityProtocol != ProtocolSSL {
		return nil
	}
	id := &transport.TLSIdentity{
		CAFile:      c.SSLCALocation,
		CertFile:    c.SSLCertificateLocation,
		KeyFile:     c.SSLKeyLocation,
		KeyPassword: c.SSLKeyPassword,
		Verify:      transport.VerifyStrict,
	}
	if c.SSLSkipVerify {
		id.Verify = transport.VerifySkip
	}
	return id
}

// ClusterOptions loads the TLS identity, if any, and returns the options of
// the shared client.Cluster.
func (c *Config) ClusterOptions(log logrus.FieldLogger) (client.Options, error) {
	log = logging.OrDiscard(log)
	opts := client.Options{
		Bootstrap: c.Brokers,
		Transport: transport.Options{
			ClientId:       c.ClientId,
			DialTimeout:    c.DialTimeout,
			RequestTimeout: c.RequestTimeout,
			Logger:         log,
		},
		MetadataRefreshInterval: c.MetadataRefreshInterval,
		Logger:                  log,
	}
	if id := c.TLSIdentity(); id != nil {
		log.Info("Configuring mTLS authentication...")
		cfg, err := id.Config(log)
		if err != nil {
			return opts, err
		}
		opts.TLS = cfg
		log.Infof("CA certificate configured: %s", id.CAFile)
		log.Infof("Client certificate configured: %s", id.CertFile)
		log.Infof("Client key configured: %s", id.KeyFile)
		if id.KeyPassword != "" {
			log.Info("Key password configured")
		}
	}
	return opts, nil
}

func (c *Config) ProducerOptions(log logrus.FieldLogger) (producer.Options, error) {
	opts := producer.Options{
		Acks:         c.ProducerAcks,
		BatchSize:    c.ProducerBatchSize,
		Linger:       c.ProducerLinger,
		Retries:      c.ProducerRetries,
		RetryBackoff: c.ProducerRetryBackoff,
		Timeout:      c.RequestTimeout,
		Logger:       log,
	}
	if c.ProducerLinger == 0 {
		opts.Linger = -1
	}
	codec, err := compression.ForName(c.ProducerCompression)
	if err != nil {
		return opts, invalid("producer_compression", "%v", err)
	}
	if codec.Type() != compression.None {
		opts.Compressor = codec
	}
	return opts, nil
}

func (c *Config) ConsumerOptions(log logrus.FieldLogger) consumer.Options {
	return consumer.Options{
		GroupId:            c.ConsumerGroupId,
		Topics:             []string{c.Topic},
		SessionTimeout:     c.ConsumerSessionTimeout,
		HeartbeatInterval:  c.ConsumerHeartbeatInterval,
		AutoOffsetReset:    consumer.OffsetReset(c.ConsumerAutoOffsetReset),
		EnableAutoCommit:   c.ConsumerEnableAutoCommit,
		AutoCommitInterval: c.ConsumerAutoCommitInterval,
		FetchMaxWait:       c.ConsumerFetchMaxWait,
		FetchMaxBytes:      c.ConsumerFetchMaxBytes,
		Logger:             log,
	}
}
