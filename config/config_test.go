package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcli-dev/kcli/compression"
	"github.com/kcli-dev/kcli/consumer"
	"github.com/kcli-dev/kcli/internal/kafkatest"
	"github.com/kcli-dev/kcli/logging"
	"github.com/kcli-dev/kcli/transport"
)

func writeIni(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestUnitLoadMissingFile(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(&buf, false)
	c, err := Load(filepath.Join(t.TempDir(), "nope.ini"), log)
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, c.Brokers)
	assert.Equal(t, "test-topic", c.Topic)
	assert.Equal(t, 10, c.MessageCount)
	assert.True(t, strings.HasPrefix(c.ClientId, "kcli-"))
	assert.Empty(t, c.Path)
	assert.Contains(t, buf.String(), "[WARNING] Cannot open config file")
}

func TestUnitLoad(t *testing.T) {
	t.Setenv("KCLI_TEST_PASSWORD", "hunter2")
	path := writeIni(t, `
; comment
# another comment
brokers = kafka-1:9093, kafka-2:9093 ,
topic = orders

[ssl]
security_protocol = ssl
ssl_ca_location = /etc/kafka/ca.pem
ssl_certificate_location = /etc/kafka/client.pem
ssl_key_location = /etc/kafka/client.key
ssl_key_password = ${KCLI_TEST_PASSWORD}
ssl_skip_certificate_verify = true

[producer]
producer_ack = all
producer_linger_ms = 20
producer_compression = gzip
producer_retries = 5

[consumer]
consumer_group_id = billing
consumer_auto_offset_reset = LATEST
consumer_enable_auto_commit = false
consumer_session_timeout_ms = 30000
consumer_heartbeat_interval_ms = 1000
message_count = 0
`)
	var buf bytes.Buffer
	c, err := Load(path, logging.New(&buf, false))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, path, c.Path)
	assert.Equal(t, []string{"kafka-1:9093", "kafka-2:9093"}, c.Brokers)
	assert.Equal(t, "orders", c.Topic)
	assert.Equal(t, ProtocolSSL, c.SecurityProtocol)
	assert.Equal(t, "hunter2", c.SSLKeyPassword)
	assert.True(t, c.SSLSkipVerify)
	assert.Equal(t, int16(-1), c.ProducerAcks)
	assert.Equal(t, 20*time.Millisecond, c.ProducerLinger)
	assert.Equal(t, "gzip", c.ProducerCompression)
	assert.Equal(t, 5, c.ProducerRetries)
	assert.Equal(t, "billing", c.ConsumerGroupId)
	assert.Equal(t, "latest", c.ConsumerAutoOffsetReset)
	assert.False(t, c.ConsumerEnableAutoCommit)
	assert.Equal(t, 30*time.Second, c.ConsumerSessionTimeout)
	assert.Equal(t, time.Second, c.ConsumerHeartbeatInterval)
	assert.Equal(t, 0, c.MessageCount)
	assert.Contains(t, buf.String(), "[INFO] Loading configuration from: "+path)
}

func TestUnitLoadUnknownKey(t *testing.T) {
	path := writeIni(t, "topic = orders\nbogus_key = 1\n")
	var buf bytes.Buffer
	c, err := Load(path, logging.New(&buf, false))
	require.NoError(t, err)
	assert.Equal(t, "orders", c.Topic)
	assert.Contains(t, buf.String(), "unknown configuration key ignored key=bogus_key")
}

func TestUnitLoadBadValues(t *testing.T) {
	tests := []struct {
		body string
		key  string
	}{
		{"producer_ack = 2", "producer_ack"},
		{"message_count = many", "message_count"},
		{"verbose = sometimes", "verbose"},
		{"producer_linger_ms = -5", "producer_linger_ms"},
	}
	for _, test := range tests {
		_, err := Load(writeIni(t, test.body), nil)
		var fe *FieldError
		require.ErrorAs(t, err, &fe, test.body)
		assert.Equal(t, test.key, fe.Key)
		assert.True(t, errors.Is(err, ErrInvalid))
	}
}

func validConfig() *Config {
	c := Default()
	c.SSLCALocation = "ca.pem"
	c.SSLCertificateLocation = "client.pem"
	c.SSLKeyLocation = "client.key"
	return c
}

func TestUnitValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())
	tests := []struct {
		mutate func(*Config)
		key    string
	}{
		{func(c *Config) { c.Brokers = nil }, "brokers"},
		{func(c *Config) { c.Topic = "" }, "topic"},
		{func(c *Config) { c.SSLCALocation = "" }, "ssl_ca_location"},
		{func(c *Config) { c.SSLCertificateLocation = "" }, "ssl_certificate_location"},
		{func(c *Config) { c.SSLKeyLocation = "" }, "ssl_key_location"},
		{func(c *Config) { c.SecurityProtocol = "SASL_SSL" }, "security_protocol"},
		{func(c *Config) { c.ProducerBatchSize = 0 }, "producer_batch_size"},
		{func(c *Config) { c.ProducerCompression = "snappy" }, "producer_compression"},
		{func(c *Config) { c.ConsumerAutoOffsetReset = "smallest" }, "consumer_auto_offset_reset"},
		{func(c *Config) { c.ConsumerHeartbeatInterval = c.ConsumerSessionTimeout }, "consumer_heartbeat_interval_ms"},
		{func(c *Config) { c.ConsumerGroupId = "" }, "consumer_group_id"},
	}
	for _, test := range tests {
		c := validConfig()
		test.mutate(c)
		err := c.Validate()
		var fe *FieldError
		require.ErrorAs(t, err, &fe, test.key)
		assert.Equal(t, test.key, fe.Key)
	}
	c := validConfig()
	c.SecurityProtocol = ProtocolPlaintext
	c.SSLCALocation = ""
	assert.NoError(t, c.Validate())
	assert.Nil(t, c.TLSIdentity())
}

func TestUnitValidateMessage(t *testing.T) {
	c := validConfig()
	c.SSLKeyLocation = ""
	assert.Contains(t, c.Validate().Error(), "mTLS is enabled but ssl_key_location is not set")
}

func TestUnitLogMasksPassword(t *testing.T) {
	c := validConfig()
	c.SSLKeyPassword = "hunter2"
	var buf bytes.Buffer
	c.Log(logging.New(&buf, false))
	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "[CONFIG] Key Password: ***")
	assert.Contains(t, out, "[CONFIG] === Configuration ===")
	assert.Contains(t, out, "[CONFIG] Config File: (not set)")

	buf.Reset()
	c.SSLKeyPassword = ""
	c.Log(logging.New(&buf, false))
	assert.Contains(t, buf.String(), "Key Password: (not set)")
}

func TestUnitProducerOptions(t *testing.T) {
	c := validConfig()
	opts, err := c.ProducerOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, opts.Compressor)
	assert.Equal(t, int16(1), opts.Acks)

	c.ProducerCompression = "gzip"
	c.ProducerLinger = 0
	opts, err = c.ProducerOptions(nil)
	require.NoError(t, err)
	require.NotNil(t, opts.Compressor)
	assert.Equal(t, int16(compression.Gzip), opts.Compressor.Type())
	assert.Negative(t, opts.Linger)
}

func TestUnitConsumerOptions(t *testing.T) {
	c := validConfig()
	c.Topic = "orders"
	c.ConsumerAutoOffsetReset = "latest"
	opts := c.ConsumerOptions(nil)
	assert.Equal(t, []string{"orders"}, opts.Topics)
	assert.Equal(t, consumer.ResetLatest, opts.AutoOffsetReset)
	assert.Equal(t, c.ConsumerGroupId, opts.GroupId)
}

func TestUnitClusterOptions(t *testing.T) {
	pki, err := kafkatest.NewPKI(t.TempDir())
	require.NoError(t, err)
	c := validConfig()
	c.SSLCALocation = pki.CAFile
	c.SSLCertificateLocation = pki.CertFile
	c.SSLKeyLocation = pki.PKCS8KeyFile
	c.SSLKeyPassword = kafkatest.KeyPassword
	var buf bytes.Buffer
	opts, err := c.ClusterOptions(logging.New(&buf, false))
	require.NoError(t, err)
	require.NotNil(t, opts.TLS)
	assert.Len(t, opts.TLS.Certificates, 1)
	assert.Equal(t, c.Brokers, opts.Bootstrap)
	assert.Contains(t, buf.String(), "Key password configured")

	c.SSLSkipVerify = true
	assert.Equal(t, transport.VerifySkip, c.TLSIdentity().Verify)
	c.SSLKeyPassword = "wrong"
	_, err = c.ClusterOptions(nil)
	assert.ErrorIs(t, err, transport.ErrKeyDecrypt)
}
