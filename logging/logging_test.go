package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitFormatter(t *testing.T) {
	buf := new(bytes.Buffer)
	log := New(buf, false)
	log.WithField("partition", 3).Info("delivered")
	log.Warn("careful")
	log.Debug("hidden")
	Config(log).Info("Brokers: b1:9092")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^\[\d{4}-\d\d-\d\d \d\d:\d\d:\d\d\] \[INFO\] delivered partition=3$`, lines[0])
	assert.Contains(t, lines[1], "[WARNING] careful")
	assert.Contains(t, lines[2], "[CONFIG] Brokers: b1:9092")
	assert.NotContains(t, lines[2], "category")
}

func TestUnitVerbose(t *testing.T) {
	buf := new(bytes.Buffer)
	log := New(buf, true)
	log.WithField("value", "a b").Debug("shown")
	assert.Contains(t, buf.String(), `[DEBUG] shown value="a b"`)
}

func TestUnitSanitizeName(t *testing.T) {
	assert.Equal(t, "orders_v1-x", SanitizeName("orders.v1-x"))
	assert.Equal(t, "a_b_c", SanitizeName("a/b c"))
	ts := time.Date(2024, 3, 1, 14, 5, 9, 0, time.Local)
	assert.Equal(t, "my_topic_produce_20240301_140509.log", FileName("my.topic", "produce", ts))
}

func TestUnitRunFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	f, err := OpenRunFile(dir, "orders", "consume", time.Now())
	require.NoError(t, err)
	console := new(bytes.Buffer)
	log := New(Tee(console, f), false)
	log.Info("hello")
	require.NoError(t, f.Close())
	b, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	s := string(b)
	assert.True(t, strings.HasPrefix(s, "Kafka CLI Tool Log\n"))
	assert.Contains(t, s, "Topic: orders\nMode: consume\n")
	assert.Contains(t, s, "[INFO] hello")
	assert.Contains(t, s, "Finished: ")
	assert.Contains(t, console.String(), "[INFO] hello")
}

func TestUnitOrDiscard(t *testing.T) {
	assert.NotNil(t, OrDiscard(nil))
	l := logrus.New()
	assert.Equal(t, logrus.FieldLogger(l), OrDiscard(l))
}
