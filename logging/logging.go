// Package logging sets up the logrus logger used by the command line tool:
// the [time] [LEVEL] line format, the CONFIG pseudo level, and fan-out of
// every line to the console and to a per-run log file.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// CategoryKey tags entries with a category. Entries with category
	// "config" are rendered with the CONFIG label.
	CategoryKey    = "category"
	CategoryConfig = "config"

	TimestampFormat = "2006-01-02 15:04:05"
)

// Formatter renders "[2006-01-02 15:04:05] [LEVEL] message key=value ...".
// Fields are sorted by key.
type Formatter struct{}

func label(e *logrus.Entry) string {
	if c, ok := e.Data[CategoryKey]; ok && c == CategoryConfig {
		return "CONFIG"
	}
	switch e.Level {
	case logrus.WarnLevel:
		return "WARNING"
	case logrus.PanicLevel, logrus.FatalLevel:
		return "ERROR"
	case logrus.TraceLevel:
		return "DEBUG"
	}
	return strings.ToUpper(e.Level.String())
}

func (f *Formatter) Format(e *logrus.Entry) ([]byte, error) {
	b := e.Buffer
	if b == nil {
		b = new(bytes.Buffer)
	}
	fmt.Fprintf(b, "[%s] [%s] %s", e.Time.Format(TimestampFormat), label(e), e.Message)
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == CategoryKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(e.Data[k])
		if strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(b, " %s=%s", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// New returns a logger writing to out. Debug lines are written only when
// verbose is set.
func New(out io.Writer, verbose bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&Formatter{})
	log.SetLevel(logrus.InfoLevel)
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

// Config returns an entry logged at INFO level with the CONFIG label.
func Config(log logrus.FieldLogger) *logrus.Entry {
	return log.WithField(CategoryKey, CategoryConfig)
}

// Discard is a logger for library code created without one.
func Discard() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// OrDiscard returns log, or Discard() if log is nil.
func OrDiscard(log logrus.FieldLogger) logrus.FieldLogger {
	if log == nil {
		return Discard()
	}
	return log
}
