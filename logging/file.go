package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SanitizeName replaces every character other than letters, digits, '-' and
// '_' with '_'.
func SanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// FileName is "<sanitized topic>_<mode>_<YYYYmmdd_HHMMSS>.log".
func FileName(topic, mode string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%s.log", SanitizeName(topic), mode, t.Format("20060102_150405"))
}

// RunFile is the log file of one producer or consumer run. It has a header
// naming the topic and mode and, once closed, a footer with the finish time.
type RunFile struct {
	f    *os.File
	Path string
	now  func() time.Time
}

// OpenRunFile creates dir if needed and the run log file inside it.
func OpenRunFile(dir, topic, mode string, now time.Time) (*RunFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating log directory: %w", err)
	}
	path := filepath.Join(dir, FileName(topic, mode, now))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening log file: %w", err)
	}
	fmt.Fprintf(f, "Kafka CLI Tool Log\n==================\nTopic: %s\nMode: %s\nStarted: %s\n==================\n\n",
		topic, mode, now.Format("20060102_150405"))
	return &RunFile{f: f, Path: path, now: time.Now}, nil
}

func (r *RunFile) Write(p []byte) (int, error) {
	return r.f.Write(p)
}

// Close writes the footer and closes the file.
func (r *RunFile) Close() error {
	fmt.Fprintf(r.f, "\n==================\nFinished: %s\n==================\n", r.now().Format(TimestampFormat))
	return r.f.Close()
}

// Tee returns a writer that writes to the console and to the run file. A
// failing file write does not stop console output.
func Tee(console io.Writer, file io.Writer) io.Writer {
	return &tee{console: console, file: file}
}

type tee struct {
	console io.Writer
	file    io.Writer
}

func (t *tee) Write(p []byte) (int, error) {
	if t.file != nil {
		t.file.Write(p)
	}
	return t.console.Write(p)
}
