package menu

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	up   = "\x1b[A"
	down = "\x1b[B"
)

func TestUnitMainMenu(t *testing.T) {
	tests := []struct {
		input string
		mode  Mode
	}{
		{"\r", Produce},
		{"\n", Produce},
		{down + "\r", Consume},
		{down + down + "\r", Exit},
		{up + "\r", Exit},
		{down + down + down + "\r", Produce},
		{"2", Consume},
		{"x9" + "1", Produce},
		{"3", Exit},
		{"\x03", Exit},
		{"", Exit},
		{"jjk\r", Consume},
	}
	for _, test := range tests {
		var out bytes.Buffer
		m, err := New(strings.NewReader(test.input), &out).MainMenu()
		require.NoError(t, err)
		assert.Equal(t, test.mode, m, "%q", test.input)
		assert.Contains(t, out.String(), "PRODUCE MESSAGES")
	}
}

func TestUnitSelectIni(t *testing.T) {
	files := []string{"a.ini", "b.ini", "c.ini"}
	tests := []struct {
		input string
		file  string
		err   error
	}{
		{"\r", "a.ini", nil},
		{down + down + "\r", "c.ini", nil},
		{up + "\r", "c.ini", nil},
		{"2", "b.ini", nil},
		{"7" + "3", "c.ini", nil},
		{"\x1b", "", ErrCancelled},
		{down + "\x1b", "", ErrCancelled},
		{"", "", ErrCancelled},
	}
	for _, test := range tests {
		var out bytes.Buffer
		f, err := New(strings.NewReader(test.input), &out).SelectIni(files)
		assert.ErrorIs(t, err, test.err, "%q", test.input)
		if test.err == nil {
			assert.NoError(t, err)
		}
		assert.Equal(t, test.file, f, "%q", test.input)
	}
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o600))
	}
}

func TestUnitFindIniFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "z.ini", "a.INI", "notes.txt", "ini")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "d.ini"), 0o700))
	files, err := FindIniFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.INI", "z.ini"}, files)
}

func TestUnitChoose(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	// no ini files
	f, m, ok, err := New(strings.NewReader("1"), &out).Choose(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Produce, m)
	assert.Equal(t, filepath.Join(dir, DefaultIniFile), f)
	assert.Contains(t, out.String(), "No .ini files found")
	// one file is used without asking
	touch(t, dir, "prod.ini")
	f, m, ok, err = New(strings.NewReader("2"), &out).Choose(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Consume, m)
	assert.Equal(t, filepath.Join(dir, "prod.ini"), f)
	// several files go through the selector
	touch(t, dir, "dev.ini")
	f, _, ok, err = New(strings.NewReader("1"+down+"\r"), &out).Choose(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "prod.ini"), f)
	// cancelled
	_, _, ok, err = New(strings.NewReader("1\x1b"), &out).Choose(dir)
	require.NoError(t, err)
	assert.False(t, ok)
	// exit
	out.Reset()
	_, m, ok, err = New(strings.NewReader("3"), &out).Choose(dir)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Exit, m)
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestUnitRawNotTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	require.NoError(t, err)
	defer f.Close()
	restore, err := Raw(f)
	require.NoError(t, err)
	restore()
}
