// Package menu implements the interactive front end used when the tool is
// started without arguments: a main menu to pick produce or consume, then a
// selector for the configuration file.
package menu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/kcli-dev/kcli"
)

type Mode int

const (
	Produce Mode = iota + 1
	Consume
	Exit
)

func (m Mode) String() string {
	switch m {
	case Produce:
		return "produce"
	case Consume:
		return "consume"
	case Exit:
		return "exit"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

const DefaultIniFile = "kafka_cli.ini"

var ErrCancelled = errors.New("selection cancelled")

const (
	reset       = "\033[0m"
	cyan        = "\033[36m"
	yellow      = "\033[33m"
	gray        = "\033[90m"
	clearScreen = "\033[2J\033[H"
)

type key int

const (
	keyOther key = iota
	keyUp
	keyDown
	keyEnter
	keyEsc
	keyInterrupt
	keyDigit
)

// Terminal reads keys from in and draws on out. Lines end with \r\n so the
// output renders the same in raw mode.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
}

func New(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// readKey decodes one key press. An ESC with nothing buffered after it is a
// lone escape; arrow keys arrive as a single ESC [ A|B write.
func (t *Terminal) readKey() (key, int, error) {
	b, err := t.in.ReadByte()
	if err != nil {
		return keyOther, 0, err
	}
	switch {
	case b == 0x1b:
		if t.in.Buffered() == 0 {
			return keyEsc, 0, nil
		}
		if next, _ := t.in.ReadByte(); next != '[' && next != 'O' {
			return keyEsc, 0, nil
		}
		switch c, _ := t.in.ReadByte(); c {
		case 'A':
			return keyUp, 0, nil
		case 'B':
			return keyDown, 0, nil
		}
		return keyOther, 0, nil
	case b == '\r' || b == '\n':
		return keyEnter, 0, nil
	case b == 0x03 || b == 0x04: // ctrl-c, ctrl-d
		return keyInterrupt, 0, nil
	case b >= '1' && b <= '9':
		return keyDigit, int(b - '0'), nil
	case b == 'k':
		return keyUp, 0, nil
	case b == 'j':
		return keyDown, 0, nil
	}
	return keyOther, 0, nil
}

func (t *Terminal) printf(format string, args ...interface{}) {
	fmt.Fprintf(t.out, format, args...)
}

func (t *Terminal) drawMain(options []string, selected int) {
	t.printf(clearScreen)
	t.printf("  +----------------------------------------------+\r\n")
	t.printf("  |%s        * KAFKA CLI TOOL v%-6s *           %s|\r\n", cyan, kcli.Version, reset)
	t.printf("  |%s          mTLS-secured Kafka Client           %s|\r\n", gray, reset)
	t.printf("  +----------------------------------------------+\r\n\r\n")
	for i, o := range options {
		if i == selected {
			t.printf("  %s > %s <%s\r\n\r\n", yellow, o, reset)
		} else {
			t.printf("     %s\r\n\r\n", o)
		}
	}
	t.printf("  %sUp/Down Navigate  ENTER Select  1/2/3 Quick Select%s\r\n", gray, reset)
}

// MainMenu shows the produce / consume / exit menu until a choice is made.
// Interrupt or end of input selects Exit.
func (t *Terminal) MainMenu() (Mode, error) {
	options := []string{"[>] PRODUCE MESSAGES", "[<] CONSUME MESSAGES", "[X] EXIT"}
	selected := 0
	for {
		t.drawMain(options, selected)
		k, n, err := t.readKey()
		if errors.Is(err, io.EOF) {
			return Exit, nil
		}
		if err != nil {
			return Exit, err
		}
		switch k {
		case keyUp:
			selected = (selected + len(options) - 1) % len(options)
		case keyDown:
			selected = (selected + 1) % len(options)
		case keyEnter:
			return Mode(selected + 1), nil
		case keyDigit:
			if n <= len(options) {
				return Mode(n), nil
			}
		case keyInterrupt:
			return Exit, nil
		}
	}
}

func (t *Terminal) drawFiles(files []string, selected int) {
	t.printf(clearScreen)
	t.printf("  %s[INI] SELECT CONFIGURATION FILE%s\r\n\r\n", cyan, reset)
	for i, f := range files {
		if i == selected {
			t.printf("  %s > %d. %s%s\r\n", yellow, i+1, f, reset)
		} else {
			t.printf("    %s%d.%s %s\r\n", gray, i+1, reset, f)
		}
	}
	t.printf("\r\n  %sUp/Down Navigate  ENTER Select  ESC Cancel%s\r\n", gray, reset)
}

// SelectIni lets the user pick one of files. It returns ErrCancelled on ESC,
// interrupt or end of input.
func (t *Terminal) SelectIni(files []string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("no files to select from")
	}
	selected := 0
	for {
		t.drawFiles(files, selected)
		k, n, err := t.readKey()
		if errors.Is(err, io.EOF) {
			return "", ErrCancelled
		}
		if err != nil {
			return "", err
		}
		switch k {
		case keyUp:
			selected = (selected + len(files) - 1) % len(files)
		case keyDown:
			selected = (selected + 1) % len(files)
		case keyEnter:
			return files[selected], nil
		case keyDigit:
			if n <= len(files) {
				return files[n-1], nil
			}
		case keyEsc, keyInterrupt:
			return "", ErrCancelled
		}
	}
}

// FindIniFiles returns the names of the *.ini files in dir, sorted.
func FindIniFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error listing %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".ini") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// Choose runs the whole interactive flow: the main menu, then the config file
// from dir. With no *.ini files the default name is returned, and with one
// file that file is used without asking. ok is false if the user exited or
// cancelled.
func (t *Terminal) Choose(dir string) (file string, mode Mode, ok bool, err error) {
	if mode, err = t.MainMenu(); err != nil || mode == Exit {
		t.printf(clearScreen+"\r\n  %sGoodbye!%s\r\n\r\n", cyan, reset)
		return "", mode, false, err
	}
	files, err := FindIniFiles(dir)
	if err != nil {
		return "", mode, false, err
	}
	switch len(files) {
	case 0:
		t.printf(clearScreen+"\r\n  %s! No .ini files found. Using default: %s%s\r\n\r\n", yellow, DefaultIniFile, reset)
		return filepath.Join(dir, DefaultIniFile), mode, true, nil
	case 1:
		return filepath.Join(dir, files[0]), mode, true, nil
	}
	file, err = t.SelectIni(files)
	if errors.Is(err, ErrCancelled) {
		t.printf(clearScreen)
		return "", mode, false, nil
	}
	if err != nil {
		return "", mode, false, err
	}
	t.printf(clearScreen)
	return filepath.Join(dir, file), mode, true, nil
}

// Raw puts f in raw mode if it is a terminal. The returned func restores the
// previous state and is safe to call when f is not a terminal.
func Raw(f *os.File) (restore func(), err error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, fmt.Errorf("error setting terminal raw mode: %w", err)
	}
	return func() { term.Restore(fd, state) }, nil
}
