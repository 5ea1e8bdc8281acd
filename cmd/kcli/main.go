// Command kcli produces test messages to, or consumes messages from, a Kafka
// topic over mutual TLS. Run without arguments it shows an interactive menu.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kcli-dev/kcli"
	"github.com/kcli-dev/kcli/client"
	"github.com/kcli-dev/kcli/config"
	"github.com/kcli-dev/kcli/logging"
	"github.com/kcli-dev/kcli/menu"
)

const (
	cmdProduce = "produce"
	cmdConsume = "consume"
)

var errUsage = errors.New("usage error")

// command is one parsed invocation.
type command struct {
	name        string
	configFile  string
	count       int
	countSet    bool
	verbose     bool
	interactive bool
}

type env struct {
	stdin  *os.File
	stdout io.Writer
	dir    string // searched for *.ini files in menu mode
	now    func() time.Time
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[0], os.Args[1:], &env{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		dir:    ".",
		now:    time.Now,
	})
	stop()
	os.Exit(code)
}

func usage(w io.Writer, program string) {
	program = filepath.Base(program)
	fmt.Fprintf(w, "Usage: %s [options] <command>\n\n", program)
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  %-10s Run as producer\n", cmdProduce)
	fmt.Fprintf(w, "  %-10s Run as consumer\n", cmdConsume)
	fmt.Fprintf(w, "\nOptions:\n")
	fmt.Fprintf(w, "  -c <file>  Configuration file (default: %s)\n", config.DefaultFile)
	fmt.Fprintf(w, "  -m <num>   Number of messages to produce/consume (default: from config)\n")
	fmt.Fprintf(w, "  -v         Enable verbose logging\n")
	fmt.Fprintf(w, "  -V         Show version\n")
	fmt.Fprintf(w, "  -h         Show this help\n")
	fmt.Fprintf(w, "\nTUI Mode:\n")
	fmt.Fprintf(w, "  Run without arguments to launch interactive menu\n")
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  %s                          # Launch interactive menu\n", program)
	fmt.Fprintf(w, "  %s -c prod.ini produce      # Produce using prod.ini\n", program)
	fmt.Fprintf(w, "  %s -m 100 consume           # Consume 100 messages\n", program)
}

func version(w io.Writer) {
	fmt.Fprintf(w, "Kafka CLI Tool v%s\n", kcli.Version)
}

// parseArgs accepts options before and after the command. done is set when
// help or version was printed.
func parseArgs(program string, args []string, out io.Writer) (cmd *command, done bool, err error) {
	cmd = &command{configFile: config.DefaultFile}
	fs := flag.NewFlagSet(program, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cmd.configFile, "c", cmd.configFile, "configuration file")
	fs.IntVar(&cmd.count, "m", 0, "number of messages")
	fs.BoolVar(&cmd.verbose, "v", false, "verbose logging")
	showVersion := fs.Bool("V", false, "show version")
	help := fs.Bool("h", false, "show help")
	for {
		if err := fs.Parse(args); err != nil {
			return nil, false, fmt.Errorf("%w: %w", errUsage, err)
		}
		if fs.NArg() == 0 {
			break
		}
		switch arg := fs.Arg(0); arg {
		case cmdProduce, cmdConsume:
			if cmd.name != "" && cmd.name != arg {
				return nil, false, fmt.Errorf("%w: both %s and %s given", errUsage, cmd.name, arg)
			}
			cmd.name = arg
		default:
			return nil, false, fmt.Errorf("%w: unknown command %q", errUsage, arg)
		}
		args = fs.Args()[1:]
	}
	if *help {
		usage(out, program)
		return nil, true, nil
	}
	if *showVersion {
		version(out)
		return nil, true, nil
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "m" {
			cmd.countSet = true
		}
	})
	if cmd.countSet && cmd.count < 0 {
		return nil, false, fmt.Errorf("%w: -m must not be negative", errUsage)
	}
	if cmd.name == "" {
		return nil, false, fmt.Errorf("%w: no command", errUsage)
	}
	return cmd, false, nil
}

// interactive runs the menu with the terminal in raw mode.
func interactive(e *env) (*command, bool, error) {
	restore, err := menu.Raw(e.stdin)
	if err != nil {
		return nil, false, err
	}
	file, mode, ok, err := menu.New(e.stdin, e.stdout).Choose(e.dir)
	restore()
	if err != nil || !ok {
		return nil, false, err
	}
	cmd := &command{configFile: file, interactive: true, name: cmdProduce}
	if mode == menu.Consume {
		cmd.name = cmdConsume
	}
	return cmd, true, nil
}

func run(ctx context.Context, program string, args []string, e *env) int {
	var cmd *command
	if len(args) == 0 {
		c, ok, err := interactive(e)
		if err != nil {
			fmt.Fprintf(e.stdout, "menu error: %v\n", err)
			return 1
		}
		if !ok {
			return 0
		}
		cmd = c
	} else {
		c, done, err := parseArgs(program, args, e.stdout)
		if done {
			return 0
		}
		if err != nil {
			fmt.Fprintf(e.stdout, "%v\n\n", err)
			usage(e.stdout, program)
			return 1
		}
		cmd = c
	}
	code := execute(ctx, cmd, e)
	if cmd.interactive {
		waitForKey(e)
	}
	return code
}

func waitForKey(e *env) {
	fmt.Fprintf(e.stdout, "\n========================================\n")
	fmt.Fprintf(e.stdout, "  Press any key to exit...\n")
	fmt.Fprintf(e.stdout, "========================================\n")
	restore, _ := menu.Raw(e.stdin)
	bufio.NewReader(e.stdin).ReadByte()
	restore()
}

// execute loads the configuration, sets up the run log file and runs the
// producer or consumer.
func execute(ctx context.Context, cmd *command, e *env) int {
	log := logging.New(e.stdout, cmd.verbose)
	version(e.stdout)
	cfg, err := config.Load(cmd.configFile, log)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}
	if cmd.verbose {
		cfg.Verbose = true
	}
	if cmd.countSet {
		cfg.MessageCount = cmd.count
	}
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	runFile, err := logging.OpenRunFile(cfg.LogDir, cfg.Topic, cmd.name, e.now())
	if err != nil {
		log.WithError(err).Warn("Failed to open log file, logging to console only")
	} else {
		log.SetOutput(logging.Tee(e.stdout, runFile))
		defer runFile.Close()
		log.Infof("Logging to file: %s", runFile.Path)
	}

	cfg.Log(log)
	if err := cfg.Validate(); err != nil {
		log.Error(err)
		return 1
	}

	opts, err := cfg.ClusterOptions(log)
	if err != nil {
		log.WithError(err).Error("Failed to configure mTLS")
		return 1
	}
	cluster, err := client.NewCluster(opts)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka client")
		return 1
	}
	defer cluster.Close()
	log.Infof("Connecting to brokers: %v", cfg.Brokers)
	if err := cluster.Bootstrap(ctx, []string{cfg.Topic}); err != nil {
		log.WithError(err).Error("Failed to connect to Kafka")
		return 1
	}

	switch cmd.name {
	case cmdProduce:
		err = produce(ctx, cluster, cfg, log)
	case cmdConsume:
		err = consume(ctx, cluster, cfg, log)
	}
	if err != nil {
		log.Error(err)
		return 1
	}
	log.Info("Application finished")
	return 0
}
