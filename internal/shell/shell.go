// Package shell is the operator command line of the harness. Every stage
// and stack operation is one command; output goes to a single writer shared
// with the scan reporter.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/chaz8081/bleframework/internal/ble"
	"github.com/chaz8081/bleframework/internal/ifa"
)

// ErrQuit is returned by Exec for the quit command.
var ErrQuit = errors.New("shell: quit")

// Options configures a shell.
type Options struct {
	Prompt      string
	HistoryFile string
	Logger      *slog.Logger
}

// DefaultOptions returns the interactive defaults.
func DefaultOptions() Options {
	return Options{Prompt: "ifa> "}
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// Shell dispatches operator commands to an attack context.
type Shell struct {
	attack *ifa.Context
	stack  ble.Stack
	opts   Options
	log    *slog.Logger

	mu  sync.Mutex // serializes writes to out
	out io.Writer

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	commands map[string]command
}

// New creates a shell that writes to out.
func New(c *ifa.Context, out io.Writer, opts Options) *Shell {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Prompt == "" {
		opts.Prompt = DefaultOptions().Prompt
	}
	s := &Shell{
		attack: c,
		stack:  c.Stack(),
		opts:   opts,
		log:    opts.Logger,
		out:    out,
	}
	s.commands = s.registry()
	return s
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) println(args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, args...)
}

// Exec runs one command line. Command errors are printed and returned.
func (s *Shell) Exec(ctx context.Context, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	name := strings.ToLower(parts[0])
	if name == "quit" || name == "exit" || name == "q" {
		s.StopScan()
		return ErrQuit
	}

	cmd, ok := s.commands[name]
	if !ok {
		err := fmt.Errorf("unknown command: %s (type 'help' for commands)", name)
		s.println(err)
		return err
	}
	s.log.Debug("[SHELL] command", "name", name, "args", parts[1:])
	if err := cmd.run(ctx, parts[1:]); err != nil {
		s.log.Debug("[SHELL] command failed", "name", name, "error", err)
		s.printf("Error: %v\n", err)
		return err
	}
	return nil
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          s.opts.Prompt,
		HistoryFile:     s.opts.HistoryFile,
		AutoComplete:    s.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("shell: create readline: %w", err)
	}
	defer rl.Close()

	s.mu.Lock()
	s.out = rl.Stdout()
	s.mu.Unlock()
	defer s.StopScan()

	s.printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if err != nil {
			s.println("Exiting...")
			return nil
		}
		if errors.Is(s.Exec(ctx, line), ErrQuit) {
			s.println("Exiting...")
			return nil
		}
	}
}

// Stdout returns a writer that prints through the shell, above the prompt
// while Run is active.
func (s *Shell) Stdout() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.out.Write(p)
	})
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (s *Shell) names() []string {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Shell) completer() readline.AutoCompleter {
	var items []readline.PrefixCompleterInterface
	for _, name := range s.names() {
		items = append(items, readline.PcItem(name))
	}
	items = append(items, readline.PcItem("quit"))
	return readline.NewPrefixCompleter(items...)
}

func (s *Shell) printHelp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, "Commands (addresses are XX:XX:XX:XX:XX:XX public|random):")
	for _, name := range s.names() {
		cmd := s.commands[name]
		fmt.Fprintf(s.out, "  %-40s %s\n", strings.TrimSpace(name+" "+cmd.usage), cmd.help)
	}
	fmt.Fprintf(s.out, "  %-40s %s\n", "quit", "Exit")
}
