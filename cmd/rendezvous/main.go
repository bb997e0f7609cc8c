// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rendezvous is the controller command line: it lists the agents
// registered with a broker, runs commands on one, and fetches files
// from it.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/rendezvous/controller"
	"github.com/bureau-foundation/rendezvous/lib/config"
	"github.com/bureau-foundation/rendezvous/lib/process"
	"github.com/bureau-foundation/rendezvous/lib/version"
	"github.com/bureau-foundation/rendezvous/transport"
)

const usage = `rendezvous - control agents through a rendezvous broker

USAGE
    rendezvous [flags] list
    rendezvous [flags] exec <agent-id> [command...]
    rendezvous [flags] fetch <agent-id> <path> [--output FILE]

With no command, exec reads one command per line from standard input,
prompting when standard input is a terminal.

FLAGS
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		process.Fatal(err)
	}
}

// cli carries what every subcommand needs.
type cli struct {
	broker  string
	timeout time.Duration
	logger  *slog.Logger
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var (
		broker      string
		timeout     time.Duration
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("rendezvous", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&broker, "broker", config.Default().Agent.Broker, "broker address")
	flagSet.DurationVar(&timeout, "timeout", 60*time.Second, "per-request timeout")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}
	// Global flags end at the subcommand so "exec ID ls -la" keeps -la.
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "rendezvous %s\n", version.Full())
		return nil
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	c := &cli{
		broker:  broker,
		timeout: timeout,
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
			Level: logLevel,
		})),
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "list":
		if len(rest) != 1 {
			return fmt.Errorf("list takes no arguments")
		}
		return c.list(ctx)
	case "exec":
		if len(rest) < 2 {
			return fmt.Errorf("usage: rendezvous exec <agent-id> [command...]")
		}
		return c.exec(ctx, rest[1], rest[2:])
	case "fetch":
		return c.fetch(ctx, rest[1:])
	default:
		return fmt.Errorf("unknown command: %s", rest[0])
	}
}

func (c *cli) dial(ctx context.Context) (*controller.Client, error) {
	dialContext, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	client, err := controller.Dial(dialContext, &transport.TCPDialer{}, c.broker)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", c.broker, err)
	}
	c.logger.Debug("connected to broker", "broker", c.broker)
	return client, nil
}

// connect dials the broker and opens a session with agent id.
func (c *cli) connect(ctx context.Context, id string) (*controller.Client, error) {
	client, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	connectContext, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := client.Connect(connectContext, id); err != nil {
		client.Close()
		return nil, err
	}
	c.logger.Debug("session open", "agent_id", id)
	return client, nil
}

func (c *cli) list(ctx context.Context) error {
	client, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	requestContext, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	agents, err := client.ListAgents(requestContext)
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(c.stdout, "no agents registered")
		return nil
	}

	writer := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tUSER\tHOST")
	for _, agent := range agents {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", agent.ID, agent.Username, agent.Hostname)
	}
	return writer.Flush()
}

func (c *cli) exec(ctx context.Context, id string, command []string) error {
	client, err := c.connect(ctx, id)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(command) > 0 {
		return c.runCommand(ctx, client, strings.Join(command, " "))
	}

	prompt := ""
	if file, ok := c.stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		prompt = id + "> "
	}
	scanner := bufio.NewScanner(c.stdin)
	for {
		fmt.Fprint(c.stdout, prompt)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		err := c.runCommand(ctx, client, line)
		var remote *controller.RemoteError
		if errors.As(err, &remote) {
			// The session is still usable after a failed command.
			fmt.Fprintln(c.stderr, remote.Message)
			continue
		}
		if err != nil {
			return err
		}
	}
	if prompt != "" {
		fmt.Fprintln(c.stdout)
	}
	return scanner.Err()
}

func (c *cli) runCommand(ctx context.Context, client *controller.Client, text string) error {
	requestContext, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	output, err := client.Exec(requestContext, text)
	if err != nil {
		return err
	}
	fmt.Fprint(c.stdout, output)
	return nil
}

func (c *cli) fetch(ctx context.Context, args []string) error {
	var output string
	flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	flagSet.SetOutput(c.stderr)
	flagSet.StringVarP(&output, "output", "o", "", "file to write (default: the file's name in the current directory)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 2 {
		return fmt.Errorf("usage: rendezvous fetch <agent-id> <path> [--output FILE]")
	}
	id, path := flagSet.Arg(0), flagSet.Arg(1)

	client, err := c.connect(ctx, id)
	if err != nil {
		return err
	}
	defer client.Close()

	requestContext, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	name, data, err := client.FetchFile(requestContext, path)
	if err != nil {
		return err
	}

	if output == "" {
		output = localName(name)
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	fmt.Fprintf(c.stderr, "saved %d bytes to %s\n", len(data), output)
	return nil
}

// localName reduces an agent-supplied file name to a base name safe to
// create in the current directory. Both separators are stripped since
// the agent may run on either kind of system.
func localName(name string) string {
	if index := strings.LastIndexAny(name, `/\`); index >= 0 {
		name = name[index+1:]
	}
	name = filepath.Base(name)
	if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
		return "download"
	}
	return name
}
