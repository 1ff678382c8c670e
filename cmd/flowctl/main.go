package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"
	"golang.org/x/term"

	"github.com/teslamotors/ble-flowcontrol/internal/log"
	"github.com/teslamotors/ble-flowcontrol/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * Connect with -address, or -name to scan for an advertising peripheral.
 * Use -sim to run against an in-memory receiver that answers every chunk with the ready token.
 * Without a COMMAND, flowctl reads commands from standard input.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(s *session, args []string, cfg appConfig) int {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout)
	defer cancel()

	if err := execute(ctx, s, args); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeErr("Timed out after %s", cfg.CommandTimeout)
		} else if protocol.Temporary(err) {
			writeErr("Failed to execute command (try again): %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(s *session, in io.Reader, cfg appConfig) int {
	prompt := func() {}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prompt = func() { s.printf("> ") }
	}
	scanner := bufio.NewScanner(in)
	for prompt(); scanner.Scan(); prompt() {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			printHelp(s.out, args[1:])
			continue
		}
		runCommand(s, args, cfg)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func printHelp(w io.Writer, args []string) bool {
	if len(args) == 0 {
		Usage()
		return true
	}
	info, ok := commands[args[0]]
	if !ok {
		writeErr("Unrecognized command: %s", args[0])
		return false
	}
	info.Usage(w, args[0])
	return true
}

func connect(ctx context.Context, cfg appConfig) (link, error) {
	if cfg.Simulate {
		log.Info("Using simulated receiver")
		return newSimLink(cfg), nil
	}
	return dialBLE(ctx, cfg)
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var flags commandLine
	flag.Usage = Usage
	flags.register(flag.CommandLine)
	flag.Parse()

	cfg, err := resolveConfig(flag.CommandLine, &flags, os.LookupEnv)
	log.SetLevel(cfg.LogLevel)

	args := flag.Args()
	if len(args) > 0 && args[0] == "help" {
		if printHelp(os.Stdout, args[1:]) {
			status = 0
		}
		return
	}
	if err != nil {
		writeErr("Invalid configuration: %s", err)
		return
	}
	if len(args) > 0 {
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	l, err := connect(ctx, cfg)
	if err != nil {
		writeErr("Error: %s", err)
		// Error isn't wrapped so we have to check for a substring explicitly.
		if strings.Contains(err.Error(), "operation not permitted") {
			// The underlying BLE package calls HCIDEVDOWN on the BLE device.
			writeErr("\nTry again after granting this application CAP_NET_ADMIN:\n\n\tsudo setcap 'cap_net_admin=eip' \"$(which %s)\"\n", os.Args[0])
		}
		return
	}

	// Scripts piped into the shell wait for each transfer, like one-shot commands.
	wait := len(args) > 0 || !term.IsTerminal(int(os.Stdin.Fd()))
	s, err := newSession(l, cfg.Flow, os.Stdout, wait)
	if err != nil {
		l.Close()
		writeErr("Error: %s", err)
		return
	}
	defer s.Close()

	if len(args) > 0 {
		status = runCommand(s, args, cfg)
	} else {
		status = runInteractiveShell(s, os.Stdin, cfg)
	}
}
