// kmd is the project agent runtime: one Knowledge Manager per project,
// started on demand, plus the CLI that manages it and the stdio MCP
// bridge agents connect through.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes; scripts depend on these.
const (
	exitOK            = 0
	exitError         = 1
	exitUsage         = 2
	exitNotRunning    = 3
	exitPortExhausted = 4
	exitIntegrity     = 5
)

type cliConfig struct {
	projectPath string
	jsonOutput  bool
}

// exitCodeError carries a specific process exit code up to main.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

func main() {
	cfg, command, args, err := parseArgs(os.Args[1:])
	if errors.Is(err, errShowUsage) {
		printUsage()
		if len(os.Args) == 1 {
			os.Exit(exitUsage)
		}
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "serve":
		err = runServe(ctx, cfg)
	case "status":
		err = runStatus(ctx, cfg, args)
	case "list":
		err = runList(ctx, cfg, args)
	case "start":
		err = runStart(ctx, cfg)
	case "stop":
		err = runStop(ctx, cfg)
	case "restart":
		if err = runStop(ctx, cfg); err == nil || isNotRunning(err) {
			err = runStart(ctx, cfg)
		}
	case "recover":
		err = runRecover(ctx, cfg)
	case "tail":
		err = runTail(ctx, cfg, args)
	case "bridge":
		err = runBridge(ctx, cfg)
	case "version":
		fmt.Printf("kmd %s (commit: %s, built: %s)\n", version, commit, date)
		return
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", command)
		printUsage()
		os.Exit(exitUsage)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		os.Exit(exitError)
	}
}

func isNotRunning(err error) bool {
	var ec *exitCodeError
	return errors.As(err, &ec) && ec.code == exitNotRunning
}

var errShowUsage = errors.New("show usage")

func parseArgs(args []string) (cliConfig, string, []string, error) {
	cfg := cliConfig{
		projectPath: os.Getenv("CLAUDE_PROJECT_PATH"),
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			break
		}
		switch arg {
		case "--help", "-h":
			return cfg, "", nil, errShowUsage
		case "--project", "-p":
			if idx+1 >= len(args) {
				return cfg, "", nil, fmt.Errorf("--project requires a value")
			}
			cfg.projectPath = args[idx+1]
			idx += 2
		case "--json":
			cfg.jsonOutput = true
			idx++
		default:
			return cfg, "", nil, fmt.Errorf("unknown flag: %s", arg)
		}
	}

	if idx >= len(args) {
		return cfg, "", nil, errShowUsage
	}

	return cfg, args[idx], args[idx+1:], nil
}

func printUsage() {
	fmt.Print(`Usage: kmd [--project <path>] [--json] <command>

Commands:
  start                  Start this project's KM in the background
  stop                   Stop this project's KM
  restart                Restart this project's KM
  status                 Show KM status and queue depths
  list --all             List every running KM in the port range
  serve                  Run the KM in the foreground
  recover                Verify the event log, seal on corruption and
                         requeue orphaned triggers
  tail [--follow] [--since <id>]
                         Print events; --follow streams live ones
  bridge                 Serve MCP on stdio, proxying to the local KM
  version                Print version
`)
}
