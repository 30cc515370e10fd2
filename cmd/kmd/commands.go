package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hexley-dev/kmd/internal/bridge"
	"github.com/hexley-dev/kmd/internal/config"
	"github.com/hexley-dev/kmd/internal/eventlog"
	"github.com/hexley-dev/kmd/internal/portlease"
	"github.com/hexley-dev/kmd/internal/project"
	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

const startWait = 10 * time.Second

// runStatus prints the KM's state. Exit codes: 0 running, 3 stopped or
// stale, 5 sealed event log.
func runStatus(ctx context.Context, cli cliConfig, args []string) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	allocator := portlease.New(paths, cfg.PortMin, cfg.PortMax, nil)
	lease, status, err := allocator.Current(ctx)
	if err != nil {
		return err
	}

	if eventlog.Sealed(paths.EventsDir()) {
		status = protocol.StatusIntegrityFail
	}

	if status == protocol.StatusRunning {
		var body map[string]any
		if err := getJSON(ctx, lease.Port, "/status", &body); err == nil {
			printResult(cli, body)
			if body["status"] == protocol.StatusIntegrityFail {
				return exitWith(exitIntegrity, fmt.Errorf("event log sealed"))
			}
			return nil
		}
		status = protocol.StatusStale
	}

	printResult(cli, map[string]any{
		"status":       status,
		"project_path": paths.Root,
		"port":         lease.Port,
		"pid":          lease.PID,
	})
	switch status {
	case protocol.StatusIntegrityFail:
		return exitWith(exitIntegrity, fmt.Errorf("event log sealed; run kmd recover"))
	default:
		return exitWith(exitNotRunning, fmt.Errorf("km is %s", status))
	}
}

// runList scans the port range and prints every responding KM.
func runList(ctx context.Context, cli cliConfig, args []string) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	found := make([]protocol.Health, 0)
	for port := cfg.PortMin; port <= cfg.PortMax; port++ {
		health, err := portlease.ProbeHealth(ctx, port, 300*time.Millisecond)
		if err != nil {
			continue
		}
		found = append(found, health)
		if !cli.jsonOutput {
			fmt.Printf("%-7d %-8s %s\n", port, health.Status, health.ProjectPath)
		}
	}
	if cli.jsonOutput {
		printResult(cli, found)
	} else if len(found) == 0 {
		fmt.Println("no running kms")
	}
	return nil
}

// runStart launches `kmd serve` detached and waits for it to answer.
func runStart(ctx context.Context, cli cliConfig) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	allocator := portlease.New(paths, cfg.PortMin, cfg.PortMax, nil)
	if lease, status, err := allocator.Current(ctx); err == nil && status == protocol.StatusRunning {
		fmt.Printf("km already running on port %d (pid %d)\n", lease.Port, lease.PID)
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}
	if err := paths.EnsureLayout(); err != nil {
		return err
	}

	logPath := filepath.Join(paths.StateDir(), "km.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()

	child := exec.Command(self, "--project", paths.Root, "serve")
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start km: %w", err)
	}
	_ = child.Process.Release()

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		lease, status, err := allocator.Current(ctx)
		if err == nil && status == protocol.StatusRunning {
			fmt.Printf("km started on port %d (pid %d)\n", lease.Port, lease.PID)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("km did not become healthy within %s; see %s", startWait, logPath)
}

// runStop terminates the KM recorded in the pid file.
func runStop(ctx context.Context, cli cliConfig) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(paths.PIDFile())
	if err != nil {
		return exitWith(exitNotRunning, fmt.Errorf("no km running for %s", paths.Root))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return exitWith(exitNotRunning, fmt.Errorf("invalid pid file for %s", paths.Root))
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return exitWith(exitNotRunning, fmt.Errorf("no km running for %s", paths.Root))
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return exitWith(exitNotRunning, fmt.Errorf("km (pid %d) already gone", pid))
	}

	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Printf("km stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("km (pid %d) did not stop within %s", pid, startWait)
}

// runRecover repairs a project while its KM is down: verifies the event
// log hash chain (sealing it on the first bad record), returns orphaned
// claimed triggers to pending and clears stale lease state.
func runRecover(ctx context.Context, cli cliConfig) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	allocator := portlease.New(paths, cfg.PortMin, cfg.PortMax, nil)
	if _, status, err := allocator.Current(ctx); err == nil && status == protocol.StatusRunning {
		return fmt.Errorf("km is running; stop it before recovering")
	}
	if reclaimed, err := allocator.Reclaim(ctx); err == nil && reclaimed {
		fmt.Println("cleared stale port lease")
	}

	logger, err := newLogger("info")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log, err := eventlog.Open(eventlog.Options{
		Path:       paths.EventLog(),
		ArchiveDir: paths.ArchiveDir(),
		LockPath:   filepath.Join(paths.EventsDir(), ".append.lock"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	badID, err := log.Verify(0, 0)
	if err != nil {
		return err
	}
	if badID != 0 {
		if err := log.Seal(badID); err != nil {
			return err
		}
		fmt.Printf("event log sealed at id %d; successor log started\n", badID)
	} else {
		fmt.Println("event log chain verified")
	}

	bus := triggerbus.New(paths.TriggersDir(), triggerbus.Config{}, log, logger)
	recovered, err := bus.RecoverOrphans()
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d orphaned trigger(s)\n", recovered)

	if dead, err := bus.DeadLetters(); err == nil && len(dead) > 0 {
		fmt.Printf("%d dead-lettered trigger(s) need attention\n", len(dead))
	}
	return nil
}

// runTail prints events after --since; --follow attaches to the live
// websocket stream afterwards.
func runTail(ctx context.Context, cli cliConfig, args []string) error {
	var (
		follow  bool
		sinceID int64
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--follow", "-f":
			follow = true
		case "--since":
			if i+1 >= len(args) {
				return fmt.Errorf("--since requires a value")
			}
			v, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad --since value %q", args[i+1])
			}
			sinceID = v
			i++
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	allocator := portlease.New(paths, cfg.PortMin, cfg.PortMax, nil)
	lease, status, err := allocator.Current(ctx)
	if err != nil {
		return err
	}

	if status == protocol.StatusRunning {
		if err := tailRemote(ctx, cli, lease.Port, sinceID, follow); err != nil {
			return err
		}
		return nil
	}
	if follow {
		return exitWith(exitNotRunning, fmt.Errorf("km is not running; --follow needs a live km"))
	}
	return tailLocal(cli, paths, sinceID)
}

func tailRemote(ctx context.Context, cli cliConfig, port int, sinceID int64, follow bool) error {
	params, _ := json.Marshal(map[string]any{"since_id": sinceID, "limit": 500})
	var result struct {
		Events []protocol.Event `json:"events"`
	}
	if err := callTool(ctx, port, "tail_events", params, &result); err != nil {
		return err
	}
	for _, evt := range result.Events {
		printEvent(cli, evt)
	}
	if !follow {
		return nil
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d/events/ws", port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("attach event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var evt protocol.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printEvent(cli, evt)
	}
}

// tailLocal reads the log directly while no KM is running.
func tailLocal(cli cliConfig, paths project.Paths, sinceID int64) error {
	logger, err := newLogger("warn")
	if err != nil {
		return err
	}
	log, err := eventlog.Open(eventlog.Options{
		Path:       paths.EventLog(),
		ArchiveDir: paths.ArchiveDir(),
		LockPath:   filepath.Join(paths.EventsDir(), ".append.lock"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	out, err := log.Tail(sinceID, 500)
	if err != nil {
		return err
	}
	for _, evt := range out {
		printEvent(cli, evt)
	}
	return nil
}

// runBridge serves MCP on stdio for the current project.
func runBridge(ctx context.Context, cli cliConfig) error {
	paths, err := resolveProject(cli)
	if err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigFile())
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout belongs to the MCP stream.
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	b := bridge.New(paths, cfg, version, logger)
	if err := b.Run(ctx); err != nil {
		if err == bridge.ErrNoLocalKM {
			return exitWith(exitNotRunning, err)
		}
		return err
	}
	return nil
}

func getJSON(ctx context.Context, port int, path string, into any) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d%s", port, path), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(into)
}

func callTool(ctx context.Context, port int, method string, params json.RawMessage, into any) error {
	payload, _ := json.Marshal(protocol.RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      json.RawMessage(`1`),
	})
	var resp protocol.RPCResponse
	if err := postJSON(ctx, port, "/mcp", payload, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}

func postJSON(ctx context.Context, port int, path string, body []byte, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://127.0.0.1:%d%s", port, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(into)
}

func printResult(cli cliConfig, v any) {
	if cli.jsonOutput {
		data, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(data))
		return
	}
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"status", "project_path", "port", "pid", "uptime_s", "next_event_id"} {
			if val, present := m[key]; present {
				fmt.Printf("%-14s %v\n", key, val)
			}
		}
		if triggers, ok := m["triggers"].(map[string]any); ok {
			for state, n := range triggers {
				fmt.Printf("triggers.%-5s %v\n", state, n)
			}
		}
		return
	}
	data, _ := json.Marshal(v)
	fmt.Println(string(data))
}

func printEvent(cli cliConfig, evt protocol.Event) {
	if cli.jsonOutput {
		data, _ := json.Marshal(evt)
		fmt.Println(string(data))
		return
	}
	ticket := ""
	if evt.TicketID != nil {
		ticket = " " + *evt.TicketID
	}
	fmt.Printf("%d %s %-20s %s/%s%s\n",
		evt.ID, evt.TSWall.Format(time.RFC3339), evt.Type, evt.Source.Kind, evt.Source.Name, ticket)
}
