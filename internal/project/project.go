// Package project locates a project's control directory and lays out the
// state files the runtime keeps inside it.
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// ControlDirName is the dotted directory each project keeps its runtime
// state under.
const ControlDirName = ".claude"

// Paths resolves every well-known location under a project's control
// directory.
type Paths struct {
	Root    string // canonical absolute project root
	Control string // <root>/.claude
}

// Resolve canonicalizes root and returns its control paths. The project
// identity is the canonical absolute root path.
func Resolve(root string) (Paths, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Paths{}, fmt.Errorf("resolve project root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return Paths{Root: abs, Control: filepath.Join(abs, ControlDirName)}, nil
}

// FromEnv resolves the project from CLAUDE_PROJECT_PATH if set, else the
// working directory.
func FromEnv() (Paths, error) {
	if p := os.Getenv("CLAUDE_PROJECT_PATH"); p != "" {
		return Resolve(p)
	}
	wd, err := os.Getwd()
	if err != nil {
		return Paths{}, fmt.Errorf("getwd: %w", err)
	}
	return Resolve(wd)
}

// ID returns the stable project identifier: CLAUDE_PROJECT_ID when set,
// otherwise a short hash of the canonical root path.
func (p Paths) ID() string {
	if id := os.Getenv("CLAUDE_PROJECT_ID"); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(p.Root))
	return hex.EncodeToString(sum[:6])
}

func (p Paths) StateDir() string    { return filepath.Join(p.Control, "state") }
func (p Paths) PortFile() string    { return filepath.Join(p.Control, "state", "km.port") }
func (p Paths) PIDFile() string     { return filepath.Join(p.Control, "state", "km.pid") }
func (p Paths) LeaseFile() string   { return filepath.Join(p.Control, "state", "km.lease") }
func (p Paths) StateLock() string   { return filepath.Join(p.Control, "state", "km.lock") }
func (p Paths) EventsDir() string   { return filepath.Join(p.Control, "events") }
func (p Paths) EventLog() string    { return filepath.Join(p.Control, "events", "log.ndjson") }
func (p Paths) ArchiveDir() string  { return filepath.Join(p.Control, "events", "archive") }
func (p Paths) TriggersDir() string { return filepath.Join(p.Control, "triggers") }
func (p Paths) RegistryDB() string  { return filepath.Join(p.Control, "registry", "registry.db") }
func (p Paths) ConfigFile() string  { return filepath.Join(p.Control, "config.json") }
func (p Paths) RulesFile() string   { return filepath.Join(p.Control, "rules.yaml") }

// EnsureLayout creates the control directory tree.
func (p Paths) EnsureLayout() error {
	dirs := []string{
		p.StateDir(),
		p.EventsDir(),
		p.ArchiveDir(),
		p.TriggersDir(),
		filepath.Join(p.TriggersDir(), "claimed"),
		filepath.Join(p.TriggersDir(), "done"),
		filepath.Join(p.TriggersDir(), "failed"),
		filepath.Join(p.TriggersDir(), "malformed"),
		filepath.Dir(p.RegistryDB()),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}
