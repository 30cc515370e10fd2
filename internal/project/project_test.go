package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveCanonicalizes(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "repo")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p, err := Resolve(nested + string(os.PathSeparator) + ".")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !filepath.IsAbs(p.Root) {
		t.Fatalf("root %q is not absolute", p.Root)
	}
	if p.Control != filepath.Join(p.Root, ControlDirName) {
		t.Fatalf("control = %q", p.Control)
	}

	// A symlink to the project resolves to the same identity.
	link := filepath.Join(dir, "link")
	if err := os.Symlink(nested, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	viaLink, err := Resolve(link)
	if err != nil {
		t.Fatalf("resolve link: %v", err)
	}
	if viaLink.Root != p.Root {
		t.Fatalf("symlinked root = %q, want %q", viaLink.Root, p.Root)
	}
}

func TestFromEnvPrefersProjectPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CLAUDE_PROJECT_PATH", dir)

	p, err := FromEnv()
	if err != nil {
		t.Fatalf("from env: %v", err)
	}
	want, _ := Resolve(dir)
	if p.Root != want.Root {
		t.Fatalf("root = %q, want %q", p.Root, want.Root)
	}
}

func TestIDStableAndOverridable(t *testing.T) {
	p, err := Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ID() != p.ID() {
		t.Fatalf("id not stable")
	}
	if len(p.ID()) != 12 {
		t.Fatalf("derived id = %q", p.ID())
	}

	other, _ := Resolve(t.TempDir())
	if other.ID() == p.ID() {
		t.Fatalf("distinct projects share an id")
	}

	t.Setenv("CLAUDE_PROJECT_ID", "my-project")
	if p.ID() != "my-project" {
		t.Fatalf("env override ignored, id = %q", p.ID())
	}
}

func TestEnsureLayoutCreatesTree(t *testing.T) {
	p, err := Resolve(t.TempDir())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}

	for _, dir := range []string{
		p.StateDir(),
		p.ArchiveDir(),
		filepath.Join(p.TriggersDir(), "claimed"),
		filepath.Join(p.TriggersDir(), "done"),
		filepath.Join(p.TriggersDir(), "failed"),
		filepath.Join(p.TriggersDir(), "malformed"),
		filepath.Dir(p.RegistryDB()),
	} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("missing directory %s: %v", dir, err)
		}
	}

	// Idempotent.
	if err := p.EnsureLayout(); err != nil {
		t.Fatalf("second layout: %v", err)
	}
}
