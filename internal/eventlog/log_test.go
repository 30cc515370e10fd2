package eventlog

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hexley-dev/kmd/internal/protocol"
)

func testLog(t *testing.T, dir string, maxBytes int64) *Log {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir archive: %v", err)
	}
	l, err := Open(Options{
		Path:       filepath.Join(dir, "log.ndjson"),
		ArchiveDir: filepath.Join(dir, "archive"),
		LockPath:   filepath.Join(dir, ".append.lock"),
		MaxBytes:   maxBytes,
	})
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func appendN(t *testing.T, l *Log, n int) []protocol.Event {
	t.Helper()
	out := make([]protocol.Event, 0, n)
	for i := 0; i < n; i++ {
		evt, err := l.Append(protocol.Event{
			Type:    protocol.EventCodeCommitted,
			Source:  protocol.Source{Kind: protocol.SourceHook, Name: "post-commit"},
			Payload: map[string]any{"changed_paths": []string{"main.go"}},
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		out = append(out, evt)
	}
	return out
}

func TestAppendChainsHashes(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir, 0)
	defer l.Close()

	events := appendN(t, l, 5)
	for i, evt := range events {
		if evt.ID != int64(i+1) {
			t.Fatalf("event %d id = %d, want %d", i, evt.ID, i+1)
		}
		if evt.Hash == "" {
			t.Fatalf("event %d has no hash", i)
		}
		if i > 0 && evt.PrevHash != events[i-1].Hash {
			t.Fatalf("event %d prev_hash does not chain", i)
		}
	}
	if events[0].PrevHash != "" {
		t.Fatalf("genesis prev_hash = %q, want empty", events[0].PrevHash)
	}

	if bad, err := l.Verify(0, 0); err != nil || bad != 0 {
		t.Fatalf("verify = (%d, %v), want clean", bad, err)
	}

	tail, err := l.Tail(3, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != 4 || tail[1].ID != 5 {
		t.Fatalf("tail after 3 = %+v", tail)
	}
}

func TestAppendRejectsUnknownAndInvalid(t *testing.T) {
	l := testLog(t, t.TempDir(), 0)
	defer l.Close()

	_, err := l.Append(protocol.Event{Type: "MADE_UP"})
	if !errors.Is(err, ErrUnknownEventType) {
		t.Fatalf("unknown type err = %v", err)
	}

	// CODE_COMMITTED requires changed_paths.
	_, err = l.Append(protocol.Event{
		Type:   protocol.EventCodeCommitted,
		Source: protocol.Source{Kind: protocol.SourceHook, Name: "post-commit"},
	})
	if err == nil {
		t.Fatalf("expected validation error for missing changed_paths")
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir, 0)
	first := appendN(t, l, 3)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2 := testLog(t, dir, 0)
	defer l2.Close()
	next := appendN(t, l2, 1)[0]
	if next.ID != 4 {
		t.Fatalf("id after reopen = %d, want 4", next.ID)
	}
	if next.PrevHash != first[2].Hash {
		t.Fatalf("chain broken across reopen")
	}
	if bad, err := l2.Verify(0, 0); err != nil || bad != 0 {
		t.Fatalf("verify after reopen = (%d, %v)", bad, err)
	}
}

func TestTornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir, 0)
	appendN(t, l, 2)
	l.Close()

	path := filepath.Join(dir, "log.ndjson")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// A write that died mid-record: no trailing newline.
	if _, err := f.WriteString(`{"id":3,"type":"CODE_CO`); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	f.Close()

	l2 := testLog(t, dir, 0)
	defer l2.Close()
	evt := appendN(t, l2, 1)[0]
	if evt.ID != 3 {
		t.Fatalf("id after torn-tail recovery = %d, want 3", evt.ID)
	}
	if bad, err := l2.Verify(0, 0); err != nil || bad != 0 {
		t.Fatalf("verify after recovery = (%d, %v)", bad, err)
	}
}

func TestMidFileCorruptionSealsAndRecovers(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir, 0)
	appendN(t, l, 3)
	l.Close()

	// Tamper with the middle record; the line stays complete.
	path := filepath.Join(dir, "log.ndjson")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	lines[1] = strings.Replace(lines[1], "main.go", "evil.go", 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "")), 0o644); err != nil {
		t.Fatalf("write tampered log: %v", err)
	}

	l2 := testLog(t, dir, 0)
	defer l2.Close()

	bad, err := l2.Verify(0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if bad != 2 {
		t.Fatalf("first bad id = %d, want 2", bad)
	}

	if err := l2.Seal(bad); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !Sealed(dir) {
		t.Fatalf("sealed marker missing")
	}
	if _, err := os.Stat(filepath.Join(dir, "quarantine.ndjson")); err != nil {
		t.Fatalf("quarantine record missing: %v", err)
	}

	// The successor log accepts appends and ids continue.
	evt := appendN(t, l2, 1)[0]
	if evt.ID != 4 {
		t.Fatalf("successor id = %d, want 4", evt.ID)
	}
	if evt.PrevHash != "" {
		t.Fatalf("successor chain should restart, prev_hash = %q", evt.PrevHash)
	}
}

func TestRotationArchivesAndTailSpans(t *testing.T) {
	dir := t.TempDir()
	l := testLog(t, dir, 600)
	defer l.Close()

	events := appendN(t, l, 10)

	archives, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archives) == 0 {
		t.Fatalf("no archives after %d appends with tiny max bytes", len(events))
	}
	for _, a := range archives {
		if !strings.HasPrefix(a.Name(), "log-") {
			t.Fatalf("unexpected archive name %q", a.Name())
		}
	}

	tail, err := l.Tail(0, 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(tail) != 10 {
		t.Fatalf("tail across archives = %d events, want 10", len(tail))
	}
	for i, evt := range tail {
		if evt.ID != int64(i+1) {
			t.Fatalf("tail[%d].ID = %d", i, evt.ID)
		}
	}

	if bad, err := l.Verify(0, 0); err != nil || bad != 0 {
		t.Fatalf("verify across archives = (%d, %v)", bad, err)
	}
}

func TestOnAppendHookFires(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var seen []int64
	l, err := Open(Options{
		Path:       filepath.Join(dir, "log.ndjson"),
		ArchiveDir: filepath.Join(dir, "archive"),
		LockPath:   filepath.Join(dir, ".append.lock"),
		OnAppend:   func(evt protocol.Event) { seen = append(seen, evt.ID) },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	appendN(t, l, 2)
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("hook saw %v", seen)
	}
}

func TestOnRotateHookFires(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	rotations := 0
	l, err := Open(Options{
		Path:       filepath.Join(dir, "log.ndjson"),
		ArchiveDir: filepath.Join(dir, "archive"),
		LockPath:   filepath.Join(dir, ".append.lock"),
		MaxBytes:   600,
		OnRotate:   func(string) { rotations++ },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	appendN(t, l, 10)
	archives, err := os.ReadDir(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if rotations == 0 || rotations != len(archives) {
		t.Fatalf("rotation hook fired %d times for %d archives", rotations, len(archives))
	}
}
