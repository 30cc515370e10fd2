// Package eventlog implements the per-project append-only NDJSON event
// stream: monotonic ids, chained checksums, size/age rotation into a
// gzipped archive, integrity verification and seal-and-successor
// handling on corruption.
package eventlog

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/fsq"
	"github.com/hexley-dev/kmd/internal/protocol"
)

// ErrSealed is returned by Append after an integrity failure sealed the
// log and no successor has been started.
var ErrSealed = errors.New("event log sealed after integrity failure")

// ErrUnknownEventType is returned when an event's type has no registered
// validator.
var ErrUnknownEventType = errors.New("unregistered event type")

const (
	maxLineBytes   = 4 * 1024 * 1024
	sealedMarker   = "sealed.json"
	quarantineFile = "quarantine.ndjson"
	lockTimeout    = 5 * time.Second
	archivePrefix  = "log-"
)

// Options configures a Log.
type Options struct {
	Path       string        // live log file
	ArchiveDir string        // rotated logs
	LockPath   string        // advisory append lock
	MaxBytes   int64         // rotate when size would exceed this
	MaxAge     time.Duration // rotate when the first record is older
	Logger     *zap.Logger
	OnAppend   func(protocol.Event) // optional publish hook
	OnRotate   func(archive string) // optional rotation hook
}

// Log is a project's event stream. All appends are serialized through
// the log's mutex and the on-disk advisory lock.
type Log struct {
	opts    Options
	logger  *zap.Logger
	monoRef time.Time

	f        *os.File
	size     int64
	seq      int // rotation sequence, continues across restarts
	nextID   int64
	lastHash string
	firstTS  time.Time
	sealed   bool
}

// Open scans the tail of an existing log, drops any truncated final
// record and positions the writer after the last valid one.
func Open(opts Options) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	l := &Log{opts: opts, logger: opts.Logger.Named("eventlog"), monoRef: time.Now()}

	if err := l.recoverTail(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	l.f = f

	l.seq = l.lastArchiveSeq() + 1
	return l, nil
}

// recoverTail scans the live log, truncating a partially written final
// record, and restores nextID and lastHash from the last valid one.
// Corruption anywhere before the final record is not repaired here: the
// log is flagged sealed so appends fail until `kmd recover` runs.
func (l *Log) recoverTail() error {
	f, err := os.Open(l.opts.Path)
	if os.IsNotExist(err) {
		l.nextID = l.resumeIDFromArchives()
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log for recovery: %w", err)
	}
	defer f.Close()

	var (
		validEnd int64
		last     *protocol.Event
	)
	reader := bufio.NewReaderSize(f, 64*1024)
	offset := int64(0)
	for {
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 && rerr == nil {
			var evt protocol.Event
			if json.Unmarshal(line, &evt) == nil && evt.Hash != "" {
				offset += int64(len(line))
				validEnd = offset
				e := evt
				last = &e
				if l.firstTS.IsZero() {
					l.firstTS = evt.TSWall
				}
				continue
			}
			// A complete but unparseable line is mid-file corruption,
			// not a torn tail. Refuse appends until recovery.
			l.logger.Error("corrupt record in event log; sealing",
				zap.Int64("offset", offset),
			)
			l.sealed = true
		}
		break
	}

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !l.sealed && info.Size() > validEnd {
		l.logger.Warn("truncating torn event log tail",
			zap.Int64("from", info.Size()),
			zap.Int64("to", validEnd),
		)
		if err := os.Truncate(l.opts.Path, validEnd); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	l.size = validEnd

	if last != nil {
		l.nextID = last.ID + 1
		l.lastHash = last.Hash
	} else {
		l.nextID = l.resumeIDFromArchives()
	}
	return nil
}

// resumeIDFromArchives returns the next event id after the newest
// archived record, or 1 for a brand new project.
func (l *Log) resumeIDFromArchives() int64 {
	archives := l.archiveFiles()
	for i := len(archives) - 1; i >= 0; i-- {
		events, err := readAll(archives[i])
		if err != nil || len(events) == 0 {
			continue
		}
		last := events[len(events)-1]
		l.lastHash = last.Hash
		return last.ID + 1
	}
	return 1
}

// Append assigns the next id, chains the checksum and writes the record
// as one fsynced NDJSON line. Rotation happens before the write when
// thresholds are exceeded.
func (l *Log) Append(evt protocol.Event) (protocol.Event, error) {
	if !knownType(evt.Type) {
		return protocol.Event{}, fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}
	if err := validate(evt); err != nil {
		return protocol.Event{}, err
	}

	var out protocol.Event
	err := fsq.WithLock(l.opts.LockPath, lockTimeout, func() error {
		if l.sealed {
			return ErrSealed
		}

		evt.ID = l.nextID
		evt.TSWall = time.Now().UTC()
		evt.TSMono = int64(time.Since(l.monoRef))
		evt.PrevHash = l.lastHash

		canonical, err := evt.CanonicalBytes()
		if err != nil {
			return err
		}
		evt.Hash = fsq.ChainHash(l.lastHash, canonical)

		line, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", evt.ID, err)
		}
		line = append(line, '\n')

		if l.shouldRotate(int64(len(line))) {
			if err := l.rotateLocked(); err != nil {
				return err
			}
		}

		if _, err := l.f.Write(line); err != nil {
			return fmt.Errorf("append event %d: %w", evt.ID, err)
		}
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("sync event log: %w", err)
		}

		if l.firstTS.IsZero() {
			l.firstTS = evt.TSWall
		}
		l.size += int64(len(line))
		l.nextID++
		l.lastHash = evt.Hash
		out = evt
		return nil
	})
	if err != nil {
		return protocol.Event{}, err
	}

	if l.opts.OnAppend != nil {
		l.opts.OnAppend(out)
	}
	return out, nil
}

func (l *Log) shouldRotate(incoming int64) bool {
	if l.size == 0 {
		return false
	}
	if l.opts.MaxBytes > 0 && l.size+incoming > l.opts.MaxBytes {
		return true
	}
	if l.opts.MaxAge > 0 && !l.firstTS.IsZero() && time.Since(l.firstTS) >= l.opts.MaxAge {
		return true
	}
	return false
}

// rotateLocked closes the live log, moves it into the archive directory
// under a timestamped name and gzips it. Ids and the hash chain continue
// into the fresh live log, so concatenating archives in order followed
// by the live log reproduces the full sequence.
func (l *Log) rotateLocked() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close for rotation: %w", err)
	}

	name := fmt.Sprintf("%s%06d-%s.ndjson", archivePrefix, l.seq, time.Now().UTC().Format("20060102T150405"))
	dest := filepath.Join(l.opts.ArchiveDir, name)
	if err := fsq.Rename(l.opts.Path, dest); err != nil {
		return fmt.Errorf("archive event log: %w", err)
	}
	if err := gzipFile(dest); err != nil {
		// Plain archive is still valid; log and move on.
		l.logger.Warn("gzip of rotated log failed", zap.String("archive", dest), zap.Error(err))
	}
	l.seq++

	f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open successor log: %w", err)
	}
	l.f = f
	l.size = 0
	l.firstTS = time.Time{}

	l.logger.Info("rotated event log", zap.String("archive", name))
	if l.opts.OnRotate != nil {
		l.opts.OnRotate(name)
	}
	return nil
}

// Tail returns up to limit events with id > sinceID, reading archives in
// order and then the live log. limit <= 0 means a default page of 500.
func (l *Log) Tail(sinceID int64, limit int) ([]protocol.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	out := make([]protocol.Event, 0, limit)

	sources := append(l.archiveFiles(), l.opts.Path)
	for _, src := range sources {
		events, err := readAll(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, evt := range events {
			if evt.ID <= sinceID {
				continue
			}
			out = append(out, evt)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Verify recomputes the chained checksums across archives and the live
// log and returns the id of the first inconsistent record, or 0 when the
// chain is intact. fromID/toID bound which mismatches are reported;
// zero values mean unbounded.
func (l *Log) Verify(fromID, toID int64) (int64, error) {
	prevHash := ""
	prevID := int64(0)

	sources := append(l.archiveFiles(), l.opts.Path)
	for _, src := range sources {
		events, err := readAll(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, err
		}
		for _, evt := range events {
			inRange := (fromID == 0 || evt.ID >= fromID) && (toID == 0 || evt.ID <= toID)

			if prevID != 0 && evt.ID != prevID+1 {
				if inRange {
					return evt.ID, nil
				}
			}
			canonical, err := evt.CanonicalBytes()
			if err != nil {
				return evt.ID, nil
			}
			if evt.PrevHash != prevHash || evt.Hash != fsq.ChainHash(prevHash, canonical) {
				if inRange {
					return evt.ID, nil
				}
			}
			prevHash = evt.Hash
			prevID = evt.ID
		}
	}
	return 0, nil
}

// Seal stops all appends after an integrity failure at badID. The
// corrupt log is set aside, an INTEGRITY_FAIL record goes to the
// quarantine log, and a successor live log referencing the sealed file
// is started.
func (l *Log) Seal(badID int64) error {
	return fsq.WithLock(l.opts.LockPath, lockTimeout, func() error {
		if err := l.f.Close(); err != nil {
			return fmt.Errorf("close sealed log: %w", err)
		}
		sealedName := fmt.Sprintf("log.sealed-%s.ndjson", time.Now().UTC().Format("20060102T150405"))
		dir := filepath.Dir(l.opts.Path)
		if err := fsq.Rename(l.opts.Path, filepath.Join(dir, sealedName)); err != nil {
			return fmt.Errorf("set aside sealed log: %w", err)
		}

		quarantine := protocol.Event{
			Type:   protocol.EventIntegrityFail,
			TSWall: time.Now().UTC(),
			Source: protocol.Source{Kind: protocol.SourceSystem, Name: "eventlog"},
			Payload: map[string]any{
				"first_bad_id": badID,
				"sealed_log":   sealedName,
			},
		}
		qline, _ := json.Marshal(quarantine)
		qpath := filepath.Join(dir, quarantineFile)
		qf, err := os.OpenFile(qpath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open quarantine log: %w", err)
		}
		_, werr := qf.Write(append(qline, '\n'))
		serr := qf.Sync()
		_ = qf.Close()
		if werr != nil || serr != nil {
			return fmt.Errorf("write quarantine record: %v / %v", werr, serr)
		}

		marker := map[string]any{
			"first_bad_id": badID,
			"sealed_log":   sealedName,
			"sealed_at":    time.Now().UTC().Format(time.RFC3339Nano),
		}
		markerBytes, _ := json.Marshal(marker)
		if err := fsq.AtomicWrite(filepath.Join(dir, sealedMarker), markerBytes, 0o644); err != nil {
			return err
		}

		// Successor log: ids continue, chain restarts with a back
		// reference carried in the marker file.
		f, err := os.OpenFile(l.opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open successor log: %w", err)
		}
		l.f = f
		l.size = 0
		l.firstTS = time.Time{}
		l.lastHash = ""
		l.sealed = false // successor accepts appends

		l.logger.Error("event log sealed",
			zap.Int64("first_bad_id", badID),
			zap.String("sealed_log", sealedName),
		)
		return nil
	})
}

// Sealed reports whether an integrity failure has been recorded for this
// project. Used by `kmd status`.
func Sealed(eventsDir string) bool {
	_, err := os.Stat(filepath.Join(eventsDir, sealedMarker))
	return err == nil
}

// NextID returns the id the next append will receive.
func (l *Log) NextID() int64 {
	var id int64
	_ = fsq.WithLock(l.opts.LockPath, lockTimeout, func() error {
		id = l.nextID
		return nil
	})
	return id
}

// Close flushes and closes the live log file.
func (l *Log) Close() error {
	if l.f == nil {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	return l.f.Close()
}

// archiveFiles lists rotated logs in rotation order.
func (l *Log) archiveFiles() []string {
	entries, err := os.ReadDir(l.opts.ArchiveDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), archivePrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, filepath.Join(l.opts.ArchiveDir, n))
	}
	return out
}

func (l *Log) lastArchiveSeq() int {
	archives := l.archiveFiles()
	if len(archives) == 0 {
		return 0
	}
	base := filepath.Base(archives[len(archives)-1])
	var seq int
	if _, err := fmt.Sscanf(base, archivePrefix+"%06d", &seq); err != nil {
		return 0
	}
	return seq
}

// readAll decodes every record in an NDJSON file, transparently
// decompressing .gz archives. Unparseable lines terminate the read; the
// caller decides whether that is corruption.
func readAll(path string) ([]protocol.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip archive %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	var out []protocol.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt protocol.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			// A torn or tampered line. Callers detect it via Verify.
			break
		}
		out = append(out, evt)
	}
	return out, scanner.Err()
}

// gzipFile compresses path into path.gz and removes the original.
func gzipFile(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
