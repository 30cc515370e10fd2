// Package portlease allocates a loopback TCP port per project from a
// configured range, persists the (port, pid, start_time) lease under an
// advisory lock, and detects and reclaims stale leases after a crash.
package portlease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/fsq"
	"github.com/hexley-dev/kmd/internal/project"
	"github.com/hexley-dev/kmd/internal/protocol"
)

var (
	// ErrPortExhausted means no port in [portMin, portMax] could be bound.
	ErrPortExhausted = errors.New("no free port in configured range")
	// ErrStalePeer means the recorded port answers /health for a
	// different project.
	ErrStalePeer = errors.New("foreign process occupies recorded port")
)

const (
	lockTimeout   = 10 * time.Second
	healthTimeout = 1500 * time.Millisecond
)

// Lease records a KM's claim on a port.
type Lease struct {
	Port        int       `json:"port"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"started_at"`
	ProjectPath string    `json:"project_path"`
}

// Allocator assigns ports for one project.
type Allocator struct {
	paths   project.Paths
	portMin int
	portMax int
	logger  *zap.Logger
}

// New creates an allocator for the project.
func New(paths project.Paths, portMin, portMax int, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Allocator{paths: paths, portMin: portMin, portMax: portMax, logger: logger.Named("portlease")}
}

// Acquire returns a bound listener and its recorded lease. If a healthy
// KM already holds the lease for this project, ErrAlreadyRunning-style
// behavior is signalled by returning the existing lease with a nil
// listener. Stale leases are purged and reallocated.
//
// Probing starts from a hash of the project path so a project gets the
// same port back across restarts when it is free.
func (a *Allocator) Acquire(ctx context.Context) (Lease, net.Listener, error) {
	var (
		lease    Lease
		listener net.Listener
	)

	err := fsq.WithLock(a.paths.StateLock(), lockTimeout, func() error {
		if existing, err := a.readLease(); err == nil {
			reason := a.CheckLease(ctx, existing)
			if reason == nil {
				lease = existing
				return nil
			}
			a.logger.Info("purging stale lease",
				zap.Int("port", existing.Port),
				zap.Int("pid", existing.PID),
				zap.NamedError("reason", reason),
			)
			a.purgeLocked()
		}

		size := a.portMax - a.portMin + 1
		start := int(projectHash(a.paths.Root) % uint32(size))
		for i := 0; i < size; i++ {
			port := a.portMin + (start+i)%size
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				if errors.Is(err, syscall.EACCES) {
					return fmt.Errorf("bind port %d: %w", port, err)
				}
				continue
			}

			lease = Lease{
				Port:        port,
				PID:         os.Getpid(),
				StartedAt:   time.Now().UTC(),
				ProjectPath: a.paths.Root,
			}
			if err := a.writeLocked(lease); err != nil {
				_ = ln.Close()
				return err
			}
			listener = ln
			return nil
		}
		return ErrPortExhausted
	})
	if err != nil {
		return Lease{}, nil, err
	}
	return lease, listener, nil
}

// Release drops the lease if this process holds it.
func (a *Allocator) Release() error {
	return fsq.WithLock(a.paths.StateLock(), lockTimeout, func() error {
		existing, err := a.readLease()
		if err != nil {
			return nil // nothing to release
		}
		if existing.PID != os.Getpid() {
			return nil
		}
		a.purgeLocked()
		return nil
	})
}

// Reclaim purges a lease that is stale regardless of owner. Used by
// `kmd recover`.
func (a *Allocator) Reclaim(ctx context.Context) (bool, error) {
	reclaimed := false
	err := fsq.WithLock(a.paths.StateLock(), lockTimeout, func() error {
		existing, err := a.readLease()
		if err != nil {
			return nil
		}
		reason := a.CheckLease(ctx, existing)
		if reason == nil {
			return nil
		}
		a.logger.Info("reclaiming lease", zap.Int("port", existing.Port), zap.NamedError("reason", reason))
		a.purgeLocked()
		reclaimed = true
		return nil
	})
	return reclaimed, err
}

// Current returns the recorded lease and its liveness.
func (a *Allocator) Current(ctx context.Context) (Lease, string, error) {
	var (
		lease  Lease
		status string
	)
	err := fsq.WithLock(a.paths.StateLock(), lockTimeout, func() error {
		existing, err := a.readLease()
		if err != nil {
			status = protocol.StatusStopped
			return nil
		}
		lease = existing
		if a.CheckLease(ctx, existing) == nil {
			status = protocol.StatusRunning
		} else {
			status = protocol.StatusStale
		}
		return nil
	})
	return lease, status, err
}

func (a *Allocator) readLease() (Lease, error) {
	data, err := os.ReadFile(a.paths.LeaseFile())
	if err != nil {
		return Lease{}, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return Lease{}, fmt.Errorf("parse lease file: %w", err)
	}
	return lease, nil
}

// CheckLease verifies both halves of liveness: the PID is alive and
// the port answers /health with this project's path. A nil return means
// the lease is healthy; a port occupied by another project's process
// reports ErrStalePeer.
func (a *Allocator) CheckLease(ctx context.Context, lease Lease) error {
	if !pidAlive(lease.PID) {
		return fmt.Errorf("lease owner pid %d is gone", lease.PID)
	}
	health, err := ProbeHealth(ctx, lease.Port, healthTimeout)
	if err != nil {
		return fmt.Errorf("probe port %d: %w", lease.Port, err)
	}
	if health.ProjectPath != a.paths.Root {
		return fmt.Errorf("%w: port %d serves %s", ErrStalePeer, lease.Port, health.ProjectPath)
	}
	return nil
}

func (a *Allocator) writeLocked(lease Lease) error {
	data, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if err := fsq.AtomicWrite(a.paths.LeaseFile(), data, 0o644); err != nil {
		return err
	}
	if err := fsq.AtomicWrite(a.paths.PortFile(), []byte(strconv.Itoa(lease.Port)+"\n"), 0o644); err != nil {
		return err
	}
	return fsq.AtomicWrite(a.paths.PIDFile(), []byte(strconv.Itoa(lease.PID)+"\n"), 0o644)
}

func (a *Allocator) purgeLocked() {
	_ = os.Remove(a.paths.LeaseFile())
	_ = os.Remove(a.paths.PortFile())
	_ = os.Remove(a.paths.PIDFile())
}

// ProbeHealth calls GET /health on a loopback port.
func ProbeHealth(ctx context.Context, port int, timeout time.Duration) (protocol.Health, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return protocol.Health{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return protocol.Health{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return protocol.Health{}, fmt.Errorf("health returned %d", resp.StatusCode)
	}
	var health protocol.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return protocol.Health{}, fmt.Errorf("decode health: %w", err)
	}
	return health, nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func projectHash(path string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return h.Sum32()
}
