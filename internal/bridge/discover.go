package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/portlease"
	"github.com/hexley-dev/kmd/internal/project"
)

// ErrNoLocalKM means no healthy KM for this project answered within the
// discovery deadline.
var ErrNoLocalKM = errors.New("no local km for this project")

const probeTimeout = 500 * time.Millisecond

// discover locates the project's KM port. The port file is the fast
// path; if it is missing or stale the configured range is scanned and
// each responder's project path checked against ours.
func discover(ctx context.Context, paths project.Paths, portMin, portMax int, deadline time.Duration, logger *zap.Logger) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if port, ok := portFromFile(paths); ok {
		health, err := portlease.ProbeHealth(ctx, port, probeTimeout)
		if err == nil && health.ProjectPath == paths.Root {
			return port, nil
		}
		logger.Debug("port file is stale, scanning range", zap.Int("port", port))
	}

	for port := portMin; port <= portMax; port++ {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("%w: discovery deadline exceeded", ErrNoLocalKM)
		}
		health, err := portlease.ProbeHealth(ctx, port, probeTimeout)
		if err != nil {
			continue
		}
		if health.ProjectPath == paths.Root {
			return port, nil
		}
	}
	return 0, ErrNoLocalKM
}

func portFromFile(paths project.Paths) (int, bool) {
	data, err := os.ReadFile(paths.PortFile())
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}
