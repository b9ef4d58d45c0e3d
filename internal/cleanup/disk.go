package cleanup

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	defaultHighWater = 0.90
	diskSampleTTL    = 15 * time.Second
)

var errZeroCapacity = errors.New("filesystem reports zero capacity")

// DiskMonitor reports whether the workspace filesystem has room for new
// builds. Usage is sampled lazily and cached briefly so the admission
// path never pays a statfs per request.
type DiskMonitor struct {
	root      string
	highWater float64
	ttl       time.Duration
	logger    *slog.Logger
	statfs    func(path string) (total, avail uint64, err error)

	mu      sync.Mutex
	sampled time.Time
	frac    float64
	err     error
}

// NewDiskMonitor watches the filesystem holding root. highWater is the
// usage fraction above which Allow refuses; values outside (0, 1] fall
// back to the default of 0.90.
func NewDiskMonitor(root string, highWater float64, logger *slog.Logger) *DiskMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if highWater <= 0 || highWater > 1 {
		highWater = defaultHighWater
	}
	return &DiskMonitor{
		root:      root,
		highWater: highWater,
		ttl:       diskSampleTTL,
		logger:    logger,
		statfs:    statfsUsage,
	}
}

// Usage returns the current usage fraction of the watched filesystem,
// between 0 and 1. Samples are cached for a short interval.
func (m *DiskMonitor) Usage() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sampled.IsZero() && time.Since(m.sampled) < m.ttl {
		return m.frac, m.err
	}

	m.sampled = time.Now()
	total, avail, err := m.statfs(m.root)
	switch {
	case err != nil:
		m.frac, m.err = 0, fmt.Errorf("statfs %s: %w", m.root, err)
	case total == 0:
		m.frac, m.err = 0, errZeroCapacity
	default:
		m.frac, m.err = 1-float64(avail)/float64(total), nil
	}
	return m.frac, m.err
}

// Allow reports whether a new build may be admitted. It fails open: if
// usage cannot be determined the build proceeds and the error is logged.
func (m *DiskMonitor) Allow() bool {
	usage, err := m.Usage()
	if err != nil {
		m.logger.Warn("disk usage check failed", "error", err)
		return true
	}
	return usage < m.highWater
}

// Limit returns the admission threshold as a usage fraction.
func (m *DiskMonitor) Limit() float64 {
	return m.highWater
}

func statfsUsage(path string) (total, avail uint64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, err
	}
	bsize := uint64(st.Bsize)
	return st.Blocks * bsize, st.Bavail * bsize, nil
}
