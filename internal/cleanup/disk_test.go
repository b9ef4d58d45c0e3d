package cleanup

import (
	"errors"
	"math"
	"testing"
	"time"
)

func fixedStatfs(total, avail uint64, err error) func(string) (uint64, uint64, error) {
	return func(string) (uint64, uint64, error) {
		return total, avail, err
	}
}

func TestDiskMonitorUsage(t *testing.T) {
	m := NewDiskMonitor("/work", 0.9, discardLogger())
	m.ttl = 0
	m.statfs = fixedStatfs(100, 25, nil)

	usage, err := m.Usage()
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if math.Abs(usage-0.75) > 1e-9 {
		t.Fatalf("usage = %v, want 0.75", usage)
	}
	if !m.Allow() {
		t.Fatal("expected 75%% usage to be admitted under a 90%% threshold")
	}
}

func TestDiskMonitorBlocksAboveHighWater(t *testing.T) {
	m := NewDiskMonitor("/work", 0.9, discardLogger())
	m.ttl = 0
	m.statfs = fixedStatfs(100, 5, nil)

	if m.Allow() {
		t.Fatal("expected 95%% usage to be refused under a 90%% threshold")
	}
}

func TestDiskMonitorCachesSamples(t *testing.T) {
	calls := 0
	m := NewDiskMonitor("/work", 0.9, discardLogger())
	m.ttl = time.Hour
	m.statfs = func(string) (uint64, uint64, error) {
		calls++
		return 100, 50, nil
	}

	for i := 0; i < 3; i++ {
		if _, err := m.Usage(); err != nil {
			t.Fatalf("Usage: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("statfs called %d times, want 1", calls)
	}
}

func TestDiskMonitorFailsOpen(t *testing.T) {
	m := NewDiskMonitor("/work", 0.9, discardLogger())
	m.ttl = 0
	m.statfs = fixedStatfs(0, 0, errors.New("no such filesystem"))

	if _, err := m.Usage(); err == nil {
		t.Fatal("expected Usage to report the statfs error")
	}
	if !m.Allow() {
		t.Fatal("expected Allow to fail open when usage is unknown")
	}
}

func TestDiskMonitorZeroCapacity(t *testing.T) {
	m := NewDiskMonitor("/work", 0.9, discardLogger())
	m.ttl = 0
	m.statfs = fixedStatfs(0, 0, nil)

	if _, err := m.Usage(); !errors.Is(err, errZeroCapacity) {
		t.Fatalf("err = %v, want errZeroCapacity", err)
	}
}

func TestNewDiskMonitorClampsThreshold(t *testing.T) {
	for _, tc := range []struct {
		in   float64
		want float64
	}{
		{0, defaultHighWater},
		{-0.5, defaultHighWater},
		{1.5, defaultHighWater},
		{0.5, 0.5},
		{1, 1},
	} {
		if got := NewDiskMonitor("/", tc.in, discardLogger()).Limit(); got != tc.want {
			t.Errorf("Limit(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
