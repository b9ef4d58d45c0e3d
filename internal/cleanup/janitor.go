// Package cleanup runs the background janitor: periodic retention sweeps
// over finished builds, orphaned workspace removal, and leftover sandbox
// container pruning. It also hosts the disk monitor the API consults
// before admitting new builds.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/podman"
)

// Engine is the slice of the build engine the janitor drives.
type Engine interface {
	SweepExpired(retention time.Duration) int
	List() []models.BuildJob
}

// Containers lists and removes leftover sandbox containers. Satisfied by
// the podman client; nil disables container pruning.
type Containers interface {
	ListStoppedContainers(ctx context.Context, namePrefix string) ([]podman.ContainerInfo, error)
	RemoveContainer(ctx context.Context, idOrName string) error
}

// Config tunes the janitor.
type Config struct {
	// Retention is how long finished builds stay claimable.
	Retention time.Duration
	// Interval is the pause between cleanup passes.
	Interval time.Duration
	// WorkspaceRoot is scanned for directories no registered build owns.
	WorkspaceRoot string
	// ContainerPrefix selects which stopped containers are fair game.
	ContainerPrefix string
}

// DefaultConfig returns the standard janitor settings.
func DefaultConfig() Config {
	return Config{
		Retention:       time.Hour,
		Interval:        5 * time.Minute,
		ContainerPrefix: "crucible-build-",
	}
}

// Report counts what one cleanup pass removed.
type Report struct {
	EvictedBuilds    int
	OrphanDirs       int
	PrunedContainers int
}

// Janitor periodically evicts expired builds, removes workspace
// directories no live build owns, and reaps stopped sandbox containers
// that crashed past their own teardown.
type Janitor struct {
	cfg        Config
	engine     Engine
	containers Containers
	scheduler  gocron.Scheduler
	logger     *slog.Logger
}

// New creates a janitor and registers its periodic job. Zero-valued
// config fields fall back to DefaultConfig; containers may be nil.
func New(cfg Config, engine Engine, containers Containers, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = def.ContainerPrefix
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cleanup scheduler: %w", err)
	}

	j := &Janitor{
		cfg:        cfg,
		engine:     engine,
		containers: containers,
		scheduler:  scheduler,
		logger:     logger,
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(j.pass),
		gocron.WithName("retention-sweep"),
	); err != nil {
		return nil, fmt.Errorf("register cleanup job: %w", err)
	}
	return j, nil
}

// Start begins the periodic passes.
func (j *Janitor) Start() {
	j.logger.Info("cleanup janitor started",
		"interval", j.cfg.Interval,
		"retention", j.cfg.Retention,
	)
	j.scheduler.Start()
}

// Stop halts the scheduler and waits for a running pass to finish.
func (j *Janitor) Stop() error {
	return j.scheduler.Shutdown()
}

func (j *Janitor) pass() {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Interval)
	defer cancel()
	j.RunOnce(ctx)
}

// RunOnce executes a single cleanup pass and reports what it removed.
func (j *Janitor) RunOnce(ctx context.Context) Report {
	rep := Report{
		EvictedBuilds: j.engine.SweepExpired(j.cfg.Retention),
	}
	rep.OrphanDirs = j.removeOrphans()
	rep.PrunedContainers = j.pruneContainers(ctx)

	if rep.EvictedBuilds > 0 || rep.OrphanDirs > 0 || rep.PrunedContainers > 0 {
		j.logger.Info("cleanup pass finished",
			"evicted_builds", rep.EvictedBuilds,
			"orphan_dirs", rep.OrphanDirs,
			"pruned_containers", rep.PrunedContainers,
		)
	}
	return rep
}

// removeOrphans deletes workspace directories that no registered build
// owns. Young directories are left alone: a build admitted moments ago
// creates its directory before it is visible in the registry.
func (j *Janitor) removeOrphans() int {
	if j.cfg.WorkspaceRoot == "" {
		return 0
	}
	entries, err := os.ReadDir(j.cfg.WorkspaceRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("cannot scan workspace root", "error", err)
		}
		return 0
	}

	live := make(map[string]struct{})
	for _, job := range j.engine.List() {
		live[job.ID] = struct{}{}
	}
	cutoff := time.Now().Add(-j.cfg.Retention)

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := live[entry.Name()]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.cfg.WorkspaceRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			j.logger.Warn("failed to remove orphaned workspace", "path", path, "error", err)
			continue
		}
		j.logger.Info("removed orphaned workspace", "path", path)
		removed++
	}
	return removed
}

// pruneContainers removes stopped sandbox containers whose run crashed
// before its own teardown could.
func (j *Janitor) pruneContainers(ctx context.Context) int {
	if j.containers == nil {
		return 0
	}
	stopped, err := j.containers.ListStoppedContainers(ctx, j.cfg.ContainerPrefix)
	if err != nil {
		j.logger.Warn("cannot list stopped containers", "error", err)
		return 0
	}

	pruned := 0
	for _, c := range stopped {
		if err := j.containers.RemoveContainer(ctx, c.ID); err != nil {
			j.logger.Warn("failed to remove container", "name", c.Name, "error", err)
			continue
		}
		pruned++
	}
	return pruned
}
