// Package engine drives builds end to end: it admits jobs through the
// per-principal guard, runs the analyze/verify/fix/build loop inside the
// sandbox, screens advisor proposals through the safety validator, and
// keeps every job's state in an in-memory registry until its retention
// window lapses. One goroutine per job; a weighted semaphore bounds how
// many build concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/anvillabs/crucible/internal/advisor"
	"github.com/anvillabs/crucible/internal/analyzer"
	"github.com/anvillabs/crucible/internal/artifacts"
	engineerrors "github.com/anvillabs/crucible/internal/engine/errors"
	"github.com/anvillabs/crucible/internal/events"
	"github.com/anvillabs/crucible/internal/guard"
	"github.com/anvillabs/crucible/internal/metrics"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/sandbox"
	"github.com/anvillabs/crucible/internal/secrets"
	"github.com/anvillabs/crucible/internal/validation"
	"github.com/anvillabs/crucible/internal/validator"
)

// Sentinel errors for secret delivery.
var (
	// ErrUnknownBuild is returned for build ids the registry does not hold.
	ErrUnknownBuild = errors.New("unknown build")
	// ErrNotSuccessful is returned when secrets are requested from a build
	// that has not finished successfully.
	ErrNotSuccessful = errors.New("build has not succeeded")
	// ErrSecretsClaimed is returned on every claim after the first.
	ErrSecretsClaimed = errors.New("secrets already claimed")
	// ErrShuttingDown is returned by Submit once Stop has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)

// Runner executes one sandboxed build command.
type Runner interface {
	Run(ctx context.Context, spec sandbox.RunSpec, onLine func(string)) (*sandbox.RunResult, error)
}

// Proposer asks the repair advisor for fixes.
type Proposer interface {
	Propose(ctx context.Context, req advisor.Request) (advisor.ParseResult, error)
}

// SourceFetcher materializes a build's source tree into dest.
type SourceFetcher interface {
	Fetch(ctx context.Context, dest string) error
}

// Config tunes the build loop.
type Config struct {
	// WorkspaceRoot is the directory holding one subdirectory per build.
	WorkspaceRoot string
	// MaxIterations bounds the repair loop, first build included.
	MaxIterations int
	// FixPause is the delay between failed iterations.
	FixPause time.Duration
	// BuildCommand is the tool invocation run in the sandbox.
	BuildCommand []string
	// SandboxTimeout is the wall-clock limit per sandbox run.
	SandboxTimeout time.Duration
	// MaxConcurrentBuilds bounds how many jobs build at once; admitted
	// jobs beyond the cap queue in ready state.
	MaxConcurrentBuilds int64
	// ErrorPatterns are substrings that mark a log as failed even when
	// the build tool exits zero.
	ErrorPatterns []string
}

// DefaultConfig returns the standard loop settings.
func DefaultConfig() Config {
	return Config{
		WorkspaceRoot:       "/var/lib/crucible/builds",
		MaxIterations:       5,
		FixPause:            2 * time.Second,
		BuildCommand:        []string{"anchor", "build"},
		SandboxTimeout:      10 * time.Minute,
		MaxConcurrentBuilds: 4,
		ErrorPatterns:       defaultErrorPatterns(),
	}
}

// defaultErrorPatterns lists log substrings that betray a failed build
// hiding behind a zero exit code.
func defaultErrorPatterns() []string {
	return []string{
		"error[E",
		"error: could not compile",
		"aborting due to",
		"error: failed to parse manifest",
		"error: package collision",
		"linker command failed",
		"cannot find -l",
	}
}

// Deps are the engine's collaborators. Runner and Proposer are required;
// the rest default to their real implementations when nil.
type Deps struct {
	Runner    Runner
	Proposer  Proposer
	Analyzer  *analyzer.Analyzer
	Validator *validator.Validator
	Scanner   *artifacts.Scanner
	Secrets   *secrets.Service
	Context   *advisor.ContextBuilder
	Events    events.Sink
	Recorder  metrics.Recorder
}

// Engine owns the build lifecycle from admission to eviction.
type Engine struct {
	cfg       Config
	registry  *Registry
	guard     *guard.Guard
	runner    Runner
	proposer  Proposer
	analyzer  *analyzer.Analyzer
	validator *validator.Validator
	scanner   *artifacts.Scanner
	secrets   *secrets.Service
	prompts   *advisor.ContextBuilder
	events    events.Sink
	recorder  metrics.Recorder
	sem       *semaphore.Weighted
	logger    *slog.Logger

	wg sync.WaitGroup

	mu     sync.Mutex
	done   map[string]chan struct{}
	vault  map[string][]models.SecretRecord
	closed bool
}

// New creates an engine. Zero-valued config fields fall back to
// DefaultConfig.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = def.WorkspaceRoot
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.FixPause <= 0 {
		cfg.FixPause = def.FixPause
	}
	if len(cfg.BuildCommand) == 0 {
		cfg.BuildCommand = def.BuildCommand
	}
	if cfg.SandboxTimeout <= 0 {
		cfg.SandboxTimeout = def.SandboxTimeout
	}
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = def.MaxConcurrentBuilds
	}
	if len(cfg.ErrorPatterns) == 0 {
		cfg.ErrorPatterns = def.ErrorPatterns
	}

	if deps.Runner == nil {
		return nil, errors.New("engine: runner is required")
	}
	if deps.Proposer == nil {
		return nil, errors.New("engine: proposer is required")
	}
	if deps.Analyzer == nil {
		a, err := analyzer.New(logger)
		if err != nil {
			return nil, fmt.Errorf("engine: create analyzer: %w", err)
		}
		deps.Analyzer = a
	}
	if deps.Validator == nil {
		deps.Validator = validator.New(validator.Config{}, logger)
	}
	if deps.Scanner == nil {
		deps.Scanner = artifacts.NewScanner(logger)
	}
	if deps.Secrets == nil {
		deps.Secrets = secrets.NewService(logger)
	}
	if deps.Context == nil {
		deps.Context = advisor.NewContextBuilder(0, 0, logger)
	}
	if deps.Events == nil {
		deps.Events = events.Fanout{}
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}

	return &Engine{
		cfg:       cfg,
		registry:  NewRegistry(logger),
		guard:     guard.New(logger),
		runner:    deps.Runner,
		proposer:  deps.Proposer,
		analyzer:  deps.Analyzer,
		validator: deps.Validator,
		scanner:   deps.Scanner,
		secrets:   deps.Secrets,
		prompts:   deps.Context,
		events:    deps.Events,
		recorder:  deps.Recorder,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentBuilds),
		logger:    logger,
		done:      make(map[string]chan struct{}),
		vault:     make(map[string][]models.SecretRecord),
	}, nil
}

// SubmitRequest describes one build to admit.
type SubmitRequest struct {
	// Principal is the owning caller; one in-flight build per principal.
	Principal string
	// ProjectName labels the build in advisor prompts and status output.
	ProjectName string
	// Source materializes the tree to compile.
	Source SourceFetcher
	// WorkSubdir optionally points the build tool at a subdirectory of
	// the fetched tree.
	WorkSubdir string
	// AgeRecipient, when set, encrypts extracted keypairs to this age
	// public key instead of delivering them raw.
	AgeRecipient string
	// MaxIterations overrides the configured cap downward; zero keeps
	// the default.
	MaxIterations int
}

// Submit validates and admits a build, fetches its source, and starts its
// run goroutine. The context governs only the fetch; the build itself runs
// detached. Admission fails with a classified error on bad input, with a
// guard.Conflict when the principal already has a build in flight, and
// with ErrShuttingDown once Stop has begun.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (models.BuildJob, error) {
	if req.Principal == "" {
		return models.BuildJob{}, engineerrors.NewValidationError(errors.New("principal is required"))
	}
	if req.Source == nil {
		return models.BuildJob{}, engineerrors.NewValidationError(errors.New("source is required"))
	}
	if err := secrets.ValidateRecipient(req.AgeRecipient); err != nil {
		return models.BuildJob{}, engineerrors.NewValidationError(err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.BuildJob{}, ErrShuttingDown
	}
	e.mu.Unlock()

	id := uuid.NewString()
	token, err := e.guard.Admit(req.Principal, id)
	if err != nil {
		return models.BuildJob{}, err
	}

	workDir := filepath.Join(e.cfg.WorkspaceRoot, id)
	srcDir := filepath.Join(workDir, "src")
	outDir := filepath.Join(workDir, "out")
	for _, dir := range []string{srcDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			token.Release()
			return models.BuildJob{}, fmt.Errorf("create workspace: %w", err)
		}
	}

	if err := req.Source.Fetch(ctx, srcDir); err != nil {
		token.Release()
		os.RemoveAll(workDir)
		return models.BuildJob{}, engineerrors.NewValidationError(fmt.Errorf("fetch source: %w", err))
	}
	if err := checkSourceTree(srcDir, req.WorkSubdir); err != nil {
		token.Release()
		os.RemoveAll(workDir)
		return models.BuildJob{}, err
	}

	maxIter := e.cfg.MaxIterations
	if req.MaxIterations > 0 && req.MaxIterations < maxIter {
		maxIter = req.MaxIterations
	}

	now := time.Now().UTC()
	job := &models.BuildJob{
		ID:            id,
		Principal:     req.Principal,
		ProjectName:   req.ProjectName,
		Status:        models.BuildStatusReady,
		MaxIterations: maxIter,
		WorkDir:       workDir,
		OutputDir:     outDir,
		WorkSubdir:    req.WorkSubdir,
		AgeRecipient:  req.AgeRecipient,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.registry.Add(job); err != nil {
		token.Release()
		os.RemoveAll(workDir)
		return models.BuildJob{}, fmt.Errorf("register build: %w", err)
	}

	e.mu.Lock()
	e.done[id] = make(chan struct{})
	e.mu.Unlock()

	e.publish(&models.Event{
		BuildID: id,
		Type:    models.EventStatus,
		Status:  models.BuildStatusReady,
		Message: "build accepted",
	})
	e.logger.Info("build admitted",
		"build_id", id,
		"principal", req.Principal,
		"project", req.ProjectName,
		"max_iterations", maxIter,
	)

	e.wg.Add(1)
	go e.run(id, token)

	snap, _ := e.registry.Get(id)
	return snap, nil
}

// checkSourceTree verifies the fetched tree is non-empty and that the
// requested working subdirectory stays inside it.
func checkSourceTree(srcDir, subdir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil || len(entries) == 0 {
		return engineerrors.NewMissingSourceError(srcDir)
	}
	if subdir == "" {
		return nil
	}
	abs, _, err := validation.ResolveUnder(srcDir, subdir)
	if err != nil {
		return engineerrors.NewValidationError(fmt.Errorf("working subdirectory: %w", err))
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return engineerrors.NewMissingSourceError(abs)
	}
	return nil
}

// run is the per-job goroutine. The job's context is detached from the
// submit request so async builds survive it; cancellation arrives through
// the registry. The guard token is released on every exit path, panics
// included, so a crashed build never locks out its principal.
func (e *Engine) run(id string, token *guard.Token) {
	defer e.wg.Done()
	defer token.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.registry.SetCancel(id, cancel)
	defer e.registry.ClearCancel(id)
	defer e.finish(id)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("build run panicked", "build_id", id, "panic", r)
			if e.transition(id, models.BuildStatusCancelled, func(j *models.BuildJob) {
				j.Error = fmt.Sprintf("build aborted: %v", r)
			}) {
				e.recorder.IncBuildOutcome(metrics.OutcomeCancelled)
			}
		}
	}()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.markCancelled(id)
		return
	}
	defer e.sem.Release(1)

	e.execute(ctx, id)
}

// finish closes the job's done channel exactly once.
func (e *Engine) finish(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.done[id]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

// Get returns a snapshot of the job.
func (e *Engine) Get(id string) (models.BuildJob, bool) {
	return e.registry.Get(id)
}

// List returns snapshots of all registered jobs.
func (e *Engine) List() []models.BuildJob {
	return e.registry.List()
}

// Wait blocks until the job reaches a terminal status or ctx expires, and
// returns the latest snapshot either way.
func (e *Engine) Wait(ctx context.Context, id string) (models.BuildJob, error) {
	e.mu.Lock()
	ch, ok := e.done[id]
	e.mu.Unlock()
	if !ok {
		if snap, found := e.registry.Get(id); found {
			return snap, nil
		}
		return models.BuildJob{}, ErrUnknownBuild
	}

	select {
	case <-ch:
		snap, _ := e.registry.Get(id)
		return snap, nil
	case <-ctx.Done():
		snap, _ := e.registry.Get(id)
		return snap, ctx.Err()
	}
}

// Cancel requests cancellation of a running or queued build. It reports
// whether a live run was found.
func (e *Engine) Cancel(id string) bool {
	return e.registry.Cancel(id)
}

// ClaimSecrets hands over a successful build's secret records exactly
// once. The records leave the engine's memory on the winning claim; every
// later call gets ErrSecretsClaimed.
func (e *Engine) ClaimSecrets(id string) ([]models.SecretRecord, error) {
	snap, won := e.registry.ClaimSecrets(id)
	if !won {
		switch {
		case snap.ID == "":
			return nil, ErrUnknownBuild
		case snap.Status != models.BuildStatusSuccess:
			return nil, ErrNotSuccessful
		default:
			return nil, ErrSecretsClaimed
		}
	}

	e.mu.Lock()
	records := e.vault[id]
	delete(e.vault, id)
	e.mu.Unlock()

	e.recorder.IncSecretsDelivered(len(records))
	e.logger.Info("secrets claimed", "build_id", id, "records", len(records))
	return records, nil
}

// SweepExpired evicts jobs whose last update is older than retention,
// removes their workspace directories, and drops any unclaimed secrets.
// It returns the number of evicted jobs.
func (e *Engine) SweepExpired(retention time.Duration) int {
	evicted := e.registry.Sweep(retention)
	for _, job := range evicted {
		e.mu.Lock()
		wipeRecords(e.vault[job.ID])
		delete(e.vault, job.ID)
		delete(e.done, job.ID)
		e.mu.Unlock()

		if job.WorkDir != "" {
			if err := os.RemoveAll(job.WorkDir); err != nil {
				e.logger.Warn("failed to remove workspace", "build_id", job.ID, "error", err)
			}
		}
	}
	return len(evicted)
}

// Stop refuses new submissions, cancels every live build, and waits for
// their goroutines to drain or ctx to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	for _, job := range e.registry.List() {
		if !job.Status.IsTerminal() {
			e.registry.Cancel(job.ID)
		}
	}

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("builds still draining: %w", ctx.Err())
	}
}

// Draining reports whether Stop has begun and new submissions are refused.
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// transition moves the job to next when the state machine allows it,
// stamps completion on terminal statuses, publishes the status event, and
// refreshes the active-builds gauge. Disallowed transitions are dropped,
// which makes terminal races (cancel landing after success) harmless.
func (e *Engine) transition(id string, next models.BuildStatus, mutate func(*models.BuildJob)) bool {
	changed := false
	e.registry.Update(id, func(j *models.BuildJob) {
		if !j.Status.CanTransition(next) {
			return
		}
		j.Status = next
		if next.IsTerminal() {
			now := time.Now().UTC()
			j.CompletedAt = &now
		}
		if mutate != nil {
			mutate(j)
		}
		changed = true
	})
	if changed {
		e.publish(&models.Event{
			BuildID: id,
			Type:    models.EventStatus,
			Status:  next,
		})
		e.recorder.SetActiveBuilds(e.registry.RunningCount())
	}
	return changed
}

// publish stamps and emits one event.
func (e *Engine) publish(ev *models.Event) {
	ev.Timestamp = time.Now().UTC()
	e.events.Publish(ev)
}
