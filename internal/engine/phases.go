package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/anvillabs/crucible/internal/advisor"
	engineerrors "github.com/anvillabs/crucible/internal/engine/errors"
	"github.com/anvillabs/crucible/internal/metrics"
	"github.com/anvillabs/crucible/internal/models"
	"github.com/anvillabs/crucible/internal/sandbox"
)

// adviseOutcome is what the loop does after an advisor phase.
type adviseOutcome int

const (
	// adviseProceed continues to the sandbox run.
	adviseProceed adviseOutcome = iota
	// adviseSkipBuild consumes the iteration without a sandbox run.
	adviseSkipBuild
	// adviseTerminate ends the job with a cannot-fix verdict.
	adviseTerminate
)

// execute drives one job through the repair loop. Iteration 0 analyzes the
// project and asks for structure fixes before the first build; later
// iterations ask for error repairs. Phases append to the job's history in
// program order, a record lands before the next phase begins.
func (e *Engine) execute(ctx context.Context, id string) {
	job, ok := e.registry.Get(id)
	if !ok {
		return
	}
	if !e.transition(id, models.BuildStatusRunning, nil) {
		// cancelled while queued behind the concurrency cap
		return
	}
	runStart := time.Now()
	srcRoot := sourceRoot(job)

	var analysis *models.ProjectAnalysis
	var lastFailure *engineerrors.BuildError
	var lastLog string
	var attempts []models.FixAttemptRecord

	for i := 0; i < job.MaxIterations; i++ {
		if ctx.Err() != nil {
			e.markCancelled(id)
			return
		}

		if i == 0 {
			analysis = e.analyzePhase(ctx, id, srcRoot)
			outcome, why, attempt := e.advisePhase(ctx, id, models.PhaseVerifying, 0, srcRoot, job.ProjectName, analysis, "", nil)
			if outcome == adviseTerminate {
				e.markCannotFix(id, why, i, runStart)
				return
			}
			// the first build runs even when the advisor is unreachable;
			// there is no failure to repair yet
			if attempt != nil {
				attempts = append(attempts, *attempt)
			}
		} else {
			outcome, why, attempt := e.advisePhase(ctx, id, models.PhaseFixing, i, srcRoot, job.ProjectName, analysis, failureContext(lastFailure, lastLog), attempts)
			switch outcome {
			case adviseTerminate:
				e.markCannotFix(id, why, i, runStart)
				return
			case adviseSkipBuild:
				if !e.pause(ctx, id, i, job.MaxIterations) {
					return
				}
				continue
			}
			if attempt != nil {
				attempts = append(attempts, *attempt)
			}
		}

		set, combinedLog, failure := e.buildPhase(ctx, id, job, i)
		if failure == nil {
			e.succeed(ctx, id, job, set, i, runStart)
			return
		}
		lastFailure, lastLog = failure, combinedLog
		if !e.pause(ctx, id, i, job.MaxIterations) {
			return
		}
	}

	e.markExhausted(id, lastFailure, job.MaxIterations, runStart)
}

// analyzePhase runs the static analyzer. Analysis is best-effort: failure
// is recorded and the build proceeds without it.
func (e *Engine) analyzePhase(ctx context.Context, id, srcRoot string) *models.ProjectAnalysis {
	began := e.beginPhase(id, models.PhaseAnalyzing, 0)

	analysis, err := e.analyzer.Analyze(ctx, srcRoot)
	if err != nil {
		e.logger.Warn("project analysis failed", "build_id", id, "error", err)
		e.recordPhase(id, models.PhaseRecord{
			Phase:     models.PhaseAnalyzing,
			Iteration: 0,
			Outcome:   models.PhaseOutcomeFailed,
			Detail:    err.Error(),
		}, began)
		return nil
	}

	e.recordPhase(id, models.PhaseRecord{
		Phase:     models.PhaseAnalyzing,
		Iteration: 0,
		Outcome:   models.PhaseOutcomeSuccess,
		Detail:    fmt.Sprintf("%d files, %d dependencies", len(analysis.Files), len(analysis.Dependencies)),
	}, began)
	return analysis
}

// advisePhase runs one advisor consultation and applies whatever survives
// the safety validator. A failed advisor call at iteration 0 still
// proceeds to the build; from iteration 1 on it skips the rebuild and
// consumes the slot. A cannot-fix verdict terminates at any iteration.
func (e *Engine) advisePhase(
	ctx context.Context,
	id string,
	phase models.Phase,
	iteration int,
	srcRoot, projectName string,
	analysis *models.ProjectAnalysis,
	failureCtx string,
	attempts []models.FixAttemptRecord,
) (adviseOutcome, string, *models.FixAttemptRecord) {
	began := e.beginPhase(id, phase, iteration)

	req := advisor.Request{
		ProjectName:  projectName,
		ErrorContext: failureCtx,
		Iteration:    iteration,
		Previous:     attempts,
		Analysis:     analysis,
	}
	req, err := e.prompts.BuildContext(ctx, srcRoot, req)
	var res advisor.ParseResult
	if err == nil {
		res, err = e.proposer.Propose(ctx, req)
	}
	if err != nil {
		e.recorder.IncAdvisorRequest(metrics.AdvisorFailed)
		advErr := engineerrors.NewAdvisorError(err)
		e.registry.Update(id, func(j *models.BuildJob) { j.Error = advErr.Error() })
		e.recordPhase(id, models.PhaseRecord{
			Phase:     phase,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeFailed,
			Detail:    advErr.Error(),
		}, began)
		if iteration == 0 {
			return adviseProceed, "", nil
		}
		return adviseSkipBuild, "", nil
	}

	if res.Parsed && res.Response.CannotFix {
		e.recorder.IncAdvisorRequest(metrics.AdvisorCannotFix)
		why := strings.TrimSpace(res.Response.Reasoning)
		if why == "" {
			why = "advisor declined: no safe fix available"
		}
		e.recordPhase(id, models.PhaseRecord{
			Phase:     phase,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeCannotFix,
			Detail:    why,
		}, began)
		return adviseTerminate, why, nil
	}

	if !res.Parsed {
		e.recorder.IncAdvisorRequest(metrics.AdvisorUnparsed)
		e.recordPhase(id, models.PhaseRecord{
			Phase:     phase,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeNoFixes,
			Detail:    "advisor reply contained no parseable fixes",
		}, began)
		return adviseProceed, "", nil
	}

	e.recorder.IncAdvisorRequest(metrics.AdvisorOK)
	proposals := res.Response.Fixes
	if len(proposals) == 0 {
		e.recordPhase(id, models.PhaseRecord{
			Phase:     phase,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeNoFixes,
			Detail:    "advisor proposed no changes",
		}, began)
		return adviseProceed, "", nil
	}

	result := e.validator.Validate(ctx, proposals, iteration, srcRoot)
	e.recorder.IncFixProposals(metrics.FixApplied, len(result.Applied))
	e.recorder.IncFixProposals(metrics.FixRejected, len(result.Rejected))

	if len(result.Applied) == 0 {
		// every proposal rejected; rebuild anyway, the prior partial
		// fixes or the rejection itself may not matter
		first := result.Rejected[0]
		rejection := engineerrors.NewSafetyRejection(first.Proposal.Path, first.Reason)
		e.recordPhase(id, models.PhaseRecord{
			Phase:     phase,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeFailed,
			Detail:    fmt.Sprintf("all %d proposals rejected: %s", len(result.Rejected), rejection.Error()),
		}, began)
		return adviseProceed, "", nil
	}

	paths := make([]string, 0, len(result.Applied))
	for _, p := range result.Applied {
		paths = append(paths, p.Path)
	}
	attempt := models.FixAttemptRecord{
		Iteration: iteration,
		Paths:     paths,
		Summary:   summarizeAttempt(res.Response.Reasoning, result.Applied),
	}
	e.registry.Update(id, func(j *models.BuildJob) {
		j.Attempts = append(j.Attempts, attempt)
	})
	e.recordPhase(id, models.PhaseRecord{
		Phase:     phase,
		Iteration: iteration,
		Outcome:   models.PhaseOutcomeFixed,
		Detail:    fmt.Sprintf("applied %d of %d proposals: %s", len(result.Applied), len(proposals), strings.Join(paths, ", ")),
	}, began)
	return adviseProceed, "", &attempt
}

// buildPhase runs the build command in the sandbox and post-checks the
// result. A zero exit code is not success by itself: the output must hold
// at least one binary and the log must be free of known failure patterns.
func (e *Engine) buildPhase(ctx context.Context, id string, job models.BuildJob, iteration int) (*models.ArtifactSet, string, *engineerrors.BuildError) {
	began := e.beginPhase(id, models.PhaseBuilding, iteration)

	spec := sandbox.RunSpec{
		BuildID:       job.ID,
		Iteration:     iteration,
		SourceRoot:    sourceRoot(job),
		OutputRoot:    job.OutputDir,
		WorkingSubdir: job.WorkSubdir,
		Command:       e.cfg.BuildCommand,
		Timeout:       e.cfg.SandboxTimeout,
	}
	res, err := e.runner.Run(ctx, spec, func(line string) {
		e.publish(&models.Event{
			BuildID:   job.ID,
			Type:      models.EventLog,
			Iteration: iteration,
			Message:   line,
		})
	})
	if err != nil {
		failure := engineerrors.NewSandboxError(err)
		e.registry.Update(id, func(j *models.BuildJob) { j.Error = failure.Error() })
		e.recordPhase(id, models.PhaseRecord{
			Phase:     models.PhaseBuilding,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeFailed,
			Detail:    failure.Error(),
		}, began)
		return nil, "", failure
	}

	var failure *engineerrors.BuildError
	var set *models.ArtifactSet
	switch {
	case res.TimedOut:
		failure = engineerrors.NewTimeoutError(e.cfg.SandboxTimeout)
	case res.ExitCode != 0:
		failure = engineerrors.NewCompilationError(res.ExitCode)
	default:
		scanned, scanErr := e.scanner.Scan(ctx, job.OutputDir)
		switch {
		case scanErr != nil:
			failure = engineerrors.NewSandboxError(fmt.Errorf("scan artifacts: %w", scanErr))
		case len(scanned.Binaries) == 0:
			failure = engineerrors.NewNoBinaryArtifactError()
		default:
			if pattern, found := matchErrorPattern(res.CombinedLog, e.cfg.ErrorPatterns); found {
				failure = engineerrors.NewErrorsDespiteExitOKError(pattern)
			} else {
				set = scanned
			}
		}
	}

	errorLines := extractErrorLines(res.CombinedLog, maxErrorLines)
	e.registry.Update(id, func(j *models.BuildJob) {
		j.Logs += res.CombinedLog
		if failure != nil {
			j.Error = failure.Error()
			j.ErrorLines = errorLines
		}
	})

	if failure != nil {
		e.recordPhase(id, models.PhaseRecord{
			Phase:     models.PhaseBuilding,
			Iteration: iteration,
			Outcome:   models.PhaseOutcomeFailed,
			Detail:    failure.Error(),
		}, began)
		return nil, res.CombinedLog, failure
	}

	e.recordPhase(id, models.PhaseRecord{
		Phase:     models.PhaseBuilding,
		Iteration: iteration,
		Outcome:   models.PhaseOutcomeSuccess,
		Detail:    fmt.Sprintf("exit 0 in %s, %d binaries", res.Duration.Round(time.Millisecond), len(set.Binaries)),
	}, began)
	return set, res.CombinedLog, nil
}

// succeed extracts and purges secrets, then flips the job to success. The
// delivery context is detached from the run context: a cancellation
// arriving this late must not leave key material on disk.
func (e *Engine) succeed(ctx context.Context, id string, job models.BuildJob, set *models.ArtifactSet, iteration int, runStart time.Time) {
	deliverCtx := context.WithoutCancel(ctx)

	records, err := e.secrets.Extract(deliverCtx, job.OutputDir, set.Credentials, job.AgeRecipient)
	if err != nil {
		e.logger.Error("secret extraction failed", "build_id", id, "error", err)
		records = nil
	}
	e.mu.Lock()
	e.vault[id] = cloneRecords(records)
	e.mu.Unlock()
	if err := e.secrets.Purge(deliverCtx, job.OutputDir, records); err != nil {
		e.logger.Error("secret purge incomplete", "build_id", id, "error", err)
	}

	e.transition(id, models.BuildStatusSuccess, func(j *models.BuildJob) {
		j.Iteration = iteration + 1
		j.Error = ""
		j.ErrorLines = nil
	})
	e.recorder.IncBuildOutcome(metrics.OutcomeSucceeded)
	e.recorder.ObserveBuildDuration(time.Since(runStart))
	e.recorder.ObserveIterations(iteration + 1)
	e.logger.Info("build succeeded",
		"build_id", id,
		"iterations", iteration+1,
		"binaries", len(set.Binaries),
		"secrets", len(records),
	)
}

// markCancelled flips the job to cancelled, from either running or a
// queued ready state.
func (e *Engine) markCancelled(id string) {
	if e.transition(id, models.BuildStatusCancelled, func(j *models.BuildJob) {
		j.Error = "build cancelled"
	}) {
		e.recorder.IncBuildOutcome(metrics.OutcomeCancelled)
		e.logger.Info("build cancelled", "build_id", id)
	}
}

// markCannotFix terminates the job on the advisor's explicit verdict.
func (e *Engine) markCannotFix(id, why string, iteration int, runStart time.Time) {
	e.transition(id, models.BuildStatusCannotFix, func(j *models.BuildJob) {
		j.CannotFixWhy = why
	})
	e.recorder.IncBuildOutcome(metrics.OutcomeCannotFix)
	e.recorder.ObserveBuildDuration(time.Since(runStart))
	e.recorder.ObserveIterations(iteration + 1)
	e.logger.Info("build cannot be fixed", "build_id", id, "reason", why)
}

// markExhausted terminates the job after the iteration budget ran out.
func (e *Engine) markExhausted(id string, lastFailure *engineerrors.BuildError, maxIterations int, runStart time.Time) {
	lastMsg := "no successful build within the iteration budget"
	if lastFailure != nil {
		lastMsg = lastFailure.Error()
	}
	exhErr := engineerrors.NewExhaustedError(maxIterations, lastMsg)
	e.transition(id, models.BuildStatusExhausted, func(j *models.BuildJob) {
		j.Iteration = maxIterations
		j.Error = exhErr.Error()
	})
	e.recorder.IncBuildOutcome(metrics.OutcomeFailed)
	e.recorder.ObserveBuildDuration(time.Since(runStart))
	e.recorder.ObserveIterations(maxIterations)
	e.logger.Warn("build exhausted",
		"build_id", id,
		"iterations", maxIterations,
		"last_failure", lastMsg,
	)
}

// pause waits between failed iterations so the advisor is not hammered.
// It returns false when the job was cancelled while waiting. The final
// iteration does not pause: exhaustion follows immediately.
func (e *Engine) pause(ctx context.Context, id string, iteration, maxIterations int) bool {
	if iteration >= maxIterations-1 {
		return true
	}
	select {
	case <-time.After(e.cfg.FixPause):
		return true
	case <-ctx.Done():
		e.markCancelled(id)
		return false
	}
}

// beginPhase points the job at the phase now starting and announces it.
func (e *Engine) beginPhase(id string, phase models.Phase, iteration int) time.Time {
	e.registry.Update(id, func(j *models.BuildJob) {
		j.Phase = phase
		j.Iteration = iteration
	})
	e.publish(&models.Event{
		BuildID:   id,
		Type:      models.EventPhase,
		Phase:     phase,
		Iteration: iteration,
		Message:   "started",
	})
	return time.Now()
}

// recordPhase appends one phase record, announces its outcome, and
// observes the phase duration.
func (e *Engine) recordPhase(id string, rec models.PhaseRecord, began time.Time) {
	rec.Timestamp = time.Now().UTC()
	e.registry.Update(id, func(j *models.BuildJob) {
		j.Phases = append(j.Phases, rec)
	})
	message := rec.Detail
	if message == "" {
		message = string(rec.Outcome)
	}
	e.publish(&models.Event{
		BuildID:   id,
		Type:      models.EventPhase,
		Phase:     rec.Phase,
		Iteration: rec.Iteration,
		Message:   message,
	})
	e.recorder.ObservePhaseDuration(string(rec.Phase), time.Since(began))
}

// sourceRoot is where a job's fetched tree lives inside its workspace.
func sourceRoot(job models.BuildJob) string {
	return filepath.Join(job.WorkDir, "src")
}

// matchErrorPattern returns the first configured pattern found in log.
func matchErrorPattern(log string, patterns []string) (string, bool) {
	for _, p := range patterns {
		if strings.Contains(log, p) {
			return p, true
		}
	}
	return "", false
}
