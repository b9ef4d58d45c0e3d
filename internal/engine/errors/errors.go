// Package errors classifies build failures. Every failure the engine
// records or surfaces carries a category and a machine-readable code, so
// callers and the API layer can react without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error categories.
const (
	CategoryValidation  = "validation"
	CategorySandbox     = "sandbox"
	CategoryTimeout     = "timeout"
	CategoryCompilation = "compilation"
	CategoryAdvisor     = "advisor"
	CategorySafety      = "safety"
	CategoryExhausted   = "exhausted"
)

// Error codes.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeMissingSource       = "MISSING_SOURCE"
	CodeSandboxFailed       = "SANDBOX_FAILED"
	CodeBuildTimeout        = "BUILD_TIMEOUT"
	CodeCompilationFailed   = "COMPILATION_FAILED"
	CodeNoBinaryArtifact    = "NO_BINARY_ARTIFACT"
	CodeErrorsDespiteExitOK = "ERRORS_DESPITE_EXIT_OK"
	CodeAdvisorFailed       = "ADVISOR_FAILED"
	CodeProposalRejected    = "PROPOSAL_REJECTED"
	CodeIterationsExhausted = "ITERATIONS_EXHAUSTED"
)

// Response is the JSON shape a BuildError renders to at the API boundary.
type Response struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Category    string   `json:"category"`
	Suggestions []string `json:"suggestions,omitempty"`
	NextSteps   []string `json:"next_steps,omitempty"`
}

// BuildError is a classified build failure.
type BuildError struct {
	Err         error
	Code        string
	Category    string
	Suggestions []string
	NextSteps   []string
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Code)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// ToResponse renders the error for the API boundary.
func (e *BuildError) ToResponse() *Response {
	return &Response{
		Error:       e.Error(),
		Code:        e.Code,
		Category:    e.Category,
		Suggestions: e.Suggestions,
		NextSteps:   e.NextSteps,
	}
}

// New creates a BuildError with the given code and category.
func New(err error, code, category string) *BuildError {
	return &BuildError{Err: err, Code: code, Category: category}
}

// WithSuggestions sets actionable suggestions on the error.
func (e *BuildError) WithSuggestions(suggestions ...string) *BuildError {
	e.Suggestions = suggestions
	return e
}

// WithNextSteps sets follow-up guidance on the error.
func (e *BuildError) WithNextSteps(steps ...string) *BuildError {
	e.NextSteps = steps
	return e
}

// NewValidationError marks a request rejected before any sandbox work.
func NewValidationError(err error) *BuildError {
	return New(err, CodeInvalidRequest, CategoryValidation).WithSuggestions(
		"Check the request fields against the API description",
	)
}

// NewMissingSourceError marks a submission whose source tree is absent or
// empty.
func NewMissingSourceError(sourceRoot string) *BuildError {
	return New(
		fmt.Errorf("source root %s is missing or empty", sourceRoot),
		CodeMissingSource,
		CategoryValidation,
	).WithSuggestions(
		"Verify the repository URL and ref",
		"For archive uploads, check that the tarball contains the project at its root or pass subdir",
	).WithNextSteps(
		"Resubmit with a reachable source",
	)
}

// NewSandboxError marks an isolation-runtime failure: the container could
// not be created, started, or torn down.
func NewSandboxError(err error) *BuildError {
	return New(
		fmt.Errorf("sandbox failure: %w", err),
		CodeSandboxFailed,
		CategorySandbox,
	).WithSuggestions(
		"Check that the container runtime is installed and healthy",
		"Check host disk space and the toolchain image",
	).WithNextSteps(
		"Retry the build once the runtime is healthy",
	)
}

// NewTimeoutError marks a run that exceeded its wall-clock limit.
func NewTimeoutError(timeout time.Duration) *BuildError {
	return New(
		fmt.Errorf("build exceeded the %s time limit", timeout),
		CodeBuildTimeout,
		CategoryTimeout,
	).WithSuggestions(
		"Increase the sandbox timeout",
		"Reduce the dependency tree or enable a vendored lockfile",
	).WithNextSteps(
		"Raise SANDBOX_TIMEOUT and retry",
	)
}

// NewCompilationError marks the expected, repairable failure: the compiler
// said no.
func NewCompilationError(exitCode int) *BuildError {
	return New(
		fmt.Errorf("compilation failed with exit code %d", exitCode),
		CodeCompilationFailed,
		CategoryCompilation,
	).WithSuggestions(
		"Review the compiler errors in the build log",
	)
}

// NewNoBinaryArtifactError marks a clean exit that produced nothing
// deployable.
func NewNoBinaryArtifactError() *BuildError {
	return New(
		errors.New("build exited cleanly but produced no binary artifact"),
		CodeNoBinaryArtifact,
		CategoryCompilation,
	).WithSuggestions(
		"Check that the project declares at least one program",
		"Check the workspace members in the manifest",
	)
}

// NewErrorsDespiteExitOKError marks a clean exit whose log still contains
// known failure patterns.
func NewErrorsDespiteExitOKError(pattern string) *BuildError {
	return New(
		fmt.Errorf("build exited cleanly but its log matches failure pattern %q", pattern),
		CodeErrorsDespiteExitOK,
		CategoryCompilation,
	).WithSuggestions(
		"Review the build log around the matched pattern",
	)
}

// NewAdvisorError marks an advisor call that failed after its retries.
func NewAdvisorError(err error) *BuildError {
	return New(
		fmt.Errorf("advisor unavailable: %w", err),
		CodeAdvisorFailed,
		CategoryAdvisor,
	).WithSuggestions(
		"Check the advisor endpoint, API key, and rate limits",
	).WithNextSteps(
		"The iteration was skipped; the build continues with the next one",
	)
}

// NewSafetyRejection marks a proposal refused by the fix validator. It
// drops only that proposal, never the batch.
func NewSafetyRejection(path, reason string) *BuildError {
	return New(
		fmt.Errorf("proposal for %s rejected: %s", path, reason),
		CodeProposalRejected,
		CategorySafety,
	)
}

// NewExhaustedError marks a job that ran out of iterations.
func NewExhaustedError(maxIterations int, lastFailure string) *BuildError {
	err := fmt.Errorf("no successful build after %d iterations", maxIterations)
	if lastFailure != "" {
		err = fmt.Errorf("no successful build after %d iterations; last failure: %s", maxIterations, lastFailure)
	}
	return New(err, CodeIterationsExhausted, CategoryExhausted).WithSuggestions(
		"Review the per-iteration failures in the phase history",
		"Fix the project manually and resubmit",
	)
}

// AsBuildError extracts a BuildError from err's chain.
func AsBuildError(err error) (*BuildError, bool) {
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return buildErr, true
	}
	return nil, false
}

// ToResponse renders any error for the API boundary, classifying unknown
// errors as generic compilation failures.
func ToResponse(err error) *Response {
	if buildErr, ok := AsBuildError(err); ok {
		return buildErr.ToResponse()
	}
	return &Response{
		Error:    err.Error(),
		Code:     CodeCompilationFailed,
		Category: CategoryCompilation,
	}
}
