// Package sandbox executes compilation jobs inside isolated Podman containers.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/anvillabs/crucible/internal/podman"
	"github.com/anvillabs/crucible/internal/validation"
)

// Config holds executor configuration.
type Config struct {
	Image     string        // Toolchain image with compilers pre-installed
	User      string        // Container user, e.g. "1000:1000"
	MemoryMB  int64         // Memory cap in megabytes
	CPUCores  float64       // CPU cap in cores
	PidsLimit int64         // Maximum number of PIDs
	Timeout   time.Duration // Wall-clock limit per run
	UsePTY    bool          // Attach a pseudo-terminal for interleaved output
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Image:     "ghcr.io/anvillabs/crucible-toolchain:latest",
		User:      "1000:1000",
		MemoryMB:  4096,
		CPUCores:  2.0,
		PidsLimit: 512,
		Timeout:   10 * time.Minute,
	}
}

// RunSpec describes one sandboxed run.
type RunSpec struct {
	BuildID       string
	Iteration     int
	SourceRoot    string   // Host directory holding the project source
	OutputRoot    string   // Host directory receiving build outputs
	WorkingSubdir string   // Optional subdirectory inside the source tree
	Command       []string // Tool invocation, e.g. ["anchor", "build"]
	Timeout       time.Duration
}

// RunResult holds the outcome of a sandboxed run.
type RunResult struct {
	ExitCode    int
	CombinedLog string
	OutputRoot  string
	Duration    time.Duration
	TimedOut    bool
}

// Executor runs build commands in throwaway containers. The source tree is
// mounted read-only and copied into the container before the tool runs, so a
// run can never mutate the host tree. The output directory is the only
// host-visible writable location.
type Executor struct {
	client *podman.Client
	cfg    Config
	logger *slog.Logger
}

// NewExecutor creates a sandbox executor.
func NewExecutor(client *podman.Client, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes spec.Command inside an isolated container and returns the exit
// code together with the full combined output. onLine, when non-nil, receives
// each completed output line as it is produced. The container is removed on
// every path, including timeout and panic.
func (e *Executor) Run(ctx context.Context, spec RunSpec, onLine func(string)) (*RunResult, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("sandbox run for build %s has no command", spec.BuildID)
	}

	workdir := scratchRoot
	if spec.WorkingSubdir != "" {
		// The subdir must stay inside the copied tree.
		_, rel, err := validation.ResolveUnder(spec.SourceRoot, spec.WorkingSubdir)
		if err != nil {
			return nil, fmt.Errorf("resolving working subdir: %w", err)
		}
		if rel != "." {
			workdir = scratchRoot + "/" + rel
		}
	}

	if err := prepareOutputRoot(spec.OutputRoot); err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName := fmt.Sprintf("crucible-build-%s-i%d", spec.BuildID, spec.Iteration)

	// Removal uses a fresh context: the run context is already dead when a
	// timeout fires, and teardown must still happen.
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer rmCancel()
		if err := e.client.RemoveContainer(rmCtx, containerName); err != nil {
			e.logger.Debug("sandbox container already gone", "name", containerName)
		}
	}()

	script := buildScript(workdir, spec.Command)

	cfg := &podman.ContainerConfig{
		Name:    containerName,
		Image:   e.cfg.Image,
		Command: []string{"sh", "-c", script},
		WorkDir: "/tmp",
		User:    e.cfg.User,
		UserNS:  "keep-id",
		Mounts: []podman.Mount{
			{Source: spec.SourceRoot, Target: "/src", ReadOnly: true},
			{Source: spec.OutputRoot, Target: "/out", ReadOnly: false},
		},
		Limits: &podman.ResourceLimits{
			CPUQuota:  e.cfg.CPUCores,
			MemoryMB:  e.cfg.MemoryMB,
			PidsLimit: e.cfg.PidsLimit,
		},
		Remove:      true,
		NetworkMode: "none",
		TTY:         e.cfg.UsePTY,
		Env: map[string]string{
			"HOME":             "/tmp",
			"CARGO_TERM_COLOR": "never",
		},
	}

	var logBuffer bytes.Buffer
	lineWriter := &lineCallbackWriter{
		callback: func(line string) {
			if onLine != nil {
				onLine(line)
			}
		},
		buffer: &logBuffer,
	}

	e.logger.Info("starting sandboxed run",
		"build_id", spec.BuildID,
		"iteration", spec.Iteration,
		"command", strings.Join(spec.Command, " "),
		"timeout", timeout,
	)

	start := time.Now()

	var exitCode int
	var runErr error
	if e.cfg.UsePTY {
		exitCode, runErr = e.runWithPTY(runCtx, cfg, lineWriter)
	} else {
		var containerResult *podman.ContainerResult
		containerResult, runErr = e.client.RunWithStreaming(runCtx, cfg, lineWriter, lineWriter)
		if containerResult != nil {
			exitCode = containerResult.ExitCode
		}
	}
	lineWriter.Flush()
	duration := time.Since(start)

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)

	result := &RunResult{
		ExitCode:    exitCode,
		CombinedLog: logBuffer.String(),
		OutputRoot:  spec.OutputRoot,
		Duration:    duration,
		TimedOut:    timedOut,
	}

	if runErr != nil && !timedOut {
		return result, fmt.Errorf("running sandbox container: %w", runErr)
	}
	if timedOut {
		// The partial log is already accumulated; the caller decides how to
		// surface the timeout.
		result.ExitCode = -1
	}

	e.logger.Info("sandboxed run finished",
		"build_id", spec.BuildID,
		"iteration", spec.Iteration,
		"exit_code", result.ExitCode,
		"timed_out", timedOut,
		"duration", duration,
	)

	return result, nil
}

// runWithPTY runs the container attached to a pseudo-terminal so stdout and
// stderr interleave exactly as a terminal would show them.
func (e *Executor) runWithPTY(ctx context.Context, cfg *podman.ContainerConfig, w io.Writer) (int, error) {
	cmd := e.client.RunCommand(ctx, cfg)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return -1, fmt.Errorf("starting pty: %w", err)
	}
	defer ptmx.Close()

	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 200}); err != nil {
		e.logger.Debug("setting pty size failed", "error", err)
	}

	// Reading returns EIO once the child exits; that is the normal EOF here.
	_, _ = io.Copy(w, ptmx)

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("waiting for sandbox: %w", err)
	}
	return 0, nil
}

// prepareOutputRoot creates the output directory and makes it world-writable
// so the container user can write into it regardless of uid mapping.
func prepareOutputRoot(outputRoot string) error {
	if outputRoot == "" {
		return fmt.Errorf("output root is required")
	}
	if err := os.MkdirAll(outputRoot, 0o777); err != nil {
		return fmt.Errorf("creating output root: %w", err)
	}
	// MkdirAll applies the umask; chmod sets the final mode.
	if err := os.Chmod(outputRoot, 0o777); err != nil {
		return fmt.Errorf("opening output root permissions: %w", err)
	}
	return nil
}

// scratchRoot is the in-container scratch tree. It lives under /tmp so the
// unprivileged container user can create it in any image.
const scratchRoot = "/tmp/work"

// buildScript renders the in-container script: copy the read-only source into
// the scratch tree, run the tool there, and mirror its target directory into
// the mounted output root on success.
func buildScript(workdir string, command []string) string {
	cmd := strings.Join(command, " ")
	return fmt.Sprintf(`set -e
echo "=== Copying project into sandbox ==="
mkdir -p %[1]s
cp -a /src/. %[1]s/
cd %[2]s
echo "=== Running %[3]s ==="
%[3]s 2>&1
echo ""
echo "=== Mirroring build outputs ==="
if [ -d target ]; then cp -a target/. /out/; fi
echo "=== Sandbox run complete ==="
`, scratchRoot, workdir, cmd)
}

// lineCallbackWriter is an io.Writer that calls a callback for each complete
// line while also accumulating the full stream.
type lineCallbackWriter struct {
	callback func(line string)
	buffer   *bytes.Buffer
	partial  bytes.Buffer
}

func (w *lineCallbackWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	w.buffer.Write(p)

	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// No complete line yet, put it back
			w.partial.WriteString(line)
			break
		}
		w.callback(strings.TrimRight(line, "\r\n"))
	}

	return n, nil
}

// Flush emits any trailing partial line.
func (w *lineCallbackWriter) Flush() {
	if w.partial.Len() > 0 {
		w.callback(strings.TrimRight(w.partial.String(), "\r\n"))
		w.partial.Reset()
	}
}
