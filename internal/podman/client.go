// Package podman drives sandbox containers through the podman CLI.
// Every operation is one invocation of the podman binary; nothing here
// talks to the API socket.
package podman

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// podmanBin is resolved on PATH at invocation time.
const podmanBin = "podman"

// ResourceLimits caps what a container may consume.
type ResourceLimits struct {
	CPUQuota  float64 // CPU cores, fractional allowed
	MemoryMB  int64   // memory ceiling in megabytes
	PidsLimit int64   // process count ceiling
}

// Mount binds a host path into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerConfig describes a single container run.
type ContainerConfig struct {
	Name        string
	Image       string
	Command     []string
	WorkDir     string
	User        string // uid:gid inside the container
	UserNS      string // user namespace mode, e.g. "keep-id"
	NetworkMode string // e.g. "none"
	Env         map[string]string
	Mounts      []Mount
	Limits      *ResourceLimits
	Remove      bool // --rm, podman reaps the container itself
	TTY         bool // allocate a terminal inside the container
}

// runArgs renders the config into a podman run argument vector. Env
// keys are emitted in sorted order, so identical configs always produce
// identical invocations.
func (cfg *ContainerConfig) runArgs() []string {
	args := []string{"run"}
	if cfg.Remove {
		args = append(args, "--rm")
	}
	if cfg.Name != "" {
		args = append(args, "--name="+cfg.Name)
	}
	if cfg.TTY {
		args = append(args, "--tty")
	}
	if cfg.User != "" {
		args = append(args, "--user="+cfg.User)
	}
	if cfg.UserNS != "" {
		args = append(args, "--userns="+cfg.UserNS)
	}
	if cfg.NetworkMode != "" {
		args = append(args, "--network="+cfg.NetworkMode)
	}
	if cfg.WorkDir != "" {
		args = append(args, "--workdir="+cfg.WorkDir)
	}
	args = appendLimitArgs(args, cfg.Limits)
	args = appendMountArgs(args, cfg.Mounts)
	args = appendEnvArgs(args, cfg.Env)
	args = append(args, cfg.Image)
	return append(args, cfg.Command...)
}

// appendLimitArgs emits resource flags. The core count goes through
// --cpus; podman derives the cgroup period and quota from it.
func appendLimitArgs(args []string, l *ResourceLimits) []string {
	if l == nil {
		return args
	}
	if l.CPUQuota > 0 {
		args = append(args, fmt.Sprintf("--cpus=%.2f", l.CPUQuota))
	}
	if l.MemoryMB > 0 {
		args = append(args, fmt.Sprintf("--memory=%dm", l.MemoryMB))
	}
	if l.PidsLimit > 0 {
		args = append(args, fmt.Sprintf("--pids-limit=%d", l.PidsLimit))
	}
	return args
}

func appendMountArgs(args []string, mounts []Mount) []string {
	for _, m := range mounts {
		spec := m.Source + ":" + m.Target + ":rw"
		if m.ReadOnly {
			spec = m.Source + ":" + m.Target + ":ro"
		}
		args = append(args, "--volume="+spec)
	}
	return args
}

func appendEnvArgs(args []string, env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env="+k+"="+env[k])
	}
	return args
}

// ContainerResult reports how a finished container run ended.
type ContainerResult struct {
	ExitCode int
}

// ContainerInfo is one row of a container listing.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    string
	CreatedAt time.Time
}

// Client shells out to podman. Construct with NewClient.
type Client struct {
	logger *slog.Logger
}

// NewClient returns a client that invokes the podman binary on PATH.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{logger: logger}
}

// command prepares one podman invocation and debug-logs the full
// argument vector.
func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	c.logger.Debug("podman invocation", "args", strings.Join(args, " "))
	return exec.CommandContext(ctx, podmanBin, args...)
}

// RunWithStreaming starts the container and copies its output to the
// given writers as it is produced. A container that ran to completion
// yields a result and a nil error even when its exit code is nonzero;
// the error return is reserved for failing to run at all.
func (c *Client) RunWithStreaming(ctx context.Context, cfg *ContainerConfig, stdout, stderr io.Writer) (*ContainerResult, error) {
	cmd := c.command(ctx, cfg.runArgs()...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return &ContainerResult{ExitCode: 0}, nil
	}
	if code, ok := exitCode(err); ok {
		return &ContainerResult{ExitCode: code}, nil
	}
	return nil, fmt.Errorf("podman run %s: %w", cfg.Name, err)
}

// RunCommand returns the prepared podman run invocation without
// starting it. The caller owns the process lifecycle and may attach a
// pty before Start.
func (c *Client) RunCommand(ctx context.Context, cfg *ContainerConfig) *exec.Cmd {
	return c.command(ctx, cfg.runArgs()...)
}

// Pull fetches an image, discarding progress output. On failure the
// last output line is folded into the error.
func (c *Client) Pull(ctx context.Context, image string) error {
	out, err := c.command(ctx, "pull", image).CombinedOutput()
	if err != nil {
		return fmt.Errorf("podman pull %s: %w: %s", image, err, lastLine(out))
	}
	c.logger.Info("image pulled", "image", image)
	return nil
}

// ImageExists reports whether the image is present in local storage.
// podman signals absence through exit code 1.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	err := c.command(ctx, "image", "exists", image).Run()
	if err == nil {
		return true, nil
	}
	if code, ok := exitCode(err); ok && code == 1 {
		return false, nil
	}
	return false, fmt.Errorf("podman image exists %s: %w", image, err)
}

// EnsureImage pulls the image unless local storage already has it.
func (c *Client) EnsureImage(ctx context.Context, image string) error {
	exists, err := c.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return c.Pull(ctx, image)
}

// RemoveContainer force-removes a container by ID or name.
func (c *Client) RemoveContainer(ctx context.Context, idOrName string) error {
	out, err := c.command(ctx, "rm", "--force", idOrName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("podman rm %s: %w: %s", idOrName, err, lastLine(out))
	}
	return nil
}

// psFormat renders one container per line with tab-separated fields.
// Tabs cannot appear in names or image references.
const psFormat = "{{.ID}}\t{{.Names}}\t{{.Image}}\t{{.Status}}\t{{.CreatedAt}}"

// ListStoppedContainers returns exited containers whose name starts
// with namePrefix. An empty prefix matches all exited containers.
func (c *Client) ListStoppedContainers(ctx context.Context, namePrefix string) ([]ContainerInfo, error) {
	out, err := c.command(ctx,
		"ps", "--all",
		"--filter", "status=exited",
		"--format", psFormat,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("podman ps: %w", err)
	}

	var infos []ContainerInfo
	for _, line := range strings.Split(string(out), "\n") {
		info, ok := parseContainerLine(line)
		if !ok {
			continue
		}
		if namePrefix != "" && !strings.HasPrefix(info.Name, namePrefix) {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// parseContainerLine splits one tab-separated ps row. Rows with missing
// fields yield ok=false. The creation time is parsed best effort and
// left zero when the format is not the one current podman prints.
func parseContainerLine(line string) (ContainerInfo, bool) {
	fields := strings.Split(strings.TrimSpace(line), "\t")
	if len(fields) < 4 || fields[0] == "" {
		return ContainerInfo{}, false
	}
	info := ContainerInfo{
		ID:     fields[0],
		Name:   fields[1],
		Image:  fields[2],
		Status: fields[3],
	}
	if len(fields) > 4 {
		if ts, err := time.Parse("2006-01-02 15:04:05 -0700 MST", fields[4]); err == nil {
			info.CreatedAt = ts
		}
	}
	return info, true
}

// exitCode unwraps the exit status from a finished process error.
func exitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// lastLine returns the final non-empty line of command output.
func lastLine(out []byte) string {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return "(no output)"
	}
	lines := strings.Split(trimmed, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
