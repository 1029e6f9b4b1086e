package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// dockerCLI drives the container runtime through the docker binary. In
// production DOCKER_HOST points at a restricted socket proxy that exposes
// only container and image operations — no exec, no volumes, no privileged
// calls — so this layer never uses features outside that surface.
type dockerCLI struct {
	host string // overrides DOCKER_HOST when non-empty
}

func (d *dockerCLI) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: args are constructed internally, not from user input
	if d.host != "" {
		cmd.Env = append(cmd.Environ(), "DOCKER_HOST="+d.host)
	}
	return cmd
}

// run executes a docker command and returns stdout.
func (d *dockerCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := d.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %s: %w", args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Ping verifies the daemon (or proxy) is reachable.
func (d *dockerCLI) Ping(ctx context.Context) error {
	_, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	return err
}

// EnsureImage pulls the image unless it is already present.
func (d *dockerCLI) EnsureImage(ctx context.Context, image string) error {
	if _, err := d.run(ctx, "image", "inspect", "--format", "{{.Id}}", image); err == nil {
		return nil
	}
	_, err := d.run(ctx, "pull", image)
	return err
}

// createOpts are the per-container isolation settings.
type createOpts struct {
	name      string
	image     string
	script    string
	network   string // "none" or "bridge"
	memory    string
	cpus      float64
	pidsLimit int
	tmpfsSize string
}

// Create builds a stopped container with all capabilities dropped,
// no-new-privileges, resource limits, and tmpfs for the writable scratch
// paths. No bind mounts: files enter via UploadWorkspace.
func (d *dockerCLI) Create(ctx context.Context, opts createOpts) (string, error) {
	args := []string{
		"create",
		"--name", opts.name,
		"--label", "tumbler.role=sandbox",
		"--workdir", "/workspace",
		"--network", opts.network,
		"--cap-drop=ALL",
		"--security-opt", "no-new-privileges",
		"--memory", opts.memory,
		"--cpus", strconv.FormatFloat(opts.cpus, 'f', -1, 64),
		"--pids-limit", strconv.Itoa(opts.pidsLimit),
		"--tmpfs", "/tmp:size=" + opts.tmpfsSize,
		"--tmpfs", "/root:size=64m",
		opts.image,
		"sh", "-c", opts.script,
	}
	out, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// UploadWorkspace streams an in-memory tar into the container's /workspace.
func (d *dockerCLI) UploadWorkspace(ctx context.Context, containerID string, tarData []byte) error {
	cmd := d.command(ctx, "cp", "-", containerID+":/workspace")
	cmd.Stdin = bytes.NewReader(tarData)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker cp upload: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// DownloadWorkspace streams the container's /workspace back out as a tar.
// consume reads the stream; the archive entries are prefixed "workspace/".
func (d *dockerCLI) DownloadWorkspace(ctx context.Context, containerID string, consume func(io.Reader) error) error {
	cmd := d.command(ctx, "cp", containerID+":/workspace", "-")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("docker cp download: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("docker cp download: %w", err)
	}
	consumeErr := consume(stdout)
	waitErr := cmd.Wait()
	if consumeErr != nil {
		return consumeErr
	}
	if waitErr != nil {
		return fmt.Errorf("docker cp download: %s: %w", strings.TrimSpace(stderr.String()), waitErr)
	}
	return nil
}

// Start starts a created container.
func (d *dockerCLI) Start(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "start", containerID)
	return err
}

// Wait blocks until the container exits and returns its exit code. Context
// cancellation (including phase timeouts) aborts the wait.
func (d *dockerCLI) Wait(ctx context.Context, containerID string) (int, error) {
	out, err := d.run(ctx, "wait", containerID)
	if err != nil {
		return -1, err
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(out))
	if convErr != nil {
		return -1, fmt.Errorf("docker wait: bad exit code %q", out)
	}
	return code, nil
}

// Logs returns the container's stdout and stderr separately.
func (d *dockerCLI) Logs(ctx context.Context, containerID string) (stdout, stderr string, err error) {
	cmd := d.command(ctx, "logs", containerID)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", "", fmt.Errorf("docker logs: %w", err)
	}
	return outBuf.String(), errBuf.String(), nil
}

// Kill force-stops a running container.
func (d *dockerCLI) Kill(ctx context.Context, containerID string) {
	_, _ = d.run(ctx, "kill", containerID)
}

// Remove force-removes a container. Used on every exit path.
func (d *dockerCLI) Remove(ctx context.Context, containerID string) {
	_, _ = d.run(ctx, "rm", "-f", containerID)
}
