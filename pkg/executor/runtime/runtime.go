// Package runtime defines the pluggable process-runtime interface
// LocalAgent invokes each Executable through (spec §4.4 "built-in docker,
// built-in other, or a plugin-provided runtime"), plus the two built-ins.
// OtherRuntime shells out with os/exec.CommandContext so cancellation
// (spec §4.4/§5) kills the underlying process the same way the teacher's
// CommandRunner.RunWithOutput does (pkg/common/runner/command.go).
// DockerRuntime drives the real Docker Engine API client instead of
// wrapping the `docker` CLI, unlike the teacher's own DockerCmdRunner
// (pkg/core/docker/dockerclient.go) — the catalog only ever gives a
// runtime an image reference and an argv, which the SDK's ContainerCreate
// covers directly without a shell in between.
package runtime

import (
	"bufio"
	"context"
	"io"
	"os/exec"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
)

// Runtime runs one Executable and hands each line of its combined output
// to onLine. It must return promptly once ctx is cancelled.
type Runtime interface {
	Run(ctx context.Context, path string, args []string, onLine func(line string)) error
}

// Registry resolves a runtime name ("docker", "other", or a plugin name) to
// an implementation.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry returns a Registry pre-populated with the "other" and
// "docker" built-ins.
func NewRegistry() *Registry {
	return &Registry{runtimes: map[string]Runtime{
		"other":  OtherRuntime{},
		"docker": DockerRuntime{},
	}}
}

// Register installs or replaces a plugin-provided runtime.
func (r *Registry) Register(name string, rt Runtime) {
	r.runtimes[name] = rt
}

// Get resolves name, falling back to "other" when name is empty.
func (r *Registry) Get(name string) (Runtime, bool) {
	if name == "" {
		name = "other"
	}
	rt, ok := r.runtimes[name]
	return rt, ok
}

// OtherRuntime runs path directly as a native process. It collects the
// process's combined stdout/stderr and passes the lines to onLine only
// after the process has exited; nothing is delivered while it runs.
type OtherRuntime struct{}

func (OtherRuntime) Run(ctx context.Context, path string, args []string, onLine func(line string)) error {
	return runCommand(ctx, path, args, onLine)
}

// DockerRuntime runs path as an image reference, equivalent to
// `docker run --rm <path> <args...>`, via the Docker Engine API rather than
// shelling out to the CLI.
//
// TODO: pull volume mounts and resource limits from the service catalog
// entry once the catalog carries them; for now every container gets the
// daemon's defaults plus AutoRemove.
type DockerRuntime struct{}

func (DockerRuntime) Run(ctx context.Context, path string, args []string, onLine func(line string)) error {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	created, err := cli.ContainerCreate(ctx,
		&container.Config{Image: path, Cmd: args, AttachStdout: true, AttachStderr: true},
		&container.HostConfig{AutoRemove: true},
		nil, nil, "")
	if err != nil {
		return err
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return err
	}

	logs, err := cli.ContainerLogs(ctx, created.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	go streamLines(logs, onLine)

	statusCh, errCh := cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return err
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return &ExitError{Code: int(status.StatusCode)}
		}
		return nil
	}
}

// ExitError reports a nonzero container exit status the way os/exec.ExitError
// reports a nonzero process exit status, so classifyError can treat both
// runtimes identically.
type ExitError struct{ Code int }

func (e *ExitError) Error() string { return "container exited with a nonzero status" }
func (e *ExitError) ExitCode() int { return e.Code }

func streamLines(r io.ReadCloser, onLine func(line string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
}

func runCommand(ctx context.Context, path string, args []string, onLine func(line string)) error {
	cmd := exec.CommandContext(ctx, path, args...)
	out, err := cmd.CombinedOutput()
	for _, line := range splitLines(out) {
		onLine(line)
	}
	return err
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}
