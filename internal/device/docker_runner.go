package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ErrContainerNotRunning is returned when the emulator container is missing
// or stopped.
var ErrContainerNotRunning = errors.New("device container is not running")

// execAPI is the subset of the docker client used to run adb in a container.
type execAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerRunner runs adb inside an emulator container through docker exec.
type DockerRunner struct {
	cli         execAPI
	containerID string
	adbPath     string
}

// NewDockerRunner connects to the docker daemon from the environment.
func NewDockerRunner(containerID, adbPath string) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	slog.Info("Docker client initialized", "container", containerID)
	return newDockerRunner(cli, containerID, adbPath), nil
}

func newDockerRunner(cli execAPI, containerID, adbPath string) *DockerRunner {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &DockerRunner{cli: cli, containerID: containerID, adbPath: adbPath}
}

// Run implements Runner.
func (r *DockerRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	inspect, err := r.cli.ContainerInspect(ctx, r.containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s not found", ErrContainerNotRunning, r.containerID)
		}
		return nil, fmt.Errorf("inspect container %s: %w", r.containerID, err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil || !inspect.State.Running {
		return nil, fmt.Errorf("%w: %s", ErrContainerNotRunning, r.containerID)
	}

	cmd := append([]string{r.adbPath}, args...)
	resp, err := r.cli.ContainerExecCreate(ctx, r.containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create exec for adb %s: %w", args[0], err)
	}

	attachResp, err := r.cli.ContainerExecAttach(ctx, resp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec for adb %s: %w", args[0], err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("read adb %s output: %w", args[0], err)
	}

	execInspect, err := r.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect adb %s exec: %w", args[0], err)
	}
	if execInspect.ExitCode != 0 {
		return stdout.Bytes(), fmt.Errorf("adb %s failed with exit code %d: %s", args[0], execInspect.ExitCode, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
