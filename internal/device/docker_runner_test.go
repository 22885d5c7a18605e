package device

import (
	"context"
	"net"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecAPI struct {
	running  bool
	missing  bool
	stdout   string
	stderr   string
	exitCode int
	lastCmd  []string
}

func (f *fakeExecAPI) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	if f.missing {
		return container.InspectResponse{}, errdefs.ErrNotFound
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: id, State: &container.State{Running: f.running}},
	}, nil
}

func (f *fakeExecAPI) ContainerExecCreate(_ context.Context, _ string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.lastCmd = opts.Cmd
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeExecAPI) ContainerExecAttach(_ context.Context, _ string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		if f.stdout != "" {
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte(f.stdout))
		}
		if f.stderr != "" {
			_, _ = stdcopy.NewStdWriter(server, stdcopy.Stderr).Write([]byte(f.stderr))
		}
	}()
	return types.NewHijackedResponse(client, "application/vnd.docker.multiplexed-stream"), nil
}

func (f *fakeExecAPI) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{ExitCode: f.exitCode}, nil
}

func TestDockerRunnerRun(t *testing.T) {
	api := &fakeExecAPI{running: true, stdout: "List of devices attached\nemulator-5554\tdevice\n"}
	r := newDockerRunner(api, "android-emulator", "")

	out, err := r.Run(context.Background(), "devices")
	require.NoError(t, err)
	assert.Equal(t, "List of devices attached\nemulator-5554\tdevice\n", string(out))
	assert.Equal(t, []string{"adb", "devices"}, api.lastCmd)
}

func TestDockerRunnerNonZeroExit(t *testing.T) {
	api := &fakeExecAPI{running: true, stderr: "error: no devices/emulators found", exitCode: 1}
	r := newDockerRunner(api, "android-emulator", "/opt/android/adb")

	_, err := r.Run(context.Background(), "shell", "input", "tap", "1", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 1")
	assert.Contains(t, err.Error(), "no devices/emulators found")
	assert.Equal(t, "/opt/android/adb", api.lastCmd[0])
}

func TestDockerRunnerContainerState(t *testing.T) {
	_, err := newDockerRunner(&fakeExecAPI{missing: true}, "gone", "").Run(context.Background(), "devices")
	assert.ErrorIs(t, err, ErrContainerNotRunning)

	_, err = newDockerRunner(&fakeExecAPI{running: false}, "stopped", "").Run(context.Background(), "devices")
	assert.ErrorIs(t, err, ErrContainerNotRunning)
}

func TestADBOverDockerRunner(t *testing.T) {
	api := &fakeExecAPI{running: true, stdout: "List of devices attached\nemulator-5554\tdevice\n"}
	a := NewADB(newDockerRunner(api, "android-emulator", ""), ADBOptions{})

	info, err := a.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "emulator-5554", info.ID)
}
