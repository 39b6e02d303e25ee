package simulator

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeProc struct {
	done  chan struct{}
	stops atomic.Int32
	err   error
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func (f *fakeProc) Pid() int              { return 4242 }
func (f *fakeProc) Done() <-chan struct{} { return f.done }

func (f *fakeProc) Stop(_, _ time.Duration) error {
	if f.stops.Add(1) == 1 {
		close(f.done)
	}
	return f.err
}

func TestCommandBinaryMode(t *testing.T) {
	l := NewLauncher("/opt/carla/CarlaUE4.sh", "run1")
	cmd := l.Command(types.PipelineConfig{Port: 2000})

	assert.Equal(t, "/opt/carla/CarlaUE4.sh", cmd.Path)
	assert.Equal(t, []string{"-RenderOffScreen", "-nosound", "-carla-rpc-port=2000"}, cmd.Args)
}

func TestCommandContainerMode(t *testing.T) {
	l := NewLauncher("/opt/carla/CarlaUE4.sh", "abc123")
	cmd := l.Command(types.PipelineConfig{Port: 2100, Image: "carlasim/carla:0.9.15"})

	assert.Equal(t, "docker", cmd.Path)
	assert.Equal(t, []string{
		"run", "--rm", "--name", "simpipe-abc123", "--net=host", "--gpus", "all",
		"carlasim/carla:0.9.15", "./CarlaUE4.sh",
		"-RenderOffScreen", "-nosound", "-carla-rpc-port=2100",
	}, cmd.Args)
}

func TestStartReturnsStartingHandle(t *testing.T) {
	fp := newFakeProc()
	l := NewLauncher("sim", "run1")
	l.start = func(process.Command) (Proc, error) { return fp, nil }

	h, err := l.Start(context.Background(), types.PipelineConfig{Port: 2000})
	require.NoError(t, err)
	assert.Equal(t, types.ServerStarting, h.State())
	assert.Equal(t, 4242, h.PID())
	assert.False(t, h.LaunchedAt().IsZero())
}

func TestStartLaunchError(t *testing.T) {
	l := NewLauncher("sim", "run1")
	l.start = func(c process.Command) (Proc, error) {
		return nil, &process.LaunchError{Command: c.String(), Err: errors.New("exec format error")}
	}

	_, err := l.Start(context.Background(), types.PipelineConfig{Port: 2000})
	var launchErr *process.LaunchError
	require.ErrorAs(t, err, &launchErr)
}

func TestTerminateRunsOnce(t *testing.T) {
	fp := newFakeProc()
	h := NewHandle(fp, time.Millisecond, time.Millisecond)

	var states []types.ServerState
	h.Observe(func(s types.ServerState) { states = append(states, s) })

	h.MarkReady()
	h.MarkRunning()
	h.Terminate()
	h.Terminate()

	assert.Equal(t, int32(1), fp.stops.Load())
	assert.Equal(t, types.ServerTerminated, h.State())
	assert.True(t, h.State().IsTerminal())
	assert.Equal(t, []types.ServerState{
		types.ServerReady, types.ServerRunning, types.ServerTerminating, types.ServerTerminated,
	}, states)
}

func TestTerminateFromFailed(t *testing.T) {
	fp := newFakeProc()
	fp.err = process.ErrKillFailed
	h := NewHandle(fp, time.Millisecond, time.Millisecond)

	h.MarkFailed()
	assert.Equal(t, types.ServerFailed, h.State())

	// Stop errors are logged, never surfaced.
	h.Terminate()
	assert.Equal(t, types.ServerTerminated, h.State())
}

func TestInvalidTransitionIgnored(t *testing.T) {
	h := NewHandle(newFakeProc(), time.Millisecond, time.Millisecond)

	h.MarkRunning()
	assert.Equal(t, types.ServerStarting, h.State())

	h.Terminate()
	h.MarkReady()
	assert.Equal(t, types.ServerTerminated, h.State())
}

func TestTerminateConcurrent(t *testing.T) {
	fp := newFakeProc()
	h := NewHandle(fp, time.Millisecond, time.Millisecond)

	done := make(chan struct{})
	for range 8 {
		go func() {
			h.Terminate()
			done <- struct{}{}
		}()
	}
	for range 8 {
		<-done
	}
	assert.Equal(t, int32(1), fp.stops.Load())
}

func TestTerminateRealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	l := NewLauncher("/bin/sh", "run1")
	l.Grace = 200 * time.Millisecond
	l.start = func(c process.Command) (Proc, error) {
		c.Args = []string{"-c", "sleep 30"}
		return process.Start(c)
	}

	h, err := l.Start(context.Background(), types.PipelineConfig{Port: 2000})
	require.NoError(t, err)

	h.Terminate()
	select {
	case <-h.Exited():
	default:
		t.Fatal("server process still running after Terminate")
	}
	assert.Equal(t, types.ServerTerminated, h.State())
}
