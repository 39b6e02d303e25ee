package stage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/simpipe/simpipe/internal/process"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	name string
	code int
	err  error
	ran  *[]string
}

func (f *fakeStage) Name() string    { return f.name }
func (f *fakeStage) Command() string { return "fake " + f.name }

func (f *fakeStage) Run(context.Context) (int, error) {
	*f.ran = append(*f.ran, f.name)
	return f.code, f.err
}

func fakeStages(ran *[]string, failAt, code int) []Stage {
	names := []string{"record", "info", "settle", "replay"}
	stages := make([]Stage, len(names))
	for i, n := range names {
		s := &fakeStage{name: n, ran: ran}
		if i == failAt {
			s.code = code
		}
		stages[i] = s
	}
	return stages
}

func TestSequencerRunsAllInOrder(t *testing.T) {
	var ran []string
	var started []int
	var finished []types.StageResult

	q := &Sequencer{
		OnStart:  func(i int, _ Stage) { started = append(started, i) },
		OnFinish: func(r types.StageResult) { finished = append(finished, r) },
	}
	results, err := q.Run(context.Background(), fakeStages(&ran, -1, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{"record", "info", "settle", "replay"}, ran)
	assert.Equal(t, []int{0, 1, 2, 3}, started)
	assert.Len(t, finished, 4)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Succeeded())
	}
}

func TestSequencerFailFast(t *testing.T) {
	for failAt := range 4 {
		t.Run(fmt.Sprintf("index %d", failAt), func(t *testing.T) {
			var ran []string
			stages := fakeStages(&ran, failAt, 2)

			results, err := (&Sequencer{}).Run(context.Background(), stages)

			var failure *Failure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, failAt, failure.Index)
			assert.Equal(t, stages[failAt].Name(), failure.Name)
			assert.Equal(t, 2, failure.ExitCode)
			assert.Len(t, ran, failAt+1)
			assert.Len(t, results, failAt+1)
		})
	}
}

func TestSequencerLaunchErrorIs127(t *testing.T) {
	var ran []string
	stages := fakeStages(&ran, -1, 0)
	stages[1].(*fakeStage).err = &process.LaunchError{Command: "python3", Err: errors.New("not found")}

	_, err := (&Sequencer{}).Run(context.Background(), stages)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 1, failure.Index)
	assert.Equal(t, LaunchExitCode, failure.ExitCode)
	assert.Equal(t, []string{"record", "info"}, ran)
}

func TestSequencerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran []string
	stages := fakeStages(&ran, -1, 0)
	stages = append([]Stage{&cancelStage{cancel: cancel}}, stages...)

	results, err := (&Sequencer{}).Run(ctx, stages)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assert.Empty(t, ran)
}

type cancelStage struct{ cancel context.CancelFunc }

func (c *cancelStage) Name() string    { return "cancel" }
func (c *cancelStage) Command() string { return "cancel" }

func (c *cancelStage) Run(ctx context.Context) (int, error) {
	c.cancel()
	return 130, ctx.Err()
}

type fakeRunner struct {
	res *process.Result
	err error
	got process.Command
}

func (f *fakeRunner) Run(_ context.Context, c process.Command) (*process.Result, error) {
	f.got = c
	return f.res, f.err
}

func TestCommandStage(t *testing.T) {
	r := &fakeRunner{res: &process.Result{ExitCode: 1, Stderr: "Traceback\nRuntimeError: time-out of 10000ms"}}
	s := NewCommandStage("record", process.Command{Path: "python3", Args: []string{"record.py", "record"}}, r)

	code, err := s.Run(context.Background())
	assert.Equal(t, 1, code)
	require.Error(t, err)
	assert.Equal(t, "RuntimeError: time-out of 10000ms", err.Error())
	assert.Equal(t, "record", r.got.Name)
	assert.Equal(t, "python3 record.py record", s.Command())
}

func TestCommandStageLaunchError(t *testing.T) {
	r := &fakeRunner{err: &process.LaunchError{Command: "python3", Err: errors.New("not found")}}
	code, err := NewCommandStage("info", process.Command{Path: "python3"}, r).Run(context.Background())
	assert.Equal(t, LaunchExitCode, code)
	assert.Error(t, err)
}

type recordingSleeper struct{ slept []time.Duration }

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

func TestDelayStageUsesClock(t *testing.T) {
	clock := &recordingSleeper{}
	s := &DelayStage{StageName: "settle", Delay: 3 * time.Second, Clock: clock}

	code, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, code)
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.slept)
	assert.Equal(t, "sleep 3s", s.Command())
}

func TestWithHook(t *testing.T) {
	var events []string
	var ran []string
	s := WithHook(&fakeStage{name: "replay", ran: &ran}, func(context.Context) func() {
		events = append(events, "start")
		return func() { events = append(events, "stop") }
	})

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "stop"}, events)
	assert.Equal(t, "replay", s.Name())
}
