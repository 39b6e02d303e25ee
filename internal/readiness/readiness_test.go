package readiness

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type fakeTarget struct {
	exited chan struct{}
	ready  int
	failed int
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{exited: make(chan struct{})}
}

func (f *fakeTarget) Exited() <-chan struct{} { return f.exited }
func (f *fakeTarget) MarkReady()              { f.ready++ }
func (f *fakeTarget) MarkFailed()             { f.failed++ }

// countingProbe succeeds on attempt succeedOn (never when zero).
func countingProbe(succeedOn int, calls *int) ProbeFunc {
	return func(context.Context, int, time.Duration) error {
		*calls++
		if succeedOn > 0 && *calls >= succeedOn {
			return nil
		}
		return errors.New("connection refused")
	}
}

func newTestProber(probe ProbeFunc, clock *fakeClock) *Prober {
	p := New()
	p.Clock = clock
	p.Probe = probe
	return p
}

func TestReadyOnThirdProbe(t *testing.T) {
	var calls int
	clock := &fakeClock{}
	target := newFakeTarget()

	err := newTestProber(countingProbe(3, &calls), clock).WaitUntilReady(context.Background(), target, 2000)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, clock.sleeps)
	assert.Equal(t, 1, target.ready)
	assert.Zero(t, target.failed)
}

func TestTimeoutAfterExactlyMaxAttempts(t *testing.T) {
	var calls int
	clock := &fakeClock{}
	target := newFakeTarget()

	var attempts []int
	p := newTestProber(countingProbe(0, &calls), clock)
	p.OnAttempt = func(n int, _ error) { attempts = append(attempts, n) }

	err := p.WaitUntilReady(context.Background(), target, 2000)
	require.ErrorIs(t, err, ErrTimeout)

	assert.Equal(t, 30, calls)
	assert.Len(t, clock.sleeps, 29)
	assert.Len(t, attempts, 30)
	assert.Equal(t, 30, attempts[len(attempts)-1])
	assert.Equal(t, 1, target.failed)
	assert.Zero(t, target.ready)
}

func TestServerExitedStopsPolling(t *testing.T) {
	var calls int
	target := newFakeTarget()
	probe := func(ctx context.Context, port int, timeout time.Duration) error {
		calls++
		if calls == 2 {
			close(target.exited)
		}
		return errors.New("connection refused")
	}

	err := newTestProber(probe, &fakeClock{}).WaitUntilReady(context.Background(), target, 2000)
	require.ErrorIs(t, err, ErrServerExited)
	assert.Equal(t, 2, calls)
	assert.Zero(t, target.failed)
}

func TestContextCancelled(t *testing.T) {
	var calls int
	ctx, cancel := context.WithCancel(context.Background())
	probe := func(context.Context, int, time.Duration) error {
		calls++
		cancel()
		return errors.New("connection refused")
	}

	err := newTestProber(probe, &fakeClock{}).WaitUntilReady(ctx, newFakeTarget(), 2000)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	require.NoError(t, DialProbe(context.Background(), port, time.Second))

	require.NoError(t, ln.Close())
	assert.Error(t, DialProbe(context.Background(), port, time.Second))
}

func TestRealClockSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, RealClock{}.Sleep(ctx, time.Hour), context.Canceled)
}
