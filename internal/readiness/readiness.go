// Package readiness polls the simulator server until it accepts connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/simpipe/simpipe/internal/types"
)

var (
	// ErrTimeout is returned when every probe attempt failed.
	ErrTimeout = errors.New("server did not become ready")
	// ErrServerExited is returned when the server process exits while polling.
	ErrServerExited = errors.New("server exited before becoming ready")
)

// Clock abstracts sleeping so tests can run the polling loop instantly.
type Clock interface {
	Now() time.Time
	// Sleep pauses for d or until ctx is done, returning the context error.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock is the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep implements Clock.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ProbeFunc performs one readiness check against port.
type ProbeFunc func(ctx context.Context, port int, timeout time.Duration) error

// DialProbe succeeds when a TCP handshake with 127.0.0.1:port completes.
func DialProbe(ctx context.Context, port int, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// Target is the server being waited on.
type Target interface {
	Exited() <-chan struct{}
	MarkReady()
	MarkFailed()
}

// Prober waits for the server to accept connections within a fixed budget.
type Prober struct {
	MaxAttempts  int
	Interval     time.Duration
	ProbeTimeout time.Duration
	Clock        Clock
	Probe        ProbeFunc
	// OnAttempt, when set, is called after every failed attempt.
	OnAttempt func(attempt int, err error)
}

// New returns a Prober with the default budget, wall clock and TCP probe.
func New() *Prober {
	return &Prober{
		MaxAttempts:  types.DefaultReadinessAttempts,
		Interval:     types.DefaultReadinessInterval,
		ProbeTimeout: types.DefaultProbeTimeout,
		Clock:        RealClock{},
		Probe:        DialProbe,
	}
}

// WaitUntilReady probes port up to MaxAttempts times, sleeping Interval
// between failures. On success t is marked ready. When the budget is spent
// t is marked failed and ErrTimeout is returned after exactly MaxAttempts
// probes. ErrServerExited is returned as soon as t's process is gone.
func (p *Prober) WaitUntilReady(ctx context.Context, t Target, port int) error {
	start := p.Clock.Now()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := p.checkAlive(ctx, t); err != nil {
			return err
		}

		err := p.Probe(ctx, port, p.ProbeTimeout)
		if err == nil {
			t.MarkReady()
			slog.Info("simulator server ready", "port", port, "attempt", attempt, "waited", p.Clock.Now().Sub(start).Round(time.Millisecond))
			return nil
		}

		slog.Debug("readiness probe failed", "port", port, "attempt", attempt, "max_attempts", p.MaxAttempts, "error", err)
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, err)
		}
		if attempt == p.MaxAttempts {
			break
		}

		if err := p.Clock.Sleep(ctx, p.Interval); err != nil {
			return err
		}
	}

	t.MarkFailed()
	return fmt.Errorf("%w after %d attempts on port %d", ErrTimeout, p.MaxAttempts, port)
}

func (p *Prober) checkAlive(ctx context.Context, t Target) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Exited():
		return ErrServerExited
	default:
		return nil
	}
}
