package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestWatcherReportsEveryN(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := filepath.Join(t.TempDir(), "images", "follow")

	var mu sync.Mutex
	var reports []int
	w, err := Start(context.Background(), dir, 5, func(n int) {
		mu.Lock()
		defer mu.Unlock()
		reports = append(reports, n)
	})
	require.NoError(t, err)

	for i := range 12 {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("frame_%06d.jpg", i)), []byte{1}, 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "telemetry.csv"), []byte{1}, 0o644))

	require.Eventually(t, func() bool { return w.Created() == 12 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 12, w.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{5, 10}, reports)
}

func TestWatcherStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	w, err := Start(ctx, t.TempDir(), 0, nil)
	require.NoError(t, err)

	cancel()
	assert.Equal(t, 0, w.Stop())
	// Stop is idempotent.
	assert.Equal(t, 0, w.Stop())
}

func TestIsFrame(t *testing.T) {
	assert.True(t, isFrame("/tmp/images/frame_000001.jpg"))
	assert.False(t, isFrame("/tmp/images/frame_000001.png"))
	assert.False(t, isFrame("/tmp/images/telemetry.csv"))
}
