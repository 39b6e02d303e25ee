package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/simpipe/simpipe/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, r *Run, name, stage string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if stage == "" || (len(m.GetLabel()) == 1 && m.GetLabel()[0].GetValue() == stage) {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestRunRecordsValues(t *testing.T) {
	r := NewRun()
	r.ObserveStage(types.StageResult{Name: "record", Duration: 2 * time.Second})
	r.ObserveStage(types.StageResult{Name: "replay", ExitCode: 1, Duration: 500 * time.Millisecond})
	r.SetReadinessAttempts(3)
	r.SetFrames(600)
	r.SetEncoding(1<<20, 1)
	r.Finish(1, 10*time.Second)

	assert.Equal(t, 2.0, gaugeValue(t, r, "simpipe_stage_duration_seconds", "record"))
	assert.Equal(t, 1.0, gaugeValue(t, r, "simpipe_stage_exit_code", "replay"))
	assert.Equal(t, 3.0, gaugeValue(t, r, "simpipe_readiness_attempts", ""))
	assert.Equal(t, 600.0, gaugeValue(t, r, "simpipe_frames_captured", ""))
	assert.Equal(t, float64(1<<20), gaugeValue(t, r, "simpipe_video_size_bytes", ""))
	assert.Equal(t, 1.0, gaugeValue(t, r, "simpipe_run_exit_code", ""))
	assert.Equal(t, 10.0, gaugeValue(t, r, "simpipe_run_duration_seconds", ""))
}

func TestPush(t *testing.T) {
	var mu sync.Mutex
	var method, path, body string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	r := NewRun()
	r.SetFrames(12)
	require.NoError(t, r.Push(context.Background(), ts.URL, types.ModeFollow))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/simpipe/mode/follow", path)
	assert.NotEmpty(t, body)
}

func TestPushError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	err := NewRun().Push(context.Background(), ts.URL, types.ModeCamera)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to push metrics")
}
