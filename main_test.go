package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/simpipe/simpipe/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRejectsUnknownMode(t *testing.T) {
	var out bytes.Buffer

	code := execute(context.Background(), []string{"run", "--mode", "bogus"}, &out)

	assert.Equal(t, pipeline.ExitInvalidConfig, code)
	assert.Empty(t, out.String())
}

func TestExecuteRejectsUnknownFlag(t *testing.T) {
	var out bytes.Buffer

	code := execute(context.Background(), []string{"run", "--no-such-flag"}, &out)

	assert.Equal(t, pipeline.ExitInvalidConfig, code)
}

func TestExecuteVersion(t *testing.T) {
	var out bytes.Buffer

	code := execute(context.Background(), []string{"version"}, &out)

	assert.Zero(t, code)
	assert.Contains(t, out.String(), "simpipe dev")
}

func TestExecuteEncodeWithoutFrames(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	code := execute(context.Background(), []string{
		"encode",
		"--frames", dir,
		"--output", filepath.Join(dir, "out.mp4"),
		"--log-level", "error",
	}, &out)

	assert.Equal(t, 1, code)
	assert.NoFileExists(t, filepath.Join(dir, "out.mp4"))
}

func TestExecuteHistoryEmpty(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	var out bytes.Buffer

	code := execute(context.Background(), []string{"history", "--history-db", db, "--log-level", "error"}, &out)

	assert.Zero(t, code)
	assert.Contains(t, out.String(), "OUTCOME")
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		latest, current string
		want            bool
	}{
		{"1.2.0", "1.1.9", true},
		{"v1.2.0", "1.2.0", false},
		{"1.10.0", "1.9.0", true},
		{"1.0.0", "1.0.1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isNewerVersion(tt.latest, tt.current), "%s vs %s", tt.latest, tt.current)
	}
}

func TestVersionInfoSkipsDevBuilds(t *testing.T) {
	info := versionInfo("9.9.9")

	assert.Equal(t, "dev", info.Current)
	assert.Equal(t, "9.9.9", info.Latest)
	assert.False(t, info.UpdateAvail)
}

func TestReleaseCheckerLatest(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{name: "stable", status: http.StatusOK, body: `{"tag_name":"v1.4.2"}`, want: "1.4.2"},
		{name: "prerelease", status: http.StatusOK, body: `{"tag_name":"v2.0.0-rc1","prerelease":true}`},
		{name: "no releases", status: http.StatusNotFound},
		{name: "bad request", status: http.StatusBadRequest, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/repos/"+githubRepo+"/releases/latest", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			rc := &releaseChecker{client: srv.Client(), baseURL: srv.URL}
			got, err := rc.Latest(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReleaseCheckerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"tag_name":"1.0.1"}`))
	}))
	defer srv.Close()

	rc := &releaseChecker{client: srv.Client(), baseURL: srv.URL}
	got, err := rc.Latest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "1.0.1", got)
	assert.Equal(t, int32(3), calls.Load())
}
