package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/simpipe/simpipe/internal/types"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultDuration, cfg.Duration)
	assert.Equal(t, "follow", cfg.Mode)
	assert.Equal(t, filepath.Join("images", "follow"), cfg.OutputDir)
	assert.Equal(t, 30, cfg.Readiness.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Readiness.Interval)
	assert.Equal(t, 2*time.Second, cfg.Readiness.ProbeTimeout)
	assert.Equal(t, 3*time.Second, cfg.Stages.SettleDelay)
	assert.Equal(t, "8M", cfg.Video.Bitrate)
	assert.False(t, cfg.S3.IsConfigured())
}

func TestLoadEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("SIMPIPE_PORT", "2100")
	t.Setenv("SIMPIPE_MODE", "camera")
	t.Setenv("SIMPIPE_READINESS_MAX_ATTEMPTS", "5")
	t.Setenv("SIMPIPE_STAGES_SETTLE_DELAY", "500ms")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, 2100, cfg.Port)
	assert.Equal(t, "camera", cfg.Mode)
	assert.Equal(t, filepath.Join("images", "camera"), cfg.OutputDir)
	assert.Equal(t, 5, cfg.Readiness.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Stages.SettleDelay)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simpipe.yaml")
	content := `port: 3000
duration: 10
recording_file: recordings/test.log
output_dir: out/frames
video:
  dir: out/videos
  crf: 18
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 10, cfg.Duration)
	assert.Equal(t, "out/frames", cfg.OutputDir)
	assert.Equal(t, 18, cfg.Video.CRF)
	assert.Equal(t, filepath.Join("out/videos", "test_follow.mp4"), cfg.VideoPath())
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SIMPIPE_DURATION", "60")

	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	RunFlags(fs)
	CommonFlags(fs)
	require.NoError(t, fs.Parse([]string{"--duration", "5", "--mode", "data"}))

	v := viper.New()
	require.NoError(t, BindFlags(v, fs))
	cfg, err := Load(v, "")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Duration)
	assert.Equal(t, "data", cfg.Mode)
	// Unset flags keep lower layers.
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	t.Setenv("SIMPIPE_MODE", "orbit")
	t.Setenv("SIMPIPE_PORT", "70000")
	t.Setenv("SIMPIPE_DURATION", "0")
	t.Setenv("SIMPIPE_WEBHOOK_URL", "not a url")

	_, err := Load(viper.New(), "")
	require.Error(t, err)

	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))

	fields := make(map[string]string)
	for _, fe := range verr.Errors {
		fields[fe.Field] = fe.Message
	}
	assert.Contains(t, fields, "mode")
	assert.Contains(t, fields, "port")
	assert.Contains(t, fields, "duration")
	assert.Contains(t, fields, "webhook_url")
	assert.Equal(t, "must be at most 65535", fields["port"])
}

func TestValidateNestedKeys(t *testing.T) {
	t.Setenv("SIMPIPE_READINESS_MAX_ATTEMPTS", "0")
	t.Setenv("SIMPIPE_VIDEO_CRF", "99")

	_, err := Load(viper.New(), "")
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)

	fields := make([]string, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"readiness.max_attempts", "video.crf"}, fields)
}

func TestValidateSimulatorRequiredWithoutImage(t *testing.T) {
	t.Setenv("SIMPIPE_SIMULATOR_BINARY", " ")
	_, err := Load(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "simulator.binary")

	t.Setenv("SIMPIPE_IMAGE", "carlasim/carla:0.9.15")
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "carlasim/carla:0.9.15", cfg.Pipeline().Image)
}

func TestValidatePartialS3(t *testing.T) {
	t.Setenv("SIMPIPE_S3_BUCKET", "videos")
	_, err := Load(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3:")
}

func TestPipeline(t *testing.T) {
	t.Setenv("SIMPIPE_MODE", "Camera")
	t.Setenv("SIMPIPE_RECORDING_FILE", "recordings/test.log")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	p := cfg.Pipeline()
	assert.Equal(t, types.ModeCamera, p.ReplayMode)
	assert.Equal(t, "recordings/test.log", p.RecordingFile)
	assert.Equal(t, "test_camera.mp4", p.VideoName())
}
