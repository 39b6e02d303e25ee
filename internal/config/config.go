// Package config provides pipeline configuration management.
//
// Values are resolved in precedence order: command-line flags, SIMPIPE_*
// environment variables, an optional config file (YAML, JSON or TOML), then
// the defaults below.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SIMPIPE"

// Configuration defaults are used when values are not specified.
const (
	DefaultPort          = 2000
	DefaultDuration      = 30
	DefaultRecordingFile = "recordings/recording.log"
	DefaultMode          = string(types.ModeFollow)
	DefaultSimulator     = "./CarlaUE4.sh"
	DefaultPython        = "python3"
	DefaultRecordScript  = "src/recording/record_replay_logs.py"
	DefaultReplayScript  = "src/playback/replay_with_sensors.py"
	DefaultVideoDir      = "videos"
	DefaultImagesRoot    = "images"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
)

// SimulatorConfig holds simulator server launch settings.
type SimulatorConfig struct {
	Binary      string        `mapstructure:"binary" json:"binary" yaml:"binary"`
	Grace       time.Duration `mapstructure:"grace" json:"grace" yaml:"grace" validate:"gte=0,lte=1m"`
	ReapTimeout time.Duration `mapstructure:"reap_timeout" json:"reap_timeout" yaml:"reap_timeout" validate:"gte=0,lte=5m"`
}

// ReadinessConfig holds the readiness polling budget.
type ReadinessConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=3600"`
	Interval     time.Duration `mapstructure:"interval" json:"interval" yaml:"interval" validate:"gte=0,lte=1m"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" json:"probe_timeout" yaml:"probe_timeout" validate:"gt=0,lte=1m"`
}

// StagesConfig holds the simulator-control command settings.
type StagesConfig struct {
	Python       string        `mapstructure:"python" json:"python" yaml:"python" validate:"required"`
	RecordScript string        `mapstructure:"record_script" json:"record_script" yaml:"record_script" validate:"required"`
	ReplayScript string        `mapstructure:"replay_script" json:"replay_script" yaml:"replay_script" validate:"required"`
	SettleDelay  time.Duration `mapstructure:"settle_delay" json:"settle_delay" yaml:"settle_delay" validate:"gte=0,lte=10m"`
}

// PortGuardConfig holds port reservation settings.
type PortGuardConfig struct {
	ClearTimeout time.Duration `mapstructure:"clear_timeout" json:"clear_timeout" yaml:"clear_timeout" validate:"gte=0,lte=1m"`
}

// VideoConfig holds video encoding settings.
type VideoConfig struct {
	Dir        string `mapstructure:"dir" json:"dir" yaml:"dir" validate:"required"`
	FPS        int    `mapstructure:"fps" json:"fps" yaml:"fps" validate:"gte=1,lte=240"`
	CRF        int    `mapstructure:"crf" json:"crf" yaml:"crf" validate:"gte=0,lte=51"`
	Bitrate    string `mapstructure:"bitrate" json:"bitrate" yaml:"bitrate" validate:"required,max=16"`
	FFmpegPath string `mapstructure:"ffmpeg_path" json:"ffmpeg_path" yaml:"ffmpeg_path"`
}

// S3Config holds S3-compatible storage settings for the video artifact.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Bucket          string `mapstructure:"bucket" json:"bucket,omitempty" yaml:"bucket,omitempty" validate:"omitempty,max=63"`
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id,omitempty" yaml:"access_key_id,omitempty" validate:"omitempty,max=128"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"-" yaml:"-" validate:"omitempty,max=256"`
	Prefix          string `mapstructure:"prefix" json:"prefix,omitempty" yaml:"prefix,omitempty" validate:"omitempty,max=512"`
}

// IsConfigured reports whether uploads are enabled.
func (c *S3Config) IsConfigured() bool {
	return util.IsConfigured(c.Bucket, c.AccessKeyID, c.SecretAccessKey)
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" json:"format" yaml:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file" json:"file,omitempty" yaml:"file,omitempty"`
}

// Config holds all pipeline configuration.
type Config struct {
	Port          int    `mapstructure:"port" json:"port" yaml:"port" validate:"gte=1,lte=65535"`
	Duration      int    `mapstructure:"duration" json:"duration" yaml:"duration" validate:"gte=1,lte=86400"`
	RecordingFile string `mapstructure:"recording_file" json:"recording_file" yaml:"recording_file" validate:"required"`
	OutputDir     string `mapstructure:"output_dir" json:"output_dir" yaml:"output_dir"`
	Mode          string `mapstructure:"mode" json:"mode" yaml:"mode" validate:"required,oneof=follow camera data"`
	Image         string `mapstructure:"image" json:"image,omitempty" yaml:"image,omitempty" validate:"omitempty,max=512"`

	Simulator SimulatorConfig `mapstructure:"simulator" json:"simulator" yaml:"simulator"`
	Readiness ReadinessConfig `mapstructure:"readiness" json:"readiness" yaml:"readiness"`
	Stages    StagesConfig    `mapstructure:"stages" json:"stages" yaml:"stages"`
	PortGuard PortGuardConfig `mapstructure:"port_guard" json:"port_guard" yaml:"port_guard"`
	Video     VideoConfig     `mapstructure:"video" json:"video" yaml:"video"`
	S3        S3Config        `mapstructure:"s3" json:"s3" yaml:"s3"`
	Log       LogConfig       `mapstructure:"log" json:"log" yaml:"log"`

	EventLog       string `mapstructure:"event_log" json:"event_log,omitempty" yaml:"event_log,omitempty"`
	SummaryFile    string `mapstructure:"summary_file" json:"summary_file,omitempty" yaml:"summary_file,omitempty"`
	HistoryDB      string `mapstructure:"history_db" json:"history_db,omitempty" yaml:"history_db,omitempty"`
	StatusAddr     string `mapstructure:"status_addr" json:"status_addr,omitempty" yaml:"status_addr,omitempty" validate:"omitempty,hostname_port"`
	WebhookURL     string `mapstructure:"webhook_url" json:"webhook_url,omitempty" yaml:"webhook_url,omitempty" validate:"omitempty,url,max=2048"`
	PushgatewayURL string `mapstructure:"pushgateway_url" json:"pushgateway_url,omitempty" yaml:"pushgateway_url,omitempty" validate:"omitempty,url,max=2048"`
}

// validate is the shared validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report config keys instead of struct field names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
}

// SetDefaults registers every configuration key with its default value.
// Keys must be registered for environment variables to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", DefaultPort)
	v.SetDefault("duration", DefaultDuration)
	v.SetDefault("recording_file", DefaultRecordingFile)
	v.SetDefault("output_dir", "")
	v.SetDefault("mode", DefaultMode)
	v.SetDefault("image", "")

	v.SetDefault("simulator.binary", DefaultSimulator)
	v.SetDefault("simulator.grace", types.DefaultTerminateGrace)
	v.SetDefault("simulator.reap_timeout", types.DefaultReapTimeout)

	v.SetDefault("readiness.max_attempts", types.DefaultReadinessAttempts)
	v.SetDefault("readiness.interval", types.DefaultReadinessInterval)
	v.SetDefault("readiness.probe_timeout", types.DefaultProbeTimeout)

	v.SetDefault("stages.python", DefaultPython)
	v.SetDefault("stages.record_script", DefaultRecordScript)
	v.SetDefault("stages.replay_script", DefaultReplayScript)
	v.SetDefault("stages.settle_delay", types.DefaultSettleDelay)

	v.SetDefault("port_guard.clear_timeout", types.DefaultPortClearTimeout)

	v.SetDefault("video.dir", DefaultVideoDir)
	v.SetDefault("video.fps", types.DefaultFPS)
	v.SetDefault("video.crf", types.DefaultCRF)
	v.SetDefault("video.bitrate", types.DefaultBitrate)
	v.SetDefault("video.ffmpeg_path", "")

	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.prefix", "")

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.file", "")

	v.SetDefault("event_log", "")
	v.SetDefault("summary_file", "")
	v.SetDefault("history_db", "")
	v.SetDefault("status_addr", "")
	v.SetDefault("webhook_url", "")
	v.SetDefault("pushgateway_url", "")
}

// Load resolves configuration from v. If configFile is non-empty it is read first.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, util.WrapError("read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, util.WrapError("parse config", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults derives values that depend on other fields.
func (c *Config) applyDefaults() {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(DefaultImagesRoot, c.Mode)
	}
}

// Validate checks all configuration fields and returns a *types.ValidationError
// describing every invalid field.
func (c *Config) Validate() error {
	verr := types.NewValidationError()

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return util.WrapError("validate config", err)
		}
		for _, e := range fieldErrs {
			verr.Add(fieldKey(e.Namespace()), formatValidationMessage(e), e.Value())
		}
	}

	if err := util.ValidatePath("recording_file", c.RecordingFile); err != nil {
		verr.Add("recording_file", err.Error(), c.RecordingFile)
	}
	if err := util.ValidatePath("output_dir", c.OutputDir); err != nil {
		verr.Add("output_dir", err.Error(), c.OutputDir)
	}
	if c.Image == "" && strings.TrimSpace(c.Simulator.Binary) == "" {
		verr.Add("simulator.binary", "is required when no container image is set", c.Simulator.Binary)
	}
	if util.IsConfigured(c.S3.Bucket) != util.IsConfigured(c.S3.AccessKeyID, c.S3.SecretAccessKey) {
		verr.Add("s3", "bucket, access_key_id and secret_access_key must be set together", c.S3.Bucket)
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

// Pipeline returns the immutable run parameters.
func (c *Config) Pipeline() types.PipelineConfig {
	mode, err := types.ParseReplayMode(c.Mode)
	if err != nil {
		// Validate has already rejected unknown modes.
		mode = types.ModeFollow
	}
	return types.PipelineConfig{
		Port:          c.Port,
		Duration:      c.Duration,
		RecordingFile: c.RecordingFile,
		OutputDir:     c.OutputDir,
		ReplayMode:    mode,
		Image:         c.Image,
	}
}

// VideoPath returns the output path of the encoded video.
func (c *Config) VideoPath() string {
	return filepath.Join(c.Video.Dir, c.Pipeline().VideoName())
}

// fieldKey turns a validator namespace ("Config.readiness.max_attempts") into a config key.
func fieldKey(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}

// formatValidationMessage converts a validator error into a readable message.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "url":
		return "must be a valid URL"
	case "hostname_port":
		return "must be host:port"
	default:
		return fmt.Sprintf("failed %s validation", e.Tag())
	}
}
