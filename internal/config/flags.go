package config

import (
	"github.com/simpipe/simpipe/internal/types"
	"github.com/simpipe/simpipe/internal/util"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":            "port",
	"duration":        "duration",
	"recording-file":  "recording_file",
	"output-dir":      "output_dir",
	"mode":            "mode",
	"image":           "image",
	"simulator":       "simulator.binary",
	"max-attempts":    "readiness.max_attempts",
	"python":          "stages.python",
	"video-dir":       "video.dir",
	"ffmpeg":          "video.ffmpeg_path",
	"event-log":       "event_log",
	"summary":         "summary_file",
	"history-db":      "history_db",
	"status-addr":     "status_addr",
	"webhook-url":     "webhook_url",
	"pushgateway-url": "pushgateway_url",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
}

// RunFlags registers the flags of the run command on fs.
func RunFlags(fs *pflag.FlagSet) {
	fs.Int("port", DefaultPort, "simulator RPC port")
	fs.Int("duration", DefaultDuration, "recording and replay duration in seconds")
	fs.String("recording-file", DefaultRecordingFile, "recording file written by the record stage")
	fs.String("output-dir", "", "frame output directory (default images/<mode>)")
	fs.String("mode", DefaultMode, "replay mode: follow, camera or data")
	fs.String("image", "", "run the simulator from this container image")
	fs.String("simulator", DefaultSimulator, "simulator server binary")
	fs.Int("max-attempts", types.DefaultReadinessAttempts, "readiness probe attempts")
	fs.String("python", DefaultPython, "python interpreter for the control scripts")
	fs.String("video-dir", DefaultVideoDir, "directory for the encoded video")
	fs.String("event-log", "", "append run events to this JSON lines file")
	fs.String("summary", "", "write the run summary to this file (.json, .yaml)")
	fs.String("history-db", "", "record runs in this SQLite database")
	fs.String("status-addr", "", "serve the live status feed on this address")
	fs.String("webhook-url", "", "POST the run summary to this URL")
	fs.String("pushgateway-url", "", "push run metrics to this Pushgateway")
}

// CommonFlags registers the flags shared by every command on fs.
func CommonFlags(fs *pflag.FlagSet) {
	fs.String("ffmpeg", "", "ffmpeg binary (default: search PATH)")
	fs.String("log-level", DefaultLogLevel, "log level: debug, info, warn, error")
	fs.String("log-format", DefaultLogFormat, "log format: text or json")
	fs.String("log-file", "", "write logs to this file instead of stderr")
}

// BindFlags binds every known flag present in fs to its configuration key.
// Only flags that were set on the command line override lower layers.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return util.WrapError("bind flag "+name, err)
		}
	}
	return nil
}
