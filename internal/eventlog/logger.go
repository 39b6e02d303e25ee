// Package eventlog records pipeline run events.
// Events go to a JSON lines file and to any other registered publisher,
// such as the live status feed.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// EventType represents the type of event.
type EventType string

// Run event types.
const (
	RunStarted  EventType = "run_started"
	RunFinished EventType = "run_finished"
)

// Server event types.
const (
	PortCleared    EventType = "port_cleared"
	ServerLaunched EventType = "server_launched"
	ServerState    EventType = "server_state"
)

// Stage event types.
const (
	StageStarted  EventType = "stage_started"
	StageFinished EventType = "stage_finished"
	StageFailed   EventType = "stage_failed"
	FrameProgress EventType = "frame_progress"
)

// Video event types.
const (
	EncodingStarted EventType = "encoding_started"
	VideoCreated    EventType = "video_created"
	EncodingFailed  EventType = "encoding_failed"
	UploadCompleted EventType = "upload_completed"
	UploadFailed    EventType = "upload_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// ServerDetails contains simulator server event details.
type ServerDetails struct {
	PID   int    `json:"pid,omitempty"`
	Port  int    `json:"port,omitempty"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// StageDetails contains stage event details.
type StageDetails struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Command    string `json:"command,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FrameDetails contains frame capture progress.
type FrameDetails struct {
	Frames int    `json:"frames"`
	Dir    string `json:"dir"`
}

// VideoDetails contains encoding and upload event details.
type VideoDetails struct {
	Output    string `json:"output,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	S3Key     string `json:"s3_key,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunDetails contains run start and finish details.
type RunDetails struct {
	Mode     string `json:"mode,omitempty"`
	Port     int    `json:"port,omitempty"`
	ExitCode int    `json:"exit_code"`
	Outcome  string `json:"outcome,omitempty"`
}

// Publisher receives run events.
type Publisher interface {
	Publish(event *Event)
}

// Bus fans events out to every registered publisher.
// A nil *Bus drops events.
type Bus struct {
	mu         sync.Mutex
	runID      string
	publishers []Publisher
}

// NewBus returns a Bus that stamps events with runID.
func NewBus(runID string, publishers ...Publisher) *Bus {
	return &Bus{runID: runID, publishers: publishers}
}

// Add registers another publisher.
func (b *Bus) Add(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishers = append(b.publishers, p)
}

// Emit publishes an event of type t with the given message and details.
func (b *Bus) Emit(t EventType, message string, details any) {
	if b == nil {
		return
	}
	event := &Event{
		Timestamp: time.Now(),
		Type:      t,
		RunID:     b.runID,
		Message:   message,
		Details:   details,
	}

	b.mu.Lock()
	publishers := slices.Clone(b.publishers)
	b.mu.Unlock()

	for _, p := range publishers {
		p.Publish(event)
	}
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// Publish implements Publisher. Write failures are logged.
func (l *Logger) Publish(event *Event) {
	if err := l.Log(event); err != nil {
		slog.Warn("failed to write event log", "path", l.filePath, "type", event.Type, "error", err)
	}
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll    TypeFilter = ""
	FilterServer TypeFilter = "server"
	FilterStage  TypeFilter = "stage"
	FilterVideo  TypeFilter = "video"
)

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads up to n events from the log file, newest first, skipping
// the first offset matches. It also reports whether older matches remain.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// Matches reports whether t belongs to the filter's category.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterServer:
		return IsServerEvent(t)
	case FilterStage:
		return IsStageEvent(t)
	case FilterVideo:
		return IsVideoEvent(t)
	default:
		return true
	}
}

// IsServerEvent returns true if the event type is a server event.
func IsServerEvent(t EventType) bool {
	return t == PortCleared || t == ServerLaunched || t == ServerState
}

// IsStageEvent returns true if the event type is a stage event.
func IsStageEvent(t EventType) bool {
	return t == StageStarted || t == StageFinished || t == StageFailed || t == FrameProgress
}

// IsVideoEvent returns true if the event type is a video event.
func IsVideoEvent(t EventType) bool {
	return t == EncodingStarted || t == VideoCreated || t == EncodingFailed ||
		t == UploadCompleted || t == UploadFailed
}
