package session

import (
	"context"
	"time"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
	StateRestarting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	case StateRestarting:
		return "restarting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RestartPolicy decides what happens when a recognition task ends on its own.
type RestartPolicy string

const (
	RestartNone                    RestartPolicy = "none"
	RestartAutoRestartOnCompletion RestartPolicy = "auto_restart_on_completion"
)

// PermissionStatus mirrors the answers a platform authorization prompt can give.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionRestricted   PermissionStatus = "restricted"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// Format describes PCM audio carried in frames.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Frame is one captured buffer of little-endian PCM.
type Frame struct {
	Sequence   int
	PCM        []byte
	Format     Format
	CapturedAt time.Time
}

// StreamConfig is passed to AudioCapture when a stream is opened.
type StreamConfig struct {
	BufferSize int
	Format     Format
}

// StreamCallbacks are invoked from the capture goroutine. Neither may block.
type StreamCallbacks struct {
	OnFrame     func(Frame)
	OnInterrupt func(error)
}

// AudioStream is an open capture pipeline.
type AudioStream interface {
	Close() error
}

// AudioCapture opens microphone streams.
type AudioCapture interface {
	OpenStream(ctx context.Context, cfg StreamConfig, cb StreamCallbacks) (AudioStream, error)
}

// PermissionAuthority answers whether capture and recognition are allowed.
type PermissionAuthority interface {
	RequestPermission(ctx context.Context) (PermissionStatus, error)
}

// TaskConfig configures one recognition task.
type TaskConfig struct {
	Locale          string
	PartialResults  bool
	ContextualHints []string
	OnDeviceOnly    bool
	Format          Format
}

// NotificationKind enumerates what a recognition task can report.
type NotificationKind int

const (
	NotifyPartial NotificationKind = iota
	NotifyFinal
	NotifyFinishedReadingAudio
	NotifyCompleted
	NotifyCancelled
	NotifySpeechDetected
	NotifyAvailabilityChanged
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyPartial:
		return "partial"
	case NotifyFinal:
		return "final"
	case NotifyFinishedReadingAudio:
		return "finished_reading_audio"
	case NotifyCompleted:
		return "completed"
	case NotifyCancelled:
		return "cancelled"
	case NotifySpeechDetected:
		return "speech_detected"
	case NotifyAvailabilityChanged:
		return "availability_changed"
	default:
		return "unknown"
	}
}

// Notification is delivered by a recognition task, possibly from any goroutine.
// Err is only meaningful for NotifyCompleted; a nil Err means success.
type Notification struct {
	Kind      NotificationKind
	Text      string
	Err       error
	Available bool
	At        time.Time
}

// RecognitionTask is an in-flight recognition request.
// Append must never block; EndAudio and Cancel may be called more than once.
type RecognitionTask interface {
	Append(frame Frame)
	EndAudio()
	Cancel()
}

// RecognitionEngine starts recognition tasks. notify must be safe to call from any
// goroutine and is never called after the task reports NotifyCompleted or NotifyCancelled.
type RecognitionEngine interface {
	Available() bool
	BeginTask(ctx context.Context, cfg TaskConfig, notify func(Notification)) (RecognitionTask, error)
}

// TranscriptEvent is emitted once per partial or final result.
type TranscriptEvent struct {
	SessionID string
	Text      string
	IsFinal   bool
	Timestamp time.Time
}

// StateChange is emitted on every observable transition.
type StateChange struct {
	SessionID string
	From      State
	To        State
	At        time.Time
}
