package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	DeviceID   string    `json:"device_id"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	// Interrupted marks the device losing its input route. No further frames follow.
	Interrupted bool   `json:"interrupted,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Transcript represents session output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionControl is a request to drive the listener's session.
type SessionControl struct {
	Action     string `json:"action"` // start, stop, cancel, status, permission
	Permission string `json:"permission,omitempty"`
}

// SessionStatus describes the session after a control request or a state change.
type SessionStatus struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	Previous   string    `json:"previous,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Final      bool      `json:"final"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionError is published whenever the session reports an error to observers.
type SessionError struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Code      int       `json:"code,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RecognizeRequest asks a remote recognizer to transcribe accumulated audio.
type RecognizeRequest struct {
	TaskID     string   `json:"task_id"`
	PCM        []byte   `json:"pcm"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Final      bool     `json:"final"`
	Locale     string   `json:"locale,omitempty"`
	Hints      []string `json:"hints,omitempty"`
}

// RecognizeResponse is the reply to a RecognizeRequest.
type RecognizeResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
	Code       int     `json:"code,omitempty"`
	Domain     string  `json:"domain,omitempty"`
}

// Capability is one feature a listener node advertises.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is published when a listener node comes up.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	SessionID    string       `json:"session_id,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat keeps a node marked healthy and carries its session state.
type NodeHeartbeat struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionControl    = "stt.session.control"
	SubjectSessionState      = "stt.session.state"
	SubjectSessionError      = "stt.session.error"
	SubjectSpeechDetected    = "stt.session.speech"
	SubjectRecognize         = "stt.recognize"
	SubjectNodeAnnounce      = "stt.node.announce"
	SubjectNodeHeartbeat     = "stt.node.heartbeat"
)

// NodeHeartbeatSubject returns the heartbeat subject for one node.
func NodeHeartbeatSubject(nodeID string) string {
	return SubjectNodeHeartbeat + "." + nodeID
}

// AudioFrameSubject returns the subject a device publishes its frames on.
func AudioFrameSubject(deviceID string) string {
	return SubjectAudioFramePrefix + "." + deviceID
}
