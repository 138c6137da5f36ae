package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// AcquireRequest asks a bus-attached capture device for exclusive use.
type AcquireRequest struct {
	DeviceID  string    `json:"device_id"`
	Requester string    `json:"requester"`
	Timestamp time.Time `json:"timestamp"`
}

// AcquireReply is the device's answer to an AcquireRequest.
type AcquireReply struct {
	Granted    bool   `json:"granted"`
	Reason     string `json:"reason,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// AgentAnnouncement is published by a capture agent when it comes online.
type AgentAnnouncement struct {
	DeviceID   string    `json:"device_id"`
	Host       string    `json:"host,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AgentHeartbeat keeps an announced capture agent marked online.
type AgentHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Command carries the arguments of a session command.
type Command struct {
	RecognitionLanguage string `json:"recognition_language,omitempty"`
	TranslationLanguage string `json:"translation_language,omitempty"`
	Title               string `json:"title,omitempty"`
}

// SessionEvent is emitted for every observable change of the live session.
type SessionEvent struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state,omitempty"`
	Text      string    `json:"text,omitempty"`
	Elapsed   int       `json:"elapsed_seconds,omitempty"`
	Code      string    `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingUpload is the finished artifact handed to the persistence collaborator.
type RecordingUpload struct {
	SessionID           string    `json:"session_id"`
	Title               string    `json:"title"`
	AudioBytes          []byte    `json:"audio_bytes"`
	AudioMIME           string    `json:"audio_mime"`
	DurationSeconds     int       `json:"duration_seconds"`
	Transcript          []string  `json:"transcript"`
	Translation         []string  `json:"translation"`
	RecognitionLanguage string    `json:"recognition_language"`
	TranslationLanguage string    `json:"translation_language,omitempty"`
	StartedAt           time.Time `json:"started_at"`
}

// UploadAck confirms a stored recording.
type UploadAck struct {
	RecordingID int64     `json:"recording_id"`
	Stored      bool      `json:"stored"`
	StoredAt    time.Time `json:"stored_at"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectAudioAcquirePrefix = "audio.acquire"
	SubjectAudioReleasePrefix = "audio.release"

	SubjectAgentAnnounce        = "audio.agent.announce"
	SubjectAgentHeartbeatPrefix = "audio.agent.heartbeat"

	SubjectSessionCommandPrefix = "session.cmd"
	SubjectSessionEventPrefix   = "session.event"
)

const (
	CommandStart   = "start"
	CommandPause   = "pause"
	CommandResume  = "resume"
	CommandStop    = "stop"
	CommandDiscard = "discard"
	CommandStatus  = "status"
)

const (
	EventStarted         = "started"
	EventPaused          = "paused"
	EventResumed         = "resumed"
	EventInterim         = "interim"
	EventFinal           = "final"
	EventTranslation     = "translation"
	EventTick            = "tick"
	EventFailure         = "failure"
	EventNothingCaptured = "nothing_captured"
	EventStopped         = "stopped"
	EventDiscarded       = "discarded"
)

// Subject joins a subject prefix with a token.
func Subject(prefix, token string) string {
	return prefix + "." + token
}
