// Package models defines the wire-level data structures exchanged with
// streaming transcription clients.
package models

// Event types sent to clients over the WebSocket connection.
const (
	EventConnection       = "connection"
	EventRecordingStarted = "recording_started"
	EventTranscription    = "transcription"
	EventPartial          = "partial"
	EventRecordingStopped = "recording_stopped"
	EventConfigured       = "configured"
	EventPong             = "pong"
	EventError            = "error"
)

// Control message types accepted from clients.
const (
	ControlStartRecording = "start_recording"
	ControlStopRecording  = "stop_recording"
	ControlConfigure      = "configure"
	ControlPing           = "ping"
)

// Word is a single word with its aligned time range within the recording.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// TranscriptionEvent is the single outbound event shape. Fields not relevant
// to a given event type are omitted from the JSON encoding.
//
// SegmentID is set only on final transcription events (and on error events for
// context); partial events never carry one.
type TranscriptionEvent struct {
	Type             string        `json:"type"`
	Status           string        `json:"status,omitempty"`
	ClientID         string        `json:"client_id,omitempty"`
	Message          string        `json:"message,omitempty"`
	ProtocolVersion  string        `json:"protocol_version,omitempty"`
	SupportedFormats *AudioFormats `json:"supported_audio_formats,omitempty"`

	SegmentID        *int    `json:"segment_id,omitempty"`
	Text             string  `json:"text,omitempty"`
	IsFinal          bool    `json:"is_final,omitempty"`
	Words            []Word  `json:"words,omitempty"`
	Duration         float64 `json:"duration,omitempty"`
	ProcessingTimeMs float64 `json:"processing_time_ms,omitempty"`

	FinalTranscript string  `json:"final_transcript,omitempty"`
	TotalDuration   float64 `json:"total_duration,omitempty"`
	TotalSegments   int     `json:"total_segments,omitempty"`

	Config map[string]any `json:"config,omitempty"`
	Error  string         `json:"error,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// AudioFormats advertises the audio formats the server accepts.
type AudioFormats struct {
	SampleRates []int    `json:"sample_rates"`
	Encodings   []string `json:"encodings"`
	Channels    []int    `json:"channels"`
}

// SupportedFormats returns the formats advertised in the connection event.
func SupportedFormats() *AudioFormats {
	return &AudioFormats{
		SampleRates: []int{16000, 44100, 48000},
		Encodings:   []string{"pcm16", "float32"},
		Channels:    []int{1, 2},
	}
}

// ControlMessage is an inbound JSON control frame. Payload fields are pointers
// so a configure command can change a subset of settings.
type ControlMessage struct {
	Type string `json:"type"`

	// start_recording payload, echoed back unchanged.
	Config map[string]any `json:"config,omitempty"`

	// configure payload.
	SampleRate      *int     `json:"sample_rate,omitempty"`
	VADThreshold    *float64 `json:"vad_threshold,omitempty"`
	SilenceDuration *float64 `json:"silence_duration,omitempty"`
}
