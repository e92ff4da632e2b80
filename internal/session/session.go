// Package session implements the per-connection state machine that routes
// control commands and audio chunks through the segmenter and transcription
// stream, and emits transcription events back through a sink.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/davidbmar/nvidia-parakeet/internal/events"
	"github.com/davidbmar/nvidia-parakeet/internal/models"
	"github.com/davidbmar/nvidia-parakeet/internal/observability/metrics"
	"github.com/davidbmar/nvidia-parakeet/internal/service/audio"
	"github.com/davidbmar/nvidia-parakeet/internal/service/transcription"
)

// State is the connection lifecycle state.
type State int

const (
	// StateConnected - handshake done, not recording. Audio is dropped.
	StateConnected State = iota
	// StateRecording - audio is segmented and transcribed.
	StateRecording
	// StateClosed - transport gone, terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateRecording:
		return "RECORDING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Sink delivers outbound events to the client. A send error is
// connection-fatal for that client only; the transport layer observes it and
// tears the connection down.
type Sink interface {
	Send(ev models.TranscriptionEvent) error
}

// Options configures a new session.
type Options struct {
	// SampleRate and Format describe inbound binary frames. SampleRate is
	// client-tunable via configure.
	SampleRate int
	Format     audio.Format

	// PartialThreshold is the buffered audio required before partial
	// re-transcription of the in-flight buffer starts. PartialInterval
	// rate-limits those re-transcriptions; zero means every chunk.
	PartialThreshold time.Duration
	PartialInterval  time.Duration

	// EngineName labels inference metrics ("stub", "google").
	EngineName string
}

// DefaultOptions matches the advertised default audio format.
func DefaultOptions() Options {
	return Options{
		SampleRate:       16000,
		Format:           audio.FormatPCM16,
		PartialThreshold: time.Second,
		EngineName:       "stub",
	}
}

var supportedRates = map[int]bool{16000: true, 44100: true, 48000: true}

// Session owns one connection's segmenter and transcription stream. All
// methods must be called from a single goroutine: frames are processed
// strictly in arrival order, and the blocking inference call happens inline
// so no later frame can overtake an in-flight transcription.
type Session struct {
	id        string
	state     State
	seg       *audio.Segmenter
	stream    *transcription.Stream
	sink      Sink
	publisher *events.Publisher
	metrics   *metrics.Metrics
	log       zerolog.Logger
	opts      Options

	totalDuration float64 // audio seconds in successful finals, per recording
	lastPartial   time.Time
	connectedAt   time.Time
}

// New creates a session in the Connected state.
func New(id string, seg *audio.Segmenter, stream *transcription.Stream, sink Sink, publisher *events.Publisher, m *metrics.Metrics, logger zerolog.Logger, opts Options) *Session {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Format == "" {
		opts.Format = audio.FormatPCM16
	}
	return &Session{
		id:          id,
		state:       StateConnected,
		seg:         seg,
		stream:      stream,
		sink:        sink,
		publisher:   publisher,
		metrics:     m,
		log:         logger.With().Str("clientId", id).Logger(),
		opts:        opts,
		connectedAt: time.Now(),
	}
}

// ID returns the client identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// HandleControl parses and dispatches one inbound control frame. Malformed
// or unknown messages yield an error event and leave the state unchanged.
func (s *Session) HandleControl(ctx context.Context, data []byte) {
	var msg models.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.RecordProtocolError("protocol")
		s.sendError(fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	switch msg.Type {
	case models.ControlStartRecording:
		s.startRecording(msg.Config)
	case models.ControlStopRecording:
		s.stopRecording(ctx)
	case models.ControlConfigure:
		s.configure(msg)
	case models.ControlPing:
		s.send(models.TranscriptionEvent{Type: models.EventPong})
	default:
		s.metrics.RecordProtocolError("protocol")
		s.sendError(fmt.Sprintf("unknown message type: %q", msg.Type))
	}
}

// HandleAudio processes one inbound binary frame. Chunks arriving outside a
// recording are dropped without an error: a stopping client's transport may
// still deliver trailing buffered frames.
func (s *Session) HandleAudio(ctx context.Context, data []byte) {
	if s.state != StateRecording {
		s.metrics.RecordAudioDropped()
		return
	}
	s.metrics.RecordAudioReceived(len(data))

	_, boundary, err := s.seg.ProcessChunk(data, s.opts.SampleRate, s.opts.Format)
	if err != nil {
		s.metrics.RecordProtocolError("decode")
		s.log.Warn().Err(err).Int("bytes", len(data)).Msg("audio chunk dropped")
		s.sendError(fmt.Sprintf("audio decode failed: %v", err))
		return
	}

	if boundary {
		cause := "silence"
		if s.seg.AtCapacity() {
			cause = "forced"
		}
		s.finalizeSegment(ctx, cause)
		return
	}

	if s.opts.PartialThreshold > 0 && s.seg.BufferedDuration() >= s.opts.PartialThreshold.Seconds() {
		if time.Since(s.lastPartial) < s.opts.PartialInterval {
			return
		}
		s.transcribePartial(ctx)
	}
}

// startRecording resets the segmenter and transcription stream and moves to
// Recording. Valid from Connected; repeated while Recording it simply starts
// a fresh recording.
func (s *Session) startRecording(cfg map[string]any) {
	s.seg.Reset()
	s.stream.Reset()
	s.state = StateRecording
	s.totalDuration = 0
	s.lastPartial = time.Time{}

	s.log.Info().Msg("recording started")
	s.send(models.TranscriptionEvent{
		Type:      models.EventRecordingStarted,
		Config:    cfg,
		Timestamp: nowUTC(),
	})
}

// stopRecording flushes all remaining buffered audio as final segments, then
// reports the full transcript. The loop matters after a forced cut: the
// overflow past the cutoff is still buffered and must not be lost.
func (s *Session) stopRecording(ctx context.Context) {
	if s.state == StateRecording {
		s.state = StateConnected
		for s.seg.BufferedSamples() > 0 {
			s.finalizeSegment(ctx, "stop")
		}
	}

	s.log.Info().
		Float64("totalDuration", s.totalDuration).
		Int("totalSegments", s.stream.SegmentCount()).
		Msg("recording stopped")

	s.send(models.TranscriptionEvent{
		Type:            models.EventRecordingStopped,
		FinalTranscript: s.stream.FullTranscript(),
		TotalDuration:   round3(s.totalDuration),
		TotalSegments:   s.stream.SegmentCount(),
		Timestamp:       nowUTC(),
	})
}

// configure applies audio settings; they take effect on the next chunk.
func (s *Session) configure(msg models.ControlMessage) {
	applied := map[string]any{}

	if msg.SampleRate != nil {
		if !supportedRates[*msg.SampleRate] {
			s.metrics.RecordProtocolError("protocol")
			s.sendError(fmt.Sprintf("unsupported sample rate: %d", *msg.SampleRate))
			return
		}
		s.opts.SampleRate = *msg.SampleRate
		applied["sample_rate"] = *msg.SampleRate
	}

	var settings audio.Settings
	if msg.VADThreshold != nil {
		settings.VADThreshold = msg.VADThreshold
		applied["vad_threshold"] = *msg.VADThreshold
	}
	if msg.SilenceDuration != nil {
		d := time.Duration(*msg.SilenceDuration * float64(time.Second))
		settings.SilenceDuration = &d
		applied["silence_duration"] = *msg.SilenceDuration
	}
	s.seg.Reconfigure(settings)

	s.log.Info().Interface("config", applied).Msg("session reconfigured")
	s.send(models.TranscriptionEvent{
		Type:      models.EventConfigured,
		Config:    applied,
		Timestamp: nowUTC(),
	})
}

// finalizeSegment flushes the finished segment, transcribes it as final and
// emits the result. A failed transcription emits an error event and skips
// transcript accumulation; the session stays usable.
func (s *Session) finalizeSegment(ctx context.Context, cause string) {
	segment := s.seg.Flush()
	if len(segment) == 0 {
		return
	}

	rate := s.seg.TargetSampleRate()
	ev := s.stream.TranscribeSegment(ctx, segment, rate, true)
	s.recordInference("final", ev)
	s.send(ev)

	if ev.Type == models.EventError {
		s.metrics.RecordFailedSegment()
		s.metrics.RecordProtocolError("inference")
		s.log.Warn().Str("cause", cause).Str("error", ev.Error).Msg("segment transcription failed")
		return
	}

	duration := float64(len(segment)) / float64(rate)
	s.totalDuration += duration
	s.metrics.RecordFinalSegment(cause)

	s.log.Debug().
		Str("cause", cause).
		Int("segmentId", *ev.SegmentID).
		Float64("duration", duration).
		Msg("final segment transcribed")

	if err := s.publisher.PublishFinal(ctx, s.id, ev); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish final transcript")
	}
}

// transcribePartial re-transcribes the whole in-flight buffer without
// flushing it. The buffer is untouched, so the eventual final segment
// contains everything the partials previewed.
func (s *Session) transcribePartial(ctx context.Context) {
	buffered := s.seg.Buffered()
	if len(buffered) == 0 {
		return
	}
	s.lastPartial = time.Now()

	ev := s.stream.TranscribeSegment(ctx, buffered, s.seg.TargetSampleRate(), false)
	s.recordInference("partial", ev)
	s.send(ev)

	if ev.Type == models.EventError {
		s.metrics.RecordProtocolError("inference")
		return
	}
	s.metrics.RecordPartialTranscript()

	if err := s.publisher.PublishPartial(ctx, s.id, ev); err != nil {
		s.log.Warn().Err(err).Msg("failed to publish partial transcript")
	}
}

// Close discards the session state. Called once when the transport
// disconnect is observed.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.seg.Reset()
	s.log.Info().
		Float64("totalDuration", s.totalDuration).
		Int("totalSegments", s.stream.SegmentCount()).
		Dur("connected", time.Since(s.connectedAt)).
		Msg("session closed")
}

func (s *Session) recordInference(kind string, ev models.TranscriptionEvent) {
	var err error
	if ev.Type == models.EventError {
		err = errors.New(ev.Error)
	}
	s.metrics.RecordInference(s.opts.EngineName, kind, err, ev.ProcessingTimeMs/1000)
}

func (s *Session) send(ev models.TranscriptionEvent) {
	if err := s.sink.Send(ev); err != nil {
		s.log.Warn().Err(err).Str("eventType", ev.Type).Msg("failed to send event")
	}
}

func (s *Session) sendError(message string) {
	s.send(models.TranscriptionEvent{
		Type:      models.EventError,
		Error:     message,
		Timestamp: nowUTC(),
	})
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
