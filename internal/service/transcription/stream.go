// Package transcription turns finished audio segments into transcription
// events: it owns the per-session segment counter, the accumulated final
// transcript, the latest partial and the running time offset used for
// word-level timings.
package transcription

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/davidbmar/nvidia-parakeet/internal/models"
	"github.com/davidbmar/nvidia-parakeet/internal/service/asr"
)

// Stream holds the transcription state for one session. Owned by exactly one
// session; not safe for concurrent use.
type Stream struct {
	engine  asr.Engine
	timeout time.Duration

	segmentID  int
	finals     []string
	partial    string
	timeOffset float64
}

// New creates a stream around the shared engine. timeout bounds each
// inference call; zero disables the bound.
func New(engine asr.Engine, timeout time.Duration) *Stream {
	return &Stream{engine: engine, timeout: timeout}
}

// TranscribeSegment runs inference on one segment and returns the event to
// send. Engine failures (including timeouts) come back as an error-typed
// event, never as a panic or a poisoned stream: the next segment is
// unaffected.
//
// Final segments append to the transcript, take the next segment id and
// advance the time offset by the segment duration. Partials only replace the
// latest-partial text; they carry no id and no word alignments, and they must
// not advance the offset or later finals would drift.
func (s *Stream) TranscribeSegment(ctx context.Context, samples []float32, sampleRate int, isFinal bool) models.TranscriptionEvent {
	start := time.Now()
	duration := float64(len(samples)) / float64(sampleRate)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	result, err := s.engine.Transcribe(ctx, samples, sampleRate)
	if err != nil {
		return s.errorEvent(err)
	}

	ev := models.TranscriptionEvent{
		Type:             models.EventTranscription,
		Text:             result.Text,
		IsFinal:          isFinal,
		Duration:         round3(duration),
		ProcessingTimeMs: round2(float64(time.Since(start).Microseconds()) / 1000),
		Timestamp:        nowUTC(),
	}

	if isFinal {
		ev.Words = s.alignWords(result, duration)
		id := s.segmentID
		ev.SegmentID = &id
		s.finals = append(s.finals, result.Text)
		s.timeOffset += duration
		s.segmentID++
	} else {
		ev.Type = models.EventPartial
		s.partial = result.Text
	}
	return ev
}

// alignWords places the segment's words on the recording timeline. Engine
// alignments are segment-relative and get shifted by the running offset;
// without them the segment duration is distributed evenly across the words.
func (s *Stream) alignWords(result *asr.Result, duration float64) []models.Word {
	if len(result.Words) > 0 {
		words := make([]models.Word, len(result.Words))
		for i, w := range result.Words {
			words[i] = models.Word{
				Word:       w.Word,
				Start:      round3(s.timeOffset + w.Start),
				End:        round3(s.timeOffset + w.End),
				Confidence: w.Confidence,
			}
		}
		return words
	}

	fields := strings.Fields(result.Text)
	if len(fields) == 0 {
		return nil
	}
	perWord := duration / float64(len(fields))
	words := make([]models.Word, len(fields))
	current := s.timeOffset
	for i, w := range fields {
		words[i] = models.Word{
			Word:       w,
			Start:      round3(current),
			End:        round3(current + perWord),
			Confidence: 0.95,
		}
		current += perWord
	}
	return words
}

func (s *Stream) errorEvent(err error) models.TranscriptionEvent {
	id := s.segmentID
	return models.TranscriptionEvent{
		Type:      models.EventError,
		Error:     err.Error(),
		SegmentID: &id,
		Timestamp: nowUTC(),
	}
}

// FullTranscript returns all finalized texts in order, with the latest
// partial (if any) appended last.
func (s *Stream) FullTranscript() string {
	full := strings.Join(s.finals, " ")
	if s.partial != "" {
		full += " " + s.partial
	}
	return strings.TrimSpace(full)
}

// SegmentCount returns the number of finalized segments.
func (s *Stream) SegmentCount() int {
	return s.segmentID
}

// Reset clears the counter, transcripts, partial text and time offset, so a
// new recording on the same connection starts from a clean slate.
func (s *Stream) Reset() {
	s.segmentID = 0
	s.finals = nil
	s.partial = ""
	s.timeOffset = 0
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
