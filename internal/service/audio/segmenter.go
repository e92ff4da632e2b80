// Package audio implements the per-session audio segmenter: it buffers raw
// PCM chunks, normalizes and resamples them to the canonical rate, runs voice
// activity detection and decides segment boundaries. Pure logic, no I/O.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/davidbmar/nvidia-parakeet/internal/service/vad"
)

// Format identifies the encoding of raw inbound audio bytes.
type Format string

const (
	FormatPCM16   Format = "pcm16"
	FormatFloat32 Format = "float32"
)

// Decode errors. These are recoverable: the chunk is dropped and the session
// surfaces an error event.
var (
	ErrTruncatedChunk    = errors.New("audio chunk length inconsistent with sample format")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// Options configures a Segmenter.
type Options struct {
	TargetSampleRate   int           // canonical rate fed to the inference engine
	ChunkDuration      time.Duration // nominal duration of one inbound chunk
	VADThreshold       float64       // RMS threshold for the energy detector
	SilenceDuration    time.Duration // silence run length that ends a segment
	MaxSegmentDuration time.Duration // forced cutoff, bounds per-inference work

	// Detector overrides the default energy detector when set.
	Detector vad.Detector
}

// DefaultOptions mirrors the defaults advertised to clients: 16 kHz canonical
// rate, 100 ms chunks, 0.5 s silence timeout, 10 s forced cutoff.
func DefaultOptions() Options {
	return Options{
		TargetSampleRate:   16000,
		ChunkDuration:      100 * time.Millisecond,
		VADThreshold:       0.01,
		SilenceDuration:    500 * time.Millisecond,
		MaxSegmentDuration: 10 * time.Second,
	}
}

// Settings carries a partial reconfiguration; nil fields are left unchanged.
// Changes apply from the next processed chunk and never reinterpret samples
// already buffered. The declared inbound sample rate is not part of the
// segmenter's settings: it arrives with every chunk and the cached resampler
// is rebuilt whenever it changes.
type Settings struct {
	VADThreshold    *float64
	SilenceDuration *time.Duration
}

// Segmenter accumulates normalized samples and reports segment boundaries.
// It is owned by exactly one session and is not safe for concurrent use.
//
// Boundary detection and segment extraction are separate calls: ProcessChunk
// reports the boundary, Flush retrieves and clears the finished segment. That
// split lets the caller discard a segment instead of transcribing it.
type Segmenter struct {
	opts     Options
	detector vad.Detector

	silenceChunks     int
	maxSegmentSamples int

	segment        []float32
	carry          []float32 // overflow past a forced cutoff, seeds the next segment
	silenceCounter int

	rs             *resampler
	lastSourceRate int
}

// NewSegmenter creates a segmenter from opts, filling in defaults for any
// zero-valued sizing fields.
func NewSegmenter(opts Options) *Segmenter {
	def := DefaultOptions()
	if opts.TargetSampleRate <= 0 {
		opts.TargetSampleRate = def.TargetSampleRate
	}
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = def.ChunkDuration
	}
	if opts.SilenceDuration <= 0 {
		opts.SilenceDuration = def.SilenceDuration
	}
	if opts.MaxSegmentDuration <= 0 {
		opts.MaxSegmentDuration = def.MaxSegmentDuration
	}

	s := &Segmenter{
		opts:     opts,
		detector: opts.Detector,
	}
	if s.detector == nil {
		s.detector = vad.NewEnergy(opts.VADThreshold)
	}
	s.recalc()
	return s
}

func (s *Segmenter) recalc() {
	s.silenceChunks = int(math.Round(float64(s.opts.SilenceDuration) / float64(s.opts.ChunkDuration)))
	if s.silenceChunks < 1 {
		s.silenceChunks = 1
	}
	s.maxSegmentSamples = int(float64(s.opts.TargetSampleRate) * s.opts.MaxSegmentDuration.Seconds())
}

// ProcessChunk decodes one raw chunk, folds it into the in-flight segment and
// reports whether a segment boundary was reached. The returned samples are the
// normalized, resampled chunk. An empty chunk is a no-op.
//
// Boundary priority: the forced cutoff wins over VAD state. When the chunk
// would push the buffer past the maximum segment length, the buffer is cut at
// exactly that length and the overflow is held back for the next segment.
func (s *Segmenter) ProcessChunk(data []byte, sampleRate int, format Format) ([]float32, bool, error) {
	if len(data) == 0 {
		return nil, false, nil
	}

	samples, err := decode(data, format)
	if err != nil {
		return nil, false, err
	}
	if sampleRate != s.opts.TargetSampleRate {
		samples = s.resample(samples, sampleRate)
	}

	voiced, err := s.detector.Detect(samples)
	if err != nil {
		return nil, false, fmt.Errorf("voice activity detection: %w", err)
	}

	// Overflow from a previous forced cut precedes the new chunk. It is
	// folded through the same capped path below, so a frame much larger than
	// the cutoff drains one segment at a time instead of blowing the limit.
	pending := samples
	if len(s.carry) > 0 {
		pending = append(s.carry, samples...)
		s.carry = nil
	}

	if space := s.maxSegmentSamples - len(s.segment); len(pending) >= space {
		s.segment = append(s.segment, pending[:space]...)
		s.carry = append(s.carry, pending[space:]...)
		return samples, true, nil
	}
	s.segment = append(s.segment, pending...)

	if voiced {
		s.silenceCounter = 0
		return samples, false, nil
	}
	s.silenceCounter++
	if s.silenceCounter >= s.silenceChunks && len(s.segment) > 0 {
		return samples, true, nil
	}
	return samples, false, nil
}

// Flush returns the finished segment and clears the buffer, or nil when
// nothing is buffered. Overflow held back by a forced cut immediately seeds
// the next segment, so a stop right after the cut still sees it in
// BufferedSamples and flushes it. Callers must not emit zero-length segments.
func (s *Segmenter) Flush() []float32 {
	if len(s.segment) == 0 {
		s.seedFromCarry()
	}
	if len(s.segment) == 0 {
		return nil
	}
	segment := s.segment
	s.segment = nil
	s.silenceCounter = 0
	s.seedFromCarry()
	return segment
}

// seedFromCarry moves forced-cut overflow into the next segment, never past
// the cutoff length.
func (s *Segmenter) seedFromCarry() {
	if len(s.carry) == 0 {
		return
	}
	n := len(s.carry)
	if space := s.maxSegmentSamples - len(s.segment); n > space {
		n = space
	}
	if n <= 0 {
		return
	}
	s.segment = append(s.segment, s.carry[:n]...)
	if n == len(s.carry) {
		s.carry = nil
	} else {
		s.carry = append([]float32(nil), s.carry[n:]...)
	}
}

// Buffered returns a copy of the in-flight segment without disturbing it,
// for non-destructive partial transcription.
func (s *Segmenter) Buffered() []float32 {
	if len(s.segment) == 0 {
		return nil
	}
	out := make([]float32, len(s.segment))
	copy(out, s.segment)
	return out
}

// AtCapacity reports whether the in-flight segment has hit the forced
// cutoff length. After a boundary it tells a forced cut apart from a
// silence timeout.
func (s *Segmenter) AtCapacity() bool {
	return len(s.segment) >= s.maxSegmentSamples
}

// BufferedSamples returns the count of all pending samples, including
// overflow held back by a forced cut.
func (s *Segmenter) BufferedSamples() int {
	return len(s.segment) + len(s.carry)
}

// BufferedDuration returns the pending duration in seconds at the canonical
// rate.
func (s *Segmenter) BufferedDuration() float64 {
	return float64(s.BufferedSamples()) / float64(s.opts.TargetSampleRate)
}

// TargetSampleRate returns the canonical rate segments are produced at.
func (s *Segmenter) TargetSampleRate() int {
	return s.opts.TargetSampleRate
}

// Reset clears the buffer, overflow and silence counter.
func (s *Segmenter) Reset() {
	s.segment = nil
	s.carry = nil
	s.silenceCounter = 0
}

// Reconfigure applies the non-nil settings. Already-buffered samples are
// left as they are.
func (s *Segmenter) Reconfigure(c Settings) {
	if c.SilenceDuration != nil && *c.SilenceDuration > 0 {
		s.opts.SilenceDuration = *c.SilenceDuration
	}
	if c.VADThreshold != nil {
		s.opts.VADThreshold = *c.VADThreshold
		if ts, ok := s.detector.(vad.ThresholdSetter); ok {
			ts.SetThreshold(*c.VADThreshold)
		}
	}
	s.recalc()
}

// resample converts samples from sourceRate to the target rate, rebuilding
// the cached resampler only when the source rate changes.
func (s *Segmenter) resample(samples []float32, sourceRate int) []float32 {
	if s.rs == nil || s.lastSourceRate != sourceRate {
		s.rs = newResampler(sourceRate, s.opts.TargetSampleRate)
		s.lastSourceRate = sourceRate
	}
	return s.rs.Resample(samples)
}

// decode converts raw bytes into normalized samples in [-1.0, 1.0].
func decode(data []byte, format Format) ([]float32, error) {
	switch format {
	case FormatPCM16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("%w: %d bytes of pcm16", ErrTruncatedChunk, len(data))
		}
		samples := make([]float32, len(data)/2)
		for i := range samples {
			v := int16(binary.LittleEndian.Uint16(data[i*2:]))
			samples[i] = float32(v) / 32768.0
		}
		return samples, nil
	case FormatFloat32:
		if len(data)%4 != 0 {
			return nil, fmt.Errorf("%w: %d bytes of float32", ErrTruncatedChunk, len(data))
		}
		samples := make([]float32, len(data)/4)
		for i := range samples {
			v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
			if v > 1.0 {
				v = 1.0
			}
			if v < -1.0 {
				v = -1.0
			}
			samples[i] = v
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
