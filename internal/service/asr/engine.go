// Package asr defines the inference engine contract: given a finished audio
// segment, an Engine returns text, word timings and confidence.
package asr

import "context"

// Word is a recognized word with timings relative to the start of the
// segment. The transcription layer shifts them onto the recording timeline.
type Word struct {
	Word       string
	Start      float64
	End        float64
	Confidence float64
}

// Result is a successful transcription of one segment. Words may be empty
// when the engine does not produce alignments; the transcription layer then
// derives evenly spaced timings from the segment duration.
type Result struct {
	Text       string
	Words      []Word
	Confidence float64
}

// Engine transcribes finished audio segments. Implementations must be safe
// for concurrent calls from independent sessions; they may serialize or queue
// internally. Callers bound each call with a context deadline and treat a
// deadline exceeded like any other engine failure.
type Engine interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (*Result, error)
}
