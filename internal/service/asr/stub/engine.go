// Package stub provides a fake inference engine for tests and for running
// the server without cloud credentials. It cycles through canned phrases and
// can be scripted to fail or delay.
package stub

import (
	"context"
	"sync"
	"time"

	"github.com/davidbmar/nvidia-parakeet/internal/service/asr"
)

// DefaultPhrases are the canned transcriptions returned in order.
var DefaultPhrases = []string{
	"hello this is a streaming transcription test",
	"the quick brown fox jumps over the lazy dog",
	"testing one two three",
	"thank you for calling please hold",
}

// Engine implements asr.Engine with canned results.
type Engine struct {
	mu      sync.Mutex
	phrases []string
	next    int
	calls   int
	err     error
	delay   time.Duration
}

// New creates a stub engine. With no phrases it uses DefaultPhrases.
func New(phrases ...string) *Engine {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	return &Engine{phrases: phrases}
}

// SetError makes every subsequent Transcribe call fail with err.
// Pass nil to clear.
func (e *Engine) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// SetDelay makes Transcribe block for d before returning, respecting
// context cancellation.
func (e *Engine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// Calls returns how many Transcribe calls were made.
func (e *Engine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Transcribe returns the next canned phrase, without word alignments so the
// caller exercises its derived-timing path.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*asr.Result, error) {
	e.mu.Lock()
	e.calls++
	err := e.err
	delay := e.delay
	phrase := e.phrases[e.next%len(e.phrases)]
	e.next++
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &asr.Result{Text: phrase, Confidence: 0.95}, nil
}
