package stub

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTranscribe_CyclesPhrases(t *testing.T) {
	e := New("one", "two")
	ctx := context.Background()

	texts := make([]string, 3)
	for i := range texts {
		r, err := e.Transcribe(ctx, make([]float32, 160), 16000)
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		texts[i] = r.Text
	}

	if texts[0] != "one" || texts[1] != "two" || texts[2] != "one" {
		t.Errorf("expected phrases to cycle, got %v", texts)
	}
	if e.Calls() != 3 {
		t.Errorf("expected 3 calls, got %d", e.Calls())
	}
}

func TestTranscribe_ScriptedError(t *testing.T) {
	e := New()
	scripted := errors.New("model offline")
	e.SetError(scripted)

	if _, err := e.Transcribe(context.Background(), nil, 16000); !errors.Is(err, scripted) {
		t.Errorf("expected scripted error, got %v", err)
	}

	e.SetError(nil)
	if _, err := e.Transcribe(context.Background(), nil, 16000); err != nil {
		t.Errorf("expected success after clearing error, got %v", err)
	}
}

func TestTranscribe_DelayRespectsContext(t *testing.T) {
	e := New()
	e.SetDelay(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := e.Transcribe(ctx, nil, 16000); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
