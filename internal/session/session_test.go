package session

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/davidbmar/nvidia-parakeet/internal/events"
	"github.com/davidbmar/nvidia-parakeet/internal/models"
	"github.com/davidbmar/nvidia-parakeet/internal/observability/metrics"
	"github.com/davidbmar/nvidia-parakeet/internal/service/audio"
	"github.com/davidbmar/nvidia-parakeet/internal/service/asr/stub"
	"github.com/davidbmar/nvidia-parakeet/internal/service/transcription"
)

// chunkSamples is one 100ms chunk at 16kHz.
const chunkSamples = 1600

type captureSink struct {
	events []models.TranscriptionEvent
	err    error
}

func (c *captureSink) Send(ev models.TranscriptionEvent) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureSink) ofType(eventType string) []models.TranscriptionEvent {
	var out []models.TranscriptionEvent
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *captureSink) last() models.TranscriptionEvent {
	if len(c.events) == 0 {
		return models.TranscriptionEvent{}
	}
	return c.events[len(c.events)-1]
}

// tone builds n pcm16 samples of a sine wave loud enough to count as voiced.
func tone(n int) []byte {
	data := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(10000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

// silence builds n pcm16 samples of zeros.
func silence(n int) []byte {
	return make([]byte, n*2)
}

type harness struct {
	session *Session
	sink    *captureSink
	engine  *stub.Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	engine := stub.New()
	seg := audio.NewSegmenter(audio.DefaultOptions())
	stream := transcription.New(engine, 0)
	sink := &captureSink{}
	publisher := events.New(&events.Config{Enabled: false})
	s := New("client-1", seg, stream, sink, publisher, metrics.DefaultMetrics, zerolog.Nop(), opts)
	return &harness{session: s, sink: sink, engine: engine}
}

// noPartials disables partial re-transcription so scenario tests see only
// final events.
func noPartials() Options {
	opts := DefaultOptions()
	opts.PartialThreshold = 0
	return opts
}

func startRecording(t *testing.T, h *harness) {
	t.Helper()
	h.session.HandleControl(context.Background(), []byte(`{"type":"start_recording"}`))
	if h.session.State() != StateRecording {
		t.Fatalf("expected RECORDING after start_recording, got %s", h.session.State())
	}
}

func TestNew_StartsConnected(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	if h.session.State() != StateConnected {
		t.Errorf("expected CONNECTED, got %s", h.session.State())
	}
	if h.session.ID() != "client-1" {
		t.Errorf("expected id 'client-1', got %s", h.session.ID())
	}
}

func TestHandleAudio_DroppedWhenNotRecording(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleAudio(context.Background(), tone(chunkSamples))

	if len(h.sink.events) != 0 {
		t.Errorf("expected no events for dropped audio, got %d", len(h.sink.events))
	}
	if h.engine.Calls() != 0 {
		t.Errorf("expected no inference calls, got %d", h.engine.Calls())
	}
}

func TestStartRecording_EmitsEventAndEchoesConfig(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleControl(context.Background(), []byte(`{"type":"start_recording","config":{"language":"en"}}`))

	if h.session.State() != StateRecording {
		t.Fatalf("expected RECORDING, got %s", h.session.State())
	}
	started := h.sink.ofType(models.EventRecordingStarted)
	if len(started) != 1 {
		t.Fatalf("expected one recording_started event, got %d", len(started))
	}
	if started[0].Config["language"] != "en" {
		t.Errorf("expected echoed config, got %v", started[0].Config)
	}
}

func TestSilenceBoundary_ProducesOneFinalSegment(t *testing.T) {
	h := newHarness(t, noPartials())
	startRecording(t, h)
	ctx := context.Background()

	// 3 voiced chunks then 6 silent ones. The silence timeout (500ms = 5
	// chunks) fires exactly once; the sixth silent chunk lands in an empty
	// buffer and must not produce a second boundary.
	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	for i := 0; i < 6; i++ {
		h.session.HandleAudio(ctx, silence(chunkSamples))
	}

	finals := h.sink.ofType(models.EventTranscription)
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final transcription, got %d", len(finals))
	}
	if finals[0].SegmentID == nil || *finals[0].SegmentID != 0 {
		t.Errorf("expected segment id 0, got %v", finals[0].SegmentID)
	}
	if !finals[0].IsFinal {
		t.Error("expected final event to be marked final")
	}
	if finals[0].Text == "" {
		t.Error("expected non-empty transcript")
	}
}

func TestStopRecording_FlushesAndReportsTotals(t *testing.T) {
	h := newHarness(t, noPartials())
	startRecording(t, h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	h.session.HandleControl(ctx, []byte(`{"type":"stop_recording"}`))

	if h.session.State() != StateConnected {
		t.Errorf("expected CONNECTED after stop, got %s", h.session.State())
	}
	finals := h.sink.ofType(models.EventTranscription)
	if len(finals) != 1 {
		t.Fatalf("expected buffered audio flushed as one final, got %d", len(finals))
	}
	stopped := h.sink.ofType(models.EventRecordingStopped)
	if len(stopped) != 1 {
		t.Fatalf("expected one recording_stopped event, got %d", len(stopped))
	}
	if stopped[0].FinalTranscript != finals[0].Text {
		t.Errorf("expected full transcript %q, got %q", finals[0].Text, stopped[0].FinalTranscript)
	}
	if stopped[0].TotalSegments != 1 {
		t.Errorf("expected 1 total segment, got %d", stopped[0].TotalSegments)
	}
	if got, want := stopped[0].TotalDuration, 0.3; math.Abs(got-want) > 1e-9 {
		t.Errorf("expected total duration %v, got %v", want, got)
	}
}

func TestStopRecording_EmptyBufferSkipsFinalSegment(t *testing.T) {
	h := newHarness(t, noPartials())
	startRecording(t, h)

	h.session.HandleControl(context.Background(), []byte(`{"type":"stop_recording"}`))

	if len(h.sink.ofType(models.EventTranscription)) != 0 {
		t.Error("expected no final segment for empty buffer")
	}
	stopped := h.sink.ofType(models.EventRecordingStopped)
	if len(stopped) != 1 {
		t.Fatalf("expected one recording_stopped event, got %d", len(stopped))
	}
	if stopped[0].TotalSegments != 0 {
		t.Errorf("expected 0 segments, got %d", stopped[0].TotalSegments)
	}
}

func TestStopRecording_FlushesForcedCutOverflow(t *testing.T) {
	engine := stub.New()
	segOpts := audio.DefaultOptions()
	segOpts.MaxSegmentDuration = time.Second // 16000 samples
	seg := audio.NewSegmenter(segOpts)
	sink := &captureSink{}
	publisher := events.New(&events.Config{Enabled: false})
	s := New("client-1", seg, transcription.New(engine, 0), sink, publisher, metrics.DefaultMetrics, zerolog.Nop(), noPartials())
	ctx := context.Background()

	s.HandleControl(ctx, []byte(`{"type":"start_recording"}`))

	// 9 full chunks, then a chunk crossing the cutoff mid-chunk: the forced
	// cut leaves 800 samples of overflow behind.
	for i := 0; i < 9; i++ {
		s.HandleAudio(ctx, tone(chunkSamples))
	}
	s.HandleAudio(ctx, tone(chunkSamples+chunkSamples/2))

	finals := sink.ofType(models.EventTranscription)
	if len(finals) != 1 {
		t.Fatalf("expected one forced final, got %d", len(finals))
	}
	if math.Abs(finals[0].Duration-1.0) > 1e-9 {
		t.Errorf("expected forced segment of 1s, got %v", finals[0].Duration)
	}

	s.HandleControl(ctx, []byte(`{"type":"stop_recording"}`))

	finals = sink.ofType(models.EventTranscription)
	if len(finals) != 2 {
		t.Fatalf("expected overflow flushed as a final on stop, got %d finals", len(finals))
	}
	if finals[1].SegmentID == nil || *finals[1].SegmentID != 1 {
		t.Errorf("expected trailing segment id 1, got %v", finals[1].SegmentID)
	}
	if math.Abs(finals[1].Duration-0.05) > 1e-9 {
		t.Errorf("expected trailing segment of 0.05s, got %v", finals[1].Duration)
	}

	stopped := sink.ofType(models.EventRecordingStopped)
	if len(stopped) != 1 {
		t.Fatalf("expected one recording_stopped event, got %d", len(stopped))
	}
	if stopped[0].TotalSegments != 2 {
		t.Errorf("expected 2 total segments, got %d", stopped[0].TotalSegments)
	}
	if math.Abs(stopped[0].TotalDuration-1.05) > 1e-9 {
		t.Errorf("expected total duration 1.05s, got %v", stopped[0].TotalDuration)
	}
}

func TestPartials_EmittedWithoutSegmentID(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialThreshold = 100 * time.Millisecond
	opts.PartialInterval = 0
	h := newHarness(t, opts)
	startRecording(t, h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}

	partials := h.sink.ofType(models.EventPartial)
	if len(partials) == 0 {
		t.Fatal("expected partial events past the threshold")
	}
	for _, p := range partials {
		if p.SegmentID != nil {
			t.Errorf("partial must not carry a segment id, got %v", *p.SegmentID)
		}
		if p.IsFinal {
			t.Error("partial must not be marked final")
		}
		if len(p.Words) != 0 {
			t.Errorf("partial must not carry word alignments, got %d", len(p.Words))
		}
	}
}

func TestPartials_ThrottledByInterval(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialThreshold = 100 * time.Millisecond
	opts.PartialInterval = time.Hour
	h := newHarness(t, opts)
	startRecording(t, h)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}

	if got := len(h.sink.ofType(models.EventPartial)); got != 1 {
		t.Errorf("expected exactly one partial under a long interval, got %d", got)
	}
}

func TestPartials_DoNotConsumeSegmentIDs(t *testing.T) {
	opts := DefaultOptions()
	opts.PartialThreshold = 100 * time.Millisecond
	opts.PartialInterval = 0
	h := newHarness(t, opts)
	startRecording(t, h)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	for i := 0; i < 5; i++ {
		h.session.HandleAudio(ctx, silence(chunkSamples))
	}

	finals := h.sink.ofType(models.EventTranscription)
	if len(finals) != 1 {
		t.Fatalf("expected one final, got %d", len(finals))
	}
	if finals[0].SegmentID == nil || *finals[0].SegmentID != 0 {
		t.Errorf("expected first final to be segment 0 despite earlier partials, got %v", finals[0].SegmentID)
	}
}

func TestHandleControl_InvalidJSON(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleControl(context.Background(), []byte(`{not json`))

	errs := h.sink.ofType(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if h.session.State() != StateConnected {
		t.Errorf("expected state unchanged, got %s", h.session.State())
	}
}

func TestHandleControl_UnknownType(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleControl(context.Background(), []byte(`{"type":"rewind"}`))

	errs := h.sink.ofType(models.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
}

func TestHandleControl_Ping(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleControl(context.Background(), []byte(`{"type":"ping"}`))

	if h.sink.last().Type != models.EventPong {
		t.Errorf("expected pong, got %q", h.sink.last().Type)
	}
}

func TestConfigure_AppliesAndEchoes(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleControl(context.Background(), []byte(
		`{"type":"configure","sample_rate":48000,"vad_threshold":0.05,"silence_duration":0.75}`))

	configured := h.sink.ofType(models.EventConfigured)
	if len(configured) != 1 {
		t.Fatalf("expected one configured event, got %d", len(configured))
	}
	cfg := configured[0].Config
	if cfg["sample_rate"] != 48000 {
		t.Errorf("expected echoed sample_rate 48000, got %v", cfg["sample_rate"])
	}
	if cfg["vad_threshold"] != 0.05 {
		t.Errorf("expected echoed vad_threshold 0.05, got %v", cfg["vad_threshold"])
	}
	if cfg["silence_duration"] != 0.75 {
		t.Errorf("expected echoed silence_duration 0.75, got %v", cfg["silence_duration"])
	}
}

func TestConfigure_RejectsUnsupportedSampleRate(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.HandleControl(context.Background(), []byte(`{"type":"configure","sample_rate":22050}`))

	if len(h.sink.ofType(models.EventError)) != 1 {
		t.Fatal("expected an error event for unsupported sample rate")
	}
	if len(h.sink.ofType(models.EventConfigured)) != 0 {
		t.Error("expected no configured event on rejection")
	}
}

func TestHandleAudio_DecodeErrorIsRecoverable(t *testing.T) {
	h := newHarness(t, noPartials())
	startRecording(t, h)
	ctx := context.Background()

	// Odd byte count cannot be pcm16.
	h.session.HandleAudio(ctx, []byte{0x01, 0x02, 0x03})

	if len(h.sink.ofType(models.EventError)) != 1 {
		t.Fatal("expected an error event for a truncated chunk")
	}
	if h.session.State() != StateRecording {
		t.Errorf("expected session still recording, got %s", h.session.State())
	}

	// The session keeps working after the bad chunk.
	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	for i := 0; i < 5; i++ {
		h.session.HandleAudio(ctx, silence(chunkSamples))
	}
	if len(h.sink.ofType(models.EventTranscription)) != 1 {
		t.Error("expected a final segment after recovering from decode error")
	}
}

func TestInferenceFailure_KeepsSessionUsable(t *testing.T) {
	h := newHarness(t, noPartials())
	startRecording(t, h)
	ctx := context.Background()

	h.engine.SetError(errors.New("model overloaded"))
	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	for i := 0; i < 5; i++ {
		h.session.HandleAudio(ctx, silence(chunkSamples))
	}

	if len(h.sink.ofType(models.EventError)) != 1 {
		t.Fatal("expected an error event for the failed segment")
	}
	if len(h.sink.ofType(models.EventTranscription)) != 0 {
		t.Fatal("expected no final transcription for the failed segment")
	}

	h.engine.SetError(nil)
	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	for i := 0; i < 5; i++ {
		h.session.HandleAudio(ctx, silence(chunkSamples))
	}

	finals := h.sink.ofType(models.EventTranscription)
	if len(finals) != 1 {
		t.Fatalf("expected one final after recovery, got %d", len(finals))
	}
	// The failed attempt must not have consumed a segment id.
	if finals[0].SegmentID == nil || *finals[0].SegmentID != 0 {
		t.Errorf("expected segment id 0 after failed attempt, got %v", finals[0].SegmentID)
	}
	stopped := func() models.TranscriptionEvent {
		h.session.HandleControl(ctx, []byte(`{"type":"stop_recording"}`))
		evs := h.sink.ofType(models.EventRecordingStopped)
		return evs[len(evs)-1]
	}()
	if stopped.TotalSegments != 1 {
		t.Errorf("expected failed segment excluded from totals, got %d", stopped.TotalSegments)
	}
}

func TestRestart_ResetsSegmentIDsAndTranscript(t *testing.T) {
	h := newHarness(t, noPartials())
	ctx := context.Background()
	startRecording(t, h)

	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	h.session.HandleControl(ctx, []byte(`{"type":"stop_recording"}`))

	startRecording(t, h)
	for i := 0; i < 3; i++ {
		h.session.HandleAudio(ctx, tone(chunkSamples))
	}
	h.session.HandleControl(ctx, []byte(`{"type":"stop_recording"}`))

	finals := h.sink.ofType(models.EventTranscription)
	if len(finals) != 2 {
		t.Fatalf("expected two finals across two recordings, got %d", len(finals))
	}
	if *finals[1].SegmentID != 0 {
		t.Errorf("expected segment ids to restart at 0, got %d", *finals[1].SegmentID)
	}
	stopped := h.sink.ofType(models.EventRecordingStopped)
	if stopped[1].FinalTranscript != finals[1].Text {
		t.Errorf("expected second transcript to contain only the second recording, got %q", stopped[1].FinalTranscript)
	}
	// Totals cover the second recording only, not both.
	if stopped[1].TotalSegments != 1 {
		t.Errorf("expected 1 segment in second recording, got %d", stopped[1].TotalSegments)
	}
	if got, want := stopped[1].TotalDuration, 0.3; math.Abs(got-want) > 1e-9 {
		t.Errorf("expected second recording duration %v, got %v", want, got)
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultOptions())

	h.session.Close()
	if h.session.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", h.session.State())
	}
	h.session.Close()

	h.session.HandleAudio(context.Background(), tone(chunkSamples))
	if h.engine.Calls() != 0 {
		t.Error("expected no inference after close")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnected, "CONNECTED"},
		{StateRecording, "RECORDING"},
		{StateClosed, "CLOSED"},
		{State(42), "UNKNOWN(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
