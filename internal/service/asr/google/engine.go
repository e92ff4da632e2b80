// Package google provides an inference engine backed by Google Cloud
// Speech-to-Text. Each finished segment is sent as one synchronous Recognize
// call with word time offsets enabled.
package google

import (
	"context"
	"encoding/binary"
	"fmt"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/davidbmar/nvidia-parakeet/internal/service/asr"
)

// Engine implements asr.Engine using Cloud Speech-to-Text. The client is
// safe for concurrent use, so one Engine is shared across all sessions.
type Engine struct {
	client   *speech.Client
	language string
}

// New creates the engine. Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
func New(ctx context.Context, language string) (*Engine, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	if language == "" {
		language = "en-US"
	}
	return &Engine{client: c, language: language}, nil
}

// Transcribe recognizes one segment. Word timings come back segment-relative.
func (e *Engine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (*asr.Result, error) {
	resp, err := e.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:              speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:       int32(sampleRate),
			LanguageCode:          e.language,
			EnableWordTimeOffsets: true,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: pcm16Bytes(samples),
			},
		},
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
			return nil, fmt.Errorf("speech service unavailable: %w", err)
		}
		return nil, fmt.Errorf("recognize: %w", err)
	}

	result := &asr.Result{}
	for _, r := range resp.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		if result.Text != "" {
			result.Text += " "
		}
		result.Text += alt.Transcript
		if result.Confidence == 0 {
			result.Confidence = float64(alt.Confidence)
		}
		for _, w := range alt.Words {
			result.Words = append(result.Words, asr.Word{
				Word:       w.Word,
				Start:      seconds(w.StartTime),
				End:        seconds(w.EndTime),
				Confidence: float64(alt.Confidence),
			})
		}
	}
	return result, nil
}

// Close releases the underlying client connection.
func (e *Engine) Close() error {
	return e.client.Close()
}

func seconds(d *durationpb.Duration) float64 {
	if d == nil {
		return 0
	}
	return d.AsDuration().Seconds()
}

// pcm16Bytes converts normalized samples to 16-bit little-endian PCM, the
// encoding declared in the recognition config.
func pcm16Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		}
		if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}
