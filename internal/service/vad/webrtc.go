package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTC implements Detector using the WebRTC voice activity detector.
// It is stricter than the energy detector on noisy input and is selected
// via configuration; the segmenter is agnostic to which backend it runs.
type WebRTC struct {
	vad        *webrtcvad.VAD
	sampleRate int
	mode       int
}

// NewWebRTC creates a WebRTC detector. Mode is the aggressiveness (0-3,
// clamped) and sampleRate must be one of 8000, 16000, 32000 or 48000.
func NewWebRTC(sampleRate, mode int) (*WebRTC, error) {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("unsupported VAD sample rate %d", sampleRate)
	}
	if mode < 0 {
		mode = 0
	}
	if mode > 3 {
		mode = 3
	}

	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set webrtc vad mode: %w", err)
	}
	return &WebRTC{vad: v, sampleRate: sampleRate, mode: mode}, nil
}

// Detect reports whether any 10ms frame within the chunk contains speech.
// Trailing samples shorter than a frame are zero-padded.
func (w *WebRTC) Detect(samples []float32) (bool, error) {
	if len(samples) == 0 {
		return false, nil
	}

	frameSize := w.sampleRate / 100 // 10ms
	if rem := len(samples) % frameSize; rem != 0 {
		padded := make([]float32, len(samples)+frameSize-rem)
		copy(padded, samples)
		samples = padded
	}

	frame := make([]byte, frameSize*2)
	for off := 0; off+frameSize <= len(samples); off += frameSize {
		for i, s := range samples[off : off+frameSize] {
			if s > 1.0 {
				s = 1.0
			}
			if s < -1.0 {
				s = -1.0
			}
			v := int16(s * 32767)
			frame[i*2] = byte(v)
			frame[i*2+1] = byte(v >> 8)
		}
		active, err := w.vad.Process(w.sampleRate, frame)
		if err != nil {
			return false, fmt.Errorf("webrtc vad process: %w", err)
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}

// Mode returns the configured aggressiveness.
func (w *WebRTC) Mode() int { return w.mode }
