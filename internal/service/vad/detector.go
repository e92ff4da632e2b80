// Package vad provides voice activity detection over normalized audio samples.
package vad

import "math"

// Detector classifies a chunk of normalized samples as voiced or silent.
type Detector interface {
	Detect(samples []float32) (bool, error)
}

// ThresholdSetter is implemented by detectors whose sensitivity can be
// retuned between chunks.
type ThresholdSetter interface {
	SetThreshold(threshold float64)
}

// Energy is a short-term-energy detector: a chunk is voiced when its RMS
// energy exceeds the configured threshold.
type Energy struct {
	threshold float64
}

// NewEnergy creates an energy detector with the given RMS threshold.
func NewEnergy(threshold float64) *Energy {
	return &Energy{threshold: threshold}
}

// Detect reports whether the chunk's RMS energy exceeds the threshold.
// An empty chunk is silent.
func (e *Energy) Detect(samples []float32) (bool, error) {
	if len(samples) == 0 {
		return false, nil
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return rms > e.threshold, nil
}

// SetThreshold updates the RMS threshold.
func (e *Energy) SetThreshold(threshold float64) {
	e.threshold = threshold
}

// Threshold returns the current RMS threshold.
func (e *Energy) Threshold() float64 {
	return e.threshold
}
