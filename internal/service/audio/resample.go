package audio

import "math"

// resampler converts between two fixed sample rates by linear interpolation.
// Constructing one fixes the rate ratio, so it is cached by the segmenter and
// rebuilt only when the source rate changes.
type resampler struct {
	from int
	to   int
	step float64 // source samples advanced per output sample
}

func newResampler(from, to int) *resampler {
	return &resampler{
		from: from,
		to:   to,
		step: float64(from) / float64(to),
	}
}

// Resample converts in to the target rate. Each chunk is resampled
// independently; the boundary discontinuity is inaudible at chunk sizes of
// tens of milliseconds and keeps the resampler stateless.
func (r *resampler) Resample(in []float32) []float32 {
	if r.from == r.to || len(in) == 0 {
		return in
	}

	n := int(math.Ceil(float64(len(in)) * float64(r.to) / float64(r.from)))
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * r.step
		i0 := int(pos)
		if i0 >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(i0))
		out[i] = in[i0]*(1-frac) + in[i0+1]*frac
	}
	return out
}
