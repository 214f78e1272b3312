// Package audio provides the sample-rate and format conversions needed at the
// telephony boundary: linear-interpolation resampling with one sample of
// carry-over state for seamless chunk-by-chunk streaming, and G.711 mu-law
// conversion to and from PCM16 little-endian.
package audio

import (
	"encoding/binary"
	"math"
)

// State carries resampler continuity across consecutive chunks of one audio
// stream. It holds the last raw input sample of the previous chunk so the
// boundary between two chunks is interpolated instead of repeated, which
// would otherwise click. A nil *State means "no history" (first chunk).
type State struct {
	prevLast float64
}

// Resample converts PCM16LE audio from sourceRate to targetRate using linear
// interpolation. The returned state must be passed to the next call for the
// same stream; it is nil when no state is needed (identity conversion).
//
// Output sample count is exactly round(n * targetRate / sourceRate) for n
// input samples. Output positions are k*step for k = 1..nOut, evaluated
// against the input extended with the carried previous sample, so for 2x
// upsampling the first output lands halfway between the last sample of the
// previous chunk and the first sample of this one.
//
// Empty input returns empty output and passes state through unchanged.
func Resample(pcm []byte, sourceRate, targetRate int, state *State) ([]byte, *State) {
	if len(pcm) == 0 {
		return nil, state
	}
	if sourceRate == targetRate {
		// Identity: clear state so a later rate change starts fresh.
		return pcm, nil
	}

	nIn := len(pcm) / 2
	if nIn == 0 {
		return nil, state
	}
	samples := make([]float64, nIn)
	for i := 0; i < nIn; i++ {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	nOut := int(math.Round(float64(nIn) * float64(targetRate) / float64(sourceRate)))
	newState := &State{prevLast: samples[nIn-1]}
	if nOut == 0 {
		return nil, newState
	}

	// Exact step between output samples in input-sample units.
	// For 2x upsampling (8k to 16k): step = 0.5 exactly.
	step := float64(nIn) / float64(nOut)

	out := make([]byte, nOut*2)
	if state != nil {
		// Extended index space: position 0 is the previous chunk's last
		// sample, position k is samples[k-1]. Outputs sit at 1*step..nOut*step.
		for k := 1; k <= nOut; k++ {
			pos := float64(k) * step
			v := interpExtended(state.prevLast, samples, pos)
			binary.LittleEndian.PutUint16(out[2*(k-1):], uint16(clip16(v)))
		}
	} else {
		// First chunk: outputs at 0, step, 2*step, ...
		for k := 0; k < nOut; k++ {
			pos := float64(k) * step
			v := interpPlain(samples, pos)
			binary.LittleEndian.PutUint16(out[2*k:], uint16(clip16(v)))
		}
	}
	return out, newState
}

// interpExtended evaluates position pos in the extended space where index 0
// is prev and index i (i >= 1) is samples[i-1]. Positions past the final
// sample clamp to it.
func interpExtended(prev float64, samples []float64, pos float64) float64 {
	n := len(samples)
	if pos <= 0 {
		return prev
	}
	if pos >= float64(n) {
		return samples[n-1]
	}
	i := int(pos)
	frac := pos - float64(i)
	var lo float64
	if i == 0 {
		lo = prev
	} else {
		lo = samples[i-1]
	}
	hi := samples[i]
	return lo + (hi-lo)*frac
}

func interpPlain(samples []float64, pos float64) float64 {
	n := len(samples)
	if pos <= 0 {
		return samples[0]
	}
	if pos >= float64(n-1) {
		return samples[n-1]
	}
	i := int(pos)
	frac := pos - float64(i)
	return samples[i] + (samples[i+1]-samples[i])*frac
}

func clip16(v float64) int16 {
	r := math.Round(v)
	if r > 32767 {
		return 32767
	}
	if r < -32768 {
		return -32768
	}
	return int16(r)
}
