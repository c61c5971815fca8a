// Package dsp provides the small numeric kernels the player core uses at
// segment joins: PCM16/float32 conversion, RMS and zero-crossing search, and
// raised-cosine fade and crossfade windows.
package dsp

import "math"

// PCM16ToFloat32 decodes little-endian 16-bit PCM into mono float32 samples
// in [-1, 1].
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToPCM16 encodes mono float32 samples (clamped to [-1, 1]) into
// little-endian 16-bit PCM.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// RMS computes the root-mean-square amplitude of samples. Returns 0 for an
// empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

// RMSTail computes the RMS of the last n samples (or fewer if samples is
// shorter).
func RMSTail(samples []float32, n int) float64 {
	if n > len(samples) {
		n = len(samples)
	}
	return RMS(samples[len(samples)-n:])
}

// RMSHead computes the RMS of the first n samples (or fewer if samples is
// shorter).
func RMSHead(samples []float32, n int) float64 {
	if n > len(samples) {
		n = len(samples)
	}
	return RMS(samples[:n])
}

// ZeroCrossing returns the index of the first sign change within the first
// maxSamples samples, or -1 if none is found. Used to trim leading samples of
// a newly pushed chunk to a clean edge before fading in.
func ZeroCrossing(samples []float32, maxSamples int) int {
	if maxSamples > len(samples) {
		maxSamples = len(samples)
	}
	for i := 1; i < maxSamples; i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			return i
		}
	}
	return -1
}

// FadeIn applies an in-place linear ramp from 0 to 1 across the first
// min(len(samples), rampSamples) samples.
func FadeIn(samples []float32, rampSamples int) {
	if rampSamples > len(samples) {
		rampSamples = len(samples)
	}
	if rampSamples <= 0 {
		return
	}
	for i := 0; i < rampSamples; i++ {
		gain := float32(i) / float32(rampSamples)
		samples[i] *= gain
	}
}

// RaisedCosineFadeIn applies an in-place raised-cosine (equal-power-ish,
// click-free) fade-in ramp across the first min(len(samples), rampSamples)
// samples.
func RaisedCosineFadeIn(samples []float32, rampSamples int) {
	if rampSamples > len(samples) {
		rampSamples = len(samples)
	}
	if rampSamples <= 0 {
		return
	}
	for i := 0; i < rampSamples; i++ {
		phase := float64(i) / float64(rampSamples)
		gain := 0.5 - 0.5*math.Cos(phase*math.Pi)
		samples[i] *= float32(gain)
	}
}

// RaisedCosineFadeOut applies an in-place raised-cosine fade-out ramp across
// the last min(len(samples), rampSamples) samples.
func RaisedCosineFadeOut(samples []float32, rampSamples int) {
	if rampSamples > len(samples) {
		rampSamples = len(samples)
	}
	if rampSamples <= 0 {
		return
	}
	start := len(samples) - rampSamples
	for i := 0; i < rampSamples; i++ {
		phase := float64(i) / float64(rampSamples)
		gain := 0.5 + 0.5*math.Cos(phase*math.Pi)
		samples[start+i] *= float32(gain)
	}
}

// EqualPowerCrossfade blends the tail of prev with the head of next over n
// samples using a raised-cosine equal-power curve, returning the blended
// segment. Both prev and next must have at least n samples; callers trim to
// min(len(tail), len(head), n) before calling.
func EqualPowerCrossfade(prevTail, nextHead []float32, n int) []float32 {
	if n > len(prevTail) {
		n = len(prevTail)
	}
	if n > len(nextHead) {
		n = len(nextHead)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		phase := float64(i) / float64(n)
		fadeOut := 0.5 + 0.5*math.Cos(phase*math.Pi)
		fadeIn := 0.5 - 0.5*math.Cos(phase*math.Pi)
		out[i] = prevTail[i]*float32(fadeOut) + nextHead[i]*float32(fadeIn)
	}
	return out
}
