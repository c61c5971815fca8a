package player

import "github.com/liveproxy/duplexion/pkg/dsp"

// joinResult is what joinChunks hands back: the samples ready to commit to
// the ring now, the new reserved tail to hold for the next join, and the
// crossfade length actually used (0 means a plain append).
type joinResult struct {
	committed   []float32
	tail        []float32
	crossfadeMs float64
	appended    bool
}

// joinChunks implements the C10 join scheduler: it decides whether to
// concatenate prevTail directly onto head or to blend the two with an
// equal-power raised-cosine crossfade, then reserves a fresh tail off the
// end of head for the next call.
func joinChunks(cfg Config, prevTail []float32, head []float32, joinCount int) joinResult {
	var combined []float32

	switch {
	case len(prevTail) == 0:
		combined = head

	case joinCount < 2:
		// Warmup: the first two chunks after a reset are appended without
		// crossfading.
		combined = append(append([]float32{}, prevTail...), head...)

	default:
		tailWindow := cfg.msToSamples(int(cfg.JoinMaxCrossfadeMs))
		rmsBefore := dsp.RMSTail(prevTail, tailWindow)
		rmsAfter := dsp.RMSHead(head, tailWindow)
		delta := rmsBefore - rmsAfter
		if delta < 0 {
			delta = -delta
		}

		if delta < cfg.JoinRMSDeltaThreshold {
			combined = append(append([]float32{}, prevTail...), head...)
		} else {
			crossfadeMs := cfg.JoinMinCrossfadeMs + (cfg.JoinMaxCrossfadeMs-cfg.JoinMinCrossfadeMs)*
				min1(delta/cfg.JoinRMSDeltaSaturation, 1)
			n := cfg.msToSamplesF(crossfadeMs)
			if n > len(prevTail) {
				n = len(prevTail)
			}
			if n > len(head) {
				n = len(head)
			}
			if n <= 0 {
				combined = append(append([]float32{}, prevTail...), head...)
			} else {
				blend := dsp.EqualPowerCrossfade(prevTail[len(prevTail)-n:], head[:n], n)
				combined = make([]float32, 0, len(prevTail)-n+len(blend)+len(head)-n)
				combined = append(combined, prevTail[:len(prevTail)-n]...)
				combined = append(combined, blend...)
				combined = append(combined, head[n:]...)
				return finishJoin(cfg, combined, crossfadeMs, false)
			}
		}
	}

	return finishJoin(cfg, combined, 0, true)
}

func finishJoin(cfg Config, combined []float32, crossfadeMs float64, appended bool) joinResult {
	tailLen := cfg.msToSamples(cfg.JoinTailMs)
	if tailLen > len(combined) {
		tailLen = len(combined)
	}
	split := len(combined) - tailLen
	return joinResult{
		committed:   combined[:split],
		tail:        append([]float32{}, combined[split:]...),
		crossfadeMs: crossfadeMs,
		appended:    appended,
	}
}

func min1(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}
