package pipeline

import (
	"math"
	"math/rand"
)

// resampleLevels converts per-interval RMS levels (dBFS) into n display
// amplitudes in [0,1] by bucket-averaging and rescaling so the loudest
// bucket reaches 1.
func resampleLevels(levels []float64, n int) []float64 {
	if n <= 0 || len(levels) == 0 {
		return nil
	}
	peaks := make([]float64, n)
	for i := 0; i < n; i++ {
		lo := i * len(levels) / n
		hi := (i + 1) * len(levels) / n
		if hi <= lo {
			hi = lo + 1
		}
		if hi > len(levels) {
			hi = len(levels)
		}
		sum := 0.0
		for _, db := range levels[lo:hi] {
			sum += dbToAmplitude(db)
		}
		peaks[i] = sum / float64(hi-lo)
	}

	maxAmp := 0.0
	for _, p := range peaks {
		if p > maxAmp {
			maxAmp = p
		}
	}
	if maxAmp > 0 {
		for i := range peaks {
			peaks[i] = clamp01(peaks[i] / maxAmp)
		}
	}
	return peaks
}

// dbToAmplitude maps dBFS onto a display scale where -60 dB is silence.
func dbToAmplitude(db float64) float64 {
	return clamp01((db + 60) / 60)
}

// synthesizeEnvelope fabricates a plausible track-shaped envelope from
// aggregate volume numbers: quiet intro, build, peaked middle with periodic
// drop emphasis, tapered outro, plus bounded random jitter. Purely cosmetic;
// duration only scales the drop spacing.
func synthesizeEnvelope(duration, meanDB, maxDB float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	mean := dbToAmplitude(meanDB)
	peak := dbToAmplitude(maxDB)
	if peak < mean {
		peak = mean
	}
	if peak < 0.3 {
		peak = 0.3
	}

	// Roughly one "drop" every 30 seconds of audio, at least two.
	drops := int(duration / 30)
	if drops < 2 {
		drops = 2
	}
	dropEvery := n / drops
	if dropEvery < 4 {
		dropEvery = 4
	}

	peaks := make([]float64, n)
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		var amp float64
		switch {
		case t < 0.08: // intro
			amp = mean * 0.4 * (t / 0.08)
		case t < 0.25: // build
			amp = mean*0.4 + (peak-mean*0.4)*(t-0.08)/0.17
		case t < 0.85: // body
			amp = peak * 0.85
			if i%dropEvery == 0 {
				amp = peak
			} else if dropEvery > 2 && i%dropEvery == dropEvery-1 {
				amp = peak * 0.6
			}
		default: // outro
			amp = peak * 0.85 * (1 - (t-0.85)/0.15*0.75)
		}
		amp += (rand.Float64() - 0.5) * 0.08
		peaks[i] = clamp01(amp)
	}
	return peaks
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
