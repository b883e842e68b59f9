package pipeline

import (
	"testing"
)

func TestResampleLevels(t *testing.T) {
	levels := []float64{-60, -40, -20, -10, -20, -40, -60, -50}
	peaks := resampleLevels(levels, 4)
	if len(peaks) != 4 {
		t.Fatalf("expected 4 peaks, got %d", len(peaks))
	}
	maxPeak := 0.0
	for _, p := range peaks {
		if p < 0 || p > 1 {
			t.Fatalf("peak out of [0,1]: %v", p)
		}
		if p > maxPeak {
			maxPeak = p
		}
	}
	// The loudest bucket is rescaled to full amplitude.
	if maxPeak != 1 {
		t.Fatalf("expected max peak 1, got %v", maxPeak)
	}
}

func TestResampleLevelsUpsamples(t *testing.T) {
	peaks := resampleLevels([]float64{-20, -10}, 10)
	if len(peaks) != 10 {
		t.Fatalf("expected 10 peaks, got %d", len(peaks))
	}
}

func TestResampleLevelsEmpty(t *testing.T) {
	if resampleLevels(nil, 10) != nil {
		t.Fatal("expected nil for empty input")
	}
	if resampleLevels([]float64{-20}, 0) != nil {
		t.Fatal("expected nil for zero-size output")
	}
}

func TestSynthesizeEnvelopeShape(t *testing.T) {
	peaks := synthesizeEnvelope(240, -20, -5, 200)
	if len(peaks) != 200 {
		t.Fatalf("expected 200 peaks, got %d", len(peaks))
	}
	for i, p := range peaks {
		if p < 0 || p > 1 {
			t.Fatalf("peak %d out of [0,1]: %v", i, p)
		}
	}

	// The body should sit well above the intro: this is a track-shaped
	// envelope, not noise.
	intro := avg(peaks[:10])
	body := avg(peaks[80:120])
	if body <= intro {
		t.Fatalf("expected body (%v) louder than intro (%v)", body, intro)
	}
}

func TestSynthesizeEnvelopeDefaults(t *testing.T) {
	// Even silence-level aggregates must produce a visible envelope.
	peaks := synthesizeEnvelope(fallbackDuration, -60, -60, 100)
	maxPeak := 0.0
	for _, p := range peaks {
		if p > maxPeak {
			maxPeak = p
		}
	}
	if maxPeak < 0.2 {
		t.Fatalf("envelope too flat to display: max %v", maxPeak)
	}
}

func avg(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
