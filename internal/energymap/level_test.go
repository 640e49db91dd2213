package energymap

import (
	"math"
	"testing"

	"github.com/yl2chen/sonicsense/internal/media"
)

func TestLevelEngine(t *testing.T) {
	// Three channels: full-scale square wave, half scale, silence.
	const frames = 64
	samples := make([]int16, frames*3)
	for i := 0; i < frames; i++ {
		sign := int16(1)
		if i%2 == 1 {
			sign = -1
		}
		samples[i*3] = sign * 32767
		samples[i*3+1] = sign * 16384
	}
	block := media.AudioBlock{Samples: samples, Channels: 3, SampleRate: 48000}
	engine := NewLevelEngine(func() (media.AudioBlock, bool) { return block, true }, -60)

	m, err := engine.CurrentMap(1.0, 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	// 3 channels fit a 2x2 grid.
	if len(m) != 2 || len(m[0]) != 2 {
		t.Fatalf("shape %dx%d", len(m), len(m[0]))
	}
	if math.Abs(m[0][0]-60) > 0.01 {
		t.Errorf("full scale=%v, want ~60", m[0][0])
	}
	if math.Abs(m[0][1]-(60-6.02)) > 0.05 {
		t.Errorf("half scale=%v, want ~53.98", m[0][1])
	}
	if m[1][0] != 1.0 || m[1][1] != 1.0 {
		t.Errorf("silent and unused cells not clamped: %v", m[1])
	}
}

func TestLevelEngineNoAudio(t *testing.T) {
	engine := NewLevelEngine(func() (media.AudioBlock, bool) { return media.AudioBlock{}, false }, -60)
	if _, err := engine.CurrentMap(1, 1000, 1); err == nil {
		t.Fatal("expected error without audio")
	}
}

func TestCalculateDecibels(t *testing.T) {
	if !math.IsInf(calculateDecibels([]float64{0, 0}), -1) {
		t.Error("silence should be -Inf")
	}
	if got := calculateDecibels([]float64{fullScale, -fullScale}); math.Abs(got) > 1e-9 {
		t.Errorf("full scale=%v", got)
	}
}
