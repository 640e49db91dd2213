package energymap

import (
	"errors"
	"math"

	"github.com/yl2chen/sonicsense/internal/media"
)

// fullScale is the reference level of 16-bit audio.
const fullScale = 32768.0

var errNoAudio = errors.New("no audio block available yet")

// LevelEngine is a broadband stand-in for the beamforming engine. Each cell
// of its map is one microphone channel's level in dB above ReferenceDB dBFS,
// laid out on the smallest near-square grid that fits every channel.
// Frequency and bandwidth are ignored; cells below the sound threshold are
// clamped to it.
type LevelEngine struct {
	latest      func() (media.AudioBlock, bool)
	referenceDB float64
}

// NewLevelEngine reads audio through latest, typically an audio sampler's
// Latest method.
func NewLevelEngine(latest func() (media.AudioBlock, bool), referenceDB float64) *LevelEngine {
	return &LevelEngine{latest: latest, referenceDB: referenceDB}
}

// CurrentMap implements Beamformer.
func (e *LevelEngine) CurrentMap(soundThreshold float64, _, _ int) (media.EnergyMap, error) {
	block, ok := e.latest()
	if !ok || block.Frames() == 0 {
		return nil, errNoAudio
	}

	ch := block.Channels
	cols := int(math.Ceil(math.Sqrt(float64(ch))))
	rows := (ch + cols - 1) / cols

	m := make(media.EnergyMap, rows)
	for r := range m {
		m[r] = make([]float64, cols)
		for c := range m[r] {
			m[r][c] = soundThreshold
		}
	}

	channel := make([]float64, block.Frames())
	for c := 0; c < ch; c++ {
		for i := range channel {
			channel[i] = float64(block.Samples[i*ch+c])
		}
		level := calculateDecibels(channel) - e.referenceDB
		if math.IsInf(level, -1) || level < soundThreshold {
			level = soundThreshold
		}
		m[c/cols][c%cols] = level
	}
	return m, nil
}

// calculateDecibels converts RMS to decibels relative to full scale.
func calculateDecibels(signal []float64) float64 {
	rms := calculateRMS(signal)
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/fullScale)
}

// calculateRMS computes the Root Mean Square of the audio samples
func calculateRMS(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range samples {
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(len(samples)))
}
