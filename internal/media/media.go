// Package media holds the sample types shared by the capture pipeline:
// timestamped video frames, timestamped audio blocks and the helpers that
// operate on 2-D energy maps.
package media

import (
	"math"
	"time"
)

// Frame is a single decoded camera frame. Data is packed BGR24
// (Width*Height*3 bytes), the layout gocv produces.
type Frame struct {
	Width  int
	Height int
	Data   []byte
}

// Valid reports whether the pixel buffer matches the declared dimensions.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) == f.Width*f.Height*3
}

// FrameSample is a frame stamped with its capture time. The buffer holding a
// FrameSample owns it until it is evicted or written to disk.
type FrameSample struct {
	Timestamp time.Time
	Frame     Frame
}

// AudioBlock is a block of interleaved 16-bit samples. Timestamp is the
// wall-clock time of the block's first sample.
type AudioBlock struct {
	Timestamp  time.Time
	Samples    []int16
	Channels   int
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (b AudioBlock) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration is the wall-clock length of the block.
func (b AudioBlock) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// End is the wall-clock time just after the block's last sample.
func (b AudioBlock) End() time.Time {
	return b.Timestamp.Add(b.Duration())
}

// Clone returns a copy that shares no memory with b.
func (b AudioBlock) Clone() AudioBlock {
	b.Samples = append([]int16(nil), b.Samples...)
	return b
}

// EnergyMap is a row-major 2-D grid of acoustic intensities.
type EnergyMap [][]float64

// Max returns the largest finite value in the map. ok is false for a nil,
// empty or all-NaN map.
func (m EnergyMap) Max() (max float64, ok bool) {
	max = math.Inf(-1)
	for _, row := range m {
		for _, v := range row {
			if math.IsNaN(v) {
				continue
			}
			if v > max {
				max = v
				ok = true
			}
		}
	}
	return max, ok
}

// Rectangular reports whether every row has the same non-zero length.
func (m EnergyMap) Rectangular() bool {
	if len(m) == 0 || len(m[0]) == 0 {
		return false
	}
	for _, row := range m[1:] {
		if len(row) != len(m[0]) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m EnergyMap) Clone() EnergyMap {
	if m == nil {
		return nil
	}
	out := make(EnergyMap, len(m))
	for i, row := range m {
		out[i] = append([]float64(nil), row...)
	}
	return out
}
