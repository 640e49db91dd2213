// Package avmux turns a buffered event (timestamped frames plus audio
// blocks) into a single MP4 with synchronized audio.
//
// Frames are written as stills and described to the encoder with a concat
// manifest carrying each frame's real display duration, so capture jitter
// is preserved instead of being flattened to a nominal frame rate. The audio
// track is laid onto the same wall-clock span and padded or trimmed to the
// exact video length.
package avmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DylanMeeus/GoAudio/wave"
	"gocv.io/x/gocv"

	"github.com/yl2chen/sonicsense/internal/media"
)

// ErrTooFewFrames is returned by Mux when a clip cannot describe any motion.
// It is a no-op outcome, not a failure.
var ErrTooFewFrames = errors.New("avmux: fewer than two frames")

// minFrameDuration keeps frames with identical timestamps visible.
const minFrameDuration = time.Millisecond

// Encoder is the AV encoding capability.
type Encoder interface {
	// AssembleVideo renders the stills listed in a concat manifest into a
	// silent variable-frame-rate video.
	AssembleVideo(ctx context.Context, manifestPath, outPath string) error
	// MuxAudioVideo combines a silent video and a WAV track into the final
	// container.
	MuxAudioVideo(ctx context.Context, videoPath, audioPath, outPath string) error
}

// Clip is one recorded event.
type Clip struct {
	ID          string
	TriggeredAt time.Time
	Frames      []media.FrameSample
	Audio       []media.AudioBlock
}

// Options configures a Muxer.
type Options struct {
	// WorkDir is where per-clip temporary directories are created.
	WorkDir string
	// OutputDir receives the final event_<unix>.mp4.
	OutputDir string
	// SampleRate and Channels describe the audio track when a clip carries
	// no blocks to infer them from.
	SampleRate int
	Channels   int
	Logger     *slog.Logger
}

// Muxer builds clips with an Encoder.
type Muxer struct {
	enc    Encoder
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Muxer writing into opts.OutputDir, creating it if needed.
func New(enc Encoder, opts Options) (*Muxer, error) {
	if enc == nil {
		return nil, errors.New("avmux: encoder is required")
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, fmt.Errorf("avmux: invalid audio format %d Hz x %d", opts.SampleRate, opts.Channels)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("avmux: output dir: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Muxer{
		enc:    enc,
		opts:   opts,
		logger: opts.Logger.With("component", "avmux"),
		now:    time.Now,
	}, nil
}

// Mux writes the clip to OutputDir and returns the file's path. Temporary
// files are removed on every path out, and a partial output is removed on
// failure.
func (m *Muxer) Mux(ctx context.Context, clip Clip) (string, error) {
	if len(clip.Frames) < 2 {
		return "", ErrTooFewFrames
	}
	started := m.now()

	tmp, err := os.MkdirTemp(m.opts.WorkDir, "event-*")
	if err != nil {
		return "", fmt.Errorf("avmux: temp dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tmp); err != nil {
			m.logger.Warn("temp dir cleanup failed", "dir", tmp, "error", err)
		}
	}()

	durations := FrameDurations(clip.Frames)
	manifest, err := writeStills(tmp, clip.Frames, durations)
	if err != nil {
		return "", err
	}

	silent := filepath.Join(tmp, "video.mkv")
	if err := m.enc.AssembleVideo(ctx, manifest, silent); err != nil {
		return "", fmt.Errorf("avmux: assemble video: %w", err)
	}

	rate, channels := m.audioFormat(clip.Audio)
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	samples := AlignAudio(clip.Frames[0].Timestamp, total, clip.Audio, rate, channels)
	wavPath := filepath.Join(tmp, "audio.wav")
	if err := writeWAV(wavPath, samples, rate, channels); err != nil {
		return "", err
	}

	out := filepath.Join(m.opts.OutputDir, fmt.Sprintf("event_%d.mp4", m.now().Unix()))
	if err := m.enc.MuxAudioVideo(ctx, silent, wavPath, out); err != nil {
		if rmErr := os.Remove(out); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			m.logger.Warn("partial output cleanup failed", "file", out, "error", rmErr)
		}
		return "", fmt.Errorf("avmux: mux: %w", err)
	}

	m.logger.Info("clip muxed",
		"session", clip.ID,
		"file", out,
		"frames", len(clip.Frames),
		"audio_blocks", len(clip.Audio),
		"video_duration", total,
		"took", m.now().Sub(started),
	)
	return out, nil
}

// audioFormat takes the format of the clip's first block, falling back to
// the configured one.
func (m *Muxer) audioFormat(blocks []media.AudioBlock) (rate, channels int) {
	for _, b := range blocks {
		if b.SampleRate > 0 && b.Channels > 0 {
			return b.SampleRate, b.Channels
		}
	}
	return m.opts.SampleRate, m.opts.Channels
}

// FrameDurations returns each frame's display time: the gap to the next
// frame, with the last frame repeating the previous gap.
func FrameDurations(frames []media.FrameSample) []time.Duration {
	if len(frames) < 2 {
		return nil
	}
	d := make([]time.Duration, len(frames))
	for i := 0; i < len(frames)-1; i++ {
		d[i] = max(frames[i+1].Timestamp.Sub(frames[i].Timestamp), minFrameDuration)
	}
	d[len(d)-1] = d[len(d)-2]
	return d
}

// AlignAudio lays blocks onto the video timeline starting at start and
// returns exactly total worth of interleaved samples. Blocks are treated as
// one contiguous stream anchored at the first block's timestamp: audio that
// began before start is trimmed, a late start is preceded by silence and a
// short tail is padded with silence. Blocks in another format are dropped.
func AlignAudio(start time.Time, total time.Duration, blocks []media.AudioBlock, rate, channels int) []int16 {
	want := int(math.Round(total.Seconds() * float64(rate)))
	out := make([]int16, want*channels)

	var cursor int
	anchored := false
	for _, b := range blocks {
		if b.SampleRate != rate || b.Channels != channels {
			continue
		}
		if !anchored {
			cursor = int(math.Round(b.Timestamp.Sub(start).Seconds() * float64(rate)))
			anchored = true
		}
		for f := 0; f < b.Frames(); f++ {
			if idx := cursor + f; idx >= 0 && idx < want {
				copy(out[idx*channels:(idx+1)*channels], b.Samples[f*channels:(f+1)*channels])
			}
		}
		cursor += b.Frames()
		if cursor >= want {
			break
		}
	}
	return out
}

// writeStills writes one JPEG per frame plus the concat manifest and returns
// the manifest path. The last file is listed twice so the encoder honours
// its duration.
func writeStills(dir string, frames []media.FrameSample, durations []time.Duration) (string, error) {
	var manifest strings.Builder
	var last string
	for i, fs := range frames {
		name := fmt.Sprintf("frame_%06d.jpg", i)
		if err := writeStill(filepath.Join(dir, name), fs.Frame); err != nil {
			return "", fmt.Errorf("avmux: frame %d: %w", i, err)
		}
		fmt.Fprintf(&manifest, "file '%s'\nduration %.6f\n", name, durations[i].Seconds())
		last = name
	}
	fmt.Fprintf(&manifest, "file '%s'\n", last)

	path := filepath.Join(dir, "frames.txt")
	if err := os.WriteFile(path, []byte(manifest.String()), 0o644); err != nil {
		return "", fmt.Errorf("avmux: manifest: %w", err)
	}
	return path, nil
}

func writeStill(path string, f media.Frame) error {
	if !f.Valid() {
		return fmt.Errorf("invalid %dx%d frame with %d bytes", f.Width, f.Height, len(f.Data))
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return fmt.Errorf("mat from frame: %w", err)
	}
	defer mat.Close()
	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("write %s", filepath.Base(path))
	}
	return nil
}

// writeWAV writes 16-bit PCM.
func writeWAV(path string, samples []int16, rate, channels int) error {
	frames := make([]wave.Frame, len(samples))
	for i, s := range samples {
		frames[i] = wave.Frame(math.Max(-1, float64(s)/math.MaxInt16))
	}
	wfmt := wave.NewWaveFmt(1, channels, rate, 16, nil)
	if err := wave.WriteFrames(frames, wfmt, path); err != nil {
		return fmt.Errorf("avmux: write wav: %w", err)
	}
	return nil
}
