package avmux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/yl2chen/sonicsense/internal/media"
)

// fakeEncoder records what the muxer handed it and writes placeholder
// outputs.
type fakeEncoder struct {
	manifest    string
	stills      int
	wavFrames   int
	wavRate     int
	wavChannels int

	assembleErr error
	muxErr      error
}

func (f *fakeEncoder) AssembleVideo(_ context.Context, manifestPath, outPath string) error {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return err
	}
	f.manifest = string(data)
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(manifestPath), "frame_*.jpg"))
	f.stills = len(matches)
	if f.assembleErr != nil {
		return f.assembleErr
	}
	return os.WriteFile(outPath, []byte("video"), 0o644)
}

func (f *fakeEncoder) MuxAudioVideo(_ context.Context, videoPath, audioPath, outPath string) error {
	if _, err := os.Stat(videoPath); err != nil {
		return err
	}
	file, err := os.Open(audioPath)
	if err != nil {
		return err
	}
	defer file.Close()
	d := wav.NewDecoder(file)
	if !d.IsValidFile() {
		return errors.New("invalid wav")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return err
	}
	f.wavRate = int(d.SampleRate)
	f.wavChannels = int(d.NumChans)
	f.wavFrames = len(buf.Data) / int(d.NumChans)

	if err := os.WriteFile(outPath, []byte("partial"), 0o644); err != nil {
		return err
	}
	return f.muxErr
}

func testFrames(n int, start time.Time, gap time.Duration) []media.FrameSample {
	frames := make([]media.FrameSample, n)
	for i := range frames {
		data := make([]byte, 4*2*3)
		for j := range data {
			data[j] = byte(i * 10)
		}
		frames[i] = media.FrameSample{
			Timestamp: start.Add(time.Duration(i) * gap),
			Frame:     media.Frame{Width: 4, Height: 2, Data: data},
		}
	}
	return frames
}

func testBlocks(n int, start time.Time, rate, channels, frames int) []media.AudioBlock {
	blocks := make([]media.AudioBlock, n)
	period := time.Duration(frames) * time.Second / time.Duration(rate)
	for i := range blocks {
		samples := make([]int16, frames*channels)
		for j := range samples {
			samples[j] = int16(i + 1)
		}
		blocks[i] = media.AudioBlock{
			Timestamp:  start.Add(time.Duration(i) * period),
			Samples:    samples,
			Channels:   channels,
			SampleRate: rate,
		}
	}
	return blocks
}

func newTestMuxer(t *testing.T, enc Encoder) (*Muxer, string, string) {
	t.Helper()
	work, out := t.TempDir(), t.TempDir()
	m, err := New(enc, Options{WorkDir: work, OutputDir: out, SampleRate: 8000, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Unix(1700000000, 0) }
	return m, work, out
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Fatalf("%s not empty: %v", dir, names)
	}
}

func TestMux(t *testing.T) {
	enc := &fakeEncoder{}
	m, work, outDir := newTestMuxer(t, enc)

	start := time.Unix(1000, 0)
	clip := Clip{
		ID:     "s1",
		Frames: testFrames(10, start, 100*time.Millisecond),
		// 8 blocks of 125 ms cover the full 1 s of video.
		Audio: testBlocks(8, start, 8000, 2, 1000),
	}
	out, err := m.Mux(context.Background(), clip)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	if want := filepath.Join(outDir, "event_1700000000.mp4"); out != want {
		t.Errorf("out=%s, want %s", out, want)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output missing: %v", err)
	}
	assertEmptyDir(t, work)

	if enc.stills != 10 {
		t.Errorf("stills=%d", enc.stills)
	}
	if got := strings.Count(enc.manifest, "duration 0.100000"); got != 10 {
		t.Errorf("manifest has %d 100ms durations:\n%s", got, enc.manifest)
	}
	if !strings.HasSuffix(enc.manifest, "file 'frame_000009.jpg'\n") {
		t.Errorf("last frame not repeated:\n%s", enc.manifest)
	}
	// Format comes from the blocks, not the defaults.
	if enc.wavRate != 8000 || enc.wavChannels != 2 {
		t.Errorf("wav format %d Hz x %d", enc.wavRate, enc.wavChannels)
	}
	// 10 frames x 100 ms = 1 s of video; audio must match to the sample.
	if enc.wavFrames != 8000 {
		t.Errorf("wav frames=%d, want 8000", enc.wavFrames)
	}
}

func TestMuxTooFewFrames(t *testing.T) {
	enc := &fakeEncoder{}
	m, work, outDir := newTestMuxer(t, enc)
	for _, n := range []int{0, 1} {
		_, err := m.Mux(context.Background(), Clip{Frames: testFrames(n, time.Unix(0, 0), time.Second)})
		if !errors.Is(err, ErrTooFewFrames) {
			t.Fatalf("%d frames: err=%v", n, err)
		}
	}
	assertEmptyDir(t, work)
	assertEmptyDir(t, outDir)
}

func TestMuxEncoderFailureCleansUp(t *testing.T) {
	tests := []struct {
		name string
		enc  *fakeEncoder
	}{
		{name: "assemble", enc: &fakeEncoder{assembleErr: errors.New("exit status 1")}},
		{name: "mux", enc: &fakeEncoder{muxErr: errors.New("exit status 1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, work, outDir := newTestMuxer(t, tt.enc)
			clip := Clip{Frames: testFrames(3, time.Unix(0, 0), 50*time.Millisecond)}
			if _, err := m.Mux(context.Background(), clip); err == nil {
				t.Fatal("expected error")
			}
			assertEmptyDir(t, work)
			assertEmptyDir(t, outDir)
		})
	}
}

func TestMuxRejectsInvalidFrame(t *testing.T) {
	m, work, _ := newTestMuxer(t, &fakeEncoder{})
	frames := testFrames(3, time.Unix(0, 0), 50*time.Millisecond)
	frames[1].Frame.Data = frames[1].Frame.Data[:5]
	if _, err := m.Mux(context.Background(), Clip{Frames: frames}); err == nil {
		t.Fatal("expected error")
	}
	assertEmptyDir(t, work)
}

func TestFrameDurations(t *testing.T) {
	start := time.Unix(0, 0)
	frames := []media.FrameSample{
		{Timestamp: start},
		{Timestamp: start.Add(60 * time.Millisecond)},
		{Timestamp: start.Add(130 * time.Millisecond)},
		{Timestamp: start.Add(130 * time.Millisecond)},
	}
	got := FrameDurations(frames)
	want := []time.Duration{60 * time.Millisecond, 70 * time.Millisecond, minFrameDuration, minFrameDuration}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if FrameDurations(frames[:1]) != nil {
		t.Fatal("single frame should have no durations")
	}
}

func TestAlignAudio(t *testing.T) {
	start := time.Unix(100, 0)
	const rate = 1000

	t.Run("late start padded", func(t *testing.T) {
		blocks := testBlocks(2, start.Add(100*time.Millisecond), rate, 1, 100)
		got := AlignAudio(start, 500*time.Millisecond, blocks, rate, 1)
		if len(got) != 500 {
			t.Fatalf("len=%d", len(got))
		}
		if got[99] != 0 || got[100] != 1 || got[200] != 2 || got[300] != 0 {
			t.Fatalf("unexpected layout: %v %v %v %v", got[99], got[100], got[200], got[300])
		}
	})

	t.Run("early start trimmed", func(t *testing.T) {
		blocks := testBlocks(5, start.Add(-150*time.Millisecond), rate, 1, 100)
		got := AlignAudio(start, 200*time.Millisecond, blocks, rate, 1)
		if len(got) != 200 {
			t.Fatalf("len=%d", len(got))
		}
		// The block valued 2 spans -50..50 ms.
		if got[0] != 2 || got[49] != 2 || got[50] != 3 || got[199] != 4 {
			t.Fatalf("unexpected layout: %v %v %v %v", got[0], got[49], got[50], got[199])
		}
	})

	t.Run("foreign format dropped", func(t *testing.T) {
		blocks := testBlocks(1, start, 16000, 1, 100)
		got := AlignAudio(start, 100*time.Millisecond, blocks, rate, 1)
		for _, s := range got {
			if s != 0 {
				t.Fatal("block in another format was used")
			}
		}
	})

	t.Run("stereo interleave kept", func(t *testing.T) {
		blocks := testBlocks(1, start, rate, 2, 10)
		blocks[0].Samples[0], blocks[0].Samples[1] = 7, -7
		got := AlignAudio(start, 10*time.Millisecond, blocks, rate, 2)
		if len(got) != 20 || got[0] != 7 || got[1] != -7 {
			t.Fatalf("got %v", got)
		}
	})
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Options{SampleRate: 1, Channels: 1}); err == nil {
		t.Error("nil encoder accepted")
	}
	if _, err := New(&fakeEncoder{}, Options{OutputDir: t.TempDir()}); err == nil {
		t.Error("missing audio format accepted")
	}
}
