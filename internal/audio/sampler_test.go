package audio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yl2chen/sonicsense/internal/media"
)

type fakeSource struct {
	mu       sync.Mutex
	channels int
	calls    int
	failOn   map[int]bool
	short    bool
}

func (f *fakeSource) CurrentAudio(frames int) ([]int16, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	time.Sleep(time.Millisecond)
	if f.failOn[n] {
		return nil, errors.New("overflow")
	}
	if f.short {
		return make([]int16, frames*f.channels-1), nil
	}
	out := make([]int16, frames*f.channels)
	for i := range out {
		out[i] = int16(n)
	}
	return out, nil
}

type collectSink struct {
	mu     sync.Mutex
	blocks []media.AudioBlock
}

func (c *collectSink) PushAudio(b media.AudioBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = append(c.blocks, b)
}

func (c *collectSink) snapshot() []media.AudioBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.AudioBlock(nil), c.blocks...)
}

func TestReadStampsBlockStart(t *testing.T) {
	sink := &collectSink{}
	s, err := NewSampler(&fakeSource{channels: 2}, sink, Options{SampleRate: 1000, Channels: 2, BlockSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	arrival := time.Unix(1000, 0)
	s.now = func() time.Time { return arrival }

	if err := s.read(); err != nil {
		t.Fatal(err)
	}
	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("sink got %d blocks", len(got))
	}
	if want := arrival.Add(-100 * time.Millisecond); !got[0].Timestamp.Equal(want) {
		t.Errorf("timestamp=%v, want %v", got[0].Timestamp, want)
	}
	if got[0].Frames() != 100 || got[0].SampleRate != 1000 {
		t.Errorf("block=%+v", got[0])
	}

	latest, ok := s.Latest()
	if !ok || !latest.End().Equal(arrival) {
		t.Fatalf("latest=%+v ok=%v", latest, ok)
	}
	latest.Samples[0] = 42
	again, _ := s.Latest()
	if again.Samples[0] == 42 {
		t.Fatal("Latest aliases internal block")
	}
}

func TestReadRejectsMalformed(t *testing.T) {
	s, _ := NewSampler(&fakeSource{channels: 2, short: true}, nil, Options{SampleRate: 1000, Channels: 2, BlockSize: 10})
	if err := s.read(); err == nil {
		t.Fatal("expected error for partial frame")
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("malformed block published")
	}
}

func TestRunSurvivesSourceErrors(t *testing.T) {
	src := &fakeSource{channels: 1, failOn: map[int]bool{2: true, 3: true}}
	sink := &collectSink{}
	s, err := NewSampler(src, sink, Options{SampleRate: 8000, Channels: 1, BlockSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) < 5 {
		if time.Now().After(deadline) {
			t.Fatal("sampler stalled after source errors")
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	s.Stop()

	blocks := sink.snapshot()
	for i := 1; i < len(blocks); i++ {
		if !blocks[i].Timestamp.After(blocks[i-1].Timestamp) {
			t.Fatalf("block %d not after block %d", i, i-1)
		}
	}
	if s.Blocks() != uint64(len(blocks)) {
		t.Errorf("blocks=%d, sink saw %d", s.Blocks(), len(blocks))
	}
}

func TestNewSamplerValidation(t *testing.T) {
	if _, err := NewSampler(nil, nil, Options{SampleRate: 1, Channels: 1, BlockSize: 1}); err == nil {
		t.Error("nil source accepted")
	}
	if _, err := NewSampler(&fakeSource{}, nil, Options{SampleRate: 48000, Channels: 0, BlockSize: 1024}); err == nil {
		t.Error("zero channels accepted")
	}
}
