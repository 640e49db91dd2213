// Package audio pulls acoustic sample blocks off the microphone array at
// the audio device's own cadence and hands them to the recorder.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yl2chen/sonicsense/internal/media"
)

// Source is the audio boundary of the beamforming engine. CurrentAudio
// blocks until frames sample frames are available and returns them
// interleaved.
type Source interface {
	CurrentAudio(frames int) ([]int16, error)
}

// Sink receives every block the sampler reads.
type Sink interface {
	PushAudio(block media.AudioBlock)
}

// Options configures a Sampler.
type Options struct {
	SampleRate int
	Channels   int
	BlockSize  int
	Logger     *slog.Logger
}

// Sampler reads blocks in its own goroutine.
type Sampler struct {
	source Source
	sink   Sink
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	latest media.AudioBlock
	blocks uint64
	errors uint64

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSampler returns a stopped Sampler. sink may be nil when only Latest is
// needed.
func NewSampler(source Source, sink Sink, opts Options) (*Sampler, error) {
	if source == nil {
		return nil, errors.New("audio: source is required")
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 || opts.BlockSize <= 0 {
		return nil, fmt.Errorf("audio: invalid format rate=%d channels=%d block=%d",
			opts.SampleRate, opts.Channels, opts.BlockSize)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sampler{
		source: source,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger.With("component", "audio"),
		now:    time.Now,
	}, nil
}

// BlockDuration is the wall-clock length of one block.
func (s *Sampler) BlockDuration() time.Duration {
	return time.Duration(s.opts.BlockSize) * time.Second / time.Duration(s.opts.SampleRate)
}

// Start launches the read loop; a second call is a no-op.
func (s *Sampler) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	s.logger.Info("audio sampler started",
		"sample_rate", s.opts.SampleRate,
		"channels", s.opts.Channels,
		"block_size", s.opts.BlockSize,
	)
}

// Stop signals the loop and waits for it to exit. A read already blocked in
// the source finishes first, so Stop returns within about one block period.
func (s *Sampler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("audio sampler stopped", "blocks", s.Blocks())
}

// Latest returns a copy of the most recent block.
func (s *Sampler) Latest() (media.AudioBlock, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest.Samples == nil {
		return media.AudioBlock{}, false
	}
	return s.latest.Clone(), true
}

// Blocks returns the number of blocks read so far.
func (s *Sampler) Blocks() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocks
}

func (s *Sampler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.read(); err != nil {
			s.mu.Lock()
			s.errors++
			n := s.errors
			s.mu.Unlock()
			s.logger.Warn("audio read failed", "error", err, "errors", n)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.BlockDuration()):
			}
		}
	}
}

func (s *Sampler) read() error {
	samples, err := s.source.CurrentAudio(s.opts.BlockSize)
	if err != nil {
		return fmt.Errorf("audio: source: %w", err)
	}
	if len(samples) == 0 || len(samples)%s.opts.Channels != 0 {
		return fmt.Errorf("audio: malformed block of %d samples for %d channels", len(samples), s.opts.Channels)
	}

	block := media.AudioBlock{
		Samples:    samples,
		Channels:   s.opts.Channels,
		SampleRate: s.opts.SampleRate,
	}
	// The read returns when the last sample arrived; stamp the first.
	block.Timestamp = s.now().Add(-block.Duration())

	s.mu.Lock()
	s.latest = block
	s.blocks++
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.PushAudio(block.Clone())
	}
	return nil
}
