// Package recorder implements the event recorder: it keeps rolling
// pre-event windows of frames and audio, starts a session when the energy
// map crosses the event threshold, collects the post-roll and hands the
// captured clip to a single background finalize worker.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yl2chen/sonicsense/internal/avmux"
	"github.com/yl2chen/sonicsense/internal/media"
	"github.com/yl2chen/sonicsense/internal/notify"
)

// State is the session state.
type State int

const (
	Idle State = iota
	Capturing
	Finalizing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Finalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Muxer turns a captured clip into a file.
type Muxer interface {
	Mux(ctx context.Context, clip avmux.Clip) (string, error)
}

// Uploader delivers a finalized file and removes it.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

const (
	defaultMaxPreFrames      = 900
	defaultMaxPreAudioBlocks = 4096
)

// Options configures a Recorder.
type Options struct {
	// BufferDuration bounds the age of pre-event frames and audio.
	BufferDuration time.Duration
	// PostDuration is the post-roll measured on the wall clock.
	PostDuration time.Duration
	// MaxPreFrames and MaxPreAudioBlocks cap the pre-event windows
	// regardless of age.
	MaxPreFrames      int
	MaxPreAudioBlocks int
	// FinalizeTimeout bounds mux plus upload. Zero means no limit.
	FinalizeTimeout time.Duration
	Logger          *slog.Logger
	Notifier        notify.Notifier
}

// Stats is a point-in-time view of the recorder.
type Stats struct {
	State            State
	Ticks            uint64
	InvalidFrames    uint64
	SessionsStarted  uint64
	SessionsFinished uint64
	SessionsFailed   uint64
	SessionsSkipped  uint64
	PreFrames        int
	PreAudioBlocks   int
	PostFrames       int
	PostAudioBlocks  int
}

type session struct {
	id        string
	peak      float64
	triggered time.Time
	postStart time.Time
}

// Recorder is the capture state machine. Update and PushAudio are safe to
// call from different goroutines.
type Recorder struct {
	muxer    Muxer
	uploader Uploader
	notifier notify.Notifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	closed    bool
	sess      session
	preFrames *window[media.FrameSample]
	preAudio  *window[media.AudioBlock]
	postFrame []media.FrameSample
	postAudio []media.AudioBlock
	stats     Stats

	jobs chan avmux.Clip
	wg   sync.WaitGroup
	once sync.Once
}

// New returns a Recorder in Idle with its finalize worker running.
func New(muxer Muxer, uploader Uploader, opts Options) (*Recorder, error) {
	if muxer == nil || uploader == nil {
		return nil, errors.New("recorder: muxer and uploader are required")
	}
	if opts.BufferDuration <= 0 || opts.PostDuration <= 0 {
		return nil, fmt.Errorf("recorder: invalid durations buffer=%s post=%s", opts.BufferDuration, opts.PostDuration)
	}
	if opts.MaxPreFrames <= 0 {
		opts.MaxPreFrames = defaultMaxPreFrames
	}
	if opts.MaxPreAudioBlocks <= 0 {
		opts.MaxPreAudioBlocks = defaultMaxPreAudioBlocks
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}

	r := &Recorder{
		muxer:    muxer,
		uploader: uploader,
		notifier: opts.Notifier,
		opts:     opts,
		logger:   opts.Logger.With("component", "recorder"),
		now:      time.Now,
		preFrames: newWindow(opts.MaxPreFrames, opts.BufferDuration, func(f media.FrameSample) time.Time {
			return f.Timestamp
		}),
		preAudio: newWindow(opts.MaxPreAudioBlocks, opts.BufferDuration, func(b media.AudioBlock) time.Time {
			return b.Timestamp
		}),
		jobs: make(chan avmux.Clip, 1),
	}
	r.wg.Add(1)
	go r.worker()
	return r, nil
}

// Update ingests one video tick. It takes ownership of frame.Data. A nil or
// empty map never triggers.
func (r *Recorder) Update(frame media.Frame, raw media.EnergyMap, threshold float64) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("update panicked", "panic", p)
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.stats.Ticks++
	if !frame.Valid() {
		r.stats.InvalidFrames++
		r.logger.Debug("invalid frame dropped", "width", frame.Width, "height", frame.Height, "bytes", len(frame.Data))
		return
	}

	now := r.now()
	sample := media.FrameSample{Timestamp: now, Frame: frame}

	switch r.state {
	case Idle:
		r.preFrames.push(now, sample)
		if peak, ok := raw.Max(); ok && peak > threshold {
			r.trigger(now, peak, threshold)
		}
	case Capturing:
		r.postFrame = append(r.postFrame, sample)
		if now.Sub(r.sess.postStart) > r.opts.PostDuration {
			r.dispatch(now)
		}
	case Finalizing:
		r.preFrames.push(now, sample)
	}
}

// PushAudio routes a block to the window of the current state. It
// implements audio.Sink.
func (r *Recorder) PushAudio(block media.AudioBlock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(block.Samples) == 0 {
		return
	}
	if r.state == Capturing {
		r.postAudio = append(r.postAudio, block)
		return
	}
	r.preAudio.push(r.now(), block)
}

// trigger starts a session. Called with mu held and state Idle.
func (r *Recorder) trigger(now time.Time, peak, threshold float64) {
	r.state = Capturing
	r.sess = session{
		id:        uuid.NewString(),
		peak:      peak,
		triggered: now,
		postStart: now,
	}
	r.postFrame = nil
	r.postAudio = nil
	r.stats.SessionsStarted++

	r.logger.Info("event triggered",
		"session", r.sess.id,
		"peak", peak,
		"threshold", threshold,
		"pre_frames", r.preFrames.Len(),
		"pre_audio_blocks", r.preAudio.Len(),
	)
	r.notifier.Notify(notify.Event{
		Type:      notify.EventTriggered,
		SessionID: r.sess.id,
		Time:      now,
		Peak:      peak,
	})
}

// dispatch hands the captured buffers to the worker. Called with mu held
// and state Capturing.
func (r *Recorder) dispatch(now time.Time) {
	frames := r.preFrames.drain()
	frames = append(frames, r.postFrame...)
	audio := r.preAudio.drain()
	audio = append(audio, r.postAudio...)
	r.postFrame = nil
	r.postAudio = nil

	clip := avmux.Clip{
		ID:          r.sess.id,
		TriggeredAt: r.sess.triggered,
		Frames:      frames,
		Audio:       audio,
	}
	r.logger.Info("post-roll complete",
		"session", clip.ID,
		"post_roll", now.Sub(r.sess.postStart),
		"frames", len(frames),
		"audio_blocks", len(audio),
	)

	r.state = Finalizing
	select {
	case r.jobs <- clip:
	default:
		// Finalizing admits one job at a time, so the queue has room.
		r.logger.Error("finalize queue full, clip dropped", "session", clip.ID)
		r.state = Idle
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for clip := range r.jobs {
		r.finalize(clip)
	}
}

func (r *Recorder) finalize(clip avmux.Clip) {
	defer r.reset(clip.ID)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("finalize panicked", "session", clip.ID, "panic", p)
			r.fail(clip.ID, "", fmt.Errorf("panic: %v", p))
		}
	}()

	ctx := context.Background()
	if r.opts.FinalizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FinalizeTimeout)
		defer cancel()
	}

	path, err := r.muxer.Mux(ctx, clip)
	if errors.Is(err, avmux.ErrTooFewFrames) {
		r.logger.Info("clip skipped", "session", clip.ID, "frames", len(clip.Frames))
		r.count(func(s *Stats) { s.SessionsSkipped++ })
		r.notifier.Notify(notify.Event{Type: notify.EventSkipped, SessionID: clip.ID, Time: r.now()})
		return
	}
	if err != nil {
		r.logger.Error("clip mux failed", "session", clip.ID, "error", err)
		r.fail(clip.ID, "", err)
		return
	}
	r.notifier.Notify(notify.Event{Type: notify.EventClipReady, SessionID: clip.ID, Time: r.now(), File: path})

	if err := r.uploader.Upload(ctx, path); err != nil {
		r.logger.Error("clip upload failed", "session", clip.ID, "file", path, "error", err)
		r.fail(clip.ID, path, err)
		return
	}
	r.logger.Info("clip delivered", "session", clip.ID, "file", path)
	r.count(func(s *Stats) { s.SessionsFinished++ })
	r.notifier.Notify(notify.Event{Type: notify.EventDelivered, SessionID: clip.ID, Time: r.now(), File: path})
}

func (r *Recorder) fail(id, path string, err error) {
	r.count(func(s *Stats) { s.SessionsFailed++ })
	r.notifier.Notify(notify.Event{
		Type:      notify.EventFailed,
		SessionID: id,
		Time:      r.now(),
		File:      path,
		Error:     err.Error(),
	})
}

func (r *Recorder) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// reset returns to Idle. The pre-event windows keep what arrived while
// finalizing.
func (r *Recorder) reset(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Idle
	r.sess = session{}
	r.postFrame = nil
	r.postAudio = nil
	r.logger.Debug("session closed", "session", id)
}

// State returns the current session state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns counters and buffer occupancy.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.State = r.state
	s.PreFrames = r.preFrames.Len()
	s.PreAudioBlocks = r.preAudio.Len()
	s.PostFrames = len(r.postFrame)
	s.PostAudioBlocks = len(r.postAudio)
	return s
}

// Close stops ingestion and waits for a queued or running finalize to
// finish. A session still capturing is discarded.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		if r.state == Capturing {
			r.logger.Warn("closing mid-capture, session discarded", "session", r.sess.id)
			r.state = Idle
			r.postFrame = nil
			r.postAudio = nil
		}
		close(r.jobs)
		r.mu.Unlock()
		r.wg.Wait()
	})
}
