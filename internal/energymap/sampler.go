// Package energymap polls the acoustic beamforming engine and publishes the
// latest energy map, its normalized form and a colour overlay for the video
// path to read.
package energymap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yl2chen/sonicsense/internal/config"
	"github.com/yl2chen/sonicsense/internal/media"
)

// DefaultInterval is the polling period used when Options.Interval is zero.
const DefaultInterval = 100 * time.Millisecond

// normEpsilon keeps min-max scaling finite on flat maps.
const normEpsilon = 1e-6

// Beamformer produces an energy map on demand.
type Beamformer interface {
	CurrentMap(soundThreshold float64, frequency, bandwidth int) (media.EnergyMap, error)
}

// SettingsSource supplies the live detection settings.
type SettingsSource interface {
	Get() config.Settings
}

// Overlay is a packed RGB24 image.
type Overlay struct {
	Width  int
	Height int
	Pix    []byte
}

// Colorizer renders a normalized map into an overlay of the given size.
type Colorizer func(norm media.EnergyMap, width, height int) (Overlay, error)

// Snapshot is one published sampling result.
type Snapshot struct {
	// Normalized is the display-oriented map scaled to [0,1].
	Normalized media.EnergyMap
	// Raw is the engine output, unmodified.
	Raw     media.EnergyMap
	Overlay Overlay
	At      time.Time
}

// Empty reports whether nothing has been published yet.
func (s Snapshot) Empty() bool {
	return s.Raw == nil
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{
		Normalized: s.Normalized.Clone(),
		Raw:        s.Raw.Clone(),
		Overlay: Overlay{
			Width:  s.Overlay.Width,
			Height: s.Overlay.Height,
			Pix:    append([]byte(nil), s.Overlay.Pix...),
		},
		At: s.At,
	}
}

// Options configures a Sampler.
type Options struct {
	Interval      time.Duration
	OverlayWidth  int
	OverlayHeight int
	// Colorizer defaults to JetColorizer.
	Colorizer Colorizer
	Logger    *slog.Logger
}

// Sampler runs the polling loop. Start and Stop may be called from any
// goroutine; Latest never blocks on the engine.
type Sampler struct {
	engine   Beamformer
	settings SettingsSource
	opts     Options
	logger   *slog.Logger

	mu     sync.RWMutex
	latest Snapshot

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSampler validates its inputs and returns a stopped Sampler.
func NewSampler(engine Beamformer, settings SettingsSource, opts Options) (*Sampler, error) {
	if engine == nil {
		return nil, errors.New("energymap: beamformer is required")
	}
	if settings == nil {
		return nil, errors.New("energymap: settings source is required")
	}
	if opts.OverlayWidth <= 0 || opts.OverlayHeight <= 0 {
		return nil, fmt.Errorf("energymap: invalid overlay size %dx%d", opts.OverlayWidth, opts.OverlayHeight)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Colorizer == nil {
		opts.Colorizer = JetColorizer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sampler{
		engine:   engine,
		settings: settings,
		opts:     opts,
		logger:   opts.Logger.With("component", "energymap"),
	}, nil
}

// Start launches the polling goroutine. Calling Start on a running sampler
// is a no-op.
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
	s.logger.Info("energy map sampler started", "interval", s.opts.Interval)
}

// Stop terminates the polling goroutine and waits for it to exit.
func (s *Sampler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.logger.Info("energy map sampler stopped")
}

// Latest returns a deep copy of the last published snapshot, or the zero
// Snapshot before the first successful cycle.
func (s *Sampler) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest.Empty() {
		return Snapshot{}
	}
	return s.latest.clone()
}

func (s *Sampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if err := s.sample(); err != nil {
			s.logger.Warn("energy map cycle skipped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sample runs one cycle. On error the published snapshot is left untouched.
func (s *Sampler) sample() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("energymap: panic in cycle: %v", r)
		}
	}()

	st := s.settings.Get()
	raw, err := s.engine.CurrentMap(st.SoundThreshold, st.Frequency, st.Bandwidth)
	if err != nil {
		return fmt.Errorf("energymap: beamformer: %w", err)
	}
	if !raw.Rectangular() {
		return errors.New("energymap: beamformer returned an empty or ragged map")
	}

	norm := Normalize(Orient(raw))
	overlay, err := s.opts.Colorizer(norm, s.opts.OverlayWidth, s.opts.OverlayHeight)
	if err != nil {
		return fmt.Errorf("energymap: colorize: %w", err)
	}

	next := Snapshot{
		Normalized: norm,
		Raw:        raw.Clone(),
		Overlay:    overlay,
		At:         time.Now(),
	}
	s.mu.Lock()
	s.latest = next
	s.mu.Unlock()
	return nil
}

// Orient maps engine grid coordinates to image coordinates: a clockwise
// quarter turn followed by a vertical flip. An h×w map becomes w×h.
func Orient(m media.EnergyMap) media.EnergyMap {
	h := len(m)
	if h == 0 {
		return nil
	}
	w := len(m[0])
	out := make(media.EnergyMap, w)
	for i := range out {
		out[i] = make([]float64, h)
		for j := range out[i] {
			out[i][j] = m[h-1-j][w-1-i]
		}
	}
	return out
}

// Normalize min-max scales m into [0,1].
func Normalize(m media.EnergyMap) media.EnergyMap {
	lo, hi := 0.0, 0.0
	first := true
	for _, row := range m {
		for _, v := range row {
			if first {
				lo, hi = v, v
				first = false
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	out := make(media.EnergyMap, len(m))
	for i, row := range m {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			out[i][j] = (v - lo) / (hi - lo + normEpsilon)
		}
	}
	return out
}
