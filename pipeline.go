package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yl2chen/sonicsense/internal/audio"
	"github.com/yl2chen/sonicsense/internal/avmux"
	"github.com/yl2chen/sonicsense/internal/config"
	"github.com/yl2chen/sonicsense/internal/energymap"
	"github.com/yl2chen/sonicsense/internal/media"
	"github.com/yl2chen/sonicsense/internal/notify"
	"github.com/yl2chen/sonicsense/internal/recorder"
	"github.com/yl2chen/sonicsense/internal/upload"
)

const (
	// maxReadFailures consecutive camera failures end the pipeline so the
	// supervisor can reopen the device.
	maxReadFailures = 50
	statusInterval  = 30 * time.Second
	// windowHeadroom sizes the pre-event caps above the nominal rate to
	// absorb cadence jitter.
	windowHeadroom = 1.5
)

type frameSource interface {
	Read() (media.Frame, error)
}

type snapshotSource interface {
	Latest() energymap.Snapshot
}

type settingsSource interface {
	Get() config.Settings
}

type tickSink interface {
	Update(frame media.Frame, raw media.EnergyMap, threshold float64)
}

// runPipeline opens the devices, wires the samplers to the recorder and
// runs the capture loop until ctx is done or the camera fails.
func runPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	settings := config.OpenSettings(cfg.SettingsPath, logger)

	notifier, closeNotifier, err := newNotifier(cfg.MQTT, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	uploader, err := newUploader(ctx, cfg.Upload, logger)
	if err != nil {
		return err
	}
	ffmpeg, err := avmux.NewFFmpeg(cfg.Encoder.FFmpegPath, logger)
	if err != nil {
		return err
	}
	muxer, err := avmux.New(ffmpeg, avmux.Options{
		WorkDir:    cfg.Recorder.WorkDir,
		OutputDir:  cfg.Recorder.OutputDir,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mic, err := OpenMicrophone(cfg.Audio, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := mic.Close(); err != nil {
			logger.Warn("microphone close failed", "error", err)
		}
	}()
	camera, err := OpenCamera(cfg.Camera, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := camera.Close(); err != nil {
			logger.Warn("camera close failed", "error", err)
		}
	}()

	blocksPerSecond := float64(cfg.Audio.SampleRate) / float64(cfg.Audio.BlockSize)
	rec, err := recorder.New(muxer, uploader, recorder.Options{
		BufferDuration:    cfg.Recorder.BufferDuration(),
		PostDuration:      cfg.Recorder.PostDuration(),
		MaxPreFrames:      windowCap(cfg.Camera.FPS, cfg.Recorder.BufferSeconds),
		MaxPreAudioBlocks: windowCap(blocksPerSecond, cfg.Recorder.BufferSeconds),
		FinalizeTimeout:   cfg.Recorder.FinalizeTimeout,
		Logger:            logger,
		Notifier:          notifier,
	})
	if err != nil {
		return err
	}
	defer rec.Close()

	audioSampler, err := audio.NewSampler(mic, rec, audio.Options{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		BlockSize:  cfg.Audio.BlockSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	engine := energymap.NewLevelEngine(audioSampler.Latest, cfg.EnergyMap.ReferenceDB)
	energySampler, err := energymap.NewSampler(engine, settings, energymap.Options{
		Interval:      cfg.EnergyMap.Interval,
		OverlayWidth:  cfg.Camera.Width,
		OverlayHeight: cfg.Camera.Height,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	audioSampler.Start()
	defer audioSampler.Stop()
	energySampler.Start()
	defer energySampler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return captureLoop(ctx, camera, energySampler, settings, rec, cfg.Camera.FPS, logger)
	})
	g.Go(func() error {
		statusLoop(ctx, rec, audioSampler, logger)
		return nil
	})
	return g.Wait()
}

// captureLoop feeds one (frame, raw energy map) pair per camera tick to the
// recorder.
func captureLoop(ctx context.Context, frames frameSource, energy snapshotSource, settings settingsSource, sink tickSink, fps float64, logger *slog.Logger) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, err := frames.Read()
		if err != nil {
			failures++
			if failures >= maxReadFailures {
				return fmt.Errorf("camera: %d consecutive read failures: %w", failures, err)
			}
			logger.Debug("frame read failed", "error", err, "failures", failures)
			continue
		}
		failures = 0

		snap := energy.Latest()
		sink.Update(frame, snap.Raw, settings.Get().EventSoundThreshold)
	}
}

func statusLoop(ctx context.Context, rec *recorder.Recorder, audioSampler *audio.Sampler, logger *slog.Logger) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := rec.Stats()
			logger.Info("status",
				"state", s.State,
				"ticks", s.Ticks,
				"pre_frames", s.PreFrames,
				"pre_audio_blocks", s.PreAudioBlocks,
				"audio_blocks_read", audioSampler.Blocks(),
				"sessions", s.SessionsStarted,
				"delivered", s.SessionsFinished,
				"failed", s.SessionsFailed,
			)
		}
	}
}

func windowCap(perSecond, seconds float64) int {
	return int(math.Ceil(perSecond*seconds*windowHeadroom)) + 1
}

func newUploader(ctx context.Context, cfg config.UploadConfig, logger *slog.Logger) (recorder.Uploader, error) {
	switch cfg.Mode {
	case config.UploadS3:
		client, err := upload.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return upload.NewS3Uploader(client, cfg.S3.Bucket, cfg.S3.Prefix, logger), nil
	case config.UploadHTTP:
		return upload.NewClient(cfg.BackendURL, cfg.APIKey, cfg.Timeout, logger)
	default:
		return nil, fmt.Errorf("unknown upload mode %q", cfg.Mode)
	}
}

// newNotifier returns an MQTT notifier when a broker is configured and a
// no-op one otherwise.
func newNotifier(cfg config.MQTTConfig, logger *slog.Logger) (notify.Notifier, func(), error) {
	if cfg.Broker == "" {
		return notify.Nop{}, func() {}, nil
	}
	m, err := notify.NewMQTT(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, m.Close, nil
}
