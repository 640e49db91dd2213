package avmux

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// stderrTail bounds how much encoder output is carried in an error.
const stderrTail = 1024

// FFmpeg is an Encoder backed by the ffmpeg binary.
type FFmpeg struct {
	path   string
	logger *slog.Logger
}

// NewFFmpeg resolves the binary up front so a missing encoder fails at
// startup rather than at the first event.
func NewFFmpeg(path string, logger *slog.Logger) (*FFmpeg, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("avmux: ffmpeg binary not found: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{path: resolved, logger: logger.With("component", "ffmpeg")}, nil
}

// AssembleVideo implements Encoder. Stills are re-wrapped as MJPEG at high
// quality; the single lossy H.264 pass happens in MuxAudioVideo.
func (f *FFmpeg) AssembleVideo(ctx context.Context, manifestPath, outPath string) error {
	return f.run(ctx, assembleArgs(manifestPath, outPath))
}

// MuxAudioVideo implements Encoder.
func (f *FFmpeg) MuxAudioVideo(ctx context.Context, videoPath, audioPath, outPath string) error {
	return f.run(ctx, muxArgs(videoPath, audioPath, outPath))
}

func assembleArgs(manifestPath, outPath string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", manifestPath,
		"-fps_mode", "vfr",
		"-c:v", "mjpeg", "-q:v", "2",
		outPath,
	}
}

func muxArgs(videoPath, audioPath, outPath string) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0", "-map", "1:a:0",
		"-fps_mode", "vfr",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-c:a", "aac", "-b:a", "128k",
		"-movflags", "+faststart",
		"-shortest",
		outPath,
	}
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	f.logger.Debug("running ffmpeg", "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > stderrTail {
			msg = msg[len(msg)-stderrTail:]
		}
		if msg != "" {
			return fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}
