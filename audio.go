package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"text/template"

	"github.com/gordonklaus/portaudio"

	"github.com/yl2chen/sonicsense/internal/config"
)

var devicesTmpl = template.Must(template.New("").Parse(
	`{{. | len}} host APIs: {{range .}}
	Name:                   {{.Name}}
	{{if .DefaultInputDevice}}Default input device:   {{.DefaultInputDevice.Name}}{{end}}
	{{if .DefaultOutputDevice}}Default output device:  {{.DefaultOutputDevice.Name}}{{end}}
	Devices: {{range .Devices}}
		Name:                      {{.Name}}
		MaxInputChannels:          {{.MaxInputChannels}}
		DefaultLowInputLatency:    {{.DefaultLowInputLatency}}
		DefaultHighInputLatency:   {{.DefaultHighInputLatency}}
		DefaultSampleRate:         {{.DefaultSampleRate}}
	{{end}}
{{end}}`,
))

func printDevices(w io.Writer) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("error initializing PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	hs, err := portaudio.HostApis()
	if err != nil {
		return fmt.Errorf("error listing host APIs: %w", err)
	}
	return devicesTmpl.Execute(w, hs)
}

// Microphone reads blocks from the default input device. It implements
// audio.Source.
type Microphone struct {
	blockSize int
	logger    *slog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []int16
}

func OpenMicrophone(cfg config.AudioConfig, logger *slog.Logger) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("error initializing PortAudio: %w", err)
	}

	buf := make([]int16, cfg.BlockSize*cfg.Channels)
	stream, err := portaudio.OpenDefaultStream(cfg.Channels, 0, float64(cfg.SampleRate), cfg.BlockSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("error opening audio stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("error starting audio stream: %w", err)
	}

	m := &Microphone{
		blockSize: cfg.BlockSize,
		logger:    logger.With("component", "microphone"),
		stream:    stream,
		buf:       buf,
	}
	if device, err := portaudio.DefaultInputDevice(); err == nil {
		m.logger.Info("recording audio",
			"device", device.Name,
			"sample_rate", stream.Info().SampleRate,
			"channels", cfg.Channels,
		)
	}
	return m, nil
}

// CurrentAudio blocks until one block is captured. frames must equal the
// configured block size, since the stream reads into a fixed buffer.
func (m *Microphone) CurrentAudio(frames int) ([]int16, error) {
	if frames != m.blockSize {
		return nil, fmt.Errorf("microphone: block of %d frames requested, stream reads %d", frames, m.blockSize)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil, errors.New("microphone: closed")
	}
	if err := m.stream.Read(); err != nil {
		if !errors.Is(err, portaudio.InputOverflowed) {
			return nil, fmt.Errorf("microphone: read: %w", err)
		}
		m.logger.Debug("input overflowed, samples lost")
	}
	return append([]int16(nil), m.buf...), nil
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	stopErr := m.stream.Stop()
	closeErr := m.stream.Close()
	m.stream = nil
	return errors.Join(stopErr, closeErr, portaudio.Terminate())
}
