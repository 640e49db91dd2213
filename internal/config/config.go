// Package config loads the sonicsense configuration.
//
// Two layers exist. Config is the static process configuration read once at
// startup from a YAML file, with secrets and endpoints overridable from the
// environment (a .env file in the working directory is honoured). Settings
// are the user-tunable detection parameters, persisted to their own file and
// read live by the samplers and the recorder.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure returned by Validate.
var ErrInvalid = errors.New("invalid config")

// Upload modes.
const (
	UploadHTTP = "http"
	UploadS3   = "s3"
)

// Config is the process configuration.
type Config struct {
	Camera       CameraConfig    `yaml:"camera"`
	Audio        AudioConfig     `yaml:"audio"`
	Recorder     RecorderConfig  `yaml:"recorder"`
	EnergyMap    EnergyMapConfig `yaml:"energy_map"`
	Encoder      EncoderConfig   `yaml:"encoder"`
	Upload       UploadConfig    `yaml:"upload"`
	MQTT         MQTTConfig      `yaml:"mqtt"`
	Log          LogConfig       `yaml:"log"`
	SettingsPath string          `yaml:"settings_path"`
}

type CameraConfig struct {
	// Device is a V4L2 index ("0") or a path/URL gocv can open ("/dev/video10").
	Device string  `yaml:"device"`
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`
}

type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
	BlockSize  int `yaml:"block_size"`
}

type RecorderConfig struct {
	BufferSeconds float64 `yaml:"buffer_seconds"`
	PostSeconds   float64 `yaml:"post_seconds"`
	// WorkDir holds the per-event temporary directories.
	WorkDir string `yaml:"work_dir"`
	// OutputDir receives event_<unix>.mp4 until delivery removes it.
	OutputDir string `yaml:"output_dir"`
	// FinalizeTimeout bounds mux plus upload of one clip; 0 disables it.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
}

type EnergyMapConfig struct {
	Interval time.Duration `yaml:"interval"`
	// ReferenceDB shifts the broadband level engine's dBFS values so that
	// ReferenceDB dBFS maps to 0. With the default event threshold of 2, a
	// clip is recorded above about -18 dBFS.
	ReferenceDB float64 `yaml:"reference_db"`
}

type EncoderConfig struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type UploadConfig struct {
	Mode       string        `yaml:"mode"`
	BackendURL string        `yaml:"backend_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	S3         S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BufferDuration returns the pre-event window as a time.Duration.
func (c RecorderConfig) BufferDuration() time.Duration {
	return time.Duration(c.BufferSeconds * float64(time.Second))
}

// PostDuration returns the post-roll as a time.Duration.
func (c RecorderConfig) PostDuration() time.Duration {
	return time.Duration(c.PostSeconds * float64(time.Second))
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Camera: CameraConfig{
			Device: "0",
			Width:  1280,
			Height: 720,
			FPS:    15,
		},
		Audio: AudioConfig{
			SampleRate: 48000,
			Channels:   1,
			BlockSize:  1024,
		},
		Recorder: RecorderConfig{
			BufferSeconds: 10,
			PostSeconds:   10,
			WorkDir:       os.TempDir(),
			OutputDir:     ".",
		},
		EnergyMap: EnergyMapConfig{
			Interval:    100 * time.Millisecond,
			ReferenceDB: -20,
		},
		Encoder: EncoderConfig{
			FFmpegPath: "ffmpeg",
		},
		Upload: UploadConfig{
			Mode:    UploadHTTP,
			Timeout: 60 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientID:    "sonicsense",
			TopicPrefix: "sonicsense",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		SettingsPath: "settings.yaml",
	}
}

// Load reads the YAML file at path on top of Default, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Upload.BackendURL = getEnv("SONICSENSE_BACKEND_URL", c.Upload.BackendURL)
	c.Upload.APIKey = getEnv("SONICSENSE_API_KEY", c.Upload.APIKey)
	c.Upload.Mode = getEnv("SONICSENSE_UPLOAD_MODE", c.Upload.Mode)
	c.Upload.S3.Bucket = getEnv("SONICSENSE_S3_BUCKET", c.Upload.S3.Bucket)
	c.Upload.S3.Region = getEnv("SONICSENSE_S3_REGION", c.Upload.S3.Region)
	c.Upload.S3.Endpoint = getEnv("SONICSENSE_S3_ENDPOINT", c.Upload.S3.Endpoint)
	c.Upload.S3.AccessKeyID = getEnv("SONICSENSE_S3_ACCESS_KEY_ID", c.Upload.S3.AccessKeyID)
	c.Upload.S3.SecretAccessKey = getEnv("SONICSENSE_S3_SECRET_ACCESS_KEY", c.Upload.S3.SecretAccessKey)
	c.MQTT.Broker = getEnv("SONICSENSE_MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Username = getEnv("SONICSENSE_MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("SONICSENSE_MQTT_PASSWORD", c.MQTT.Password)
	c.Log.Level = getEnv("SONICSENSE_LOG_LEVEL", c.Log.Level)
	c.Recorder.BufferSeconds = getEnvFloat("SONICSENSE_BUFFER_SECONDS", c.Recorder.BufferSeconds)
	c.Recorder.PostSeconds = getEnvFloat("SONICSENSE_POST_SECONDS", c.Recorder.PostSeconds)
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.Camera.Device == "":
		return fmt.Errorf("%w: camera.device is required", ErrInvalid)
	case c.Camera.Width <= 0 || c.Camera.Height <= 0:
		return fmt.Errorf("%w: camera resolution %dx%d", ErrInvalid, c.Camera.Width, c.Camera.Height)
	case c.Camera.FPS <= 0 || c.Camera.FPS > 240:
		return fmt.Errorf("%w: camera.fps %.2f (must be 0-240)", ErrInvalid, c.Camera.FPS)
	case c.Audio.SampleRate <= 0:
		return fmt.Errorf("%w: audio.sample_rate %d", ErrInvalid, c.Audio.SampleRate)
	case c.Audio.Channels <= 0:
		return fmt.Errorf("%w: audio.channels %d", ErrInvalid, c.Audio.Channels)
	case c.Audio.BlockSize <= 0:
		return fmt.Errorf("%w: audio.block_size %d", ErrInvalid, c.Audio.BlockSize)
	case c.Recorder.BufferSeconds <= 0:
		return fmt.Errorf("%w: recorder.buffer_seconds must be positive", ErrInvalid)
	case c.Recorder.PostSeconds <= 0:
		return fmt.Errorf("%w: recorder.post_seconds must be positive", ErrInvalid)
	case c.Recorder.FinalizeTimeout < 0:
		return fmt.Errorf("%w: recorder.finalize_timeout must not be negative", ErrInvalid)
	case c.EnergyMap.Interval <= 0:
		return fmt.Errorf("%w: energy_map.interval must be positive", ErrInvalid)
	case c.Encoder.FFmpegPath == "":
		return fmt.Errorf("%w: encoder.ffmpeg_path is required", ErrInvalid)
	}

	switch c.Upload.Mode {
	case UploadHTTP:
		if c.Upload.BackendURL == "" {
			return fmt.Errorf("%w: upload.backend_url is required for http uploads", ErrInvalid)
		}
	case UploadS3:
		if c.Upload.S3.Bucket == "" || c.Upload.S3.Region == "" {
			return fmt.Errorf("%w: upload.s3.bucket and upload.s3.region are required for s3 uploads", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: upload.mode %q (must be %s or %s)", ErrInvalid, c.Upload.Mode, UploadHTTP, UploadS3)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q (must be text or json)", ErrInvalid, c.Log.Format)
	}
	return nil
}

// ParseLevel maps a config level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%w: log.level %q", ErrInvalid, s)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		slog.Warn("config: ignoring unparsable float", "key", key, "error", err)
		return defaultValue
	}
	return f
}
