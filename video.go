package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/yl2chen/sonicsense/internal/config"
	"github.com/yl2chen/sonicsense/internal/media"
)

var errNoFrame = errors.New("camera: no frame")

// Camera reads BGR frames from a V4L2 device index or anything
// gocv.VideoCaptureFile opens (file, RTSP URL, GStreamer pipeline).
type Camera struct {
	device string
	cam    *gocv.VideoCapture
	mat    gocv.Mat
	bgr    gocv.Mat
}

func OpenCamera(cfg config.CameraConfig, logger *slog.Logger) (*Camera, error) {
	var (
		cam *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(cfg.Device); convErr == nil {
		cam, err = gocv.VideoCaptureDevice(idx)
	} else {
		cam, err = gocv.VideoCaptureFile(cfg.Device)
	}
	if err != nil {
		return nil, fmt.Errorf("error opening camera (%s): %w", cfg.Device, err)
	}

	cam.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	cam.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	cam.Set(gocv.VideoCaptureFPS, cfg.FPS)

	logger.Info("camera opened",
		"component", "camera",
		"device", cfg.Device,
		"width", int(cam.Get(gocv.VideoCaptureFrameWidth)),
		"height", int(cam.Get(gocv.VideoCaptureFrameHeight)),
		"fps", cam.Get(gocv.VideoCaptureFPS),
	)
	return &Camera{
		device: cfg.Device,
		cam:    cam,
		mat:    gocv.NewMat(),
		bgr:    gocv.NewMat(),
	}, nil
}

// Read grabs the next frame. The returned pixel buffer is owned by the
// caller.
func (c *Camera) Read() (media.Frame, error) {
	if ok := c.cam.Read(&c.mat); !ok || c.mat.Empty() {
		return media.Frame{}, errNoFrame
	}
	src := c.mat
	switch c.mat.Channels() {
	case 3:
	case 1:
		gocv.CvtColor(c.mat, &c.bgr, gocv.ColorGrayToBGR)
		src = c.bgr
	case 4:
		gocv.CvtColor(c.mat, &c.bgr, gocv.ColorBGRAToBGR)
		src = c.bgr
	default:
		return media.Frame{}, fmt.Errorf("camera: unsupported %d-channel frame", c.mat.Channels())
	}
	return media.Frame{
		Width:  src.Cols(),
		Height: src.Rows(),
		Data:   src.ToBytes(),
	}, nil
}

func (c *Camera) Close() error {
	c.mat.Close()
	c.bgr.Close()
	return c.cam.Close()
}
