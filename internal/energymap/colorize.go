package energymap

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"

	"github.com/yl2chen/sonicsense/internal/media"
)

// JetColorizer quantizes norm to 8 bits, resizes it to width×height and
// applies the jet colormap. The result is RGB ordered.
func JetColorizer(norm media.EnergyMap, width, height int) (Overlay, error) {
	if !norm.Rectangular() {
		return Overlay{}, errors.New("empty map")
	}
	rows, cols := len(norm), len(norm[0])
	buf := make([]byte, rows*cols)
	for i, row := range norm {
		for j, v := range row {
			buf[i*cols+j] = uint8(math.Round(clamp01(v) * 255))
		}
	}

	src, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8U, buf)
	if err != nil {
		return Overlay{}, fmt.Errorf("mat from map: %w", err)
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(width, height), 0, 0, gocv.InterpolationLinear)

	colored := gocv.NewMat()
	defer colored.Close()
	gocv.ApplyColorMap(resized, &colored, gocv.ColormapJet)

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(colored, &rgb, gocv.ColorBGRToRGB)

	return Overlay{Width: width, Height: height, Pix: rgb.ToBytes()}, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
