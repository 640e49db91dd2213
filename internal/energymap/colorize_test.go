package energymap

import (
	"testing"

	"github.com/yl2chen/sonicsense/internal/media"
)

func TestJetColorizer(t *testing.T) {
	norm := media.EnergyMap{{0, 1}, {0.5, 0.25}}
	ov, err := JetColorizer(norm, 8, 6)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Width != 8 || ov.Height != 6 || len(ov.Pix) != 8*6*3 {
		t.Fatalf("overlay %dx%d with %d bytes", ov.Width, ov.Height, len(ov.Pix))
	}
	// Jet maps 0 to dark blue: blue dominates red in the top-left pixel.
	if r, b := ov.Pix[0], ov.Pix[2]; b <= r {
		t.Errorf("top-left pixel r=%d b=%d, expected blue", r, b)
	}

	if _, err := JetColorizer(nil, 8, 6); err == nil {
		t.Error("empty map accepted")
	}
}
