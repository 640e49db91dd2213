package energymap

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/yl2chen/sonicsense/internal/config"
	"github.com/yl2chen/sonicsense/internal/media"
)

type fixedSettings config.Settings

func (s fixedSettings) Get() config.Settings { return config.Settings(s) }

// scriptedEngine returns its queued results in order, repeating the last.
type scriptedEngine struct {
	mu      sync.Mutex
	results []engineResult
	calls   int
	params  [][3]float64
}

type engineResult struct {
	m   media.EnergyMap
	err error
}

func (e *scriptedEngine) CurrentMap(threshold float64, frequency, bandwidth int) (media.EnergyMap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = append(e.params, [3]float64{threshold, float64(frequency), float64(bandwidth)})
	r := e.results[min(e.calls, len(e.results)-1)]
	e.calls++
	return r.m.Clone(), r.err
}

func (e *scriptedEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func fakeColorizer(norm media.EnergyMap, width, height int) (Overlay, error) {
	pix := make([]byte, width*height*3)
	for i := range pix {
		pix[i] = uint8(norm[0][0] * 255)
	}
	return Overlay{Width: width, Height: height, Pix: pix}, nil
}

func newTestSampler(t *testing.T, engine Beamformer) *Sampler {
	t.Helper()
	s, err := NewSampler(engine, fixedSettings(config.DefaultSettings()), Options{
		Interval:      5 * time.Millisecond,
		OverlayWidth:  4,
		OverlayHeight: 2,
		Colorizer:     fakeColorizer,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLatestBeforeFirstCycle(t *testing.T) {
	s := newTestSampler(t, &scriptedEngine{results: []engineResult{{m: media.EnergyMap{{1}}}}})
	got := s.Latest()
	if !got.Empty() || got.Normalized != nil || got.Overlay.Pix != nil {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
}

func TestSamplePublishes(t *testing.T) {
	raw := media.EnergyMap{{1, 2, 3}, {4, 5, 6}}
	engine := &scriptedEngine{results: []engineResult{{m: raw}}}
	s := newTestSampler(t, engine)

	if err := s.sample(); err != nil {
		t.Fatal(err)
	}
	got := s.Latest()
	if len(got.Raw) != 2 || got.Raw[1][2] != 6 {
		t.Fatalf("raw=%v", got.Raw)
	}
	// 2x3 oriented to 3x2.
	if len(got.Normalized) != 3 || len(got.Normalized[0]) != 2 {
		t.Fatalf("normalized shape %dx%d", len(got.Normalized), len(got.Normalized[0]))
	}
	if got.Overlay.Width != 4 || len(got.Overlay.Pix) != 4*2*3 {
		t.Fatalf("overlay=%+v", got.Overlay)
	}
	if p := engine.params[0]; p != [3]float64{1.0, 1000, 1} {
		t.Fatalf("engine called with %v", p)
	}
}

func TestSampleErrorKeepsPrevious(t *testing.T) {
	engine := &scriptedEngine{results: []engineResult{
		{m: media.EnergyMap{{0, 3}}},
		{err: errors.New("device busy")},
		{m: media.EnergyMap{{1}, {2, 3}}},
		{m: media.EnergyMap{}},
	}}
	s := newTestSampler(t, engine)

	if err := s.sample(); err != nil {
		t.Fatal(err)
	}
	before := s.Latest()
	for i := 0; i < 3; i++ {
		if err := s.sample(); err == nil {
			t.Fatalf("cycle %d: expected error", i)
		}
	}
	after := s.Latest()
	if after.Raw[0][1] != 3 || !after.At.Equal(before.At) {
		t.Fatalf("snapshot changed after failed cycles: %+v", after)
	}
}

func TestLatestReturnsCopy(t *testing.T) {
	s := newTestSampler(t, &scriptedEngine{results: []engineResult{{m: media.EnergyMap{{1, 2}}}}})
	if err := s.sample(); err != nil {
		t.Fatal(err)
	}
	a := s.Latest()
	a.Raw[0][0] = 100
	a.Normalized[0][0] = 100
	a.Overlay.Pix[0] = 99
	b := s.Latest()
	if b.Raw[0][0] != 1 || b.Normalized[0][0] == 100 || b.Overlay.Pix[0] == 99 {
		t.Fatal("Latest returned an alias of the published snapshot")
	}
}

func TestStartStop(t *testing.T) {
	engine := &scriptedEngine{results: []engineResult{{m: media.EnergyMap{{1, 2}}}}}
	s := newTestSampler(t, engine)
	s.Start()
	s.Start()

	deadline := time.Now().Add(2 * time.Second)
	for engine.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("sampler did not cycle")
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop()
	n := engine.callCount()
	time.Sleep(20 * time.Millisecond)
	if engine.callCount() != n {
		t.Fatal("sampler kept running after Stop")
	}
	s.Stop()

	if s.Latest().Empty() {
		t.Fatal("nothing published")
	}
}

func TestOrient(t *testing.T) {
	// rot90 clockwise then flipud of
	//   1 2 3
	//   4 5 6
	// is
	//   6 3
	//   5 2
	//   4 1
	got := Orient(media.EnergyMap{{1, 2, 3}, {4, 5, 6}})
	want := media.EnergyMap{{6, 3}, {5, 2}, {4, 1}}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize(media.EnergyMap{{-10, 0}, {10, 5}})
	if got[0][0] != 0 {
		t.Errorf("min=%v", got[0][0])
	}
	if math.Abs(got[1][0]-1) > 1e-6 {
		t.Errorf("max=%v", got[1][0])
	}
	flat := Normalize(media.EnergyMap{{7, 7}})
	if flat[0][0] != 0 || flat[0][1] != 0 {
		t.Errorf("flat map=%v", flat)
	}
}

func TestNewSamplerValidation(t *testing.T) {
	if _, err := NewSampler(nil, fixedSettings{}, Options{OverlayWidth: 1, OverlayHeight: 1}); err == nil {
		t.Error("nil engine accepted")
	}
	if _, err := NewSampler(&scriptedEngine{}, fixedSettings{}, Options{}); err == nil {
		t.Error("zero overlay accepted")
	}
}
