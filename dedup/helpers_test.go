package dedup

import (
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/mock"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// memStore is an in-memory ImageStore
type memStore map[string]image.Image

func (s memStore) Open(name string) (image.Image, error) {
	img, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("no image %s", name)
	}
	return img, nil
}

func (s memStore) Exists(name string) bool {
	_, ok := s[name]
	return ok
}

// fixedVerifier always returns the same vote
type fixedVerifier struct {
	name string
	yes  bool
	err  error
}

func (v fixedVerifier) Name() string { return v.name }
func (v fixedVerifier) Vote(a, b image.Image) (bool, error) {
	return v.yes, v.err
}

// panicVerifier panics on every vote
type panicVerifier struct{}

func (panicVerifier) Name() string                        { return "panic" }
func (panicVerifier) Vote(a, b image.Image) (bool, error) { panic("model crashed") }

// mockVerifier records calls through testify/mock
type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Name() string { return "mock" }
func (m *mockVerifier) Vote(a, b image.Image) (bool, error) {
	args := m.Called(a, b)
	return args.Bool(0), args.Error(1)
}

// mapLocator returns a fixed position per image and pixel column
type mapLocator struct {
	positions map[orb.Point]orb.Point
}

func (l mapLocator) Locate(ray Ray) (orb.Point, bool) {
	p, ok := l.positions[ray.Camera]
	return p, ok
}

func solidImage(w, h int, c color.Color) *image.NRGBA {
	return imaging.New(w, h, c)
}

// patternImage draws a few coloured blocks so verifiers see structure
func patternImage(w, h int, seed uint8) *image.NRGBA {
	img := imaging.New(w, h, color.White)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.SetNRGBA(x, y, color.NRGBA{seed, 255 - seed, uint8(x * 3), 255})
			}
		}
	}
	return img
}

// poseName builds an image file name carrying a capture pose
func poseName(lat, lon, heading, fov float64) string {
	return fmt.Sprintf("%.6f_%.6f_0_1_%.1f_%.1f_2023-05.jpg", lat, lon, heading, fov)
}

// newTestDataset builds a dataset from images, registering a "shop" (1) and
// "sign" (2) category
func newTestDataset(t *testing.T, images ...*Image) *Dataset {
	t.Helper()
	d, err := NewDataset([]Category{{ID: 1, Name: "shop"}, {ID: 2, Name: "sign"}}, images)
	if err != nil {
		t.Fatalf("NewDataset: %v", err)
	}
	return d
}

func shopDetection(left, top, right, bottom float64) Detection {
	return Detection{ClassID: 1, Confidence: 0.9, Box: Box{Left: left, Top: top, Right: right, Bottom: bottom}}
}

// squareBuilding returns a square footprint of side meters with its south
// west corner at (lon, lat)
func squareBuilding(ref int, lon, lat, side float64) *Building {
	frame := NewLocalFrame(orb.Point{lon, lat})
	ring := orb.Ring{
		frame.Point(0, 0),
		frame.Point(side, 0),
		frame.Point(side, side),
		frame.Point(0, side),
		frame.Point(0, 0),
	}
	shape := orb.MultiPolygon{orb.Polygon{ring}}
	return &Building{Ref: ref, Nodes: exteriorNodes(shape), Shape: shape}
}
