package dedup

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Ray is the horizontal viewing ray from a camera through a detection's pixel center
type Ray struct {
	Camera  orb.Point // lon, lat
	Bearing float64   // degrees clockwise from north
	Pitch   float64
	Height  float64 // camera height above ground in meters
}

// NewCameraRay builds the ray through pixel column px of an image of the
// given width, captured with heading and horizontal field of view in degrees
func NewCameraRay(camera orb.Point, heading, pitch, fov, height float64, width int, px float64) Ray {
	bearing := heading
	if width > 0 {
		bearing += (px/float64(width) - 0.5) * fov
	}
	bearing = math.Mod(bearing, 360)
	if bearing < 0 {
		bearing += 360
	}
	return Ray{Camera: camera, Bearing: bearing, Pitch: pitch, Height: height}
}

// Locator estimates the real-world position of the object a ray points at
type Locator interface {
	Locate(ray Ray) (orb.Point, bool)
}

// RaycastLocator intersects rays with nearby building footprints
type RaycastLocator struct {
	Index       *BuildingIndex
	MaxDistance float64 // meters
}

// NewRaycastLocator creates a locator over a building index
func NewRaycastLocator(index *BuildingIndex, maxDistance float64) *RaycastLocator {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxRayDistance
	}
	return &RaycastLocator{Index: index, MaxDistance: maxDistance}
}

// Locate returns the first footprint edge hit by the ray within MaxDistance.
// Footprints containing the camera are ignored.
func (l *RaycastLocator) Locate(ray Ray) (orb.Point, bool) {
	frame := l.Index.Frame()
	cx, cy := frame.XY(ray.Camera)
	rad := ray.Bearing * math.Pi / 180
	dx, dy := math.Sin(rad)*l.MaxDistance, math.Cos(rad)*l.MaxDistance

	bestT := math.Inf(1)
	for _, b := range l.Index.FindBuildings(ray.Camera) {
		if planar.MultiPolygonContains(b.Shape, ray.Camera) {
			continue
		}
		for _, poly := range b.Shape {
			for _, ring := range poly {
				for i := 0; i+1 < len(ring); i++ {
					ax, ay := frame.XY(ring[i])
					bx, by := frame.XY(ring[i+1])
					if t, ok := segmentHit(cx, cy, dx, dy, ax, ay, bx, by); ok && t < bestT {
						bestT = t
					}
				}
			}
		}
	}

	if math.IsInf(bestT, 1) {
		return orb.Point{}, false
	}
	return frame.Point(cx+bestT*dx, cy+bestT*dy), true
}

// segmentHit intersects the ray segment p + t*d (t in [0,1]) with segment a-b
// and returns t at the crossing
func segmentHit(px, py, dx, dy, ax, ay, bx, by float64) (float64, bool) {
	ex, ey := bx-ax, by-ay
	denom := dx*ey - dy*ex
	if denom == 0 {
		return 0, false
	}
	wx, wy := ax-px, ay-py
	t := (wx*ey - wy*ex) / denom
	u := (wx*dy - wy*dx) / denom
	if t < 0 || t > 1 || u < 0 || u > 1 {
		return 0, false
	}
	return t, true
}
