package dedup

import (
	"math"

	"github.com/paulmach/orb"
)

// LocalFrame is an equirectangular planar frame in meters anchored at an
// origin. It is accurate for the few-kilometre extents of one area job.
type LocalFrame struct {
	Origin orb.Point // lon, lat
	cosLat float64
}

// NewLocalFrame anchors a planar frame at origin
func NewLocalFrame(origin orb.Point) LocalFrame {
	return LocalFrame{
		Origin: origin,
		cosLat: math.Cos(origin.Lat() * math.Pi / 180),
	}
}

// XY returns the planar offset of p from the origin in meters
func (f LocalFrame) XY(p orb.Point) (x, y float64) {
	x = (p.Lon() - f.Origin.Lon()) * math.Pi / 180 * orb.EarthRadius * f.cosLat
	y = (p.Lat() - f.Origin.Lat()) * math.Pi / 180 * orb.EarthRadius
	return x, y
}

// Point converts a planar offset back to lon/lat
func (f LocalFrame) Point(x, y float64) orb.Point {
	lat := f.Origin.Lat() + y/orb.EarthRadius*180/math.Pi
	lon := f.Origin.Lon()
	if f.cosLat != 0 {
		lon += x / (orb.EarthRadius * f.cosLat) * 180 / math.Pi
	}
	return orb.Point{lon, lat}
}

// Distance returns the planar distance between two points in meters
func (f LocalFrame) Distance(a, b orb.Point) float64 {
	ax, ay := f.XY(a)
	bx, by := f.XY(b)
	return math.Hypot(ax-bx, ay-by)
}
