package dedup

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/quadtree"
)

// MeanEarthRadiusKm is the radius used to turn a search distance into an
// angular radius
const MeanEarthRadiusKm = 6371.0

// ErrTooFewImages is returned when the neighbour index would hold fewer than two images
var ErrTooFewImages = errors.New("neighbour index needs at least 2 images")

// indexedImage is the quadtree payload: an image position and its slot
type indexedImage struct {
	slot  int
	point orb.Point
}

func (ii indexedImage) Point() orb.Point { return ii.point }

// GeoNeighborIndex finds images captured within a great-circle radius of each other
type GeoNeighborIndex struct {
	images []*Image
	tree   *quadtree.Quadtree
	radius float64 // angular radius in radians
	meters float64
}

// NeighborImages selects the images the index is built on: located images
// holding at least one detection of the given classes, in dataset order
func NeighborImages(d *Dataset, classes map[int]bool) []*Image {
	var out []*Image
	for _, img := range d.Images {
		if img.Located && img.CountClass(classes) > 0 {
			out = append(out, img)
		}
	}
	return out
}

// NewGeoNeighborIndex indexes images by position for radius queries in meters
func NewGeoNeighborIndex(images []*Image, radiusMeters float64) (*GeoNeighborIndex, error) {
	if len(images) < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewImages, len(images))
	}

	bound := images[0].Point().Bound()
	for _, img := range images[1:] {
		bound = bound.Extend(img.Point())
	}

	tree := quadtree.New(bound.Pad(1e-6))
	for i, img := range images {
		if err := tree.Add(indexedImage{slot: i, point: img.Point()}); err != nil {
			return nil, fmt.Errorf("indexing %s: %w", img.FileName, err)
		}
	}

	return &GeoNeighborIndex{
		images: images,
		tree:   tree,
		radius: (radiusMeters / 1000) / MeanEarthRadiusKm,
		meters: radiusMeters,
	}, nil
}

// Neighbors returns the slots of all other images within the radius of
// image slot i, ascending. An empty result means the image has no neighbours.
func (idx *GeoNeighborIndex) Neighbors(i int) []int {
	center := idx.images[i].Point()

	// The quadtree prefilter uses a slightly larger box than the angular radius
	search := geo.NewBoundAroundPoint(center, idx.radius*orb.EarthRadius*1.01)
	found := idx.tree.InBound(nil, search)

	var out []int
	for _, p := range found {
		item := p.(indexedImage)
		if item.slot == i {
			continue
		}
		if geo.DistanceHaversine(center, item.point)/orb.EarthRadius <= idx.radius {
			out = append(out, item.slot)
		}
	}
	sort.Ints(out)
	return out
}

// CandidatePairs queries every image and returns the deduplicated unordered
// neighbour pairs, sorted so downstream randomness sees a fixed order
func (idx *GeoNeighborIndex) CandidatePairs() []CandidatePair {
	seen := make(map[CandidatePair]bool)
	var pairs []CandidatePair
	for i, img := range idx.images {
		for _, j := range idx.Neighbors(i) {
			pair := newCandidatePair(img.FileName, idx.images[j].FileName)
			if seen[pair] {
				continue
			}
			seen[pair] = true
			pairs = append(pairs, pair)
		}
	}

	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].A != pairs[b].A {
			return pairs[a].A < pairs[b].A
		}
		return pairs[a].B < pairs[b].B
	})
	return pairs
}

func newCandidatePair(a, b string) CandidatePair {
	if b < a {
		a, b = b, a
	}
	return CandidatePair{A: a, B: b}
}
