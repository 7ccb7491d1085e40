package dedup

import (
	"math"
)

// densityJitter bounds the random tie-breaker added to each local density
const densityJitter = 0.01

// AggregateEstimates groups estimated positions with density-peak clustering.
// minDistance is the smallest real-world separation in meters between two
// distinct objects; points closer than minDistance/2 reinforce each other.
// A point becomes an exemplar when no denser point lies within minDistance.
// Exemplars are returned in input order.
func AggregateEstimates(points []GeoPoint, minDistance float64, rng *Rand) []Cluster {
	n := len(points)
	if n == 0 {
		return nil
	}
	if minDistance <= 0 {
		minDistance = DefaultMinShopDistance
	}

	frame := NewLocalFrame(points[0].Point)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range points {
		xs[i], ys[i] = frame.XY(p.Point)
	}

	local := minDistance / 2
	localSq := local * local

	rho := make([]float64, n)
	candidates := make([]Cluster, n)
	for i := 0; i < n; i++ {
		var c Cluster
		var sx, sy float64
		add := func(j int) {
			c.Density++
			sx += xs[j]
			sy += ys[j]
			c.Labels = append(c.Labels, points[j].Label)
			c.ImageIDs = append(c.ImageIDs, points[j].Image)
			c.AnnotationIDs = append(c.AnnotationIDs, points[j].Detection)
		}
		// the point's own detection leads its lists
		add(i)
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			dx, dy := xs[i]-xs[j], ys[i]-ys[j]
			if dx*dx+dy*dy >= localSq {
				continue
			}
			add(j)
		}
		c.Point = frame.Point(sx/float64(c.Density), sy/float64(c.Density))
		candidates[i] = c
		rho[i] = float64(c.Density) + rng.Float64()*densityJitter
	}

	minSq := minDistance * minDistance
	var clusters []Cluster
	for i := 0; i < n; i++ {
		dis := math.Inf(1)
		for j := 0; j < n; j++ {
			if rho[j] <= rho[i] {
				continue
			}
			dx, dy := xs[i]-xs[j], ys[i]-ys[j]
			if d := dx*dx + dy*dy; d < dis {
				dis = d
			}
		}
		if dis > minSq {
			c := candidates[i]
			c.Isolation = dis
			clusters = append(clusters, c)
		}
	}
	return clusters
}
