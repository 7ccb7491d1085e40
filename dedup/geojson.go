package dedup

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// ClusterFeatures converts the aggregated objects to a GeoJSON FeatureCollection.
// Each exemplar becomes a Point feature carrying its contributing detections;
// footprints are added as Polygon features when buildings are given.
func ClusterFeatures(clusters []Cluster, buildings []*Building) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for _, b := range buildings {
		if len(b.Shape) == 0 {
			continue
		}
		var geom orb.Geometry = b.Shape
		if len(b.Shape) == 1 {
			geom = b.Shape[0]
		}
		f := geojson.NewFeature(geom)
		f.Properties["kind"] = "building"
		f.Properties["ref"] = b.Ref
		f.Properties["area"] = b.Area
		if b.PlusCode != "" {
			f.Properties["plusCode"] = b.PlusCode
		}
		fc.Append(f)
	}

	for i, c := range clusters {
		f := geojson.NewFeature(c.Point)
		f.ID = i
		f.Properties["kind"] = "object"
		f.Properties["density"] = c.Density
		f.Properties["labels"] = nonNilInts(c.Labels)
		f.Properties["imageIds"] = nonNilStrings(c.ImageIDs)
		f.Properties["annotationIds"] = nonNilInts(c.AnnotationIDs)
		fc.Append(f)
	}

	return fc
}

// WriteClusterGeoJSON writes the cluster feature collection to path
func WriteClusterGeoJSON(path string, clusters []Cluster, buildings []*Building) error {
	data, err := ClusterFeatures(clusters, buildings).MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding cluster GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
