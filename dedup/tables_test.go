package dedup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLocationTables(t *testing.T) {
	located := &Image{
		FileName: "a.jpg", Located: true, HasPose: true, Lat: 6.5, Lon: 3.4, Heading: 90, FOV: 90,
		Detections: []Detection{
			{ClassID: 2, Box: Box{Left: 0, Top: 0, Right: 5, Bottom: 5}},
			shopDetection(10, 20, 30, 40),
		},
	}
	unlocated := &Image{FileName: "b.jpg", Detections: []Detection{shopDetection(0, 0, 1, 1)}}
	noShops := &Image{FileName: "c.jpg", Located: true, Detections: []Detection{{ClassID: 2}}}
	d := newTestDataset(t, located, unlocated, noShops)

	images, dets := BuildLocationTables(d, 1, DefaultCameraHeight)
	require.Len(t, images, 1)
	assert.Equal(t, ImageRecord{ImageID: "a.jpg", X: 3.4, Y: 6.5, Heading: 90, Height: DefaultCameraHeight, FOV: 90, Annotations: 1}, images[0])

	require.Len(t, dets, 1)
	assert.Equal(t, DetectionRecord{ID: 1, ImageID: "a.jpg", LabelID: 1, Top: 20, Left: 10, Bottom: 40, Right: 30}, dets[0])
}

func TestBuildLocationTables_SkipsPositionOnlyImages(t *testing.T) {
	d, err := NewDataset([]Category{{ID: 1, Name: "shop"}}, []*Image{
		{ID: 1, FileName: "6.5244_3.3792.jpg", Detections: []Detection{shopDetection(10, 10, 40, 40)}},
		{ID: 2, FileName: "6.5244_3.3792_0_1_north_90_2023-05.jpg", Detections: []Detection{shopDetection(10, 10, 40, 40)}},
		{ID: 3, FileName: poseName(6.5244, 3.3792, 90, 90), Detections: []Detection{shopDetection(10, 10, 40, 40)}},
	})
	require.NoError(t, err)
	d.AssignPoses(nil)

	images, dets := BuildLocationTables(d, 1, DefaultCameraHeight)
	require.Len(t, images, 1)
	assert.Equal(t, poseName(6.5244, 3.3792, 90, 90), images[0].ImageID)

	cam := orb.Point{3.3792, 6.5244}
	loc := mapLocator{positions: map[orb.Point]orb.Point{cam: {3.3793, 6.5245}}}
	ests := EstimateLocations(images, dets, loc, DefaultImageSize)
	require.Len(t, ests, 1, "only the image with a full pose yields an estimate row")
	assert.Equal(t, images[0].ImageID, ests[0].ImageID)
}

func TestTables_FileHandOff(t *testing.T) {
	dir := t.TempDir()
	images := []ImageRecord{{ImageID: "a,b.jpg", X: 3.4, Y: 6.5, Heading: 90, Height: 1.979, FOV: 90, Annotations: 2}}
	dets := []DetectionRecord{
		{ID: 0, ImageID: "a,b.jpg", LabelID: 1, Top: 1.5, Left: 2, Bottom: 3, Right: 4},
		{ID: 3, ImageID: "a,b.jpg", LabelID: 1, Top: 5, Left: 6, Bottom: 7, Right: 8},
	}
	ests := []EstimationRecord{
		{DetectionRecord: dets[0], Located: true, EstLat: 6.50001, EstLng: 3.40002},
		{DetectionRecord: dets[1]},
	}
	clusters := []Cluster{{
		Point:         orb.Point{3.4, 6.5},
		Labels:        []int{1, 1},
		ImageIDs:      []string{"a,b.jpg", "c.jpg"},
		AnnotationIDs: []int{0, 4},
	}}

	imgPath := filepath.Join(dir, ImageTableFile)
	require.NoError(t, WriteImageTable(imgPath, images))
	gotImages, err := ReadImageTable(imgPath)
	require.NoError(t, err)
	assert.Equal(t, images, gotImages)

	detPath := filepath.Join(dir, DetectionTableFile)
	require.NoError(t, WriteDetectionTable(detPath, dets))
	gotDets, err := ReadDetectionTable(detPath)
	require.NoError(t, err)
	assert.Equal(t, dets, gotDets)

	estPath := filepath.Join(dir, EstimationTableFile)
	require.NoError(t, WriteEstimationTable(estPath, ests))
	gotEsts, err := ReadEstimationTable(estPath)
	require.NoError(t, err)
	assert.Equal(t, ests, gotEsts)

	aggPath := filepath.Join(dir, AggregationTableFile)
	require.NoError(t, WriteAggregationTable(aggPath, clusters))
	gotClusters, err := ReadAggregationTable(aggPath)
	require.NoError(t, err)
	require.Len(t, gotClusters, 1)
	assert.Equal(t, clusters[0].ImageIDs, gotClusters[0].ImageIDs)
	assert.Equal(t, clusters[0].AnnotationIDs, gotClusters[0].AnnotationIDs)
	assert.Equal(t, clusters[0].Labels, gotClusters[0].Labels)

	RemoveTables(dir)
	for _, name := range []string{ImageTableFile, DetectionTableFile, EstimationTableFile, AggregationTableFile} {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
}

func TestReadTable_Errors(t *testing.T) {
	dir := t.TempDir()

	missingCol := filepath.Join(dir, "missing.csv")
	require.NoError(t, os.WriteFile(missingCol, []byte("id,image_id\n1,a.jpg\n"), 0644))
	_, err := ReadDetectionTable(missingCol)
	assert.Error(t, err)

	badNumber := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(badNumber, []byte("id,image_id,label_id,top,left,bottom,right\nx,a.jpg,1,0,0,1,1\n"), 0644))
	_, err = ReadDetectionTable(badNumber)
	assert.Error(t, err)

	mismatched := filepath.Join(dir, "agg.csv")
	require.NoError(t, os.WriteFile(mismatched, []byte("lat,lng,labels,image_ids,annotation_ids\n1,2,[1],\"[\"\"a\"\"]\",\"[1,2]\"\n"), 0644))
	_, err = ReadAggregationTable(mismatched)
	assert.Error(t, err)

	_, err = ReadImageTable(filepath.Join(dir, "nope.csv"))
	assert.Error(t, err)
}

func TestReadDetectionTable_IntegralFloats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dets.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,image_id,label_id,top,left,bottom,right\n2.0,a.jpg,1.0,0,0,1,1\n"), 0644))

	rows, err := ReadDetectionTable(path)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].ID)
	assert.Equal(t, 1, rows[0].LabelID)
}

func TestEstimateLocations(t *testing.T) {
	camA := orb.Point{3.4, 6.5}
	images := []ImageRecord{{ImageID: "a.jpg", X: camA.Lon(), Y: camA.Lat(), Heading: 0, FOV: 90, Height: 2}}
	dets := []DetectionRecord{
		{ID: 0, ImageID: "a.jpg", LabelID: 1, Left: 300, Right: 340},
		{ID: 1, ImageID: "missing.jpg", LabelID: 1},
	}
	loc := mapLocator{positions: map[orb.Point]orb.Point{camA: {3.4001, 6.5002}}}

	ests := EstimateLocations(images, dets, loc, 640)
	require.Len(t, ests, 2)
	assert.True(t, ests[0].Located)
	assert.Equal(t, 6.5002, ests[0].EstLat)
	assert.Equal(t, 3.4001, ests[0].EstLng)
	assert.False(t, ests[1].Located)

	points := EstimatedPoints(ests)
	require.Len(t, points, 1)
	assert.Equal(t, GeoPoint{Point: orb.Point{3.4001, 6.5002}, Label: 1, Image: "a.jpg", Detection: 0}, points[0])
}
