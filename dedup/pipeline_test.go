package dedup

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// sizeVerifier votes yes when both crops have the same dimensions
type sizeVerifier struct{ name string }

func (v sizeVerifier) Name() string { return v.name }
func (v sizeVerifier) Vote(a, b image.Image) (bool, error) {
	return a.Bounds().Size() == b.Bounds().Size(), nil
}

type testAnnotation struct {
	name  string
	class int
	bbox  [4]float64
}

// writeAnnotations writes a COCO file with one image per annotation name
func writeAnnotations(t *testing.T, path string, anns []testAnnotation) {
	t.Helper()
	var images, annotations []map[string]any
	ids := make(map[string]int)
	for i, a := range anns {
		id, ok := ids[a.name]
		if !ok {
			id = len(ids) + 1
			ids[a.name] = id
			images = append(images, map[string]any{"id": id, "file_name": a.name, "width": 640, "height": 640})
		}
		annotations = append(annotations, map[string]any{
			"id": i + 1, "image_id": id, "category_id": a.class, "bbox": a.bbox, "area": a.bbox[2] * a.bbox[3], "iscrowd": 0,
		})
	}
	payload := map[string]any{
		"info":        map[string]any{"description": "test area"},
		"categories":  []map[string]any{{"id": 1, "name": "shop"}, {"id": 2, "name": "sign"}},
		"images":      images,
		"annotations": annotations,
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

var (
	camAB = orb.Point{3.3792, 6.5244}
	camC  = orb.Point{3.3792, 6.5245}

	nameA = poseName(camAB.Lat(), camAB.Lon(), 90, 90)
	nameB = poseName(camAB.Lat(), camAB.Lon(), 180, 90)
	nameC = poseName(camC.Lat(), camC.Lon(), 90, 90)
)

func pipelineConfig(dir string) *Config {
	cfg := &Config{
		Annotations: filepath.Join(dir, "area.json"),
		ImagesDir:   dir,
		ImageRemoval: ImageRemovalConfig{
			Enabled:   true,
			Classes:   []string{"shop"},
			Verifiers: []VerifierConfig{{Name: "dhash", Threshold: 200}},
		},
		LocationRemoval: LocationRemovalConfig{
			Enabled:       true,
			ClassName:     "shop",
			BuildingsFile: filepath.Join(dir, "buildings.csv"),
			BoundingBox:   []float64{6.5, 3.3, 6.6, 3.4},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// newTestPipeline wires in-memory images, crop-size verifiers and a locator
// that puts every detection of A, B and C on the same storefront
func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	writeAnnotations(t, filepath.Join(dir, "area.json"), []testAnnotation{
		{nameA, 1, [4]float64{10, 10, 20, 20}},
		{nameB, 1, [4]float64{30, 30, 20, 20}},
		{nameC, 1, [4]float64{5, 5, 30, 10}},
		{nameC, 2, [4]float64{0, 0, 5, 5}},
	})

	p := NewPipeline(pipelineConfig(dir))
	p.Store = memStore{
		nameA: solidImage(64, 64, color.Black),
		nameB: solidImage(64, 64, color.Black),
		nameC: solidImage(64, 64, color.Black),
	}
	p.Verifiers = []Verifier{sizeVerifier{"a"}, sizeVerifier{"b"}, sizeVerifier{"c"}}
	storefront := NewLocalFrame(camAB).Point(0, 5)
	p.Locator = mapLocator{positions: map[orb.Point]orb.Point{camAB: storefront, camC: storefront}}
	return p, dir
}

// ---------------------------------------------------------------------------
// stages
// ---------------------------------------------------------------------------

func TestPipeline_ImageRemoval(t *testing.T) {
	p, dir := newTestPipeline(t)
	p.Config.ImageRemoval.SaveDuplicateCrops = true

	report, err := p.RunImageRemoval()
	require.NoError(t, err)

	assert.Equal(t, StageImage, report.Stage)
	assert.Equal(t, p.RunID, report.RunID)
	assert.Equal(t, 4, report.DetectionsBefore)
	assert.Equal(t, 3, report.DetectionsAfter)
	assert.Equal(t, 1, report.Removed)
	assert.Equal(t, 2, report.ImagesAfter)

	output := filepath.Join(dir, "area_no_duplicates_image.json")
	assert.Equal(t, output, report.Output)
	d, err := LoadDataset(output)
	require.NoError(t, err)
	assert.Equal(t, 3, d.DetectionCount())
	assert.NotNil(t, d.Image(nameC))

	assert.FileExists(t, filepath.Join(dir, DefaultDuplicateCropsDir, "pair_0_votes_3.jpg"))
}

func TestPipeline_ImageRemovalRefusesExistingOutput(t *testing.T) {
	p, dir := newTestPipeline(t)
	output := filepath.Join(dir, "area_no_duplicates_image.json")
	require.NoError(t, os.WriteFile(output, []byte("{}"), 0644))

	_, err := p.RunImageRemoval()
	assert.True(t, errors.Is(err, ErrOutputExists), "got %v", err)
}

func TestPipeline_ImageRemovalUnknownClass(t *testing.T) {
	p, _ := newTestPipeline(t)
	p.Config.ImageRemoval.Classes = []string{"tree"}

	_, err := p.RunImageRemoval()
	assert.Error(t, err)
}

func TestPipeline_LocationRemovalNeedsImageOutput(t *testing.T) {
	p, dir := newTestPipeline(t)

	_, err := p.RunLocationRemoval()
	assert.True(t, errors.Is(err, ErrMissingPrerequisite), "got %v", err)

	p.Config.LocationRemoval.Annotations = filepath.Join(dir, "area.json")
	_, err = p.RunLocationRemoval()
	assert.True(t, errors.Is(err, ErrMissingPrerequisite), "input without the image stage marker: %v", err)
}

func TestPipeline_RunAll(t *testing.T) {
	p, dir := newTestPipeline(t)
	client := NewMockClient()
	client.SetConnected(true)
	p.Publisher = NewPublisher(client, "signdedup")

	reports, err := p.Run(StageAll)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	loc := reports[1]
	assert.Equal(t, StageLocation, loc.Stage)
	assert.Equal(t, 3, loc.DetectionsBefore)
	assert.Equal(t, 1, loc.Removed, "two shop detections of one storefront from distinct images")
	assert.Equal(t, 2, loc.DetectionsAfter)

	d, err := LoadDataset(filepath.Join(dir, "area_no_duplicates_image_location.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, d.DetectionCount())

	for _, name := range []string{ImageTableFile, DetectionTableFile, EstimationTableFile, AggregationTableFile} {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}

	msgs := client.GetPublishedMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "signdedup/image", msgs[0].Topic)
	assert.Equal(t, "signdedup/location", msgs[1].Topic)
}

func TestPipeline_RunWritesClusterMap(t *testing.T) {
	p, dir := newTestPipeline(t)
	p.Config.LocationRemoval.Viz = true

	_, err := p.Run(StageAll)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "area_no_duplicates_image_location.svg"))
	assert.FileExists(t, filepath.Join(dir, "area_no_duplicates_image_location.geojson"))
}

func TestPipeline_RunUnknownStage(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.Run("sideways")
	assert.Error(t, err)
}

func TestPipeline_SameSeedSameSurvivors(t *testing.T) {
	survivor := func() string {
		p, _ := newTestPipeline(t)
		_, err := p.RunImageRemoval()
		require.NoError(t, err)
		d, err := LoadDataset(filepath.Join(filepath.Dir(p.Config.Annotations), "area_no_duplicates_image.json"))
		require.NoError(t, err)
		for _, img := range d.Images {
			if img.FileName != nameC {
				return img.FileName
			}
		}
		return ""
	}
	first := survivor()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, survivor())
}
