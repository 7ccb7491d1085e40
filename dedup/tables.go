package dedup

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// Transient table file names created under the work directory
const (
	ImageTableFile       = "image_data.csv"
	DetectionTableFile   = "annotations_data.csv"
	EstimationTableFile  = "annotations_data_estimation.csv"
	AggregationTableFile = "annotations_data_estimation_aggregated.csv"
)

var (
	imageTableHeader       = []string{"image_id", "x", "y", "pitch", "heading", "height", "fov", "annotations"}
	detectionTableHeader   = []string{"id", "image_id", "label_id", "top", "left", "bottom", "right"}
	estimationTableHeader  = append(append([]string{}, detectionTableHeader...), "est_lat", "est_lng")
	aggregationTableHeader = []string{"lat", "lng", "labels", "image_ids", "annotation_ids"}
)

// ImageRecord is one row of the image table: a located capture holding at
// least one detection of the class of interest. X is longitude, Y latitude.
type ImageRecord struct {
	ImageID     string
	X           float64
	Y           float64
	Pitch       float64
	Heading     float64
	Height      float64
	FOV         float64
	Annotations int
}

// DetectionRecord is one row of the detection table. ID is the detection
// index within its image.
type DetectionRecord struct {
	ID      int
	ImageID string
	LabelID int
	Top     float64
	Left    float64
	Bottom  float64
	Right   float64
}

// EstimationRecord is a detection row with its estimated position, if any
type EstimationRecord struct {
	DetectionRecord
	Located bool
	EstLat  float64
	EstLng  float64
}

// BuildLocationTables extracts the image and detection tables for one class.
// Images without a full capture pose (position, heading and FOV) are skipped
// with a warning since no camera ray can be cast from them.
func BuildLocationTables(d *Dataset, classID int, cameraHeight float64) ([]ImageRecord, []DetectionRecord) {
	var images []ImageRecord
	var dets []DetectionRecord
	for _, img := range d.Images {
		idx := img.DetectionIndices(classID)
		if len(idx) == 0 {
			continue
		}
		if !img.Located || !img.HasPose {
			log.Printf("Warning: %s has no capture pose, skipping %d detections", img.FileName, len(idx))
			continue
		}

		images = append(images, ImageRecord{
			ImageID:     img.FileName,
			X:           img.Lon,
			Y:           img.Lat,
			Pitch:       img.Pitch,
			Heading:     img.Heading,
			Height:      cameraHeight,
			FOV:         img.FOV,
			Annotations: len(idx),
		})
		for _, i := range idx {
			b := img.Detections[i].Box
			dets = append(dets, DetectionRecord{
				ID:      i,
				ImageID: img.FileName,
				LabelID: classID,
				Top:     b.Top,
				Left:    b.Left,
				Bottom:  b.Bottom,
				Right:   b.Right,
			})
		}
	}
	return images, dets
}

// EstimateLocations casts a ray per detection and records where the locator
// places it. Detections of images missing from the image table stay unlocated.
func EstimateLocations(images []ImageRecord, dets []DetectionRecord, loc Locator, imageWidth int) []EstimationRecord {
	byID := make(map[string]ImageRecord, len(images))
	for _, img := range images {
		byID[img.ImageID] = img
	}

	out := make([]EstimationRecord, 0, len(dets))
	for _, det := range dets {
		est := EstimationRecord{DetectionRecord: det}
		if img, ok := byID[det.ImageID]; ok {
			cx := (det.Left + det.Right) / 2
			ray := NewCameraRay(orb.Point{img.X, img.Y}, img.Heading, img.Pitch, img.FOV, img.Height, imageWidth, cx)
			if p, ok := loc.Locate(ray); ok {
				est.Located = true
				est.EstLat = p.Lat()
				est.EstLng = p.Lon()
			}
		}
		out = append(out, est)
	}
	return out
}

// EstimatedPoints returns the located estimates as aggregation input
func EstimatedPoints(ests []EstimationRecord) []GeoPoint {
	var points []GeoPoint
	for _, e := range ests {
		if !e.Located {
			continue
		}
		points = append(points, GeoPoint{
			Point:     orb.Point{e.EstLng, e.EstLat},
			Label:     e.LabelID,
			Image:     e.ImageID,
			Detection: e.ID,
		})
	}
	return points
}

// WriteImageTable writes the image table to path
func WriteImageTable(path string, rows []ImageRecord) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.ImageID, formatFloat(r.X), formatFloat(r.Y), formatFloat(r.Pitch),
			formatFloat(r.Heading), formatFloat(r.Height), formatFloat(r.FOV),
			strconv.Itoa(r.Annotations),
		})
	}
	return writeTable(path, imageTableHeader, records)
}

// ReadImageTable reads an image table written by WriteImageTable
func ReadImageTable(path string) ([]ImageRecord, error) {
	var rows []ImageRecord
	err := readTable(path, imageTableHeader, func(f *fieldReader) {
		rows = append(rows, ImageRecord{
			ImageID:     f.str("image_id"),
			X:           f.float("x"),
			Y:           f.float("y"),
			Pitch:       f.float("pitch"),
			Heading:     f.float("heading"),
			Height:      f.float("height"),
			FOV:         f.float("fov"),
			Annotations: f.int("annotations"),
		})
	})
	return rows, err
}

func detectionFields(r DetectionRecord) []string {
	return []string{
		strconv.Itoa(r.ID), r.ImageID, strconv.Itoa(r.LabelID),
		formatFloat(r.Top), formatFloat(r.Left), formatFloat(r.Bottom), formatFloat(r.Right),
	}
}

func readDetectionFields(f *fieldReader) DetectionRecord {
	return DetectionRecord{
		ID:      f.int("id"),
		ImageID: f.str("image_id"),
		LabelID: f.int("label_id"),
		Top:     f.float("top"),
		Left:    f.float("left"),
		Bottom:  f.float("bottom"),
		Right:   f.float("right"),
	}
}

// WriteDetectionTable writes the detection table to path
func WriteDetectionTable(path string, rows []DetectionRecord) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, detectionFields(r))
	}
	return writeTable(path, detectionTableHeader, records)
}

// ReadDetectionTable reads a detection table written by WriteDetectionTable
func ReadDetectionTable(path string) ([]DetectionRecord, error) {
	var rows []DetectionRecord
	err := readTable(path, detectionTableHeader, func(f *fieldReader) {
		rows = append(rows, readDetectionFields(f))
	})
	return rows, err
}

// WriteEstimationTable writes the estimation table; unlocated rows leave the
// estimate columns empty
func WriteEstimationTable(path string, rows []EstimationRecord) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		lat, lng := "", ""
		if r.Located {
			lat, lng = formatFloat(r.EstLat), formatFloat(r.EstLng)
		}
		records = append(records, append(detectionFields(r.DetectionRecord), lat, lng))
	}
	return writeTable(path, estimationTableHeader, records)
}

// ReadEstimationTable reads an estimation table written by WriteEstimationTable
func ReadEstimationTable(path string) ([]EstimationRecord, error) {
	var rows []EstimationRecord
	err := readTable(path, estimationTableHeader, func(f *fieldReader) {
		est := EstimationRecord{DetectionRecord: readDetectionFields(f)}
		if f.str("est_lat") != "" && f.str("est_lng") != "" {
			est.Located = true
			est.EstLat = f.float("est_lat")
			est.EstLng = f.float("est_lng")
		}
		rows = append(rows, est)
	})
	return rows, err
}

// WriteAggregationTable writes one row per cluster; list columns are JSON arrays
func WriteAggregationTable(path string, clusters []Cluster) error {
	records := make([][]string, 0, len(clusters))
	for _, c := range clusters {
		labels, err := json.Marshal(nonNilInts(c.Labels))
		if err != nil {
			return err
		}
		images, err := json.Marshal(nonNilStrings(c.ImageIDs))
		if err != nil {
			return err
		}
		anns, err := json.Marshal(nonNilInts(c.AnnotationIDs))
		if err != nil {
			return err
		}
		records = append(records, []string{
			formatFloat(c.Point.Lat()), formatFloat(c.Point.Lon()),
			string(labels), string(images), string(anns),
		})
	}
	return writeTable(path, aggregationTableHeader, records)
}

// ReadAggregationTable reads an aggregation table written by WriteAggregationTable
func ReadAggregationTable(path string) ([]Cluster, error) {
	var clusters []Cluster
	var decodeErr error
	err := readTable(path, aggregationTableHeader, func(f *fieldReader) {
		c := Cluster{Point: orb.Point{f.float("lng"), f.float("lat")}}
		if err := json.Unmarshal([]byte(f.str("labels")), &c.Labels); err != nil && decodeErr == nil {
			decodeErr = fmt.Errorf("row %d labels: %w", f.row, err)
		}
		if err := json.Unmarshal([]byte(f.str("image_ids")), &c.ImageIDs); err != nil && decodeErr == nil {
			decodeErr = fmt.Errorf("row %d image_ids: %w", f.row, err)
		}
		if err := json.Unmarshal([]byte(f.str("annotation_ids")), &c.AnnotationIDs); err != nil && decodeErr == nil {
			decodeErr = fmt.Errorf("row %d annotation_ids: %w", f.row, err)
		}
		if len(c.ImageIDs) != len(c.AnnotationIDs) && decodeErr == nil {
			decodeErr = fmt.Errorf("row %d: %d image ids but %d annotation ids", f.row, len(c.ImageIDs), len(c.AnnotationIDs))
		}
		c.Density = len(c.ImageIDs)
		clusters = append(clusters, c)
	})
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("reading %s: %w", path, decodeErr)
	}
	return clusters, nil
}

// RemoveTables deletes the transient tables under dir, ignoring missing files
func RemoveTables(dir string) {
	for _, name := range []string{ImageTableFile, DetectionTableFile, EstimationTableFile, AggregationTableFile} {
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Warning: failed to remove %s: %v", path, err)
		}
	}
}

func writeTable(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.WriteAll(records); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

// fieldReader resolves named columns of one CSV record. Numeric parse
// failures are collected on the reader rather than returned per field.
type fieldReader struct {
	row    int
	rec    []string
	colMap map[string]int
	err    error
}

func (f *fieldReader) str(name string) string {
	i, ok := f.colMap[name]
	if !ok || i >= len(f.rec) {
		return ""
	}
	return strings.TrimSpace(f.rec[i])
}

func (f *fieldReader) float(name string) float64 {
	v, err := strconv.ParseFloat(f.str(name), 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("row %d column %s: %w", f.row, name, err)
	}
	return v
}

func (f *fieldReader) int(name string) int {
	s := f.str(name)
	v, err := strconv.Atoi(s)
	if err != nil {
		// tolerate integral floats such as "3.0"
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			if f.err == nil {
				f.err = fmt.Errorf("row %d column %s: %w", f.row, name, err)
			}
			return 0
		}
		v = int(fv)
	}
	return v
}

func readTable(path string, want []string, fn func(f *fieldReader)) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	colMap := make(map[string]int, len(header))
	for i, col := range header {
		colMap[strings.TrimSpace(col)] = i
	}
	for _, col := range want {
		if _, ok := colMap[col]; !ok {
			return fmt.Errorf("%s is missing column %q", path, col)
		}
	}

	row := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return fmt.Errorf("reading %s row %d: %w", path, row, err)
		}
		f := fieldReader{row: row, rec: rec, colMap: colMap}
		fn(&f)
		if f.err != nil {
			return fmt.Errorf("reading %s: %w", path, f.err)
		}
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
