package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Stage output markers appended to the annotation base name
const (
	ImageStageSuffix    = "_no_duplicates_image"
	LocationStageSuffix = "_no_duplicates_image_location"
)

// ErrOutputExists is returned when a stage output file is already present
var ErrOutputExists = errors.New("output file already exists")

// cocoFile is the subset of the COCO detection format the pipeline reads and writes
type cocoFile struct {
	Info        json.RawMessage  `json:"info,omitempty"`
	Licenses    json.RawMessage  `json:"licenses,omitempty"`
	Categories  []Category       `json:"categories"`
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
}

type cocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type cocoAnnotation struct {
	ID         int        `json:"id"`
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id"`
	BBox       [4]float64 `json:"bbox"` // x, y, width, height
	Area       float64    `json:"area"`
	IsCrowd    int        `json:"iscrowd"`
	Score      *float64   `json:"score,omitempty"`
}

// Dataset is the in-memory working set of images and their detections
type Dataset struct {
	Categories []Category
	Images     []*Image

	info     json.RawMessage
	licenses json.RawMessage
	byName   map[string]*Image
}

// NewDataset builds a dataset from categories and images
func NewDataset(categories []Category, images []*Image) (*Dataset, error) {
	d := &Dataset{
		Categories: categories,
		Images:     images,
		byName:     make(map[string]*Image, len(images)),
	}
	for _, img := range images {
		if _, dup := d.byName[img.FileName]; dup {
			return nil, fmt.Errorf("duplicate image file name %q", img.FileName)
		}
		if img.Source == "" {
			img.Source = img.FileName
		}
		d.byName[img.FileName] = img
	}
	return d, nil
}

// LoadDataset reads a COCO annotation file
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening annotations: %w", err)
	}
	defer f.Close()

	d, err := ParseCOCO(f)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return d, nil
}

// ParseCOCO decodes a COCO payload. Detections keep their payload order
// within each image.
func ParseCOCO(r io.Reader) (*Dataset, error) {
	var payload cocoFile
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding COCO JSON: %w", err)
	}

	images := make([]*Image, 0, len(payload.Images))
	byID := make(map[int]*Image, len(payload.Images))
	for _, ci := range payload.Images {
		img := &Image{
			ID:       ci.ID,
			FileName: ci.FileName,
			Width:    ci.Width,
			Height:   ci.Height,
		}
		images = append(images, img)
		byID[ci.ID] = img
	}

	for _, ann := range payload.Annotations {
		img, ok := byID[ann.ImageID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown image %d", ann.ID, ann.ImageID)
		}
		det := Detection{
			ClassID: ann.CategoryID,
			Box: Box{
				Left:   ann.BBox[0],
				Top:    ann.BBox[1],
				Right:  ann.BBox[0] + ann.BBox[2],
				Bottom: ann.BBox[1] + ann.BBox[3],
			},
		}
		if ann.Score != nil {
			det.Confidence = *ann.Score
		} else {
			det.Confidence = 1
		}
		img.Detections = append(img.Detections, det)
	}

	d, err := NewDataset(payload.Categories, images)
	if err != nil {
		return nil, err
	}
	d.info = payload.Info
	d.licenses = payload.Licenses
	return d, nil
}

// Image returns the image with the given file name, or nil
func (d *Dataset) Image(name string) *Image {
	return d.byName[name]
}

// DetectionCount returns the total number of detections in the working set
func (d *Dataset) DetectionCount() int {
	n := 0
	for _, img := range d.Images {
		n += len(img.Detections)
	}
	return n
}

// ClassIDs maps category names to ids, case-insensitively. Unknown names are skipped.
func (d *Dataset) ClassIDs(names []string) []int {
	index := make(map[string]int, len(d.Categories))
	for _, c := range d.Categories {
		index[strings.ToLower(c.Name)] = c.ID
	}
	var ids []int
	for _, name := range names {
		if id, ok := index[strings.ToLower(name)]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// AssignPoses parses the capture pose of every image from its file name.
// rename maps the annotation file name to the image store name and may be nil.
// Images whose names cannot be parsed stay unlocated and are logged; names
// carrying only a position are located but have no pose.
func (d *Dataset) AssignPoses(rename func(string) string) {
	for _, img := range d.Images {
		img.Source = img.FileName
		if rename != nil {
			img.Source = rename(img.FileName)
		}
		pose, err := ParseImagePose(filepath.Base(img.Source))
		if err != nil {
			log.Printf("Warning: %s: %v", img.FileName, err)
			img.Located = false
			img.HasPose = false
			continue
		}
		img.Lat = pose.Lat
		img.Lon = pose.Lon
		img.Heading = pose.Heading
		img.FOV = pose.FOV
		img.Date = pose.Date
		img.Located = true
		img.HasPose = pose.HasPose
	}
}

// RemoveDetections deletes the referenced detections. Each image's detection
// list is rebuilt from the surviving indices, so several deletions per image
// never shift one another. Images left without detections leave the working
// set. Returns the number of detections removed.
func (d *Dataset) RemoveDetections(refs []NodeRef) (int, error) {
	doomed := make(map[string]map[int]bool)
	for _, ref := range refs {
		img := d.byName[ref.Image]
		if img == nil {
			return 0, fmt.Errorf("deletion references unknown image %q", ref.Image)
		}
		if ref.Detection < 0 || ref.Detection >= len(img.Detections) {
			return 0, fmt.Errorf("deletion references detection %d of %q which has %d",
				ref.Detection, ref.Image, len(img.Detections))
		}
		if doomed[ref.Image] == nil {
			doomed[ref.Image] = make(map[int]bool)
		}
		doomed[ref.Image][ref.Detection] = true
	}

	removed := 0
	kept := d.Images[:0:0]
	for _, img := range d.Images {
		drop := doomed[img.FileName]
		if len(drop) > 0 {
			survivors := make([]Detection, 0, len(img.Detections)-len(drop))
			for i, det := range img.Detections {
				if !drop[i] {
					survivors = append(survivors, det)
				}
			}
			removed += len(img.Detections) - len(survivors)
			img.Detections = survivors
			if len(img.Detections) == 0 {
				delete(d.byName, img.FileName)
				continue
			}
		}
		kept = append(kept, img)
	}
	d.Images = kept

	return removed, nil
}

// EncodeCOCO writes the working set as a COCO payload
func (d *Dataset) EncodeCOCO(w io.Writer) error {
	payload := cocoFile{
		Info:        d.info,
		Licenses:    d.licenses,
		Categories:  d.Categories,
		Images:      make([]cocoImage, 0, len(d.Images)),
		Annotations: make([]cocoAnnotation, 0, d.DetectionCount()),
	}
	if payload.Categories == nil {
		payload.Categories = []Category{}
	}

	annID := 1
	for _, img := range d.Images {
		payload.Images = append(payload.Images, cocoImage{
			ID:       img.ID,
			FileName: img.FileName,
			Width:    img.Width,
			Height:   img.Height,
		})
		for _, det := range img.Detections {
			bw, bh := det.Box.Width(), det.Box.Height()
			score := det.Confidence
			payload.Annotations = append(payload.Annotations, cocoAnnotation{
				ID:         annID,
				ImageID:    img.ID,
				CategoryID: det.ClassID,
				BBox:       [4]float64{det.Box.Left, det.Box.Top, bw, bh},
				Area:       bw * bh,
				Score:      &score,
			})
			annID++
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encoding COCO JSON: %w", err)
	}
	return nil
}

// WriteCOCO writes the working set to path. The file must not exist yet.
func (d *Dataset) WriteCOCO(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrOutputExists, path)
		}
		return fmt.Errorf("creating output file: %w", err)
	}

	if err := d.EncodeCOCO(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// StageOutputPath returns outputDir/<base><suffix>.json where base is the
// annotation file name without its extension and any stage marker
func StageOutputPath(annotations, outputDir, suffix string) string {
	base := strings.TrimSuffix(filepath.Base(annotations), filepath.Ext(annotations))
	base = strings.TrimSuffix(base, LocationStageSuffix)
	base = strings.TrimSuffix(base, ImageStageSuffix)
	return filepath.Join(outputDir, base+suffix+".json")
}

// CheckOutputFree fails when path already exists
func CheckOutputFree(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrOutputExists, path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("checking output %s: %w", path, err)
	}
	return nil
}

// ImagePose is the capture metadata encoded in an image file name
type ImagePose struct {
	Lat          float64
	Lon          float64
	HeadingIndex int
	SideIndex    int
	Heading      float64
	FOV          float64
	Date         string
	HasPose      bool // heading and FOV parsed
}

// ParseImagePose parses lat_lon_headingIndex_sideIndex_heading_fov_date.ext.
// Latitude and longitude are required. HasPose is set only when all seven
// tokens are present with a numeric heading and a positive FOV; otherwise the
// pose carries the position alone.
func ParseImagePose(name string) (ImagePose, error) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(stem, "_")
	if len(parts) < 2 {
		return ImagePose{}, fmt.Errorf("image name %q has no lat_lon prefix", name)
	}

	var pose ImagePose
	var err error
	if pose.Lat, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return ImagePose{}, fmt.Errorf("parsing latitude of %q: %w", name, err)
	}
	if pose.Lon, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return ImagePose{}, fmt.Errorf("parsing longitude of %q: %w", name, err)
	}
	if pose.Lat < -90 || pose.Lat > 90 || pose.Lon < -180 || pose.Lon > 180 {
		return ImagePose{}, fmt.Errorf("image name %q has out of range coordinates", name)
	}

	if len(parts) < 7 {
		return pose, nil
	}
	heading, errH := strconv.ParseFloat(parts[4], 64)
	fov, errF := strconv.ParseFloat(parts[5], 64)
	if errH != nil || errF != nil || fov <= 0 {
		return pose, nil
	}
	pose.HeadingIndex, _ = strconv.Atoi(parts[2])
	pose.SideIndex, _ = strconv.Atoi(parts[3])
	pose.Heading = heading
	pose.FOV = fov
	pose.Date = parts[6]
	pose.HasPose = true

	return pose, nil
}

// RoboflowRenamer returns a function restoring the original image name from
// a Roboflow export name: the "_jpg..." suffix is dropped and the given
// occurrences of char are turned back into dots
func RoboflowRenamer(char string, positions []int) func(string) string {
	return func(path string) string {
		name := strings.Split(filepath.Base(path), "_jpg")[0]
		name = replaceOccurrences(name, char, ".", positions)
		return filepath.Join(filepath.Dir(path), name+".jpg")
	}
}

// replaceOccurrences replaces the n-th occurrences (1-based) of target
func replaceOccurrences(s, target, replacement string, positions []int) string {
	if target == "" {
		return s
	}
	want := make(map[int]bool, len(positions))
	for _, p := range positions {
		want[p] = true
	}

	var b strings.Builder
	count := 0
	for {
		i := strings.Index(s, target)
		if i < 0 {
			b.WriteString(s)
			break
		}
		count++
		b.WriteString(s[:i])
		if want[count] {
			b.WriteString(replacement)
		} else {
			b.WriteString(target)
		}
		s = s[i+len(target):]
	}
	return b.String()
}
