package dedup

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Box is an axis-aligned detection box in pixel coordinates
type Box struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
}

// Width returns the horizontal extent of the box
func (b Box) Width() float64 { return b.Right - b.Left }

// Height returns the vertical extent of the box
func (b Box) Height() float64 { return b.Bottom - b.Top }

// CenterX returns the horizontal pixel center
func (b Box) CenterX() float64 { return (b.Left + b.Right) / 2 }

// Detection is a single detector output owned by one Image
type Detection struct {
	ClassID    int     `json:"classId"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Image is one street-level capture and the detections recorded on it.
// Pose fields are parsed from the file name and stay untouched after loading.
type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"fileName"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`

	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Heading float64 `json:"heading"`
	Pitch   float64 `json:"pitch"`
	FOV     float64 `json:"fov"`
	Date    string  `json:"date"`

	// Source is the name used to fetch pixels from the image store; it differs
	// from FileName for Roboflow exports.
	Source  string `json:"source"`
	Located bool   `json:"located"` // Lat and Lon are known
	HasPose bool   `json:"hasPose"` // Heading and FOV are known as well

	Detections []Detection `json:"detections"`
}

// Point returns the camera position as an orb point (lon, lat)
func (img *Image) Point() orb.Point {
	return orb.Point{img.Lon, img.Lat}
}

// CountClass returns how many detections of the given classes the image holds
func (img *Image) CountClass(classes map[int]bool) int {
	n := 0
	for _, d := range img.Detections {
		if classes[d.ClassID] {
			n++
		}
	}
	return n
}

// DetectionIndices returns the indices of detections with the given class id
func (img *Image) DetectionIndices(classID int) []int {
	var idx []int
	for i, d := range img.Detections {
		if d.ClassID == classID {
			idx = append(idx, i)
		}
	}
	return idx
}

// Category is a detector class as listed in the annotation payload
type Category struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Supercategory string `json:"supercategory,omitempty"`
}

// NodeRef identifies one detection: the owning image file name and the
// detection index within that image
type NodeRef struct {
	Image     string `json:"image"`
	Detection int    `json:"detection"`
}

func (n NodeRef) String() string {
	return fmt.Sprintf("%s#%d", n.Image, n.Detection)
}

// less orders node refs by image name, then detection index
func (n NodeRef) less(o NodeRef) bool {
	if n.Image != o.Image {
		return n.Image < o.Image
	}
	return n.Detection < o.Detection
}

// CandidatePair is an unordered pair of neighbouring images, stored with A < B
type CandidatePair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// DuplicateEdge links two detections of identical class judged to be the same object
type DuplicateEdge struct {
	A         NodeRef `json:"a"`
	B         NodeRef `json:"b"`
	ClassID   int     `json:"classId"`
	Votes     int     `json:"votes"`
	Verifiers int     `json:"verifiers"`
}

// GeoPoint is an estimated real-world position for one detection
type GeoPoint struct {
	Point     orb.Point `json:"point"` // lon, lat
	Label     int       `json:"label"`
	Image     string    `json:"image"`
	Detection int       `json:"detection"`
}

// Cluster is a density-peak exemplar together with every detection that
// aggregated into it. ImageIDs and AnnotationIDs are positionally paired.
type Cluster struct {
	Point         orb.Point `json:"point"`
	Density       int       `json:"density"`
	Isolation     float64   `json:"-"` // squared planar distance to the nearest denser point
	Labels        []int     `json:"labels"`
	ImageIDs      []string  `json:"imageIds"`
	AnnotationIDs []int     `json:"annotationIds"`
}

// Members returns the cluster membership as node refs
func (c Cluster) Members() []NodeRef {
	refs := make([]NodeRef, len(c.ImageIDs))
	for i := range c.ImageIDs {
		refs[i] = NodeRef{Image: c.ImageIDs[i], Detection: c.AnnotationIDs[i]}
	}
	return refs
}

// StageReport summarises one completed reduction stage
type StageReport struct {
	RunID            string `json:"runId"`
	Stage            string `json:"stage"`
	ImagesBefore     int    `json:"imagesBefore"`
	ImagesAfter      int    `json:"imagesAfter"`
	DetectionsBefore int    `json:"detectionsBefore"`
	DetectionsAfter  int    `json:"detectionsAfter"`
	Removed          int    `json:"removed"`
	Output           string `json:"output"`
	Timestamp        int64  `json:"timestamp"`
}

// VerifierConfig selects a built-in verifier and its match-count threshold
type VerifierConfig struct {
	Name      string  `yaml:"name" json:"name"`
	Threshold float64 `yaml:"threshold" json:"threshold"`
	MinSide   int     `yaml:"minSide,omitempty" json:"minSide,omitempty"` // Upscale crops whose shorter side is below this
}

// RoboflowConfig describes how Roboflow mangled exported image names
type RoboflowConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Character string `yaml:"character,omitempty" json:"character,omitempty"`
	Positions []int  `yaml:"positions,omitempty" json:"positions,omitempty"`
}

// ImageRemovalConfig configures the visual duplicate stage
type ImageRemovalConfig struct {
	Enabled                bool             `yaml:"enabled" json:"enabled"`
	Classes                []string         `yaml:"classes" json:"classes"`
	NeighborDistanceMeters float64          `yaml:"neighborDistanceMeters,omitempty" json:"neighborDistanceMeters,omitempty"`
	Verifiers              []VerifierConfig `yaml:"verifiers" json:"verifiers"`
	SaveDuplicateCrops     bool             `yaml:"saveDuplicateCrops,omitempty" json:"saveDuplicateCrops,omitempty"`
	DuplicateCropsDir      string           `yaml:"duplicateCropsDir,omitempty" json:"duplicateCropsDir,omitempty"`
	Roboflow               RoboflowConfig   `yaml:"roboflow,omitempty" json:"roboflow,omitempty"`
}

// LocationRemovalConfig configures the location duplicate stage
type LocationRemovalConfig struct {
	Enabled         bool        `yaml:"enabled" json:"enabled"`
	ClassName       string      `yaml:"className" json:"className"`
	Annotations     string      `yaml:"annotations,omitempty" json:"annotations,omitempty"` // Defaults to the image stage output
	BuildingsFile   string      `yaml:"buildingsFile" json:"buildingsFile"`
	BoundingBox     []float64   `yaml:"boundingBox,omitempty" json:"boundingBox,omitempty"` // minLat, minLon, maxLat, maxLon
	Polygon         [][]float64 `yaml:"polygon,omitempty" json:"polygon,omitempty"`         // [lat, lon] pairs
	MinShopDistance float64     `yaml:"minShopDistance,omitempty" json:"minShopDistance,omitempty"`
	GridInterval    float64     `yaml:"gridInterval,omitempty" json:"gridInterval,omitempty"`
	CameraHeight    float64     `yaml:"cameraHeight,omitempty" json:"cameraHeight,omitempty"`
	ImageWidth      int         `yaml:"imageWidth,omitempty" json:"imageWidth,omitempty"`
	ImageHeight     int         `yaml:"imageHeight,omitempty" json:"imageHeight,omitempty"`
	MaxRayDistance  float64     `yaml:"maxRayDistance,omitempty" json:"maxRayDistance,omitempty"`
	Viz             bool        `yaml:"viz,omitempty" json:"viz,omitempty"`
}

// MQTTConfig holds MQTT connection settings for stage reports
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Config represents the full configuration file
type Config struct {
	Annotations     string                `yaml:"annotations" json:"annotations"`
	ImagesDir       string                `yaml:"imagesDir" json:"imagesDir"`
	OutputDir       string                `yaml:"outputDir,omitempty" json:"outputDir,omitempty"`
	WorkDir         string                `yaml:"workDir,omitempty" json:"workDir,omitempty"`
	Seed            *uint64               `yaml:"seed,omitempty" json:"seed,omitempty"`
	ImageRemoval    ImageRemovalConfig    `yaml:"imageRemoval" json:"imageRemoval"`
	LocationRemoval LocationRemovalConfig `yaml:"locationRemoval" json:"locationRemoval"`
	MQTT            MQTTConfig            `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
}

// GetSeed returns the configured seed or the default
func (c *Config) GetSeed() uint64 {
	if c.Seed != nil {
		return *c.Seed
	}
	return DefaultSeed
}

// Bound returns the location stage bounding box as an orb bound
// (lon on X, lat on Y). The polygon's enclosing rectangle is used when no
// explicit box is configured.
func (lc *LocationRemovalConfig) Bound() (orb.Bound, error) {
	if len(lc.BoundingBox) == 4 {
		b := lc.BoundingBox
		return orb.Bound{
			Min: orb.Point{b[1], b[0]},
			Max: orb.Point{b[3], b[2]},
		}, nil
	}
	if len(lc.Polygon) > 0 {
		return EnclosingRectangle(lc.Polygon)
	}
	return orb.Bound{}, fmt.Errorf("locationRemoval needs boundingBox or polygon")
}

// EnclosingRectangle returns the bound enclosing a list of [lat, lon] coordinates
func EnclosingRectangle(coords [][]float64) (orb.Bound, error) {
	var b orb.Bound
	for i, c := range coords {
		if len(c) != 2 {
			return orb.Bound{}, fmt.Errorf("polygon[%d] must be [lat, lon]", i)
		}
		p := orb.Point{c[1], c[0]}
		if i == 0 {
			b = p.Bound()
			continue
		}
		b = b.Extend(p)
	}
	return b, nil
}
