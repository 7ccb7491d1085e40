package dedup

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// Stage names, also used as MQTT topic suffixes
const (
	StageImage    = "image"
	StageLocation = "location"
	StageAll      = "all"
)

// ErrMissingPrerequisite is returned when a stage's input artifact is absent
var ErrMissingPrerequisite = errors.New("missing prerequisite artifact")

// Pipeline runs the reduction stages over one area. Components left nil are
// built from the configuration when a stage starts.
type Pipeline struct {
	Config    *Config
	Store     ImageStore
	Verifiers []Verifier
	Locator   Locator
	Publisher *Publisher
	RunID     string

	rng *Rand
}

// NewPipeline creates a pipeline with a fresh run id and the configured seed
func NewPipeline(cfg *Config) *Pipeline {
	return &Pipeline{
		Config: cfg,
		Store:  NewDirStore(cfg.ImagesDir),
		RunID:  uuid.NewString(),
		rng:    NewRand(cfg.GetSeed()),
	}
}

// Run executes the requested stage, or every enabled stage in order for
// StageAll, publishing each report when a publisher is set
func (p *Pipeline) Run(stage string) ([]StageReport, error) {
	var stages []string
	switch stage {
	case StageAll, "":
		if p.Config.ImageRemoval.Enabled {
			stages = append(stages, StageImage)
		}
		if p.Config.LocationRemoval.Enabled {
			stages = append(stages, StageLocation)
		}
	case StageImage, StageLocation:
		stages = []string{stage}
	default:
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	var reports []StageReport
	for _, s := range stages {
		var report StageReport
		var err error
		if s == StageImage {
			report, err = p.RunImageRemoval()
		} else {
			report, err = p.RunLocationRemoval()
		}
		if err != nil {
			return reports, fmt.Errorf("%s stage: %w", s, err)
		}
		reports = append(reports, report)

		if p.Publisher != nil {
			if err := p.Publisher.PublishReport(report); err != nil {
				log.Printf("Warning: failed to publish %s report: %v", s, err)
			}
		}
	}
	return reports, nil
}

func (p *Pipeline) renamer() func(string) string {
	rf := p.Config.ImageRemoval.Roboflow
	if !rf.Enabled {
		return nil
	}
	return RoboflowRenamer(rf.Character, rf.Positions)
}

func (p *Pipeline) outputDir(input string) string {
	if p.Config.OutputDir != "" {
		return p.Config.OutputDir
	}
	return filepath.Dir(input)
}

func (p *Pipeline) newReport(stage, output string, d *Dataset) StageReport {
	return StageReport{
		RunID:            p.RunID,
		Stage:            stage,
		ImagesBefore:     len(d.Images),
		DetectionsBefore: d.DetectionCount(),
		Output:           output,
	}
}

func (p *Pipeline) finishReport(report *StageReport, d *Dataset, removed int) {
	report.ImagesAfter = len(d.Images)
	report.DetectionsAfter = d.DetectionCount()
	report.Removed = removed
	report.Timestamp = time.Now().Unix()
}

// RunImageRemoval deletes detections that several verifiers agree show the
// same object in neighbouring images, keeping one per equivalence class
func (p *Pipeline) RunImageRemoval() (StageReport, error) {
	cfg := p.Config
	ir := cfg.ImageRemoval

	output := StageOutputPath(cfg.Annotations, p.outputDir(cfg.Annotations), ImageStageSuffix)
	if err := CheckOutputFree(output); err != nil {
		return StageReport{}, err
	}

	d, err := LoadDataset(cfg.Annotations)
	if err != nil {
		return StageReport{}, err
	}
	d.AssignPoses(p.renamer())
	report := p.newReport(StageImage, output, d)
	log.Printf("[%s] Image removal: %d images, %d detections", p.RunID, report.ImagesBefore, report.DetectionsBefore)

	classIDs := d.ClassIDs(ir.Classes)
	if len(classIDs) == 0 {
		return StageReport{}, fmt.Errorf("none of the classes %v are in the annotation categories", ir.Classes)
	}
	classes := make(map[int]bool, len(classIDs))
	for _, id := range classIDs {
		classes[id] = true
	}

	var images []*Image
	for _, img := range NeighborImages(d, classes) {
		if !p.Store.Exists(img.Source) {
			log.Printf("Warning: image %s not found in store, skipping", img.Source)
			continue
		}
		images = append(images, img)
	}

	var pairs []CandidatePair
	idx, err := NewGeoNeighborIndex(images, ir.NeighborDistanceMeters)
	switch {
	case errors.Is(err, ErrTooFewImages):
		log.Printf("[%s] Warning: %v, nothing to compare", p.RunID, err)
	case err != nil:
		return StageReport{}, err
	default:
		pairs = idx.CandidatePairs()
	}
	log.Printf("[%s] %d candidate image pairs within %.0f m", p.RunID, len(pairs), ir.NeighborDistanceMeters)

	verifiers := p.Verifiers
	if verifiers == nil {
		if verifiers, err = NewVerifiers(ir.Verifiers); err != nil {
			return StageReport{}, err
		}
	}

	va := NewVoteAggregator(p.Store, verifiers)
	if ir.SaveDuplicateCrops {
		va.AuditDir = ir.DuplicateCropsDir
		if !filepath.IsAbs(va.AuditDir) {
			va.AuditDir = filepath.Join(filepath.Dir(output), va.AuditDir)
		}
		if err := os.MkdirAll(va.AuditDir, 0755); err != nil {
			return StageReport{}, fmt.Errorf("creating duplicate crops directory: %w", err)
		}
	}

	edges, err := va.FindDuplicates(d, pairs, classIDs)
	if err != nil {
		return StageReport{}, err
	}

	eqClasses, removed, err := ReduceImageDuplicates(d, edges, p.rng)
	if err != nil {
		return StageReport{}, err
	}
	log.Printf("[%s] %d duplicate edges in %d equivalence classes, removed %d detections",
		p.RunID, len(edges), len(eqClasses), removed)

	if err := d.WriteCOCO(output); err != nil {
		return StageReport{}, err
	}

	p.finishReport(&report, d, removed)
	return report, nil
}

// locationInput returns the annotation file the location stage reads
func (p *Pipeline) locationInput() (string, error) {
	cfg := p.Config
	input := cfg.LocationRemoval.Annotations
	if input == "" {
		input = StageOutputPath(cfg.Annotations, p.outputDir(cfg.Annotations), ImageStageSuffix)
	}

	if !strings.Contains(filepath.Base(input), ImageStageSuffix) {
		return "", fmt.Errorf("%w: %s is not an image removal output (no %s marker)",
			ErrMissingPrerequisite, input, ImageStageSuffix)
	}
	if _, err := os.Stat(input); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: image removal output %s does not exist", ErrMissingPrerequisite, input)
		}
		return "", fmt.Errorf("checking %s: %w", input, err)
	}
	return input, nil
}

// RunLocationRemoval estimates the position of every detection of the
// configured class, aggregates the estimates into objects and prunes
// detections that redundantly corroborate the same object
func (p *Pipeline) RunLocationRemoval() (StageReport, error) {
	cfg := p.Config
	lr := cfg.LocationRemoval

	input, err := p.locationInput()
	if err != nil {
		return StageReport{}, err
	}
	output := StageOutputPath(input, p.outputDir(input), LocationStageSuffix)
	if err := CheckOutputFree(output); err != nil {
		return StageReport{}, err
	}

	d, err := LoadDataset(input)
	if err != nil {
		return StageReport{}, err
	}
	d.AssignPoses(p.renamer())
	report := p.newReport(StageLocation, output, d)
	log.Printf("[%s] Location removal: %d images, %d detections", p.RunID, report.ImagesBefore, report.DetectionsBefore)

	classIDs := d.ClassIDs([]string{lr.ClassName})
	if len(classIDs) == 0 {
		return StageReport{}, fmt.Errorf("class %q is not in the annotation categories", lr.ClassName)
	}

	var buildings []*Building
	locator := p.Locator
	if locator == nil {
		bound, err := lr.Bound()
		if err != nil {
			return StageReport{}, err
		}
		buildings, err = LoadBuildings(lr.BuildingsFile, bound)
		if err != nil {
			return StageReport{}, err
		}
		locator = NewRaycastLocator(NewBuildingIndex(buildings, lr.GridInterval), lr.MaxRayDistance)
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(output)
	}
	defer RemoveTables(workDir)

	clusters, estimates, err := p.locateAndAggregate(d, classIDs[0], locator, workDir)
	if err != nil {
		return StageReport{}, err
	}

	removed, err := ReduceLocationDuplicates(d, clusters, p.rng)
	if err != nil {
		return StageReport{}, err
	}
	log.Printf("[%s] %d objects aggregated from %d estimates, removed %d detections",
		p.RunID, len(clusters), len(estimates), removed)

	if lr.Viz {
		base := strings.TrimSuffix(output, ".json")
		p.writeClusterMap(base+".svg", d, buildings, estimates, clusters)
		if err := WriteClusterGeoJSON(base+".geojson", clusters, buildings); err != nil {
			log.Printf("Warning: failed to write cluster GeoJSON: %v", err)
		}
	}

	if err := d.WriteCOCO(output); err != nil {
		return StageReport{}, err
	}

	p.finishReport(&report, d, removed)
	return report, nil
}

// locateAndAggregate runs the table hand-off: image and detection tables,
// estimates, then aggregated clusters, each read back from its file
func (p *Pipeline) locateAndAggregate(d *Dataset, classID int, locator Locator, workDir string) ([]Cluster, []GeoPoint, error) {
	lr := p.Config.LocationRemoval
	imagePath := filepath.Join(workDir, ImageTableFile)
	detPath := filepath.Join(workDir, DetectionTableFile)
	estPath := filepath.Join(workDir, EstimationTableFile)
	aggPath := filepath.Join(workDir, AggregationTableFile)

	log.Printf("[%s] Creating annotations for image and detections...", p.RunID)
	imgRows, detRows := BuildLocationTables(d, classID, lr.CameraHeight)
	if err := WriteImageTable(imagePath, imgRows); err != nil {
		return nil, nil, err
	}
	if err := WriteDetectionTable(detPath, detRows); err != nil {
		return nil, nil, err
	}

	log.Printf("[%s] Estimating locations of detections...", p.RunID)
	imgRows, err := ReadImageTable(imagePath)
	if err != nil {
		return nil, nil, err
	}
	detRows, err = ReadDetectionTable(detPath)
	if err != nil {
		return nil, nil, err
	}
	if err := WriteEstimationTable(estPath, EstimateLocations(imgRows, detRows, locator, lr.ImageWidth)); err != nil {
		return nil, nil, err
	}

	log.Printf("[%s] Aggregating detections...", p.RunID)
	estRows, err := ReadEstimationTable(estPath)
	if err != nil {
		return nil, nil, err
	}
	points := EstimatedPoints(estRows)
	if err := WriteAggregationTable(aggPath, AggregateEstimates(points, lr.MinShopDistance, p.rng)); err != nil {
		return nil, nil, err
	}

	clusters, err := ReadAggregationTable(aggPath)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("[%s] After aggregation, %d store locations were left", p.RunID, len(clusters))
	return clusters, points, nil
}

func (p *Pipeline) writeClusterMap(path string, d *Dataset, buildings []*Building, estimates []GeoPoint, clusters []Cluster) {
	var cameras []orb.Point
	for _, img := range d.Images {
		if img.Located {
			cameras = append(cameras, img.Point())
		}
	}
	m := NewClusterMap(buildings, cameras, estimates, clusters, p.Config.LocationRemoval.MinShopDistance)
	if err := m.WriteFile(path); err != nil {
		log.Printf("Warning: failed to write cluster map: %v", err)
		return
	}
	log.Printf("[%s] Wrote cluster map to %s", p.RunID, path)
}
