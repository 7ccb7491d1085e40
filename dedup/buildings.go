package dedup

import (
	"compress/gzip"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Building is a footprint polygon flattened to its exterior nodes (lon, lat)
type Building struct {
	Ref        int
	Nodes      []orb.Point
	Shape      orb.MultiPolygon
	Area       float64 // square meters, from the source row
	Confidence float64
	PlusCode   string
}

// BuildingIndex buckets footprints into a uniform grid over a local planar
// frame anchored at the minimum latitude/longitude of all nodes. Cell
// (floor(x/interval)+1, floor(y/interval)+1) holds every footprint with a node
// in it; the +1 leaves a halo ring around the populated cells.
type BuildingIndex struct {
	Buildings []*Building
	Interval  float64

	frame LocalFrame
	nx    int
	ny    int
	grid  [][][]*Building
}

// NewBuildingIndex builds the grid over the given footprints
func NewBuildingIndex(buildings []*Building, interval float64) *BuildingIndex {
	if interval <= 0 {
		interval = DefaultGridInterval
	}
	idx := &BuildingIndex{Buildings: buildings, Interval: interval}

	var bound orb.Bound
	first := true
	for _, b := range buildings {
		for _, nd := range b.Nodes {
			if first {
				bound = nd.Bound()
				first = false
				continue
			}
			bound = bound.Extend(nd)
		}
	}

	idx.frame = NewLocalFrame(bound.Min)
	width, height := idx.frame.XY(bound.Max)
	idx.nx = int(math.Abs(width)/interval) + 3
	idx.ny = int(math.Abs(height)/interval) + 3

	idx.grid = make([][][]*Building, idx.nx)
	for i := range idx.grid {
		idx.grid[i] = make([][]*Building, idx.ny)
	}

	for _, b := range buildings {
		for _, nd := range b.Nodes {
			i, j := idx.cell(nd)
			if i+1 >= 0 && j+1 >= 0 && i+1 < idx.nx && j+1 < idx.ny {
				idx.grid[i+1][j+1] = append(idx.grid[i+1][j+1], b)
			}
		}
	}

	return idx
}

// cell returns the unshifted grid cell of a point. Points west or south of
// the grid origin land in negative cells.
func (idx *BuildingIndex) cell(p orb.Point) (int, int) {
	x, y := idx.frame.XY(p)
	return int(math.Floor(x / idx.Interval)), int(math.Floor(y / idx.Interval))
}

// Frame returns the planar frame the grid is built on
func (idx *BuildingIndex) Frame() LocalFrame {
	return idx.frame
}

// FindBuildings returns the distinct footprints bucketed in the 6x6 cell
// neighbourhood (offsets -2..+3) of p. Points off the grid, including those
// far west or south of it, yield nothing.
func (idx *BuildingIndex) FindBuildings(p orb.Point) []*Building {
	if len(idx.Buildings) == 0 {
		return nil
	}
	ci, cj := idx.cell(p)

	seen := make(map[*Building]bool)
	var out []*Building
	for di := -2; di <= 3; di++ {
		i := ci + di
		if i < 0 || i >= idx.nx {
			continue
		}
		for dj := -2; dj <= 3; dj++ {
			j := cj + dj
			if j < 0 || j >= idx.ny {
				continue
			}
			for _, b := range idx.grid[i][j] {
				if !seen[b] {
					seen[b] = true
					out = append(out, b)
				}
			}
		}
	}
	return out
}

// FindNearestBuilding returns the candidate footprint owning the node closest
// to p, or nil when no footprint is near
func (idx *BuildingIndex) FindNearestBuilding(p orb.Point) *Building {
	var nearest *Building
	best := math.Inf(1)
	for _, b := range idx.FindBuildings(p) {
		for _, nd := range b.Nodes {
			if d := idx.frame.Distance(p, nd); d < best {
				best = d
				nearest = b
			}
		}
	}
	return nearest
}

// ParseFootprint parses a WKT footprint. Only non-empty polygons and
// multipolygons are accepted.
func ParseFootprint(text string) (orb.MultiPolygon, error) {
	geom, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, fmt.Errorf("parsing geometry: %w", err)
	}

	var mp orb.MultiPolygon
	switch g := geom.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{g}
	case orb.MultiPolygon:
		mp = g
	default:
		return nil, fmt.Errorf("unsupported geometry type %s", geom.GeoJSONType())
	}

	for _, poly := range mp {
		if len(poly) > 0 && len(poly[0]) > 0 {
			return mp, nil
		}
	}
	return nil, fmt.Errorf("empty geometry")
}

// exteriorNodes collects the exterior ring nodes of every polygon
func exteriorNodes(mp orb.MultiPolygon) []orb.Point {
	var nodes []orb.Point
	for _, poly := range mp {
		if len(poly) == 0 {
			continue
		}
		nodes = append(nodes, poly[0]...)
	}
	return nodes
}

// LoadBuildings reads an Open Buildings style CSV (optionally gzip
// compressed) and keeps footprints intersecting bound. Rows whose geometry
// cannot be used are logged and skipped.
func LoadBuildings(path string, bound orb.Bound) ([]*Building, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening buildings file: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	return ReadBuildings(r, bound)
}

// ReadBuildings parses building rows from r; see LoadBuildings
func ReadBuildings(r io.Reader, bound orb.Bound) ([]*Building, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read buildings header: %w", err)
	}
	colMap := make(map[string]int)
	for i, col := range header {
		colMap[strings.TrimSpace(col)] = i
	}
	geomCol, ok := colMap["geometry"]
	if !ok {
		return nil, fmt.Errorf("buildings file has no geometry column")
	}

	var buildings []*Building
	row := 0
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			log.Printf("Warning: buildings row %d: %v", row, err)
			continue
		}
		if geomCol >= len(rec) {
			log.Printf("Warning: buildings row %d has no geometry", row)
			continue
		}

		shape, err := ParseFootprint(rec[geomCol])
		if err != nil {
			log.Printf("Warning: failed to process building %d: %v", row, err)
			continue
		}
		if !shape.Bound().Intersects(bound) {
			continue
		}

		b := &Building{
			Ref:        row,
			Nodes:      exteriorNodes(shape),
			Shape:      shape,
			Area:       parseOptionalFloat(rec, colMap, "area_in_meters"),
			Confidence: parseOptionalFloat(rec, colMap, "confidence"),
		}
		if i, ok := colMap["full_plus_code"]; ok && i < len(rec) {
			b.PlusCode = rec[i]
		}
		buildings = append(buildings, b)
	}

	log.Printf("Filtered %d buildings within the bounding box", len(buildings))
	return buildings, nil
}

// parseOptionalFloat reads a numeric column, returning 0 when absent
func parseOptionalFloat(rec []string, colMap map[string]int, name string) float64 {
	i, ok := colMap[name]
	if !ok || i >= len(rec) {
		return 0
	}
	v, _ := strconv.ParseFloat(rec[i], 64)
	return v
}
