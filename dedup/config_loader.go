package dedup

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by LoadConfig when a key is omitted
const (
	DefaultSeed                   uint64  = 10
	DefaultNeighborDistanceMeters float64 = 30
	DefaultDuplicateCropsDir              = "duplicate_crops"
	DefaultMinShopDistance        float64 = 8
	DefaultGridInterval           float64 = 50
	DefaultCameraHeight           float64 = 1.979
	DefaultImageSize                      = 640
	DefaultMaxRayDistance         float64 = 50
	DefaultRoboflowCharacter              = "_"
)

// DefaultRoboflowPositions are the underscore occurrences Roboflow substitutes
// for dots in lat, lon and heading
var DefaultRoboflowPositions = []int{1, 3, 7}

// LoadConfig loads the pipeline configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyDefaults fills every omitted optional key
func (c *Config) ApplyDefaults() {
	if c.OutputDir == "" && c.Annotations != "" {
		c.OutputDir = filepath.Dir(c.Annotations)
	}
	if c.WorkDir == "" {
		c.WorkDir = c.OutputDir
	}

	ir := &c.ImageRemoval
	if ir.NeighborDistanceMeters == 0 {
		ir.NeighborDistanceMeters = DefaultNeighborDistanceMeters
	}
	if ir.DuplicateCropsDir == "" {
		ir.DuplicateCropsDir = DefaultDuplicateCropsDir
	}
	if ir.Roboflow.Character == "" {
		ir.Roboflow.Character = DefaultRoboflowCharacter
	}
	if len(ir.Roboflow.Positions) == 0 {
		ir.Roboflow.Positions = append([]int(nil), DefaultRoboflowPositions...)
	}

	lr := &c.LocationRemoval
	if lr.MinShopDistance == 0 {
		lr.MinShopDistance = DefaultMinShopDistance
	}
	if lr.GridInterval == 0 {
		lr.GridInterval = DefaultGridInterval
	}
	if lr.CameraHeight == 0 {
		lr.CameraHeight = DefaultCameraHeight
	}
	if lr.ImageWidth == 0 {
		lr.ImageWidth = DefaultImageSize
	}
	if lr.ImageHeight == 0 {
		lr.ImageHeight = DefaultImageSize
	}
	if lr.MaxRayDistance == 0 {
		lr.MaxRayDistance = DefaultMaxRayDistance
	}
}

// Validate checks the required keys of every enabled stage
func (c *Config) Validate() error {
	if !c.ImageRemoval.Enabled && !c.LocationRemoval.Enabled {
		return fmt.Errorf("at least one of imageRemoval or locationRemoval must be enabled")
	}
	if c.Annotations == "" {
		return fmt.Errorf("annotations is required")
	}

	if c.ImageRemoval.Enabled {
		ir := c.ImageRemoval
		if len(ir.Classes) == 0 {
			return fmt.Errorf("imageRemoval.classes must list at least one class")
		}
		if ir.NeighborDistanceMeters < 0 {
			return fmt.Errorf("imageRemoval.neighborDistanceMeters must be positive")
		}
		if len(ir.Verifiers) == 0 {
			return fmt.Errorf("imageRemoval.verifiers must list at least one verifier")
		}
		for i, v := range ir.Verifiers {
			if v.Name == "" {
				return fmt.Errorf("imageRemoval.verifiers[%d].name is required", i)
			}
			if _, ok := verifierFactories[v.Name]; !ok {
				return fmt.Errorf("imageRemoval.verifiers[%d]: unknown verifier %q", i, v.Name)
			}
		}
		if c.ImagesDir == "" {
			return fmt.Errorf("imagesDir is required for imageRemoval")
		}
	}

	if c.LocationRemoval.Enabled {
		lr := c.LocationRemoval
		if lr.ClassName == "" {
			return fmt.Errorf("locationRemoval.className is required")
		}
		if lr.BuildingsFile == "" {
			return fmt.Errorf("locationRemoval.buildingsFile is required")
		}
		if len(lr.BoundingBox) != 0 && len(lr.BoundingBox) != 4 {
			return fmt.Errorf("locationRemoval.boundingBox must be [minLat, minLon, maxLat, maxLon]")
		}
		if _, err := lr.Bound(); err != nil {
			return err
		}
		if lr.MinShopDistance < 0 {
			return fmt.Errorf("locationRemoval.minShopDistance must be positive")
		}
	}

	return nil
}
