package geofence

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

type regionsFile struct {
	Regions []Region `yaml:"regions"`
}

// LoadRegions reads the region reference file. The file is authored by the
// backoffice and shipped to the device; entries with unusable geometry are
// rejected outright rather than silently skipped.
func LoadRegions(path string) ([]Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read regions file: %w", err)
	}

	var parsed regionsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse regions file: %w", err)
	}

	seen := make(map[string]struct{}, len(parsed.Regions))
	for i, region := range parsed.Regions {
		if region.ID == "" {
			return nil, fmt.Errorf("region %d: id is required", i)
		}
		if _, dup := seen[region.ID]; dup {
			return nil, fmt.Errorf("region %q: duplicate id", region.ID)
		}
		seen[region.ID] = struct{}{}

		if !validPoint(region.Center()) {
			return nil, fmt.Errorf("region %q: invalid center (%v, %v)", region.ID, region.Latitude, region.Longitude)
		}
		if region.RadiusMeters <= 0 || math.IsNaN(region.RadiusMeters) || math.IsInf(region.RadiusMeters, 0) {
			return nil, fmt.Errorf("region %q: radius must be a positive number", region.ID)
		}
	}

	return parsed.Regions, nil
}
