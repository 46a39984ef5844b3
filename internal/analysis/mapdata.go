package analysis

import (
	"sync"

	"signal-heatmap-monitor/internal/models"

	"github.com/paulmach/orb/geojson"
)

// MapDataset holds the zones of every tier
type MapDataset struct {
	Critical  []Zone
	Attention []Zone
	Good      []Zone
}

// MapFeatures is the JSON shape served to the map view
type MapFeatures struct {
	Critical  []*geojson.Feature `json:"critical_zones"`
	Attention []*geojson.Feature `json:"attention_zones"`
	Good      []*geojson.Feature `json:"good_zones"`
}

// Features converts every zone to a GeoJSON feature
func (d MapDataset) Features() MapFeatures {
	return MapFeatures{
		Critical:  toFeatures(d.Critical),
		Attention: toFeatures(d.Attention),
		Good:      toFeatures(d.Good),
	}
}

func toFeatures(zones []Zone) []*geojson.Feature {
	out := make([]*geojson.Feature, 0, len(zones))
	for _, z := range zones {
		out = append(out, z.Feature())
	}
	return out
}

// Zones returns the zones of tier t
func (d MapDataset) Zones(t Tier) []Zone {
	switch t {
	case Critical:
		return d.Critical
	case Attention:
		return d.Attention
	default:
		return d.Good
	}
}

// BuildMapDataset classifies readings and builds the zones of each tier.
// The tiers are disjoint so they are clustered concurrently.
func BuildMapDataset(readings []models.Reading, cfg Config) MapDataset {
	parts := Partition(readings, cfg)

	var ds MapDataset
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		ds.Critical = BuildZones(parts[Critical], Critical, cfg)
	}()
	go func() {
		defer wg.Done()
		ds.Attention = BuildZones(parts[Attention], Attention, cfg)
	}()
	go func() {
		defer wg.Done()
		ds.Good = BuildZones(parts[Good], Good, cfg)
	}()
	wg.Wait()
	return ds
}
