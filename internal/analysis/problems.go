package analysis

import (
	"fmt"
	"math"
	"sort"

	"signal-heatmap-monitor/internal/models"
)

// ProblemLocation is a group of adjacent grid cells holding attention or
// critical readings.
type ProblemLocation struct {
	Rank           int     `json:"rank"`
	Label          string  `json:"label"`
	GridID         string  `json:"grid_id"`
	CellCount      int     `json:"cell_count"`
	CriticalCount  int     `json:"critical_count"`
	AttentionCount int     `json:"attention_count"`
	TotalProblems  int     `json:"total_problems"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
}

type cellKey struct{ lat, lon int64 }

func (k cellKey) id() string {
	return fmt.Sprintf("%d_%d", k.lat, k.lon)
}

type cellStats struct {
	critical, attention int
	sumLat, sumLon      float64
}

// RankProblemLocations bins problem readings onto a grid of
// cfg.GridCellDegrees, merges cells touching on any side or corner, and
// returns the cfg.TopLocations clusters with the most problem readings.
// Ties keep the order in which clusters were discovered.
func RankProblemLocations(readings []models.Reading, cfg Config) []ProblemLocation {
	cells := make(map[cellKey]*cellStats)
	var order []cellKey
	for _, r := range readings {
		tier := Classify(r, cfg)
		if !tier.IsProblem() {
			continue
		}
		k := cellKey{
			lat: int64(math.Floor(r.Latitude / cfg.GridCellDegrees)),
			lon: int64(math.Floor(r.Longitude / cfg.GridCellDegrees)),
		}
		c, ok := cells[k]
		if !ok {
			c = &cellStats{}
			cells[k] = c
			order = append(order, k)
		}
		if tier == Critical {
			c.critical++
		} else {
			c.attention++
		}
		c.sumLat += r.Latitude
		c.sumLon += r.Longitude
	}

	locations := []ProblemLocation{}
	visited := make(map[cellKey]bool, len(cells))
	for _, seed := range order {
		if visited[seed] {
			continue
		}
		visited[seed] = true
		loc := ProblemLocation{GridID: seed.id()}
		var sumLat, sumLon float64
		queue := []cellKey{seed}
		for len(queue) > 0 {
			k := queue[0]
			queue = queue[1:]
			c := cells[k]
			loc.CellCount++
			loc.CriticalCount += c.critical
			loc.AttentionCount += c.attention
			sumLat += c.sumLat
			sumLon += c.sumLon
			for _, n := range neighbours(k) {
				if _, occupied := cells[n]; occupied && !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		loc.TotalProblems = loc.CriticalCount + loc.AttentionCount
		loc.Lat = sumLat / float64(loc.TotalProblems)
		loc.Lon = sumLon / float64(loc.TotalProblems)
		locations = append(locations, loc)
	}

	sort.SliceStable(locations, func(i, j int) bool {
		return locations[i].TotalProblems > locations[j].TotalProblems
	})
	if len(locations) > cfg.TopLocations {
		locations = locations[:cfg.TopLocations]
	}
	for i := range locations {
		locations[i].Rank = i + 1
		locations[i].Label = fmt.Sprintf("Location #%d", i+1)
	}
	return locations
}

// neighbours returns the 8 cells surrounding k
func neighbours(k cellKey) []cellKey {
	out := make([]cellKey, 0, 8)
	for dlat := int64(-1); dlat <= 1; dlat++ {
		for dlon := int64(-1); dlon <= 1; dlon++ {
			if dlat == 0 && dlon == 0 {
				continue
			}
			out = append(out, cellKey{k.lat + dlat, k.lon + dlon})
		}
	}
	return out
}
