package analysis

import (
	"math"
	"sort"

	"signal-heatmap-monitor/internal/models"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// minCosLatitude keeps the degree conversion finite next to the poles.
const minCosLatitude = 1e-6

// MemberDetail identifies one reading inside a zone
type MemberDetail struct {
	ID   string `json:"id"`
	Time string `json:"time"`
}

// Zone is a cluster of same-tier readings with its display attributes
type Zone struct {
	Tier       Tier           `json:"status"`
	PointCount int            `json:"point_count"`
	Radius     float64        `json:"radius"`
	Opacity    float64        `json:"opacity"`
	Centroid   orb.Point      `json:"centroid"`
	Members    []MemberDetail `json:"point_details"`
}

// Feature renders the zone as a GeoJSON point at its centroid
func (z Zone) Feature() *geojson.Feature {
	f := geojson.NewFeature(z.Centroid)
	f.Properties["status"] = z.Tier.String()
	f.Properties["point_count"] = z.PointCount
	f.Properties["radius"] = z.Radius
	f.Properties["opacity"] = z.Opacity
	f.Properties["point_details"] = z.Members
	return f
}

// BuildZones groups readings of one tier into zones. Two readings closer
// than cfg.ClusterRadiusMeters share a zone, transitively, and a lone
// reading forms a zone of its own. Zones come back in the order their first
// reading appears in the input.
func BuildZones(readings []models.Reading, tier Tier, cfg Config) []Zone {
	zones := []Zone{}
	if len(readings) == 0 {
		return zones
	}

	points := make([]orb.Point, len(readings))
	for i, r := range readings {
		points[i] = r.Point()
	}

	eps := epsilonDegrees(points, cfg.ClusterRadiusMeters)
	for _, idx := range clusterByDistance(points, eps) {
		zones = append(zones, newZone(readings, idx, tier, cfg))
	}
	return zones
}

// epsilonDegrees converts meters to degrees of longitude at the mean
// latitude of points.
func epsilonDegrees(points []orb.Point, meters float64) float64 {
	var sumLat float64
	for _, p := range points {
		sumLat += p.Lat()
	}
	meanLat := sumLat / float64(len(points))
	cos := math.Cos(meanLat * math.Pi / 180)
	if cos < minCosLatitude {
		cos = minCosLatitude
	}
	return meters / (metersPerDegree * cos)
}

type bucket struct{ x, y int64 }

func bucketOf(p orb.Point, size float64) bucket {
	return bucket{int64(math.Floor(p[0] / size)), int64(math.Floor(p[1] / size))}
}

// clusterByDistance returns the connected components of the graph linking
// points no further than eps apart. Each component lists indexes in
// ascending order; components are ordered by their smallest index.
func clusterByDistance(points []orb.Point, eps float64) [][]int {
	buckets := make(map[bucket][]int)
	for i, p := range points {
		b := bucketOf(p, eps)
		buckets[b] = append(buckets[b], i)
	}

	assigned := make([]bool, len(points))
	var clusters [][]int
	for seed := range points {
		if assigned[seed] {
			continue
		}
		assigned[seed] = true
		members := []int{seed}
		for q := 0; q < len(members); q++ {
			cur := points[members[q]]
			b := bucketOf(cur, eps)
			for dx := int64(-1); dx <= 1; dx++ {
				for dy := int64(-1); dy <= 1; dy++ {
					for _, j := range buckets[bucket{b.x + dx, b.y + dy}] {
						if assigned[j] || planar.Distance(cur, points[j]) > eps {
							continue
						}
						assigned[j] = true
						members = append(members, j)
					}
				}
			}
		}
		sort.Ints(members)
		clusters = append(clusters, members)
	}
	return clusters
}

func newZone(readings []models.Reading, idx []int, tier Tier, cfg Config) Zone {
	loc := cfg.location()
	z := Zone{
		Tier:       tier,
		PointCount: len(idx),
		Radius:     zoneRadius(len(idx), cfg),
		Opacity:    zoneOpacity(tier, len(idx), cfg),
		Members:    make([]MemberDetail, 0, len(idx)),
	}

	var sumLon, sumLat float64
	for _, i := range idx {
		r := readings[i]
		sumLon += r.Longitude
		sumLat += r.Latitude
		z.Members = append(z.Members, MemberDetail{
			ID:   r.DeviceID,
			Time: r.Timestamp.In(loc).Format(cfg.TimeLayout),
		})
	}
	n := float64(len(idx))
	z.Centroid = orb.Point{sumLon / n, sumLat / n}
	return z
}

func zoneRadius(n int, cfg Config) float64 {
	switch {
	case n <= 1:
		return cfg.RadiusSingle
	case n == 2:
		return cfg.RadiusPair
	default:
		return cfg.RadiusCluster
	}
}

func zoneOpacity(tier Tier, n int, cfg Config) float64 {
	var o float64
	switch tier {
	case Attention:
		o = cfg.AttentionOpacity.At(n)
	case Critical:
		o = cfg.CriticalOpacity.At(n)
	default:
		o = cfg.GoodOpacity
	}
	return round(o, 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
