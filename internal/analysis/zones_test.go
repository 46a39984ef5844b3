package analysis

import (
	"encoding/json"
	"testing"

	"signal-heatmap-monitor/internal/models"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildZonesEmpty(t *testing.T) {
	zones := BuildZones(nil, Critical, testConfig())
	require.NotNil(t, zones)
	assert.Empty(t, zones)
}

func TestBuildZonesThreeCloseReadings(t *testing.T) {
	cfg := testConfig()
	// about 3 m apart near the yard
	rs := []models.Reading{
		reading("tab-1", -90, 0, -3.5500, -38.8100),
		reading("tab-2", -91, 0, -3.55003, -38.81003),
		reading("tab-3", -92, 0, -3.55006, -38.81006),
	}
	zones := BuildZones(rs, Critical, cfg)

	require.Len(t, zones, 1)
	z := zones[0]
	assert.Equal(t, 3, z.PointCount)
	assert.Equal(t, cfg.RadiusCluster, z.Radius)
	assert.Greater(t, z.Opacity, cfg.CriticalOpacity.Base)
	assert.InDelta(t, 0.69, z.Opacity, 1e-9)
	assert.InDelta(t, -38.81003, z.Centroid.Lon(), 1e-9)
	assert.InDelta(t, -3.55003, z.Centroid.Lat(), 1e-9)
	require.Len(t, z.Members, 3)
	assert.Equal(t, MemberDetail{ID: "tab-1", Time: "09:30:00"}, z.Members[0])
}

func TestBuildZonesSeparatesDistantReadings(t *testing.T) {
	cfg := testConfig()
	rs := []models.Reading{
		reading("tab-1", -75, 0, -3.5500, -38.8100),
		reading("tab-2", -75, 0, -3.5500, -38.8000), // ~1.1 km east
		reading("tab-3", -75, 0, -3.5500, -38.81001),
	}
	zones := BuildZones(rs, Attention, cfg)

	require.Len(t, zones, 2)
	assert.Equal(t, 2, zones[0].PointCount)
	assert.Equal(t, cfg.RadiusPair, zones[0].Radius)
	assert.Equal(t, []string{"tab-1", "tab-3"}, memberIDs(zones[0]))
	assert.Equal(t, 1, zones[1].PointCount)
	assert.Equal(t, cfg.RadiusSingle, zones[1].Radius)
	assert.Equal(t, cfg.AttentionOpacity.Base, zones[1].Opacity)
}

func TestBuildZonesChainsTransitively(t *testing.T) {
	cfg := testConfig()
	eps := epsilonDegrees([]orb.Point{{0, 0}}, cfg.ClusterRadiusMeters)
	step := eps * 0.9
	var rs []models.Reading
	for i := 0; i < 5; i++ {
		rs = append(rs, reading("tab", -90, 0, 0, float64(i)*step))
	}
	zones := BuildZones(rs, Critical, cfg)

	require.Len(t, zones, 1)
	assert.Equal(t, 5, zones[0].PointCount)
}

func TestBuildZonesIdenticalPoints(t *testing.T) {
	cfg := testConfig()
	var rs []models.Reading
	for i := 0; i < 4; i++ {
		rs = append(rs, reading("tab", -50, 0, 12.5, 45.25))
	}
	zones := BuildZones(rs, Good, cfg)

	require.Len(t, zones, 1)
	assert.Equal(t, 4, zones[0].PointCount)
	assert.Equal(t, cfg.GoodOpacity, zones[0].Opacity)
	assert.Equal(t, orb.Point{45.25, 12.5}, zones[0].Centroid)
}

func TestBuildZonesKeepsEveryPoint(t *testing.T) {
	cfg := testConfig()
	var rs []models.Reading
	for i := 0; i < 200; i++ {
		lat := -3.55 + float64(i%17)*0.00013
		lon := -38.81 + float64(i%23)*0.00029
		rs = append(rs, reading("tab", -90, 0, lat, lon))
	}
	zones := BuildZones(rs, Critical, cfg)

	total := 0
	for _, z := range zones {
		total += z.PointCount
		assert.Len(t, z.Members, z.PointCount)
	}
	assert.Equal(t, len(rs), total)
}

func TestBuildZonesEpsilonFollowsLatitude(t *testing.T) {
	equator := epsilonDegrees([]orb.Point{{0, 0}, {0, 0}}, 35)
	north := epsilonDegrees([]orb.Point{{0, 60}, {0, 60}}, 35)

	assert.InDelta(t, 35/111132.954, equator, 1e-12)
	assert.InDelta(t, 2*equator, north, 1e-9)
}

func TestZoneRadiusMonotonic(t *testing.T) {
	cfg := testConfig()
	prev := 0.0
	for n := 1; n <= 50; n++ {
		r := zoneRadius(n, cfg)
		require.GreaterOrEqual(t, r, prev, "count %d", n)
		prev = r
	}
	assert.Equal(t, cfg.RadiusSingle, zoneRadius(1, cfg))
	assert.Equal(t, cfg.RadiusPair, zoneRadius(2, cfg))
	assert.Equal(t, cfg.RadiusCluster, zoneRadius(3, cfg))
}

func TestZoneOpacityOrdering(t *testing.T) {
	cfg := testConfig()
	prevCritical := 0.0
	for n := 1; n <= 20; n++ {
		good := zoneOpacity(Good, n, cfg)
		attention := zoneOpacity(Attention, n, cfg)
		critical := zoneOpacity(Critical, n, cfg)

		require.GreaterOrEqual(t, critical, attention, "count %d", n)
		require.GreaterOrEqual(t, attention, good, "count %d", n)
		require.GreaterOrEqual(t, critical, prevCritical, "count %d", n)
		prevCritical = critical
	}
	assert.Equal(t, 0.9, zoneOpacity(Attention, 10, cfg))
	assert.Equal(t, 1.0, zoneOpacity(Critical, 10, cfg))
	assert.Equal(t, 1.0, zoneOpacity(Critical, 500, cfg))
}

func TestZoneFeatureJSON(t *testing.T) {
	z := Zone{
		Tier:       Attention,
		PointCount: 1,
		Radius:     10,
		Opacity:    0.5,
		Centroid:   orb.Point{-38.81, -3.55},
		Members:    []MemberDetail{{ID: "tab-9", Time: "10:00:00"}},
	}
	b, err := json.Marshal(z.Feature())
	require.NoError(t, err)

	var got struct {
		Type       string `json:"type"`
		Properties struct {
			Status       string         `json:"status"`
			PointCount   int            `json:"point_count"`
			Radius       float64        `json:"radius"`
			Opacity      float64        `json:"opacity"`
			PointDetails []MemberDetail `json:"point_details"`
		} `json:"properties"`
		Geometry struct {
			Type        string    `json:"type"`
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "Feature", got.Type)
	assert.Equal(t, "attention", got.Properties.Status)
	assert.Equal(t, 1, got.Properties.PointCount)
	assert.Equal(t, "Point", got.Geometry.Type)
	assert.Equal(t, []float64{-38.81, -3.55}, got.Geometry.Coordinates)
	assert.Equal(t, "tab-9", got.Properties.PointDetails[0].ID)
}

func memberIDs(z Zone) []string {
	ids := make([]string, 0, len(z.Members))
	for _, m := range z.Members {
		ids = append(ids, m.ID)
	}
	return ids
}
