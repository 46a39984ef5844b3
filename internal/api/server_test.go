package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"signal-heatmap-monitor/internal/analysis"
	"signal-heatmap-monitor/internal/cache"
	"signal-heatmap-monitor/internal/config"
	"signal-heatmap-monitor/internal/db"
	"signal-heatmap-monitor/internal/metrics"
	"signal-heatmap-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mainSSID = "2G_6qmzayp"

var day = time.Date(2025, 3, 14, 8, 0, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Meta    *meta           `json:"meta"`
}

type fixture struct {
	server *Server
	store  *db.Database
	cache  *cache.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.New(db.Config{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Timezone = "UTC"
	cfg.Cache.TTL = time.Minute

	mem := cache.NewMemory()
	s := NewServer(store, cfg, Options{
		Cache:   mem,
		Metrics: metrics.New(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return &fixture{server: s, store: store, cache: mem}
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	at := func(min int) time.Time { return day.Add(time.Duration(min) * time.Minute) }
	records := []models.Reading{
		{DeviceID: "tab-1", Timestamp: at(0), SignalStrengthDBM: -90, Latitude: -3.55, Longitude: -38.81, CurrentNetwork: mainSSID},
		{DeviceID: "tab-1", Timestamp: at(1), SignalStrengthDBM: -88, Latitude: -3.55001, Longitude: -38.81001, CurrentNetwork: mainSSID},
		{DeviceID: "tab-2", Timestamp: at(2), SignalStrengthDBM: -60, Latitude: -3.548, Longitude: -38.805, CurrentNetwork: mainSSID},
		{DeviceID: "tab-3", Timestamp: at(3), SignalStrengthDBM: -95, Latitude: -3.549, Longitude: -38.806, CurrentNetwork: models.Disconnected},
		{DeviceID: "tab-2", Timestamp: at(4), SignalStrengthDBM: -75, Latitude: -3.5255, Longitude: -38.7977, CurrentNetwork: mainSSID},
	}
	_, err := f.store.InsertReadingBatch(context.Background(), records)
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, target string, body []byte) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestRequestIDIsEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMaps(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/api/maps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var maps []mapInfo
	require.NoError(t, json.Unmarshal(env.Data, &maps))
	require.Len(t, maps, 2)
	assert.Equal(t, "patio", maps[0].Name)
	assert.True(t, maps[0].Default)
	assert.Equal(t, -3.543, maps[0].LatTop)
	assert.False(t, maps[1].Default)
}

func TestMapData(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec, env := f.do(t, http.MethodGet, "/api/map_data?map=patio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, env.Meta.Total)

	var data struct {
		Critical  []json.RawMessage `json:"critical_zones"`
		Attention []json.RawMessage `json:"attention_zones"`
		Good      []json.RawMessage `json:"good_zones"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Len(t, data.Critical, 1)
	assert.Empty(t, data.Attention)
	assert.Len(t, data.Good, 1)

	var zone struct {
		Properties struct {
			Status     string  `json:"status"`
			PointCount int     `json:"point_count"`
			Radius     float64 `json:"radius"`
			Details    []struct {
				ID   string `json:"id"`
				Time string `json:"time"`
			} `json:"point_details"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data.Critical[0], &zone))
	assert.Equal(t, "critical", zone.Properties.Status)
	assert.Equal(t, 2, zone.Properties.PointCount)
	assert.Equal(t, 15.0, zone.Properties.Radius)
	require.Len(t, zone.Properties.Details, 2)
	assert.Equal(t, "08:00:00", zone.Properties.Details[0].Time)
}

func TestMapDataUnknownMap(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/api/map_data?map=harbour", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "unknown map")
}

func TestMapDataBadFilter(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/api/map_data?ssid_filter=guests", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/map_data?start_date=2025-03-14&end_date=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/map_data?start_date=2025-03-15&end_date=2025-03-14", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDateRangeNeedsBothEnds(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, env := f.do(t, http.MethodGet, "/api/kpis?start_date=2025-03-20", nil)
	assert.Equal(t, 3, env.Meta.Total)

	_, env = f.do(t, http.MethodGet, "/api/kpis?start_date=2025-03-20&end_date=2025-03-21", nil)
	require.NotNil(t, env.Meta)
	assert.Zero(t, env.Meta.Total)

	_, env = f.do(t, http.MethodGet, "/api/kpis?start_date=2025-03-14&end_date=2025-03-14", nil)
	assert.Equal(t, 3, env.Meta.Total)
}

func TestKPIs(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, env := f.do(t, http.MethodGet, "/api/kpis", nil)
	var kpi analysis.KPISummary
	require.NoError(t, json.Unmarshal(env.Data, &kpi))
	assert.Equal(t, 3, kpi.TotalMeasurements)
	assert.Equal(t, 66.7, kpi.CriticalPercentage)
	assert.Equal(t, 0, kpi.Disconnections)
	assert.Equal(t, "tab-1", kpi.WorstDevice)

	_, env = f.do(t, http.MethodGet, "/api/kpis?ssid_filter=all", nil)
	require.NoError(t, json.Unmarshal(env.Data, &kpi))
	assert.Equal(t, 4, kpi.TotalMeasurements)
	assert.Equal(t, 1, kpi.Disconnections)
}

func TestCriticalPoints(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, env := f.do(t, http.MethodGet, "/api/critical_points?map=tmut", nil)
	var locations []analysis.ProblemLocation
	require.NoError(t, json.Unmarshal(env.Data, &locations))
	require.Len(t, locations, 1)
	assert.Equal(t, 1, locations[0].Rank)
	assert.Equal(t, "Location #1", locations[0].Label)
	assert.Equal(t, 1, locations[0].AttentionCount)
}

func TestAnalysisCacheAndPurge(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	rec, _ := f.do(t, http.MethodGet, "/api/kpis?map=patio&ssid_filter=main_network", nil)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	// Same resolved query, different spelling.
	rec, env := f.do(t, http.MethodGet, "/api/kpis", nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Equal(t, 3, env.Meta.Total)

	body, _ := json.Marshal(models.Reading{
		DeviceID: "tab-4", Timestamp: day, SignalStrengthDBM: -50,
		Latitude: -3.549, Longitude: -38.807, CurrentNetwork: mainSSID,
	})
	rec, _ = f.do(t, http.MethodPost, "/api/readings", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Zero(t, f.cache.Len())

	rec, env = f.do(t, http.MethodGet, "/api/kpis", nil)
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, 4, env.Meta.Total)
}

func TestCreateReadingValidation(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/readings", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := f.do(t, http.MethodPost, "/api/readings", []byte(`{"device_id":"tab-1","latitude":120}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error, "latitude")
}

func TestBatchReadings(t *testing.T) {
	f := newFixture(t)

	body := []byte(`[
		{"device_id":"tab-1","signal_strength_dbm":-70,"latitude":-3.55,"longitude":-38.81},
		{"device_id":"tab-2","signal_strength_dbm":-80,"latitude":-3.55,"longitude":-38.81}
	]`)
	rec, env := f.do(t, http.MethodPost, "/api/readings/batch", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"inserted":2}`, string(env.Data))

	rec, _ = f.do(t, http.MethodPost, "/api/readings/batch", []byte(`[]`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/readings/batch", []byte(`[{"device_id":""}]`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error, "record 0")
}

func TestQueryReadings(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, env := f.do(t, http.MethodGet, "/api/readings?limit=2", nil)
	var readings []models.Reading
	require.NoError(t, json.Unmarshal(env.Data, &readings))
	assert.Len(t, readings, 2)
	assert.Equal(t, 5, env.Meta.Total)
	assert.Equal(t, 2, env.Meta.Limit)

	_, env = f.do(t, http.MethodGet, "/api/readings?device_id=tab-2&map=tmut", nil)
	require.NoError(t, json.Unmarshal(env.Data, &readings))
	assert.Len(t, readings, 1)

	rec, _ := f.do(t, http.MethodGet, "/api/readings?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevicesAndStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t)

	_, env := f.do(t, http.MethodGet, "/api/devices", nil)
	var devices []models.DeviceSummary
	require.NoError(t, json.Unmarshal(env.Data, &devices))
	assert.Len(t, devices, 3)

	rec, _ := f.do(t, http.MethodGet, "/api/devices/tab-2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/devices/tab-99", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, env = f.do(t, http.MethodGet, "/api/stats", nil)
	var stats models.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, int64(5), stats.TotalReadings)
	assert.Equal(t, int64(1), stats.Disconnections)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/kpis", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{route="/api/kpis",status="200"} 1`)
}
