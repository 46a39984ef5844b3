package parser

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signal-heatmap-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietParser(format string) *Parser {
	return NewParser(format, time.UTC, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const tabletCSV = `tablet_android_id,timestamp,signal_dbm,packet_loss_percent,latency_ms,latitude,longitude,current_ssid
tab-1,2025-03-14 08:15:00,-62,0,35,-3.5501,-38.8102,2G_6qmzayp
tab-2,2025-03-14T08:16:00Z,-88,4.5,120,-3.5502,-38.8103,disconnected
tab-3,not-a-date,-70,0,20,-3.55,-38.81,2G_6qmzayp
tab-4,2025-03-14 08:17:00,-71,0,,-3.5503,,2G_6qmzayp
tab-5,2025-03-14 08:18:00,-71,150,10,-3.5504,-38.8104,2G_6qmzayp
`

func TestParseCSVAliasesAndDrops(t *testing.T) {
	res, err := quietParser("csv").Parse(strings.NewReader(tabletCSV), 0)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Rows)
	require.Len(t, res.Readings, 2)
	require.Len(t, res.Dropped, 3)
	assert.Equal(t, []int{3, 4, 5}, []int{res.Dropped[0].Row, res.Dropped[1].Row, res.Dropped[2].Row})

	r := res.Readings[0]
	assert.Equal(t, "tab-1", r.DeviceID)
	assert.Equal(t, -62.0, r.SignalStrengthDBM)
	assert.Equal(t, 35.0, r.LatencyMS)
	assert.Equal(t, -38.8102, r.Longitude)
	assert.Equal(t, "2G_6qmzayp", r.CurrentNetwork)

	assert.Equal(t, models.Disconnected, res.Readings[1].CurrentNetwork)
	assert.Equal(t, time.Date(2025, 3, 14, 8, 16, 0, 0, time.UTC), res.Readings[1].Timestamp.UTC())
}

func TestParseCSVSkipsImportedRows(t *testing.T) {
	res, err := quietParser("csv").Parse(strings.NewReader(tabletCSV), 2)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Rows)
	assert.Empty(t, res.Readings)
	assert.Len(t, res.Dropped, 3)
}

func TestParseCSVMissingColumn(t *testing.T) {
	_, err := quietParser("csv").Parse(strings.NewReader("device_id,timestamp\ntab,2025-01-01\n"), 0)
	assert.ErrorContains(t, err, "signal_strength_dbm")
}

func TestParseJSONArrayAndLines(t *testing.T) {
	array := `[
  {"device_id":"tab-1","timestamp":"2025-03-14T08:00:00Z","signal_strength_dbm":-60,"packet_loss_percent":0,"latitude":-3.55,"longitude":-38.81,"current_network":"2G_6qmzayp"},
  {"device_id":"","timestamp":"2025-03-14T08:01:00Z","signal_strength_dbm":-60,"packet_loss_percent":0,"latitude":-3.55,"longitude":-38.81}
]`
	res, err := quietParser("json").Parse(strings.NewReader(array), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows)
	assert.Len(t, res.Readings, 1)
	assert.Len(t, res.Dropped, 1)

	lines := `{"device_id":"tab-1","timestamp":"2025-03-14T08:00:00Z","signal_strength_dbm":-60,"packet_loss_percent":0,"latitude":-3.55,"longitude":-38.81}
{"device_id":"tab-2","timestamp":"2025-03-14T08:00:05Z","signal_strength_dbm":-91,"packet_loss_percent":0,"latitude":-3.55,"longitude":-38.81}
`
	res, err = quietParser("json").Parse(strings.NewReader(lines), 1)
	require.NoError(t, err)
	require.Len(t, res.Readings, 1)
	assert.Equal(t, "tab-2", res.Readings[0].DeviceID)
}

func TestParseJSONEmpty(t *testing.T) {
	res, err := quietParser("json").Parse(strings.NewReader("  \n"), 0)
	require.NoError(t, err)
	assert.Zero(t, res.Rows)
}

func TestParseUnsupportedFormat(t *testing.T) {
	_, err := quietParser("xml").Parse(strings.NewReader(""), 0)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw_data.csv")
	require.NoError(t, os.WriteFile(path, []byte(tabletCSV), 0o644))

	res, err := quietParser("csv").ParseFile(path)
	require.NoError(t, err)
	assert.Len(t, res.Readings, 2)

	_, err = quietParser("csv").ParseFile(filepath.Join(t.TempDir(), "missing.csv"))
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-14T08:16:00Z", time.Date(2025, 3, 14, 8, 16, 0, 0, time.UTC)},
		{"2025-03-14T08:16:00-03:00", time.Date(2025, 3, 14, 11, 16, 0, 0, time.UTC)},
		{"1741940160", time.Unix(1741940160, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in, time.UTC)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
		})
	}

	got, err := ParseTimestamp("2025/03/14 08:16:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 8, got.Hour())

	_, err = ParseTimestamp("", nil)
	assert.Error(t, err)
	_, err = ParseTimestamp("tomorrow", nil)
	assert.Error(t, err)
}

func TestParseTimestampZonelessUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Fortaleza")
	require.NoError(t, err)
	want := time.Date(2025, 3, 14, 12, 30, 0, 0, time.UTC)

	for _, in := range []string{"2025-03-14T09:30:00", "2025-03-14 09:30:00", "2025/03/14 09:30:00"} {
		got, err := ParseTimestamp(in, loc)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "%s: got %v", in, got)
	}

	got, err := ParseTimestamp("2025-03-14T09:30:00Z", loc)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC).Equal(got))

	got, err = ParseTimestamp("2025-03-14", loc)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC).Equal(got))
}

func TestParseCSVRecordsRowNumbers(t *testing.T) {
	res, err := quietParser("csv").Parse(strings.NewReader(tabletCSV), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Rows)
	assert.Len(t, res.RowNumbers, len(res.Readings))
	assert.Equal(t, []int{2}, res.RowNumbers)
}

func TestValidateReading(t *testing.T) {
	r := models.Reading{
		DeviceID:          "tab-1",
		Timestamp:         time.Now(),
		SignalStrengthDBM: -70,
		Latitude:          -3.55,
		Longitude:         -38.81,
	}
	assert.Empty(t, ValidateReading(&r))

	bad := r
	bad.Latitude = 91
	bad.PacketLossPercent = -1
	bad.DeviceID = ""
	assert.Len(t, ValidateReading(&bad), 3)
}
