package analysis

import (
	"time"

	"signal-heatmap-monitor/internal/models"
)

var baseTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Location = time.UTC
	return cfg
}

func reading(device string, signal, loss, lat, lon float64) models.Reading {
	return models.Reading{
		DeviceID:          device,
		Timestamp:         baseTime,
		SignalStrengthDBM: signal,
		PacketLossPercent: loss,
		Latitude:          lat,
		Longitude:         lon,
		CurrentNetwork:    "2G_6qmzayp",
	}
}

// cellCenter returns the coordinate at the middle of grid cell i
func cellCenter(i int, cfg Config) float64 {
	return (float64(i) + 0.5) * cfg.GridCellDegrees
}
