package models

import (
	"time"

	"github.com/paulmach/orb"
)

// Disconnected is the current_network value a tablet reports when it has no Wi-Fi association
const Disconnected = "disconnected"

// Reading represents a single signal-quality sample from a field tablet
type Reading struct {
	ID                int64     `json:"id"`
	DeviceID          string    `json:"device_id"`
	Timestamp         time.Time `json:"timestamp"`
	SignalStrengthDBM float64   `json:"signal_strength_dbm"`
	PacketLossPercent float64   `json:"packet_loss_percent"` // 0-100
	LatencyMS         float64   `json:"latency_ms"`
	Latitude          float64   `json:"latitude"`
	Longitude         float64   `json:"longitude"`
	CurrentNetwork    string    `json:"current_network"`
}

// Point returns the reading position as lon/lat
func (r Reading) Point() orb.Point {
	return orb.Point{r.Longitude, r.Latitude}
}

// NetworkFilter selects readings by the network the tablet was on
type NetworkFilter string

const (
	NetworkAll          NetworkFilter = "all"
	NetworkMain         NetworkFilter = "main_network"
	NetworkDisconnected NetworkFilter = "disconnected"
	NetworkOther        NetworkFilter = "other_networks"
)

// Valid reports whether f is a known filter value
func (f NetworkFilter) Valid() bool {
	switch f {
	case NetworkAll, NetworkMain, NetworkDisconnected, NetworkOther:
		return true
	}
	return false
}

// ReadingQuery represents filter parameters for reading searches
type ReadingQuery struct {
	Bounds          *orb.Bound
	StartDate       time.Time
	EndDate         time.Time // inclusive, extended to the end of the day
	Network         NetworkFilter
	OperationalSSID string
	DeviceID        string
	Limit           int
	Offset          int
}

// DeviceSummary provides per-tablet reading counts
type DeviceSummary struct {
	DeviceID      string    `json:"device_id"`
	TotalReadings int       `json:"total_readings"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	AvgSignalDBM  float64   `json:"avg_signal_dbm"`
	AvgLossPct    float64   `json:"avg_packet_loss_percent"`
}

// Stats are store-wide counters
type Stats struct {
	TotalReadings  int64 `json:"total_readings"`
	TotalDevices   int64 `json:"total_devices"`
	Disconnections int64 `json:"disconnections"`
}
