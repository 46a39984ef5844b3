// Package analysis turns raw signal readings into map zones, ranked problem
// locations and KPI summaries. Every function is pure: it reads an immutable
// slice of readings and a Config and allocates fresh output.
package analysis

import (
	"errors"
	"fmt"
	"time"

	"signal-heatmap-monitor/internal/models"
)

// ErrInvalidConfig is returned by Config.Validate
var ErrInvalidConfig = errors.New("invalid analysis config")

// metersPerDegree is the length of one degree of latitude used to turn the
// cluster radius into degrees.
const metersPerDegree = 111132.954

// OpacityRamp interpolates opacity linearly from Base at FromCount to Cap at
// ToCount. Counts below FromCount get Base, counts above ToCount get Cap.
type OpacityRamp struct {
	Base      float64 `yaml:"base" json:"base"`
	Cap       float64 `yaml:"cap" json:"cap"`
	FromCount int     `yaml:"from_count" json:"from_count"`
	ToCount   int     `yaml:"to_count" json:"to_count"`
}

// At returns the opacity for a zone of n points
func (r OpacityRamp) At(n int) float64 {
	if n <= r.FromCount || r.ToCount <= r.FromCount {
		return r.Base
	}
	if n >= r.ToCount {
		return r.Cap
	}
	frac := float64(n-r.FromCount) / float64(r.ToCount-r.FromCount)
	return r.Base + frac*(r.Cap-r.Base)
}

// Config holds the thresholds and display policy used by every analysis call
type Config struct {
	CriticalSignalDBM   float64 `yaml:"critical_signal_dbm"`
	CriticalLossPercent float64 `yaml:"critical_loss_percent"`
	AttentionSignalDBM  float64 `yaml:"attention_signal_dbm"`

	ClusterRadiusMeters float64 `yaml:"cluster_radius_meters"`
	GridCellDegrees     float64 `yaml:"grid_cell_degrees"`
	TopLocations        int     `yaml:"top_locations"`

	// Zone radius for one point, two points and three or more points.
	RadiusSingle  float64 `yaml:"radius_single"`
	RadiusPair    float64 `yaml:"radius_pair"`
	RadiusCluster float64 `yaml:"radius_cluster"`

	GoodOpacity      float64     `yaml:"good_opacity"`
	AttentionOpacity OpacityRamp `yaml:"attention_opacity"`
	CriticalOpacity  OpacityRamp `yaml:"critical_opacity"`

	DisconnectedMarker string         `yaml:"disconnected_marker"`
	TimeLayout         string         `yaml:"time_layout"`
	Location           *time.Location `yaml:"-"`
}

// DefaultConfig returns the thresholds the tablets were calibrated against
func DefaultConfig() Config {
	return Config{
		CriticalSignalDBM:   -85,
		CriticalLossPercent: 3,
		AttentionSignalDBM:  -70,
		ClusterRadiusMeters: 35,
		GridCellDegrees:     0.00025,
		TopLocations:        10,
		RadiusSingle:        10,
		RadiusPair:          15,
		RadiusCluster:       20,
		GoodOpacity:         0.4,
		AttentionOpacity:    OpacityRamp{Base: 0.5, Cap: 0.9, FromCount: 1, ToCount: 10},
		CriticalOpacity:     OpacityRamp{Base: 0.6, Cap: 1.0, FromCount: 1, ToCount: 10},
		DisconnectedMarker:  models.Disconnected,
		TimeLayout:          "15:04:05",
		Location:            time.Local,
	}
}

// Validate checks that c keeps tiers ordered and the display policy monotonic
func (c Config) Validate() error {
	switch {
	case c.AttentionSignalDBM <= c.CriticalSignalDBM:
		return fmt.Errorf("%w: attention signal threshold %.1f must be above critical %.1f",
			ErrInvalidConfig, c.AttentionSignalDBM, c.CriticalSignalDBM)
	case c.CriticalLossPercent < 0 || c.CriticalLossPercent > 100:
		return fmt.Errorf("%w: critical loss %.1f outside [0,100]", ErrInvalidConfig, c.CriticalLossPercent)
	case c.ClusterRadiusMeters <= 0:
		return fmt.Errorf("%w: cluster radius must be positive", ErrInvalidConfig)
	case c.GridCellDegrees <= 0:
		return fmt.Errorf("%w: grid cell size must be positive", ErrInvalidConfig)
	case c.TopLocations < 1:
		return fmt.Errorf("%w: top locations must be at least 1", ErrInvalidConfig)
	case c.RadiusSingle <= 0 || c.RadiusPair < c.RadiusSingle || c.RadiusCluster < c.RadiusPair:
		return fmt.Errorf("%w: zone radii must be positive and non-decreasing", ErrInvalidConfig)
	case c.AttentionOpacity.Cap < c.AttentionOpacity.Base || c.CriticalOpacity.Cap < c.CriticalOpacity.Base:
		return fmt.Errorf("%w: opacity cap below base", ErrInvalidConfig)
	case c.AttentionOpacity.FromCount != c.CriticalOpacity.FromCount ||
		c.AttentionOpacity.ToCount != c.CriticalOpacity.ToCount:
		return fmt.Errorf("%w: attention and critical opacity ramps must span the same counts", ErrInvalidConfig)
	case c.GoodOpacity > c.AttentionOpacity.Base ||
		c.AttentionOpacity.Base > c.CriticalOpacity.Base ||
		c.AttentionOpacity.Cap > c.CriticalOpacity.Cap:
		return fmt.Errorf("%w: opacity must order good <= attention <= critical", ErrInvalidConfig)
	case c.GoodOpacity < 0 || c.CriticalOpacity.Cap > 1:
		return fmt.Errorf("%w: opacity outside [0,1]", ErrInvalidConfig)
	case c.TimeLayout == "":
		return fmt.Errorf("%w: time layout is empty", ErrInvalidConfig)
	}
	return nil
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.Local
	}
	return c.Location
}
