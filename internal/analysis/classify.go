package analysis

import (
	"fmt"

	"signal-heatmap-monitor/internal/models"
)

// Tier is the severity of a reading
type Tier int

const (
	Good Tier = iota
	Attention
	Critical
)

// Tiers lists every tier from most to least severe
var Tiers = []Tier{Critical, Attention, Good}

func (t Tier) String() string {
	switch t {
	case Good:
		return "good"
	case Attention:
		return "attention"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("Tier(%d)", int(t))
}

// MarshalText lets tiers appear as their names in JSON
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// IsProblem reports whether t is attention or critical
func (t Tier) IsProblem() bool {
	return t == Attention || t == Critical
}

// Classify maps one reading to its tier. First matching rule wins.
func Classify(r models.Reading, cfg Config) Tier {
	if r.SignalStrengthDBM <= cfg.CriticalSignalDBM || r.PacketLossPercent > cfg.CriticalLossPercent {
		return Critical
	}
	if r.SignalStrengthDBM <= cfg.AttentionSignalDBM {
		return Attention
	}
	return Good
}

// Partition splits readings by tier, keeping input order inside each tier
func Partition(readings []models.Reading, cfg Config) map[Tier][]models.Reading {
	parts := map[Tier][]models.Reading{
		Good:      {},
		Attention: {},
		Critical:  {},
	}
	for _, r := range readings {
		t := Classify(r, cfg)
		parts[t] = append(parts[t], r)
	}
	return parts
}
