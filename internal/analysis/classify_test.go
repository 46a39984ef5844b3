package analysis

import (
	"testing"

	"signal-heatmap-monitor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRules(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		name   string
		signal float64
		loss   float64
		want   Tier
	}{
		{"strong signal no loss", -55, 0, Good},
		{"just above attention", -69.9, 0, Good},
		{"attention boundary", -70, 0, Attention},
		{"weak signal", -80, 1, Attention},
		{"critical boundary", -85, 0, Critical},
		{"very weak signal", -95, 0, Critical},
		{"loss at limit is not critical", -60, 3, Good},
		{"loss above limit", -60, 3.1, Critical},
		{"loss overrides attention", -75, 10, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(reading("tab-1", tt.signal, tt.loss, 0, 0), cfg)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifySignalSweep(t *testing.T) {
	cfg := testConfig()
	prev := Good
	for s := 0; s >= -100; s-- {
		got := Classify(reading("tab-1", float64(s), 0, 0, 0), cfg)
		switch {
		case s <= -85:
			require.Equal(t, Critical, got, "signal %d", s)
		case s <= -70:
			require.Equal(t, Attention, got, "signal %d", s)
		default:
			require.Equal(t, Good, got, "signal %d", s)
		}
		require.GreaterOrEqual(t, int(got), int(prev), "severity dropped at signal %d", s)
		prev = got
	}
}

func TestClassifyUsesConfiguredThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.AttentionSignalDBM = -60
	cfg.CriticalSignalDBM = -75

	assert.Equal(t, Attention, Classify(reading("tab-1", -65, 0, 0, 0), cfg))
	assert.Equal(t, Critical, Classify(reading("tab-1", -80, 0, 0, 0), cfg))
}

func TestPartitionKeepsOrderAndEmptyTiers(t *testing.T) {
	cfg := testConfig()
	rs := []models.Reading{
		reading("a", -90, 0, 0, 0),
		reading("b", -60, 0, 0, 0),
		reading("c", -95, 0, 0, 0),
	}
	parts := Partition(rs, cfg)

	require.Len(t, parts[Critical], 2)
	assert.Equal(t, "a", parts[Critical][0].DeviceID)
	assert.Equal(t, "c", parts[Critical][1].DeviceID)
	assert.Len(t, parts[Good], 1)
	assert.NotNil(t, parts[Attention])
	assert.Empty(t, parts[Attention])
}

func TestTierText(t *testing.T) {
	b, err := Critical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "critical", string(b))
	assert.Equal(t, "Tier(7)", Tier(7).String())
	assert.True(t, Attention.IsProblem())
	assert.False(t, Good.IsProblem())
}
