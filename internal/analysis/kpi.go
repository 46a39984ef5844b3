package analysis

import "signal-heatmap-monitor/internal/models"

// NoDevice is reported as the worst device when no reading is a problem
const NoDevice = "N/A"

// KPISummary holds dataset-wide counters for the dashboard header
type KPISummary struct {
	TotalMeasurements  int     `json:"total_measurements"`
	CriticalPercentage float64 `json:"critical_percentage"`
	Disconnections     int     `json:"disconnections"`
	WorstDevice        string  `json:"worst_device"`
}

// Summarize computes the KPI summary. The worst device is the one with the
// most problem readings; on a tie the device seen first wins.
func Summarize(readings []models.Reading, cfg Config) KPISummary {
	s := KPISummary{TotalMeasurements: len(readings), WorstDevice: NoDevice}

	var critical int
	problems := make(map[string]int)
	var devices []string
	for _, r := range readings {
		tier := Classify(r, cfg)
		if tier == Critical {
			critical++
		}
		if r.CurrentNetwork == cfg.DisconnectedMarker {
			s.Disconnections++
		}
		if tier.IsProblem() {
			if _, seen := problems[r.DeviceID]; !seen {
				devices = append(devices, r.DeviceID)
			}
			problems[r.DeviceID]++
		}
	}

	if s.TotalMeasurements > 0 {
		s.CriticalPercentage = round(100*float64(critical)/float64(s.TotalMeasurements), 1)
	}

	best := 0
	for _, d := range devices {
		if problems[d] > best {
			best = problems[d]
			s.WorstDevice = d
		}
	}
	return s
}
