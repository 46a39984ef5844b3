package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"time"

	"signal-heatmap-monitor/internal/config"
	"signal-heatmap-monitor/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
)

// hotspotShare is the fraction of generated readings placed in dead spots
const hotspotShare = 0.3

// generator produces synthetic tablet readings inside a map preset
type generator struct {
	rng      *rand.Rand
	preset   config.MapPreset
	ssid     string
	devices  int
	hotspots []orb.Point
}

func newGenerator(seed int64, preset config.MapPreset, ssid string, devices, hotspots int) *generator {
	g := &generator{
		rng:     rand.New(rand.NewSource(seed)),
		preset:  preset,
		ssid:    ssid,
		devices: devices,
	}
	for i := 0; i < hotspots; i++ {
		g.hotspots = append(g.hotspots, g.randomPoint())
	}
	return g
}

func (g *generator) randomPoint() orb.Point {
	b := g.preset.Bound()
	return orb.Point{
		b.Min.Lon() + g.rng.Float64()*(b.Max.Lon()-b.Min.Lon()),
		b.Min.Lat() + g.rng.Float64()*(b.Max.Lat()-b.Min.Lat()),
	}
}

// readings returns count readings, one every interval from start
func (g *generator) readings(count int, start time.Time, interval time.Duration) []models.Reading {
	records := make([]models.Reading, 0, count)
	for i := 0; i < count; i++ {
		r := models.Reading{
			DeviceID:       fmt.Sprintf("TAB-%03d", 1+g.rng.Intn(g.devices)),
			Timestamp:      start.Add(time.Duration(i) * interval),
			LatencyMS:      20 + g.rng.Float64()*60,
			CurrentNetwork: g.ssid,
		}

		var p orb.Point
		if len(g.hotspots) > 0 && g.rng.Float64() < hotspotShare {
			// ~10 m jitter around a dead spot
			h := g.hotspots[g.rng.Intn(len(g.hotspots))]
			p = orb.Point{h.Lon() + g.rng.NormFloat64()*0.0001, h.Lat() + g.rng.NormFloat64()*0.0001}
			r.SignalStrengthDBM = -80 - g.rng.Float64()*20
			r.PacketLossPercent = g.rng.Float64() * 10
			r.LatencyMS += 100 + g.rng.Float64()*200
			if g.rng.Float64() < 0.15 {
				r.CurrentNetwork = models.Disconnected
				r.PacketLossPercent = 100
			}
		} else {
			p = g.randomPoint()
			r.SignalStrengthDBM = -45 - g.rng.Float64()*35
			r.PacketLossPercent = g.rng.Float64() * 1.5
			if g.rng.Float64() < 0.05 {
				r.CurrentNetwork = "guest"
			}
		}
		r.Longitude, r.Latitude = p.Lon(), p.Lat()
		records = append(records, r)
	}
	return records
}

// writeCSV writes readings in the tablet export layout read by ingest
func writeCSV(w io.Writer, records []models.Reading) error {
	cw := csv.NewWriter(w)
	header := []string{
		"tablet_android_id", "timestamp", "signal_dbm", "packet_loss_percent",
		"latency_ms", "latitude", "longitude", "current_ssid",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	f := func(v float64, prec int) string { return strconv.FormatFloat(v, 'f', prec, 64) }
	for _, r := range records {
		row := []string{
			r.DeviceID, r.Timestamp.Format(time.RFC3339), f(r.SignalStrengthDBM, 1),
			f(r.PacketLossPercent, 2), f(r.LatencyMS, 1), f(r.Latitude, 7), f(r.Longitude, 7),
			r.CurrentNetwork,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// generateCmd generates sample readings
func generateCmd() *cobra.Command {
	var count int
	var deviceCount int
	var hotspots int
	var mapName string
	var seed int64
	var output string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate sample tablet readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			preset, err := appCfg.Map(mapName)
			if err != nil {
				return err
			}
			if deviceCount < 1 {
				return fmt.Errorf("need at least one device")
			}
			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}

			g := newGenerator(seed, preset, appCfg.OperationalSSID, deviceCount, hotspots)
			records := g.readings(count, time.Now().Add(-24*time.Hour), 5*time.Second)

			// Export to file if requested
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				if err := writeCSV(file, records); err != nil {
					return fmt.Errorf("error writing %s: %w", output, err)
				}
				fmt.Printf("✓ Wrote %s readings to %s\n", humanize.Comma(int64(len(records))), output)
				return nil
			}

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			// Insert in batches of 1000
			start := time.Now()
			batchSize := 1000
			inserted := 0

			for i := 0; i < len(records); i += batchSize {
				end := i + batchSize
				if end > len(records) {
					end = len(records)
				}
				n, err := database.InsertReadingBatch(cmd.Context(), records[i:end])
				if err != nil {
					return fmt.Errorf("insert error: %w", err)
				}
				inserted += int(n)
				fmt.Printf("\rInserted %d/%d readings...", inserted, len(records))
			}

			elapsed := time.Since(start)
			fmt.Printf("\n✓ Generated %s readings in %v (%.0f readings/sec)\n",
				humanize.Comma(int64(inserted)), elapsed, float64(inserted)/elapsed.Seconds())
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 10000, "Number of readings to generate")
	cmd.Flags().IntVarP(&deviceCount, "devices", "n", 10, "Number of tablets")
	cmd.Flags().IntVar(&hotspots, "hotspots", 4, "Number of dead spots")
	cmd.Flags().StringVarP(&mapName, "map", "m", "", "Map preset to place readings in (default from config)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed (default: time based)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write a tablet CSV export instead of storing")
	return cmd
}
