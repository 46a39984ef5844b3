package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signal-heatmap-monitor/internal/analysis"
	"signal-heatmap-monitor/internal/api"
	"signal-heatmap-monitor/internal/cache"
	"signal-heatmap-monitor/internal/config"
	"signal-heatmap-monitor/internal/db"
	"signal-heatmap-monitor/internal/ingest"
	"signal-heatmap-monitor/internal/metrics"
	"signal-heatmap-monitor/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	cfgPath   string
	dbDriver  string
	dbDSN     string
	logLevel  string
	logFormat string

	appCfg   config.Config
	logger   *slog.Logger
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signal-monitor",
		Short: "Signal Heatmap Monitor - Wi-Fi coverage analysis for field tablets",
		Long: `A CLI tool for ingesting tablet Wi-Fi telemetry and analysing coverage.
Builds connectivity heat-map zones, ranks problem locations and summarises
KPIs, with SQLite or PostgreSQL storage and REST API access.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "Database driver (sqlite3, pgx)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db", "", "Database path or connection URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(mapsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger
func setup(cmd *cobra.Command, args []string) error {
	var err error
	logger, err = newLogger(logLevel, logFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	appCfg, err = config.Load(cfgPath, os.Getenv)
	if err != nil {
		return err
	}
	if dbDriver != "" {
		appCfg.Database.Driver = dbDriver
	}
	if dbDSN != "" {
		appCfg.Database.DSN = dbDSN
	}
	return appCfg.Validate()
}

// newLogger builds the process logger
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// initDB initializes database connection
func initDB() error {
	var err error
	database, err = db.New(db.Config{Driver: appCfg.Database.Driver, DSN: appCfg.Database.DSN})
	return err
}

// serverCmd starts the REST API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				appCfg.HTTP.Port = port
			}
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			responseCache, err := newCache(ctx)
			if err != nil {
				return fmt.Errorf("cache error: %w", err)
			}
			defer responseCache.Close()

			server := api.NewServer(database, appCfg, api.Options{
				Cache:   responseCache,
				Metrics: metrics.New(),
				Logger:  logger,
			})
			addr := fmt.Sprintf(":%d", appCfg.HTTP.Port)

			fmt.Printf("📡 Signal Heatmap Monitor API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", addr)
			fmt.Printf("   Database: %s (%s)\n\n", appCfg.Database.DSN, appCfg.Database.Driver)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /api/maps")
			fmt.Println("  GET  /api/map_data")
			fmt.Println("  GET  /api/critical_points")
			fmt.Println("  GET  /api/kpis")
			fmt.Println("  GET  /api/readings")
			fmt.Println("  POST /api/readings")
			fmt.Println("  POST /api/readings/batch")
			fmt.Println("  GET  /api/devices")
			fmt.Println("  GET  /api/devices/{id}")
			fmt.Println("  GET  /api/stats")
			fmt.Println("  GET  /metrics")
			fmt.Println()

			httpServer := &http.Server{
				Addr:              addr,
				Handler:           server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return err
			}
			if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port")
	return cmd
}

// newCache picks the Redis cache when an address is configured
func newCache(ctx context.Context) (cache.Cache, error) {
	if appCfg.Cache.RedisAddr == "" {
		return cache.NewMemory(), nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return cache.NewRedis(pingCtx, appCfg.Cache.RedisAddr)
}

// ingestCmd imports tablet export files
func ingestCmd() *cobra.Command {
	var reset bool
	var batchSize int

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Import new rows from tablet export files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			importer := ingest.New(database, logger, nil)
			importer.BatchSize = batchSize
			importer.Location = appCfg.AnalysisConfig().Location

			var totalInserted int64
			totalErrors := 0
			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				if reset {
					if err := importer.Reset(ctx, file); err != nil {
						return err
					}
				}

				res, err := importer.Run(ctx, file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				fmt.Printf("  ✓ Inserted %s new readings in %v (%.0f readings/sec), skipped %s already imported\n",
					humanize.Comma(res.Inserted), res.Elapsed.Round(time.Millisecond),
					float64(res.Inserted)/res.Elapsed.Seconds(), humanize.Comma(int64(res.Skipped)))
				if len(res.Dropped) > 0 {
					fmt.Printf("  ⚠️  Dropped %d unparsable rows (first: row %d, %s)\n",
						len(res.Dropped), res.Dropped[0].Row, res.Dropped[0].Err)
				}
				totalInserted += res.Inserted
			}

			fmt.Printf("\nTotal: %s readings ingested", humanize.Comma(totalInserted))
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Forget saved progress and import each file from the start")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingest.DefaultBatchSize, "Readings inserted per transaction")
	return cmd
}

// filterFlags are the reading filters shared by query and analyze
type filterFlags struct {
	mapName   string
	network   string
	startDate string
	endDate   string
}

func (f *filterFlags) register(cmd *cobra.Command, defaultNetwork models.NetworkFilter) {
	cmd.Flags().StringVarP(&f.mapName, "map", "m", "", "Map preset (default from config)")
	cmd.Flags().StringVar(&f.network, "ssid-filter", string(defaultNetwork), "Network filter (main_network, disconnected, other_networks, all)")
	cmd.Flags().StringVarP(&f.startDate, "start", "s", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&f.endDate, "end", "e", "", "End date (YYYY-MM-DD, inclusive)")
}

// query builds the reading query; the date range applies only when both
// dates are given.
func (f *filterFlags) query() (models.ReadingQuery, error) {
	q, err := appCfg.Query(f.mapName, models.NetworkFilter(f.network))
	if err != nil {
		return q, err
	}
	if f.startDate == "" || f.endDate == "" {
		return q, nil
	}

	loc := appCfg.AnalysisConfig().Location
	if loc == nil {
		loc = time.Local
	}
	if q.StartDate, err = time.ParseInLocation("2006-01-02", f.startDate, loc); err != nil {
		return q, fmt.Errorf("invalid start date (use YYYY-MM-DD): %w", err)
	}
	if q.EndDate, err = time.ParseInLocation("2006-01-02", f.endDate, loc); err != nil {
		return q, fmt.Errorf("invalid end date (use YYYY-MM-DD): %w", err)
	}
	if q.EndDate.Before(q.StartDate) {
		return q, fmt.Errorf("end date %s is before start date %s", f.endDate, f.startDate)
	}
	return q, nil
}

// queryCmd lists stored readings
func queryCmd() *cobra.Command {
	var filters filterFlags
	var deviceID string
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query stored readings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			q, err := filters.query()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("map") {
				q.Bounds = nil
			}
			q.DeviceID = deviceID
			q.Limit = limit

			start := time.Now()
			results, err := database.QueryReadings(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				return writeJSON(os.Stdout, results)
			default:
				fmt.Printf("Found %d readings (query time: %v)\n\n", len(results), elapsed)
				cfg := appCfg.AnalysisConfig()
				for _, r := range results {
					fmt.Printf("[%s] Device: %s | Pos: %.6f,%.6f | Signal: %.0f dBm | Loss: %.1f%% | SSID: %s | %s\n",
						r.Timestamp.Local().Format("2006-01-02 15:04:05"),
						r.DeviceID, r.Latitude, r.Longitude,
						r.SignalStrengthDBM, r.PacketLossPercent, r.CurrentNetwork,
						analysis.Classify(r, cfg))
				}
			}

			return nil
		},
	}

	filters.register(cmd, models.NetworkAll)
	cmd.Flags().StringVarP(&deviceID, "device", "d", "", "Filter by device ID")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum readings to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// analyzeCmd runs the coverage analyses from the command line
func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Coverage analysis commands",
	}

	run := func(use, short string, print func(readings []models.Reading, cfg analysis.Config, asJSON bool) error) *cobra.Command {
		var filters filterFlags
		var outputFormat string
		c := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := initDB(); err != nil {
					return fmt.Errorf("database error: %w", err)
				}
				defer database.Close()

				q, err := filters.query()
				if err != nil {
					return err
				}
				readings, err := database.QueryReadings(cmd.Context(), q)
				if err != nil {
					return fmt.Errorf("query error: %w", err)
				}
				return print(readings, appCfg.AnalysisConfig(), outputFormat == "json")
			},
		}
		filters.register(c, models.NetworkMain)
		c.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
		return c
	}

	mapCmd := run("map", "Build the heat-map zones", func(readings []models.Reading, cfg analysis.Config, asJSON bool) error {
		ds := analysis.BuildMapDataset(readings, cfg)
		if asJSON {
			return writeJSON(os.Stdout, ds.Features())
		}
		fmt.Printf("🗺️  Heat map over %s readings\n", humanize.Comma(int64(len(readings))))
		fmt.Println("==========================================")
		for _, tier := range analysis.Tiers {
			zones := ds.Zones(tier)
			fmt.Printf("\n%s zones: %d\n", strings.ToUpper(tier.String()), len(zones))
			for _, z := range zones {
				fmt.Printf("  %.6f,%.6f  points=%-4d radius=%-3.0f opacity=%.2f\n",
					z.Centroid.Lat(), z.Centroid.Lon(), z.PointCount, z.Radius, z.Opacity)
			}
		}
		return nil
	})

	problemsCmd := run("problems", "Rank the worst problem locations", func(readings []models.Reading, cfg analysis.Config, asJSON bool) error {
		locations := analysis.RankProblemLocations(readings, cfg)
		if asJSON {
			return writeJSON(os.Stdout, locations)
		}
		if len(locations) == 0 {
			fmt.Println("No problem locations found.")
			return nil
		}
		fmt.Printf("%-14s %-10s %-9s %-10s %-6s %s\n", "Location", "Critical", "Attention", "Total", "Cells", "Position")
		fmt.Println(strings.Repeat("-", 72))
		for _, l := range locations {
			fmt.Printf("%-14s %-10d %-9d %-10d %-6d %.6f,%.6f\n",
				l.Label, l.CriticalCount, l.AttentionCount, l.TotalProblems, l.CellCount, l.Lat, l.Lon)
		}
		return nil
	})

	kpiCmd := run("kpi", "Summarise coverage KPIs", func(readings []models.Reading, cfg analysis.Config, asJSON bool) error {
		kpi := analysis.Summarize(readings, cfg)
		if asJSON {
			return writeJSON(os.Stdout, kpi)
		}
		fmt.Println("📈 Coverage KPIs")
		fmt.Println("==========================================")
		fmt.Printf("  Total Measurements:  %s\n", humanize.Comma(int64(kpi.TotalMeasurements)))
		fmt.Printf("  Critical:            %.1f%%\n", kpi.CriticalPercentage)
		fmt.Printf("  Disconnections:      %s\n", humanize.Comma(int64(kpi.Disconnections)))
		fmt.Printf("  Worst Device:        %s\n", kpi.WorstDevice)
		return nil
	})

	cmd.AddCommand(mapCmd, problemsCmd, kpiCmd)
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Signal Heatmap Monitor Statistics")
			fmt.Println("=====================================")
			fmt.Printf("  Total Devices:      %s\n", humanize.Comma(stats.TotalDevices))
			fmt.Printf("  Readings:           %s\n", humanize.Comma(stats.TotalReadings))
			fmt.Printf("  Disconnections:     %s\n", humanize.Comma(stats.Disconnections))
			fmt.Printf("  Database:           %s (%s)\n", appCfg.Database.DSN, appCfg.Database.Driver)
			if appCfg.Database.Driver == "sqlite3" {
				if info, err := os.Stat(appCfg.Database.DSN); err == nil {
					fmt.Printf("  Size on disk:       %s\n", humanize.Bytes(uint64(info.Size())))
				}
			}

			return nil
		},
	}
}

// deviceCmd inspects tablets
func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device commands",
	}

	// List subcommand
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			devices, err := database.ListDevices(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing devices: %w", err)
			}

			if len(devices) == 0 {
				fmt.Println("No devices found. Use 'signal-monitor generate' to create sample data.")
				return nil
			}

			fmt.Printf("%-20s %-10s %-12s %s\n", "ID", "Readings", "Avg Signal", "Last Seen")
			fmt.Println(strings.Repeat("-", 60))
			for _, d := range devices {
				fmt.Printf("%-20s %-10s %-12s %s\n",
					d.DeviceID, humanize.Comma(int64(d.TotalReadings)),
					fmt.Sprintf("%.1f dBm", d.AvgSignalDBM), humanize.Time(d.LastSeen))
			}

			return nil
		},
	}

	// Summary subcommand
	summaryCmd := &cobra.Command{
		Use:   "summary [device_id]",
		Short: "Show device reading summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			start := time.Now()
			summary, err := database.GetDevice(ctx, args[0])
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}
			readings, err := database.QueryReadings(ctx, models.ReadingQuery{DeviceID: args[0]})
			if err != nil {
				return fmt.Errorf("error loading readings: %w", err)
			}
			kpi := analysis.Summarize(readings, appCfg.AnalysisConfig())
			elapsed := time.Since(start)

			fmt.Printf("📈 Reading Summary for %s (query: %v)\n", args[0], elapsed)
			fmt.Println("==========================================")
			fmt.Printf("  Total Readings:     %s\n", humanize.Comma(int64(summary.TotalReadings)))
			fmt.Printf("  First Seen:         %s\n", summary.FirstSeen.Local().Format(time.RFC3339))
			fmt.Printf("  Last Seen:          %s (%s)\n", summary.LastSeen.Local().Format(time.RFC3339), humanize.Time(summary.LastSeen))
			fmt.Printf("  Avg Signal:         %.1f dBm\n", summary.AvgSignalDBM)
			fmt.Printf("  Avg Packet Loss:    %.1f%%\n", summary.AvgLossPct)
			fmt.Printf("  Critical Readings:  %.1f%%\n", kpi.CriticalPercentage)
			fmt.Printf("  Disconnections:     %d\n", kpi.Disconnections)

			return nil
		},
	}

	cmd.AddCommand(listCmd, summaryCmd)
	return cmd
}

// mapsCmd lists the configured map presets
func mapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maps",
		Short: "List map presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("%-10s %-12s %-12s %-12s %-12s\n", "Name", "Lat Top", "Lat Bottom", "Lon Left", "Lon Right")
			fmt.Println(strings.Repeat("-", 60))
			for _, name := range appCfg.MapNames() {
				m := appCfg.Maps[name]
				marker := ""
				if name == appCfg.DefaultMap {
					marker = " (default)"
				}
				fmt.Printf("%-10s %-12.6f %-12.6f %-12.6f %-12.6f%s\n",
					name, m.LatTop, m.LatBottom, m.LonLeft, m.LonRight, marker)
			}
			return nil
		},
	}
}
