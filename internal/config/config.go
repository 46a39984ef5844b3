// Package config loads process settings: built-in defaults, then an optional
// YAML file, then SIGNAL_MONITOR_* environment variables. Command-line flags
// are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"signal-heatmap-monitor/internal/analysis"
	"signal-heatmap-monitor/internal/models"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// ErrUnknownMap is returned when a map preset name is not configured
var ErrUnknownMap = errors.New("unknown map")

const envPrefix = "SIGNAL_MONITOR_"

// MapPreset is a named bounding box over an operating area
type MapPreset struct {
	LatTop    float64 `yaml:"lat_top" json:"lat_top"`
	LatBottom float64 `yaml:"lat_bottom" json:"lat_bottom"`
	LonLeft   float64 `yaml:"lon_left" json:"lon_left"`
	LonRight  float64 `yaml:"lon_right" json:"lon_right"`
}

// Bound returns the preset as an orb bound
func (m MapPreset) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{m.LonLeft, m.LatBottom},
		Max: orb.Point{m.LonRight, m.LatTop},
	}
}

// Center returns the middle of the preset
func (m MapPreset) Center() orb.Point {
	return m.Bound().Center()
}

// Database selects the store driver
type Database struct {
	Driver string `yaml:"driver"` // sqlite3 or pgx
	DSN    string `yaml:"dsn"`    // file path for sqlite3, connection URL for pgx
}

// HTTP configures the API server
type HTTP struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Cache configures the analysis response cache
type Cache struct {
	RedisAddr string        `yaml:"redis_addr"` // empty keeps the cache in memory
	TTL       time.Duration `yaml:"ttl"`        // zero disables caching
}

// Config is the full process configuration
type Config struct {
	Database        Database             `yaml:"database"`
	HTTP            HTTP                 `yaml:"http"`
	Cache           Cache                `yaml:"cache"`
	OperationalSSID string               `yaml:"operational_ssid"`
	DefaultMap      string               `yaml:"default_map"`
	Timezone        string               `yaml:"timezone"`
	Maps            map[string]MapPreset `yaml:"maps"`
	Analysis        analysis.Config      `yaml:"analysis"`
}

// Default returns the settings of the original yard deployment
func Default() Config {
	const (
		tmutLat = -3.525506
		tmutLon = -38.797690
		buffer  = 0.005
	)
	return Config{
		Database: Database{Driver: "sqlite3", DSN: "signal_monitor.db"},
		HTTP:     HTTP{Port: 8080, CORSOrigins: []string{"*"}},
		Cache:    Cache{TTL: 30 * time.Second},

		OperationalSSID: "2G_6qmzayp",
		DefaultMap:      "patio",
		Timezone:        "Local",
		Maps: map[string]MapPreset{
			"patio": {LatTop: -3.543, LatBottom: -3.556, LonLeft: -38.822, LonRight: -38.802},
			"tmut": {
				LatTop: tmutLat + buffer, LatBottom: tmutLat - buffer,
				LonLeft: tmutLon - buffer, LonRight: tmutLon + buffer,
			},
		},
		Analysis: analysis.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the YAML file at path (if not empty)
// and the environment read through getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	env := func(key string) string { return strings.TrimSpace(getenv(envPrefix + key)) }

	if v := env("DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := env("DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := env("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT: %w", envPrefix, err)
		}
		c.HTTP.Port = port
	}
	if v := env("CORS_ORIGINS"); v != "" {
		c.HTTP.CORSOrigins = strings.Split(v, ",")
	}
	if v := env("REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	if v := env("CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sCACHE_TTL: %w", envPrefix, err)
		}
		c.Cache.TTL = ttl
	}
	if v := env("OPERATIONAL_SSID"); v != "" {
		c.OperationalSSID = v
	}
	if v := env("DEFAULT_MAP"); v != "" {
		c.DefaultMap = v
	}
	if v := env("TIMEZONE"); v != "" {
		c.Timezone = v
	}
	return nil
}

// Validate checks settings that would otherwise fail at request time
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.HTTP.Port)
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache ttl cannot be negative")
	}
	if _, ok := c.Maps[c.DefaultMap]; !ok {
		return fmt.Errorf("default map %q: %w", c.DefaultMap, ErrUnknownMap)
	}
	for name, m := range c.Maps {
		if m.LatTop <= m.LatBottom || m.LonRight <= m.LonLeft {
			return fmt.Errorf("map %q has an empty bounding box", name)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	return c.Analysis.Validate()
}

// AnalysisConfig returns the analysis settings with the configured timezone
func (c Config) AnalysisConfig() analysis.Config {
	a := c.Analysis
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		a.Location = loc
	}
	return a
}

// Map looks up a preset by name; an empty name selects the default map
func (c Config) Map(name string) (MapPreset, error) {
	if name == "" {
		name = c.DefaultMap
	}
	m, ok := c.Maps[name]
	if !ok {
		return MapPreset{}, fmt.Errorf("%w: %s", ErrUnknownMap, name)
	}
	return m, nil
}

// MapNames returns the preset names in sorted order
func (c Config) MapNames() []string {
	names := make([]string, 0, len(c.Maps))
	for name := range c.Maps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Query returns a reading query scoped to the named map and network filter
func (c Config) Query(mapName string, network models.NetworkFilter) (models.ReadingQuery, error) {
	m, err := c.Map(mapName)
	if err != nil {
		return models.ReadingQuery{}, err
	}
	b := m.Bound()
	if network == "" {
		network = models.NetworkMain
	}
	if !network.Valid() {
		return models.ReadingQuery{}, fmt.Errorf("unknown network filter: %s", network)
	}
	return models.ReadingQuery{
		Bounds:          &b,
		Network:         network,
		OperationalSSID: c.OperationalSSID,
	}, nil
}
