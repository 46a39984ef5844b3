package parser

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"signal-heatmap-monitor/internal/models"

	"github.com/relvacode/iso8601"
)

// ErrUnsupportedFormat is returned for formats other than csv and json
var ErrUnsupportedFormat = errors.New("unsupported format")

// columnAliases maps each field to the header names tablets have used for it
var columnAliases = map[string][]string{
	"device_id":           {"device_id", "tablet_android_id", "tablet_id"},
	"timestamp":           {"timestamp", "time", "datetime"},
	"signal_strength_dbm": {"signal_strength_dbm", "signal_dbm", "rssi"},
	"packet_loss_percent": {"packet_loss_percent", "packet_loss"},
	"latency_ms":          {"latency_ms", "latency"},
	"latitude":            {"latitude", "lat"},
	"longitude":           {"longitude", "lon", "lng"},
	"current_network":     {"current_network", "current_ssid", "ssid"},
}

// RowError describes a row dropped while parsing
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// Result holds the readings of one file
type Result struct {
	Readings   []models.Reading
	RowNumbers []int // source row of each reading, 1-based
	Rows       int   // data rows seen, including skipped and dropped ones
	Dropped    []RowError
}

// Parser handles parsing of reading files
type Parser struct {
	format string
	loc    *time.Location // zone for timestamps written without one
	logger *slog.Logger
}

// NewParser creates a new parser with the specified format. Timestamps
// without a zone are read in loc; nil means time.Local.
func NewParser(format string, loc *time.Location, logger *slog.Logger) *Parser {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{format: strings.ToLower(format), loc: loc, logger: logger}
}

// ParseFile parses a whole reading file
func (p *Parser) ParseFile(filename string) (*Result, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return p.Parse(file, 0)
}

// Parse reads r, ignoring the first skip data rows
func (p *Parser) Parse(r io.Reader, skip int) (*Result, error) {
	switch p.format {
	case "csv":
		return p.parseCSV(r, skip)
	case "json":
		return p.parseJSON(r, skip)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, p.format)
	}
}

// parseCSV parses CSV formatted readings
func (p *Parser) parseCSV(r io.Reader, skip int) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable fields

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	indices := make(map[string]int)
	for i, h := range header {
		indices[strings.ToLower(strings.TrimSpace(h))] = i
	}
	columns := make(map[string]int)
	for field, aliases := range columnAliases {
		for _, a := range aliases {
			if idx, ok := indices[a]; ok {
				columns[field] = idx
				break
			}
		}
	}
	for _, required := range []string{"device_id", "timestamp", "signal_strength_dbm", "packet_loss_percent", "latitude", "longitude"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	res := &Result{}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return res, fmt.Errorf("error at row %d: %w", res.Rows+1, err)
		}
		res.Rows++
		if res.Rows <= skip {
			continue
		}

		reading, err := recordToReading(record, columns, p.loc)
		if err != nil {
			p.drop(res, res.Rows, err)
			continue
		}
		res.Readings = append(res.Readings, reading)
		res.RowNumbers = append(res.RowNumbers, res.Rows)
	}

	return res, nil
}

func (p *Parser) drop(res *Result, row int, err error) {
	p.logger.Warn("dropping row", "row", row, "error", err)
	res.Dropped = append(res.Dropped, RowError{Row: row, Err: err.Error()})
}

// recordToReading converts a CSV record to a Reading
func recordToReading(record []string, columns map[string]int, loc *time.Location) (models.Reading, error) {
	var r models.Reading
	var err error

	getValue := func(field string) string {
		if idx, ok := columns[field]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	getFloat := func(field string) (float64, error) {
		v, err := strconv.ParseFloat(getValue(field), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %q", field, getValue(field))
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid %s: %q", field, getValue(field))
		}
		return v, nil
	}

	r.DeviceID = getValue("device_id")
	if r.DeviceID == "" {
		return r, errors.New("missing device_id")
	}

	r.Timestamp, err = ParseTimestamp(getValue("timestamp"), loc)
	if err != nil {
		return r, err
	}

	if r.SignalStrengthDBM, err = getFloat("signal_strength_dbm"); err != nil {
		return r, err
	}
	if r.PacketLossPercent, err = getFloat("packet_loss_percent"); err != nil {
		return r, err
	}
	if r.Latitude, err = getFloat("latitude"); err != nil {
		return r, err
	}
	if r.Longitude, err = getFloat("longitude"); err != nil {
		return r, err
	}
	if getValue("latency_ms") != "" {
		if r.LatencyMS, err = getFloat("latency_ms"); err != nil {
			return r, err
		}
	}
	r.CurrentNetwork = getValue("current_network")

	if errs := ValidateReading(&r); len(errs) > 0 {
		return r, errors.New(errs[0])
	}
	return r, nil
}

// parseJSON parses a JSON array or newline-delimited JSON readings
func (p *Parser) parseJSON(r io.Reader, skip int) (*Result, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return &Result{}, nil
		}
		return nil, err
	}

	var raw []models.Reading
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
	} else {
		dec := json.NewDecoder(br)
		for {
			var reading models.Reading
			err := dec.Decode(&reading)
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("invalid JSON record %d: %w", len(raw)+1, err)
			}
			raw = append(raw, reading)
		}
	}

	res := &Result{Rows: len(raw)}
	for i, reading := range raw {
		row := i + 1
		if row <= skip {
			continue
		}
		if errs := ValidateReading(&reading); len(errs) > 0 {
			p.drop(res, row, errors.New(errs[0]))
			continue
		}
		res.Readings = append(res.Readings, reading)
		res.RowNumbers = append(res.RowNumbers, row)
	}
	return res, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b == ' ' || b == '\n' || b == '\r' || b == '\t' {
			continue
		}
		return b, br.UnreadByte()
	}
}

// ParseTimestamp tries Unix seconds, ISO 8601, then the layouts tablet
// exports use. Text without a zone is wall-clock time in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	if s == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	// Unix seconds
	if len(s) >= 9 {
		if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(ts, 0), nil
		}
	}
	if t, err := iso8601.ParseString(s); err == nil {
		if !hasZone(s) {
			// iso8601 reads zone-less input as UTC
			t = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
		}
		return t, nil
	}

	formats := []string{
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		"02/01/2006 15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.ParseInLocation(format, s, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// hasZone reports whether an ISO 8601 timestamp carries Z or an offset
func hasZone(s string) bool {
	i := strings.IndexByte(s, 'T')
	if i < 0 {
		return false
	}
	return strings.ContainsAny(s[i:], "Z+-")
}

// ValidateReading validates a reading
func ValidateReading(r *models.Reading) []string {
	var errors []string

	if r.DeviceID == "" {
		errors = append(errors, "device_id is required")
	}
	if r.Timestamp.IsZero() {
		errors = append(errors, "timestamp is required")
	}
	if r.Latitude < -90 || r.Latitude > 90 {
		errors = append(errors, "latitude must be between -90 and 90")
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		errors = append(errors, "longitude must be between -180 and 180")
	}
	if r.PacketLossPercent < 0 || r.PacketLossPercent > 100 {
		errors = append(errors, "packet_loss_percent must be between 0 and 100")
	}
	if math.IsNaN(r.SignalStrengthDBM) || math.IsInf(r.SignalStrengthDBM, 0) {
		errors = append(errors, "signal_strength_dbm must be a number")
	}
	if r.LatencyMS < 0 {
		errors = append(errors, "latency_ms cannot be negative")
	}

	return errors
}
