package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"signal-heatmap-monitor/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Config selects the driver and connection string
type Config struct {
	Driver string // sqlite3 or pgx
	DSN    string
}

// Database wraps the SQL connection holding the readings table
type Database struct {
	conn   *sql.DB
	driver string
}

// New opens the database and creates the schema if needed
func New(cfg Config) (*Database, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	dsn := cfg.DSN

	switch driver {
	case "sqlite3":
		// Enable WAL mode and other optimizations via connection string
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", cfg.DSN)
	case "pgx":
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == "sqlite3" {
		conn.SetMaxOpenConns(1) // SQLite works best with single writer
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	db := &Database{conn: conn, driver: driver}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "DATETIME"
	if db.driver == "pgx" {
		id = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id ` + id + `,
			device_id TEXT NOT NULL,
			timestamp ` + ts + ` NOT NULL,
			signal_strength_dbm REAL NOT NULL,
			packet_loss_percent REAL NOT NULL,
			latency_ms REAL NOT NULL DEFAULT 0,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			current_network TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS import_state (
			source TEXT PRIMARY KEY,
			rows_processed INTEGER NOT NULL,
			run_id TEXT NOT NULL,
			updated_at ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_timestamp ON readings(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device ON readings(device_id)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_position ON readings(latitude, longitude)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_network ON readings(current_network)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection is alive
func (db *Database) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL
func (db *Database) rebind(query string) string {
	if db.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const insertReading = `
	INSERT INTO readings
	(device_id, timestamp, signal_strength_dbm, packet_loss_percent, latency_ms,
	 latitude, longitude, current_network)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const selectReading = `
	SELECT id, device_id, timestamp, signal_strength_dbm, packet_loss_percent,
	       latency_ms, latitude, longitude, current_network
	FROM readings
`

// InsertReading adds a single reading and sets its ID
func (db *Database) InsertReading(ctx context.Context, r *models.Reading) error {
	args := readingArgs(r)
	if db.driver == "pgx" {
		row := db.conn.QueryRowContext(ctx, db.rebind(insertReading)+" RETURNING id", args...)
		return row.Scan(&r.ID)
	}

	result, err := db.conn.ExecContext(ctx, insertReading, args...)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	r.ID = id
	return nil
}

// InsertReadingBatch efficiently inserts multiple readings in one transaction
func (db *Database) InsertReadingBatch(ctx context.Context, records []models.Reading) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	count, err := db.insertTx(ctx, tx, records)
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// ImportBatch inserts records and advances the import offset of source in
// the same transaction.
func (db *Database) ImportBatch(ctx context.Context, source string, records []models.Reading, rowsProcessed int64, runID string) (int64, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	count, err := db.insertTx(ctx, tx, records)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, db.rebind(upsertImportState), source, rowsProcessed, runID, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("import state: %w", err)
	}
	return count, tx.Commit()
}

func (db *Database) insertTx(ctx context.Context, tx *sql.Tx, records []models.Reading) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, db.rebind(insertReading))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for i := range records {
		if _, err := stmt.ExecContext(ctx, readingArgs(&records[i])...); err != nil {
			return 0, fmt.Errorf("record %d: %w", i, err)
		}
		count++
	}
	return count, nil
}

func readingArgs(r *models.Reading) []interface{} {
	return []interface{}{
		r.DeviceID, r.Timestamp.UTC(), r.SignalStrengthDBM, r.PacketLossPercent, r.LatencyMS,
		r.Latitude, r.Longitude, r.CurrentNetwork,
	}
}

// whereClause builds the filter shared by reading queries
func whereClause(q models.ReadingQuery) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if q.Bounds != nil {
		conditions = append(conditions, "latitude BETWEEN ? AND ?", "longitude BETWEEN ? AND ?")
		args = append(args, q.Bounds.Min.Lat(), q.Bounds.Max.Lat(), q.Bounds.Min.Lon(), q.Bounds.Max.Lon())
	}
	if !q.StartDate.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartDate.UTC())
	}
	if !q.EndDate.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, nextDay(q.EndDate).UTC())
	}
	switch q.Network {
	case models.NetworkMain:
		conditions = append(conditions, "current_network = ?")
		args = append(args, q.OperationalSSID)
	case models.NetworkDisconnected:
		conditions = append(conditions, "current_network = ?")
		args = append(args, models.Disconnected)
	case models.NetworkOther:
		conditions = append(conditions, "current_network NOT IN (?, ?)")
		args = append(args, q.OperationalSSID, models.Disconnected)
	}
	if q.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, q.DeviceID)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// nextDay returns midnight after t in t's location, so the end date covers
// its whole day.
func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

// QueryReadings returns readings matching q in chronological order
func (db *Database) QueryReadings(ctx context.Context, q models.ReadingQuery) ([]models.Reading, error) {
	where, args := whereClause(q)
	query := selectReading + where + " ORDER BY timestamp, id"

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.Reading{}
	for rows.Next() {
		var r models.Reading
		var ts dbTime
		err := rows.Scan(
			&r.ID, &r.DeviceID, &ts, &r.SignalStrengthDBM, &r.PacketLossPercent,
			&r.LatencyMS, &r.Latitude, &r.Longitude, &r.CurrentNetwork,
		)
		if err != nil {
			return nil, err
		}
		r.Timestamp = ts.Time
		results = append(results, r)
	}

	return results, rows.Err()
}

// CountReadings returns how many readings match q
func (db *Database) CountReadings(ctx context.Context, q models.ReadingQuery) (int64, error) {
	where, args := whereClause(q)
	var count int64
	err := db.conn.QueryRowContext(ctx, db.rebind("SELECT COUNT(*) FROM readings"+where), args...).Scan(&count)
	return count, err
}

// ListDevices returns per-device reading counts
func (db *Database) ListDevices(ctx context.Context) ([]models.DeviceSummary, error) {
	query := `
		SELECT device_id, COUNT(*), MIN(timestamp), MAX(timestamp),
		       AVG(signal_strength_dbm), AVG(packet_loss_percent)
		FROM readings
		GROUP BY device_id
		ORDER BY device_id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []models.DeviceSummary{}
	for rows.Next() {
		var d models.DeviceSummary
		var first, last dbTime
		if err := rows.Scan(&d.DeviceID, &d.TotalReadings, &first, &last, &d.AvgSignalDBM, &d.AvgLossPct); err != nil {
			return nil, err
		}
		d.FirstSeen, d.LastSeen = first.Time, last.Time
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDevice returns the summary of one device
func (db *Database) GetDevice(ctx context.Context, deviceID string) (*models.DeviceSummary, error) {
	query := `
		SELECT device_id, COUNT(*), MIN(timestamp), MAX(timestamp),
		       AVG(signal_strength_dbm), AVG(packet_loss_percent)
		FROM readings
		WHERE device_id = ?
		GROUP BY device_id
	`
	var d models.DeviceSummary
	var first, last dbTime
	err := db.conn.QueryRowContext(ctx, db.rebind(query), deviceID).
		Scan(&d.DeviceID, &d.TotalReadings, &first, &last, &d.AvgSignalDBM, &d.AvgLossPct)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	d.FirstSeen, d.LastSeen = first.Time, last.Time
	return &d, nil
}

// GetStats returns store-wide counters
func (db *Database) GetStats(ctx context.Context) (models.Stats, error) {
	var s models.Stats
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*), COUNT(DISTINCT device_id) FROM readings").
		Scan(&s.TotalReadings, &s.TotalDevices)
	if err != nil {
		return s, err
	}
	err = db.conn.QueryRowContext(ctx, db.rebind("SELECT COUNT(*) FROM readings WHERE current_network = ?"), models.Disconnected).
		Scan(&s.Disconnections)
	return s, err
}

// ImportOffset returns how many data rows of source were already imported
func (db *Database) ImportOffset(ctx context.Context, source string) (int64, error) {
	var rowsProcessed int64
	err := db.conn.QueryRowContext(ctx, db.rebind("SELECT rows_processed FROM import_state WHERE source = ?"), source).
		Scan(&rowsProcessed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return rowsProcessed, err
}

const upsertImportState = `
	INSERT INTO import_state (source, rows_processed, run_id, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (source) DO UPDATE SET
		rows_processed = excluded.rows_processed,
		run_id = excluded.run_id,
		updated_at = excluded.updated_at
`

// SaveImportOffset records the row count reached by an import run
func (db *Database) SaveImportOffset(ctx context.Context, source string, rowsProcessed int64, runID string) error {
	_, err := db.conn.ExecContext(ctx, db.rebind(upsertImportState), source, rowsProcessed, runID, time.Now().UTC())
	return err
}

// ResetImportOffset forgets the import progress of source
func (db *Database) ResetImportOffset(ctx context.Context, source string) error {
	_, err := db.conn.ExecContext(ctx, db.rebind("DELETE FROM import_state WHERE source = ?"), source)
	return err
}
