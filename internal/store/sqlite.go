package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

// schema defines the tables for the telemetry persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sensor_readings (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id   TEXT NOT NULL,
    pm2_5       REAL NOT NULL DEFAULT 0.0,
    pm10        REAL NOT NULL DEFAULT 0.0,
    dba         REAL NOT NULL DEFAULT 0.0,
    vibration   REAL NOT NULL DEFAULT 0.0,
    recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device_time ON sensor_readings(device_id, recorded_at DESC);
CREATE INDEX IF NOT EXISTS idx_readings_recorded_at ON sensor_readings(recorded_at DESC);

CREATE TABLE IF NOT EXISTS anomalies (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id     TEXT NOT NULL DEFAULT '',
    sensor_type   TEXT NOT NULL DEFAULT '',
    anomaly_type  TEXT NOT NULL DEFAULT '',
    severity      TEXT NOT NULL DEFAULT 'low',
    reason        TEXT NOT NULL DEFAULT '',
    value         REAL NOT NULL DEFAULT 0.0,
    threshold     REAL NOT NULL DEFAULT 0.0,
    anomaly_score REAL NOT NULL DEFAULT 0.0,
    confidence    REAL NOT NULL DEFAULT 0.0,
    source        TEXT NOT NULL DEFAULT 'rule',
    detected_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomalies_detected_at ON anomalies(detected_at DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_device     ON anomalies(device_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_severity   ON anomalies(severity);

CREATE TABLE IF NOT EXISTS model_metadata (
    device_id      TEXT NOT NULL,
    sensor_type    TEXT NOT NULL,
    model_type     TEXT NOT NULL DEFAULT '',
    trained_at     DATETIME NOT NULL,
    accuracy       REAL NOT NULL DEFAULT 0.0,
    readings_count INTEGER NOT NULL DEFAULT 0,
    last_updated   DATETIME NOT NULL,
    PRIMARY KEY (device_id, sensor_type)
);
`,
	},
	// Migration 2: narrative + correlation id on anomalies, written by the
	// escalation dispatcher after the fact.
	{
		version: 2,
		sql: `
ALTER TABLE anomalies ADD COLUMN narrative TEXT NOT NULL DEFAULT '';
ALTER TABLE anomalies ADD COLUMN correlation_id TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_anomalies_correlation ON anomalies(correlation_id);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite permits a single writer; one pooled connection also keeps
	// ":memory:" databases from splitting into one DB per connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Readings ─────────────────────────────────────────────────────────────────

func (s *sqliteStore) InsertReading(ctx context.Context, rec *ReadingRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO sensor_readings(device_id, pm2_5, pm10, dba, vibration, recorded_at)
        VALUES(?,?,?,?,?,?)
    `,
		rec.DeviceID, rec.PM25, rec.PM10, rec.DBA, rec.Vibration, formatTime(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) RecentReadings(ctx context.Context, deviceID string, since time.Time, limit int) ([]*ReadingRecord, error) {
	query := `SELECT id,device_id,pm2_5,pm10,dba,vibration,recorded_at FROM sensor_readings
        WHERE device_id = ? AND recorded_at >= ? ORDER BY recorded_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, deviceID, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReadingRecord
	for rows.Next() {
		rec := &ReadingRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.PM25, &rec.PM10,
			&rec.DBA, &rec.Vibration, &ts); err != nil {
			return nil, err
		}
		rec.RecordedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseRecords(result)
	return result, nil
}

func (s *sqliteStore) FieldValues(ctx context.Context, deviceID, field string, since time.Time, limit int) ([]float64, error) {
	col, err := fieldColumn(field)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM sensor_readings
        WHERE device_id = ? AND recorded_at >= ? ORDER BY recorded_at DESC`, col)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, deviceID, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseFloats(values)
	return values, nil
}

func (s *sqliteStore) LatestReadings(ctx context.Context, limit int) ([]*ReadingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,device_id,pm2_5,pm10,dba,vibration,recorded_at FROM sensor_readings
         ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReadingRecord
	for rows.Next() {
		rec := &ReadingRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.PM25, &rec.PM10,
			&rec.DBA, &rec.Vibration, &ts); err != nil {
			return nil, err
		}
		rec.RecordedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DevicesWithData(ctx context.Context, since time.Time, min int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id FROM sensor_readings WHERE recorded_at >= ?
         GROUP BY device_id HAVING COUNT(*) >= ? ORDER BY device_id`,
		formatTime(since), min)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

func (s *sqliteStore) CountReadings(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_readings`).Scan(&n)
	return n, err
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO anomalies(device_id, sensor_type, anomaly_type, severity, reason,
            value, threshold, anomaly_score, confidence, source, narrative, correlation_id, detected_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.DeviceID, rec.SensorType, rec.AnomalyType, rec.Severity, rec.Reason,
		rec.Value, rec.Threshold, rec.Score, rec.Confidence, rec.Source, rec.Narrative,
		rec.CorrelationID, formatTime(rec.DetectedAt),
	)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error) {
	query := `SELECT id,device_id,sensor_type,anomaly_type,severity,reason,value,threshold,anomaly_score,confidence,source,narrative,correlation_id,detected_at FROM anomalies WHERE 1=1`
	args := []any{}

	if q.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, q.DeviceID)
	}
	if q.SensorType != "" {
		query += ` AND sensor_type = ?`
		args = append(args, q.SensorType)
	}
	if q.AnomalyType != "" {
		query += ` AND anomaly_type = ?`
		args = append(args, q.AnomalyType)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, q.Severity)
	}
	if q.Source != "" {
		query += ` AND source = ?`
		args = append(args, q.Source)
	}
	if !q.From.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, formatTime(q.To))
	}
	query += ` ORDER BY detected_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AnomalyRecord
	for rows.Next() {
		rec := &AnomalyRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.SensorType, &rec.AnomalyType,
			&rec.Severity, &rec.Reason, &rec.Value, &rec.Threshold, &rec.Score, &rec.Confidence,
			&rec.Source, &rec.Narrative, &rec.CorrelationID, &ts); err != nil {
			return nil, err
		}
		rec.DetectedAt, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error) {
	query := `SELECT severity, COUNT(*) FROM anomalies WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, formatTime(to))
	}
	query += ` GROUP BY severity`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[string]int{}
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, err
		}
		summary[sev] = count
	}
	return summary, rows.Err()
}

func (s *sqliteStore) CountAnomalies(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM anomalies`).Scan(&n)
	return n, err
}

// ─── Model metadata ───────────────────────────────────────────────────────────

func (s *sqliteStore) UpsertModelMeta(ctx context.Context, rec *ModelMetaRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO model_metadata(device_id, sensor_type, model_type, trained_at, accuracy, readings_count, last_updated)
        VALUES(?,?,?,?,?,?,?)
        ON CONFLICT(device_id, sensor_type) DO UPDATE SET
            model_type     = excluded.model_type,
            trained_at     = excluded.trained_at,
            accuracy       = excluded.accuracy,
            readings_count = excluded.readings_count,
            last_updated   = excluded.last_updated
    `,
		rec.DeviceID, rec.SensorType, rec.ModelType, formatTime(rec.TrainedAt),
		rec.Accuracy, rec.ReadingsCount, formatTime(rec.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert model metadata: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetModelMeta(ctx context.Context, deviceID, sensorType string) (*ModelMetaRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT device_id,sensor_type,model_type,trained_at,accuracy,readings_count,last_updated
         FROM model_metadata WHERE device_id = ? AND sensor_type = ?`,
		deviceID, sensorType)

	rec := &ModelMetaRecord{}
	var ta, lu string
	err := row.Scan(&rec.DeviceID, &rec.SensorType, &rec.ModelType, &ta,
		&rec.Accuracy, &rec.ReadingsCount, &lu)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.TrainedAt, _ = parseTime(ta)
	rec.LastUpdated, _ = parseTime(lu)
	return rec, nil
}

func (s *sqliteStore) ListModelMeta(ctx context.Context) ([]*ModelMetaRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id,sensor_type,model_type,trained_at,accuracy,readings_count,last_updated
         FROM model_metadata ORDER BY last_updated DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ModelMetaRecord
	for rows.Next() {
		rec := &ModelMetaRecord{}
		var ta, lu string
		if err := rows.Scan(&rec.DeviceID, &rec.SensorType, &rec.ModelType, &ta,
			&rec.Accuracy, &rec.ReadingsCount, &lu); err != nil {
			return nil, err
		}
		rec.TrainedAt, _ = parseTime(ta)
		rec.LastUpdated, _ = parseTime(lu)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// formatTime renders timestamps in a fixed-width UTC layout so that the
// lexicographic comparisons in SQL match chronological order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func reverseRecords(recs []*ReadingRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func reverseFloats(vs []float64) {
	for i, j := 0, len(vs)-1; i < j; i, j = i+1, j-1 {
		vs[i], vs[j] = vs[j], vs[i]
	}
}
