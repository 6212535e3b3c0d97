package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseOptions holds connection settings for the ClickHouse store.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// clickhouseTables are the high-volume tables. Model metadata is not among
// them: merge-tree dedup is a poor fit for read-after-write upserts, so that
// concern stays on the SQLite delegate.
var clickhouseTables = []string{
	`CREATE TABLE IF NOT EXISTS sensor_readings (
        recorded_at DateTime64(3),
        device_id   String,
        pm2_5       Float64,
        pm10        Float64,
        dba         Float64,
        vibration   Float64
    ) ENGINE = MergeTree()
    ORDER BY (device_id, recorded_at)
    PARTITION BY toYYYYMM(recorded_at)`,

	`CREATE TABLE IF NOT EXISTS anomalies (
        detected_at    DateTime64(3),
        device_id      String,
        sensor_type    String,
        anomaly_type   String,
        severity       String,
        reason         String,
        value          Float64,
        threshold      Float64,
        anomaly_score  Float64,
        confidence     Float64,
        source         String,
        narrative      String,
        correlation_id String
    ) ENGINE = MergeTree()
    ORDER BY (device_id, detected_at)
    PARTITION BY toYYYYMM(detected_at)`,
}

const (
	chFlushSize     = 200
	chFlushInterval = time.Second
)

// clickhouseStore serves the readings and anomalies tables from ClickHouse
// and forwards model metadata to a delegate store.
//
// Readings are buffered and written in batches, since ClickHouse penalizes
// single-row inserts heavily. A buffered reading becomes queryable after the
// next flush; a failed flush drops that batch and reports the error on the
// next insert.
type clickhouseStore struct {
	conn driver.Conn
	meta Store

	mu       sync.Mutex
	pending  []*ReadingRecord
	flushErr error

	stop chan struct{}
	done chan struct{}
}

// NewClickHouseStore connects to ClickHouse, creates the schema, and returns
// a Store that keeps model metadata in the given delegate.
func NewClickHouseStore(opts ClickHouseOptions, meta Store) (Store, error) {
	if meta == nil {
		return nil, errors.New("model metadata delegate required")
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	s := &clickhouseStore{
		conn: conn,
		meta: meta,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init clickhouse schema: %w", err)
	}

	go s.flushLoop()
	return s, nil
}

// initSchema creates the tables if they don't exist.
func (s *clickhouseStore) initSchema() error {
	ctx := context.Background()
	for _, ddl := range clickhouseTables {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (s *clickhouseStore) Close() error {
	close(s.stop)
	<-s.done

	flushErr := s.flushReadings(context.Background())
	connErr := s.conn.Close()
	metaErr := s.meta.Close()

	if flushErr != nil {
		return flushErr
	}
	if connErr != nil {
		return connErr
	}
	return metaErr
}

func (s *clickhouseStore) Ping(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return err
	}
	return s.meta.Ping(ctx)
}

// flushLoop drains the reading buffer on a fixed cadence so low-rate devices
// don't sit unflushed behind the batch size threshold.
func (s *clickhouseStore) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.flushReadings(context.Background()); err != nil {
				s.mu.Lock()
				s.flushErr = err
				s.mu.Unlock()
			}
		case <-s.stop:
			return
		}
	}
}

// flushReadings writes all buffered readings in one batch.
func (s *clickhouseStore) flushReadings(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	b, err := s.conn.PrepareBatch(ctx,
		`INSERT INTO sensor_readings (recorded_at, device_id, pm2_5, pm10, dba, vibration)`)
	if err != nil {
		return fmt.Errorf("prepare readings batch: %w", err)
	}
	for _, rec := range batch {
		if err := b.Append(rec.RecordedAt.UTC(), rec.DeviceID,
			rec.PM25, rec.PM10, rec.DBA, rec.Vibration); err != nil {
			return fmt.Errorf("append reading: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("send readings batch: %w", err)
	}
	return nil
}

// ─── Readings ─────────────────────────────────────────────────────────────────

func (s *clickhouseStore) InsertReading(ctx context.Context, rec *ReadingRecord) error {
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	full := len(s.pending) >= chFlushSize
	err := s.flushErr
	s.flushErr = nil
	s.mu.Unlock()

	if full {
		if ferr := s.flushReadings(ctx); ferr != nil {
			return ferr
		}
	}
	return err
}

func (s *clickhouseStore) RecentReadings(ctx context.Context, deviceID string, since time.Time, limit int) ([]*ReadingRecord, error) {
	query := `SELECT device_id, pm2_5, pm10, dba, vibration, recorded_at FROM sensor_readings
        WHERE device_id = ? AND recorded_at >= ? ORDER BY recorded_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.conn.Query(ctx, query, deviceID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReadingRecord
	for rows.Next() {
		rec := &ReadingRecord{}
		if err := rows.Scan(&rec.DeviceID, &rec.PM25, &rec.PM10,
			&rec.DBA, &rec.Vibration, &rec.RecordedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseRecords(result)
	return result, nil
}

func (s *clickhouseStore) FieldValues(ctx context.Context, deviceID, field string, since time.Time, limit int) ([]float64, error) {
	col, err := fieldColumn(field)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM sensor_readings
        WHERE device_id = ? AND recorded_at >= ? ORDER BY recorded_at DESC`, col)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.conn.Query(ctx, query, deviceID, since.UTC())
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

func (s *clickhouseStore) LatestReadings(ctx context.Context, limit int) ([]*ReadingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT device_id, pm2_5, pm10, dba, vibration, recorded_at
        FROM sensor_readings ORDER BY recorded_at DESC LIMIT %d`, limit)

	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*ReadingRecord
	for rows.Next() {
		rec := &ReadingRecord{}
		if err := rows.Scan(&rec.DeviceID, &rec.PM25, &rec.PM10,
			&rec.DBA, &rec.Vibration, &rec.RecordedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *clickhouseStore) DevicesWithData(ctx context.Context, since time.Time, min int) ([]string, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT device_id FROM sensor_readings WHERE recorded_at >= ?
         GROUP BY device_id HAVING count() >= ? ORDER BY device_id`,
		since.UTC(), int64(min))
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

func (s *clickhouseStore) CountReadings(ctx context.Context) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM sensor_readings`).Scan(&n)
	return int64(n), err
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

// AppendAnomaly writes synchronously. Anomalies are sparse relative to
// readings and drive the API's history views, so batching buys nothing here.
func (s *clickhouseStore) AppendAnomaly(ctx context.Context, rec *AnomalyRecord) error {
	err := s.conn.Exec(ctx, `
        INSERT INTO anomalies (detected_at, device_id, sensor_type, anomaly_type, severity,
            reason, value, threshold, anomaly_score, confidence, source, narrative, correlation_id)
        VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.DetectedAt.UTC(), rec.DeviceID, rec.SensorType, rec.AnomalyType, rec.Severity,
		rec.Reason, rec.Value, rec.Threshold, rec.Score, rec.Confidence, rec.Source,
		rec.Narrative, rec.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (s *clickhouseStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*AnomalyRecord, error) {
	query := `SELECT device_id, sensor_type, anomaly_type, severity, reason, value,
        threshold, anomaly_score, confidence, source, narrative, correlation_id, detected_at
        FROM anomalies WHERE 1=1`
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
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY detected_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AnomalyRecord
	for rows.Next() {
		rec := &AnomalyRecord{}
		if err := rows.Scan(&rec.DeviceID, &rec.SensorType, &rec.AnomalyType,
			&rec.Severity, &rec.Reason, &rec.Value, &rec.Threshold, &rec.Score, &rec.Confidence,
			&rec.Source, &rec.Narrative, &rec.CorrelationID, &rec.DetectedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *clickhouseStore) AnomalySummary(ctx context.Context, from, to time.Time) (map[string]int, error) {
	query := `SELECT severity, count() FROM anomalies WHERE 1=1`
	args := []any{}
	if !from.IsZero() {
		query += ` AND detected_at >= ?`
		args = append(args, from.UTC())
	}
	if !to.IsZero() {
		query += ` AND detected_at <= ?`
		args = append(args, to.UTC())
	}
	query += ` GROUP BY severity`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := map[string]int{}
	for rows.Next() {
		var sev string
		var count uint64
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, err
		}
		summary[sev] = int(count)
	}
	return summary, rows.Err()
}

func (s *clickhouseStore) CountAnomalies(ctx context.Context) (int64, error) {
	var n uint64
	err := s.conn.QueryRow(ctx, `SELECT count() FROM anomalies`).Scan(&n)
	return int64(n), err
}

// ─── Model metadata (delegated) ───────────────────────────────────────────────

func (s *clickhouseStore) UpsertModelMeta(ctx context.Context, rec *ModelMetaRecord) error {
	return s.meta.UpsertModelMeta(ctx, rec)
}

func (s *clickhouseStore) GetModelMeta(ctx context.Context, deviceID, sensorType string) (*ModelMetaRecord, error) {
	return s.meta.GetModelMeta(ctx, deviceID, sensorType)
}

func (s *clickhouseStore) ListModelMeta(ctx context.Context) ([]*ModelMetaRecord, error) {
	return s.meta.ListModelMeta(ctx)
}
