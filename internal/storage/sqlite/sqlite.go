package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tunstack/internal/storage"
	"tunstack/internal/storage/models"
)

// dbHandle is the common interface between *sql.DB and *sql.Tx.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB implements the Storage interface using SQLite
type DB struct {
	db *sql.DB
}

// New creates a new SQLite storage instance
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// a single writer keeps sample inserts from racing each other
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	storage := &DB{db: db}
	if err := runMigrations(storage); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return storage, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) handle() dbHandle { return d.db }

// BeginTx starts a new transaction
func (d *DB) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx implements the Transaction interface
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Commit() error    { return t.tx.Commit() }
func (t *Tx) Rollback() error  { return t.tx.Rollback() }
func (t *Tx) handle() dbHandle { return t.tx }

func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

func (t *Tx) Close() error { return nil }

// ─── Run operations ─────────────────────────────────────────────────────────

func (d *DB) CreateRun(ctx context.Context, run *models.Run) error {
	return createRun(ctx, d.handle(), run)
}
func (t *Tx) CreateRun(ctx context.Context, run *models.Run) error {
	return createRun(ctx, t.handle(), run)
}

func createRun(ctx context.Context, h dbHandle, run *models.Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	query := `
		INSERT INTO runs (backend, device, platform, options, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	result, err := h.ExecContext(ctx, query,
		run.Backend, run.Device, run.Platform, run.Options, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	run.ID = id
	return nil
}

func (d *DB) FinishRun(ctx context.Context, run *models.Run) error {
	return finishRun(ctx, d.handle(), run)
}
func (t *Tx) FinishRun(ctx context.Context, run *models.Run) error {
	return finishRun(ctx, t.handle(), run)
}

func finishRun(ctx context.Context, h dbHandle, run *models.Run) error {
	if run.EndedAt == nil {
		now := time.Now()
		run.EndedAt = &now
	}
	result, err := h.ExecContext(ctx,
		"UPDATE runs SET ended_at = ?, leaks = ? WHERE id = ?",
		*run.EndedAt, run.Leaks, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %d", run.ID)
	}
	return nil
}

const runColumns = `id, backend, device, platform, options, started_at, ended_at, leaks`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*models.Run, error) {
	run := &models.Run{}
	var ended sql.NullTime
	err := s.Scan(
		&run.ID, &run.Backend, &run.Device, &run.Platform, &run.Options,
		&run.StartedAt, &ended, &run.Leaks,
	)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		run.EndedAt = &ended.Time
	}
	return run, nil
}

func (d *DB) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	return getRun(ctx, d.handle(), id)
}
func (t *Tx) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	return getRun(ctx, t.handle(), id)
}

func getRun(ctx context.Context, h dbHandle, id int64) (*models.Run, error) {
	row := h.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (d *DB) GetLatestRun(ctx context.Context) (*models.Run, error) {
	return getLatestRun(ctx, d.handle())
}
func (t *Tx) GetLatestRun(ctx context.Context) (*models.Run, error) {
	return getLatestRun(ctx, t.handle())
}

func getLatestRun(ctx context.Context, h dbHandle) (*models.Run, error) {
	row := h.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY id DESC LIMIT 1")
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (d *DB) GetRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return getRuns(ctx, d.handle(), limit)
}
func (t *Tx) GetRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	return getRuns(ctx, t.handle(), limit)
}

func getRuns(ctx context.Context, h dbHandle, limit int) ([]*models.Run, error) {
	rows, err := h.QueryContext(ctx, "SELECT "+runColumns+" FROM runs ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (d *DB) DeleteRun(ctx context.Context, id int64) error {
	return deleteRun(ctx, d.handle(), id)
}
func (t *Tx) DeleteRun(ctx context.Context, id int64) error {
	return deleteRun(ctx, t.handle(), id)
}

func deleteRun(ctx context.Context, h dbHandle, id int64) error {
	if _, err := h.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

// ─── Sample operations ──────────────────────────────────────────────────────

// RecordSample stores the sample and its pool rows in one transaction.
func (d *DB) RecordSample(ctx context.Context, sample *models.Sample) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := recordSample(ctx, tx, sample); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
func (t *Tx) RecordSample(ctx context.Context, sample *models.Sample) error {
	return recordSample(ctx, t.handle(), sample)
}

func recordSample(ctx context.Context, h dbHandle, s *models.Sample) error {
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now()
	}
	query := `
		INSERT INTO samples (run_id, taken_at, heap_size, heap_used, heap_peak, heap_failures, tcp_conns, udp_flows, drops)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := h.ExecContext(ctx, query,
		s.RunID, s.TakenAt, s.HeapSize, s.HeapUsed, s.HeapPeak, int64(s.HeapFailures),
		s.TCPConns, s.UDPFlows, int64(s.Drops),
	)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = id

	for _, p := range s.Pools {
		_, err := h.ExecContext(ctx, `
			INSERT INTO pool_samples (sample_id, kind, capacity, used, high_water, failures)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, p.Kind, p.Capacity, p.Used, p.HighWater, int64(p.Failures),
		)
		if err != nil {
			return fmt.Errorf("failed to record %s pool sample: %w", p.Kind, err)
		}
	}
	return nil
}

const sampleColumns = `id, run_id, taken_at, heap_size, heap_used, heap_peak, heap_failures, tcp_conns, udp_flows, drops`

func scanSample(s scanner) (*models.Sample, error) {
	sample := &models.Sample{}
	var heapFailures, drops int64
	err := s.Scan(
		&sample.ID, &sample.RunID, &sample.TakenAt, &sample.HeapSize, &sample.HeapUsed,
		&sample.HeapPeak, &heapFailures, &sample.TCPConns, &sample.UDPFlows, &drops,
	)
	if err != nil {
		return nil, err
	}
	sample.HeapFailures = uint64(heapFailures)
	sample.Drops = uint64(drops)
	return sample, nil
}

func loadPools(ctx context.Context, h dbHandle, s *models.Sample) error {
	rows, err := h.QueryContext(ctx, `
		SELECT kind, capacity, used, high_water, failures
		FROM pool_samples WHERE sample_id = ? ORDER BY rowid`, s.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var p models.PoolSample
		var failures int64
		if err := rows.Scan(&p.Kind, &p.Capacity, &p.Used, &p.HighWater, &failures); err != nil {
			return err
		}
		p.Failures = uint64(failures)
		s.Pools = append(s.Pools, p)
	}
	return rows.Err()
}

func (d *DB) GetLatestSample(ctx context.Context, runID int64) (*models.Sample, error) {
	return getLatestSample(ctx, d.handle(), runID)
}
func (t *Tx) GetLatestSample(ctx context.Context, runID int64) (*models.Sample, error) {
	return getLatestSample(ctx, t.handle(), runID)
}

func getLatestSample(ctx context.Context, h dbHandle, runID int64) (*models.Sample, error) {
	row := h.QueryRowContext(ctx,
		"SELECT "+sampleColumns+" FROM samples WHERE run_id = ? ORDER BY id DESC LIMIT 1", runID)
	sample, err := scanSample(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := loadPools(ctx, h, sample); err != nil {
		return nil, err
	}
	return sample, nil
}

func (d *DB) GetSamples(ctx context.Context, runID int64, limit int) ([]*models.Sample, error) {
	return getSamples(ctx, d.handle(), runID, limit)
}
func (t *Tx) GetSamples(ctx context.Context, runID int64, limit int) ([]*models.Sample, error) {
	return getSamples(ctx, t.handle(), runID, limit)
}

// getSamples returns the newest samples of a run, oldest first.
func getSamples(ctx context.Context, h dbHandle, runID int64, limit int) ([]*models.Sample, error) {
	rows, err := h.QueryContext(ctx,
		"SELECT "+sampleColumns+" FROM samples WHERE run_id = ? ORDER BY id DESC LIMIT ?", runID, limit)
	if err != nil {
		return nil, err
	}

	var samples []*models.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		samples = append(samples, sample)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	for _, s := range samples {
		if err := loadPools(ctx, h, s); err != nil {
			return nil, err
		}
	}
	return samples, nil
}

// ─── Settings operations ────────────────────────────────────────────────────

func (d *DB) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, d.handle(), key)
}
func (t *Tx) GetSetting(ctx context.Context, key string) (string, error) {
	return getSetting(ctx, t.handle(), key)
}

func getSetting(ctx context.Context, h dbHandle, key string) (string, error) {
	var value string
	err := h.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("setting not found: %s", key)
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (d *DB) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, d.handle(), key, value)
}
func (t *Tx) SetSetting(ctx context.Context, key, value string) error {
	return setSetting(ctx, t.handle(), key, value)
}

func setSetting(ctx context.Context, h dbHandle, key, value string) error {
	query := `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	_, err := h.ExecContext(ctx, query, key, value)
	return err
}

func (d *DB) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, d.handle())
}
func (t *Tx) GetAllSettings(ctx context.Context) (map[string]string, error) {
	return getAllSettings(ctx, t.handle())
}

func getAllSettings(ctx context.Context, h dbHandle) (map[string]string, error) {
	rows, err := h.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}
