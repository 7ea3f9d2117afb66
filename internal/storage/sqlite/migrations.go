package sqlite

const schema = `
-- Engine sessions
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    backend TEXT NOT NULL,
    device TEXT NOT NULL DEFAULT '',
    platform TEXT NOT NULL,
    options TEXT NOT NULL DEFAULT '{}',
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    leaks TEXT NOT NULL DEFAULT ''
);

-- Periodic occupancy samples
CREATE TABLE IF NOT EXISTS samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL,
    taken_at TIMESTAMP NOT NULL,
    heap_size INTEGER NOT NULL,
    heap_used INTEGER NOT NULL,
    heap_peak INTEGER NOT NULL,
    heap_failures INTEGER NOT NULL DEFAULT 0,
    tcp_conns INTEGER NOT NULL DEFAULT 0,
    udp_flows INTEGER NOT NULL DEFAULT 0,
    drops INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

-- Per-pool rows of a sample
CREATE TABLE IF NOT EXISTS pool_samples (
    sample_id INTEGER NOT NULL,
    kind TEXT NOT NULL,
    capacity INTEGER NOT NULL,
    used INTEGER NOT NULL,
    high_water INTEGER NOT NULL,
    failures INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (sample_id, kind),
    FOREIGN KEY (sample_id) REFERENCES samples(id) ON DELETE CASCADE
);

-- Application settings
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_samples_run_id ON samples(run_id);

CREATE TRIGGER IF NOT EXISTS update_settings_timestamp AFTER UPDATE ON settings
BEGIN
    UPDATE settings SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
END;
`

const defaultData = `
INSERT OR IGNORE INTO settings (key, value) VALUES
    ('backend', 'native'),
    ('device', ''),
    ('proxy', 'socks5://127.0.0.1:1080'),
    ('sample_interval', '10s'),
    ('sample_retention', '100'),
    ('log_level', 'info');
`

// runMigrations executes the database schema and default data
func runMigrations(db *DB) error {
	if _, err := db.db.Exec(schema); err != nil {
		return err
	}
	if _, err := db.db.Exec(defaultData); err != nil {
		return err
	}
	return nil
}
